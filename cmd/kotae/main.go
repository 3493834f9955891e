// Package main is the kotae CLI entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/server"
	"github.com/hyperjump/kotae/internal/watcher"
	"github.com/hyperjump/kotae/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/kotae/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// loadConfig loads config from path. When path is the default, config.yaml in the
// current directory takes precedence, and a missing default file yields the built-in
// defaults. Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			cfg := defaultConfig()
			return cfg, "", cfg.Validate()
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func defaultConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cwd, _ := os.Getwd()
	cfg.ExpandPaths(cwd)
	return cfg
}

func main() {
	// Provider keys may live in .env next to the working directory.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	args := os.Args[2:]
	switch command {
	case "server":
		runServer(args)
	case "init":
		runInit(args)
	case "upload":
		runUpload(args)
	case "ingest":
		runIngest(args)
	case "query":
		runQuery(args)
	case "themes":
		runThemes(args)
	case "list":
		runList(args)
	case "show":
		runShow(args)
	case "retry":
		runRetry(args)
	case "delete":
		runDelete(args)
	case "status":
		runStatus(args)
	case "version", "--version", "-v":
		fmt.Printf("kotae version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func fatalf(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

// setupLogger loads the config and builds a logger for commands that open local storage.
func setupLogger(configPath string, debug bool) (*config.Config, string, *zap.Logger) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	debugMode := cfg.Debug || debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	return cfg, resolved, logger
}

func runServer(args []string) {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (processing batches, inbox events, etc.)")
	_ = fs.Parse(args)

	cfg, resolvedConfigPath, logger := setupLogger(*configPath, *debug)
	defer logger.Sync()
	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", cfg.Debug || *debug),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	report, err := components.Processor.Recover(ctx)
	if err != nil {
		logger.Error("startup recovery failed", zap.Error(err))
	} else if report.Changed() {
		logger.Info("startup recovery",
			zap.Int("interrupted", report.Interrupted),
			zap.Int("out_of_sync", report.OutOfSync),
			zap.Int("orphaned", report.Orphaned),
			zap.Int("rescheduled", report.Scheduled))
	}

	inbox := watcher.New(cfg.Inbox, components.Processor, watcher.WithLogger(logger))
	if err := inbox.Start(ctx); err != nil {
		logger.Fatal("Failed to start inbox watcher", zap.Error(err))
	}

	srv := server.NewServer(
		components.Processor,
		components.Engine,
		components.Storage,
		components.Index,
		cfg,
		logger,
		server.WithCatalog(components.Catalog),
	)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("Server failed", zap.Error(err))
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(shutdownCtx)
	inbox.Stop()
	inbox.Wait()
}

// runInit writes a config file holding the built-in defaults.
func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "overwrite an existing file")
	_ = fs.Parse(args)

	path := "config.yaml"
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}
	if _, err := os.Stat(path); err == nil && !*force {
		fatalf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.Save(path, defaultConfig()); err != nil {
		fatalf("Init failed: %v", err)
	}
	fmt.Printf("Wrote %s\n", path)
}

// reorderArgs moves any flags (and their values) that appear after the positional
// arguments to the front so flag.Parse sees them. Go's flag package stops at the
// first non-flag argument, so `kotae query "refund policy" --form compact` would
// otherwise leave --form unparsed.
func reorderArgs(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// joinArgs joins positional args with spaces so questions work with or without quoting.
func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// selectionFlag is a comma-separated document id list that distinguishes
// "not given" (all documents) from "given but empty" (no documents).
type selectionFlag struct {
	ids *[]string
}

func (s *selectionFlag) String() string {
	if s.ids == nil {
		return ""
	}
	return strings.Join(*s.ids, ",")
}

func (s *selectionFlag) Set(v string) error {
	ids := []string{}
	for _, id := range strings.Split(v, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	s.ids = &ids
	return nil
}

func printUsage() {
	fmt.Println(`kotae - Ask questions across your documents

Usage:
  kotae server [flags]               Start the HTTP server, inbox watcher and workers
  kotae init [path]                  Write a config file with the defaults
  kotae upload [flags] <files...>    Upload files to a running server
  kotae ingest [flags] <dir>         Ingest a directory directly and wait for processing
  kotae query [flags] <question>     Ask a question
  kotae themes [flags] [question]    List recurring themes
  kotae list [flags]                 List documents
  kotae show [flags] <id>            Show a document
  kotae retry [flags] <id>           Retry a failed document
  kotae delete [flags] <id>          Delete a document
  kotae status [flags]               Show counters and configuration
  kotae version                      Show version
  kotae help                         Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/kotae/config.yaml,
                     ./config.yaml is used instead when present)
  --server string    Server URL (default: http://localhost:8080)
  --output string    Output format: text or json (default: text)

Query Flags:
  --docs string      Comma-separated document ids to search; --docs "" searches nothing
  --form string      enhanced or compact (default: enhanced)
  --top-k int        Number of chunks to retrieve (default from config)

List Flags:
  --q string         Catalog search over filename, title and author
  --search string    Substring over filename, title and author
  --filename, --author, --status, --content-type string
  --from, --to string   Upload date range (YYYY-MM-DD or RFC3339)
  --sort string      uploaded_at, filename or page_count
  --order string     asc or desc
  --page, --page-size int

ingest opens the local stores directly; stop the server first.

Examples:
  kotae server --debug
  kotae upload report.pdf notes.md
  kotae ingest --recursive ~/Documents/contracts
  kotae query what is the notice period
  kotae query --docs 3f2a,9c1d --form compact "who signed the lease?"
  kotae list --status failed
  kotae retry 3f2a`)
}
