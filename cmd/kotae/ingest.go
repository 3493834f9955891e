package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/cli"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/processor"
	"github.com/hyperjump/kotae/internal/storage"
)

// runIngest uploads every matching file under a directory into the local stores
// and waits until each scheduled document has completed or failed.
func runIngest(args []string) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	recursive := fs.Bool("recursive", true, "descend into subdirectories")
	noWait := fs.Bool("no-wait", false, "return once files are uploaded; unfinished documents resume on the next server start")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(reorderArgs(args))

	if fs.NArg() < 1 {
		fatalf("Usage: kotae ingest [flags] <directory>")
	}
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fatalf("%v", err)
	}
	cfg, _, logger := setupLogger(*configPath, *debug)
	if !*debug && !cfg.Debug {
		// Progress bars own the terminal; only warnings go to the log.
		logger = logger.WithOptions(zap.IncreaseLevel(zap.WarnLevel))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		fatalf("Failed to initialize: %v", err)
	}
	defer components.Close()

	var ids []string
	walkBar := cli.NewProgressBar(os.Stderr, -1, "Uploading")
	summary, err := components.Processor.IngestDirectory(ctx, fs.Arg(0), processor.IngestOptions{
		Recursive:  *recursive,
		Extensions: cfg.Inbox.Extensions,
		OnFile: func(res processor.IngestResult) {
			_ = walkBar.Add(1)
			if res.Err == nil && !res.Skipped {
				ids = append(ids, res.DocumentID)
			}
		},
	})
	_ = walkBar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fatalf("Ingest failed: %v", err)
	}

	var completed, failed int
	if !*noWait && len(ids) > 0 {
		completed, failed = waitForProcessing(ctx, components.Storage, components.Processor, ids)
	}

	if format == cli.OutputJSON {
		out := struct {
			processor.IngestSummary
			Completed int `json:"completed"`
			Failed    int `json:"processing_failed"`
		}{summary, completed, failed}
		if err := cli.WriteJSON(os.Stdout, out); err != nil {
			fatalf("Output failed: %v", err)
		}
		return
	}
	fmt.Printf("%d files: %d uploaded, %d unchanged, %d rejected\n",
		summary.Files, summary.Uploaded, summary.Skipped, summary.Failed)
	if !*noWait && len(ids) > 0 {
		fmt.Printf("%s %d completed", color.GreenString("processed:"), completed)
		if failed > 0 {
			fmt.Printf(", %s", color.RedString("%d failed (see kotae list --status failed)", failed))
		}
		fmt.Println()
	}
}

// waitForProcessing shows a bar over ids until the processor is idle or ctx is cancelled.
func waitForProcessing(ctx context.Context, store storage.Store, p *processor.Processor, ids []string) (completed, failed int) {
	bar := cli.NewProgressBar(os.Stderr, len(ids), "Processing")
	idle := make(chan struct{})
	go func() {
		p.Wait()
		close(idle)
	}()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	count := func() {
		docs, err := store.GetDocuments(context.Background(), ids)
		if err != nil {
			return
		}
		completed, failed = 0, 0
		for _, d := range docs {
			switch d.Status {
			case models.StatusCompleted:
				completed++
			case models.StatusFailed:
				failed++
			}
		}
		_ = bar.Set(completed + failed)
	}
	for {
		select {
		case <-idle:
			count()
			_ = bar.Finish()
			fmt.Fprintln(os.Stderr)
			return completed, failed
		case <-ctx.Done():
			_ = bar.Exit()
			fmt.Fprintln(os.Stderr)
			fmt.Fprintln(os.Stderr, "Interrupted; unfinished documents are marked failed and can be retried.")
			return completed, failed
		case <-ticker.C:
			count()
		}
	}
}
