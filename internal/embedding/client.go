package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hyperjump/kotae/internal/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client wraps a Provider with batching, retries for transient failures,
// per-call timeouts, request throttling and an LRU cache.
type Client struct {
	provider       Provider
	batchSize      int
	timeout        time.Duration
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	limiter        *rate.Limiter
	cache          *Cache
	logger         *zap.Logger
	sleep          func(ctx context.Context, d time.Duration) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBatchSize caps the number of texts per provider call.
func WithBatchSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithRetry sets the attempt budget and the exponential backoff bounds.
func WithRetry(maxAttempts int, initial, max time.Duration) ClientOption {
	return func(c *Client) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		c.initialBackoff = initial
		c.maxBackoff = max
	}
}

// WithRateLimit throttles provider calls to rps requests per second. Zero disables throttling.
func WithRateLimit(rps float64) ClientOption {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithCache sets the LRU cache capacity.
func WithCache(size int) ClientOption {
	return func(c *Client) { c.cache = NewCache(size) }
}

// WithLogger sets a logger for retry and batch events.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient returns a Client over p.
func NewClient(p Provider, opts ...ClientOption) *Client {
	c := &Client{
		provider:       p,
		batchSize:      64,
		maxAttempts:    5,
		initialBackoff: 200 * time.Millisecond,
		maxBackoff:     10 * time.Second,
		cache:          NewCache(0),
		sleep:          sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Dimensions returns the provider's vector size.
func (c *Client) Dimensions() int { return c.provider.Dimensions() }

// ModelName returns the provider's model identifier.
func (c *Client) ModelName() string { return c.provider.ModelName() }

// Close closes the provider.
func (c *Client) Close() error { return c.provider.Close() }

// EmbedQuery embeds a single text.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Embed returns one vector per text, in input order. Failures are
// *models.EmbeddingError unless ctx itself ended.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []int
	for i, t := range texts {
		if v, ok := c.cache.Get(t); ok {
			out[i] = v
			continue
		}
		missing = append(missing, i)
	}

	for start := 0; start < len(missing); start += c.batchSize {
		end := start + c.batchSize
		if end > len(missing) {
			end = len(missing)
		}
		idx := missing[start:end]
		batch := make([]string, len(idx))
		for j, i := range idx {
			batch[j] = texts[i]
		}
		vecs, err := c.embedWithRetry(ctx, batch)
		if err != nil {
			return nil, err
		}
		for j, i := range idx {
			out[i] = vecs[j]
			c.cache.Set(texts[i], vecs[j])
		}
		c.logger.Debug("embedded batch", zap.Int("texts", len(batch)), zap.String("model", c.ModelName()))
	}
	return out, nil
}

func (c *Client) embedWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, &models.EmbeddingError{Transient: true, Err: err}
			}
		}
		vecs, err := c.call(ctx, batch)
		if err == nil {
			if verr := c.validate(batch, vecs); verr != nil {
				return nil, verr
			}
			return vecs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		eerr := classify(err)
		if !eerr.Transient || attempt+1 >= c.maxAttempts {
			return nil, eerr
		}
		delay := c.backoff(attempt)
		var se *StatusError
		if errors.As(err, &se) && se.RetryAfter > 0 {
			delay = se.RetryAfter
			if c.maxBackoff > 0 && delay > c.maxBackoff {
				delay = c.maxBackoff
			}
		}
		c.logger.Warn("embedding call failed, retrying",
			zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (c *Client) call(ctx context.Context, batch []string) ([][]float32, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.provider.EmbedBatch(ctx, batch)
}

func (c *Client) validate(batch []string, vecs [][]float32) error {
	if len(vecs) != len(batch) {
		return &models.EmbeddingError{Err: fmt.Errorf("provider returned %d vectors for %d texts", len(vecs), len(batch))}
	}
	dim := c.provider.Dimensions()
	for i, v := range vecs {
		if len(v) == 0 || (dim > 0 && len(v) != dim) {
			return &models.EmbeddingError{Err: fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), dim)}
		}
	}
	return nil
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.initialBackoff << uint(attempt)
	if d <= 0 || (c.maxBackoff > 0 && d > c.maxBackoff) {
		return c.maxBackoff
	}
	return d
}

// classify decides whether err is worth retrying. Network errors and anything
// else without a classification of its own count as transient; the attempt budget bounds them.
func classify(err error) *models.EmbeddingError {
	var ee *models.EmbeddingError
	if errors.As(err, &ee) {
		return ee
	}
	var se *StatusError
	if errors.As(err, &se) {
		return &models.EmbeddingError{Transient: se.Temporary(), Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &models.EmbeddingError{Transient: true, Err: fmt.Errorf("provider call timed out: %w", err)}
	}
	return &models.EmbeddingError{Transient: true, Err: err}
}

// StatusError is a non-2xx response from an HTTP provider.
type StatusError struct {
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.Code, e.Message)
}

// Temporary reports whether the status is worth retrying (429, 408 and 5xx).
func (e *StatusError) Temporary() bool {
	return e.Code == 429 || e.Code == 408 || e.Code >= 500
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
