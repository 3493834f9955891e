package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperjump/kotae/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(c *Client) *Client {
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func TestClient_EmbedBatchesAndPreservesOrder(t *testing.T) {
	mock := NewMockEmbedder(8)
	c := NewClient(mock, WithBatchSize(2))

	texts := []string{"a", "b", "c", "d", "e"}
	vecs, err := c.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	for i, text := range texts {
		assert.Equal(t, mock.Vector(text), vecs[i])
	}
	assert.Equal(t, 3, mock.Calls())
}

func TestClient_CacheSkipsProvider(t *testing.T) {
	mock := NewMockEmbedder(4)
	c := NewClient(mock, WithCache(10))

	_, err := c.Embed(context.Background(), []string{"x", "y"})
	require.NoError(t, err)
	v, err := c.EmbedQuery(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, mock.Vector("x"), v)
	assert.Equal(t, 1, mock.Calls())
}

func TestClient_RetriesTransientErrors(t *testing.T) {
	mock := NewMockEmbedder(4)
	mock.FailNext(&StatusError{Code: 429, Message: "slow down"}, &StatusError{Code: 503, Message: "busy"})

	var delays []time.Duration
	c := NewClient(mock, WithRetry(5, 100*time.Millisecond, time.Second))
	c.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	vecs, err := c.Embed(context.Background(), []string{"hello"})
	require.NoError(t, err)
	assert.Len(t, vecs, 1)
	assert.Equal(t, 3, mock.Calls())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
}

func TestClient_RetryAfterIsHonoured(t *testing.T) {
	mock := NewMockEmbedder(4)
	mock.FailNext(&StatusError{Code: 429, RetryAfter: 3 * time.Second})
	var got time.Duration
	c := NewClient(mock, WithRetry(3, 100*time.Millisecond, 10*time.Second))
	c.sleep = func(_ context.Context, d time.Duration) error {
		got = d
		return nil
	}
	_, err := c.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, got)
}

func TestClient_PermanentErrorsAreNotRetried(t *testing.T) {
	mock := NewMockEmbedder(4)
	mock.FailNext(&StatusError{Code: 400, Message: "input too long"})
	c := noSleep(NewClient(mock))

	_, err := c.Embed(context.Background(), []string{"x"})
	var ee *models.EmbeddingError
	require.ErrorAs(t, err, &ee)
	assert.False(t, ee.Transient)
	assert.Equal(t, 1, mock.Calls())
}

func TestClient_GivesUpAfterMaxAttempts(t *testing.T) {
	mock := NewMockEmbedder(4)
	boom := errors.New("connection reset")
	mock.FailNext(boom, boom, boom)
	c := noSleep(NewClient(mock, WithRetry(3, time.Millisecond, time.Millisecond)))

	_, err := c.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.True(t, models.IsTransient(err))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, mock.Calls())
}

type wrongDims struct{ *MockEmbedder }

func (w wrongDims) Dimensions() int { return 16 }

func TestClient_DimensionMismatchIsPermanent(t *testing.T) {
	c := noSleep(NewClient(wrongDims{NewMockEmbedder(8)}))
	_, err := c.Embed(context.Background(), []string{"x"})
	var ee *models.EmbeddingError
	require.ErrorAs(t, err, &ee)
	assert.False(t, ee.Transient)
}

func TestClient_CanceledContext(t *testing.T) {
	mock := NewMockEmbedder(4)
	mock.FailNext(&StatusError{Code: 503})
	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(mock)
	c.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	_, err := c.Embed(ctx, []string{"x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenAIProvider(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if n == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"requests"}}`))
			return
		}
		var req embeddingRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)
		assert.Equal(t, 3, req.Dimensions)
		// Out of order on purpose.
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1,0]},{"index":0,"embedding":[1,0,0]}]}`))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL + "/v1/", APIKey: "sk-test", Model: "text-embedding-3-small", Dimensions: 3})
	require.NoError(t, err)

	_, err = p.EmbedBatch(context.Background(), []string{"a", "b"})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 429, se.Code)
	assert.Equal(t, 2*time.Second, se.RetryAfter)
	assert.Equal(t, "rate limited", se.Message)

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0, 0}, {0, 1, 0}}, vecs)
}

func TestOpenAIProvider_requiresKey(t *testing.T) {
	_, err := NewOpenAIProvider(OpenAIConfig{Model: "m"})
	assert.Error(t, err)
}
