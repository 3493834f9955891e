//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/pkg/utils"
)

// ONNXEmbedder runs a sentence-transformers model locally through ONNX Runtime.
// The model must take input_ids, attention_mask and token_type_ids and output
// last_hidden_state; sentence vectors are the attention-masked mean of it.
// It requires CGO and the onnxruntime shared library.
type ONNXEmbedder struct {
	mu         sync.Mutex
	session    *ort.AdvancedSession
	model      string
	dimensions int
	maxTokens  int
	tokenizer  Tokenizer
	ids        *ort.Tensor[int64]
	mask       *ort.Tensor[int64]
	typeIDs    *ort.Tensor[int64]
	hidden     *ort.Tensor[float32]
}

// NewONNXEmbedder loads the model at modelPath. A vocab.txt next to the model
// enables WordPiece tokenization; without it words are hashed to ids.
func NewONNXEmbedder(modelPath string, dimensions, maxTokens int) (*ONNXEmbedder, error) {
	if dimensions <= 0 || maxTokens < 2 {
		return nil, fmt.Errorf("invalid onnx settings: dimensions=%d max_tokens=%d", dimensions, maxTokens)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	var tokenizer Tokenizer = hashTokenizer{}
	vocabPath := filepath.Join(filepath.Dir(modelPath), "vocab.txt")
	if wp, err := LoadWordPiece(vocabPath); err == nil {
		tokenizer = wp
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	e := &ONNXEmbedder{
		model:      strings.TrimSuffix(filepath.Base(modelPath), filepath.Ext(modelPath)),
		dimensions: dimensions,
		maxTokens:  maxTokens,
		tokenizer:  tokenizer,
	}
	inputShape := ort.NewShape(1, int64(maxTokens))
	var err error
	if e.ids, err = ort.NewEmptyTensor[int64](inputShape); err != nil {
		return nil, e.fail("input_ids tensor", err)
	}
	if e.mask, err = ort.NewEmptyTensor[int64](inputShape); err != nil {
		return nil, e.fail("attention_mask tensor", err)
	}
	if e.typeIDs, err = ort.NewEmptyTensor[int64](inputShape); err != nil {
		return nil, e.fail("token_type_ids tensor", err)
	}
	if e.hidden, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(maxTokens), int64(dimensions))); err != nil {
		return nil, e.fail("output tensor", err)
	}
	e.session, err = ort.NewAdvancedSession(
		modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		[]ort.ArbitraryTensor{e.ids, e.mask, e.typeIDs},
		[]ort.ArbitraryTensor{e.hidden},
		nil,
	)
	if err != nil {
		return nil, e.fail("session", err)
	}
	return e, nil
}

func (e *ONNXEmbedder) fail(what string, err error) error {
	_ = e.Close()
	return fmt.Errorf("failed to create ONNX %s: %w", what, err)
}

func (e *ONNXEmbedder) embedOne(text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, errors.New("onnx embedder is closed")
	}

	enc := e.tokenizer.Encode(text, e.maxTokens)
	copy(e.ids.GetData(), enc.IDs)
	copy(e.mask.GetData(), enc.Mask)
	copy(e.typeIDs.GetData(), enc.TypeIDs)
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	vec := meanPool(e.hidden.GetData(), enc.Mask, e.dimensions)
	utils.NormalizeL2(vec)
	return vec, nil
}

// meanPool averages the token rows of hidden whose mask is set.
func meanPool(hidden []float32, mask []int64, dims int) []float32 {
	out := make([]float32, dims)
	var n float32
	for tok, m := range mask {
		if m == 0 {
			continue
		}
		row := hidden[tok*dims : (tok+1)*dims]
		for i, v := range row {
			out[i] += v
		}
		n++
	}
	if n > 0 {
		for i := range out {
			out[i] /= n
		}
	}
	return out
}

// EmbedBatch runs the session once per text. The session has a fixed batch size of one.
func (e *ONNXEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := e.embedOne(text)
		if err != nil {
			return nil, &models.EmbeddingError{Err: err}
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the embedding dimension.
func (e *ONNXEmbedder) Dimensions() int { return e.dimensions }

// ModelName returns the model file name without extension.
func (e *ONNXEmbedder) ModelName() string { return e.model }

// Close destroys the session and tensors. It is safe to call more than once.
func (e *ONNXEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if e.session != nil {
		err = e.session.Destroy()
		e.session = nil
	}
	if e.ids != nil {
		_ = e.ids.Destroy()
	}
	if e.mask != nil {
		_ = e.mask.Destroy()
	}
	if e.typeIDs != nil {
		_ = e.typeIDs.Destroy()
	}
	if e.hidden != nil {
		_ = e.hidden.Destroy()
	}
	e.ids, e.mask, e.typeIDs, e.hidden = nil, nil, nil, nil
	return err
}
