//go:build !cgo
// +build !cgo

package embedding

import (
	"context"
	"errors"
)

var errNoCGO = errors.New("onnx embedding provider needs a cgo build with onnxruntime installed; use provider mock, openai, gemini or ollama instead")

// ONNXEmbedder is unavailable without cgo.
type ONNXEmbedder struct{}

// NewONNXEmbedder always fails in builds without cgo.
func NewONNXEmbedder(string, int, int) (*ONNXEmbedder, error) {
	return nil, errNoCGO
}

func (*ONNXEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) { return nil, errNoCGO }
func (*ONNXEmbedder) Dimensions() int                                          { return 0 }
func (*ONNXEmbedder) ModelName() string                                        { return "onnx" }
func (*ONNXEmbedder) Close() error                                             { return nil }
