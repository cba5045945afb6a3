// Copyright 2025 The Flexygen Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build onnx && ORT

package backends

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initONNX() error {
	ortInitOnce.Do(func() {
		if libPath := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// ONNXConfig configures an ONNX causal language model.
type ONNXConfig struct {
	// Filename of the ONNX graph inside the model directory.
	// Defaults to model.onnx.
	Filename string

	// NumThreads bounds intra-op parallelism. 0 keeps the runtime default.
	NumThreads int
}

// onnxModel runs a decoder-only ONNX graph that takes input_ids and
// attention_mask and produces logits of shape [batch, seq, vocab]. The
// whole attended window is re-run every step, so splices need no cache
// surgery: the pending positions are simply part of the next window.
type onnxModel struct {
	path        string
	session     *ort.DynamicAdvancedSession
	sessionOpts *ort.SessionOptions
}

// LoadONNX opens the ONNX model stored in the given directory.
func LoadONNX(path string, config ONNXConfig) (Model, error) {
	if err := initONNX(); err != nil {
		return nil, fmt.Errorf("initializing ONNX Runtime: %w", err)
	}

	filename := config.Filename
	if filename == "" {
		filename = "model.onnx"
	}
	onnxPath := filepath.Join(path, filename)
	if _, err := os.Stat(onnxPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("ONNX model not found: %s", onnxPath)
	}

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}
	if config.NumThreads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(config.NumThreads); err != nil {
			sessionOpts.Destroy()
			return nil, fmt.Errorf("setting thread count: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(onnxPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"logits"},
		sessionOpts)
	if err != nil {
		sessionOpts.Destroy()
		return nil, fmt.Errorf("creating ONNX session: %w", err)
	}

	return &onnxModel{
		path:        path,
		session:     session,
		sessionOpts: sessionOpts,
	}, nil
}

func (m *onnxModel) Step(ctx context.Context, inputs *StepInputs) (*StepOutputs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batchSize := len(inputs.InputIDs)
	if batchSize == 0 {
		return &StepOutputs{}, nil
	}
	seqLen := len(inputs.InputIDs[0])

	flatInputIDs := make([]int64, batchSize*seqLen)
	flatAttentionMask := make([]int64, batchSize*seqLen)
	for i := 0; i < batchSize; i++ {
		for j := 0; j < seqLen; j++ {
			flatInputIDs[i*seqLen+j] = int64(inputs.InputIDs[i][j])
			flatAttentionMask[i*seqLen+j] = int64(inputs.AttentionMask[i][j])
		}
	}

	inputIDsTensor, err := ort.NewTensor(ort.NewShape(int64(batchSize), int64(seqLen)), flatInputIDs)
	if err != nil {
		return nil, fmt.Errorf("creating input_ids tensor: %w", err)
	}
	defer inputIDsTensor.Destroy()

	attentionMaskTensor, err := ort.NewTensor(ort.NewShape(int64(batchSize), int64(seqLen)), flatAttentionMask)
	if err != nil {
		return nil, fmt.Errorf("creating attention_mask tensor: %w", err)
	}
	defer attentionMaskTensor.Destroy()

	outputTensors, err := m.session.Run([]ort.ArbitraryTensor{inputIDsTensor, attentionMaskTensor})
	if err != nil {
		return nil, fmt.Errorf("running ONNX inference: %w", err)
	}
	defer func() {
		for _, t := range outputTensors {
			t.Destroy()
		}
	}()

	if len(outputTensors) == 0 {
		return nil, fmt.Errorf("no output tensors returned")
	}
	outputTensor := outputTensors[0]
	outputShape := outputTensor.GetShape()
	if len(outputShape) != 3 {
		return nil, fmt.Errorf("unexpected logits shape: %v", outputShape)
	}
	vocab := int(outputShape[2])

	floatTensor, ok := outputTensor.(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("logits tensor is not float32")
	}
	data := floatTensor.GetData()

	out := &StepOutputs{
		NextTokens:      make([]int32, batchSize),
		NextTokenLogits: make([][]float32, batchSize),
		NextTokenScores: make([][]float32, batchSize),
		Caches:          inputs.Caches,
	}

	for i := 0; i < batchSize; i++ {
		// Logits of the last position in the window.
		base := (i*seqLen + seqLen - 1) * vocab
		logits := data[base : base+vocab]

		best := 0
		for v := 1; v < vocab; v++ {
			if logits[v] > logits[best] {
				best = v
			}
		}
		out.NextTokens[i] = int32(best)

		out.NextTokenLogits[i] = append([]float32(nil), logits...)
		out.NextTokenScores[i] = softmax32(logits)

		if cache := inputs.Caches[i]; cache != nil {
			if err := cache.MarkComputed(cache.TargetLen()); err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
		}
	}
	return out, nil
}

// Close releases the ONNX session.
func (m *onnxModel) Close() error {
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
	if m.sessionOpts != nil {
		m.sessionOpts.Destroy()
		m.sessionOpts = nil
	}
	return nil
}

func softmax32(logits []float32) []float32 {
	maxv := logits[0]
	for _, v := range logits[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	probs := make([]float32, len(logits))
	for i, v := range logits {
		e := math.Exp(float64(v - maxv))
		probs[i] = float32(e)
		sum += e
	}
	for i := range probs {
		probs[i] = float32(float64(probs[i]) / sum)
	}
	return probs
}
