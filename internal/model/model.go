// Package model defines the detector contract and the pluggable runtime that
// loads serialized model assets.
//
// The model runtime itself (e.g. an ONNX binding) is an external
// collaborator: builds that embed one call Register at init time. Everything
// above this package only sees the Detector interface, so the engine and the
// viewer work identically with a real runtime, and load failures stay
// recoverable.
package model

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gorgonia.org/tensor"
)

// ErrNoRuntime is returned by Load when no model runtime has been registered
// in this build.
var ErrNoRuntime = errors.New("no model runtime registered")

// Detector is a loaded object-detection model. Input is a [1, 3, S, S]
// float32 tensor in RGB channel-first order with values in [0,1]; output is
// a [1, N, 6] tensor of (x0, y0, x1, y1, score, class-id) candidates in the
// detector's input coordinate frame.
type Detector interface {
	// Infer runs the detector on one prepared input tensor. It is not
	// required to be safe for concurrent use; callers serialize.
	Infer(ctx context.Context, input tensor.Tensor) (tensor.Tensor, error)

	// Close releases the model's resources.
	Close() error
}

// Runtime loads a serialized model asset from disk into a Detector.
type Runtime interface {
	Load(ctx context.Context, path string) (Detector, error)
}

var (
	runtimeMu sync.RWMutex
	runtime   Runtime
)

// Register installs the process-wide model runtime. Typically called from an
// init function in the package that binds the actual inference library.
// A second registration replaces the first.
func Register(rt Runtime) {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	runtime = rt
}

// Load loads the model asset at path using the registered runtime.
func Load(ctx context.Context, path string) (Detector, error) {
	runtimeMu.RLock()
	rt := runtime
	runtimeMu.RUnlock()

	if rt == nil {
		return nil, ErrNoRuntime
	}

	det, err := rt.Load(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("loading model %s: %w", path, err)
	}
	return det, nil
}
