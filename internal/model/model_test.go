package model

import (
	"context"
	"errors"
	"testing"

	"gorgonia.org/tensor"
)

type fakeDetector struct{}

func (fakeDetector) Infer(ctx context.Context, input tensor.Tensor) (tensor.Tensor, error) {
	return tensor.New(tensor.WithShape(1, 0, 6), tensor.WithBacking([]float32{})), nil
}

func (fakeDetector) Close() error { return nil }

type fakeRuntime struct {
	loaded []string
	err    error
}

func (r *fakeRuntime) Load(ctx context.Context, path string) (Detector, error) {
	r.loaded = append(r.loaded, path)
	if r.err != nil {
		return nil, r.err
	}
	return fakeDetector{}, nil
}

func TestLoad_NoRuntime(t *testing.T) {
	Register(nil)
	t.Cleanup(func() { Register(nil) })

	_, err := Load(context.Background(), "/models/det.onnx")
	if !errors.Is(err, ErrNoRuntime) {
		t.Fatalf("Load() error = %v, want ErrNoRuntime", err)
	}
}

func TestLoad_UsesRegisteredRuntime(t *testing.T) {
	rt := &fakeRuntime{}
	Register(rt)
	t.Cleanup(func() { Register(nil) })

	det, err := Load(context.Background(), "/models/det.onnx")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if det == nil {
		t.Fatal("Load() returned nil detector")
	}
	if len(rt.loaded) != 1 || rt.loaded[0] != "/models/det.onnx" {
		t.Errorf("runtime loaded %v, want [/models/det.onnx]", rt.loaded)
	}
}

func TestLoad_RuntimeFailure(t *testing.T) {
	loadErr := errors.New("corrupt model file")
	Register(&fakeRuntime{err: loadErr})
	t.Cleanup(func() { Register(nil) })

	_, err := Load(context.Background(), "/models/det.onnx")
	if !errors.Is(err, loadErr) {
		t.Fatalf("Load() error = %v, want wrapped %v", err, loadErr)
	}
}
