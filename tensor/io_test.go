package tensor

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveAndLoadTensors(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "state.json")

	tensors := map[string]*Tensor{
		"a": MustNew([]float64{1, 2, 3, 4}, 2, 2),
		"b": MustNew([]float64{0.5, -0.5}, 2),
	}
	if err := SaveTensors(path, tensors); err != nil {
		t.Fatalf("SaveTensors failed: %v", err)
	}
	loaded, err := LoadTensors(path)
	if err != nil {
		t.Fatalf("LoadTensors failed: %v", err)
	}
	if len(loaded) != len(tensors) {
		t.Fatalf("expected %d tensors, got %d", len(tensors), len(loaded))
	}
	for name, original := range tensors {
		loadedTensor, ok := loaded[name]
		if !ok {
			t.Fatalf("missing tensor %s", name)
		}
		if !almostEqualSlices(original.Data(), loadedTensor.Data(), 1e-9) {
			t.Fatalf("tensor %s data mismatch", name)
		}
		if !equalShapes(original.Shape(), loadedTensor.Shape()) {
			t.Fatalf("tensor %s shape mismatch", name)
		}
		if loadedTensor.Name() != name {
			t.Fatalf("tensor %s loaded with name %q", name, loadedTensor.Name())
		}
	}
}

func TestSaveTensorsValidatesInput(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "empty.json")
	if err := SaveTensors(path, map[string]*Tensor{}); err == nil {
		t.Fatalf("expected error for empty tensor map")
	}

	path = filepath.Join(tmpDir, "nil.json")
	tensors := map[string]*Tensor{"nil": nil}
	if err := SaveTensors(path, tensors); err == nil {
		t.Fatalf("expected error when tensor is nil")
	}
}

func TestLoadTensorsMissingFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "missing.json")
	if _, err := LoadTensors(path); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadTensorsMalformed(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "bad.json")
	if err := os.WriteFile(path, []byte("not json"), 0600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := LoadTensors(path); err == nil {
		t.Fatalf("expected error for malformed json")
	}
}

func TestWriteReadTensorsRoundTripInMemory(t *testing.T) {
	var buf bytes.Buffer
	w := MustNew([]float64{0.25, -0.75, 1.5}, 3, 1, 1, 1)
	if err := WriteTensors(&buf, map[string]*Tensor{"res2a_branch2a_weights": w}); err != nil {
		t.Fatalf("WriteTensors failed: %v", err)
	}
	loaded, err := ReadTensors(&buf)
	if err != nil {
		t.Fatalf("ReadTensors failed: %v", err)
	}
	got, ok := loaded["res2a_branch2a_weights"]
	if !ok {
		t.Fatalf("missing tensor after round trip")
	}
	if !equalShapes(got.Shape(), []int{3, 1, 1, 1}) || !almostEqualSlices(got.Data(), w.Data(), 1e-12) {
		t.Fatalf("round trip mismatch: %v %v", got.Shape(), got.Data())
	}
}

func TestReadTensorsRejectsShapeMismatch(t *testing.T) {
	r := strings.NewReader(`{"w": {"shape": [2, 2], "data": [1, 2, 3]}}`)
	if _, err := ReadTensors(r); err == nil {
		t.Fatalf("expected error for inconsistent record")
	}
}
