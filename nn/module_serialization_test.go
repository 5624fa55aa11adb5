package nn

import (
	"path/filepath"
	"testing"

	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

func TestSaveAndLoadModule(t *testing.T) {
	conv := NewConv2d(Conv2dConfig{InChannels: 1, OutChannels: 2, KernelH: 1, KernelW: 1, WeightName: "conv1_weights"})
	norm := NewBatchNorm(BatchNormConfig{NumFeatures: 2, Affine: true, Name: "bn_conv1"})
	fc := NewLinear(LinearConfig{InFeatures: 2, OutFeatures: 1, Bias: true})
	mustSetData(t, conv.Weight(), []float64{0.1, -0.2})
	mustSetData(t, norm.RunningVar(), []float64{2, 3})
	mustSetData(t, fc.Weight(), []float64{0.6, -0.8})
	mustSetData(t, fc.Bias(), []float64{0.2})
	model := NewSequential(conv, norm, Relu(), fc)

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "model.json")
	if err := SaveModule(path, model); err != nil {
		t.Fatalf("SaveModule failed: %v", err)
	}

	// Overwrite parameters to confirm load restores them.
	mustSetData(t, conv.Weight(), []float64{1, 1})
	mustSetData(t, norm.RunningVar(), []float64{1, 1})
	mustSetData(t, fc.Weight(), []float64{-1, -1})
	mustSetData(t, fc.Bias(), []float64{-1})

	if err := LoadModule(path, model); err != nil {
		t.Fatalf("LoadModule failed: %v", err)
	}
	if !floatsAlmostEqual(conv.Weight().Data(), []float64{0.1, -0.2}, 1e-9) {
		t.Fatalf("conv weight mismatch after load")
	}
	if !floatsAlmostEqual(norm.RunningVar().Data(), []float64{2, 3}, 1e-9) {
		t.Fatalf("running variance mismatch after load")
	}
	if !floatsAlmostEqual(fc.Weight().Data(), []float64{0.6, -0.8}, 1e-9) {
		t.Fatalf("fc weight mismatch after load")
	}
	if !floatsAlmostEqual(fc.Bias().Data(), []float64{0.2}, 1e-9) {
		t.Fatalf("fc bias mismatch after load")
	}

	saved, err := tensor.LoadTensors(path)
	if err != nil {
		t.Fatalf("LoadTensors failed: %v", err)
	}
	for _, key := range []string{"conv1_weights", "bn_conv1_scale", "bn_conv1_variance", "3.weight", "3.bias"} {
		if _, ok := saved[key]; !ok {
			t.Fatalf("checkpoint missing %s", key)
		}
	}
}

func TestLoadStateReportsMissingKey(t *testing.T) {
	conv := NewConv2d(Conv2dConfig{InChannels: 1, OutChannels: 1, KernelH: 1, KernelW: 1, WeightName: "res2a_branch1_weights"})
	err := conv.LoadState("", map[string]*tensor.Tensor{})
	if err == nil {
		t.Fatalf("expected missing key error")
	}
	if got := err.Error(); got != "Conv2d missing res2a_branch1_weights" {
		t.Fatalf("unexpected error %q", got)
	}
}

func TestSaveModuleErrorsForStateless(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "stateless.json")
	if err := SaveModule(path, Relu()); err == nil {
		t.Fatalf("expected error when saving stateless module")
	}
}

func TestZeroGradAllHandlesNil(t *testing.T) {
	lin := NewLinear(LinearConfig{InFeatures: 2, OutFeatures: 2, Bias: true})

	input := tensor.MustNew([]float64{1, -1, 2, -2}, 2, 2)
	out, err := lin.Forward(input)
	if err != nil {
		t.Fatalf("linear forward failed: %v", err)
	}
	loss := tensor.Sum(out)
	if err := loss.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	if lin.Weight().Grad() == nil {
		t.Fatalf("expected grad before ZeroGradAll")
	}

	ZeroGradAll(nil, lin)
	if lin.Weight().Grad() != nil || lin.Bias().Grad() != nil {
		t.Fatalf("ZeroGradAll should clear grads even with nil module present")
	}
}
