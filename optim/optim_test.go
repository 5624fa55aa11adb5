package optim

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"

	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

func almostEqual(a, b []float64, tol float64) bool {
	return len(a) == len(b) && floats.EqualApprox(a, b, tol)
}

func TestSGDStepAndMomentum(t *testing.T) {
	param := tensor.MustNew([]float64{1, -2}, 2)
	param.SetRequiresGrad(true)

	s := tensor.Sum(param)
	if err := s.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	opt := NewSGD([]*tensor.Tensor{param}, 0.1, 0)
	if err := opt.Step(); err != nil {
		t.Fatalf("sgd step failed: %v", err)
	}
	expected := []float64{0.9, -2.1}
	if !almostEqual(param.Data(), expected, 1e-9) {
		t.Fatalf("unexpected param after SGD step: got %v want %v", param.Data(), expected)
	}

	// Momentum run for two additional updates with constant gradients of ones.
	paramZero := tensor.MustNew([]float64{1, -2}, 2)
	paramZero.SetRequiresGrad(true)
	momentumOpt := NewSGD([]*tensor.Tensor{paramZero}, 0.1, 0.5)
	for i := 0; i < 2; i++ {
		momentumOpt.ZeroGrad()
		s := tensor.Sum(paramZero)
		if err := s.Backward(); err != nil {
			t.Fatalf("momentum backward failed: %v", err)
		}
		if err := momentumOpt.Step(); err != nil {
			t.Fatalf("momentum step failed: %v", err)
		}
	}
	expectedMomentum := []float64{0.75, -2.25}
	if !almostEqual(paramZero.Data(), expectedMomentum, 1e-9) {
		t.Fatalf("unexpected param after momentum SGD: got %v want %v", paramZero.Data(), expectedMomentum)
	}
}

func TestSGDConvergesOnQuadratic(t *testing.T) {
	param := tensor.MustNew([]float64{5}, 1)
	param.SetRequiresGrad(true)
	target := tensor.Full(3, 1)
	opt := NewSGDWithConfig([]*tensor.Tensor{param}, SGDConfig{LR: 0.1, Momentum: 0.9, Nesterov: true})

	for i := 0; i < 200; i++ {
		opt.ZeroGrad()
		diff, err := tensor.Sub(param, target)
		if err != nil {
			t.Fatalf("sub failed: %v", err)
		}
		loss := tensor.Mean(tensor.Pow(diff, 2))
		if err := loss.Backward(); err != nil {
			t.Fatalf("backward failed: %v", err)
		}
		if err := opt.Step(); err != nil {
			t.Fatalf("step failed: %v", err)
		}
	}
	if val := param.Data()[0]; math.Abs(val-3) > 1e-3 {
		t.Fatalf("sgd did not converge close to target: got %.6f", val)
	}
}

func TestSGDParamGroups(t *testing.T) {
	conv := tensor.MustNew([]float64{1, 1}, 2)
	norm := tensor.MustNew([]float64{1, 1}, 2)
	decayed := tensor.MustNew([]float64{2}, 1)
	for _, p := range []*tensor.Tensor{conv, norm, decayed} {
		p.SetRequiresGrad(true)
	}
	total := tensor.Sum(conv)
	for _, p := range []*tensor.Tensor{norm, decayed} {
		var err error
		total, err = tensor.Add(tensor.Sum(p), total)
		if err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}
	if err := total.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	opt := NewSGDWithGroups([]ParamGroup{
		{Params: []*tensor.Tensor{conv}, LRScale: 1, WeightDecay: -1},
		{Params: []*tensor.Tensor{norm}, LRScale: 0, WeightDecay: 0},
		{Params: []*tensor.Tensor{decayed}, LRScale: 2, WeightDecay: 0.5},
	}, SGDConfig{LR: 0.1, WeightDecay: 0.1})
	if err := opt.Step(); err != nil {
		t.Fatalf("step failed: %v", err)
	}

	// conv: 1 - 0.1*(1 + 0.1*1)
	if !almostEqual(conv.Data(), []float64{0.89, 0.89}, 1e-9) {
		t.Fatalf("inherited decay group mismatch: %v", conv.Data())
	}
	if !almostEqual(norm.Data(), []float64{1, 1}, 0) {
		t.Fatalf("zero lr group changed: %v", norm.Data())
	}
	// decayed: 2 - 0.2*(1 + 0.5*2)
	if !almostEqual(decayed.Data(), []float64{1.6}, 1e-9) {
		t.Fatalf("explicit decay group mismatch: %v", decayed.Data())
	}
	if len(opt.Params()) != 3 {
		t.Fatalf("expected 3 params across groups, got %d", len(opt.Params()))
	}
}

func TestGradientClippingUtilities(t *testing.T) {
	param := tensor.MustNew([]float64{3, 4}, 2)
	param.SetRequiresGrad(true)
	sum := tensor.Sum(param)
	if err := sum.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	originalNorm := ClipGradNorm([]*tensor.Tensor{param}, 1.0, 2)
	if math.Abs(originalNorm-math.Sqrt(2)) > 1e-6 {
		t.Fatalf("unexpected original norm: %.6f", originalNorm)
	}
	grad := param.Grad()
	data := grad.Data()
	clippedNorm := math.Sqrt(data[0]*data[0] + data[1]*data[1])
	if math.Abs(clippedNorm-1) > 1e-6 {
		t.Fatalf("ClipGradNorm did not rescale to 1, got %.6f", clippedNorm)
	}

	param.ZeroGrad()
	sum = tensor.Sum(param)
	if err := sum.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	ClipGradValue([]*tensor.Tensor{param}, 0.5)
	grad = param.Grad()
	for i, v := range grad.Data() {
		if math.Abs(v) > 0.5+1e-9 {
			t.Fatalf("ClipGradValue exceeded limit at %d: %.6f", i, v)
		}
	}
}
