package tensor

import (
	"math"
	"testing"
)

func TestMaxPool2DForwardBackward(t *testing.T) {
	input := withGrad(MustNew([]float64{
		1, 2, 3,
		4, 5, 6,
	}, 1, 1, 2, 3))
	out, err := MaxPool2D(input, Pool2DConfig{KernelH: 2, KernelW: 2, StrideH: 1, StrideW: 1})
	if err != nil {
		t.Fatalf("MaxPool2D returned error: %v", err)
	}
	if !almostEqualSlices(out.Data(), []float64{5, 6}, 1e-9) {
		t.Fatalf("unexpected maxpool output: %v", out.Data())
	}
	if err := Sum(out).Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	if !almostEqualSlices(input.Grad().Data(), []float64{0, 0, 0, 0, 1, 1}, 1e-9) {
		t.Fatalf("unexpected maxpool grad: %v", input.Grad().Data())
	}
}

func TestMaxPool2DStemGeometry(t *testing.T) {
	// 3x3 stride 2 pad 1, the pool after the ResNet stem.
	input := MustNew(seq(1*2*7*7, 0.6), 1, 2, 7, 7)
	out, err := MaxPool2D(input, Pool2DConfig{KernelH: 3, KernelW: 3, StrideH: 2, StrideW: 2, PadH: 1, PadW: 1})
	if err != nil {
		t.Fatalf("MaxPool2D returned error: %v", err)
	}
	if !equalShapes(out.Shape(), []int{1, 2, 4, 4}) {
		t.Fatalf("unexpected pooled shape %v", out.Shape())
	}
	// Top-left window covers rows 0..1 and cols 0..1 after padding.
	want := math.Max(math.Max(input.data[0], input.data[1]), math.Max(input.data[7], input.data[8]))
	if out.data[0] != want {
		t.Fatalf("top-left window max %v, want %v", out.data[0], want)
	}
}

func TestAvgPool2DCeilModeExclusive(t *testing.T) {
	input := withGrad(MustNew([]float64{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	}, 1, 1, 3, 3))
	out, err := AvgPool2D(input, Pool2DConfig{KernelH: 2, KernelW: 2, StrideH: 2, StrideW: 2, CeilMode: true})
	if err != nil {
		t.Fatalf("AvgPool2D returned error: %v", err)
	}
	if !equalShapes(out.Shape(), []int{1, 1, 2, 2}) {
		t.Fatalf("unexpected ceil mode shape %v", out.Shape())
	}
	want := []float64{3, 4.5, 7.5, 9}
	if !almostEqualSlices(out.Data(), want, 1e-12) {
		t.Fatalf("unexpected avgpool output: got %v want %v", out.Data(), want)
	}
	if err := Sum(out).Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	wantGrad := []float64{
		0.25, 0.25, 0.5,
		0.25, 0.25, 0.5,
		0.5, 0.5, 1,
	}
	if !almostEqualSlices(input.Grad().Data(), wantGrad, 1e-12) {
		t.Fatalf("unexpected avgpool grad: %v", input.Grad().Data())
	}

	floor, err := AvgPool2D(input, Pool2DConfig{KernelH: 2, KernelW: 2})
	if err != nil {
		t.Fatalf("AvgPool2D floor mode failed: %v", err)
	}
	if !equalShapes(floor.Shape(), []int{1, 1, 1, 1}) {
		t.Fatalf("unexpected floor mode shape %v", floor.Shape())
	}
}

func TestPoolOutputSize(t *testing.T) {
	cases := []struct {
		in, k, s, p int
		ceil        bool
		want        int
	}{
		{in: 7, k: 2, s: 2, p: 0, ceil: true, want: 4},
		{in: 7, k: 2, s: 2, p: 0, ceil: false, want: 3},
		{in: 8, k: 2, s: 2, p: 0, ceil: true, want: 4},
		{in: 112, k: 3, s: 2, p: 1, ceil: false, want: 56},
		{in: 5, k: 3, s: 2, p: 1, ceil: true, want: 3},
		{in: 2, k: 3, s: 1, p: 0, ceil: false, want: 0},
	}
	for _, tc := range cases {
		if got := PoolOutputSize(tc.in, tc.k, tc.s, tc.p, tc.ceil); got != tc.want {
			t.Fatalf("PoolOutputSize(%d,%d,%d,%d,%v) = %d, want %d", tc.in, tc.k, tc.s, tc.p, tc.ceil, got, tc.want)
		}
	}
}

func TestBatchNormTrainingGradients(t *testing.T) {
	input := withGrad(MustNew(seq(2*3*2*2, 0.7), 2, 3, 2, 2))
	weight := withGrad(MustNew([]float64{0.5, -1, 1.5}, 3))
	bias := withGrad(MustNew([]float64{0.1, 0.2, -0.3}, 3))
	loss := func() *Tensor {
		out, err := BatchNorm(input, nil, nil, weight, bias, 0.1, 1e-5, true)
		if err != nil {
			t.Fatalf("BatchNorm failed: %v", err)
		}
		return weightedSum(t, out)
	}
	checkGrads(t, loss, map[string]*Tensor{"input": input, "weight": weight, "bias": bias}, 1e-4)
}

func TestBatchNormRunningStatistics(t *testing.T) {
	input := MustNew([]float64{
		1, 2,
		3, 6,
	}, 2, 2)
	runningMean := Zeros(2)
	runningVar := Ones(2)
	if _, err := BatchNorm(input, runningMean, runningVar, nil, nil, 0.1, 1e-5, true); err != nil {
		t.Fatalf("BatchNorm training failed: %v", err)
	}
	// Batch means are 2 and 4, biased variances 1 and 4.
	if !almostEqualSlices(runningMean.Data(), []float64{0.2, 0.4}, 1e-12) {
		t.Fatalf("running mean mismatch: %v", runningMean.Data())
	}
	if !almostEqualSlices(runningVar.Data(), []float64{1.0, 1.3}, 1e-12) {
		t.Fatalf("running var mismatch: %v", runningVar.Data())
	}
}

func TestBatchNormEvalUsesGlobalStats(t *testing.T) {
	input := withGrad(MustNew(seq(1*2*2*2, 0.2), 1, 2, 2, 2))
	mean := MustNew([]float64{0.5, -0.5}, 2)
	variance := MustNew([]float64{4, 0.25}, 2)
	weight := MustNew([]float64{2, 1}, 2)
	bias := MustNew([]float64{0, 1}, 2)
	out, err := BatchNorm(input, mean, variance, weight, bias, 0.1, 0, false)
	if err != nil {
		t.Fatalf("BatchNorm eval failed: %v", err)
	}
	want := make([]float64, 8)
	for i, v := range input.data {
		c := i / 4
		want[i] = (v-mean.data[c])/math.Sqrt(variance.data[c])*weight.data[c] + bias.data[c]
	}
	if !almostEqualSlices(out.Data(), want, 1e-12) {
		t.Fatalf("eval output mismatch: got %v want %v", out.Data(), want)
	}
	if !almostEqualSlices(mean.Data(), []float64{0.5, -0.5}, 0) {
		t.Fatalf("eval mode must not update running mean")
	}
	loss := func() *Tensor {
		o, err := BatchNorm(input, mean, variance, weight, bias, 0.1, 0, false)
		if err != nil {
			t.Fatalf("BatchNorm eval failed: %v", err)
		}
		return weightedSum(t, o)
	}
	checkGrads(t, loss, map[string]*Tensor{"input": input}, 1e-6)

	if _, err := BatchNorm(input, nil, nil, nil, nil, 0.1, 1e-5, false); err == nil {
		t.Fatalf("expected error when eval lacks running statistics")
	}
}
