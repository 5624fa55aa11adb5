package nn

import (
	"testing"

	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

func TestConv2dWrapperMatchesTensor(t *testing.T) {
	conv := NewConv2d(Conv2dConfig{InChannels: 1, OutChannels: 1, KernelH: 2, KernelW: 2, Bias: true})
	mustSetData(t, conv.weight, []float64{1, -1, 2, 0})
	mustSetData(t, conv.bias, []float64{-0.25})
	input := tensor.MustNew([]float64{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	}, 1, 1, 3, 3)
	input.SetRequiresGrad(true)

	out, err := conv.Forward(input)
	if err != nil {
		t.Fatalf("conv2d forward failed: %v", err)
	}

	ref, err := tensor.Conv2D(input.Detach(), conv.weight.Detach(), conv.bias.Detach(), tensor.Conv2DConfig{})
	if err != nil {
		t.Fatalf("reference conv2d failed: %v", err)
	}
	if !floatsAlmostEqual(out.Data(), ref.Data(), 1e-9) {
		t.Fatalf("conv2d wrapper mismatch: got %v want %v", out.Data(), ref.Data())
	}

	loss := tensor.Sum(out)
	if err := loss.Backward(); err != nil {
		t.Fatalf("conv2d backward failed: %v", err)
	}
	if conv.weight.Grad() == nil {
		t.Fatalf("expected gradient on conv2d weight")
	}
	if conv.bias.Grad() == nil {
		t.Fatalf("expected gradient on conv2d bias")
	}
}

func TestConv2dGroupedWeightShape(t *testing.T) {
	conv := NewConv2d(Conv2dConfig{InChannels: 8, OutChannels: 4, KernelH: 3, KernelW: 3, PadH: 1, PadW: 1, Groups: 4, StrideH: 2, StrideW: 2})
	if !equalInts(conv.Weight().Shape(), []int{4, 2, 3, 3}) {
		t.Fatalf("unexpected grouped weight shape %v", conv.Weight().Shape())
	}
	out, err := conv.Forward(tensor.Randn(1, 8, 6, 6))
	if err != nil {
		t.Fatalf("grouped forward failed: %v", err)
	}
	if !equalInts(out.Shape(), []int{1, 4, 3, 3}) {
		t.Fatalf("unexpected grouped output shape %v", out.Shape())
	}
}

func TestDeformConv2dStartsAsHalfMaskedConv(t *testing.T) {
	deform := NewDeformConv2d(DeformConv2dConfig{
		InChannels:  2,
		OutChannels: 3,
		Kernel:      3,
		Padding:     1,
		WeightName:  "res5a_branch2b_weights",
		OffsetName:  "res5a_branch2b_conv_offset",
	})
	input := tensor.Randn(1, 2, 5, 5)
	out, err := deform.Forward(input)
	if err != nil {
		t.Fatalf("deform forward failed: %v", err)
	}
	// The offset conv starts at zero, so offsets are 0 and masks sigmoid(0).
	ref, err := tensor.Conv2D(input, deform.Weight().Detach(), nil, tensor.Conv2DConfig{PadH: 1, PadW: 1})
	if err != nil {
		t.Fatalf("reference conv failed: %v", err)
	}
	want := ref.Data()
	for i := range want {
		want[i] *= 0.5
	}
	if !floatsAlmostEqual(out.Data(), want, 1e-9) {
		t.Fatalf("deform conv mismatch: got %v want %v", out.Data(), want)
	}

	if err := tensor.Sum(out).Backward(); err != nil {
		t.Fatalf("deform backward failed: %v", err)
	}
	offW := deform.OffsetConv().Weight()
	if offW.Grad() == nil || deform.Weight().Grad() == nil {
		t.Fatalf("expected gradients on deform and offset weights")
	}
	if offW.Name() != "res5a_branch2b_conv_offset.w_0" || deform.OffsetConv().Bias().Name() != "res5a_branch2b_conv_offset.b_0" {
		t.Fatalf("unexpected offset param names %q %q", offW.Name(), deform.OffsetConv().Bias().Name())
	}
	if !equalInts(offW.Shape(), []int{27, 2, 3, 3}) {
		t.Fatalf("unexpected offset weight shape %v", offW.Shape())
	}

	state := map[string]*tensor.Tensor{}
	deform.StateDict("", state)
	if len(state) != 3 {
		t.Fatalf("expected 3 state entries, got %d", len(state))
	}
	if _, ok := state["res5a_branch2b_weights"]; !ok {
		t.Fatalf("state missing deform weight")
	}
}

func TestPoolWrappersMatchTensor(t *testing.T) {
	input := tensor.Randn(1, 2, 5, 5)
	cfg := tensor.Pool2DConfig{KernelH: 2, KernelW: 2, StrideH: 2, StrideW: 2, CeilMode: true}
	got, err := NewAvgPool2d(cfg).Forward(input)
	if err != nil {
		t.Fatalf("avg pool failed: %v", err)
	}
	want, err := tensor.AvgPool2D(input, cfg)
	if err != nil {
		t.Fatalf("reference avg pool failed: %v", err)
	}
	if !equalInts(got.Shape(), []int{1, 2, 3, 3}) || !floatsAlmostEqual(got.Data(), want.Data(), 1e-12) {
		t.Fatalf("avg pool wrapper mismatch")
	}

	stem := tensor.Pool2DConfig{KernelH: 3, KernelW: 3, StrideH: 2, StrideW: 2, PadH: 1, PadW: 1}
	maxOut, err := NewMaxPool2d(stem).Forward(input)
	if err != nil {
		t.Fatalf("max pool failed: %v", err)
	}
	if !equalInts(maxOut.Shape(), []int{1, 2, 3, 3}) {
		t.Fatalf("unexpected max pool shape %v", maxOut.Shape())
	}

	gap, err := GlobalAvgPool2d{}.Forward(input)
	if err != nil {
		t.Fatalf("global pool failed: %v", err)
	}
	if !equalInts(gap.Shape(), []int{1, 2}) {
		t.Fatalf("unexpected global pool shape %v", gap.Shape())
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
