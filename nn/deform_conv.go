package nn

import (
	"math"

	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

// DeformConv2dConfig describes a square modulated deformable convolution.
// Offsets and masks are predicted from the input by a companion convolution
// with the same geometry.
type DeformConv2dConfig struct {
	InChannels  int
	OutChannels int
	Kernel      int
	Stride      int
	Padding     int
	Groups      int
	WeightName  string
	// OffsetName names the offset convolution; its params become
	// OffsetName+".w_0" and OffsetName+".b_0".
	OffsetName string
}

type DeformConv2d struct {
	cfg    DeformConv2dConfig
	offset *Conv2d
	weight *tensor.Tensor
}

func NewDeformConv2d(cfg DeformConv2dConfig) *DeformConv2d {
	if cfg.Stride <= 0 {
		cfg.Stride = 1
	}
	if cfg.Groups <= 0 {
		cfg.Groups = 1
	}
	taps := cfg.Kernel * cfg.Kernel
	offCfg := Conv2dConfig{
		InChannels:  cfg.InChannels,
		OutChannels: 3 * taps,
		KernelH:     cfg.Kernel,
		KernelW:     cfg.Kernel,
		StrideH:     cfg.Stride,
		StrideW:     cfg.Stride,
		PadH:        cfg.Padding,
		PadW:        cfg.Padding,
		Bias:        true,
		ZeroInit:    true,
	}
	if cfg.OffsetName != "" {
		offCfg.WeightName = cfg.OffsetName + ".w_0"
		offCfg.BiasName = cfg.OffsetName + ".b_0"
	}
	inPerGroup := cfg.InChannels / cfg.Groups
	w := tensor.Randn(cfg.OutChannels, inPerGroup, cfg.Kernel, cfg.Kernel)
	w.Scale(math.Sqrt(2.0 / float64(inPerGroup*taps)))
	w.SetRequiresGrad(true)
	return &DeformConv2d{
		cfg:    cfg,
		offset: NewConv2d(offCfg),
		weight: named(w, cfg.WeightName),
	}
}

func (d *DeformConv2d) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	offsetMask, err := d.offset.Forward(input)
	if err != nil {
		return nil, err
	}
	taps := d.cfg.Kernel * d.cfg.Kernel
	parts, err := tensor.Split(1, []int{2 * taps, taps}, offsetMask)
	if err != nil {
		return nil, err
	}
	mask := tensor.Sigmoid(parts[1])
	return tensor.DeformConv2D(input, parts[0], mask, d.weight, tensor.Conv2DConfig{
		StrideH: d.cfg.Stride,
		StrideW: d.cfg.Stride,
		PadH:    d.cfg.Padding,
		PadW:    d.cfg.Padding,
		Groups:  d.cfg.Groups,
	})
}

func (d *DeformConv2d) Parameters() []*tensor.Tensor {
	return append([]*tensor.Tensor{d.weight}, d.offset.Parameters()...)
}

func (d *DeformConv2d) ZeroGrad() {
	for _, p := range d.Parameters() {
		p.ZeroGrad()
	}
}

func (d *DeformConv2d) Weight() *tensor.Tensor {
	return d.weight
}

// OffsetConv returns the convolution predicting offsets and masks.
func (d *DeformConv2d) OffsetConv() *Conv2d {
	return d.offset
}

func (d *DeformConv2d) StateDict(prefix string, state map[string]*tensor.Tensor) {
	if state == nil {
		return
	}
	storeParam(prefix, d.weight, "weight", state)
	d.offset.StateDict(joinPrefix(prefix, "offset"), state)
}

func (d *DeformConv2d) LoadState(prefix string, state map[string]*tensor.Tensor) error {
	if state == nil {
		return errNilState
	}
	if err := restoreParam("DeformConv2d", prefix, d.weight, "weight", state); err != nil {
		return err
	}
	return d.offset.LoadState(joinPrefix(prefix, "offset"), state)
}
