package nn

import (
	"math"

	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

// Conv2dConfig describes a 2D convolution layer. Zero strides and groups
// default to 1.
type Conv2dConfig struct {
	InChannels  int
	OutChannels int
	KernelH     int
	KernelW     int
	StrideH     int
	StrideW     int
	PadH        int
	PadW        int
	Groups      int
	Bias        bool
	// ZeroInit starts weight and bias at zero instead of He-normal.
	ZeroInit   bool
	WeightName string
	BiasName   string
}

type Conv2d struct {
	cfg    Conv2dConfig
	weight *tensor.Tensor
	bias   *tensor.Tensor
}

func NewConv2d(cfg Conv2dConfig) *Conv2d {
	if cfg.StrideH <= 0 {
		cfg.StrideH = 1
	}
	if cfg.StrideW <= 0 {
		cfg.StrideW = 1
	}
	if cfg.Groups <= 0 {
		cfg.Groups = 1
	}
	inPerGroup := cfg.InChannels / cfg.Groups
	var w *tensor.Tensor
	if cfg.ZeroInit {
		w = tensor.Zeros(cfg.OutChannels, inPerGroup, cfg.KernelH, cfg.KernelW)
	} else {
		w = tensor.Randn(cfg.OutChannels, inPerGroup, cfg.KernelH, cfg.KernelW)
		fanIn := float64(inPerGroup * cfg.KernelH * cfg.KernelW)
		w.Scale(math.Sqrt(2.0 / fanIn))
	}
	w.SetRequiresGrad(true)
	var b *tensor.Tensor
	if cfg.Bias {
		b = tensor.Zeros(cfg.OutChannels)
		b.SetRequiresGrad(true)
	}
	return &Conv2d{
		cfg:    cfg,
		weight: named(w, cfg.WeightName),
		bias:   named(b, cfg.BiasName),
	}
}

func (c *Conv2d) geometry() tensor.Conv2DConfig {
	return tensor.Conv2DConfig{
		StrideH: c.cfg.StrideH,
		StrideW: c.cfg.StrideW,
		PadH:    c.cfg.PadH,
		PadW:    c.cfg.PadW,
		Groups:  c.cfg.Groups,
	}
}

func (c *Conv2d) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Conv2D(input, c.weight, c.bias, c.geometry())
}

func (c *Conv2d) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{c.weight}
	if c.bias != nil {
		params = append(params, c.bias)
	}
	return params
}

func (c *Conv2d) ZeroGrad() {
	for _, p := range c.Parameters() {
		p.ZeroGrad()
	}
}

func (c *Conv2d) Config() Conv2dConfig {
	return c.cfg
}

func (c *Conv2d) Weight() *tensor.Tensor {
	return c.weight
}

func (c *Conv2d) Bias() *tensor.Tensor {
	return c.bias
}

func (c *Conv2d) StateDict(prefix string, state map[string]*tensor.Tensor) {
	if state == nil {
		return
	}
	storeParam(prefix, c.weight, "weight", state)
	storeParam(prefix, c.bias, "bias", state)
}

func (c *Conv2d) LoadState(prefix string, state map[string]*tensor.Tensor) error {
	if state == nil {
		return errNilState
	}
	if err := restoreParam("Conv2d", prefix, c.weight, "weight", state); err != nil {
		return err
	}
	return restoreParam("Conv2d", prefix, c.bias, "bias", state)
}
