package nn

import "github.com/fumitoshi0524/ixeoriDet/tensor"

// AffineChannelConfig describes a per-channel scale and shift, the frozen
// form of batch norm used by detection backbones.
type AffineChannelConfig struct {
	Channels int
	Frozen   bool
	// Name yields Name+"_scale" and Name+"_offset".
	Name string
}

type AffineChannel struct {
	scale *tensor.Tensor
	bias  *tensor.Tensor
}

func NewAffineChannel(cfg AffineChannelConfig) *AffineChannel {
	scale := tensor.Ones(cfg.Channels)
	bias := tensor.Zeros(cfg.Channels)
	scale.SetRequiresGrad(!cfg.Frozen)
	bias.SetRequiresGrad(!cfg.Frozen)
	if cfg.Name != "" {
		scale.SetName(cfg.Name + "_scale")
		bias.SetName(cfg.Name + "_offset")
	}
	return &AffineChannel{scale: scale, bias: bias}
}

func (a *AffineChannel) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.AffineChannel(input, a.scale, a.bias)
}

func (a *AffineChannel) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{a.scale, a.bias}
}

func (a *AffineChannel) ZeroGrad() {
	a.scale.ZeroGrad()
	a.bias.ZeroGrad()
}

func (a *AffineChannel) Scale() *tensor.Tensor {
	return a.scale
}

func (a *AffineChannel) Bias() *tensor.Tensor {
	return a.bias
}

func (a *AffineChannel) StateDict(prefix string, state map[string]*tensor.Tensor) {
	if state == nil {
		return
	}
	storeParam(prefix, a.scale, "scale", state)
	storeParam(prefix, a.bias, "bias", state)
}

func (a *AffineChannel) LoadState(prefix string, state map[string]*tensor.Tensor) error {
	if state == nil {
		return errNilState
	}
	if err := restoreParam("AffineChannel", prefix, a.scale, "scale", state); err != nil {
		return err
	}
	return restoreParam("AffineChannel", prefix, a.bias, "bias", state)
}
