package backbone

import (
	"github.com/fumitoshi0524/ixeoriDet/nn"
	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

// moduleList fans bookkeeping out over parts. Every tensor carries its
// checkpoint name, so no structural prefix is added.
type moduleList []nn.StatefulModule

func (m moduleList) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, mod := range m {
		params = append(params, mod.Parameters()...)
	}
	return params
}

func (m moduleList) ZeroGrad() {
	for _, mod := range m {
		mod.ZeroGrad()
	}
}

func (m moduleList) StateDict(prefix string, state map[string]*tensor.Tensor) {
	for _, mod := range m {
		mod.StateDict(prefix, state)
	}
}

func (m moduleList) LoadState(prefix string, state map[string]*tensor.Tensor) error {
	for _, mod := range m {
		if err := mod.LoadState(prefix, state); err != nil {
			return err
		}
	}
	return nil
}

func (m moduleList) Train() {
	for _, mod := range m {
		nn.SetTraining(true, mod)
	}
}

func (m moduleList) Eval() {
	for _, mod := range m {
		nn.SetTraining(false, mod)
	}
}

// convNorm is a conv (dense or deformable), its norm and an optional relu.
type convNorm struct {
	*nn.Sequential
	spec ConvSpec
	conv nn.StatefulModule
	norm nn.StatefulModule
}

func newConvNorm(spec ConvSpec, cfg Config) *convNorm {
	var conv nn.StatefulModule
	if spec.Deformable {
		conv = nn.NewDeformConv2d(nn.DeformConv2dConfig{
			InChannels:  spec.InChannels,
			OutChannels: spec.OutChannels,
			Kernel:      spec.Kernel,
			Stride:      spec.Stride,
			Padding:     spec.Padding(),
			Groups:      spec.Groups,
			WeightName:  spec.WeightName(),
			OffsetName:  spec.OffsetName(),
		})
	} else {
		conv = nn.NewConv2d(nn.Conv2dConfig{
			InChannels:  spec.InChannels,
			OutChannels: spec.OutChannels,
			KernelH:     spec.Kernel,
			KernelW:     spec.Kernel,
			StrideH:     spec.Stride,
			StrideW:     spec.Stride,
			PadH:        spec.Padding(),
			PadW:        spec.Padding(),
			Groups:      spec.Groups,
			WeightName:  spec.WeightName(),
		})
	}

	var norm nn.StatefulModule
	switch cfg.NormType {
	case NormBN, NormSyncBN:
		// sync_bn has a single replica here, so it reduces to bn.
		norm = nn.NewBatchNorm(nn.BatchNormConfig{
			NumFeatures:    spec.OutChannels,
			Affine:         true,
			UseGlobalStats: cfg.FreezeNorm,
			Frozen:         cfg.FreezeNorm,
			Name:           spec.NormName,
		})
	default:
		norm = nn.NewAffineChannel(nn.AffineChannelConfig{
			Channels: spec.OutChannels,
			Frozen:   cfg.FreezeNorm,
			Name:     spec.NormName,
		})
	}

	mods := []nn.Module{conv, norm}
	if spec.Relu {
		mods = append(mods, nn.Relu())
	}
	return &convNorm{
		Sequential: nn.NewSequential(mods...),
		spec:       spec,
		conv:       conv,
		norm:       norm,
	}
}

// squeezeExcitation rescales channels by a gate computed from their
// global average.
type squeezeExcitation struct {
	moduleList
	squeeze *nn.Linear
	excite  *nn.Linear
}

func newSqueezeExcitation(se SELayout) *squeezeExcitation {
	squeeze := nn.NewLinear(nn.LinearConfig{
		InFeatures:  se.Channels,
		OutFeatures: se.Reduced,
		Bias:        true,
		WeightName:  se.Name + "_sqz_weights",
		BiasName:    se.Name + "_sqz_offset",
	})
	excite := nn.NewLinear(nn.LinearConfig{
		InFeatures:  se.Reduced,
		OutFeatures: se.Channels,
		Bias:        true,
		WeightName:  se.Name + "_exc_weights",
		BiasName:    se.Name + "_exc_offset",
	})
	return &squeezeExcitation{
		moduleList: moduleList{squeeze, excite},
		squeeze:    squeeze,
		excite:     excite,
	}
}

func (s *squeezeExcitation) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	pooled, err := tensor.GlobalAvgPool2D(x)
	if err != nil {
		return nil, err
	}
	hidden, err := s.squeeze.Forward(pooled)
	if err != nil {
		return nil, err
	}
	gate, err := s.excite.Forward(tensor.Relu(hidden))
	if err != nil {
		return nil, err
	}
	return tensor.ScaleChannels(x, tensor.Sigmoid(gate))
}

type block struct {
	moduleList
	layout BlockLayout
	branch []*convNorm
	se     *squeezeExcitation
	pool   *nn.AvgPool2d
	short  *convNorm
}

func newBlock(layout BlockLayout, cfg Config) *block {
	b := &block{layout: layout}
	for _, spec := range layout.Branch {
		c := newConvNorm(spec, cfg)
		b.branch = append(b.branch, c)
		b.moduleList = append(b.moduleList, c)
	}
	if layout.SE != nil {
		b.se = newSqueezeExcitation(*layout.SE)
		b.moduleList = append(b.moduleList, b.se)
	}
	if layout.Shortcut == ShortcutPoolProjection {
		b.pool = nn.NewAvgPool2d(tensor.Pool2DConfig{KernelH: 2, KernelW: 2, StrideH: 2, StrideW: 2, CeilMode: true})
	}
	if layout.Projection != nil {
		b.short = newConvNorm(*layout.Projection, cfg)
		b.moduleList = append(b.moduleList, b.short)
	}
	return b
}

func (b *block) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	residual := x
	var err error
	for _, c := range b.branch {
		if residual, err = c.Forward(residual); err != nil {
			return nil, err
		}
	}
	if b.se != nil {
		if residual, err = b.se.Forward(residual); err != nil {
			return nil, err
		}
	}
	short := x
	if b.pool != nil {
		if short, err = b.pool.Forward(short); err != nil {
			return nil, err
		}
	}
	if b.short != nil {
		if short, err = b.short.Forward(short); err != nil {
			return nil, err
		}
	}
	return tensor.AddRelu(short, residual)
}

func (b *block) convNorms() []*convNorm {
	units := append([]*convNorm(nil), b.branch...)
	if b.short != nil {
		units = append(units, b.short)
	}
	return units
}
