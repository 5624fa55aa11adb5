package backbone

import (
	"errors"
	"fmt"

	"github.com/fumitoshi0524/ixeoriDet/nn"
	"github.com/fumitoshi0524/ixeoriDet/optim"
	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

// ResNet is a detection backbone returning one feature map per configured
// stage.
type ResNet struct {
	moduleList
	cfg    Config
	layout *Layout
	stem   []*convNorm
	pool   *nn.MaxPool2d
	stages [][]*block
}

// New validates cfg and allocates every layer of the backbone.
func New(cfg Config) (*ResNet, error) {
	cfg = cfg.clone()
	layout, err := Plan(cfg)
	if err != nil {
		return nil, err
	}
	r := &ResNet{cfg: cfg, layout: layout}
	for _, spec := range layout.Stem {
		c := newConvNorm(spec, cfg)
		r.stem = append(r.stem, c)
		r.moduleList = append(r.moduleList, c)
	}
	if len(r.stem) > 0 {
		r.pool = nn.NewMaxPool2d(tensor.Pool2DConfig{KernelH: 3, KernelW: 3, StrideH: 2, StrideW: 2, PadH: 1, PadW: 1})
	}
	for _, st := range layout.Stages {
		blocks := make([]*block, 0, len(st.Blocks))
		for _, bl := range st.Blocks {
			b := newBlock(bl, cfg)
			blocks = append(blocks, b)
			r.moduleList = append(r.moduleList, b)
		}
		r.stages = append(r.stages, blocks)
	}
	return r, nil
}

// Features runs the backbone and returns the configured stage outputs in
// increasing stage order. The output of stage FreezeAt (1 being the stem)
// is cut from the graph, so nothing before it receives gradients.
func (r *ResNet) Features(x *tensor.Tensor) ([]*tensor.Tensor, error) {
	if x == nil {
		return nil, errors.New("ResNet requires an input tensor")
	}
	if x.Rank() != 4 || x.Dim(1) != r.cfg.InChannels {
		return nil, fmt.Errorf("ResNet expects input [batch, %d, height, width], got %v", r.cfg.InChannels, x.Shape())
	}
	res := x
	var err error
	if len(r.stem) > 0 {
		for _, c := range r.stem {
			if res, err = c.Forward(res); err != nil {
				return nil, fmt.Errorf("%s: %w", c.spec.Name, err)
			}
		}
		if res, err = r.pool.Forward(res); err != nil {
			return nil, fmt.Errorf("stem pool: %w", err)
		}
		if r.cfg.FreezeAt == 1 {
			res = res.Detach()
		}
	}

	var features []*tensor.Tensor
	for i, st := range r.layout.Stages {
		for _, b := range r.stages[i] {
			if res, err = b.Forward(res); err != nil {
				return nil, fmt.Errorf("%s: %w", b.layout.Name, err)
			}
		}
		if r.cfg.FreezeAt == st.Index {
			res = res.Detach()
		}
		if st.Output {
			features = append(features, res)
		}
	}
	return features, nil
}

// Forward returns the deepest feature map.
func (r *ResNet) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	features, err := r.Features(x)
	if err != nil {
		return nil, err
	}
	return features[len(features)-1], nil
}

// NamedParameters maps checkpoint names to the live parameter tensors.
func (r *ResNet) NamedParameters() map[string]*tensor.Tensor {
	params := r.Parameters()
	named := make(map[string]*tensor.Tensor, len(params))
	for _, p := range params {
		named[p.Name()] = p
	}
	return named
}

// ParamGroups splits parameters for the optimizer: conv and fc weights train
// at the base rate with the global decay, norm params at rate 0 when frozen
// and with the configured norm decay.
func (r *ResNet) ParamGroups() []optim.ParamGroup {
	var convs, norms []*tensor.Tensor
	addUnit := func(c *convNorm) {
		convs = append(convs, c.conv.Parameters()...)
		norms = append(norms, c.norm.Parameters()...)
	}
	for _, c := range r.stem {
		addUnit(c)
	}
	for _, blocks := range r.stages {
		for _, b := range blocks {
			for _, c := range b.convNorms() {
				addUnit(c)
			}
			if b.se != nil {
				convs = append(convs, b.se.Parameters()...)
			}
		}
	}
	normScale := 1.0
	if r.cfg.FreezeNorm {
		normScale = 0
	}
	return []optim.ParamGroup{
		{Params: convs, LRScale: 1, WeightDecay: -1},
		{Params: norms, LRScale: normScale, WeightDecay: r.cfg.NormDecay},
	}
}

// OutChannels returns the channel count of each feature map.
func (r *ResNet) OutChannels() []int {
	return r.layout.OutChannels()
}

func (r *ResNet) Layout() *Layout {
	return r.layout
}

func (r *ResNet) Config() Config {
	return r.cfg.clone()
}
