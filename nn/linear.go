package nn

import (
	"math"

	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

// LinearConfig describes a fully connected layer. The weight is stored as
// [in, out] so the forward pass is a plain x*W.
type LinearConfig struct {
	InFeatures  int
	OutFeatures int
	Bias        bool
	WeightName  string
	BiasName    string
}

type Linear struct {
	inFeatures  int
	outFeatures int
	weight      *tensor.Tensor
	bias        *tensor.Tensor
}

// NewLinear initializes weight and bias from U(-1/sqrt(in), 1/sqrt(in)).
func NewLinear(cfg LinearConfig) *Linear {
	bound := 1.0 / math.Sqrt(float64(cfg.InFeatures))
	w := tensor.Uniform(-bound, bound, cfg.InFeatures, cfg.OutFeatures)
	w.SetRequiresGrad(true)
	var b *tensor.Tensor
	if cfg.Bias {
		b = tensor.Uniform(-bound, bound, cfg.OutFeatures)
		b.SetRequiresGrad(true)
	}
	return &Linear{
		inFeatures:  cfg.InFeatures,
		outFeatures: cfg.OutFeatures,
		weight:      named(w, cfg.WeightName),
		bias:        named(b, cfg.BiasName),
	}
}

func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	shape := input.Shape()
	x := input
	var err error
	switch len(shape) {
	case 1:
		x, err = input.Reshape(1, shape[0])
	case 2:
		x = input
	default:
		x, err = tensor.Flatten(input)
	}
	if err != nil {
		return nil, err
	}
	output, err := tensor.MatMul(x, l.weight)
	if err != nil {
		return nil, err
	}
	if l.bias != nil {
		output, err = tensor.AddBias2D(output, l.bias)
		if err != nil {
			return nil, err
		}
	}
	return output, nil
}

func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

func (l *Linear) ZeroGrad() {
	for _, p := range l.Parameters() {
		p.ZeroGrad()
	}
}

func (l *Linear) Weight() *tensor.Tensor {
	return l.weight
}

func (l *Linear) Bias() *tensor.Tensor {
	return l.bias
}

func (l *Linear) StateDict(prefix string, state map[string]*tensor.Tensor) {
	if state == nil {
		return
	}
	storeParam(prefix, l.weight, "weight", state)
	storeParam(prefix, l.bias, "bias", state)
}

func (l *Linear) LoadState(prefix string, state map[string]*tensor.Tensor) error {
	if state == nil {
		return errNilState
	}
	if err := restoreParam("Linear", prefix, l.weight, "weight", state); err != nil {
		return err
	}
	return restoreParam("Linear", prefix, l.bias, "bias", state)
}
