package optim

import "github.com/fumitoshi0524/ixeoriDet/tensor"

// ParamGroup shares an optimizer setting across a set of parameters.
// LRScale multiplies the global learning rate; a zero scale leaves the group
// untouched. A negative WeightDecay inherits the global coefficient.
type ParamGroup struct {
	Params      []*tensor.Tensor
	LRScale     float64
	WeightDecay float64
}

type SGD struct {
	groups        []ParamGroup
	lr            float64
	momentum      float64
	weightDecay   float64
	nesterov      bool
	velocity      map[*tensor.Tensor]*tensor.Tensor
	maxGradNorm   float64
	gradNormType  float64
	gradValueClip float64
}

type SGDConfig struct {
	LR            float64
	Momentum      float64
	WeightDecay   float64
	Nesterov      bool
	MaxGradNorm   float64
	GradNormType  float64
	GradValueClip float64
}

func NewSGD(params []*tensor.Tensor, lr float64, momentum float64) *SGD {
	return NewSGDWithConfig(params, SGDConfig{LR: lr, Momentum: momentum})
}

func NewSGDWithConfig(params []*tensor.Tensor, cfg SGDConfig) *SGD {
	return NewSGDWithGroups([]ParamGroup{{Params: params, LRScale: 1, WeightDecay: -1}}, cfg)
}

func NewSGDWithGroups(groups []ParamGroup, cfg SGDConfig) *SGD {
	return &SGD{
		groups:        append([]ParamGroup(nil), groups...),
		lr:            cfg.LR,
		momentum:      cfg.Momentum,
		weightDecay:   cfg.WeightDecay,
		nesterov:      cfg.Nesterov,
		velocity:      make(map[*tensor.Tensor]*tensor.Tensor),
		maxGradNorm:   cfg.MaxGradNorm,
		gradNormType:  cfg.GradNormType,
		gradValueClip: cfg.GradValueClip,
	}
}

// Params returns every parameter across all groups.
func (o *SGD) Params() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, g := range o.groups {
		params = append(params, g.Params...)
	}
	return params
}

func (o *SGD) Step() error {
	params := o.Params()
	if o.maxGradNorm > 0 {
		ClipGradNorm(params, o.maxGradNorm, o.gradNormType)
	}
	if o.gradValueClip > 0 {
		ClipGradValue(params, o.gradValueClip)
	}
	for _, g := range o.groups {
		if g.LRScale == 0 {
			continue
		}
		decay := g.WeightDecay
		if decay < 0 {
			decay = o.weightDecay
		}
		for _, p := range g.Params {
			if err := o.update(p, o.lr*g.LRScale, decay); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *SGD) update(p *tensor.Tensor, lr, decay float64) error {
	if p == nil {
		return nil
	}
	grad := p.Grad()
	if grad == nil {
		return nil
	}
	update := grad
	if decay > 0 {
		if err := update.AddScaled(p.Detach(), decay); err != nil {
			return err
		}
	}
	if o.momentum > 0 {
		v := o.velocity[p]
		if v == nil {
			v = tensor.Zeros(grad.Shape()...)
		}
		v.Scale(o.momentum)
		if err := v.AddScaled(update, 1.0); err != nil {
			return err
		}
		o.velocity[p] = v
		if o.nesterov {
			tmp := update.Clone()
			if err := tmp.AddScaled(v, o.momentum); err != nil {
				return err
			}
			update = tmp
		} else {
			update = v.Clone()
		}
	}
	return p.AddScaled(update, -lr)
}

func (o *SGD) SetLR(lr float64) {
	o.lr = lr
}

func (o *SGD) LR() float64 {
	return o.lr
}

func (o *SGD) SetWeightDecay(v float64) {
	o.weightDecay = v
}

func (o *SGD) SetNesterov(enabled bool) {
	o.nesterov = enabled
}

func (o *SGD) WeightDecay() float64 {
	return o.weightDecay
}

func (o *SGD) Nesterov() bool {
	return o.nesterov
}

func (o *SGD) SetGradNorm(maxNorm, normType float64) {
	o.maxGradNorm = maxNorm
	o.gradNormType = normType
}

func (o *SGD) GradNorm() (float64, float64) {
	return o.maxGradNorm, o.gradNormType
}

func (o *SGD) SetGradValueClip(limit float64) {
	o.gradValueClip = limit
}

func (o *SGD) GradValueClip() float64 {
	return o.gradValueClip
}

func (o *SGD) ZeroGrad() {
	for _, p := range o.Params() {
		if p != nil {
			p.ZeroGrad()
		}
	}
}
