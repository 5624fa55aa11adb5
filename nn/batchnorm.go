package nn

import (
	"github.com/fumitoshi0524/ixeoriDet/tensor"
)

// BatchNormConfig describes a batch normalization layer. A zero momentum or
// eps falls back to 0.1 and 1e-5.
type BatchNormConfig struct {
	NumFeatures int
	Momentum    float64
	Eps         float64
	Affine      bool
	// UseGlobalStats normalizes with the running statistics even in
	// training mode and never updates them.
	UseGlobalStats bool
	// Frozen keeps the affine parameters out of the autograd graph.
	Frozen bool
	// Name yields Name+"_scale", "_offset", "_mean" and "_variance".
	Name string
}

type BatchNorm struct {
	numFeatures int
	momentum    float64
	eps         float64
	affine      bool
	globalStats bool
	training    bool
	weight      *tensor.Tensor
	bias        *tensor.Tensor
	runningMean *tensor.Tensor
	runningVar  *tensor.Tensor
}

func NewBatchNorm(cfg BatchNormConfig) *BatchNorm {
	momentum, eps := cfg.Momentum, cfg.Eps
	if momentum <= 0 || momentum >= 1 {
		momentum = 0.1
	}
	if eps <= 0 {
		eps = 1e-5
	}
	var weight, bias *tensor.Tensor
	if cfg.Affine {
		weight = tensor.Ones(cfg.NumFeatures)
		bias = tensor.Zeros(cfg.NumFeatures)
		weight.SetRequiresGrad(!cfg.Frozen)
		bias.SetRequiresGrad(!cfg.Frozen)
	}
	bn := &BatchNorm{
		numFeatures: cfg.NumFeatures,
		momentum:    momentum,
		eps:         eps,
		affine:      cfg.Affine,
		globalStats: cfg.UseGlobalStats,
		training:    true,
		weight:      weight,
		bias:        bias,
		runningMean: tensor.Zeros(cfg.NumFeatures),
		runningVar:  tensor.Ones(cfg.NumFeatures),
	}
	if cfg.Name != "" {
		named(bn.weight, cfg.Name+"_scale")
		named(bn.bias, cfg.Name+"_offset")
		named(bn.runningMean, cfg.Name+"_mean")
		named(bn.runningVar, cfg.Name+"_variance")
	}
	return bn
}

func (bn *BatchNorm) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	training := bn.training && !bn.globalStats
	return tensor.BatchNorm(input, bn.runningMean, bn.runningVar, bn.weight, bn.bias, bn.momentum, bn.eps, training)
}

func (bn *BatchNorm) Parameters() []*tensor.Tensor {
	if !bn.affine {
		return nil
	}
	return []*tensor.Tensor{bn.weight, bn.bias}
}

func (bn *BatchNorm) ZeroGrad() {
	if !bn.affine {
		return
	}
	bn.weight.ZeroGrad()
	bn.bias.ZeroGrad()
}

func (bn *BatchNorm) Train() {
	bn.training = true
}

func (bn *BatchNorm) Eval() {
	bn.training = false
}

func (bn *BatchNorm) StateDict(prefix string, state map[string]*tensor.Tensor) {
	if state == nil {
		return
	}
	if bn.affine {
		storeParam(prefix, bn.weight, "weight", state)
		storeParam(prefix, bn.bias, "bias", state)
	}
	storeParam(prefix, bn.runningMean, "running_mean", state)
	storeParam(prefix, bn.runningVar, "running_var", state)
}

func (bn *BatchNorm) LoadState(prefix string, state map[string]*tensor.Tensor) error {
	if state == nil {
		return errNilState
	}
	if bn.affine {
		if err := restoreParam("BatchNorm", prefix, bn.weight, "weight", state); err != nil {
			return err
		}
		if err := restoreParam("BatchNorm", prefix, bn.bias, "bias", state); err != nil {
			return err
		}
	}
	if err := restoreParam("BatchNorm", prefix, bn.runningMean, "running_mean", state); err != nil {
		return err
	}
	return restoreParam("BatchNorm", prefix, bn.runningVar, "running_var", state)
}

func (bn *BatchNorm) Weight() *tensor.Tensor {
	return bn.weight
}

func (bn *BatchNorm) Bias() *tensor.Tensor {
	return bn.bias
}

func (bn *BatchNorm) RunningMean() *tensor.Tensor {
	return bn.runningMean
}

func (bn *BatchNorm) RunningVar() *tensor.Tensor {
	return bn.runningVar
}
