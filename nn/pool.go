package nn

import "github.com/fumitoshi0524/ixeoriDet/tensor"

type MaxPool2d struct {
	cfg tensor.Pool2DConfig
}

func NewMaxPool2d(cfg tensor.Pool2DConfig) *MaxPool2d {
	return &MaxPool2d{cfg: cfg}
}

func (m *MaxPool2d) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.MaxPool2D(input, m.cfg)
}

func (m *MaxPool2d) Parameters() []*tensor.Tensor {
	return nil
}

func (m *MaxPool2d) ZeroGrad() {}

type AvgPool2d struct {
	cfg tensor.Pool2DConfig
}

func NewAvgPool2d(cfg tensor.Pool2DConfig) *AvgPool2d {
	return &AvgPool2d{cfg: cfg}
}

func (a *AvgPool2d) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.AvgPool2D(input, a.cfg)
}

func (a *AvgPool2d) Parameters() []*tensor.Tensor {
	return nil
}

func (a *AvgPool2d) ZeroGrad() {}

// GlobalAvgPool2d reduces [N, C, H, W] to [N, C].
type GlobalAvgPool2d struct{}

func (GlobalAvgPool2d) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.GlobalAvgPool2D(input)
}

func (GlobalAvgPool2d) Parameters() []*tensor.Tensor {
	return nil
}

func (GlobalAvgPool2d) ZeroGrad() {}
