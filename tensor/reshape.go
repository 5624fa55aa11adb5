package tensor

import (
	"errors"
	"fmt"
)

// Reshape returns a view sharing t's storage. One dimension may be -1.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if len(shape) == 0 {
		return nil, errors.New("reshape shape required")
	}
	target := append([]int(nil), shape...)
	total := t.Numel()
	prod := 1
	infer := -1
	for i, dim := range target {
		if dim == -1 {
			if infer != -1 {
				return nil, errors.New("multiple inferred dimensions")
			}
			infer = i
			continue
		}
		if dim <= 0 {
			return nil, fmt.Errorf("invalid reshape dimension %d", dim)
		}
		prod *= dim
	}
	if infer != -1 {
		if total%prod != 0 {
			return nil, fmt.Errorf("cannot infer dimension of %v from %d elements", shape, total)
		}
		target[infer] = total / prod
		prod = total
	}
	if prod != total {
		return nil, fmt.Errorf("reshape %v to %v size mismatch", t.shape, shape)
	}
	out := &Tensor{
		data:    t.data,
		shape:   target,
		strides: makeStrides(target),
	}
	srcShape := append([]int(nil), t.shape...)
	attach(out, []*Tensor{t}, func(grad *Tensor, grads map[*Tensor]*Tensor) {
		reshaped := &Tensor{
			data:    grad.data,
			shape:   srcShape,
			strides: makeStrides(srcShape),
		}
		accumulate(grads, t, reshaped)
	})
	return out, nil
}

// Flatten collapses every axis after the first.
func Flatten(a *Tensor) (*Tensor, error) {
	if len(a.shape) < 2 {
		return a.Reshape(a.Numel())
	}
	return a.Reshape(a.shape[0], -1)
}
