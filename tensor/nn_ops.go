package tensor

import (
	"errors"
	"fmt"

	"github.com/fumitoshi0524/ixeoriDet/internal/parallel"
)

// AddBias2D adds a [cols] bias to every row of a [rows, cols] tensor.
func AddBias2D(a, bias *Tensor) (*Tensor, error) {
	if len(a.shape) != 2 {
		return nil, errors.New("AddBias2D expects rank 2 tensor input")
	}
	if len(bias.shape) != 1 || a.shape[1] != bias.shape[0] {
		return nil, fmt.Errorf("AddBias2D bias %v does not match input %v", bias.shape, a.shape)
	}
	rows, cols := a.shape[0], a.shape[1]
	out := Zeros(a.shape...)
	parallel.For(rows, func(start, end int) {
		for i := start; i < end; i++ {
			offset := i * cols
			for j := 0; j < cols; j++ {
				out.data[offset+j] = a.data[offset+j] + bias.data[j]
			}
		}
	})
	attach(out, []*Tensor{a, bias}, func(grad *Tensor, grads map[*Tensor]*Tensor) {
		if a.requiresGrad {
			accumulate(grads, a, grad)
		}
		if bias.requiresGrad {
			agg := Zeros(bias.shape...)
			for i := 0; i < rows; i++ {
				offset := i * cols
				for j := 0; j < cols; j++ {
					agg.data[j] += grad.data[offset+j]
				}
			}
			accumulate(grads, bias, agg)
		}
	})
	return out, nil
}

// AddChannelBias adds a [C] bias to every spatial position of an NCHW tensor.
func AddChannelBias(x, bias *Tensor) (*Tensor, error) {
	return AffineChannel(x, nil, bias)
}
