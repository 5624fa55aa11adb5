package tensor

import (
	"math"

	"github.com/fumitoshi0524/ixeoriDet/internal/parallel"
)

func Relu(a *Tensor) *Tensor {
	out := Zeros(a.shape...)
	parallel.For(len(out.data), func(start, end int) {
		for i := start; i < end; i++ {
			if v := a.data[i]; v > 0 {
				out.data[i] = v
			}
		}
	})
	attach(out, []*Tensor{a}, func(grad *Tensor, grads map[*Tensor]*Tensor) {
		g := Zeros(a.shape...)
		parallel.For(len(g.data), func(start, end int) {
			for i := start; i < end; i++ {
				if out.data[i] > 0 {
					g.data[i] = grad.data[i]
				}
			}
		})
		accumulate(grads, a, g)
	})
	return out
}

func Sigmoid(a *Tensor) *Tensor {
	out := Zeros(a.shape...)
	parallel.For(len(out.data), func(start, end int) {
		for i := start; i < end; i++ {
			out.data[i] = 1 / (1 + math.Exp(-a.data[i]))
		}
	})
	attach(out, []*Tensor{a}, func(grad *Tensor, grads map[*Tensor]*Tensor) {
		g := Zeros(a.shape...)
		parallel.For(len(g.data), func(start, end int) {
			for i := start; i < end; i++ {
				s := out.data[i]
				g.data[i] = grad.data[i] * s * (1 - s)
			}
		})
		accumulate(grads, a, g)
	})
	return out
}
