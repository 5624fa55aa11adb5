package tensor

import "fmt"

// MatMul multiplies two rank 2 tensors.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		return nil, fmt.Errorf("matmul expects rank 2 tensors, got %v and %v", a.shape, b.shape)
	}
	m, k := a.shape[0], a.shape[1]
	if b.shape[0] != k {
		return nil, fmt.Errorf("incompatible shapes for matmul: %v x %v", a.shape, b.shape)
	}
	n := b.shape[1]
	out := Zeros(m, n)
	gemm(false, false, 1, general(m, k, a.data), general(k, n, b.data), 0, general(m, n, out.data))
	attach(out, []*Tensor{a, b}, func(grad *Tensor, grads map[*Tensor]*Tensor) {
		if a.requiresGrad {
			ga := Zeros(m, k)
			gemm(false, true, 1, general(m, n, grad.data), general(k, n, b.data), 0, general(m, k, ga.data))
			accumulate(grads, a, ga)
		}
		if b.requiresGrad {
			gb := Zeros(k, n)
			gemm(true, false, 1, general(m, k, a.data), general(m, n, grad.data), 0, general(k, n, gb.data))
			accumulate(grads, b, gb)
		}
	})
	return out, nil
}
