package tensor

import (
	"fmt"
	"math"

	"github.com/fumitoshi0524/ixeoriDet/internal/parallel"
)

func Add(a, b *Tensor) (*Tensor, error) {
	if err := ensureSameShape(a, b); err != nil {
		return nil, err
	}
	out := Zeros(a.shape...)
	parallel.For(len(out.data), func(start, end int) {
		for i := start; i < end; i++ {
			out.data[i] = a.data[i] + b.data[i]
		}
	})
	attach(out, []*Tensor{a, b}, func(grad *Tensor, grads map[*Tensor]*Tensor) {
		if a.requiresGrad {
			accumulate(grads, a, grad)
		}
		if b.requiresGrad {
			accumulate(grads, b, grad)
		}
	})
	return out, nil
}

// AddRelu computes relu(a + b), the residual merge of a ResNet block.
func AddRelu(a, b *Tensor) (*Tensor, error) {
	if err := ensureSameShape(a, b); err != nil {
		return nil, err
	}
	out := Zeros(a.shape...)
	parallel.For(len(out.data), func(start, end int) {
		for i := start; i < end; i++ {
			if v := a.data[i] + b.data[i]; v > 0 {
				out.data[i] = v
			}
		}
	})
	attach(out, []*Tensor{a, b}, func(grad *Tensor, grads map[*Tensor]*Tensor) {
		masked := Zeros(grad.shape...)
		parallel.For(len(masked.data), func(start, end int) {
			for i := start; i < end; i++ {
				if out.data[i] > 0 {
					masked.data[i] = grad.data[i]
				}
			}
		})
		if a.requiresGrad {
			accumulate(grads, a, masked)
		}
		if b.requiresGrad {
			accumulate(grads, b, masked)
		}
	})
	return out, nil
}

func Sub(a, b *Tensor) (*Tensor, error) {
	if err := ensureSameShape(a, b); err != nil {
		return nil, err
	}
	out := Zeros(a.shape...)
	parallel.For(len(out.data), func(start, end int) {
		for i := start; i < end; i++ {
			out.data[i] = a.data[i] - b.data[i]
		}
	})
	attach(out, []*Tensor{a, b}, func(grad *Tensor, grads map[*Tensor]*Tensor) {
		if a.requiresGrad {
			accumulate(grads, a, grad)
		}
		if b.requiresGrad {
			neg := grad.Clone()
			neg.Scale(-1)
			accumulate(grads, b, neg)
		}
	})
	return out, nil
}

func Mul(a, b *Tensor) (*Tensor, error) {
	if err := ensureSameShape(a, b); err != nil {
		return nil, err
	}
	out := hadamard(a, b)
	attach(out, []*Tensor{a, b}, func(grad *Tensor, grads map[*Tensor]*Tensor) {
		if a.requiresGrad {
			accumulate(grads, a, hadamard(grad, b))
		}
		if b.requiresGrad {
			accumulate(grads, b, hadamard(grad, a))
		}
	})
	return out, nil
}

func Pow(a *Tensor, value float64) *Tensor {
	out := Zeros(a.shape...)
	parallel.For(len(out.data), func(start, end int) {
		for i := start; i < end; i++ {
			out.data[i] = math.Pow(a.data[i], value)
		}
	})
	attach(out, []*Tensor{a}, func(grad *Tensor, grads map[*Tensor]*Tensor) {
		local := Zeros(a.shape...)
		parallel.For(len(local.data), func(start, end int) {
			for i := start; i < end; i++ {
				local.data[i] = value * math.Pow(a.data[i], value-1)
			}
		})
		accumulate(grads, a, hadamard(grad, local))
	})
	return out
}

func Sum(a *Tensor) *Tensor {
	val := 0.0
	for _, v := range a.data {
		val += v
	}
	out := MustNew([]float64{val}, 1)
	attach(out, []*Tensor{a}, func(grad *Tensor, grads map[*Tensor]*Tensor) {
		accumulate(grads, a, Full(grad.data[0], a.shape...))
	})
	return out
}

func Mean(a *Tensor) *Tensor {
	scale := 1.0 / float64(a.Numel())
	val := 0.0
	for _, v := range a.data {
		val += v
	}
	out := MustNew([]float64{val * scale}, 1)
	attach(out, []*Tensor{a}, func(grad *Tensor, grads map[*Tensor]*Tensor) {
		accumulate(grads, a, Full(grad.data[0]*scale, a.shape...))
	})
	return out
}

func hadamard(a, b *Tensor) *Tensor {
	if err := ensureSameShape(a, b); err != nil {
		panic(err)
	}
	out := Zeros(a.shape...)
	parallel.For(len(out.data), func(start, end int) {
		for i := start; i < end; i++ {
			out.data[i] = a.data[i] * b.data[i]
		}
	})
	return out
}

func ensureSameShape(a, b *Tensor) error {
	if len(a.shape) != len(b.shape) {
		return fmt.Errorf("shape mismatch: %v vs %v", a.shape, b.shape)
	}
	for i, dim := range a.shape {
		if dim != b.shape[i] {
			return fmt.Errorf("shape mismatch: %v vs %v", a.shape, b.shape)
		}
	}
	return nil
}
