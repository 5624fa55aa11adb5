package tensor

import (
	"math"

	"github.com/fumitoshi0524/ixeoriDet/internal/parallel"
)

// GradPowSum returns sum(|g|^norm) over the stored gradient, or 0 when there is none.
func (t *Tensor) GradPowSum(norm float64) float64 {
	if t == nil || t.grad == nil {
		return 0
	}
	sum := 0.0
	for _, v := range t.grad.data {
		if norm == 2 {
			sum += v * v
			continue
		}
		sum += math.Pow(math.Abs(v), norm)
	}
	return sum
}

func (t *Tensor) ScaleGrad(factor float64) {
	if t == nil || t.grad == nil {
		return
	}
	t.grad.Scale(factor)
}

func (t *Tensor) ClipGradValue(limit float64) {
	if t == nil || t.grad == nil || limit <= 0 {
		return
	}
	grad := t.grad
	parallel.For(len(grad.data), func(start, end int) {
		for i := start; i < end; i++ {
			grad.data[i] = math.Max(-limit, math.Min(limit, grad.data[i]))
		}
	})
}
