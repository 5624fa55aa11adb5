package tensor

import (
	"errors"
	"fmt"
	"math"

	"github.com/fumitoshi0524/ixeoriDet/internal/parallel"
)

// BatchNorm applies batch normalization to inputs.
// Supports 2D ([batch, features]) and 4D ([batch, channels, H, W]) tensors.
// With training false the running statistics are used and left untouched,
// which is how frozen detection backbones normalize.
func BatchNorm(input, runningMean, runningVar, weight, bias *Tensor, momentum, eps float64, training bool) (*Tensor, error) {
	if input == nil {
		return nil, errors.New("BatchNorm requires input tensor")
	}
	rank := len(input.shape)
	if rank != 2 && rank != 4 {
		return nil, errors.New("BatchNorm supports rank 2 or 4 tensors")
	}
	batch, channels := input.shape[0], input.shape[1]
	for _, p := range []*Tensor{runningMean, runningVar, weight, bias} {
		if p != nil && (len(p.shape) != 1 || p.shape[0] != channels) {
			return nil, fmt.Errorf("BatchNorm parameter %v does not match %d channels", p.shape, channels)
		}
	}
	inner := 1
	if rank == 4 {
		inner = input.shape[2] * input.shape[3]
	}
	count := float64(batch * inner)

	// forChannel visits every element of channel c.
	forChannel := func(c int, fn func(idx int)) {
		for n := 0; n < batch; n++ {
			base := (n*channels + c) * inner
			for i := base; i < base+inner; i++ {
				fn(i)
			}
		}
	}

	mean := make([]float64, channels)
	invStd := make([]float64, channels)
	if training {
		parallel.For(channels, func(start, end int) {
			for c := start; c < end; c++ {
				sum := 0.0
				forChannel(c, func(i int) { sum += input.data[i] })
				mu := sum / count
				sq := 0.0
				forChannel(c, func(i int) {
					d := input.data[i] - mu
					sq += d * d
				})
				variance := sq / count
				mean[c] = mu
				invStd[c] = 1.0 / math.Sqrt(variance+eps)
				if runningMean != nil {
					runningMean.data[c] = (1-momentum)*runningMean.data[c] + momentum*mu
				}
				if runningVar != nil {
					runningVar.data[c] = (1-momentum)*runningVar.data[c] + momentum*variance
				}
			}
		})
	} else {
		if runningMean == nil || runningVar == nil {
			return nil, errors.New("BatchNorm eval requires running statistics")
		}
		copy(mean, runningMean.data)
		for c := 0; c < channels; c++ {
			invStd[c] = 1.0 / math.Sqrt(runningVar.data[c]+eps)
		}
	}

	gamma := func(c int) float64 {
		if weight == nil {
			return 1
		}
		return weight.data[c]
	}

	out := Zeros(input.shape...)
	parallel.For(channels, func(start, end int) {
		for c := start; c < end; c++ {
			scale := gamma(c) * invStd[c]
			shift := -mean[c] * scale
			if bias != nil {
				shift += bias.data[c]
			}
			forChannel(c, func(i int) { out.data[i] = input.data[i]*scale + shift })
		}
	})

	attach(out, []*Tensor{input, weight, bias}, func(grad *Tensor, grads map[*Tensor]*Tensor) {
		sumGrad := make([]float64, channels)
		sumGradXhat := make([]float64, channels)
		parallel.For(channels, func(start, end int) {
			for c := start; c < end; c++ {
				forChannel(c, func(i int) {
					xhat := (input.data[i] - mean[c]) * invStd[c]
					sumGrad[c] += grad.data[i]
					sumGradXhat[c] += grad.data[i] * xhat
				})
			}
		})

		if input.requiresGrad {
			gInput := Zeros(input.shape...)
			parallel.For(channels, func(start, end int) {
				for c := start; c < end; c++ {
					scale := gamma(c) * invStd[c]
					if !training {
						// Running statistics are constants.
						forChannel(c, func(i int) { gInput.data[i] = grad.data[i] * scale })
						continue
					}
					forChannel(c, func(i int) {
						xhat := (input.data[i] - mean[c]) * invStd[c]
						gInput.data[i] = scale * (grad.data[i] - sumGrad[c]/count - xhat*sumGradXhat[c]/count)
					})
				}
			})
			accumulate(grads, input, gInput)
		}
		if weight != nil && weight.requiresGrad {
			accumulate(grads, weight, MustNew(sumGradXhat, channels))
		}
		if bias != nil && bias.requiresGrad {
			accumulate(grads, bias, MustNew(sumGrad, channels))
		}
	})

	return out, nil
}
