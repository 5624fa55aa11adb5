package tensor

import (
	"errors"
	"fmt"

	"github.com/fumitoshi0524/ixeoriDet/internal/parallel"
)

// AffineChannel computes y[n,c,h,w] = x[n,c,h,w]*scale[c] + bias[c].
// A nil scale is treated as ones and a nil bias as zeros.
func AffineChannel(x, scale, bias *Tensor) (*Tensor, error) {
	if len(x.shape) != 4 {
		return nil, errors.New("AffineChannel expects input shape [batch, channels, height, width]")
	}
	batch, channels := x.shape[0], x.shape[1]
	for _, p := range []*Tensor{scale, bias} {
		if p != nil && (len(p.shape) != 1 || p.shape[0] != channels) {
			return nil, fmt.Errorf("AffineChannel parameter %v does not match %d channels", p.shape, channels)
		}
	}
	inner := x.shape[2] * x.shape[3]
	out := Zeros(x.shape...)
	parallel.For(batch*channels, func(start, end int) {
		for nc := start; nc < end; nc++ {
			c := nc % channels
			s, b := 1.0, 0.0
			if scale != nil {
				s = scale.data[c]
			}
			if bias != nil {
				b = bias.data[c]
			}
			base := nc * inner
			for i := base; i < base+inner; i++ {
				out.data[i] = x.data[i]*s + b
			}
		}
	})
	attach(out, []*Tensor{x, scale, bias}, func(grad *Tensor, grads map[*Tensor]*Tensor) {
		if x.requiresGrad {
			gx := Zeros(x.shape...)
			parallel.For(batch*channels, func(start, end int) {
				for nc := start; nc < end; nc++ {
					s := 1.0
					if scale != nil {
						s = scale.data[nc%channels]
					}
					base := nc * inner
					for i := base; i < base+inner; i++ {
						gx.data[i] = grad.data[i] * s
					}
				}
			})
			accumulate(grads, x, gx)
		}
		needScale := scale != nil && scale.requiresGrad
		needBias := bias != nil && bias.requiresGrad
		if !needScale && !needBias {
			return
		}
		gs := Zeros(channels)
		gb := Zeros(channels)
		for nc := 0; nc < batch*channels; nc++ {
			c := nc % channels
			base := nc * inner
			for i := base; i < base+inner; i++ {
				gs.data[c] += grad.data[i] * x.data[i]
				gb.data[c] += grad.data[i]
			}
		}
		if needScale {
			accumulate(grads, scale, gs)
		}
		if needBias {
			accumulate(grads, bias, gb)
		}
	})
	return out, nil
}

// ScaleChannels multiplies every [h, w] plane of x by the matching entry of s [batch, channels].
func ScaleChannels(x, s *Tensor) (*Tensor, error) {
	if len(x.shape) != 4 {
		return nil, errors.New("ScaleChannels expects input shape [batch, channels, height, width]")
	}
	batch, channels := x.shape[0], x.shape[1]
	if len(s.shape) != 2 || s.shape[0] != batch || s.shape[1] != channels {
		return nil, fmt.Errorf("ScaleChannels scale %v does not match input %v", s.shape, x.shape)
	}
	inner := x.shape[2] * x.shape[3]
	out := Zeros(x.shape...)
	parallel.For(batch*channels, func(start, end int) {
		for nc := start; nc < end; nc++ {
			f := s.data[nc]
			base := nc * inner
			for i := base; i < base+inner; i++ {
				out.data[i] = x.data[i] * f
			}
		}
	})
	attach(out, []*Tensor{x, s}, func(grad *Tensor, grads map[*Tensor]*Tensor) {
		gx := Zeros(x.shape...)
		gs := Zeros(s.shape...)
		parallel.For(batch*channels, func(start, end int) {
			for nc := start; nc < end; nc++ {
				f := s.data[nc]
				base := nc * inner
				acc := 0.0
				for i := base; i < base+inner; i++ {
					gx.data[i] = grad.data[i] * f
					acc += grad.data[i] * x.data[i]
				}
				gs.data[nc] = acc
			}
		})
		if x.requiresGrad {
			accumulate(grads, x, gx)
		}
		if s.requiresGrad {
			accumulate(grads, s, gs)
		}
	})
	return out, nil
}

// GlobalAvgPool2D averages every [h, w] plane, returning [batch, channels].
func GlobalAvgPool2D(x *Tensor) (*Tensor, error) {
	if len(x.shape) != 4 {
		return nil, errors.New("GlobalAvgPool2D expects input shape [batch, channels, height, width]")
	}
	batch, channels := x.shape[0], x.shape[1]
	inner := x.shape[2] * x.shape[3]
	inv := 1 / float64(inner)
	out := Zeros(batch, channels)
	parallel.For(batch*channels, func(start, end int) {
		for nc := start; nc < end; nc++ {
			acc := 0.0
			for _, v := range x.data[nc*inner : (nc+1)*inner] {
				acc += v
			}
			out.data[nc] = acc * inv
		}
	})
	attach(out, []*Tensor{x}, func(grad *Tensor, grads map[*Tensor]*Tensor) {
		gx := Zeros(x.shape...)
		parallel.For(batch*channels, func(start, end int) {
			for nc := start; nc < end; nc++ {
				g := grad.data[nc] * inv
				for i := nc * inner; i < (nc+1)*inner; i++ {
					gx.data[i] = g
				}
			}
		})
		accumulate(grads, x, gx)
	})
	return out, nil
}
