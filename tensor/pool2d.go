package tensor

import (
	"errors"
	"fmt"
	"math"

	"github.com/fumitoshi0524/ixeoriDet/internal/parallel"
)

// Pool2DConfig describes a pooling window. StrideH/StrideW default to the kernel size.
type Pool2DConfig struct {
	KernelH  int
	KernelW  int
	StrideH  int
	StrideW  int
	PadH     int
	PadW     int
	CeilMode bool
}

type poolGeom struct {
	batch, channels, inH, inW int
	outH, outW                int
	cfg                       Pool2DConfig
}

// PoolOutputSize returns the pooled length of one axis. In ceil mode the last
// window may run past the input, but it must start inside the padded input.
func PoolOutputSize(in, kernel, stride, pad int, ceil bool) int {
	span := in + 2*pad - kernel
	if span < 0 {
		return 0
	}
	if !ceil {
		return span/stride + 1
	}
	out := (span+stride-1)/stride + 1
	if (out-1)*stride >= in+pad {
		out--
	}
	return out
}

func resolvePool(input *Tensor, cfg Pool2DConfig, op string) (poolGeom, error) {
	var g poolGeom
	if len(input.shape) != 4 {
		return g, fmt.Errorf("%s expects input shape [batch, channels, height, width]", op)
	}
	if cfg.KernelH <= 0 || cfg.KernelW <= 0 {
		return g, errors.New("kernel size must be positive")
	}
	if cfg.StrideH <= 0 {
		cfg.StrideH = cfg.KernelH
	}
	if cfg.StrideW <= 0 {
		cfg.StrideW = cfg.KernelW
	}
	g = poolGeom{batch: input.shape[0], channels: input.shape[1], inH: input.shape[2], inW: input.shape[3], cfg: cfg}
	g.outH = PoolOutputSize(g.inH, cfg.KernelH, cfg.StrideH, cfg.PadH, cfg.CeilMode)
	g.outW = PoolOutputSize(g.inW, cfg.KernelW, cfg.StrideW, cfg.PadW, cfg.CeilMode)
	if g.outH <= 0 || g.outW <= 0 {
		return g, fmt.Errorf("%s invalid output size %dx%d", op, g.outH, g.outW)
	}
	return g, nil
}

// window clips the kernel placed at output (oh, ow) to the input, returning [h0,h1) x [w0,w1).
func (g poolGeom) window(oh, ow int) (h0, h1, w0, w1 int) {
	h0 = oh*g.cfg.StrideH - g.cfg.PadH
	w0 = ow*g.cfg.StrideW - g.cfg.PadW
	h1 = minInt(h0+g.cfg.KernelH, g.inH)
	w1 = minInt(w0+g.cfg.KernelW, g.inW)
	return maxInt(h0, 0), h1, maxInt(w0, 0), w1
}

// MaxPool2D applies 2D max pooling on the input tensor.
// Input shape: [batch, channels, in_h, in_w]
func MaxPool2D(input *Tensor, cfg Pool2DConfig) (*Tensor, error) {
	g, err := resolvePool(input, cfg, "MaxPool2D")
	if err != nil {
		return nil, err
	}
	inPlane := g.inH * g.inW
	outPlane := g.outH * g.outW
	out := Zeros(g.batch, g.channels, g.outH, g.outW)
	indices := make([]int, out.Numel())
	parallel.For(g.batch*g.channels, func(start, end int) {
		for nc := start; nc < end; nc++ {
			inBase := nc * inPlane
			outBase := nc * outPlane
			for oh := 0; oh < g.outH; oh++ {
				for ow := 0; ow < g.outW; ow++ {
					h0, h1, w0, w1 := g.window(oh, ow)
					best := math.Inf(-1)
					bestIdx := -1
					for ih := h0; ih < h1; ih++ {
						for iw := w0; iw < w1; iw++ {
							idx := inBase + ih*g.inW + iw
							if v := input.data[idx]; v > best {
								best = v
								bestIdx = idx
							}
						}
					}
					if bestIdx < 0 {
						best = 0
					}
					out.data[outBase+oh*g.outW+ow] = best
					indices[outBase+oh*g.outW+ow] = bestIdx
				}
			}
		}
	})

	attach(out, []*Tensor{input}, func(grad *Tensor, grads map[*Tensor]*Tensor) {
		gInput := Zeros(input.shape...)
		parallel.For(g.batch*g.channels, func(start, end int) {
			for i := start * outPlane; i < end*outPlane; i++ {
				if src := indices[i]; src >= 0 {
					gInput.data[src] += grad.data[i]
				}
			}
		})
		accumulate(grads, input, gInput)
	})
	return out, nil
}

// AvgPool2D applies 2D average pooling on the input tensor, dividing by the
// number of window elements that overlap the input.
// Input shape: [batch, channels, in_h, in_w]
func AvgPool2D(input *Tensor, cfg Pool2DConfig) (*Tensor, error) {
	g, err := resolvePool(input, cfg, "AvgPool2D")
	if err != nil {
		return nil, err
	}
	inPlane := g.inH * g.inW
	outPlane := g.outH * g.outW
	counts := make([]float64, outPlane)
	for oh := 0; oh < g.outH; oh++ {
		for ow := 0; ow < g.outW; ow++ {
			h0, h1, w0, w1 := g.window(oh, ow)
			n := (h1 - h0) * (w1 - w0)
			if h1 <= h0 || w1 <= w0 {
				return nil, errors.New("AvgPool2D kernel has no overlap with input")
			}
			counts[oh*g.outW+ow] = float64(n)
		}
	}

	out := Zeros(g.batch, g.channels, g.outH, g.outW)
	parallel.For(g.batch*g.channels, func(start, end int) {
		for nc := start; nc < end; nc++ {
			inBase := nc * inPlane
			outBase := nc * outPlane
			for oh := 0; oh < g.outH; oh++ {
				for ow := 0; ow < g.outW; ow++ {
					h0, h1, w0, w1 := g.window(oh, ow)
					sum := 0.0
					for ih := h0; ih < h1; ih++ {
						row := inBase + ih*g.inW
						for iw := w0; iw < w1; iw++ {
							sum += input.data[row+iw]
						}
					}
					out.data[outBase+oh*g.outW+ow] = sum / counts[oh*g.outW+ow]
				}
			}
		}
	})

	attach(out, []*Tensor{input}, func(grad *Tensor, grads map[*Tensor]*Tensor) {
		gInput := Zeros(input.shape...)
		parallel.For(g.batch*g.channels, func(start, end int) {
			for nc := start; nc < end; nc++ {
				inBase := nc * inPlane
				outBase := nc * outPlane
				for oh := 0; oh < g.outH; oh++ {
					for ow := 0; ow < g.outW; ow++ {
						share := grad.data[outBase+oh*g.outW+ow] / counts[oh*g.outW+ow]
						if share == 0 {
							continue
						}
						h0, h1, w0, w1 := g.window(oh, ow)
						for ih := h0; ih < h1; ih++ {
							row := inBase + ih*g.inW
							for iw := w0; iw < w1; iw++ {
								gInput.data[row+iw] += share
							}
						}
					}
				}
			}
		})
		accumulate(grads, input, gInput)
	})
	return out, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
