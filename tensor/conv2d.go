package tensor

import (
	"errors"
	"fmt"

	"github.com/fumitoshi0524/ixeoriDet/internal/parallel"
)

// Conv2DConfig holds the geometry of a 2D convolution.
type Conv2DConfig struct {
	StrideH int
	StrideW int
	PadH    int
	PadW    int
	Groups  int
}

func (c Conv2DConfig) normalized() Conv2DConfig {
	if c.StrideH <= 0 {
		c.StrideH = 1
	}
	if c.StrideW <= 0 {
		c.StrideW = 1
	}
	if c.Groups <= 0 {
		c.Groups = 1
	}
	return c
}

// convGeom is the resolved shape information shared by the dense and deformable kernels.
type convGeom struct {
	batch, inC, inH, inW int
	outC, outH, outW     int
	kH, kW               int
	sH, sW, pH, pW       int
	groups, inCg, outCg  int
	colRows, colCols     int
}

func resolveConv(input, weight *Tensor, cfg Conv2DConfig, op string) (convGeom, error) {
	var g convGeom
	if len(input.shape) != 4 {
		return g, fmt.Errorf("%s expects input shape [batch, channels, height, width]", op)
	}
	if len(weight.shape) != 4 {
		return g, fmt.Errorf("%s expects weight shape [out_channels, in_channels/groups, kernel_h, kernel_w]", op)
	}
	cfg = cfg.normalized()
	g = convGeom{
		batch: input.shape[0], inC: input.shape[1], inH: input.shape[2], inW: input.shape[3],
		outC: weight.shape[0], kH: weight.shape[2], kW: weight.shape[3],
		sH: cfg.StrideH, sW: cfg.StrideW, pH: cfg.PadH, pW: cfg.PadW,
		groups: cfg.Groups,
	}
	if g.inC%g.groups != 0 || g.outC%g.groups != 0 {
		return g, fmt.Errorf("%s channels %d->%d not divisible by groups %d", op, g.inC, g.outC, g.groups)
	}
	g.inCg = g.inC / g.groups
	g.outCg = g.outC / g.groups
	if weight.shape[1] != g.inCg {
		return g, fmt.Errorf("%s kernel in_channels %d, want %d", op, weight.shape[1], g.inCg)
	}
	g.outH = (g.inH+2*g.pH-g.kH)/g.sH + 1
	g.outW = (g.inW+2*g.pW-g.kW)/g.sW + 1
	if g.outH <= 0 || g.outW <= 0 {
		return g, fmt.Errorf("%s invalid output size %dx%d", op, g.outH, g.outW)
	}
	g.colRows = g.inC * g.kH * g.kW
	g.colCols = g.outH * g.outW
	return g, nil
}

// im2col unrolls one sample into a [C*kh*kw, outH*outW] matrix.
func (g convGeom) im2col(src, cols []float64) {
	plane := g.inH * g.inW
	for c := 0; c < g.inC; c++ {
		for kh := 0; kh < g.kH; kh++ {
			for kw := 0; kw < g.kW; kw++ {
				row := cols[((c*g.kH+kh)*g.kW+kw)*g.colCols:]
				for oh := 0; oh < g.outH; oh++ {
					ih := oh*g.sH - g.pH + kh
					dst := row[oh*g.outW : (oh+1)*g.outW]
					if ih < 0 || ih >= g.inH {
						for i := range dst {
							dst[i] = 0
						}
						continue
					}
					srcRow := src[c*plane+ih*g.inW:]
					for ow := range dst {
						iw := ow*g.sW - g.pW + kw
						if iw < 0 || iw >= g.inW {
							dst[ow] = 0
							continue
						}
						dst[ow] = srcRow[iw]
					}
				}
			}
		}
	}
}

// col2im scatters column gradients back onto one sample's input gradient.
func (g convGeom) col2im(cols, dst []float64) {
	plane := g.inH * g.inW
	for c := 0; c < g.inC; c++ {
		for kh := 0; kh < g.kH; kh++ {
			for kw := 0; kw < g.kW; kw++ {
				row := cols[((c*g.kH+kh)*g.kW+kw)*g.colCols:]
				for oh := 0; oh < g.outH; oh++ {
					ih := oh*g.sH - g.pH + kh
					if ih < 0 || ih >= g.inH {
						continue
					}
					dstRow := dst[c*plane+ih*g.inW:]
					for ow := 0; ow < g.outW; ow++ {
						iw := ow*g.sW - g.pW + kw
						if iw < 0 || iw >= g.inW {
							continue
						}
						dstRow[iw] += row[oh*g.outW+ow]
					}
				}
			}
		}
	}
}

// applyWeight computes out_n = W * cols_n group by group.
func (g convGeom) applyWeight(weight, cols, out []float64) {
	k := g.inCg * g.kH * g.kW
	for grp := 0; grp < g.groups; grp++ {
		w := weight[grp*g.outCg*k:]
		c := cols[grp*k*g.colCols:]
		o := out[grp*g.outCg*g.colCols:]
		gemm(false, false, 1, general(g.outCg, k, w), general(k, g.colCols, c), 0, general(g.outCg, g.colCols, o))
	}
}

// backpropCols computes gCols_n = W^T * gOut_n group by group.
func (g convGeom) backpropCols(weight, gOut, gCols []float64) {
	k := g.inCg * g.kH * g.kW
	for grp := 0; grp < g.groups; grp++ {
		w := weight[grp*g.outCg*k:]
		o := gOut[grp*g.outCg*g.colCols:]
		c := gCols[grp*k*g.colCols:]
		gemm(true, false, 1, general(g.outCg, k, w), general(g.outCg, g.colCols, o), 0, general(k, g.colCols, c))
	}
}

// accumulateWeightGrad adds gOut_n * cols_n^T into gWeight group by group.
func (g convGeom) accumulateWeightGrad(gOut, cols, gWeight []float64) {
	k := g.inCg * g.kH * g.kW
	for grp := 0; grp < g.groups; grp++ {
		o := gOut[grp*g.outCg*g.colCols:]
		c := cols[grp*k*g.colCols:]
		w := gWeight[grp*g.outCg*k:]
		gemm(false, true, 1, general(g.outCg, g.colCols, o), general(k, g.colCols, c), 1, general(g.outCg, k, w))
	}
}

// Conv2D performs a grouped 2D convolution over the input tensor with the provided weights and optional bias.
// Input shape: [batch, in_channels, in_h, in_w]
// Weight shape: [out_channels, in_channels/groups, kernel_h, kernel_w]
// Bias shape (optional): [out_channels]
func Conv2D(input, weight, bias *Tensor, cfg Conv2DConfig) (*Tensor, error) {
	g, err := resolveConv(input, weight, cfg, "Conv2D")
	if err != nil {
		return nil, err
	}
	if bias != nil && (len(bias.shape) != 1 || bias.shape[0] != g.outC) {
		return nil, errors.New("bias for Conv2D must be rank 1 with out_channels entries")
	}

	inSize := g.inC * g.inH * g.inW
	outSize := g.outC * g.colCols
	out := Zeros(g.batch, g.outC, g.outH, g.outW)
	parallel.For(g.batch, func(start, end int) {
		cols := make([]float64, g.colRows*g.colCols)
		for n := start; n < end; n++ {
			g.im2col(input.data[n*inSize:(n+1)*inSize], cols)
			dst := out.data[n*outSize : (n+1)*outSize]
			g.applyWeight(weight.data, cols, dst)
			if bias != nil {
				for oc := 0; oc < g.outC; oc++ {
					b := bias.data[oc]
					for i := oc * g.colCols; i < (oc+1)*g.colCols; i++ {
						dst[i] += b
					}
				}
			}
		}
	})

	attach(out, []*Tensor{input, weight, bias}, func(grad *Tensor, grads map[*Tensor]*Tensor) {
		var gInput, gWeight *Tensor
		if input.requiresGrad {
			gInput = Zeros(input.shape...)
			parallel.For(g.batch, func(start, end int) {
				gCols := make([]float64, g.colRows*g.colCols)
				for n := start; n < end; n++ {
					g.backpropCols(weight.data, grad.data[n*outSize:(n+1)*outSize], gCols)
					g.col2im(gCols, gInput.data[n*inSize:(n+1)*inSize])
				}
			})
		}
		if weight.requiresGrad {
			gWeight = Zeros(weight.shape...)
			cols := make([]float64, g.colRows*g.colCols)
			for n := 0; n < g.batch; n++ {
				g.im2col(input.data[n*inSize:(n+1)*inSize], cols)
				g.accumulateWeightGrad(grad.data[n*outSize:(n+1)*outSize], cols, gWeight.data)
			}
		}
		if gInput != nil {
			accumulate(grads, input, gInput)
		}
		if gWeight != nil {
			accumulate(grads, weight, gWeight)
		}
		if bias != nil && bias.requiresGrad {
			gBias := Zeros(bias.shape...)
			for n := 0; n < g.batch; n++ {
				for oc := 0; oc < g.outC; oc++ {
					base := n*outSize + oc*g.colCols
					for _, v := range grad.data[base : base+g.colCols] {
						gBias.data[oc] += v
					}
				}
			}
			accumulate(grads, bias, gBias)
		}
	})

	return out, nil
}
