package tensor

import (
	"fmt"
	"math"

	"github.com/fumitoshi0524/ixeoriDet/internal/parallel"
)

// DeformConv2D performs a modulated deformable convolution (DCNv2) with a single
// deformable group and no bias.
// Input shape: [batch, in_channels, in_h, in_w]
// Offset shape: [batch, 2*kernel_h*kernel_w, out_h, out_w], channel 2k is the
// vertical and 2k+1 the horizontal displacement of kernel tap k.
// Mask shape: [batch, kernel_h*kernel_w, out_h, out_w]
// Weight shape: [out_channels, in_channels/groups, kernel_h, kernel_w]
// Samples that fall outside the input read as zero.
func DeformConv2D(input, offset, mask, weight *Tensor, cfg Conv2DConfig) (*Tensor, error) {
	g, err := resolveConv(input, weight, cfg, "DeformConv2D")
	if err != nil {
		return nil, err
	}
	taps := g.kH * g.kW
	wantOffset := []int{g.batch, 2 * taps, g.outH, g.outW}
	if !shapeEquals(offset.shape, wantOffset) {
		return nil, fmt.Errorf("DeformConv2D offset shape %v, want %v", offset.shape, wantOffset)
	}
	wantMask := []int{g.batch, taps, g.outH, g.outW}
	if !shapeEquals(mask.shape, wantMask) {
		return nil, fmt.Errorf("DeformConv2D mask shape %v, want %v", mask.shape, wantMask)
	}

	d := deformGeom{convGeom: g, taps: taps}
	inSize := g.inC * g.inH * g.inW
	outSize := g.outC * g.colCols
	offSize := 2 * taps * g.colCols
	maskSize := taps * g.colCols

	out := Zeros(g.batch, g.outC, g.outH, g.outW)
	parallel.For(g.batch, func(start, end int) {
		cols := make([]float64, g.colRows*g.colCols)
		for n := start; n < end; n++ {
			d.im2col(input.data[n*inSize:(n+1)*inSize], offset.data[n*offSize:(n+1)*offSize], mask.data[n*maskSize:(n+1)*maskSize], cols)
			g.applyWeight(weight.data, cols, out.data[n*outSize:(n+1)*outSize])
		}
	})

	attach(out, []*Tensor{input, offset, mask, weight}, func(grad *Tensor, grads map[*Tensor]*Tensor) {
		gInput := Zeros(input.shape...)
		gOffset := Zeros(offset.shape...)
		gMask := Zeros(mask.shape...)
		parallel.For(g.batch, func(start, end int) {
			gCols := make([]float64, g.colRows*g.colCols)
			for n := start; n < end; n++ {
				g.backpropCols(weight.data, grad.data[n*outSize:(n+1)*outSize], gCols)
				d.col2im(gCols,
					input.data[n*inSize:(n+1)*inSize],
					offset.data[n*offSize:(n+1)*offSize],
					mask.data[n*maskSize:(n+1)*maskSize],
					gInput.data[n*inSize:(n+1)*inSize],
					gOffset.data[n*offSize:(n+1)*offSize],
					gMask.data[n*maskSize:(n+1)*maskSize])
			}
		})
		if weight.requiresGrad {
			gWeight := Zeros(weight.shape...)
			cols := make([]float64, g.colRows*g.colCols)
			for n := 0; n < g.batch; n++ {
				d.im2col(input.data[n*inSize:(n+1)*inSize], offset.data[n*offSize:(n+1)*offSize], mask.data[n*maskSize:(n+1)*maskSize], cols)
				g.accumulateWeightGrad(grad.data[n*outSize:(n+1)*outSize], cols, gWeight.data)
			}
			accumulate(grads, weight, gWeight)
		}
		if input.requiresGrad {
			accumulate(grads, input, gInput)
		}
		if offset.requiresGrad {
			accumulate(grads, offset, gOffset)
		}
		if mask.requiresGrad {
			accumulate(grads, mask, gMask)
		}
	})
	return out, nil
}

type deformGeom struct {
	convGeom
	taps int
}

// samplePoint returns the fractional input coordinate read by tap (kh, kw) at output pixel l.
func (d deformGeom) samplePoint(offset []float64, kh, kw, l int) (float64, float64) {
	k := kh*d.kW + kw
	oh, ow := l/d.outW, l%d.outW
	y := float64(oh*d.sH-d.pH+kh) + offset[(2*k)*d.colCols+l]
	x := float64(ow*d.sW-d.pW+kw) + offset[(2*k+1)*d.colCols+l]
	return y, x
}

func (d deformGeom) im2col(src, offset, mask, cols []float64) {
	plane := d.inH * d.inW
	for kh := 0; kh < d.kH; kh++ {
		for kw := 0; kw < d.kW; kw++ {
			k := kh*d.kW + kw
			for l := 0; l < d.colCols; l++ {
				y, x := d.samplePoint(offset, kh, kw, l)
				m := mask[k*d.colCols+l]
				corners := bilinearCorners(y, x, d.inH, d.inW)
				for c := 0; c < d.inC; c++ {
					cols[((c*d.kH+kh)*d.kW+kw)*d.colCols+l] = m * corners.sample(src[c*plane:], d.inW)
				}
			}
		}
	}
}

func (d deformGeom) col2im(gCols, src, offset, mask, gSrc, gOffset, gMask []float64) {
	plane := d.inH * d.inW
	for kh := 0; kh < d.kH; kh++ {
		for kw := 0; kw < d.kW; kw++ {
			k := kh*d.kW + kw
			for l := 0; l < d.colCols; l++ {
				y, x := d.samplePoint(offset, kh, kw, l)
				m := mask[k*d.colCols+l]
				corners := bilinearCorners(y, x, d.inH, d.inW)
				var gm, gy, gx float64
				for c := 0; c < d.inC; c++ {
					gc := gCols[((c*d.kH+kh)*d.kW+kw)*d.colCols+l]
					if gc == 0 {
						continue
					}
					channel := src[c*plane:]
					gm += gc * corners.sample(channel, d.inW)
					dy, dx := corners.gradient(channel, d.inW)
					gy += gc * m * dy
					gx += gc * m * dx
					corners.scatter(gSrc[c*plane:], d.inW, gc*m)
				}
				gMask[k*d.colCols+l] += gm
				gOffset[(2*k)*d.colCols+l] += gy
				gOffset[(2*k+1)*d.colCols+l] += gx
			}
		}
	}
}

// corners holds the four integer neighbours of a fractional point and which
// of them lie inside the image.
type corners struct {
	y0, x0, y1, x1 int
	ly, lx         float64
	ok             [4]bool
	inside         bool
}

func bilinearCorners(y, x float64, h, w int) corners {
	var c corners
	if y <= -1 || y >= float64(h) || x <= -1 || x >= float64(w) {
		return c
	}
	c.inside = true
	fy, fx := math.Floor(y), math.Floor(x)
	c.y0, c.x0 = int(fy), int(fx)
	c.y1, c.x1 = c.y0+1, c.x0+1
	c.ly, c.lx = y-fy, x-fx
	c.ok[0] = c.y0 >= 0 && c.x0 >= 0
	c.ok[1] = c.y0 >= 0 && c.x1 < w
	c.ok[2] = c.y1 < h && c.x0 >= 0
	c.ok[3] = c.y1 < h && c.x1 < w
	return c
}

func (c corners) values(plane []float64, w int) (v00, v01, v10, v11 float64) {
	if c.ok[0] {
		v00 = plane[c.y0*w+c.x0]
	}
	if c.ok[1] {
		v01 = plane[c.y0*w+c.x1]
	}
	if c.ok[2] {
		v10 = plane[c.y1*w+c.x0]
	}
	if c.ok[3] {
		v11 = plane[c.y1*w+c.x1]
	}
	return
}

func (c corners) sample(plane []float64, w int) float64 {
	if !c.inside {
		return 0
	}
	v00, v01, v10, v11 := c.values(plane, w)
	hy, hx := 1-c.ly, 1-c.lx
	return hy*hx*v00 + hy*c.lx*v01 + c.ly*hx*v10 + c.ly*c.lx*v11
}

// gradient returns the derivative of sample with respect to y and x.
func (c corners) gradient(plane []float64, w int) (float64, float64) {
	if !c.inside {
		return 0, 0
	}
	v00, v01, v10, v11 := c.values(plane, w)
	hy, hx := 1-c.ly, 1-c.lx
	dy := hx*(v10-v00) + c.lx*(v11-v01)
	dx := hy*(v01-v00) + c.ly*(v11-v10)
	return dy, dx
}

func (c corners) scatter(plane []float64, w int, g float64) {
	if !c.inside {
		return
	}
	hy, hx := 1-c.ly, 1-c.lx
	if c.ok[0] {
		plane[c.y0*w+c.x0] += hy * hx * g
	}
	if c.ok[1] {
		plane[c.y0*w+c.x1] += hy * c.lx * g
	}
	if c.ok[2] {
		plane[c.y1*w+c.x0] += c.ly * hx * g
	}
	if c.ok[3] {
		plane[c.y1*w+c.x1] += c.ly * c.lx * g
	}
}

func shapeEquals(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
