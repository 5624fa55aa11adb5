package tensor

import (
	"errors"
	"fmt"

	"github.com/fumitoshi0524/ixeoriDet/internal/parallel"
)

// Split slices t along axis into consecutive parts of the given sizes.
// Deformable convolution uses it to separate offsets from the modulation mask.
func Split(axis int, sizes []int, t *Tensor) ([]*Tensor, error) {
	if len(sizes) == 0 {
		return nil, errors.New("Split requires at least one size")
	}
	rank := len(t.shape)
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return nil, fmt.Errorf("axis %d out of range for rank %d", axis, rank)
	}
	total := 0
	for _, s := range sizes {
		if s <= 0 {
			return nil, errors.New("split sizes must be positive")
		}
		total += s
	}
	if total != t.shape[axis] {
		return nil, fmt.Errorf("split sizes %v do not sum to axis length %d", sizes, t.shape[axis])
	}
	outer := numel(t.shape[:axis])
	inner := numel(t.shape[axis+1:])
	axisLen := t.shape[axis]

	result := make([]*Tensor, len(sizes))
	offset := 0
	for idx, size := range sizes {
		shape := append([]int(nil), t.shape...)
		shape[axis] = size
		part := Zeros(shape...)
		partOffset := offset
		parallel.For(outer, func(start, end int) {
			for o := start; o < end; o++ {
				src := (o*axisLen + partOffset) * inner
				dst := o * size * inner
				copy(part.data[dst:dst+size*inner], t.data[src:src+size*inner])
			}
		})
		partSize := size
		attach(part, []*Tensor{t}, func(grad *Tensor, grads map[*Tensor]*Tensor) {
			full := Zeros(t.shape...)
			parallel.For(outer, func(start, end int) {
				for o := start; o < end; o++ {
					dst := (o*axisLen + partOffset) * inner
					src := o * partSize * inner
					copy(full.data[dst:dst+partSize*inner], grad.data[src:src+partSize*inner])
				}
			})
			accumulate(grads, t, full)
		})
		result[idx] = part
		offset += size
	}
	return result, nil
}
