package tensor

import (
	"errors"

	"github.com/fumitoshi0524/ixeoriDet/internal/parallel"
)

// Backward seeds the gradient of t with ones and propagates it to every
// tensor in its graph that requires grad.
func (t *Tensor) Backward() error {
	if t == nil {
		return errors.New("nil tensor")
	}
	return t.BackwardWith(Full(1, t.shape...))
}

// BackwardWith propagates an explicit upstream gradient, which must match t's shape.
func (t *Tensor) BackwardWith(seed *Tensor) error {
	if t == nil || seed == nil {
		return errors.New("nil tensor")
	}
	if !t.requiresGrad {
		return errors.New("tensor does not require grad")
	}
	if err := ensureSameShape(t, seed); err != nil {
		return err
	}
	order := topo(t)
	grads := map[*Tensor]*Tensor{}
	grads[t] = seed.Clone()
	for i := len(order) - 1; i >= 0; i-- {
		current := order[i]
		grad := grads[current]
		if grad == nil {
			continue
		}
		if current.grad == nil {
			current.grad = grad.Clone()
		} else {
			addInPlace(current.grad, grad)
		}
		if current.node != nil {
			current.node.backward(grad, grads)
		}
		// Interior gradients are no longer needed once propagated.
		if current.node != nil {
			delete(grads, current)
		}
	}
	return nil
}

func topo(root *Tensor) []*Tensor {
	visited := map[*Tensor]bool{}
	var order []*Tensor
	var visit func(*Tensor)
	visit = func(node *Tensor) {
		if node == nil || visited[node] {
			return
		}
		visited[node] = true
		for _, parent := range node.parents {
			visit(parent)
		}
		order = append(order, node)
	}
	visit(root)
	return order
}

// attach wires out into the graph when any input requires grad. Only inputs
// that require grad become parents.
func attach(out *Tensor, inputs []*Tensor, backward func(grad *Tensor, grads map[*Tensor]*Tensor)) {
	var parents []*Tensor
	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			parents = append(parents, in)
		}
	}
	if len(parents) == 0 {
		return
	}
	out.requiresGrad = true
	out.parents = parents
	out.node = &node{backward: backward}
}

func accumulate(grads map[*Tensor]*Tensor, target *Tensor, value *Tensor) {
	if target == nil || value == nil {
		return
	}
	if existing, ok := grads[target]; ok {
		addInPlace(existing, value)
	} else {
		grads[target] = value.Clone()
	}
}

func addInPlace(dst, src *Tensor) {
	if err := ensureSameShape(dst, src); err != nil {
		panic(err)
	}
	parallel.For(len(dst.data), func(start, end int) {
		for i := start; i < end; i++ {
			dst.data[i] += src.data[i]
		}
	})
}
