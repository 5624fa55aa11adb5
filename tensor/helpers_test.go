package tensor

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"
)

func almostEqualSlices(a, b []float64, tol float64) bool {
	return len(a) == len(b) && floats.EqualApprox(a, b, tol)
}

func equalShapes(a, b []int) bool {
	return shapeEquals(a, b)
}

// seq returns n deterministic, non-repeating values in roughly [-1, 1].
func seq(n int, phase float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Sin(float64(i)*0.73 + phase)
	}
	return out
}

// weightedSum reduces out with fixed weights so gradient checks see distinct upstream values.
func weightedSum(t *testing.T, out *Tensor) *Tensor {
	t.Helper()
	w := MustNew(seq(out.Numel(), 0.4), out.shape...)
	prod, err := Mul(out, w)
	if err != nil {
		t.Fatalf("weighted sum: %v", err)
	}
	return Sum(prod)
}

// checkGrads compares the analytic gradient of every named tensor against
// central differences of loss. loss must rebuild the graph on each call.
func checkGrads(t *testing.T, loss func() *Tensor, params map[string]*Tensor, tol float64) {
	t.Helper()
	for _, p := range params {
		p.ZeroGrad()
	}
	if err := loss().Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	const eps = 1e-6
	for name, p := range params {
		g := p.Grad()
		if g == nil {
			t.Fatalf("%s has no gradient", name)
		}
		numeric := make([]float64, p.Numel())
		for i := range p.data {
			orig := p.data[i]
			p.data[i] = orig + eps
			plus := loss().data[0]
			p.data[i] = orig - eps
			minus := loss().data[0]
			p.data[i] = orig
			numeric[i] = (plus - minus) / (2 * eps)
		}
		if !almostEqualSlices(g.data, numeric, tol) {
			t.Fatalf("%s grad mismatch:\n got  %v\n want %v", name, g.data, numeric)
		}
	}
}

func withGrad(t *Tensor) *Tensor {
	t.SetRequiresGrad(true)
	return t
}
