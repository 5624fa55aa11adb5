package tensor

import (
	"math"
	"testing"
)

func TestRandnShapeAndStats(t *testing.T) {
	samples := Randn(1000, 10)
	if !equalShapes(samples.Shape(), []int{1000, 10}) {
		t.Fatalf("unexpected shape: %v", samples.Shape())
	}
	data := samples.Data()
	n := float64(len(data))
	mean := 0.0
	for _, v := range data {
		mean += v
	}
	mean /= n
	variance := 0.0
	for _, v := range data {
		diff := v - mean
		variance += diff * diff
	}
	variance /= n

	if math.Abs(mean) > 0.1 {
		t.Fatalf("randn mean too far from zero: %.6f", mean)
	}
	if variance < 0.8 || variance > 1.2 {
		t.Fatalf("randn variance unexpected: %.6f", variance)
	}
}

func TestSeedMakesInitializationReproducible(t *testing.T) {
	Seed(7)
	a := Randn(4, 4).Data()
	Seed(7)
	b := Randn(4, 4).Data()
	if !almostEqualSlices(a, b, 0) {
		t.Fatalf("same seed produced different samples")
	}
	c := Randn(4, 4).Data()
	if almostEqualSlices(b, c, 0) {
		t.Fatalf("consecutive Randn calls produced identical samples")
	}
}

func TestUniformBounds(t *testing.T) {
	u := Uniform(-0.5, 0.25, 200)
	for _, v := range u.Data() {
		if v < -0.5 || v >= 0.25 {
			t.Fatalf("uniform sample %v outside [-0.5, 0.25)", v)
		}
	}
}
