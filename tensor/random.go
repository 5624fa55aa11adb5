package tensor

import (
	"math/rand"
	"sync"
	"time"
)

var rng = rand.New(rand.NewSource(time.Now().UnixNano()))
var rngLock sync.Mutex

// Seed resets the package generator so initialization is reproducible.
func Seed(seed int64) {
	rngLock.Lock()
	rng = rand.New(rand.NewSource(seed))
	rngLock.Unlock()
}

func Randn(shape ...int) *Tensor {
	t := Zeros(shape...)
	rngLock.Lock()
	for i := range t.data {
		t.data[i] = rng.NormFloat64()
	}
	rngLock.Unlock()
	return t
}

// Uniform draws from U[low, high).
func Uniform(low, high float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	rngLock.Lock()
	for i := range t.data {
		t.data[i] = low + (high-low)*rng.Float64()
	}
	rngLock.Unlock()
	return t
}
