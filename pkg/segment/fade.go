package segment

import (
	"math"
	"sync"
)

// Fade phases the mesh correction out as Z rises. A height of 0 keeps
// the full correction at every Z.
type Fade struct {
	mu      sync.RWMutex
	height  float64
	inverse float64
}

func NewFade(height float64) *Fade {
	f := &Fade{}
	f.SetHeight(height)
	return f
}

// SetHeight changes the fade height. Negative and NaN heights disable fade.
func (f *Fade) SetHeight(height float64) {
	if !(height > 0) {
		height = 0
	}
	f.mu.Lock()
	f.height = height
	f.inverse = 0
	if height > 0 {
		f.inverse = 1 / height
	}
	f.mu.Unlock()
}

func (f *Fade) Height() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.height
}

// Factor returns the share of the correction applied at z, in [0, 1].
func (f *Fade) Factor(z float64) float64 {
	if f == nil {
		return 1
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	switch {
	case f.height == 0:
		return 1
	case z >= f.height:
		return 0
	case z <= 0:
		return 1
	}
	return 1 - z*f.inverse
}

// scale fades a raw correction and turns an undefined one into zero.
func (f *Fade) scale(raw, z float64) float64 {
	c := raw * f.Factor(z)
	if math.IsNaN(c) {
		return 0
	}
	return c
}
