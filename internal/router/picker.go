package router

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/blueberrycongee/dbmux/pkg/types"
)

// InstancePicker chooses one instance out of a non-empty candidate list.
type InstancePicker interface {
	Pick(candidates []types.InstanceID) types.InstanceID
}

// RandomPicker picks uniformly at random. It is safe for concurrent use.
type RandomPicker struct {
	mu  sync.Mutex // math/rand/v2.Rand is not thread-safe
	rng *rand.Rand
}

// NewRandomPicker creates a picker seeded from the current time.
func NewRandomPicker() *RandomPicker {
	seed := uint64(time.Now().UnixNano())
	return NewSeededPicker(seed, seed>>1|1)
}

// NewSeededPicker creates a deterministic picker.
func NewSeededPicker(seed1, seed2 uint64) *RandomPicker {
	return &RandomPicker{rng: rand.New(rand.NewPCG(seed1, seed2))}
}

// Pick returns a uniformly chosen candidate.
func (p *RandomPicker) Pick(candidates []types.InstanceID) types.InstanceID {
	if len(candidates) == 1 {
		return candidates[0]
	}
	p.mu.Lock()
	i := p.rng.IntN(len(candidates))
	p.mu.Unlock()
	return candidates[i]
}

// PickerFunc adapts a function to InstancePicker.
type PickerFunc func(candidates []types.InstanceID) types.InstanceID

// Pick calls f.
func (f PickerFunc) Pick(candidates []types.InstanceID) types.InstanceID {
	return f(candidates)
}
