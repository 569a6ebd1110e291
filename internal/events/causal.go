package events

import (
	"fmt"
	"strings"
	"sync"
)

const (
	CausalModeSingle = "single"
	CausalModeVector = "vector"
)

// CausalStamp maps actor ids to logical counters.
type CausalStamp map[string]uint64

// CausalStamper computes the causal stamp attached to each emitted event.
type CausalStamper interface {
	Stamp(actorID string) CausalStamp
	// Observe folds in a stamp received from another instance.
	Observe(stamp CausalStamp)
}

// SingleActorStamper stamps every event with {actorId: 1}. It carries no
// ordering information beyond naming the actor.
type SingleActorStamper struct{}

func (SingleActorStamper) Stamp(actorID string) CausalStamp {
	return CausalStamp{actorID: 1}
}

func (SingleActorStamper) Observe(CausalStamp) {}

// VectorClockStamper keeps a per-actor monotonically increasing counter and
// returns the merged vector of every actor it has seen.
type VectorClockStamper struct {
	mu    sync.Mutex
	clock CausalStamp
}

func NewVectorClockStamper() *VectorClockStamper {
	return &VectorClockStamper{clock: CausalStamp{}}
}

func (v *VectorClockStamper) Stamp(actorID string) CausalStamp {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.clock[actorID]++
	return v.copyLocked()
}

func (v *VectorClockStamper) Observe(stamp CausalStamp) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for actor, counter := range stamp {
		if counter > v.clock[actor] {
			v.clock[actor] = counter
		}
	}
}

func (v *VectorClockStamper) copyLocked() CausalStamp {
	out := make(CausalStamp, len(v.clock))
	for actor, counter := range v.clock {
		out[actor] = counter
	}
	return out
}

// NewCausalStamper returns the stamper configured by mode.
func NewCausalStamper(mode string) (CausalStamper, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", CausalModeSingle:
		return SingleActorStamper{}, nil
	case CausalModeVector:
		return NewVectorClockStamper(), nil
	default:
		return nil, fmt.Errorf("events: unknown causal stamp mode %q", mode)
	}
}
