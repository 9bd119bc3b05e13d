// state.go tracks the coordinator's phase and keeps a bounded history of
// transitions for the status API and the event log.

package tunnel

import (
	"fmt"
	"time"
)

// Phase is the coordinator lifecycle position. It only moves forward except
// for the bounded TUNNEL_FAILED -> TUNNEL_STARTING retry edge.
type Phase int

const (
	PhaseUnstarted Phase = iota
	PhasePortAllocated
	PhaseTunnelStarting
	PhaseTunnelVerified
	PhaseTunnelFailed
	PhaseLocalOnly
)

func (p Phase) String() string {
	switch p {
	case PhaseUnstarted:
		return "UNSTARTED"
	case PhasePortAllocated:
		return "PORT_ALLOCATED"
	case PhaseTunnelStarting:
		return "TUNNEL_STARTING"
	case PhaseTunnelVerified:
		return "TUNNEL_VERIFIED"
	case PhaseTunnelFailed:
		return "TUNNEL_FAILED"
	case PhaseLocalOnly:
		return "LOCAL_ONLY"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// MarshalText makes phases render by name in JSON.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Terminal reports whether no further transitions are expected.
func (p Phase) Terminal() bool {
	return p == PhaseTunnelVerified || p == PhaseLocalOnly
}

var allowedTransitions = map[Phase][]Phase{
	PhaseUnstarted:      {PhasePortAllocated},
	PhasePortAllocated:  {PhaseTunnelStarting, PhaseLocalOnly},
	PhaseTunnelStarting: {PhaseTunnelVerified, PhaseTunnelFailed},
	PhaseTunnelFailed:   {PhaseTunnelStarting, PhaseLocalOnly},
}

func canTransition(from, to Phase) bool {
	for _, p := range allowedTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// transitionHistorySize bounds the retained transitions.
const transitionHistorySize = 50

// Transition records one phase change.
type Transition struct {
	From          Phase     `json:"from"`
	To            Phase     `json:"to"`
	At            time.Time `json:"at"`
	Reason        string    `json:"reason"`
	Port          int       `json:"port"`
	PublicAddress string    `json:"public_address,omitempty"`
}

// Observer is called after every transition, outside the coordinator lock.
type Observer func(Transition)

type history struct {
	entries [transitionHistorySize]Transition
	head    int
	count   int
}

func (h *history) add(t Transition) {
	h.entries[h.head] = t
	h.head = (h.head + 1) % transitionHistorySize
	if h.count < transitionHistorySize {
		h.count++
	}
}

// list returns transitions oldest first.
func (h *history) list() []Transition {
	if h.count == 0 {
		return nil
	}
	out := make([]Transition, h.count)
	if h.count < transitionHistorySize {
		copy(out, h.entries[:h.count])
		return out
	}
	n := copy(out, h.entries[h.head:])
	copy(out[n:], h.entries[:h.head])
	return out
}
