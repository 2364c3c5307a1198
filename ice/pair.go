package ice

import (
	"fmt"
	"time"

	"github.com/agoravoice/agora/types/msgconn"
)

// PairState is the per-pair check state. Transitions are pure; the
// agent drives them from timer and packet events.
type PairState int

const (
	PairWaiting PairState = iota
	PairInProgress
	PairSucceeded
	PairFailed
)

func (s PairState) String() string {
	switch s {
	case PairWaiting:
		return "waiting"
	case PairInProgress:
		return "in-progress"
	case PairSucceeded:
		return "succeeded"
	case PairFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// canTransition encodes the legal state machine. Succeeded and Failed
// are terminal; a pair succeeds at most once.
func (s PairState) canTransition(to PairState) bool {
	switch s {
	case PairWaiting:
		return to == PairInProgress || to == PairFailed
	case PairInProgress:
		return to == PairSucceeded || to == PairFailed
	default:
		return false
	}
}

// Pair is one (local, remote) candidate combination under test.
type Pair struct {
	Local  msgconn.Candidate
	Remote msgconn.Candidate

	State    PairState
	Priority uint64

	// attempts counts probes sent so far.
	attempts int
	// tx identifies the in-flight probe, if any.
	tx       msgconn.TxID
	txSentAt time.Time
	// nextProbeAt is when the current probe gives up and the next
	// attempt (or failure) happens.
	nextProbeAt time.Time

	// rtt of the successful check, once succeeded.
	rtt time.Duration
}

// pairPriority combines both sides' candidate priorities, controlling
// side's first. Both agents compute the same value for the same pair,
// so their checklists agree on order.
func pairPriority(g, d uint32) uint64 {
	lo, hi := g, d
	if d < g {
		lo, hi = d, g
	}
	p := uint64(lo)<<32 + uint64(hi)<<1
	if g > d {
		p++
	}
	return p
}

func newPair(local, remote msgconn.Candidate, controlling bool) *Pair {
	g, d := local.Priority, remote.Priority
	if !controlling {
		g, d = d, g
	}
	return &Pair{
		Local:    local,
		Remote:   remote,
		State:    PairWaiting,
		Priority: pairPriority(g, d),
	}
}

// transition applies a state change, reporting whether it was legal.
// Illegal transitions leave the pair untouched.
func (p *Pair) transition(to PairState) bool {
	if !p.State.canTransition(to) {
		return false
	}
	p.State = to
	return true
}

func (p *Pair) String() string {
	return fmt.Sprintf("%s->%s(%s/%s, %s)",
		p.Local.AddrPort, p.Remote.AddrPort, p.Local.Kind, p.Remote.Kind, p.State)
}

// relayed reports whether either side of the pair goes through a TURN
// relay.
func (p *Pair) relayed() bool {
	return p.Local.Kind == msgconn.KindRelayed || p.Remote.Kind == msgconn.KindRelayed
}
