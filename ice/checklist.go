package ice

import (
	"sort"

	"github.com/agoravoice/agora/types/msgconn"
)

// checklist holds all pairs for one attempt, highest priority first.
// It is pure bookkeeping; the agent serializes access.
type checklist struct {
	pairs []*Pair
}

// newChecklist forms the full cross product of local and remote
// candidates, sorted by descending pair priority. Mixed transports
// are skipped; only UDP pairs are checkable.
func newChecklist(local, remote []msgconn.Candidate, controlling bool) *checklist {
	cl := &checklist{}
	for _, l := range local {
		for _, r := range remote {
			if l.Transport != msgconn.TransportUDP || r.Transport != msgconn.TransportUDP {
				continue
			}
			if l.AddrPort.Addr().Is4() != r.AddrPort.Addr().Is4() {
				continue
			}
			cl.pairs = append(cl.pairs, newPair(l, r, controlling))
		}
	}
	cl.sort()
	return cl
}

func (cl *checklist) sort() {
	sort.SliceStable(cl.pairs, func(i, j int) bool {
		return cl.pairs[i].Priority > cl.pairs[j].Priority
	})
}

// add inserts a pair discovered mid-attempt (peer-reflexive),
// keeping priority order.
func (cl *checklist) add(p *Pair) {
	cl.pairs = append(cl.pairs, p)
	cl.sort()
}

// nextWaiting returns the highest-priority pair still waiting for a
// check, or nil.
func (cl *checklist) nextWaiting() *Pair {
	for _, p := range cl.pairs {
		if p.State == PairWaiting {
			return p
		}
	}
	return nil
}

func (cl *checklist) inFlight() int {
	n := 0
	for _, p := range cl.pairs {
		if p.State == PairInProgress {
			n++
		}
	}
	return n
}

// exhausted reports whether no pair can still succeed.
func (cl *checklist) exhausted() bool {
	for _, p := range cl.pairs {
		if p.State == PairWaiting || p.State == PairInProgress {
			return false
		}
	}
	return true
}

// byTx finds the in-progress pair owning a probe transaction.
func (cl *checklist) byTx(tx msgconn.TxID) *Pair {
	for _, p := range cl.pairs {
		if p.State == PairInProgress && p.tx == tx {
			return p
		}
	}
	return nil
}

// hasRemote reports whether any pair already targets this remote
// address.
func (cl *checklist) hasRemote(ap string) bool {
	for _, p := range cl.pairs {
		if p.Remote.AddrPort.String() == ap {
			return true
		}
	}
	return false
}

// betterOf picks the winner between two succeeded pairs: higher
// priority wins, exact ties go to the lexicographically lower remote
// address so both agents resolve the race identically.
func betterOf(a, b *Pair) *Pair {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.Priority != b.Priority {
		if a.Priority > b.Priority {
			return a
		}
		return b
	}
	if a.Remote.AddrPort.String() <= b.Remote.AddrPort.String() {
		return a
	}
	return b
}
