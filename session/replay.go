package session

// replayWindow tracks which frame counters were already accepted
// within one epoch: a highest-seen counter plus a sliding bitmap of
// the windowSize counters below it. Counters older than the window
// are rejected outright.
type replayWindow struct {
	highest uint64
	bitmap  uint64
}

const windowSize = 64

// observe reports whether ctr is fresh, and records it if so. Not
// safe for concurrent use; the channel serializes receives.
func (w *replayWindow) observe(ctr uint64) bool {
	switch {
	case ctr > w.highest:
		shift := ctr - w.highest
		if shift >= windowSize {
			w.bitmap = 0
		} else {
			w.bitmap <<= shift
		}
		w.bitmap |= 1
		w.highest = ctr
		return true

	case w.highest-ctr >= windowSize:
		// Too old to tell; reject.
		return false

	default:
		bit := uint64(1) << (w.highest - ctr)
		if w.bitmap&bit != 0 {
			return false
		}
		w.bitmap |= bit
		return true
	}
}
