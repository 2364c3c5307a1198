package ice

import "time"

// Tunables for connectivity checking. Config overrides the ones that
// are policy rather than protocol.
const (
	// CheckInterval paces the start of new connectivity checks.
	CheckInterval = 50 * time.Millisecond

	// DefaultMaxInFlight bounds concurrent in-progress pairs.
	DefaultMaxInFlight = 5

	// DefaultDeadline bounds the whole attempt.
	DefaultDeadline = 8 * time.Second

	// checkAttempts is how many times one pair is probed before
	// it is marked failed.
	checkAttempts = 4

	// checkBackoffBase is the wait after the first unanswered
	// probe; it doubles per attempt.
	checkBackoffBase = 250 * time.Millisecond

	// gatherTimeout bounds candidate gathering as a whole.
	gatherTimeout = 3 * time.Second
)
