package turn

import "errors"

var (
	// ErrUnauthorized is returned when the server demands (fresh)
	// credentials. The client retries once with the realm and
	// nonce from the rejection before surfacing it.
	ErrUnauthorized = errors.New("turn: unauthorized")

	ErrBadMessage = errors.New("turn: malformed message")

	ErrTimeout = errors.New("turn: request timed out")

	// ErrNoAllocation is returned by operations that need an
	// active relayed allocation.
	ErrNoAllocation = errors.New("turn: no active allocation")

	ErrBadAddress = errors.New("turn: invalid address")

	ErrClosed = errors.New("turn: client closed")
)
