// Package key holds the long-term node identity keypair and the ephemeral
// exchange keys used while connecting to a peer.
package key

import (
	"encoding/hex"
	"fmt"
)

// Len is the byte length of every key in this package.
const Len = 32

// NakedKey is a raw 32-byte key with no role attached. It only ever
// appears at package boundaries; everything internal goes through the
// typed wrappers so a node key can't be confused for a session key.
type NakedKey [Len]byte

func (n NakedKey) Debug() string {
	return fmt.Sprintf("%x", n)
}

func (n NakedKey) HexString() string {
	return hex.EncodeToString(n[:])
}

// IsZero reports whether n is the zero value.
func (n NakedKey) IsZero() bool {
	return n == NakedKey{}
}
