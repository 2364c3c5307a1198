package key

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flynn/noise"
	"go4.org/mem"
	"golang.org/x/crypto/curve25519"

	"github.com/agoravoice/agora/types"
)

// NodePublic is the public half of a node's long-term identity; it is
// the stable peer ID advertised in discovery across sessions.
type NodePublic NakedKey

// NodePrivate is a node's long-term identity key. Loaded once at
// startup, immutable thereafter; persistence belongs to the caller.
type NodePrivate struct {
	_   types.Incomparable
	key NakedKey
}

// NewNode creates and returns a new node private key.
func NewNode() NodePrivate {
	var ret NodePrivate
	rand(ret.key[:])
	clamp25519Private(ret.key[:])
	return ret
}

func NodePrivateFrom(key NakedKey) NodePrivate {
	return NodePrivate{key: key}
}

// Equal reports whether k and other are the same key.
func (n NodePrivate) Equal(other NodePrivate) bool {
	return subtle.ConstantTimeCompare(n.key[:], other.key[:]) == 1
}

// IsZero reports whether k is the zero value.
func (n NodePrivate) IsZero() bool {
	return n.Equal(NodePrivate{})
}

func (n NodePrivate) Public() NodePublic {
	if n.IsZero() {
		panic("can't take the public key of a zero NodePrivate")
	}

	var ret NodePublic
	curve25519.ScalarBaseMult((*[32]byte)(&ret), (*[32]byte)(&n.key))
	return ret
}

// DHKey returns the identity keypair in the shape the Noise handshake
// consumes. The private bytes do not otherwise leave this package.
func (n NodePrivate) DHKey() noise.DHKey {
	if n.IsZero() {
		panic("can't use a zero NodePrivate in a handshake")
	}
	pub := n.Public()
	return noise.DHKey{
		Private: append([]byte(nil), n.key[:]...),
		Public:  append([]byte(nil), pub[:]...),
	}
}

// SealTo wraps cleartext into a NaCl box (see
// golang.org/x/crypto/nacl) to p, authenticated from k, using a
// random nonce.
//
// The returned ciphertext is a 24-byte nonce concatenated with the
// box value.
func (n NodePrivate) SealTo(p NodePublic, cleartext []byte) (ciphertext []byte) {
	if n.IsZero() || p.IsZero() {
		panic("can't seal with zero keys")
	}
	return sealTo(n.key, NakedKey(p), cleartext)
}

// OpenFrom opens the NaCl box ciphertext, which must be a value
// created by SealTo, and returns the inner cleartext if ciphertext is
// a valid box from p to k.
func (n NodePrivate) OpenFrom(p NodePublic, ciphertext []byte) (cleartext []byte, ok bool) {
	if n.IsZero() || p.IsZero() {
		panic("can't open with zero keys")
	}
	return openFrom(n.key, NakedKey(p), ciphertext)
}

// AppendText implements encoding.TextAppender.
func (n NodePrivate) AppendText(b []byte) ([]byte, error) {
	return appendHexKey(b, nodePrivateHexPrefix, n.key[:]), nil
}

// MarshalText implements encoding.TextMarshaler.
func (n NodePrivate) MarshalText() ([]byte, error) {
	return n.AppendText(nil)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *NodePrivate) UnmarshalText(b []byte) error {
	return parseHex(n.key[:], mem.B(b), mem.S(nodePrivateHexPrefix))
}

func (n NodePublic) Debug() string {
	return fmt.Sprintf("%x", n)
}

func (n NodePublic) HexString() string {
	return hex.EncodeToString(n[:])
}

func (n NodePublic) IsZero() bool {
	return n == NodePublic{}
}

// MakeNodePublic parses a 32-byte raw value as a NodePublic.
//
// This should be used only when deserializing a NodePublic from a
// binary protocol.
func MakeNodePublic(raw [32]byte) NodePublic {
	return raw
}

func (n NodePublic) ToByteSlice() []byte {
	return n[:]
}

// Fingerprint returns a short human-comparable digest of the key:
// the first 8 bytes of its SHA-256 hash, as uppercase colon-separated
// hex pairs. Intended for out-of-band verification in calling UIs.
func (n NodePublic) Fingerprint() string {
	sum := sha256.Sum256(n[:])

	var sb strings.Builder
	for i, b := range sum[:8] {
		if i > 0 {
			sb.WriteByte(':')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}

// AppendText implements encoding.TextAppender. It appends a typed prefix
// followed by a hex encoded representation of k to b.
func (n NodePublic) AppendText(b []byte) ([]byte, error) {
	return appendHexKey(b, nodePublicHexPrefix, n[:]), nil
}

// MarshalText implements encoding.TextMarshaler. It returns a typed prefix
// followed by a hex encoded representation of k.
func (n NodePublic) MarshalText() ([]byte, error) {
	return n.AppendText(nil)
}

// UnmarshalText implements encoding.TextUnmarshaler. It expects a typed prefix
// followed by a hex encoded representation of k.
func (n *NodePublic) UnmarshalText(b []byte) error {
	return parseHex(n[:], mem.B(b), mem.S(nodePublicHexPrefix))
}

func UnmarshalPublic(s string) (*NodePublic, error) {
	if !strings.HasSuffix(s, "\"") && !strings.HasPrefix(s, "\"") {
		s = fmt.Sprintf("\"%s\"", s)
	}

	pub := new(NodePublic)

	if err := json.Unmarshal([]byte(s), pub); err != nil {
		return nil, err
	}

	return pub, nil
}

func (n NodePublic) Marshal() string {
	b, _ := json.Marshal(n)
	return string(b)
}
