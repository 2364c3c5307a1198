package key

import (
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"go4.org/mem"
	"golang.org/x/crypto/nacl/box"
)

const (
	nodePublicHexPrefix  = "nodekey:"
	nodePrivateHexPrefix = "privkey:"
	sessPublicHexPrefix  = "sesskey:"
)

// rand fills b with cryptographically strong random bytes. Panics if
// no random bytes are available.
func rand(b []byte) {
	if _, err := io.ReadFull(crand.Reader, b[:]); err != nil {
		panic(fmt.Sprintf("unable to read random bytes from OS: %v", err))
	}
}

// clamp25519Private clamps b, which must be a 32-byte Curve25519
// private key, to a safe value.
//
// The clamping effectively constrains the key to a number between
// 2^251 and 2^252-1, which is then multiplied by 8 (the cofactor of
// Curve25519). This produces a value that doesn't have any unsafe
// properties when doing operations like ScalarMult.
//
// Note that not all Curve25519 values require clamping:
//
//   - NaCl box: yes, clamp at creation.
//   - Noise protocols: no, do not clamp.
//
// (Taken from tailscale)
func clamp25519Private(b []byte) {
	b[0] &= 248
	b[31] = (b[31] & 127) | 64
}

// sealTo encrypts cleartext in a NaCl box from the private key `from`
// to the public key `to`, with a random nonce prepended to the result.
func sealTo(from NakedKey, to NakedKey, cleartext []byte) (ciphertext []byte) {
	var nonce [24]byte
	rand(nonce[:])
	return box.Seal(nonce[:], cleartext, &nonce, (*[32]byte)(&to), (*[32]byte)(&from))
}

// openFrom opens a box created by sealTo, addressed to the private
// key `to`, claiming to be from the public key `from`.
func openFrom(to NakedKey, from NakedKey, ciphertext []byte) (cleartext []byte, ok bool) {
	if len(ciphertext) < 24 {
		return nil, false
	}
	nonce := (*[24]byte)(ciphertext)
	return box.Open(nil, ciphertext[24:], nonce, (*[32]byte)(&from), (*[32]byte)(&to))
}

func appendHexKey(b []byte, prefix string, key []byte) []byte {
	b = append(b, prefix...)
	b = append(b, hex.EncodeToString(key)...)
	return b
}

var errKeyFormat = errors.New("invalid key format")

func parseHex(out []byte, in, prefix mem.RO) error {
	if !mem.HasPrefix(in, prefix) {
		return fmt.Errorf("%w: missing prefix %q", errKeyFormat, prefix.StringCopy())
	}
	in = in.SliceFrom(prefix.Len())
	if in.Len() != len(out)*2 {
		return fmt.Errorf("%w: expected %d hex chars", errKeyFormat, len(out)*2)
	}
	if _, err := hex.Decode(out, mem.Append(nil, in)); err != nil {
		return fmt.Errorf("%w: %v", errKeyFormat, err)
	}
	return nil
}
