package session

import (
	"encoding/binary"
	"errors"
)

// Secure frame wire format:
//
//	Tag (1) + EpochID (4, BE) + Counter (8, BE) + ciphertext + auth tag
//
// The 13-byte header doubles as AEAD associated data and as the nonce
// source: nonce = EpochID || Counter, unique as long as counters
// never repeat within an epoch.

// FrameTag is the first byte of every secure frame, distinguishing
// data from handshake traffic on the shared socket.
const FrameTag byte = 0xAF

const (
	frameHeaderLen = 1 + 4 + 8
	nonceLen       = 12
)

var errNotFrame = errors.New("session: not a secure frame")

// IsFrame reports whether pkt plausibly is a secure frame.
func IsFrame(pkt []byte) bool {
	return len(pkt) >= frameHeaderLen && pkt[0] == FrameTag
}

func putHeader(b []byte, epochID uint32, counter uint64) {
	b[0] = FrameTag
	binary.BigEndian.PutUint32(b[1:5], epochID)
	binary.BigEndian.PutUint64(b[5:13], counter)
}

func parseHeader(pkt []byte) (epochID uint32, counter uint64, err error) {
	if !IsFrame(pkt) {
		return 0, 0, errNotFrame
	}
	return binary.BigEndian.Uint32(pkt[1:5]), binary.BigEndian.Uint64(pkt[5:13]), nil
}

// frameNonce builds the AEAD nonce straight from the header fields.
func frameNonce(epochID uint32, counter uint64) []byte {
	n := make([]byte, nonceLen)
	binary.BigEndian.PutUint32(n[0:4], epochID)
	binary.BigEndian.PutUint64(n[4:12], counter)
	return n
}
