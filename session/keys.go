// Package session turns a completed handshake into an encrypted,
// replay-protected data channel with rotating key epochs.
//
// Key schedule: the handshake secret and transcript seed a chain key;
// each epoch's AEAD key is expanded from the chain, and rotation
// ratchets the chain forward and discards the old value, so a captured
// chain state never decrypts earlier epochs. At most two epochs are
// ever usable for decryption: the current one and, briefly, its
// predecessor.
package session

import (
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	DefaultRotationInterval = time.Hour
	DefaultOverlapWindow    = 2 * time.Minute
)

var (
	// ErrFrameRejected is a per-frame verdict: tampered, replayed
	// or malformed. The channel stays open.
	ErrFrameRejected = errors.New("session: frame rejected")

	// ErrEpochExpired means the frame names an epoch we no longer
	// (or never did) hold keys for.
	ErrEpochExpired = errors.New("session: key epoch expired")

	// ErrManagerClosed means the key material was already wiped.
	ErrManagerClosed = errors.New("session: key manager closed")
)

var (
	chainInfo   = []byte("agora-vc chain v1")
	ratchetInfo = []byte("agora-vc ratchet v1")
	epochInfo   = []byte("agora-vc epoch key v1")
)

// epoch is one validity period of a symmetric key.
type epoch struct {
	id        uint32
	aead      cipher.AEAD
	createdAt time.Time

	// counter numbers outgoing frames; only the current epoch
	// sends.
	counter uint64
	// replay tracks incoming frame counters.
	replay replayWindow
}

// KeyConfig holds rotation policy. Zero values take defaults.
type KeyConfig struct {
	RotationInterval time.Duration
	OverlapWindow    time.Duration
}

func (c *KeyConfig) setDefaults() {
	if c.RotationInterval <= 0 {
		c.RotationInterval = DefaultRotationInterval
	}
	if c.OverlapWindow <= 0 {
		c.OverlapWindow = DefaultOverlapWindow
	}
}

// Manager derives, rotates and retires epochs. Sealing always uses
// the newest epoch; opening accepts the newest and, within the
// overlap window, the one before it.
type Manager struct {
	cfg KeyConfig

	mu        sync.Mutex
	chain     [32]byte
	current   *epoch
	previous  *epoch
	rotatedAt time.Time

	// now is swapped out by rotation tests.
	now func() time.Time
}

// NewManager derives epoch 1 from the handshake output. The
// transcript keys the derivation, so two handshakes can never yield
// the same session keys even from an identical secret.
func NewManager(secret [32]byte, transcript []byte, cfg KeyConfig) (*Manager, error) {
	cfg.setDefaults()

	m := &Manager{cfg: cfg, now: time.Now}

	r := hkdf.New(sha256.New, secret[:], transcript, chainInfo)
	if _, err := io.ReadFull(r, m.chain[:]); err != nil {
		return nil, fmt.Errorf("session: deriving chain: %w", err)
	}

	first, err := m.deriveEpoch(1)
	if err != nil {
		return nil, err
	}
	m.current = first
	return m, nil
}

// deriveEpoch expands the present chain into epoch id's key. Caller
// holds mu, or the manager is not yet shared.
func (m *Manager) deriveEpoch(id uint32) (*epoch, error) {
	info := append(append([]byte(nil), epochInfo...),
		byte(id>>24), byte(id>>16), byte(id>>8), byte(id))

	var keyBytes [chacha20poly1305.KeySize]byte
	r := hkdf.New(sha256.New, m.chain[:], nil, info)
	if _, err := io.ReadFull(r, keyBytes[:]); err != nil {
		return nil, fmt.Errorf("session: deriving epoch %d: %w", id, err)
	}

	aead, err := chacha20poly1305.New(keyBytes[:])
	if err != nil {
		return nil, err
	}
	zero(keyBytes[:])

	return &epoch{id: id, aead: aead, createdAt: m.now()}, nil
}

// Rotate ratchets the chain and publishes a fresh epoch. The old
// current becomes previous, decryptable until the overlap window
// closes; whatever was previous before is gone for good.
func (m *Manager) Rotate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return ErrManagerClosed
	}

	var next [32]byte
	r := hkdf.New(sha256.New, m.chain[:], nil, ratchetInfo)
	if _, err := io.ReadFull(r, next[:]); err != nil {
		return fmt.Errorf("session: ratcheting chain: %w", err)
	}
	zero(m.chain[:])
	m.chain = next

	e, err := m.deriveEpoch(m.current.id + 1)
	if err != nil {
		return err
	}

	// Swap-then-publish: the new state is fully built before any
	// reader can observe it.
	m.previous = m.current
	m.current = e
	m.rotatedAt = m.now()
	return nil
}

// CurrentEpoch returns the sealing epoch's id, or zero once closed.
func (m *Manager) CurrentEpoch() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return 0
	}
	return m.current.id
}

// Seal encrypts plaintext into a complete wire frame under the
// current epoch, consuming one nonce counter. A manager that raced
// Close reports ErrManagerClosed rather than sealing with wiped keys.
func (m *Manager) Seal(plaintext []byte) ([]byte, error) {
	m.mu.Lock()
	e := m.current
	if e == nil {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	e.counter++
	ctr := e.counter
	m.mu.Unlock()

	frame := make([]byte, frameHeaderLen, frameHeaderLen+len(plaintext)+e.aead.Overhead())
	putHeader(frame, e.id, ctr)
	return e.aead.Seal(frame, frameNonce(e.id, ctr), plaintext, frame[:frameHeaderLen]), nil
}

// Open authenticates and decrypts a wire frame. The replay window is
// only advanced after the tag verifies, so garbage cannot burn real
// counters.
func (m *Manager) Open(frame []byte) ([]byte, error) {
	epochID, ctr, err := parseHeader(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameRejected, err)
	}

	m.mu.Lock()
	m.sweepLocked()
	e := m.epochForLocked(epochID)
	aheadByOne := e == nil && m.current != nil && epochID == m.current.id+1
	m.mu.Unlock()

	if e == nil {
		if aheadByOne {
			// The peer's rotation timer fired before ours.
			// Catch up, but only on a frame that proves it
			// was sealed under the next epoch.
			return m.openAhead(frame, epochID, ctr)
		}
		return nil, ErrEpochExpired
	}

	plaintext, err := e.aead.Open(nil, frameNonce(epochID, ctr), frame[frameHeaderLen:], frame[:frameHeaderLen])
	if err != nil {
		return nil, fmt.Errorf("%w: authentication tag mismatch", ErrFrameRejected)
	}

	m.mu.Lock()
	fresh := e.replay.observe(ctr)
	m.mu.Unlock()
	if !fresh {
		return nil, fmt.Errorf("%w: replayed counter %d in epoch %d", ErrFrameRejected, ctr, epochID)
	}

	return plaintext, nil
}

// openAhead handles a frame from one epoch ahead of us: derive the
// next epoch speculatively, and commit the rotation only if the frame
// authenticates under it. Unauthenticated traffic can never ratchet
// the chain.
func (m *Manager) openAhead(frame []byte, epochID uint32, ctr uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || epochID != m.current.id+1 {
		return nil, ErrEpochExpired
	}

	var next [32]byte
	r := hkdf.New(sha256.New, m.chain[:], nil, ratchetInfo)
	if _, err := io.ReadFull(r, next[:]); err != nil {
		return nil, fmt.Errorf("session: ratcheting chain: %w", err)
	}

	saved := m.chain
	m.chain = next
	e, err := m.deriveEpoch(epochID)
	if err != nil {
		m.chain = saved
		return nil, err
	}

	plaintext, aeadErr := e.aead.Open(nil, frameNonce(epochID, ctr), frame[frameHeaderLen:], frame[:frameHeaderLen])
	if aeadErr != nil {
		m.chain = saved
		return nil, fmt.Errorf("%w: authentication tag mismatch", ErrFrameRejected)
	}

	zero(saved[:])
	e.replay.observe(ctr)
	m.previous = m.current
	m.current = e
	m.rotatedAt = m.now()
	return plaintext, nil
}

// epochForLocked maps a frame's epoch id to live key material.
func (m *Manager) epochForLocked(id uint32) *epoch {
	if m.current != nil && m.current.id == id {
		return m.current
	}
	if m.previous != nil && m.previous.id == id {
		return m.previous
	}
	return nil
}

// sweepLocked purges the previous epoch once its overlap window has
// passed.
func (m *Manager) sweepLocked() {
	if m.previous != nil && m.now().Sub(m.rotatedAt) > m.cfg.OverlapWindow {
		m.previous = nil
	}
}

// Close wipes the chain. Epoch AEADs become unreachable with the
// manager.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	zero(m.chain[:])
	m.current = nil
	m.previous = nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
