// Package handshake mutually authenticates two node identities over
// an established path and derives the session master secret.
//
// The exchange is Noise XX (25519, ChaChaPoly, BLAKE2s): three
// messages, ephemeral keys first, long-term statics exchanged and
// proven under the intermediate keys. Each side additionally sends a
// random key share inside the encrypted payloads; the master secret
// is a hash of both shares, so it exists only on machines that
// completed the authenticated exchange.
package handshake

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/flynn/noise"
	"golang.org/x/crypto/blake2s"

	"github.com/agoravoice/agora/types/key"
)

const (
	// DefaultDeadline bounds the whole exchange. Retry policy
	// belongs to the caller.
	DefaultDeadline = 10 * time.Second

	// shareLen is the per-side contribution to the master secret.
	shareLen = 32
)

// Message tags, first wire byte of each handshake datagram. They keep
// handshake traffic distinguishable from data frames on the same
// socket. Each payload repeats its tag as the first byte, so the tag
// is bound into the Noise transcript; the wire copy is only routing.
const (
	tagMsg1 byte = 0xA1
	tagMsg2 byte = 0xA2
	tagMsg3 byte = 0xA3
)

var (
	// ErrAuthenticationFailed covers every cryptographic rejection:
	// bad proof, tampered message, unexpected identity. Never
	// downgraded, never retried here.
	ErrAuthenticationFailed = errors.New("handshake: authentication failed")

	// ErrPeerMismatch means the proof was valid but for the wrong
	// long-term identity.
	ErrPeerMismatch = fmt.Errorf("%w: unexpected peer identity", ErrAuthenticationFailed)

	ErrTimeout = errors.New("handshake: deadline exceeded")
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// Conn is the datagram path the handshake runs over. *ice.Path
// satisfies it.
type Conn interface {
	Send(b []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// Config for one handshake run.
type Config struct {
	// Identity is our long-term key, used as the Noise static.
	Identity key.NodePrivate

	// Expected pins the remote identity. Zero accepts any peer
	// and reports who showed up in the Result.
	Expected key.NodePublic

	// Deadline bounds the exchange. Zero means DefaultDeadline.
	Deadline time.Duration
}

// Result of a completed, verified handshake.
type Result struct {
	// Secret is the session master secret both sides now share.
	Secret [32]byte

	// Transcript is the handshake channel binding; key derivation
	// downstream is keyed by it so session keys can never be
	// reused across handshakes.
	Transcript []byte

	// Peer is the remote's verified long-term identity.
	Peer key.NodePublic
}

// PeerFingerprint is Peer's short digest for out-of-band comparison.
func (r *Result) PeerFingerprint() string {
	return r.Peer.Fingerprint()
}

func newState(cfg Config, initiator bool) (*noise.HandshakeState, error) {
	return noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: cfg.Identity.DHKey(),
		Random:        rand.Reader,
	})
}

// Initiate runs the initiator side over conn.
func Initiate(ctx context.Context, conn Conn, cfg Config) (*Result, error) {
	ctx, cancel := withDeadline(ctx, cfg)
	defer cancel()

	hs, err := newState(cfg, true)
	if err != nil {
		return nil, fmt.Errorf("handshake: init state: %w", err)
	}

	// -> e
	msg1, _, _, err := hs.WriteMessage([]byte{tagMsg1}, []byte{tagMsg1})
	if err != nil {
		return nil, fmt.Errorf("handshake: writing message 1: %w", err)
	}
	if err := conn.Send(msg1); err != nil {
		return nil, err
	}

	// <- e, ee, s, es  (payload: responder's key share)
	raw, err := recvTagged(ctx, conn, tagMsg2)
	if err != nil {
		return nil, err
	}
	payload, _, _, err := hs.ReadMessage(nil, raw[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	theirShare, err := taggedShare(payload, tagMsg2)
	if err != nil {
		return nil, err
	}

	peer, err := verifyPeer(hs, cfg.Expected)
	if err != nil {
		return nil, err
	}

	// -> s, se  (payload: our key share)
	ourShare := newShare()
	msg3, _, _, err := hs.WriteMessage([]byte{tagMsg3}, append([]byte{tagMsg3}, ourShare...))
	if err != nil {
		return nil, fmt.Errorf("handshake: writing message 3: %w", err)
	}
	if err := conn.Send(msg3); err != nil {
		return nil, err
	}

	return &Result{
		Secret:     masterSecret(ourShare, theirShare),
		Transcript: hs.ChannelBinding(),
		Peer:       peer,
	}, nil
}

// Respond runs the responder side over conn.
func Respond(ctx context.Context, conn Conn, cfg Config) (*Result, error) {
	ctx, cancel := withDeadline(ctx, cfg)
	defer cancel()

	hs, err := newState(cfg, false)
	if err != nil {
		return nil, fmt.Errorf("handshake: init state: %w", err)
	}

	// <- e
	raw, err := recvTagged(ctx, conn, tagMsg1)
	if err != nil {
		return nil, err
	}
	payload, _, _, err := hs.ReadMessage(nil, raw[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	if len(payload) != 1 || payload[0] != tagMsg1 {
		return nil, fmt.Errorf("%w: payload tag mismatch", ErrAuthenticationFailed)
	}

	// -> e, ee, s, es  (payload: our key share)
	ourShare := newShare()
	msg2, _, _, err := hs.WriteMessage([]byte{tagMsg2}, append([]byte{tagMsg2}, ourShare...))
	if err != nil {
		return nil, fmt.Errorf("handshake: writing message 2: %w", err)
	}
	if err := conn.Send(msg2); err != nil {
		return nil, err
	}

	// <- s, se  (payload: initiator's key share)
	raw, err = recvTagged(ctx, conn, tagMsg3)
	if err != nil {
		return nil, err
	}
	payload, _, _, err = hs.ReadMessage(nil, raw[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	theirShare, err := taggedShare(payload, tagMsg3)
	if err != nil {
		return nil, err
	}

	peer, err := verifyPeer(hs, cfg.Expected)
	if err != nil {
		return nil, err
	}

	return &Result{
		Secret:     masterSecret(theirShare, ourShare),
		Transcript: hs.ChannelBinding(),
		Peer:       peer,
	}, nil
}

// verifyPeer checks the authenticated static against the pinned
// identity. Possession of an ephemeral key alone never gets here; the
// Noise pattern has already bound the static into the transcript.
func verifyPeer(hs *noise.HandshakeState, expected key.NodePublic) (key.NodePublic, error) {
	static := hs.PeerStatic()
	if len(static) != key.Len {
		return key.NodePublic{}, ErrAuthenticationFailed
	}
	peer := key.MakeNodePublic([key.Len]byte(static))

	if !expected.IsZero() && peer != expected {
		return key.NodePublic{}, ErrPeerMismatch
	}
	return peer, nil
}

// masterSecret combines both key shares, initiator's first so the
// sides agree.
func masterSecret(initiatorShare, responderShare []byte) [32]byte {
	h, err := blake2s.New256(nil)
	if err != nil {
		panic(err)
	}
	h.Write(initiatorShare)
	h.Write(responderShare)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func newShare() []byte {
	share := make([]byte, shareLen)
	if _, err := rand.Read(share); err != nil {
		panic("handshake: rand failed: " + err.Error())
	}
	return share
}

// taggedShare splits an authenticated payload into its transcript-bound
// tag and the key share behind it.
func taggedShare(payload []byte, tag byte) ([]byte, error) {
	if len(payload) != 1+shareLen || payload[0] != tag {
		return nil, fmt.Errorf("%w: payload tag mismatch", ErrAuthenticationFailed)
	}
	return payload[1:], nil
}

// recvTagged reads datagrams until one carries the expected message
// tag. Connectivity-check stragglers and early data frames on the
// socket are skipped; any other handshake-tagged datagram with the
// wrong tag is treated as tampering, never silently dropped.
func recvTagged(ctx context.Context, conn Conn, tag byte) ([]byte, error) {
	for {
		raw, err := conn.Recv(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, err
		}
		if len(raw) == 0 {
			continue
		}
		if raw[0] == tag {
			return raw, nil
		}
		if raw[0] >= tagMsg1 && raw[0] <= tagMsg3 {
			return nil, fmt.Errorf("%w: unexpected handshake message tag %#x", ErrAuthenticationFailed, raw[0])
		}
	}
}

func withDeadline(ctx context.Context, cfg Config) (context.Context, context.CancelFunc) {
	d := cfg.Deadline
	if d <= 0 {
		d = DefaultDeadline
	}
	return context.WithTimeout(ctx, d)
}
