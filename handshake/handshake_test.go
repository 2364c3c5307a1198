package handshake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoravoice/agora/types/key"
)

// pipeConn is an in-memory datagram duplex, optionally mangling
// traffic in flight.
type pipeConn struct {
	tx chan<- []byte
	rx <-chan []byte

	// mangle rewrites outgoing datagrams when set.
	mangle func([]byte) []byte
}

func newPipe() (a, b *pipeConn) {
	ab := make(chan []byte, 8)
	ba := make(chan []byte, 8)
	return &pipeConn{tx: ab, rx: ba}, &pipeConn{tx: ba, rx: ab}
}

func (p *pipeConn) Send(b []byte) error {
	out := make([]byte, len(b))
	copy(out, b)
	if p.mangle != nil {
		out = p.mangle(out)
	}
	p.tx <- out
	return nil
}

func (p *pipeConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b := <-p.rx:
		return b, nil
	}
}

type hsResult struct {
	res *Result
	err error
}

func runBoth(initConn, respConn Conn, initCfg, respCfg Config) (hsResult, hsResult) {
	initCh := make(chan hsResult, 1)
	respCh := make(chan hsResult, 1)

	go func() {
		res, err := Initiate(context.Background(), initConn, initCfg)
		initCh <- hsResult{res, err}
	}()
	go func() {
		res, err := Respond(context.Background(), respConn, respCfg)
		respCh <- hsResult{res, err}
	}()

	return <-initCh, <-respCh
}

func TestHandshakeCompletes(t *testing.T) {
	alice, bob := key.NewNode(), key.NewNode()
	ac, bc := newPipe()

	ar, br := runBoth(ac, bc,
		Config{Identity: alice, Expected: bob.Public()},
		Config{Identity: bob, Expected: alice.Public()},
	)
	require.NoError(t, ar.err)
	require.NoError(t, br.err)

	assert.Equal(t, ar.res.Secret, br.res.Secret)
	assert.Equal(t, ar.res.Transcript, br.res.Transcript)
	assert.NotEmpty(t, ar.res.Transcript)

	assert.Equal(t, bob.Public(), ar.res.Peer)
	assert.Equal(t, alice.Public(), br.res.Peer)
	assert.Equal(t, bob.Public().Fingerprint(), ar.res.PeerFingerprint())
}

func TestResponderWithoutPinLearnsPeer(t *testing.T) {
	alice, bob := key.NewNode(), key.NewNode()
	ac, bc := newPipe()

	ar, br := runBoth(ac, bc,
		Config{Identity: alice, Expected: bob.Public()},
		Config{Identity: bob},
	)
	require.NoError(t, ar.err)
	require.NoError(t, br.err)
	assert.Equal(t, alice.Public(), br.res.Peer)
}

func TestHandshakeRejectsWrongPeer(t *testing.T) {
	alice, bob, mallory := key.NewNode(), key.NewNode(), key.NewNode()
	ac, bc := newPipe()

	// Alice expects mallory; bob's valid proof is for the wrong
	// identity.
	ar, _ := runBoth(ac, bc,
		Config{Identity: alice, Expected: mallory.Public(), Deadline: 2 * time.Second},
		Config{Identity: bob, Deadline: 2 * time.Second},
	)
	require.Error(t, ar.err)
	assert.ErrorIs(t, ar.err, ErrPeerMismatch)
	assert.ErrorIs(t, ar.err, ErrAuthenticationFailed)
}

func TestTamperedMessagesFailAuthentication(t *testing.T) {
	// Flipping one byte at any position past the tag must surface
	// as an authentication failure on one side or the other,
	// never silent success.
	for _, victim := range []string{"initiator", "responder"} {
		t.Run(victim, func(t *testing.T) {
			alice, bob := key.NewNode(), key.NewNode()
			ac, bc := newPipe()

			flip := func(b []byte) []byte {
				if len(b) > 10 {
					b[10] ^= 0x01
				}
				return b
			}
			if victim == "initiator" {
				ac.mangle = flip
			} else {
				bc.mangle = flip
			}

			ar, br := runBoth(ac, bc,
				Config{Identity: alice, Expected: bob.Public(), Deadline: 2 * time.Second},
				Config{Identity: bob, Expected: alice.Public(), Deadline: 2 * time.Second},
			)

			// The side reading the mangled bytes fails
			// authentication; its peer may instead time out
			// waiting for a message that never comes.
			authFailures := 0
			for _, r := range []hsResult{ar, br} {
				if errors.Is(r.err, ErrAuthenticationFailed) {
					authFailures++
				}
			}
			assert.NotZero(t, authFailures, "tampering went unnoticed")
			assert.False(t, ar.err == nil && br.err == nil, "both sides reported success")
		})
	}
}

func TestFlippedMessageTagFailsAuthentication(t *testing.T) {
	alice, bob := key.NewNode(), key.NewNode()
	ac, bc := newPipe()

	// Rewrite only the routing tag; the transcript-bound copy inside
	// the payload stays intact. 0xA1 and 0xA3 swap under this flip.
	ac.mangle = func(b []byte) []byte {
		b[0] ^= 0x02
		return b
	}

	ar, br := runBoth(ac, bc,
		Config{Identity: alice, Expected: bob.Public(), Deadline: 2 * time.Second},
		Config{Identity: bob, Expected: alice.Public(), Deadline: 2 * time.Second},
	)

	require.Error(t, br.err)
	assert.ErrorIs(t, br.err, ErrAuthenticationFailed)
	// The initiator never hears back from the aborted responder.
	require.Error(t, ar.err)
}

func TestHandshakeTimeout(t *testing.T) {
	alice := key.NewNode()
	ac, _ := newPipe()

	start := time.Now()
	_, err := Initiate(context.Background(), ac, Config{
		Identity: alice,
		Deadline: 200 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestStragglerDatagramsIgnored(t *testing.T) {
	alice, bob := key.NewNode(), key.NewNode()
	ac, bc := newPipe()

	// Queue junk ahead of the real handshake traffic on both
	// sides; late connectivity checks look like this.
	ac.tx <- []byte{0xFF, 1, 2, 3}
	bc.tx <- []byte{0x00}

	ar, br := runBoth(ac, bc,
		Config{Identity: alice, Expected: bob.Public()},
		Config{Identity: bob, Expected: alice.Public()},
	)
	require.NoError(t, ar.err)
	require.NoError(t, br.err)
	assert.Equal(t, ar.res.Secret, br.res.Secret)
}
