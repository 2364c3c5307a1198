package session

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// managerPair builds the two ends of one session, as if both
// completed the same handshake.
func managerPair(t *testing.T, cfg KeyConfig) (a, b *Manager) {
	t.Helper()

	var secret [32]byte
	_, err := rand.Read(secret[:])
	require.NoError(t, err)
	transcript := []byte("test transcript binding")

	a, err = NewManager(secret, transcript, cfg)
	require.NoError(t, err)
	b, err = NewManager(secret, transcript, cfg)
	require.NoError(t, err)
	return a, b
}

func mustSeal(t *testing.T, m *Manager, plaintext []byte) []byte {
	t.Helper()
	frame, err := m.Seal(plaintext)
	require.NoError(t, err)
	return frame
}

func TestSealOpenRoundtrip(t *testing.T) {
	a, b := managerPair(t, KeyConfig{})

	for _, plaintext := range [][]byte{
		[]byte("hello"),
		{},
		make([]byte, 1200),
	} {
		got, err := b.Open(mustSeal(t, a,plaintext))
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEpochsStartAtOne(t *testing.T) {
	a, _ := managerPair(t, KeyConfig{})
	assert.Equal(t, uint32(1), a.CurrentEpoch())
	require.NoError(t, a.Rotate())
	assert.Equal(t, uint32(2), a.CurrentEpoch())
}

func TestDifferentTranscriptsDiverge(t *testing.T) {
	var secret [32]byte
	_, err := rand.Read(secret[:])
	require.NoError(t, err)

	a, err := NewManager(secret, []byte("transcript one"), KeyConfig{})
	require.NoError(t, err)
	b, err := NewManager(secret, []byte("transcript two"), KeyConfig{})
	require.NoError(t, err)

	_, err = b.Open(mustSeal(t, a,[]byte("x")))
	assert.ErrorIs(t, err, ErrFrameRejected)
}

func TestTamperedFrameRejected(t *testing.T) {
	a, b := managerPair(t, KeyConfig{})

	frame := mustSeal(t, a,[]byte("payload"))
	for _, idx := range []int{0, 3, 8, frameHeaderLen, len(frame) - 1} {
		tampered := append([]byte(nil), frame...)
		tampered[idx] ^= 0x01
		_, err := b.Open(tampered)
		assert.Error(t, err, "flipping byte %d accepted", idx)
	}

	// The untouched original still opens: rejections consumed no
	// replay state.
	got, err := b.Open(frame)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestReplayRejectedIdempotently(t *testing.T) {
	a, b := managerPair(t, KeyConfig{})

	frame := mustSeal(t, a,[]byte("once"))
	_, err := b.Open(frame)
	require.NoError(t, err)

	// N replays, N rejections, zero deliveries.
	for i := 0; i < 5; i++ {
		_, err := b.Open(frame)
		assert.ErrorIs(t, err, ErrFrameRejected)
	}
}

func TestOutOfOrderWithinWindowAccepted(t *testing.T) {
	a, b := managerPair(t, KeyConfig{})

	f1 := mustSeal(t, a,[]byte("one"))
	f2 := mustSeal(t, a,[]byte("two"))

	// Reordered delivery is fine; re-delivery is not.
	_, err := b.Open(f2)
	require.NoError(t, err)
	got, err := b.Open(f1)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)

	_, err = b.Open(f1)
	assert.ErrorIs(t, err, ErrFrameRejected)
}

func TestRotationOverlapWindow(t *testing.T) {
	a, b := managerPair(t, KeyConfig{OverlapWindow: time.Minute})

	oldFrame := mustSeal(t, a,[]byte("sealed before rotation"))

	require.NoError(t, a.Rotate())
	require.NoError(t, b.Rotate())

	// In-flight frame from the previous epoch still decrypts
	// within the overlap window.
	got, err := b.Open(oldFrame)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed before rotation"), got)

	// New traffic uses the new epoch.
	got, err = b.Open(mustSeal(t, a,[]byte("after")))
	require.NoError(t, err)
	assert.Equal(t, []byte("after"), got)
}

func TestOldEpochExpiresAfterOverlap(t *testing.T) {
	a, b := managerPair(t, KeyConfig{OverlapWindow: time.Minute})

	oldFrame := mustSeal(t, a,[]byte("too late"))

	require.NoError(t, a.Rotate())
	require.NoError(t, b.Rotate())

	// Slide b's clock past the overlap window.
	b.mu.Lock()
	rotated := b.rotatedAt
	b.now = func() time.Time { return rotated.Add(2 * time.Minute) }
	b.mu.Unlock()

	_, err := b.Open(oldFrame)
	assert.ErrorIs(t, err, ErrEpochExpired)
}

func TestReceiverCatchesUpOneEpoch(t *testing.T) {
	a, b := managerPair(t, KeyConfig{})

	// a's rotation timer fired first; b has never rotated.
	require.NoError(t, a.Rotate())
	frame := mustSeal(t, a,[]byte("from the future"))

	got, err := b.Open(frame)
	require.NoError(t, err)
	assert.Equal(t, []byte("from the future"), got)
	assert.Equal(t, uint32(2), b.CurrentEpoch())

	// Replaying the catch-up frame is still a replay.
	_, err = b.Open(frame)
	assert.ErrorIs(t, err, ErrFrameRejected)
}

func TestCatchUpRequiresAuthenticFrame(t *testing.T) {
	a, b := managerPair(t, KeyConfig{})
	require.NoError(t, a.Rotate())

	frame := mustSeal(t, a,[]byte("real"))
	forged := append([]byte(nil), frame...)
	forged[len(forged)-1] ^= 0x01

	// A forged next-epoch frame must not ratchet b forward.
	_, err := b.Open(forged)
	assert.ErrorIs(t, err, ErrFrameRejected)
	assert.Equal(t, uint32(1), b.CurrentEpoch())

	// b still interoperates with a on both epochs afterwards.
	got, err := b.Open(frame)
	require.NoError(t, err)
	assert.Equal(t, []byte("real"), got)
}

func TestEpochTwoAheadRejected(t *testing.T) {
	a, b := managerPair(t, KeyConfig{})

	require.NoError(t, a.Rotate())
	require.NoError(t, a.Rotate())

	_, err := b.Open(mustSeal(t, a,[]byte("way ahead")))
	assert.ErrorIs(t, err, ErrEpochExpired)
	assert.Equal(t, uint32(1), b.CurrentEpoch())
}

func TestSealAfterClose(t *testing.T) {
	a, _ := managerPair(t, KeyConfig{})
	a.Close()

	_, err := a.Seal([]byte("x"))
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.ErrorIs(t, a.Rotate(), ErrManagerClosed)
	assert.Zero(t, a.CurrentEpoch())
}

func TestReplayWindow(t *testing.T) {
	var w replayWindow

	assert.True(t, w.observe(1))
	assert.True(t, w.observe(2))
	assert.False(t, w.observe(2), "duplicate accepted")
	assert.True(t, w.observe(10))
	assert.True(t, w.observe(5), "in-window past counter rejected")
	assert.False(t, w.observe(5))

	// Jump far ahead; everything behind the window is dead.
	assert.True(t, w.observe(10+windowSize))
	assert.False(t, w.observe(10), "counter outside window accepted")
}
