package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agoravoice/agora/types/key"
)

// DefaultRejectionLimit is how many consecutive rejected frames close
// the channel as a likely attack or corruption signal.
const DefaultRejectionLimit = 32

var ErrChannelClosed = errors.New("session: channel closed")

// Conn is the datagram path under the channel. *ice.Path satisfies
// it.
type Conn interface {
	Send(b []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Stats are cumulative per-channel counters, exported for the
// telemetry consumer. Occasional rejections are normal on lossy
// paths; media must tolerate them.
type Stats struct {
	FramesSent     atomic.Uint64
	FramesReceived atomic.Uint64
	FramesRejected atomic.Uint64
	EpochsExpired  atomic.Uint64
}

// ChannelConfig holds channel policy on top of the key schedule.
type ChannelConfig struct {
	Keys KeyConfig

	// RejectionLimit closes the channel after this many
	// consecutive rejected frames. Zero means
	// DefaultRejectionLimit.
	RejectionLimit int
}

// Channel is the encrypted data path handed up to the audio layer.
// Send and Receive are safe to call concurrently with each other and
// with background rotation.
type Channel struct {
	conn Conn
	keys *Manager
	peer key.NodePublic

	rejectionLimit int
	consecRejects  atomic.Uint64

	stats Stats

	closeOnce sync.Once
	closed    chan struct{}

	rotateStop chan struct{}
}

// NewChannel wraps conn with encryption keyed by the handshake
// output and starts background rotation. The channel owns conn.
func NewChannel(conn Conn, keys *Manager, peer key.NodePublic, cfg ChannelConfig) *Channel {
	if cfg.RejectionLimit <= 0 {
		cfg.RejectionLimit = DefaultRejectionLimit
	}

	c := &Channel{
		conn:           conn,
		keys:           keys,
		peer:           peer,
		rejectionLimit: cfg.RejectionLimit,
		closed:         make(chan struct{}),
		rotateStop:     make(chan struct{}),
	}
	go c.rotateLoop(keys.cfg.RotationInterval)
	return c
}

// PeerFingerprint is the verified remote identity's short digest, for
// display or out-of-band comparison.
func (c *Channel) PeerFingerprint() string {
	return c.peer.Fingerprint()
}

// Peer is the verified remote identity.
func (c *Channel) Peer() key.NodePublic {
	return c.peer
}

// Stats exposes the channel's counters.
func (c *Channel) Stats() *Stats {
	return &c.stats
}

// Send encrypts and transmits one frame.
func (c *Channel) Send(plaintext []byte) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	frame, err := c.keys.Seal(plaintext)
	if err != nil {
		// Close wiped the keys between the check and the seal.
		return ErrChannelClosed
	}
	if err := c.conn.Send(frame); err != nil {
		return err
	}
	c.stats.FramesSent.Add(1)
	return nil
}

// Receive blocks for the next frame that authenticates and is not a
// replay. Rejected frames are counted and skipped, not surfaced;
// crossing the rejection limit closes the channel.
func (c *Channel) Receive(ctx context.Context) ([]byte, error) {
	for {
		if c.isClosed() {
			return nil, ErrChannelClosed
		}

		pkt, err := c.conn.Recv(ctx)
		if err != nil {
			return nil, err
		}
		if !IsFrame(pkt) {
			// Handshake stragglers or foreign traffic.
			continue
		}

		plaintext, err := c.keys.Open(pkt)
		if err != nil {
			c.noteRejection(err)
			if c.consecRejects.Load() >= uint64(c.rejectionLimit) {
				slog.Warn("session: closing channel after repeated frame rejections",
					"peer", c.PeerFingerprint(), "rejected", c.stats.FramesRejected.Load())
				_ = c.Close()
				return nil, ErrChannelClosed
			}
			continue
		}

		c.consecRejects.Store(0)
		c.stats.FramesReceived.Add(1)
		return plaintext, nil
	}
}

func (c *Channel) noteRejection(err error) {
	c.consecRejects.Add(1)
	c.stats.FramesRejected.Add(1)
	if errors.Is(err, ErrEpochExpired) {
		c.stats.EpochsExpired.Add(1)
	}
	slog.Debug("session: frame rejected", "peer", c.PeerFingerprint(), "err", err)
}

func (c *Channel) rotateLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.rotateStop:
			return
		case <-ticker.C:
			if err := c.keys.Rotate(); err != nil {
				slog.Error("session: key rotation failed", "err", err)
				_ = c.Close()
				return
			}
			slog.Debug("session: rotated to new key epoch",
				"peer", c.PeerFingerprint(), "epoch", c.keys.CurrentEpoch())
		}
	}
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close wipes key material and releases the underlying path.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		close(c.rotateStop)
		c.keys.Close()
		err = c.conn.Close()
	})
	return err
}
