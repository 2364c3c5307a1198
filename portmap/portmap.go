// Package portmap requests port mappings from the local gateway, via
// UPnP IGD or NAT-PMP. Mappings are leased and renewed in the
// background until released.
//
// Everything here is best effort: gateways lie, drop leases, or are
// absent entirely. Callers treat a failed Map as a hint to rely on
// hole punching or relays instead.
package portmap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/agoravoice/agora/types"
)

const (
	DefaultLeaseDuration    = time.Hour
	DefaultDiscoveryTimeout = 3 * time.Second

	// renew at half lease so one lost renewal doesn't drop the
	// mapping.
	renewFraction = 2
)

var (
	ErrNoGateway     = errors.New("portmap: no mapping-capable gateway found")
	ErrMappingClosed = errors.New("portmap: mapping released")
)

// Config for a Client. Zero values take defaults.
type Config struct {
	// Description labels the mapping in the gateway's table.
	Description string

	LeaseDuration    time.Duration
	DiscoveryTimeout time.Duration

	// Gateway overrides gateway discovery for NAT-PMP. Leave
	// unset to guess from the default route's interface.
	Gateway netip.Addr
}

func (c *Config) setDefaults() {
	if c.Description == "" {
		c.Description = "agora-vc"
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
}

// backend is one mapping protocol speaking to one gateway.
type backend interface {
	name() string
	addMapping(ctx context.Context, internalPort, externalPort uint16, desc string, lease time.Duration) (netip.AddrPort, time.Duration, error)
	// deleteMapping gets both ports: UPnP removes by external port,
	// NAT-PMP by internal.
	deleteMapping(ctx context.Context, internalPort, externalPort uint16) error
}

// Client discovers gateways and creates mappings on them.
type Client struct {
	cfg Config

	// discover lists candidate backends; swapped out in tests.
	discover func(ctx context.Context, cfg Config) []backend
}

func NewClient(cfg Config) *Client {
	cfg.setDefaults()
	return &Client{
		cfg:      cfg,
		discover: discoverBackends,
	}
}

// Map requests a mapping of internalPort on whichever gateway
// responds first, preferring UPnP. The returned Mapping renews itself
// until Close is called.
func (c *Client) Map(ctx context.Context, internalPort uint16) (*Mapping, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DiscoveryTimeout)
	defer cancel()

	backends := c.discover(dctx, c.cfg)
	if len(backends) == 0 {
		return nil, ErrNoGateway
	}

	var lastErr error
	for _, b := range backends {
		ext, lease, err := b.addMapping(ctx, internalPort, internalPort, c.cfg.Description, c.cfg.LeaseDuration)
		if err != nil {
			slog.Debug("portmap: backend mapping failed", "backend", b.name(), "err", err)
			lastErr = err
			continue
		}

		m := &Mapping{
			external:     ext,
			internalPort: internalPort,
			lease:        lease,
			desc:         c.cfg.Description,
			backend:      b,
			done:         make(chan struct{}),
		}
		go m.renewLoop()

		slog.Info("portmap: mapping established",
			"backend", b.name(), "internal", internalPort, "external", ext, "lease", lease)
		return m, nil
	}

	return nil, fmt.Errorf("portmap: all backends failed: %w", lastErr)
}

// Mapping is one active lease on a gateway.
type Mapping struct {
	internalPort uint16
	lease        time.Duration
	desc         string
	backend      backend
	done         chan struct{}

	mu       sync.Mutex
	external netip.AddrPort
	closed   bool
}

// External returns the mapped public addr-port as of the last
// successful (re)mapping.
func (m *Mapping) External() netip.AddrPort {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.external
}

// Close releases the mapping on the gateway and stops renewal.
func (m *Mapping) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMappingClosed
	}
	m.closed = true
	ext := m.external
	m.mu.Unlock()

	close(m.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.backend.deleteMapping(ctx, m.internalPort, ext.Port())
}

func (m *Mapping) renewLoop() {
	interval := m.lease / renewFraction
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.renew()
		}
	}
}

func (m *Mapping) renew() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	extPort := m.external.Port()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ext, _, err := m.backend.addMapping(ctx, m.internalPort, extPort, m.desc, m.lease)
	if err != nil {
		slog.Warn("portmap: lease renewal failed", "backend", m.backend.name(), "err", err)
		return
	}

	m.mu.Lock()
	if !m.closed && ext != m.external {
		slog.Info("portmap: external address changed on renewal", "old", m.external, "new", ext)
		m.external = types.NormaliseAddrPort(ext)
	}
	m.mu.Unlock()
}

// discoverBackends probes for UPnP IGDs and a NAT-PMP gateway,
// ordered by preference.
func discoverBackends(ctx context.Context, cfg Config) []backend {
	var out []backend

	out = append(out, discoverUpnp(ctx)...)

	if b := discoverNatPmp(cfg.Gateway); b != nil {
		out = append(out, b)
	}

	return out
}
