// Package netcheck learns this node's public reflexive address and
// classifies the local NAT by probing STUN servers.
//
// Probes from one local socket to two distinct servers reveal whether
// the NAT's mapping depends on the destination: same mapped address
// from both means a cone family mapping, different means symmetric.
// A mapped address the machine itself owns means no NAT at all.
package netcheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"go4.org/netipx"

	"github.com/agoravoice/agora/types"
	"github.com/agoravoice/agora/types/stun"
)

// NatType is a coarse classification of the local NAT's behavior.
type NatType int

const (
	NatUnknown NatType = iota
	NatOpenInternet
	NatFullCone
	NatRestrictedCone
	NatPortRestricted
	NatSymmetric
)

func (t NatType) String() string {
	switch t {
	case NatOpenInternet:
		return "open-internet"
	case NatFullCone:
		return "full-cone"
	case NatRestrictedCone:
		return "restricted-cone"
	case NatPortRestricted:
		return "port-restricted"
	case NatSymmetric:
		return "symmetric"
	default:
		return "unknown"
	}
}

// Assessment is the cached verdict about the local NAT.
type Assessment struct {
	Type NatType

	// CanHolePunch reports whether direct or reflexive candidate
	// pairs have a realistic chance; false steers the agent
	// towards relay candidates early.
	CanHolePunch bool
}

// Report is the outcome of one probe round.
type Report struct {
	// PublicAddr is our reflexive addr-port as seen by the first
	// reachable server.
	PublicAddr netip.AddrPort

	// LocalAddr is the socket's local addr-port during the probe.
	LocalAddr netip.AddrPort

	Assessment Assessment
}

// Config for a Client. Servers must name at least one STUN server
// (host:port); two or more enable symmetric-NAT detection.
type Config struct {
	Servers []string

	// Timeout bounds each individual server probe.
	// Zero means DefaultProbeTimeout.
	Timeout time.Duration
}

const (
	DefaultProbeTimeout = 3 * time.Second

	probeAttempts = 3
)

var ErrNoServers = errors.New("netcheck: no STUN servers configured")

// Client probes STUN servers and caches the resulting assessment for
// the current network attachment. Safe for concurrent use.
type Client struct {
	cfg Config

	mu sync.Mutex
	// cached report, valid while ifaceSig matches the current
	// interface signature.
	report   *Report
	ifaceSig string
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeTimeout
	}
	return &Client{cfg: cfg}
}

// Probe runs a fresh probe round, bypassing the cache, and stores the
// result. Total timeout never classifies as an error: the report then
// carries NatUnknown and downstream falls back to relay.
func (c *Client) Probe(ctx context.Context) (*Report, error) {
	if len(c.cfg.Servers) == 0 {
		return nil, ErrNoServers
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("netcheck: binding probe socket: %w", err)
	}
	defer conn.Close()

	report := c.probeConn(ctx, conn)

	c.mu.Lock()
	c.report = report
	c.ifaceSig = localAddrSignature()
	c.mu.Unlock()

	return report, nil
}

// Assessment returns the cached assessment if the local network
// attachment is unchanged, probing anew otherwise.
func (c *Client) Assessment(ctx context.Context) (Assessment, error) {
	c.mu.Lock()
	cached := c.report
	sig := c.ifaceSig
	c.mu.Unlock()

	if cached != nil && sig == localAddrSignature() {
		return cached.Assessment, nil
	}

	report, err := c.Probe(ctx)
	if err != nil {
		return Assessment{Type: NatUnknown}, err
	}
	return report.Assessment, nil
}

// Invalidate drops the cached report, forcing the next Assessment
// call to re-probe.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.report = nil
	c.ifaceSig = ""
	c.mu.Unlock()
}

func (c *Client) probeConn(ctx context.Context, conn *net.UDPConn) *Report {
	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()

	report := &Report{
		LocalAddr:  types.NormaliseAddrPort(local),
		Assessment: Assessment{Type: NatUnknown},
	}

	var mapped []netip.AddrPort
	for _, server := range c.cfg.Servers {
		if len(mapped) >= 2 {
			break
		}
		addr, err := probeServer(ctx, conn, server, c.cfg.Timeout)
		if err != nil {
			// Unreachable or malformed: try the next one.
			slog.Debug("netcheck: server probe failed", "server", server, "err", err)
			continue
		}
		mapped = append(mapped, addr)
	}

	if len(mapped) == 0 {
		return report
	}

	report.PublicAddr = mapped[0]
	report.Assessment = classify(report.LocalAddr, interfaceAddrs(), mapped)
	return report
}

// classify derives the NAT assessment from the local address, the
// machine's interface addresses and the mapped addresses reported by
// one or two servers. The probe socket is wildcard bound, so its
// LocalAddr carries no usable address; a mapping the machine itself
// owns is what reveals the absence of a NAT.
func classify(local netip.AddrPort, locals []netip.Addr, mapped []netip.AddrPort) Assessment {
	first := mapped[0]

	if first == local || localOwns(locals, first.Addr()) {
		return Assessment{Type: NatOpenInternet, CanHolePunch: true}
	}

	if len(mapped) < 2 {
		// One reachable server can't separate cone from
		// symmetric; assume the common case but flag it
		// hole-punchable, the connectivity checks will tell.
		return Assessment{Type: NatUnknown, CanHolePunch: true}
	}

	if mapped[0] != mapped[1] {
		return Assessment{Type: NatSymmetric, CanHolePunch: false}
	}

	// Mapping is endpoint independent. Distinguishing full cone
	// from the restricted variants needs CHANGE-REQUEST support we
	// don't ask of servers; restricted-cone is the conservative
	// verdict and punches fine either way.
	return Assessment{Type: NatRestrictedCone, CanHolePunch: true}
}

// probeServer sends binding requests to one server until a matching
// response arrives or attempts run out.
func probeServer(ctx context.Context, conn *net.UDPConn, server string, timeout time.Duration) (netip.AddrPort, error) {
	ua, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolving %q: %w", server, err)
	}

	attemptTimeout := timeout / probeAttempts
	if attemptTimeout <= 0 {
		attemptTimeout = time.Second
	}

	var lastErr error
	for i := 0; i < probeAttempts; i++ {
		if types.IsContextDone(ctx) {
			return netip.AddrPort{}, ctx.Err()
		}

		tid := stun.NewTxID()
		if _, err := conn.WriteToUDP(stun.Request(tid), ua); err != nil {
			lastErr = err
			continue
		}

		addr, err := readResponse(conn, tid, attemptTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		return addr, nil
	}

	return netip.AddrPort{}, fmt.Errorf("no response from %q: %w", server, lastErr)
}

func readResponse(conn *net.UDPConn, tid stun.TxID, timeout time.Duration) (netip.AddrPort, error) {
	var buf [1024]byte

	deadline := time.Now().Add(timeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return netip.AddrPort{}, err
	}

	for {
		n, _, err := conn.ReadFromUDPAddrPort(buf[:])
		if err != nil {
			return netip.AddrPort{}, err
		}

		gotTid, addr, err := stun.ParseResponse(buf[:n])
		if err != nil {
			// Malformed counts as unreachable; keep reading
			// until the deadline in case the real response
			// is still in flight.
			continue
		}
		if gotTid != tid {
			continue
		}
		return types.NormaliseAddrPort(addr), nil
	}
}

func localOwns(locals []netip.Addr, a netip.Addr) bool {
	a = a.Unmap()
	for _, l := range locals {
		if l == a {
			return true
		}
	}
	return false
}

// interfaceAddrs lists the machine's unicast addresses, normalised for
// comparing against STUN mapped addresses.
func interfaceAddrs() []netip.Addr {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}

	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		prefix, ok := netipx.FromStdIPNet(ipn)
		if !ok {
			continue
		}
		out = append(out, prefix.Addr().Unmap())
	}
	return out
}

// localAddrSignature fingerprints the current set of local unicast
// addresses; a change means the cached assessment is stale.
func localAddrSignature() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}

	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, a.String())
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
