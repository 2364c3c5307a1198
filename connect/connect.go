// Package connect drives one full connection attempt end to end:
// candidate gathering, the signaled exchange, connectivity checks,
// the authenticating handshake, and finally a secure channel the
// audio layer can write frames into.
package connect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/agoravoice/agora/handshake"
	"github.com/agoravoice/agora/ice"
	"github.com/agoravoice/agora/netcheck"
	"github.com/agoravoice/agora/portmap"
	"github.com/agoravoice/agora/session"
	"github.com/agoravoice/agora/turn"
	"github.com/agoravoice/agora/types/key"
	"github.com/agoravoice/agora/types/msgconn"
)

const (
	// portMapTimeout bounds gateway discovery so a dead router
	// can't slow the attempt down.
	portMapTimeout = 3 * time.Second

	// mappedLocalPref slots a router mapping between host and
	// reflexive candidates; the mapping is usually more stable
	// than a NAT binding learned over STUN.
	mappedLocalPref = 32768
)

var (
	// ErrTransportUnreachable means no candidate pair succeeded.
	// Recoverable: retry with RelayOnly set for a different mix.
	ErrTransportUnreachable = errors.New("connect: transport unreachable")

	// ErrHandshakeTimeout means a path existed but the peer never
	// finished proving itself. Recoverable by retrying.
	ErrHandshakeTimeout = errors.New("connect: handshake timed out")

	// ErrAuthenticationFailed is fatal for the attempt. There is
	// deliberately no fallback to an unauthenticated channel.
	ErrAuthenticationFailed = handshake.ErrAuthenticationFailed
)

// Quality grades a fresh connection by its check round-trip time, for
// consumption by trust scoring. Thresholds sit at the points where
// interactive audio degrades noticeably.
type Quality int

const (
	QualityUnknown Quality = iota
	QualityExcellent
	QualityGood
	QualityFair
	QualityPoor
)

func (q Quality) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityFair:
		return "fair"
	case QualityPoor:
		return "poor"
	default:
		return "unknown"
	}
}

func gradeRTT(rtt time.Duration) Quality {
	switch {
	case rtt <= 0:
		return QualityUnknown
	case rtt < 50*time.Millisecond:
		return QualityExcellent
	case rtt < 150*time.Millisecond:
		return QualityGood
	case rtt < 300*time.Millisecond:
		return QualityFair
	default:
		return QualityPoor
	}
}

// Report is the outcome record of one attempt, successful or not.
// Always returned, even alongside an error, so the trust layer sees
// failures too.
type Report struct {
	Peer        key.NodePublic
	Established bool
	UsedRelay   bool
	RTT         time.Duration
	Quality     Quality
	Nat         netcheck.NatType
	LocalKind   string
	RemoteKind  string
	Elapsed     time.Duration
}

// Config for a Connector. Identity and the server lists are process
// configuration, read-only after startup.
type Config struct {
	// Identity is the long-term node key, shared by every attempt
	// this process makes.
	Identity key.NodePrivate

	StunServers []string
	TurnServers []turn.Config

	// PortMapEnabled turns on best-effort UPnP/NAT-PMP mapping of
	// the attempt port. Failures never block the attempt.
	PortMapEnabled bool

	// RelayOnly forces every attempt through TURN. Set it on a
	// retry after ErrTransportUnreachable.
	RelayOnly bool

	// MaxInFlight and Deadline pass through to the checks; zero
	// takes the ice defaults.
	MaxInFlight int
	Deadline    time.Duration

	// HandshakeDeadline bounds the exchange after a path exists.
	// Zero takes the handshake default.
	HandshakeDeadline time.Duration

	// Channel configures key rotation and frame policy on the
	// resulting secure channel.
	Channel session.ChannelConfig
}

// Connector dials peers. One per process; attempts share nothing but
// the identity and configuration.
type Connector struct {
	cfg Config
	sig Signaling
	nat *netcheck.Client
	pm  *portmap.Client
}

func New(cfg Config, sig Signaling) (*Connector, error) {
	if cfg.Identity.IsZero() {
		return nil, errors.New("connect: identity not set")
	}
	if sig == nil {
		return nil, errors.New("connect: signaling not set")
	}

	c := &Connector{cfg: cfg, sig: sig}
	if len(cfg.StunServers) >= 2 {
		c.nat = netcheck.NewClient(netcheck.Config{Servers: cfg.StunServers})
	}
	if cfg.PortMapEnabled {
		c.pm = portmap.NewClient(portmap.Config{DiscoveryTimeout: portMapTimeout})
	}
	return c, nil
}

// Connect establishes a mutually authenticated encrypted channel to
// peer. hint carries the candidates discovery already knows for the
// peer; it may be nil, fresh ones are exchanged over signaling either
// way. Both sides call Connect for the same pair; the roles sort
// themselves out.
//
// The Report is returned for every outcome. Cancel ctx to abandon the
// attempt; the relay allocation and pending checks are released.
func (c *Connector) Connect(ctx context.Context, peer key.NodePublic, hint []msgconn.Candidate) (*session.Channel, *Report, error) {
	start := time.Now()
	report := &Report{Peer: peer}
	fail := func(err error) (*session.Channel, *Report, error) {
		report.Elapsed = time.Since(start)
		return nil, report, err
	}

	if c.nat != nil {
		// Cached between attempts, refreshed when interfaces
		// change. Purely informational for the report.
		if ass, err := c.nat.Assessment(ctx); err == nil {
			report.Nat = ass.Type
		}
	}

	sess := key.NewSession()

	agent, err := ice.NewAgent(ice.Config{
		NodeKey:     c.cfg.Identity.Public(),
		RemoteNode:  peer,
		Session:     sess,
		StunServers: c.cfg.StunServers,
		TurnServers: c.cfg.TurnServers,
		MaxInFlight: c.cfg.MaxInFlight,
		Deadline:    c.cfg.Deadline,
		RelayOnly:   c.cfg.RelayOnly,
	})
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrTransportUnreachable, err))
	}

	// The gateway conversation runs alongside gathering and never
	// gates the attempt. A mapping that lands late still joins the
	// checks via AddLocalCandidate; one that lands after teardown is
	// released by the holder.
	holder := &mappingHolder{}
	if c.pm != nil && !c.cfg.RelayOnly {
		go func() {
			m := c.tryMapPort(ctx, agent)
			if m == nil {
				return
			}
			agent.AddLocalCandidate(ice.NewCandidate(msgconn.KindServerReflexive, m.External(), mappedLocalPref))
			holder.put(m)
		}()
	}

	cands, err := agent.Gather(ctx)
	if err != nil {
		agent.Close()
		return fail(fmt.Errorf("%w: %w", ErrTransportUnreachable, err))
	}

	if ext, ok := holder.external(); ok {
		cands = append(cands, ice.NewCandidate(msgconn.KindServerReflexive, ext, mappedLocalPref))
	}
	closeMapping := func() {
		_ = holder.Close()
	}

	remoteSess, remote, err := c.exchangeOffers(ctx, peer, sess.Public(), cands)
	if err != nil {
		agent.Close()
		closeMapping()
		return fail(fmt.Errorf("%w: offer exchange: %w", ErrTransportUnreachable, err))
	}
	remote = mergeCandidates(remote, hint)

	path, err := agent.Run(ctx, remoteSess, remote)
	if err != nil {
		agent.Close()
		closeMapping()
		if errors.Is(err, ice.ErrChecksFailed) || errors.Is(err, ice.ErrDeadline) {
			err = fmt.Errorf("%w: %w", ErrTransportUnreachable, err)
		}
		return fail(err)
	}

	report.UsedRelay = path.UsedRelay
	report.RTT = path.RTT
	report.Quality = gradeRTT(path.RTT)
	report.LocalKind = path.LocalKind()
	report.RemoteKind = path.RemoteKind()

	res, err := c.runHandshake(ctx, agent, path, peer)
	if err != nil {
		path.Close()
		closeMapping()
		if errors.Is(err, handshake.ErrTimeout) {
			err = fmt.Errorf("%w: %w", ErrHandshakeTimeout, err)
		}
		return fail(err)
	}

	keys, err := session.NewManager(res.Secret, res.Transcript, c.cfg.Channel.Keys)
	if err != nil {
		path.Close()
		closeMapping()
		return fail(err)
	}

	ch := session.NewChannel(&pathConn{Path: path, mapping: holder}, keys, res.Peer, c.cfg.Channel)
	report.Established = true
	report.Elapsed = time.Since(start)

	slog.Info("connect: channel established",
		"peer", res.PeerFingerprint(),
		"relay", report.UsedRelay,
		"rtt", report.RTT,
		"quality", report.Quality.String(),
		"elapsed", report.Elapsed)

	return ch, report, nil
}

// tryMapPort asks the local gateway for a mapping of the attempt
// port. Strictly best effort.
func (c *Connector) tryMapPort(ctx context.Context, agent *ice.Agent) *portmap.Mapping {
	mctx, cancel := context.WithTimeout(ctx, portMapTimeout)
	defer cancel()

	m, err := c.pm.Map(mctx, agent.LocalPort())
	if err != nil {
		slog.Debug("connect: port mapping unavailable", "err", err)
		return nil
	}
	slog.Debug("connect: port mapped", "external", m.External())
	return m
}

// exchangeOffers sends ours and waits for the peer's, skipping
// signaling traffic from anyone else.
func (c *Connector) exchangeOffers(ctx context.Context, peer key.NodePublic, sess key.SessionPublic, cands []msgconn.Candidate) (key.SessionPublic, []msgconn.Candidate, error) {
	if err := c.sig.Send(ctx, peer, marshalOffer(sess, cands)); err != nil {
		return key.SessionPublic{}, nil, err
	}

	for {
		from, payload, err := c.sig.Recv(ctx)
		if err != nil {
			return key.SessionPublic{}, nil, err
		}
		if from != peer {
			slog.Debug("connect: ignoring signaling from unrelated peer", "from", from.Debug())
			continue
		}
		return parseOffer(payload)
	}
}

// runHandshake runs the role the check tie-break already assigned:
// the controlling agent initiates.
func (c *Connector) runHandshake(ctx context.Context, agent *ice.Agent, path *ice.Path, peer key.NodePublic) (*handshake.Result, error) {
	hcfg := handshake.Config{
		Identity: c.cfg.Identity,
		Expected: peer,
		Deadline: c.cfg.HandshakeDeadline,
	}
	if agent.Controlling() {
		return handshake.Initiate(ctx, path, hcfg)
	}
	return handshake.Respond(ctx, path, hcfg)
}

func mergeCandidates(fresh, hint []msgconn.Candidate) []msgconn.Candidate {
	if len(hint) == 0 {
		return fresh
	}
	seen := make(map[string]bool, len(fresh))
	for _, c := range fresh {
		seen[c.AddrPort.String()] = true
	}
	out := fresh
	for _, c := range hint {
		if !seen[c.AddrPort.String()] {
			seen[c.AddrPort.String()] = true
			out = append(out, c)
		}
	}
	return out
}

// mappingHolder owns a router port mapping that may arrive after the
// attempt already finished, in either direction: a mapping put after
// Close is released immediately instead of leaking on the gateway.
type mappingHolder struct {
	mu       sync.Mutex
	mapping  *portmap.Mapping
	released bool
}

func (h *mappingHolder) put(m *portmap.Mapping) {
	h.mu.Lock()
	released := h.released
	if !released {
		h.mapping = m
	}
	h.mu.Unlock()
	if released {
		_ = m.Close()
	}
}

func (h *mappingHolder) external() (netip.AddrPort, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mapping == nil {
		return netip.AddrPort{}, false
	}
	return h.mapping.External(), true
}

func (h *mappingHolder) Close() error {
	h.mu.Lock()
	m := h.mapping
	h.mapping = nil
	h.released = true
	h.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.Close()
}

// pathConn ties the lifetime of a router port mapping to the channel
// running over it.
type pathConn struct {
	*ice.Path
	mapping *mappingHolder
}

func (p *pathConn) Close() error {
	_ = p.mapping.Close()
	return p.Path.Close()
}
