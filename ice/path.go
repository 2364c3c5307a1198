package ice

import (
	"context"
	"net/netip"
	"time"
)

// Path is the single live route produced by a successful attempt.
// The handshake and the secure channel run their bytes over it; check
// traffic keeps being answered underneath so the peer's agent can
// conclude too.
type Path struct {
	agent *Agent
	pair  *Pair

	// UsedRelay reports whether traffic flows through a TURN
	// allocation.
	UsedRelay bool

	// RTT measured by the winning connectivity check.
	RTT time.Duration
}

func newPath(a *Agent, winner *Pair) *Path {
	return &Path{
		agent:     a,
		pair:      winner,
		UsedRelay: winner.relayed(),
		RTT:       winner.rtt,
	}
}

// RemoteAddr is the peer's address on the winning pair.
func (p *Path) RemoteAddr() netip.AddrPort {
	return p.pair.Remote.AddrPort
}

// LocalCandidate and RemoteCandidate describe the winning pair for
// telemetry.
func (p *Path) LocalKind() string  { return p.pair.Local.Kind.String() }
func (p *Path) RemoteKind() string { return p.pair.Remote.Kind.String() }

// Send writes one datagram to the peer over the selected route.
func (p *Path) Send(b []byte) error {
	return p.agent.sendTo(p.pair.Local, p.pair.Remote.AddrPort, b)
}

// Recv blocks for the next application datagram from the peer.
func (p *Path) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case pkt, ok := <-p.agent.appRx:
		if !ok {
			return nil, ErrAgentClosed
		}
		return pkt.b, nil
	}
}

// Close tears down the route, the socket, and any relay allocation
// behind it.
func (p *Path) Close() error {
	return p.agent.Close()
}
