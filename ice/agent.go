package ice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agoravoice/agora/turn"
	"github.com/agoravoice/agora/types"
	"github.com/agoravoice/agora/types/key"
	"github.com/agoravoice/agora/types/msgconn"
	"github.com/agoravoice/agora/types/stun"
)

var (
	// ErrChecksFailed means every candidate pair was tried and none
	// answered. The caller may retry with RelayOnly set.
	ErrChecksFailed = errors.New("ice: all connectivity checks failed")

	ErrDeadline = errors.New("ice: attempt deadline exceeded")

	ErrAgentClosed = errors.New("ice: agent closed")
)

// Config for one connection attempt. Identity and session keys come
// from the caller; the agent never generates key material.
type Config struct {
	// NodeKey is our long-term identity, carried in checks.
	NodeKey key.NodePublic
	// RemoteNode is the peer we refuse to talk past.
	RemoteNode key.NodePublic

	// Session seals outgoing checks. The remote's session key is
	// not known until the candidate exchange and arrives via Run.
	Session key.SessionPrivate

	StunServers []string
	TurnServers []turn.Config

	// MaxInFlight bounds concurrent in-progress checks. Zero
	// means DefaultMaxInFlight.
	MaxInFlight int
	// Deadline bounds the whole attempt. Zero means
	// DefaultDeadline.
	Deadline time.Duration

	// RelayOnly skips host and reflexive candidates entirely,
	// for retries after a failed mixed attempt.
	RelayOnly bool

	// BindAddr pins the local socket. Zero means any.
	BindAddr netip.AddrPort
}

// Agent runs one attempt: gather, exchange (caller's job), check,
// promote. It owns the local UDP socket for the attempt's lifetime
// and hands it to the winning Path.
type Agent struct {
	cfg  Config
	sess key.SessionPublic

	conn *net.UDPConn
	turn *turn.Client

	mu       sync.Mutex
	shared   key.SessionShared
	cl       *checklist
	winner   *Pair
	winnerCh chan struct{}
	closed   bool

	// stunWaiters routes reflexive-address responses read off the
	// main socket back to the gatherer.
	stunWaiters map[stun.TxID]chan netip.AddrPort

	// appRx receives non-check traffic from the selected remote,
	// once there is one.
	appRx chan appPacket

	local []msgconn.Candidate
}

type appPacket struct {
	src netip.AddrPort
	b   []byte
}

// NewAgent binds the attempt socket. The agent is controlling when
// its node key sorts higher than the remote's; both sides derive the
// same answer.
func NewAgent(cfg Config) (*Agent, error) {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}

	var laddr *net.UDPAddr
	if cfg.BindAddr.IsValid() {
		laddr = net.UDPAddrFromAddrPort(cfg.BindAddr)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("ice: binding socket: %w", err)
	}

	a := &Agent{
		cfg:         cfg,
		sess:        cfg.Session.Public(),
		conn:        conn,
		winnerCh:    make(chan struct{}),
		stunWaiters: make(map[stun.TxID]chan netip.AddrPort),
		appRx:       make(chan appPacket, 64),
	}
	go a.readLoop()
	return a, nil
}

// Controlling reports which side drives tie-breaks. The handshake
// initiator role follows it so both peers agree without negotiating.
func (a *Agent) Controlling() bool {
	return bytes.Compare(a.cfg.NodeKey[:], a.cfg.RemoteNode[:]) > 0
}

// LocalPort is the attempt socket's bound port.
func (a *Agent) LocalPort() uint16 {
	return a.conn.LocalAddr().(*net.UDPAddr).AddrPort().Port()
}

// Gather collects local candidates: host addresses, the reflexive
// address seen by STUN servers, and a TURN allocation when servers
// are configured. Tiers run in parallel; any tier failing just
// shrinks the set.
func (a *Agent) Gather(ctx context.Context) ([]msgconn.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, gatherTimeout)
	defer cancel()

	var (
		mu    sync.Mutex
		cands []msgconn.Candidate
	)
	add := func(c ...msgconn.Candidate) {
		mu.Lock()
		cands = append(cands, c...)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)

	if !a.cfg.RelayOnly {
		g.Go(func() error {
			hosts, err := hostCandidates(a.LocalPort())
			if err != nil {
				slog.Debug("ice: host gathering failed", "err", err)
				return nil
			}
			add(hosts...)
			return nil
		})

		g.Go(func() error {
			for _, server := range a.cfg.StunServers {
				ap, err := a.reflexiveAddr(gctx, server)
				if err != nil {
					slog.Debug("ice: reflexive probe failed", "server", server, "err", err)
					continue
				}
				add(NewCandidate(msgconn.KindServerReflexive, ap, 0))
				return nil
			}
			return nil
		})
	}

	for _, tc := range a.cfg.TurnServers {
		tc := tc
		g.Go(func() error {
			client, err := turn.Dial(tc)
			if err != nil {
				slog.Debug("ice: turn dial failed", "server", tc.Server, "err", err)
				return nil
			}
			relayed, err := client.Allocate(gctx)
			if err != nil {
				slog.Debug("ice: turn allocate failed", "server", tc.Server, "err", err)
				return nil
			}

			a.mu.Lock()
			if a.turn != nil {
				// One relay is plenty.
				a.mu.Unlock()
				rctx, rcancel := context.WithTimeout(context.Background(), time.Second)
				defer rcancel()
				_ = client.Release(rctx)
				return nil
			}
			a.turn = client
			a.mu.Unlock()

			go a.turnReadLoop(client)
			add(NewCandidate(msgconn.KindRelayed, relayed, 0))
			return nil
		})
	}

	_ = g.Wait()

	if len(cands) == 0 {
		return nil, fmt.Errorf("ice: gathered no candidates")
	}

	a.mu.Lock()
	a.local = cands
	a.mu.Unlock()

	slog.Debug("ice: gathered candidates", "count", len(cands))
	return cands, nil
}

// AddLocalCandidate advertises an extra address for the attempt,
// such as a router port mapping obtained outside gathering. Traffic
// for it routes over the attempt socket.
func (a *Agent) AddLocalCandidate(c msgconn.Candidate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.local = append(a.local, c)
}

// reflexiveAddr asks one STUN server what our source address looks
// like, through the attempt socket so the mapping matches the port we
// advertise.
func (a *Agent) reflexiveAddr(ctx context.Context, server string) (netip.AddrPort, error) {
	ua, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return netip.AddrPort{}, err
	}

	tid := stun.NewTxID()
	ch := make(chan netip.AddrPort, 1)

	a.mu.Lock()
	a.stunWaiters[tid] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.stunWaiters, tid)
		a.mu.Unlock()
	}()

	if _, err := a.conn.WriteToUDPAddrPort(stun.Request(tid), ua.AddrPort()); err != nil {
		return netip.AddrPort{}, err
	}

	select {
	case <-ctx.Done():
		return netip.AddrPort{}, ctx.Err()
	case ap := <-ch:
		return ap, nil
	}
}

// Run pairs local candidates with the peer's advertised set and
// checks pairs in priority order until one answers or everything is
// exhausted. Exactly one pair is ever promoted per attempt.
// remoteSess is the peer's session key from the candidate exchange;
// checks are sealed under it.
func (a *Agent) Run(ctx context.Context, remoteSess key.SessionPublic, remote []msgconn.Candidate) (*Path, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrAgentClosed
	}
	a.shared = a.cfg.Session.Shared(remoteSess)
	local := a.local
	a.cl = newChecklist(local, remote, a.Controlling())
	pairCount := len(a.cl.pairs)
	a.mu.Unlock()

	if pairCount == 0 {
		return nil, ErrChecksFailed
	}

	if tc := a.turnClient(); tc != nil {
		// Permissions must exist before the relay passes any
		// checks through.
		for _, r := range remote {
			if err := tc.CreatePermission(ctx, r.AddrPort); err != nil {
				slog.Debug("ice: turn permission failed", "peer", r.AddrPort, "err", err)
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Deadline)
	defer cancel()

	ticker := time.NewTicker(CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if a.promoted() == nil {
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return nil, ErrDeadline
				}
				return nil, ctx.Err()
			}
			return a.finish()

		case <-a.winnerCh:
			// Give a beat for concurrently-succeeding pairs
			// to report, then settle the tie-break.
			time.Sleep(CheckInterval)
			return a.finish()

		case now := <-ticker.C:
			if done := a.tick(now); done {
				if a.promoted() != nil {
					return a.finish()
				}
				return nil, ErrChecksFailed
			}
		}
	}
}

// tick advances the checklist: times out stale probes, retries with
// backoff, and starts new checks up to the in-flight bound. Returns
// true when nothing can still succeed.
func (a *Agent) tick(now time.Time) (done bool) {
	type probe struct {
		tx msgconn.TxID
		to *Pair
	}
	var sends []probe

	a.mu.Lock()
	if a.winner != nil {
		a.mu.Unlock()
		return true
	}

	for _, p := range a.cl.pairs {
		if p.State != PairInProgress || now.Before(p.nextProbeAt) {
			continue
		}
		if p.attempts >= checkAttempts {
			p.transition(PairFailed)
			slog.Debug("ice: pair failed", "pair", p.String())
			continue
		}
		sends = append(sends, probe{tx: a.armProbe(p, now), to: p})
	}

	for a.cl.inFlight() < a.cfg.MaxInFlight {
		p := a.cl.nextWaiting()
		if p == nil {
			break
		}
		p.transition(PairInProgress)
		sends = append(sends, probe{tx: a.armProbe(p, now), to: p})
	}

	exhausted := a.cl.exhausted()
	a.mu.Unlock()

	// Sends happen outside the lock; the read loop takes it when
	// pongs come straight back on loopback.
	for _, s := range sends {
		a.sendPing(s.to, s.tx)
	}
	return exhausted && len(sends) == 0
}

// armProbe assigns a fresh transaction and schedules the retry.
// Caller holds mu.
func (a *Agent) armProbe(p *Pair, now time.Time) msgconn.TxID {
	tx := msgconn.NewTxID()
	p.tx = tx
	p.txSentAt = now
	p.attempts++
	backoff := checkBackoffBase << (p.attempts - 1)
	p.nextProbeAt = now.Add(backoff)
	return tx
}

func (a *Agent) sendPing(p *Pair, tx msgconn.TxID) {
	pkt := msgconn.Seal(a.sharedKey(), a.sess, &msgconn.Ping{TxID: tx, NodeKey: a.cfg.NodeKey})
	if err := a.sendTo(p.Local, p.Remote.AddrPort, pkt); err != nil {
		slog.Debug("ice: check send failed", "pair", p.String(), "err", err)
	}
}

// sendTo routes a packet out the right transport for the local
// candidate: the socket for direct kinds, the relay for Relayed.
func (a *Agent) sendTo(local msgconn.Candidate, to netip.AddrPort, pkt []byte) error {
	if local.Kind == msgconn.KindRelayed {
		tc := a.turnClient()
		if tc == nil {
			return turn.ErrNoAllocation
		}
		return tc.Send(to, pkt)
	}
	_, err := a.conn.WriteToUDPAddrPort(pkt, to)
	return err
}

func (a *Agent) turnClient() *turn.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.turn
}

func (a *Agent) promoted() *Pair {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.winner
}

// finish tears down losing state and builds the Path around the
// winning pair.
func (a *Agent) finish() (*Path, error) {
	a.mu.Lock()
	winner := a.winner
	a.mu.Unlock()

	if winner == nil {
		return nil, ErrChecksFailed
	}

	// The relay outlives the attempt only if it carries the
	// winning pair.
	if !winner.relayed() {
		if tc := a.turnClient(); tc != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = tc.Release(ctx)
			cancel()
			a.mu.Lock()
			a.turn = nil
			a.mu.Unlock()
		}
	}

	slog.Info("ice: pair promoted",
		"pair", winner.String(), "relayed", winner.relayed(), "rtt", winner.rtt)

	return newPath(a, winner), nil
}

// readLoop demuxes the attempt socket: STUN responses to waiting
// gatherers, sealed checks to the handler, anything else to the
// application path.
func (a *Agent) readLoop() {
	buf := make([]byte, 1<<16)
	for {
		n, src, err := a.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		pkt := buf[:n]
		src = types.NormaliseAddrPort(src)

		switch {
		case stun.Is(pkt):
			if tid, ap, err := stun.ParseResponse(pkt); err == nil {
				a.mu.Lock()
				if ch, ok := a.stunWaiters[tid]; ok {
					ch <- types.NormaliseAddrPort(ap)
				}
				a.mu.Unlock()
			}

		case msgconn.LooksLikeConnWireMessage(pkt):
			a.handleConnMessage(pkt, src, false)

		default:
			a.deliverApp(pkt, src)
		}
	}
}

// turnReadLoop does the same for traffic arriving via the relay. The
// client's own read loop demuxes request responses away, so the only
// error here is the client shutting down.
func (a *Agent) turnReadLoop(tc *turn.Client) {
	buf := make([]byte, 1<<16)
	for {
		peer, n, err := tc.ReadFrom(buf)
		if err != nil {
			return
		}
		pkt := buf[:n]
		if msgconn.LooksLikeConnWireMessage(pkt) {
			a.handleConnMessage(pkt, peer, true)
		} else {
			a.deliverApp(pkt, peer)
		}
	}
}

func (a *Agent) deliverApp(pkt []byte, src netip.AddrPort) {
	p := a.promoted()
	if p == nil || p.Remote.AddrPort != src {
		return
	}
	b := make([]byte, len(pkt))
	copy(b, pkt)
	select {
	case a.appRx <- appPacket{src: src, b: b}:
	default:
		// Path reader is behind; drop rather than stall the
		// socket loop.
	}
}

func (a *Agent) sharedKey() key.SessionShared {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shared
}

func (a *Agent) handleConnMessage(pkt []byte, src netip.AddrPort, viaRelay bool) {
	shared := a.sharedKey()
	if shared.IsZero() {
		// Checks can't be opened before the exchange tells us
		// who we're talking to.
		return
	}
	clear, err := msgconn.Open(shared, pkt)
	if err != nil {
		slog.Debug("ice: discarding unopenable check", "src", src, "err", err)
		return
	}

	switch m := clear.Message.(type) {
	case *msgconn.Ping:
		a.handlePing(m, src, viaRelay)
	case *msgconn.Pong:
		a.handlePong(m, src)
	default:
		// Adverts travel via signaling, not the data path.
		slog.Debug("ice: unexpected message on data path", "msg", m.Debug())
	}
}

func (a *Agent) handlePing(ping *msgconn.Ping, src netip.AddrPort, viaRelay bool) {
	if ping.NodeKey != a.cfg.RemoteNode {
		slog.Warn("ice: check from unexpected identity",
			"src", src, "got", ping.NodeKey.Fingerprint())
		return
	}

	pong := msgconn.Seal(a.sharedKey(), a.sess, &msgconn.Pong{TxID: ping.TxID, Src: src})

	a.mu.Lock()
	cl := a.cl
	// Answer out the transport the check came in on.
	localKind := msgconn.KindHost
	if viaRelay {
		localKind = msgconn.KindRelayed
	}
	if cl != nil && a.winner == nil && !viaRelay && !cl.hasRemote(src.String()) {
		// Their check escaped a NAT we didn't see in their
		// advert: a peer-reflexive candidate worth pairing.
		prflx := NewCandidate(msgconn.KindPeerReflexive, src, 0)
		for _, l := range a.local {
			if l.Kind == msgconn.KindRelayed {
				continue
			}
			if l.AddrPort.Addr().Is4() != src.Addr().Is4() {
				continue
			}
			cl.add(newPair(l, prflx, a.Controlling()))
		}
	}
	a.mu.Unlock()

	if err := a.sendTo(msgconn.Candidate{Kind: localKind}, src, pong); err != nil {
		slog.Debug("ice: pong send failed", "dst", src, "err", err)
	}
}

func (a *Agent) handlePong(pong *msgconn.Pong, src netip.AddrPort) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cl == nil {
		return
	}
	p := a.cl.byTx(pong.TxID)
	if p == nil {
		return
	}

	if !p.transition(PairSucceeded) {
		return
	}
	p.rtt = time.Since(p.txSentAt)

	prev := a.winner
	a.winner = betterOf(a.winner, p)
	if prev == nil {
		close(a.winnerCh)
	}
	slog.Debug("ice: pair succeeded", "pair", p.String(), "rtt", p.rtt, "observedSrc", pong.Src)
}

// Close releases the socket and any relay allocation. Safe to call
// whether or not a Path was produced; a live Path closes its Agent
// itself.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	tc := a.turn
	a.turn = nil
	a.mu.Unlock()

	if tc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = tc.Release(ctx)
		cancel()
	}
	return a.conn.Close()
}
