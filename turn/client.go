// Package turn implements a TURN (RFC 5766) client over UDP, used to
// obtain a relayed transport address when hole punching fails.
//
// Allocations are leased; a background task refreshes the lease ahead
// of expiry until the client is released.
package turn

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/agoravoice/agora/types"
)

const (
	// DefaultLifetime is the allocation lifetime requested from
	// the server.
	DefaultLifetime = 600 * time.Second

	// refreshMargin is how long before expiry the lease gets
	// refreshed.
	refreshMargin = 60 * time.Second

	requestTimeout = 5 * time.Second
)

// Credentials for long-term authentication.
type Credentials struct {
	Username string
	Password string
}

// Config for a TURN client.
type Config struct {
	// Server is the TURN server's host:port.
	Server string

	Credentials Credentials

	// Lifetime requested for allocations. Zero means
	// DefaultLifetime.
	Lifetime time.Duration
}

// Client holds one connection to a TURN server and at most one
// relayed allocation on it.
//
// A single read loop owns the socket: responses route to the waiting
// request by transaction id, relayed peer traffic queues for ReadFrom.
// Requests and relayed reads therefore never race each other on the
// connection.
type Client struct {
	cfg  Config
	conn *net.UDPConn

	mu           sync.Mutex
	realm        string
	nonce        string
	relayed      netip.AddrPort
	mapped       netip.AddrPort
	lifetime     time.Duration
	closed       bool
	waiters      map[txID]chan *message
	readDeadline time.Time

	relayRx     chan relayPacket
	readDone    chan struct{}
	refreshStop chan struct{}
}

// relayPacket is peer data the read loop unwrapped from a Data
// indication or ChannelData frame.
type relayPacket struct {
	peer netip.AddrPort
	data []byte
}

// Dial connects (in the UDP sense) to the TURN server. No allocation
// is made yet.
func Dial(cfg Config) (*Client, error) {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}

	srv, err := net.ResolveUDPAddr("udp", cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("turn: resolving %q: %w", cfg.Server, err)
	}
	conn, err := net.DialUDP("udp", nil, srv)
	if err != nil {
		return nil, fmt.Errorf("turn: dialing %q: %w", cfg.Server, err)
	}

	c := &Client{
		cfg:         cfg,
		conn:        conn,
		waiters:     make(map[txID]chan *message),
		relayRx:     make(chan relayPacket, 32),
		readDone:    make(chan struct{}),
		refreshStop: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// readLoop demuxes everything the server sends: relayed peer traffic
// to relayRx, responses to the request that is waiting on their
// transaction id. Unsolicited or malformed packets drop here instead
// of surfacing to readers.
func (c *Client) readLoop() {
	defer close(c.readDone)

	buf := make([]byte, 1<<16)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return
		}
		pkt := buf[:n]

		if looksLikeChannelData(pkt) {
			dataLen := int(binary.BigEndian.Uint16(pkt[2:4]))
			if 4+dataLen > n {
				continue
			}
			c.deliverRelay(netip.AddrPort{}, pkt[4:4+dataLen])
			continue
		}

		msg, err := parseMessage(pkt)
		if err != nil {
			continue
		}

		if msg.typ == msgType(methodData, classIndication) {
			peerAttr, ok := msg.find(attrXorPeerAddr)
			if !ok {
				continue
			}
			peer, err := parseXorAddr(peerAttr, msg.tx)
			if err != nil {
				continue
			}
			data, _ := msg.find(attrData)
			c.deliverRelay(peer, data)
			continue
		}

		c.mu.Lock()
		ch, ok := c.waiters[msg.tx]
		if ok {
			delete(c.waiters, msg.tx)
		}
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

func (c *Client) deliverRelay(peer netip.AddrPort, data []byte) {
	b := make([]byte, len(data))
	copy(b, data)
	select {
	case c.relayRx <- relayPacket{peer: peer, data: b}:
	default:
		// Reader is behind; drop rather than stall the socket loop.
	}
}

// RelayedAddr returns the allocated relayed transport address, or the
// zero AddrPort when no allocation exists.
func (c *Client) RelayedAddr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.relayed
}

// MappedAddr returns our server-reflexive address as reported in the
// allocate response.
func (c *Client) MappedAddr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mapped
}

// Allocate requests a relayed address and starts the refresh loop.
// The server's 401 challenge is answered once with the realm and
// nonce it supplied.
func (c *Client) Allocate(ctx context.Context) (netip.AddrPort, error) {
	relayed, err := c.allocate(ctx, false)
	if errors.Is(err, ErrUnauthorized) {
		relayed, err = c.allocate(ctx, true)
	}
	if err != nil {
		return netip.AddrPort{}, err
	}

	go c.refreshLoop()
	return relayed, nil
}

func (c *Client) allocate(ctx context.Context, withAuth bool) (netip.AddrPort, error) {
	req := newRequest(methodAllocate)
	// REQUESTED-TRANSPORT 17 is UDP.
	req.add(attrRequestedTransport, []byte{17, 0, 0, 0})
	req.addUint32(attrLifetime, uint32(c.cfg.Lifetime/time.Second))

	resp, err := c.roundTrip(ctx, req, withAuth)
	if err != nil {
		return netip.AddrPort{}, err
	}

	v, ok := resp.find(attrXorRelayedAddr)
	if !ok {
		return netip.AddrPort{}, ErrBadMessage
	}
	relayed, err := parseXorAddr(v, resp.tx)
	if err != nil {
		return netip.AddrPort{}, err
	}

	var mapped netip.AddrPort
	if v, ok := resp.find(attrXorMappedAddr); ok {
		mapped, _ = parseXorAddr(v, resp.tx)
	}

	lifetime := c.cfg.Lifetime
	if v, ok := resp.find(attrLifetime); ok && len(v) == 4 {
		lifetime = time.Duration(binary.BigEndian.Uint32(v)) * time.Second
	}

	c.mu.Lock()
	c.relayed = types.NormaliseAddrPort(relayed)
	c.mapped = types.NormaliseAddrPort(mapped)
	c.lifetime = lifetime
	c.mu.Unlock()

	slog.Info("turn: allocation established",
		"server", c.cfg.Server, "relayed", relayed, "lifetime", lifetime)
	return relayed, nil
}

// Refresh extends the allocation lease. A zero lifetime releases it
// on the server.
func (c *Client) Refresh(ctx context.Context, lifetime time.Duration) error {
	if !c.RelayedAddr().IsValid() {
		return ErrNoAllocation
	}

	do := func() error {
		req := newRequest(methodRefresh)
		req.addUint32(attrLifetime, uint32(lifetime/time.Second))
		resp, err := c.roundTrip(ctx, req, true)
		if err != nil {
			return err
		}
		if v, ok := resp.find(attrLifetime); ok && len(v) == 4 {
			c.mu.Lock()
			c.lifetime = time.Duration(binary.BigEndian.Uint32(v)) * time.Second
			c.mu.Unlock()
		}
		return nil
	}

	err := do()
	if errors.Is(err, ErrUnauthorized) {
		// Stale nonce; the rejection carried a fresh one.
		err = do()
	}
	return err
}

// CreatePermission installs a permission for peer on the allocation.
// Without one the server drops relayed traffic both ways.
func (c *Client) CreatePermission(ctx context.Context, peer netip.AddrPort) error {
	if !c.RelayedAddr().IsValid() {
		return ErrNoAllocation
	}

	do := func() error {
		req := newRequest(methodCreatePerm)
		req.add(attrXorPeerAddr, xorAddr(peer, req.tx))
		_, err := c.roundTrip(ctx, req, true)
		return err
	}

	err := do()
	if errors.Is(err, ErrUnauthorized) {
		err = do()
	}
	return err
}

// Send relays data to peer through the allocation using a Send
// indication. Fire and forget; the server answers nothing.
func (c *Client) Send(peer netip.AddrPort, data []byte) error {
	if !c.RelayedAddr().IsValid() {
		return ErrNoAllocation
	}

	ind := newIndication(methodSend)
	ind.add(attrXorPeerAddr, xorAddr(peer, ind.tx))
	ind.add(attrData, data)

	_, err := c.conn.Write(ind.marshal())
	return err
}

// ReadFrom blocks for relayed data, returning the sending peer and
// the payload copied into buf. ChannelData frames return a zero peer;
// callers using channels map numbers to peers themselves.
func (c *Client) ReadFrom(buf []byte) (peer netip.AddrPort, n int, err error) {
	var expire <-chan time.Time
	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()
	if !deadline.IsZero() {
		wait := time.Until(deadline)
		if wait <= 0 {
			return netip.AddrPort{}, 0, os.ErrDeadlineExceeded
		}
		t := time.NewTimer(wait)
		defer t.Stop()
		expire = t.C
	}

	select {
	case p := <-c.relayRx:
		n = copy(buf, p.data)
		return p.peer, n, nil
	case <-expire:
		return netip.AddrPort{}, 0, os.ErrDeadlineExceeded
	case <-c.readDone:
		return netip.AddrPort{}, 0, net.ErrClosed
	}
}

// SetReadDeadline applies to ReadFrom calls entered after it returns.
// There is no deadline on the socket itself; requests carry their own
// timeouts.
func (c *Client) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

// Release tears the allocation down on the server and closes the
// connection.
func (c *Client) Release(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	hadAlloc := c.relayed.IsValid()
	c.mu.Unlock()

	close(c.refreshStop)

	var err error
	if hadAlloc {
		err = c.Refresh(ctx, 0)
	}
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

func (c *Client) refreshLoop() {
	for {
		c.mu.Lock()
		lifetime := c.lifetime
		c.mu.Unlock()

		wait := lifetime - refreshMargin
		if wait <= 0 {
			wait = lifetime / 2
		}

		select {
		case <-c.refreshStop:
			return
		case <-time.After(wait):
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		err := c.Refresh(ctx, c.cfg.Lifetime)
		cancel()
		if err != nil {
			slog.Warn("turn: lease refresh failed", "server", c.cfg.Server, "err", err)
		}
	}
}

// roundTrip sends a request and waits for the read loop to hand back
// the response with the matching transaction id. Authentication
// failures update realm and nonce and surface as ErrUnauthorized so
// the caller can retry sealed.
func (c *Client) roundTrip(ctx context.Context, req *message, withAuth bool) (*message, error) {
	var raw []byte
	if withAuth {
		c.mu.Lock()
		realm, nonce := c.realm, c.nonce
		c.mu.Unlock()

		req.add(attrUsername, []byte(c.cfg.Credentials.Username))
		req.add(attrRealm, []byte(realm))
		req.add(attrNonce, []byte(nonce))
		raw = req.seal(longTermKey(c.cfg.Credentials.Username, realm, c.cfg.Credentials.Password))
	} else {
		raw = req.marshal()
	}

	ch := make(chan *message, 1)
	c.mu.Lock()
	c.waiters[req.tx] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, req.tx)
		c.mu.Unlock()
	}()

	if _, err := c.conn.Write(raw); err != nil {
		return nil, err
	}

	timeout := time.NewTimer(requestTimeout)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout.C:
		return nil, ErrTimeout
	case <-c.readDone:
		return nil, net.ErrClosed
	case resp := <-ch:
		if isError(resp.typ) {
			return nil, c.handleError(resp)
		}
		if !isSuccess(resp.typ) {
			return nil, ErrBadMessage
		}
		return resp, nil
	}
}

func (c *Client) handleError(resp *message) error {
	v, ok := resp.find(attrErrorCode)
	if !ok || len(v) < 4 {
		return ErrBadMessage
	}
	code := int(v[2])*100 + int(v[3])

	c.mu.Lock()
	if r, ok := resp.find(attrRealm); ok {
		c.realm = string(r)
	}
	if n, ok := resp.find(attrNonce); ok {
		c.nonce = string(n)
	}
	c.mu.Unlock()

	// 401 wants credentials, 438 wants the fresh nonce.
	if code == 401 || code == 438 {
		return ErrUnauthorized
	}
	return fmt.Errorf("%w: server error %d", ErrBadMessage, code)
}
