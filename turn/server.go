package turn

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/agoravoice/agora/types"
)

const (
	// permLifetime is how long a permission stays valid without
	// being refreshed, per RFC 5766 §9.
	permLifetime = 5 * time.Minute

	sweepInterval = 30 * time.Second
)

// ServerConfig for a relay server. Long-term credentials only.
type ServerConfig struct {
	// Realm presented in challenges.
	Realm string

	// Users maps username to password.
	Users map[string]string

	// MaxLifetime caps client-requested allocation lifetimes.
	// Zero means DefaultLifetime.
	MaxLifetime time.Duration
}

// Server relays UDP for clients that can't hole punch. One socket
// for control traffic, one relay socket per allocation.
type Server struct {
	cfg   ServerConfig
	nonce string
	conn  *net.UDPConn
	done  chan struct{}

	mu     sync.Mutex
	allocs map[netip.AddrPort]*allocation
	closed bool
}

// allocation is one client's relayed address and its permissions.
type allocation struct {
	srv      *Server
	client   netip.AddrPort
	username string
	relay    *net.UDPConn
	relayed  netip.AddrPort

	mu     sync.Mutex
	perms  map[netip.Addr]time.Time
	expiry time.Time
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = DefaultLifetime
	}

	var nb [16]byte
	if _, err := rand.Read(nb[:]); err != nil {
		panic("turn: rand failed: " + err.Error())
	}

	return &Server{
		cfg:    cfg,
		nonce:  hex.EncodeToString(nb[:]),
		done:   make(chan struct{}),
		allocs: make(map[netip.AddrPort]*allocation),
	}
}

func (s *Server) Listen(ap netip.AddrPort) error {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(ap))
	if err != nil {
		return err
	}
	s.conn = conn

	go s.sweepLoop()
	return nil
}

func (s *Server) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Serve reads control traffic until the server is closed.
func (s *Server) Serve() error {
	buf := make([]byte, 65535)
	for {
		n, src, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		s.handlePacket(buf[:n], types.NormaliseAddrPort(src))
	}
}

func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	allocs := s.allocs
	s.allocs = make(map[netip.AddrPort]*allocation)
	s.mu.Unlock()

	close(s.done)
	for _, a := range allocs {
		_ = a.relay.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Server) handlePacket(pkt []byte, src netip.AddrPort) {
	if looksLikeChannelData(pkt) {
		// Channel bindings are not offered; clients here use
		// Send indications.
		return
	}

	m, err := parseMessage(pkt)
	if err != nil {
		return
	}

	if m.typ == msgType(methodSend, classIndication) {
		s.handleSend(m, src)
		return
	}

	method := methodOf(m.typ)
	key, err := s.authenticate(m)
	if err != nil {
		s.reject(m, src, 401, "Unauthorized")
		return
	}

	switch method {
	case methodAllocate:
		s.handleAllocate(m, src, key)
	case methodRefresh:
		s.handleRefresh(m, src, key)
	case methodCreatePerm:
		s.handleCreatePermission(m, src, key)
	default:
		s.reject(m, src, 400, "Bad Request")
	}
}

// methodOf recovers the method bits the type field spread out.
func methodOf(typ uint16) uint16 {
	var m uint16
	m |= typ & 0x000F
	m |= (typ >> 1) & 0x0070
	m |= (typ >> 2) & 0x0F80
	return m
}

// authenticate checks username, realm, nonce and the integrity HMAC,
// returning the long-term key the response must be sealed with.
func (s *Server) authenticate(m *message) ([]byte, error) {
	user, ok := m.find(attrUsername)
	if !ok {
		return nil, errors.New("turn: no credentials")
	}
	pass, ok := s.cfg.Users[string(user)]
	if !ok {
		return nil, fmt.Errorf("turn: unknown user %q", user)
	}
	if realm, ok := m.find(attrRealm); !ok || string(realm) != s.cfg.Realm {
		return nil, errors.New("turn: realm mismatch")
	}
	if nonce, ok := m.find(attrNonce); !ok || string(nonce) != s.nonce {
		return nil, errors.New("turn: stale nonce")
	}

	key := longTermKey(string(user), s.cfg.Realm, pass)

	// The HMAC covers the message as serialized with a zeroed
	// integrity placeholder and nothing after it.
	for i, a := range m.attrs {
		if a.typ != attrMessageIntegrity {
			continue
		}
		probe := &message{typ: m.typ, tx: m.tx}
		probe.attrs = append(probe.attrs, m.attrs[:i]...)
		probe.add(attrMessageIntegrity, make([]byte, sha1.Size))

		mac := hmac.New(sha1.New, key)
		mac.Write(probe.marshal())
		if !hmac.Equal(mac.Sum(nil), a.val) {
			return nil, errors.New("turn: bad integrity")
		}
		return key, nil
	}
	return nil, errors.New("turn: no integrity attribute")
}

func (s *Server) handleAllocate(m *message, src netip.AddrPort, key []byte) {
	lifetime := s.grantedLifetime(m)

	s.mu.Lock()
	a, exists := s.allocs[src]
	s.mu.Unlock()

	if !exists {
		laddr := s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
		relay, err := net.ListenUDP("udp", &net.UDPAddr{IP: laddr.Addr().AsSlice()})
		if err != nil {
			slog.Warn("turn: relay socket failed", "client", src, "err", err)
			s.reject(m, src, 508, "Insufficient Capacity")
			return
		}

		user, _ := m.find(attrUsername)
		a = &allocation{
			srv:      s,
			client:   src,
			username: string(user),
			relay:    relay,
			relayed:  netip.AddrPortFrom(laddr.Addr(), relay.LocalAddr().(*net.UDPAddr).AddrPort().Port()),
			perms:    make(map[netip.Addr]time.Time),
		}

		s.mu.Lock()
		s.allocs[src] = a
		s.mu.Unlock()

		go a.relayLoop()
		slog.Info("turn: allocation created",
			"client", src, "relayed", a.relayed, "user", a.username)
	}

	a.mu.Lock()
	a.expiry = time.Now().Add(lifetime)
	a.mu.Unlock()

	resp := &message{typ: msgType(methodAllocate, classSuccess), tx: m.tx}
	resp.add(attrXorRelayedAddr, xorAddr(a.relayed, m.tx))
	resp.add(attrXorMappedAddr, xorAddr(src, m.tx))
	resp.addUint32(attrLifetime, uint32(lifetime/time.Second))
	s.send(resp.seal(key), src)
}

func (s *Server) handleRefresh(m *message, src netip.AddrPort, key []byte) {
	s.mu.Lock()
	a, ok := s.allocs[src]
	s.mu.Unlock()
	if !ok {
		s.reject(m, src, 437, "Allocation Mismatch")
		return
	}

	lifetime := s.grantedLifetime(m)
	if lifetime == 0 {
		s.dropAllocation(src)
		slog.Info("turn: allocation released", "client", src)
	} else {
		a.mu.Lock()
		a.expiry = time.Now().Add(lifetime)
		a.mu.Unlock()
	}

	resp := &message{typ: msgType(methodRefresh, classSuccess), tx: m.tx}
	resp.addUint32(attrLifetime, uint32(lifetime/time.Second))
	s.send(resp.seal(key), src)
}

func (s *Server) handleCreatePermission(m *message, src netip.AddrPort, key []byte) {
	s.mu.Lock()
	a, ok := s.allocs[src]
	s.mu.Unlock()
	if !ok {
		s.reject(m, src, 437, "Allocation Mismatch")
		return
	}

	v, ok := m.find(attrXorPeerAddr)
	if !ok {
		s.reject(m, src, 400, "Bad Request")
		return
	}
	peer, err := parseXorAddr(v, m.tx)
	if err != nil {
		s.reject(m, src, 400, "Bad Request")
		return
	}

	a.mu.Lock()
	a.perms[peer.Addr()] = time.Now().Add(permLifetime)
	a.mu.Unlock()

	resp := &message{typ: msgType(methodCreatePerm, classSuccess), tx: m.tx}
	s.send(resp.seal(key), src)
}

// handleSend forwards a Send indication's payload to the peer, if
// the sender holds an allocation with a matching permission.
func (s *Server) handleSend(m *message, src netip.AddrPort) {
	s.mu.Lock()
	a, ok := s.allocs[src]
	s.mu.Unlock()
	if !ok {
		return
	}

	v, ok := m.find(attrXorPeerAddr)
	if !ok {
		return
	}
	peer, err := parseXorAddr(v, m.tx)
	if err != nil {
		return
	}
	data, ok := m.find(attrData)
	if !ok {
		return
	}

	if !a.permitted(peer.Addr()) {
		return
	}
	_, _ = a.relay.WriteToUDPAddrPort(data, peer)
}

// relayLoop turns packets arriving on the relay socket into Data
// indications toward the client. Peers without a permission are
// dropped silently.
func (a *allocation) relayLoop() {
	buf := make([]byte, 65535)
	for {
		n, peer, err := a.relay.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		peer = types.NormaliseAddrPort(peer)
		if !a.permitted(peer.Addr()) {
			continue
		}

		ind := newIndication(methodData)
		ind.add(attrXorPeerAddr, xorAddr(peer, ind.tx))
		ind.add(attrData, buf[:n])
		_, _ = a.srv.conn.WriteToUDPAddrPort(ind.marshal(), a.client)
	}
}

func (a *allocation) permitted(peer netip.Addr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	exp, ok := a.perms[peer]
	return ok && time.Now().Before(exp)
}

func (s *Server) grantedLifetime(m *message) time.Duration {
	lifetime := s.cfg.MaxLifetime
	if v, ok := m.find(attrLifetime); ok && len(v) == 4 {
		req := time.Duration(binary.BigEndian.Uint32(v)) * time.Second
		if req < lifetime {
			lifetime = req
		}
	}
	return lifetime
}

func (s *Server) dropAllocation(src netip.AddrPort) {
	s.mu.Lock()
	a, ok := s.allocs[src]
	delete(s.allocs, src)
	s.mu.Unlock()
	if ok {
		_ = a.relay.Close()
	}
}

// reject answers a request with an error response; 401s carry the
// realm and nonce the retry must echo.
func (s *Server) reject(m *message, src netip.AddrPort, code int, reason string) {
	resp := &message{typ: msgType(methodOf(m.typ), classError), tx: m.tx}

	val := make([]byte, 4+len(reason))
	val[2] = byte(code / 100)
	val[3] = byte(code % 100)
	copy(val[4:], reason)
	resp.add(attrErrorCode, val)

	if code == 401 || code == 438 {
		resp.add(attrRealm, []byte(s.cfg.Realm))
		resp.add(attrNonce, []byte(s.nonce))
	}
	s.send(resp.marshal(), src)
}

func (s *Server) send(raw []byte, dst netip.AddrPort) {
	if _, err := s.conn.WriteToUDPAddrPort(raw, dst); err != nil {
		slog.Debug("turn: response send failed", "dst", dst, "err", err)
	}
}

// sweepLoop reaps expired allocations.
func (s *Server) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			var expired []netip.AddrPort
			for src, a := range s.allocs {
				a.mu.Lock()
				if now.After(a.expiry) {
					expired = append(expired, src)
				}
				a.mu.Unlock()
			}
			s.mu.Unlock()

			for _, src := range expired {
				slog.Info("turn: allocation expired", "client", src)
				s.dropAllocation(src)
			}
		}
	}
}
