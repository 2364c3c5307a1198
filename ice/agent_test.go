package ice

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoravoice/agora/turn"
	"github.com/agoravoice/agora/types/key"
	"github.com/agoravoice/agora/types/msgconn"
)

type testPeer struct {
	node key.NodePrivate
	sess key.SessionPrivate
}

func newTestPeer() testPeer {
	return testPeer{node: key.NewNode(), sess: key.NewSession()}
}

// newTestAgent binds an agent on loopback and plants its loopback
// address as its only candidate, standing in for gathering.
func newTestAgent(t *testing.T, self, other testPeer, cfg Config) (*Agent, msgconn.Candidate) {
	t.Helper()

	cfg.NodeKey = self.node.Public()
	cfg.RemoteNode = other.node.Public()
	cfg.Session = self.sess
	cfg.BindAddr = netip.MustParseAddrPort("127.0.0.1:0")

	a, err := NewAgent(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	cand := NewCandidate(msgconn.KindHost, netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), a.LocalPort()), 65535)
	a.mu.Lock()
	a.local = []msgconn.Candidate{cand}
	a.mu.Unlock()

	return a, cand
}

func TestAgentsConnectOverLoopback(t *testing.T) {
	p1, p2 := newTestPeer(), newTestPeer()

	a1, c1 := newTestAgent(t, p1, p2, Config{Deadline: 5 * time.Second})
	a2, c2 := newTestAgent(t, p2, p1, Config{Deadline: 5 * time.Second})

	type result struct {
		path *Path
		err  error
	}
	r1 := make(chan result, 1)
	r2 := make(chan result, 1)

	go func() {
		path, err := a1.Run(context.Background(), p2.sess.Public(), []msgconn.Candidate{c2})
		r1 <- result{path, err}
	}()
	go func() {
		path, err := a2.Run(context.Background(), p1.sess.Public(), []msgconn.Candidate{c1})
		r2 <- result{path, err}
	}()

	res1 := <-r1
	res2 := <-r2
	require.NoError(t, res1.err)
	require.NoError(t, res2.err)

	assert.False(t, res1.path.UsedRelay)
	assert.Equal(t, c2.AddrPort, res1.path.RemoteAddr())
	assert.Equal(t, c1.AddrPort, res2.path.RemoteAddr())
	assert.Greater(t, res1.path.RTT, time.Duration(0))

	// Application bytes flow over the promoted pair.
	payload := []byte("opus frame bytes")
	require.NoError(t, res1.path.Send(payload))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := res2.path.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestAgentFailsAgainstSilentPeer(t *testing.T) {
	p1, p2 := newTestPeer(), newTestPeer()

	a1, _ := newTestAgent(t, p1, p2, Config{Deadline: 6 * time.Second})

	// A bound socket that never answers.
	silent, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:0")))
	require.NoError(t, err)
	defer silent.Close()

	dead := NewCandidate(msgconn.KindHost, silent.LocalAddr().(*net.UDPAddr).AddrPort(), 65535)

	_, err = a1.Run(context.Background(), p2.sess.Public(), []msgconn.Candidate{dead})
	assert.ErrorIs(t, err, ErrChecksFailed)
}

func TestAgentDeadline(t *testing.T) {
	p1, p2 := newTestPeer(), newTestPeer()

	a1, _ := newTestAgent(t, p1, p2, Config{Deadline: 500 * time.Millisecond})

	silent, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:0")))
	require.NoError(t, err)
	defer silent.Close()

	dead := NewCandidate(msgconn.KindHost, silent.LocalAddr().(*net.UDPAddr).AddrPort(), 65535)

	start := time.Now()
	_, err = a1.Run(context.Background(), p2.sess.Public(), []msgconn.Candidate{dead})
	assert.ErrorIs(t, err, ErrDeadline)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAgentIgnoresWrongIdentity(t *testing.T) {
	p1, p2 := newTestPeer(), newTestPeer()
	imposter := newTestPeer()

	// a1 expects p2 but the answering agent identifies as a third
	// party; its checks must go unanswered.
	a1, c1 := newTestAgent(t, p1, p2, Config{Deadline: time.Second})
	a2, c2 := newTestAgent(t, imposter, p1, Config{Deadline: time.Second})
	_ = a2

	// a1 seals for p2's session key, which the imposter can't
	// open either; this attempt cannot resolve.
	_, err := a1.Run(context.Background(), p2.sess.Public(), []msgconn.Candidate{c2})
	assert.Error(t, err)
	_ = c1
}

func TestRunWithNoPairs(t *testing.T) {
	p1, p2 := newTestPeer(), newTestPeer()
	a1, _ := newTestAgent(t, p1, p2, Config{})

	_, err := a1.Run(context.Background(), p2.sess.Public(), nil)
	assert.ErrorIs(t, err, ErrChecksFailed)
}

func TestAgentClosedRun(t *testing.T) {
	p1, p2 := newTestPeer(), newTestPeer()
	a1, c1 := newTestAgent(t, p1, p2, Config{})

	require.NoError(t, a1.Close())
	_, err := a1.Run(context.Background(), p2.sess.Public(), []msgconn.Candidate{c1})
	assert.ErrorIs(t, err, ErrAgentClosed)
}

func TestAgentsConnectViaRelay(t *testing.T) {
	srv := turn.NewServer(turn.ServerConfig{
		Realm: "agora.test",
		Users: map[string]string{"alice": "s3cret"},
	})
	require.NoError(t, srv.Listen(netip.MustParseAddrPort("127.0.0.1:0")))
	go func() {
		_ = srv.Serve()
	}()
	t.Cleanup(func() { _ = srv.Close() })

	tc := turn.Config{
		Server:      srv.LocalAddr().(*net.UDPAddr).AddrPort().String(),
		Credentials: turn.Credentials{Username: "alice", Password: "s3cret"},
	}

	p1, p2 := newTestPeer(), newTestPeer()
	mk := func(self, other testPeer) *Agent {
		a, err := NewAgent(Config{
			NodeKey:     self.node.Public(),
			RemoteNode:  other.node.Public(),
			Session:     self.sess,
			TurnServers: []turn.Config{tc},
			RelayOnly:   true,
			Deadline:    8 * time.Second,
			BindAddr:    netip.MustParseAddrPort("127.0.0.1:0"),
		})
		require.NoError(t, err)
		t.Cleanup(func() { a.Close() })
		return a
	}
	a1, a2 := mk(p1, p2), mk(p2, p1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c1, err := a1.Gather(ctx)
	require.NoError(t, err)
	c2, err := a2.Gather(ctx)
	require.NoError(t, err)
	require.Len(t, c1, 1)
	assert.Equal(t, msgconn.KindRelayed, c1[0].Kind)

	type result struct {
		path *Path
		err  error
	}
	r1 := make(chan result, 1)
	r2 := make(chan result, 1)
	go func() {
		path, err := a1.Run(ctx, p2.sess.Public(), c2)
		r1 <- result{path, err}
	}()
	go func() {
		path, err := a2.Run(ctx, p1.sess.Public(), c1)
		r2 <- result{path, err}
	}()

	res1 := <-r1
	res2 := <-r2
	require.NoError(t, res1.err)
	require.NoError(t, res2.err)

	assert.True(t, res1.path.UsedRelay)
	assert.True(t, res2.path.UsedRelay)

	payload := []byte("relayed opus frame")
	require.NoError(t, res1.path.Send(payload))
	got, err := res2.path.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
