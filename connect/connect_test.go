package connect

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoravoice/agora/session"
	"github.com/agoravoice/agora/types/key"
	"github.com/agoravoice/agora/types/msgconn"
	"github.com/agoravoice/agora/types/stun"
)

func startStunServer(t *testing.T) string {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := stun.NewServer(ctx)
	require.NoError(t, s.Listen(netip.MustParseAddrPort("127.0.0.1:0")))
	go func() {
		_ = s.Serve()
	}()

	return s.LocalAddr().(*net.UDPAddr).AddrPort().String()
}

func newConnector(t *testing.T, id key.NodePrivate, hub *MemHub, stunAddr string) *Connector {
	t.Helper()

	c, err := New(Config{
		Identity:    id,
		StunServers: []string{stunAddr},
		Deadline:    5 * time.Second,
	}, hub.Endpoint(id.Public()))
	require.NoError(t, err)
	return c
}

type connectResult struct {
	ch     *session.Channel
	report *Report
	err    error
}

// connectBoth runs Connect on both sides concurrently, as the room
// rendezvous signal would trigger in production.
func connectBoth(ctx context.Context, a, b *Connector, aPeer, bPeer key.NodePublic) (connectResult, connectResult) {
	var (
		wg sync.WaitGroup
		ra connectResult
		rb connectResult
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		ra.ch, ra.report, ra.err = a.Connect(ctx, aPeer, nil)
	}()
	go func() {
		defer wg.Done()
		rb.ch, rb.report, rb.err = b.Connect(ctx, bPeer, nil)
	}()
	wg.Wait()
	return ra, rb
}

func TestConnectEndToEnd(t *testing.T) {
	stunAddr := startStunServer(t)
	hub := NewMemHub()

	idA, idB := key.NewNode(), key.NewNode()
	ca := newConnector(t, idA, hub, stunAddr)
	cb := newConnector(t, idB, hub, stunAddr)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ra, rb := connectBoth(ctx, ca, cb, idB.Public(), idA.Public())
	require.NoError(t, ra.err)
	require.NoError(t, rb.err)
	defer ra.ch.Close()
	defer rb.ch.Close()

	assert.True(t, ra.report.Established)
	assert.True(t, rb.report.Established)
	assert.False(t, ra.report.UsedRelay)

	// Each side sees the other's verified identity.
	assert.Equal(t, idB.Public(), ra.ch.Peer())
	assert.Equal(t, idA.Public(), rb.ch.Peer())
	assert.Equal(t, ra.ch.PeerFingerprint(), idB.Public().Fingerprint())

	// Payload flows both ways through the channel.
	require.NoError(t, ra.ch.Send([]byte("hello from A")))
	got, err := rb.ch.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello from A"), got)

	require.NoError(t, rb.ch.Send([]byte("hello from B")))
	got, err = ra.ch.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello from B"), got)
}

func TestPortMapDoesNotGateAttempt(t *testing.T) {
	stunAddr := startStunServer(t)
	hub := NewMemHub()

	idA, idB := key.NewNode(), key.NewNode()

	// No gateway answers in this environment; mapping discovery will
	// burn its whole timeout. The attempt must not wait for it.
	ca, err := New(Config{
		Identity:       idA,
		StunServers:    []string{stunAddr},
		Deadline:       5 * time.Second,
		PortMapEnabled: true,
	}, hub.Endpoint(idA.Public()))
	require.NoError(t, err)
	cb := newConnector(t, idB, hub, stunAddr)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ra, rb := connectBoth(ctx, ca, cb, idB.Public(), idA.Public())
	require.NoError(t, ra.err)
	require.NoError(t, rb.err)
	defer ra.ch.Close()
	defer rb.ch.Close()

	assert.Less(t, ra.report.Elapsed, portMapTimeout,
		"gateway discovery stalled the attempt")
}

func TestMappingHolderAfterClose(t *testing.T) {
	h := &mappingHolder{}
	require.NoError(t, h.Close())

	_, ok := h.external()
	assert.False(t, ok)
	// Closing an empty holder again stays a no-op.
	require.NoError(t, h.Close())
}

func TestConnectReportOnLonePeer(t *testing.T) {
	stunAddr := startStunServer(t)
	hub := NewMemHub()

	idA, idB := key.NewNode(), key.NewNode()
	ca := newConnector(t, idA, hub, stunAddr)
	// idB never registers or answers; the offer exchange can't
	// finish before the caller gives up.
	_ = idB

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ch, report, err := ca.Connect(ctx, idB.Public(), nil)
	assert.Nil(t, ch)
	assert.ErrorIs(t, err, ErrTransportUnreachable)
	require.NotNil(t, report)
	assert.False(t, report.Established)
	assert.Greater(t, report.Elapsed, time.Duration(0))
}

func TestConnectIgnoresUnrelatedSignaling(t *testing.T) {
	stunAddr := startStunServer(t)
	hub := NewMemHub()

	idA, idB, idC := key.NewNode(), key.NewNode(), key.NewNode()
	ca := newConnector(t, idA, hub, stunAddr)
	cb := newConnector(t, idB, hub, stunAddr)

	// A third party floods A's mailbox before the real exchange.
	noise := hub.Endpoint(idC.Public())
	for i := 0; i < 3; i++ {
		require.NoError(t, noise.Send(context.Background(), idA.Public(), []byte("junk")))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ra, rb := connectBoth(ctx, ca, cb, idB.Public(), idA.Public())
	require.NoError(t, ra.err)
	require.NoError(t, rb.err)
	ra.ch.Close()
	rb.ch.Close()
}

func TestConnectNewValidation(t *testing.T) {
	hub := NewMemHub()

	_, err := New(Config{}, hub.Endpoint(key.NewNode().Public()))
	assert.Error(t, err)

	_, err = New(Config{Identity: key.NewNode()}, nil)
	assert.Error(t, err)
}

func TestOfferRoundTrip(t *testing.T) {
	sess := key.NewSession().Public()
	cands := []msgconn.Candidate{
		{
			Kind:      msgconn.KindHost,
			Transport: msgconn.TransportUDP,
			AddrPort:  netip.MustParseAddrPort("192.0.2.7:4242"),
			Priority:  0x7e0001ff,
		},
		{
			Kind:      msgconn.KindRelayed,
			Transport: msgconn.TransportUDP,
			AddrPort:  netip.MustParseAddrPort("[2001:db8::1]:9000"),
			Priority:  0xff,
		},
	}

	gotSess, gotCands, err := parseOffer(marshalOffer(sess, cands))
	require.NoError(t, err)
	assert.Equal(t, sess, gotSess)
	assert.Equal(t, cands, gotCands)

	_, _, err = parseOffer([]byte("short"))
	assert.Error(t, err)
}

func TestMergeCandidates(t *testing.T) {
	a := msgconn.Candidate{AddrPort: netip.MustParseAddrPort("10.0.0.1:1000")}
	b := msgconn.Candidate{AddrPort: netip.MustParseAddrPort("10.0.0.2:1000")}
	dup := msgconn.Candidate{AddrPort: a.AddrPort, Priority: 99}

	merged := mergeCandidates([]msgconn.Candidate{a}, []msgconn.Candidate{dup, b})
	require.Len(t, merged, 2)
	assert.Equal(t, a, merged[0])
	assert.Equal(t, b, merged[1])
}

func TestGradeRTT(t *testing.T) {
	assert.Equal(t, QualityUnknown, gradeRTT(0))
	assert.Equal(t, QualityExcellent, gradeRTT(10*time.Millisecond))
	assert.Equal(t, QualityGood, gradeRTT(100*time.Millisecond))
	assert.Equal(t, QualityFair, gradeRTT(200*time.Millisecond))
	assert.Equal(t, QualityPoor, gradeRTT(time.Second))
}

func TestMemHubSendToUnknown(t *testing.T) {
	hub := NewMemHub()
	ep := hub.Endpoint(key.NewNode().Public())

	err := ep.Send(context.Background(), key.NewNode().Public(), []byte("x"))
	assert.Error(t, err)
}
