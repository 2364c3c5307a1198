package turn

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()

	srv := NewServer(ServerConfig{
		Realm: "agora.test",
		Users: map[string]string{"alice": "s3cret"},
	})
	require.NoError(t, srv.Listen(netip.MustParseAddrPort("127.0.0.1:0")))
	go func() {
		_ = srv.Serve()
	}()
	t.Cleanup(func() { _ = srv.Close() })

	return srv, srv.LocalAddr().(*net.UDPAddr).AddrPort().String()
}

func dialServer(t *testing.T, addr, user, pass string) *Client {
	t.Helper()

	c, err := Dial(Config{
		Server:      addr,
		Credentials: Credentials{Username: user, Password: pass},
	})
	require.NoError(t, err)
	return c
}

func TestServerAllocateAndRelay(t *testing.T) {
	_, addr := startServer(t)
	c := dialServer(t, addr, "alice", "s3cret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	relayed, err := c.Allocate(ctx)
	require.NoError(t, err)
	assert.True(t, relayed.IsValid())
	assert.True(t, c.MappedAddr().IsValid())

	// A peer the client wants to exchange traffic with.
	peerConn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:0")))
	require.NoError(t, err)
	defer peerConn.Close()
	peer := peerConn.LocalAddr().(*net.UDPAddr).AddrPort()

	require.NoError(t, c.CreatePermission(ctx, peer))

	// Client to peer via Send indication.
	require.NoError(t, c.Send(peer, []byte("to peer")))

	require.NoError(t, peerConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, from, err := peerConn.ReadFromUDPAddrPort(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("to peer"), buf[:n])
	assert.Equal(t, relayed.Port(), from.Port())

	// Peer back to client via the relayed address.
	_, err = peerConn.WriteToUDPAddrPort([]byte("to client"), relayed)
	require.NoError(t, err)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	src, n, err := c.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("to client"), buf[:n])
	assert.Equal(t, peer, src)

	require.NoError(t, c.Release(ctx))
}

func TestServerDropsUnpermittedPeer(t *testing.T) {
	_, addr := startServer(t)
	c := dialServer(t, addr, "alice", "s3cret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	relayed, err := c.Allocate(ctx)
	require.NoError(t, err)
	defer c.Release(ctx)

	stranger, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:0")))
	require.NoError(t, err)
	defer stranger.Close()

	// No permission was installed for the stranger; its packets
	// must never reach the client.
	_, err = stranger.WriteToUDPAddrPort([]byte("sneak"), relayed)
	require.NoError(t, err)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err = c.ReadFrom(make([]byte, 1500))
	assert.Error(t, err)
}

func TestServerRejectsBadPassword(t *testing.T) {
	_, addr := startServer(t)
	c := dialServer(t, addr, "alice", "wrong")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := c.Allocate(ctx)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestServerRefreshAndRelease(t *testing.T) {
	srv, addr := startServer(t)
	c := dialServer(t, addr, "alice", "s3cret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Allocate(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Refresh(ctx, 2*time.Minute))

	// Releasing sends a zero-lifetime refresh; the server side
	// allocation disappears with it.
	require.NoError(t, c.Release(ctx))

	srv.mu.Lock()
	remaining := len(srv.allocs)
	srv.mu.Unlock()
	assert.Zero(t, remaining)
}

func TestMethodOfInvertsMsgType(t *testing.T) {
	for _, method := range []uint16{methodAllocate, methodRefresh, methodSend, methodData, methodCreatePerm, methodChannelBind} {
		assert.Equal(t, method, methodOf(msgType(method, classRequest)))
		assert.Equal(t, method, methodOf(msgType(method, classSuccess)))
	}
}
