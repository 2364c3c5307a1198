package msgconn

import (
	"net/netip"
	"testing"

	"github.com/agoravoice/agora/types/key"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sharedPair(t *testing.T) (key.SessionShared, key.SessionShared, key.SessionPublic) {
	t.Helper()

	a := key.NewSession()
	b := key.NewSession()

	return a.Shared(b.Public()), b.Shared(a.Public()), a.Public()
}

func TestPingSealOpen(t *testing.T) {
	sharedA, sharedB, aPub := sharedPair(t)

	ping := &Ping{
		TxID:    NewTxID(),
		NodeKey: key.NewNode().Public(),
	}

	pkt := Seal(sharedA, aPub, ping)
	require.True(t, LooksLikeConnWireMessage(pkt))

	src, err := SourceKey(pkt)
	require.NoError(t, err)
	assert.Equal(t, aPub, src)

	clear, err := Open(sharedB, pkt)
	require.NoError(t, err)

	got, ok := clear.Message.(*Ping)
	require.True(t, ok)
	assert.Equal(t, ping.TxID, got.TxID)
	assert.Equal(t, ping.NodeKey, got.NodeKey)
}

func TestPongRoundtrip(t *testing.T) {
	sharedA, sharedB, aPub := sharedPair(t)

	pong := &Pong{
		TxID: NewTxID(),
		Src:  netip.MustParseAddrPort("198.51.100.7:61000"),
	}

	clear, err := Open(sharedB, Seal(sharedA, aPub, pong))
	require.NoError(t, err)

	got, ok := clear.Message.(*Pong)
	require.True(t, ok)
	assert.Equal(t, pong.Src, got.Src)
}

func TestAdvertRoundtrip(t *testing.T) {
	sharedA, sharedB, aPub := sharedPair(t)

	advert := &Advert{
		Candidates: []Candidate{
			{Kind: KindHost, Transport: TransportUDP, AddrPort: netip.MustParseAddrPort("192.168.1.4:5000"), Priority: 0x7e0000ff},
			{Kind: KindServerReflexive, Transport: TransportUDP, AddrPort: netip.MustParseAddrPort("203.0.113.9:45611"), Priority: 0x640000ff},
			{Kind: KindRelayed, Transport: TransportUDP, AddrPort: netip.MustParseAddrPort("198.51.100.20:3478"), Priority: 0x000000ff},
		},
	}

	clear, err := Open(sharedB, Seal(sharedA, aPub, advert))
	require.NoError(t, err)

	got, ok := clear.Message.(*Advert)
	require.True(t, ok)
	assert.Equal(t, advert.Candidates, got.Candidates)
}

func TestOpenRejectsTampering(t *testing.T) {
	sharedA, sharedB, aPub := sharedPair(t)

	pkt := Seal(sharedA, aPub, &Ping{TxID: NewTxID(), NodeKey: key.NewNode().Public()})

	// Flip one bit of the sealed payload.
	pkt[len(pkt)-1] ^= 0x01

	_, err := Open(sharedB, pkt)
	assert.ErrorIs(t, err, ErrSealedOpen)
}

func TestOpenRejectsWrongSharedKey(t *testing.T) {
	sharedA, _, aPub := sharedPair(t)
	_, other, _ := sharedPair(t)

	pkt := Seal(sharedA, aPub, &Ping{TxID: NewTxID(), NodeKey: key.NewNode().Public()})

	_, err := Open(other, pkt)
	assert.ErrorIs(t, err, ErrSealedOpen)
}

func TestMagicEncoding(t *testing.T) {
	assert.Equal(t, "🕳🔊", Magic)
	assert.Equal(t, []byte(Magic), MagicBytes)
	assert.Equal(t, len(Magic)+key.Len+NaclBoxNonceLen, wireHeaderLen)
}

func TestLooksLikeConnWireMessage(t *testing.T) {
	assert.False(t, LooksLikeConnWireMessage([]byte("short")))
	assert.False(t, LooksLikeConnWireMessage(make([]byte, 128)))
}

func TestParseConnMessageErrors(t *testing.T) {
	_, err := ParseConnMessage([]byte{})
	assert.Error(t, err)

	_, err = ParseConnMessage([]byte{0xFF, byte(PingMessage)})
	assert.Error(t, err, "wrong version must be rejected")

	_, err = ParseConnMessage([]byte{byte(v1), 0x77})
	assert.Error(t, err, "unknown type must be rejected")
}
