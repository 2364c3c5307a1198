package stun

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestResponseRoundtrip(t *testing.T) {
	tid := NewTxID()

	req := Request(tid)
	require.True(t, Is(req))

	gotTid, err := ParseBindingRequest(req)
	require.NoError(t, err)
	assert.Equal(t, tid, gotTid)
}

func TestResponseCarriesMappedAddress(t *testing.T) {
	tid := NewTxID()

	for _, ap := range []netip.AddrPort{
		netip.MustParseAddrPort("203.0.113.9:45000"),
		netip.MustParseAddrPort("[2001:db8::5]:3478"),
	} {
		resp := Response(tid, ap)
		require.True(t, Is(resp))

		gotTid, gotAddr, err := ParseResponse(resp)
		require.NoError(t, err)
		assert.Equal(t, tid, gotTid)
		assert.Equal(t, ap, gotAddr)
	}
}

func TestParseResponseRejectsRequest(t *testing.T) {
	req := Request(NewTxID())

	_, _, err := ParseResponse(req)
	assert.ErrorIs(t, err, ErrNotSuccessResponse)
}

func TestParseBindingRequestRejectsOtherSoftware(t *testing.T) {
	req := Request(NewTxID())

	// Clobber the SOFTWARE attribute value.
	copy(req[headerLen+4:], "definitely")

	_, err := ParseBindingRequest(req)
	assert.Error(t, err)
}

func TestIsRejectsShortAndNonStun(t *testing.T) {
	assert.False(t, Is(nil))
	assert.False(t, Is([]byte("hello, this is not stun at all")))
}
