package turn

import (
	"encoding/binary"
	"net/netip"

	"github.com/agoravoice/agora/types"
)

// XOR-*-ADDRESS attribute codec. IPv4 is XORed with the magic cookie,
// IPv6 with cookie plus transaction id.

func xorAddr(ap netip.AddrPort, tx txID) []byte {
	xport := ap.Port() ^ uint16(magicCookie>>16)

	var cookie [4]byte
	binary.BigEndian.PutUint32(cookie[:], magicCookie)

	addr := types.NormaliseAddr(ap.Addr())
	if addr.Is4() {
		v := make([]byte, 8)
		v[1] = 0x01
		binary.BigEndian.PutUint16(v[2:4], xport)
		a4 := addr.As4()
		for i := range a4 {
			v[4+i] = a4[i] ^ cookie[i]
		}
		return v
	}

	v := make([]byte, 20)
	v[1] = 0x02
	binary.BigEndian.PutUint16(v[2:4], xport)
	a16 := addr.As16()
	key := append(cookie[:], tx[:]...)
	for i := range a16 {
		v[4+i] = a16[i] ^ key[i]
	}
	return v
}

func parseXorAddr(v []byte, tx txID) (netip.AddrPort, error) {
	if len(v) < 8 {
		return netip.AddrPort{}, ErrBadAddress
	}

	port := binary.BigEndian.Uint16(v[2:4]) ^ uint16(magicCookie>>16)

	var cookie [4]byte
	binary.BigEndian.PutUint32(cookie[:], magicCookie)

	switch v[1] {
	case 0x01:
		var a4 [4]byte
		for i := range a4 {
			a4[i] = v[4+i] ^ cookie[i]
		}
		return netip.AddrPortFrom(netip.AddrFrom4(a4), port), nil

	case 0x02:
		if len(v) < 20 {
			return netip.AddrPort{}, ErrBadAddress
		}
		var a16 [16]byte
		key := append(cookie[:], tx[:]...)
		for i := range a16 {
			a16[i] = v[4+i] ^ key[i]
		}
		return netip.AddrPortFrom(netip.AddrFrom16(a16).Unmap(), port), nil

	default:
		return netip.AddrPort{}, ErrBadAddress
	}
}
