// Package bin contains binary helpers for wire formats.
package bin

import (
	"encoding/binary"
	"net/netip"
	"slices"
)

// AddrPortLen is the wire size of an encoded addr-port pair:
// a 16-byte IPv6-mapped address plus a big-endian port.
const AddrPortLen = 18

// ParseAddrPort decodes an addr-port pair produced by PutAddrPort.
func ParseAddrPort(b [AddrPortLen]byte) netip.AddrPort {
	addr := netip.AddrFrom16([16]byte(b[:16])).Unmap()

	port := binary.BigEndian.Uint16(b[16:])

	return netip.AddrPortFrom(addr, port)
}

// PutAddrPort encodes ap as 16 address bytes (IPv4 gets mapped) plus
// a big-endian port.
func PutAddrPort(ap netip.AddrPort) []byte {
	port := make([]byte, 2)

	as16 := ap.Addr().As16()
	binary.BigEndian.PutUint16(port, ap.Port())

	return slices.Concat(as16[:], port[:])
}

// AppendUint16 appends v in big-endian order.
func AppendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

// AppendUint32 appends v in big-endian order.
func AppendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// AppendUint64 appends v in big-endian order.
func AppendUint64(b []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(b, v)
}
