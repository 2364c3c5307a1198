package types

import (
	"net/netip"
	"time"
)

// UDPConn is the socket surface the engine needs; *net.UDPConn satisfies it,
// and tests substitute in-memory fakes.
type UDPConn interface {
	SetReadDeadline(t time.Time) error

	ReadFromUDPAddrPort(b []byte) (n int, addr netip.AddrPort, err error)

	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)

	Close() error
}
