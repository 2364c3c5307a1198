package types

// Contains miscellaneous functions and types

import (
	"context"
	"log/slog"
	"net/netip"
)

// Incomparable is a zero-width incomparable type. If added as the
// first field in a struct, it marks that struct as not comparable
// (can't do == or be a map key) and usually doesn't add any width to
// the struct (unless the struct has only small fields).
//
// By making a struct incomparable, you can prevent misuse (prevent
// people from using ==), but also you can shrink generated binaries,
// as the compiler can omit equality funcs from the binary.
//
// (Taken from the tailscale types library)
type Incomparable [0]func()

// LevelTrace is a slog level below Debug, for per-frame noise.
const LevelTrace slog.Level = -8

// IsContextDone does a quick check on a context to see if its dead.
func IsContextDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func NormaliseAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(NormaliseAddr(ap.Addr()), ap.Port())
}

func NormaliseAddr(addr netip.Addr) netip.Addr {
	if addr.Is4In6() {
		addr = netip.AddrFrom4(addr.As4())
	}
	return addr
}

func NormaliseAddrPortSlice(s []netip.AddrPort) []netip.AddrPort {
	return Map(s, NormaliseAddrPort)
}

// Map is a generic slice mapping function.
func Map[T, U any](ts []T, f func(T) U) []U {
	us := make([]U, len(ts))
	for i := range ts {
		us[i] = f(ts[i])
	}
	return us
}
