package portmap

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway2"

	"github.com/agoravoice/agora/types"
)

// upnpConn is the subset of the WANIPConnection/WANPPPConnection SOAP
// surface we use, shared by the IGDv1 and IGDv2 client types.
type upnpConn interface {
	AddPortMappingCtx(ctx context.Context, remoteHost string, externalPort uint16, protocol string, internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) error
	DeletePortMappingCtx(ctx context.Context, remoteHost string, externalPort uint16, protocol string) error
	GetExternalIPAddressCtx(ctx context.Context) (string, error)
}

type upnpBackend struct {
	conn    upnpConn
	variant string
	// localIP is the address facing the gateway, passed as the
	// mapping's internal client.
	localIP string
}

func (b *upnpBackend) name() string { return "upnp/" + b.variant }

func (b *upnpBackend) addMapping(ctx context.Context, internalPort, externalPort uint16, desc string, lease time.Duration) (netip.AddrPort, time.Duration, error) {
	leaseSecs := uint32(lease / time.Second)

	err := b.conn.AddPortMappingCtx(ctx, "", externalPort, "UDP", internalPort, b.localIP, true, desc, leaseSecs)
	if err != nil {
		return netip.AddrPort{}, 0, fmt.Errorf("AddPortMapping: %w", err)
	}

	extIP, err := b.conn.GetExternalIPAddressCtx(ctx)
	if err != nil {
		return netip.AddrPort{}, 0, fmt.Errorf("GetExternalIPAddress: %w", err)
	}
	addr, err := netip.ParseAddr(extIP)
	if err != nil {
		return netip.AddrPort{}, 0, fmt.Errorf("gateway returned unparseable external IP %q: %w", extIP, err)
	}

	return netip.AddrPortFrom(types.NormaliseAddr(addr), externalPort), lease, nil
}

func (b *upnpBackend) deleteMapping(ctx context.Context, _, externalPort uint16) error {
	return b.conn.DeletePortMappingCtx(ctx, "", externalPort, "UDP")
}

// discoverUpnp finds IGD services on the local network. IGDv2
// endpoints come first, then the v1 fallbacks most consumer routers
// still ship.
func discoverUpnp(ctx context.Context) []backend {
	var out []backend

	add := func(conn upnpConn, variant string) {
		ip, err := localIPFor(conn)
		if err != nil {
			return
		}
		out = append(out, &upnpBackend{conn: conn, variant: variant, localIP: ip})
	}

	if clients, _, err := internetgateway2.NewWANIPConnection2ClientsCtx(ctx); err == nil {
		for _, c := range clients {
			add(c, "wanip2")
		}
	}
	if len(out) > 0 {
		return out
	}

	if clients, _, err := internetgateway2.NewWANIPConnection1ClientsCtx(ctx); err == nil {
		for _, c := range clients {
			add(c, "wanip1")
		}
	}
	if len(out) > 0 {
		return out
	}

	if clients, _, err := internetgateway2.NewWANPPPConnection1ClientsCtx(ctx); err == nil {
		for _, c := range clients {
			add(c, "wanppp1")
		}
	}

	return out
}

// localIPFor finds the local address the mapping must point back at.
// The default route's source address reaches the gateway in any
// single-homed setup, which is all consumer IGDs are.
func localIPFor(upnpConn) (string, error) {
	ip, err := defaultRouteSourceIP()
	if err != nil {
		return "", err
	}
	return ip.String(), nil
}

// defaultRouteSourceIP returns the local IPv4 the kernel would use
// for outbound traffic, without sending anything.
func defaultRouteSourceIP() (netip.Addr, error) {
	c, err := net.Dial("udp4", "192.0.2.1:9")
	if err != nil {
		return netip.Addr{}, err
	}
	defer c.Close()

	ap := c.LocalAddr().(*net.UDPAddr).AddrPort()
	return ap.Addr().Unmap(), nil
}
