package portmap

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"
)

type natpmpBackend struct {
	client *natpmp.Client
}

func (b *natpmpBackend) name() string { return "nat-pmp" }

func (b *natpmpBackend) addMapping(_ context.Context, internalPort, externalPort uint16, _ string, lease time.Duration) (netip.AddrPort, time.Duration, error) {
	res, err := b.client.AddPortMapping("udp", int(internalPort), int(externalPort), int(lease/time.Second))
	if err != nil {
		return netip.AddrPort{}, 0, fmt.Errorf("AddPortMapping: %w", err)
	}

	ext, err := b.client.GetExternalAddress()
	if err != nil {
		return netip.AddrPort{}, 0, fmt.Errorf("GetExternalAddress: %w", err)
	}

	addr := netip.AddrFrom4(ext.ExternalIPAddress)
	grantedLease := time.Duration(res.PortMappingLifetimeInSeconds) * time.Second
	return netip.AddrPortFrom(addr, res.MappedExternalPort), grantedLease, nil
}

func (b *natpmpBackend) deleteMapping(_ context.Context, internalPort, _ uint16) error {
	// NAT-PMP deletes by the internal port, requesting a zero
	// lifetime; the gateway may have granted a different external
	// port than we asked for.
	_, err := b.client.AddPortMapping("udp", int(internalPort), 0, 0)
	return err
}

// discoverNatPmp returns a NAT-PMP backend for the given gateway, or
// a guessed one when gateway is unset. Reachability is verified with
// an external-address query before committing.
func discoverNatPmp(gateway netip.Addr) backend {
	if !gateway.IsValid() {
		g, err := guessGateway()
		if err != nil {
			return nil
		}
		gateway = g
	}

	client := natpmp.NewClientWithTimeout(net.IP(gateway.AsSlice()), 2*time.Second)
	if _, err := client.GetExternalAddress(); err != nil {
		return nil
	}
	return &natpmpBackend{client: client}
}

// guessGateway assumes the gateway sits at the first host of the
// default route's /24, which holds on nearly every home network.
func guessGateway() (netip.Addr, error) {
	src, err := defaultRouteSourceIP()
	if err != nil {
		return netip.Addr{}, err
	}
	if !src.Is4() {
		return netip.Addr{}, fmt.Errorf("portmap: no IPv4 default route source")
	}

	b := src.As4()
	b[3] = 1
	return netip.AddrFrom4(b), nil
}
