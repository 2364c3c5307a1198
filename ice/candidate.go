// Package ice turns two candidate sets into one working UDP path
// between peers, by pairing candidates and running paced connectivity
// checks in priority order.
package ice

import (
	"net"
	"net/netip"

	"go4.org/netipx"

	"github.com/agoravoice/agora/types"
	"github.com/agoravoice/agora/types/msgconn"
)

// Type preferences per candidate kind. Higher is tried first.
const (
	typePrefHost            = 126
	typePrefPeerReflexive   = 110
	typePrefServerReflexive = 100
	typePrefRelayed         = 0
)

// componentRTP is the only component id voice uses.
const componentRTP = 1

// Priority computes a candidate's priority from its kind and a local
// preference ordering interfaces against each other.
func Priority(kind msgconn.CandidateKind, localPref uint16) uint32 {
	var typePref uint32
	switch kind {
	case msgconn.KindHost:
		typePref = typePrefHost
	case msgconn.KindPeerReflexive:
		typePref = typePrefPeerReflexive
	case msgconn.KindServerReflexive:
		typePref = typePrefServerReflexive
	case msgconn.KindRelayed:
		typePref = typePrefRelayed
	}

	return typePref<<24 | uint32(localPref)<<8 | (256 - componentRTP)
}

// NewCandidate builds a UDP candidate with its priority filled in.
func NewCandidate(kind msgconn.CandidateKind, ap netip.AddrPort, localPref uint16) msgconn.Candidate {
	return msgconn.Candidate{
		Kind:      kind,
		Transport: msgconn.TransportUDP,
		AddrPort:  types.NormaliseAddrPort(ap),
		Priority:  Priority(kind, localPref),
	}
}

// hostAddrs lists usable unicast addresses on local interfaces, most
// preferred first. Loopback and link-local stay out; they never reach
// another machine.
func hostAddrs() ([]netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []netip.Addr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			prefix, ok := netipx.FromStdIPNet(ipn)
			if !ok {
				continue
			}
			addr := prefix.Addr().Unmap()
			if addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || !addr.IsValid() {
				continue
			}
			out = append(out, addr)
		}
	}
	return out, nil
}

// hostCandidates maps local addresses onto candidates carrying the
// agent's bound port, preferring earlier interfaces.
func hostCandidates(port uint16) ([]msgconn.Candidate, error) {
	addrs, err := hostAddrs()
	if err != nil {
		return nil, err
	}

	cands := make([]msgconn.Candidate, 0, len(addrs))
	for i, addr := range addrs {
		localPref := uint16(65535 - i)
		cands = append(cands, NewCandidate(msgconn.KindHost, netip.AddrPortFrom(addr, port), localPref))
	}
	return cands, nil
}
