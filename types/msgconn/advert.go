package msgconn

import (
	"fmt"
	"net/netip"

	"github.com/agoravoice/agora/types/bin"
)

// CandidateKind discriminates how a candidate address was obtained.
type CandidateKind byte

const (
	KindHost            = CandidateKind(0x00)
	KindServerReflexive = CandidateKind(0x01)
	KindPeerReflexive   = CandidateKind(0x02)
	KindRelayed         = CandidateKind(0x03)
)

func (k CandidateKind) String() string {
	switch k {
	case KindHost:
		return "host"
	case KindServerReflexive:
		return "srflx"
	case KindPeerReflexive:
		return "prflx"
	case KindRelayed:
		return "relay"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// CandidateTransport is the candidate's transport protocol.
type CandidateTransport byte

const (
	TransportUDP = CandidateTransport(0x00)
	TransportTCP = CandidateTransport(0x01)
)

func (t CandidateTransport) String() string {
	if t == TransportTCP {
		return "tcp"
	}
	return "udp"
}

// Candidate is the wire form of one advertised reachable address.
type Candidate struct {
	Kind      CandidateKind
	Transport CandidateTransport
	AddrPort  netip.AddrPort
	Priority  uint32
}

const candidateWireLen = 2 + bin.AddrPortLen + 4

func (c Candidate) appendTo(b []byte) []byte {
	b = append(b, byte(c.Kind), byte(c.Transport))
	b = append(b, bin.PutAddrPort(c.AddrPort)...)
	b = bin.AppendUint32(b, c.Priority)
	return b
}

// Advert is a candidate advertisement: every address the sender
// believes the receiver might reach it at, with computed priorities.
type Advert struct {
	Candidates []Candidate
}

func (a *Advert) MarshalConnMessage() []byte {
	b := []byte{byte(v1), byte(AdvertMessage)}
	for _, c := range a.Candidates {
		b = c.appendTo(b)
	}
	return b
}

func (a *Advert) Debug() string {
	return fmt.Sprintf("advert candidates=%d", len(a.Candidates))
}
