package msgconn

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/agoravoice/agora/types/bin"
	"github.com/agoravoice/agora/types/key"
)

// Connection wire header:
//   Magic (8) + Source session key (32) + NaCl box nonce (24) + sealed user message.
//
// User messages:
//   Version (1) + Type (1) + Data

const wireHeaderLen = len(Magic) + key.Len + NaclBoxNonceLen

var (
	ErrNotConnMessage = errors.New("not a connection wire message")
	ErrSealedOpen     = errors.New("could not open sealed connection message")

	errTooSmall = errors.New("connection message too small")
)

func LooksLikeConnWireMessage(pkt []byte) bool {
	if len(pkt) < wireHeaderLen {
		// too short, cant possibly be a wire message
		return false
	}

	return string(pkt[:len(Magic)]) == Magic
}

// SourceKey extracts the sender's session public key from a wire
// message, without opening it.
func SourceKey(pkt []byte) (key.SessionPublic, error) {
	if !LooksLikeConnWireMessage(pkt) {
		return key.SessionPublic{}, ErrNotConnMessage
	}
	return key.MakeSessionPublic([key.Len]byte(pkt[len(Magic) : len(Magic)+key.Len])), nil
}

// Seal produces a full wire message: magic, the sender's session
// public key, then the user message sealed under shared.
func Seal(shared key.SessionShared, from key.SessionPublic, msg ConnMessage) []byte {
	return slices.Concat(MagicBytes, from.ToByteSlice(), shared.Seal(msg.MarshalConnMessage()))
}

// Open unseals a wire message with shared and parses the user message
// within. The caller has already looked up shared via SourceKey.
func Open(shared key.SessionShared, pkt []byte) (*ClearMessage, error) {
	src, err := SourceKey(pkt)
	if err != nil {
		return nil, err
	}

	clear, ok := shared.Open(pkt[len(Magic)+key.Len:])
	if !ok {
		return nil, ErrSealedOpen
	}

	msg, err := ParseConnMessage(clear)
	if err != nil {
		return nil, err
	}

	return &ClearMessage{Session: src, Message: msg}, nil
}

func ParseConnMessage(usrMsg []byte) (ConnMessage, error) {
	if len(usrMsg) < 2 {
		return nil, errTooSmall
	}

	version := usrMsg[0]
	msgType := usrMsg[1]

	specificMsg := usrMsg[2:]

	if VersionMarker(version) != v1 {
		return nil, fmt.Errorf("invalid version: %x", version)
	}

	switch MessageType(msgType) {
	case PingMessage:
		return parsePing(specificMsg)
	case PongMessage:
		return parsePong(specificMsg)
	case AdvertMessage:
		return parseAdvert(specificMsg)
	default:
		return nil, fmt.Errorf("invalid message type: %x", msgType)
	}
}

func parsePing(b []byte) (*Ping, error) {
	if len(b) < 12+key.Len {
		return nil, errTooSmall
	}

	txid := [12]byte(b[:12])
	b = b[12:]
	nKey := key.NodePublic(b[:key.Len])

	return &Ping{
		TxID:    txid,
		NodeKey: nKey,
	}, nil
}

func parsePong(b []byte) (*Pong, error) {
	if len(b) < 12+bin.AddrPortLen {
		return nil, errTooSmall
	}

	txid := [12]byte(b[:12])
	b = b[12:]

	ap := bin.ParseAddrPort([bin.AddrPortLen]byte(b[:bin.AddrPortLen]))

	return &Pong{TxID: txid, Src: ap}, nil
}

func parseAdvert(b []byte) (*Advert, error) {
	if len(b)%candidateWireLen != 0 {
		return nil, errors.New("malformed advert candidates")
	}

	cands := make([]Candidate, 0, len(b)/candidateWireLen)

	for len(b) > 0 {
		c := Candidate{
			Kind:      CandidateKind(b[0]),
			Transport: CandidateTransport(b[1]),
			AddrPort:  bin.ParseAddrPort([bin.AddrPortLen]byte(b[2 : 2+bin.AddrPortLen])),
			Priority:  binary.BigEndian.Uint32(b[2+bin.AddrPortLen : candidateWireLen]),
		}
		cands = append(cands, c)
		b = b[candidateWireLen:]
	}

	return &Advert{Candidates: cands}, nil
}
