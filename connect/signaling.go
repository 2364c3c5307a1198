package connect

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agoravoice/agora/types/key"
	"github.com/agoravoice/agora/types/msgconn"
)

// Signaling carries the pre-connection exchange between two peers:
// each side's ephemeral session key and candidate advertisement. The
// discovery layer provides the production implementation; MemHub
// serves in-process use.
//
// Implementations must tolerate both peers sending before either
// receives. Delivery may be lossy; the connection attempt's deadline
// bounds how long we wait.
type Signaling interface {
	Send(ctx context.Context, to key.NodePublic, payload []byte) error
	Recv(ctx context.Context) (from key.NodePublic, payload []byte, err error)
}

var errShortOffer = errors.New("connect: offer too short")

// An offer is the session public key followed by a candidate
// advertisement in its wire form.
func marshalOffer(sess key.SessionPublic, cands []msgconn.Candidate) []byte {
	adv := msgconn.Advert{Candidates: cands}
	b := make([]byte, 0, key.Len+2+len(cands)*16)
	b = append(b, sess.ToByteSlice()...)
	b = append(b, adv.MarshalConnMessage()...)
	return b
}

func parseOffer(b []byte) (key.SessionPublic, []msgconn.Candidate, error) {
	if len(b) < key.Len+2 {
		return key.SessionPublic{}, nil, errShortOffer
	}

	var raw [key.Len]byte
	copy(raw[:], b[:key.Len])
	sess := key.MakeSessionPublic(raw)

	msg, err := msgconn.ParseConnMessage(b[key.Len:])
	if err != nil {
		return key.SessionPublic{}, nil, fmt.Errorf("connect: bad offer: %w", err)
	}
	adv, ok := msg.(*msgconn.Advert)
	if !ok {
		return key.SessionPublic{}, nil, fmt.Errorf("connect: offer carries %T, not an advert", msg)
	}

	return sess, adv.Candidates, nil
}

// MemHub is an in-process Signaling fabric: every registered endpoint
// can reach every other by node key. Useful for single-process setups
// and tests; it never drops or reorders.
type MemHub struct {
	mu    sync.Mutex
	boxes map[key.NodePublic]chan envelope
}

type envelope struct {
	from    key.NodePublic
	payload []byte
}

func NewMemHub() *MemHub {
	return &MemHub{boxes: make(map[key.NodePublic]chan envelope)}
}

// Endpoint registers self and returns its view of the hub.
func (h *MemHub) Endpoint(self key.NodePublic) Signaling {
	h.mu.Lock()
	defer h.mu.Unlock()

	box, ok := h.boxes[self]
	if !ok {
		box = make(chan envelope, 16)
		h.boxes[self] = box
	}
	return &memEndpoint{hub: h, self: self, box: box}
}

type memEndpoint struct {
	hub  *MemHub
	self key.NodePublic
	box  chan envelope
}

func (e *memEndpoint) Send(ctx context.Context, to key.NodePublic, payload []byte) error {
	e.hub.mu.Lock()
	box, ok := e.hub.boxes[to]
	e.hub.mu.Unlock()
	if !ok {
		return fmt.Errorf("connect: no endpoint registered for %s", to.Debug())
	}

	b := make([]byte, len(payload))
	copy(b, payload)

	select {
	case box <- envelope{from: e.self, payload: b}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *memEndpoint) Recv(ctx context.Context) (key.NodePublic, []byte, error) {
	select {
	case env := <-e.box:
		return env.from, env.payload, nil
	case <-ctx.Done():
		return key.NodePublic{}, nil, ctx.Err()
	}
}
