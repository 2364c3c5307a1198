package msgconn

import (
	"fmt"
	"net/netip"
	"slices"

	"github.com/agoravoice/agora/types/bin"
)

// Pong echoes a Ping's transaction ID back over the same path, and
// tells the sender what source address its check arrived from.
type Pong struct {
	TxID TxID

	// Src is the ping sender's addr-port as observed by us.
	Src netip.AddrPort
}

func (p *Pong) MarshalConnMessage() []byte {
	return slices.Concat([]byte{byte(v1), byte(PongMessage)}, p.TxID[:], bin.PutAddrPort(p.Src))
}

func (p *Pong) Debug() string {
	return fmt.Sprintf("pong tx=%x src=%s", p.TxID, p.Src)
}
