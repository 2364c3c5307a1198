package msgconn

import (
	crand "crypto/rand"
	"fmt"
	"slices"

	"github.com/agoravoice/agora/types/key"
)

type TxID [12]byte

func NewTxID() TxID {
	var tx TxID
	if _, err := crand.Read(tx[:]); err != nil {
		panic(err)
	}
	return tx
}

// Ping is a connectivity check sent over one candidate pair.
type Ping struct {
	TxID TxID

	// Allegedly the sender's long-term identity.
	NodeKey key.NodePublic
}

func (p *Ping) MarshalConnMessage() []byte {
	return slices.Concat([]byte{byte(v1), byte(PingMessage)}, p.TxID[:], p.NodeKey[:])
}

func (p *Ping) Debug() string {
	return fmt.Sprintf("ping tx=%x", p.TxID)
}
