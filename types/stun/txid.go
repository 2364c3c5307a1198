package stun

import "crypto/rand"

// TxID matches a response to its request: 96 random bits, RFC 5389
// §6.
type TxID [12]byte

func NewTxID() TxID {
	var tx TxID
	if _, err := rand.Read(tx[:]); err != nil {
		panic("stun: rand failed: " + err.Error())
	}
	return tx
}
