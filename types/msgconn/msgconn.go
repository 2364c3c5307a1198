// Package msgconn contains connection-setup message definitions and parsing
// methods: connectivity check pings/pongs exchanged over candidate paths, and
// candidate advertisements exchanged via the discovery collaborator.
//
// All messages travel sealed between the two sides' ephemeral session keys.
package msgconn

import "github.com/agoravoice/agora/types/key"

type ConnMessage interface {
	MarshalConnMessage() []byte

	Debug() string
}

// ClearMessage represents a full connection wire message in decrypted view
type ClearMessage struct {
	Session key.SessionPublic

	Message ConnMessage
}
