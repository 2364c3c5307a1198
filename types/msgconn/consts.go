package msgconn

// Magic is the 8 byte header of all connection-setup wire messages
// "🕳🔊"
const Magic = "\xf0\x9f\x95\xb3\xf0\x9f\x94\x8a"

var MagicBytes = []byte(Magic)

type VersionMarker byte

const v1 = VersionMarker(0x1)

type MessageType byte

const (
	PingMessage   = MessageType(0x00)
	PongMessage   = MessageType(0x01)
	AdvertMessage = MessageType(0x02)
)

const NaclBoxNonceLen = 24
