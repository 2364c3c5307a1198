package turn

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"hash/crc32"
)

// STUN/TURN wire constants, RFC 5389 and RFC 5766.
const (
	magicCookie uint32 = 0x2112A442

	classRequest    uint16 = 0x0000
	classIndication uint16 = 0x0010
	classSuccess    uint16 = 0x0100
	classError      uint16 = 0x0110

	methodAllocate    uint16 = 0x0003
	methodRefresh     uint16 = 0x0004
	methodSend        uint16 = 0x0006
	methodData        uint16 = 0x0007
	methodCreatePerm  uint16 = 0x0008
	methodChannelBind uint16 = 0x0009
)

const (
	attrUsername           uint16 = 0x0006
	attrMessageIntegrity   uint16 = 0x0008
	attrErrorCode          uint16 = 0x0009
	attrChannelNumber      uint16 = 0x000C
	attrLifetime           uint16 = 0x000D
	attrXorPeerAddr        uint16 = 0x0012
	attrData               uint16 = 0x0013
	attrRealm              uint16 = 0x0014
	attrNonce              uint16 = 0x0015
	attrXorRelayedAddr     uint16 = 0x0016
	attrRequestedTransport uint16 = 0x0019
	attrXorMappedAddr      uint16 = 0x0020
	attrFingerprint        uint16 = 0x8028
)

// ChannelData channel numbers live in [0x4000, 0x7FFF].
const (
	channelMin uint16 = 0x4000
	channelMax uint16 = 0x7FFF
)

const headerLen = 20

type txID [12]byte

func newTxID() txID {
	var t txID
	if _, err := rand.Read(t[:]); err != nil {
		panic("turn: rand failed: " + err.Error())
	}
	return t
}

type attr struct {
	typ uint16
	val []byte
}

// message is a STUN-formatted message under construction or freshly
// parsed.
type message struct {
	typ   uint16
	tx    txID
	attrs []attr
}

// msgType folds a method and class into the 14-bit STUN type field.
func msgType(method, class uint16) uint16 {
	m := method & 0x0FFF
	var t uint16
	t |= m & 0x000F
	t |= (m & 0x0070) << 1
	t |= (m & 0x0F80) << 2
	t |= class & 0x0110
	return t
}

func isSuccess(typ uint16) bool { return typ&0x0110 == classSuccess }
func isError(typ uint16) bool   { return typ&0x0110 == classError }

func newRequest(method uint16) *message {
	return &message{typ: msgType(method, classRequest), tx: newTxID()}
}

func newIndication(method uint16) *message {
	return &message{typ: msgType(method, classIndication), tx: newTxID()}
}

func (m *message) add(typ uint16, val []byte) {
	m.attrs = append(m.attrs, attr{typ: typ, val: val})
}

func (m *message) addUint32(typ uint16, v uint32) {
	val := make([]byte, 4)
	binary.BigEndian.PutUint32(val, v)
	m.add(typ, val)
}

func (m *message) find(typ uint16) ([]byte, bool) {
	for _, a := range m.attrs {
		if a.typ == typ {
			return a.val, true
		}
	}
	return nil, false
}

func (m *message) marshal() []byte {
	attrLen := 0
	for _, a := range m.attrs {
		attrLen += 4 + pad4(len(a.val))
	}

	b := make([]byte, headerLen, headerLen+attrLen)
	binary.BigEndian.PutUint16(b[0:2], m.typ)
	binary.BigEndian.PutUint16(b[2:4], uint16(attrLen))
	binary.BigEndian.PutUint32(b[4:8], magicCookie)
	copy(b[8:20], m.tx[:])

	for _, a := range m.attrs {
		var hdr [4]byte
		binary.BigEndian.PutUint16(hdr[0:2], a.typ)
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(a.val)))
		b = append(b, hdr[:]...)
		b = append(b, a.val...)
		for i := len(a.val); i < pad4(len(a.val)); i++ {
			b = append(b, 0)
		}
	}
	return b
}

func pad4(n int) int { return (n + 3) &^ 3 }

func parseMessage(b []byte) (*message, error) {
	if len(b) < headerLen {
		return nil, ErrBadMessage
	}
	if binary.BigEndian.Uint32(b[4:8]) != magicCookie {
		return nil, ErrBadMessage
	}

	msgLen := int(binary.BigEndian.Uint16(b[2:4]))
	if len(b) < headerLen+msgLen {
		return nil, ErrBadMessage
	}

	m := &message{typ: binary.BigEndian.Uint16(b[0:2])}
	copy(m.tx[:], b[8:20])

	off, end := headerLen, headerLen+msgLen
	for off+4 <= end {
		typ := binary.BigEndian.Uint16(b[off : off+2])
		valLen := int(binary.BigEndian.Uint16(b[off+2 : off+4]))
		off += 4
		if off+valLen > end {
			return nil, ErrBadMessage
		}
		val := make([]byte, valLen)
		copy(val, b[off:off+valLen])
		m.attrs = append(m.attrs, attr{typ: typ, val: val})
		off += pad4(valLen)
	}
	return m, nil
}

// looksLikeChannelData reports whether a packet starts with a
// ChannelData channel number rather than a STUN type.
func looksLikeChannelData(b []byte) bool {
	if len(b) < 4 {
		return false
	}
	ch := binary.BigEndian.Uint16(b[0:2])
	return ch >= channelMin && ch <= channelMax
}

// longTermKey derives the long-term credential key,
// MD5(username ":" realm ":" password), per RFC 5389 §15.4.
func longTermKey(username, realm, password string) []byte {
	sum := md5.Sum([]byte(username + ":" + realm + ":" + password))
	return sum[:]
}

// seal appends MESSAGE-INTEGRITY then FINGERPRINT; both are computed
// over the message as serialized so far, so this must run last.
func (m *message) seal(key []byte) []byte {
	m.add(attrMessageIntegrity, make([]byte, sha1.Size))
	mac := hmac.New(sha1.New, key)
	mac.Write(m.marshal())
	copy(m.attrs[len(m.attrs)-1].val, mac.Sum(nil))

	m.addUint32(attrFingerprint, 0)
	crc := crc32.ChecksumIEEE(m.marshal()) ^ 0x5354554e
	binary.BigEndian.PutUint32(m.attrs[len(m.attrs)-1].val, crc)

	return m.marshal()
}
