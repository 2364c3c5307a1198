package stun

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"net"
)

// foreachAttr walks the attribute section of a STUN message, calling
// fn with each attribute's type and unpadded value.
func foreachAttr(b []byte, fn func(attrType uint16, a []byte) error) error {
	for len(b) > 0 {
		if len(b) < 4 {
			return ErrMalformedAttrs
		}
		attrType := binary.BigEndian.Uint16(b[:2])
		valLen := int(binary.BigEndian.Uint16(b[2:4]))
		padded := (valLen + 3) &^ 3

		b = b[4:]
		if padded > len(b) {
			return ErrMalformedAttrs
		}
		if err := fn(attrType, b[:valLen]); err != nil {
			return err
		}
		b = b[padded:]
	}
	return nil
}

// fingerPrint is the FINGERPRINT attribute value: CRC-32 of the
// message so far, XORed with "STUN".
func fingerPrint(b []byte) uint32 { return crc32.ChecksumIEEE(b) ^ 0x5354554e }

func appendU16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

func appendU32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// xorMappedAddress decodes an XOR-MAPPED-ADDRESS value, RFC 5389
// §15.2: the port is XORed with the top half of the magic cookie, the
// address with the cookie and then the transaction id.
func xorMappedAddress(tx TxID, b []byte) (addr []byte, port uint16, err error) {
	if len(b) < 4 {
		return nil, 0, ErrMalformedAttrs
	}

	port = binary.BigEndian.Uint16(b[2:4]) ^ 0x2112

	addrLen := familyAddrLen(b[1])
	if addrLen == 0 || len(b) < 4+addrLen {
		return nil, 0, ErrMalformedAttrs
	}

	addr = make([]byte, addrLen)
	for i, v := range b[4 : 4+addrLen] {
		if i < len(magicCookie) {
			addr[i] = v ^ magicCookie[i]
		} else {
			addr[i] = v ^ tx[i-len(magicCookie)]
		}
	}
	return addr, port, nil
}

// mappedAddress decodes the legacy unXORed MAPPED-ADDRESS value.
func mappedAddress(b []byte) (addr []byte, port uint16, err error) {
	if len(b) < 4 {
		return nil, 0, ErrMalformedAttrs
	}

	port = binary.BigEndian.Uint16(b[2:4])

	addrLen := familyAddrLen(b[1])
	if addrLen == 0 || len(b) < 4+addrLen {
		return nil, 0, ErrMalformedAttrs
	}
	return bytes.Clone(b[4 : 4+addrLen]), port, nil
}

func familyAddrLen(fam byte) int {
	switch fam {
	case 0x01:
		return net.IPv4len
	case 0x02:
		return net.IPv6len
	default:
		return 0
	}
}
