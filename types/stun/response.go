package stun

import (
	"encoding/binary"
	"net/netip"
)

// Response builds a binding success response reporting addrPort as
// the XOR-MAPPED-ADDRESS. Returns nil for an invalid address.
func Response(tx TxID, addrPort netip.AddrPort) []byte {
	addr := addrPort.Addr()

	var fam byte
	switch {
	case addr.Is4():
		fam = 1
	case addr.Is6():
		fam = 2
	default:
		return nil
	}
	addrLen := addr.BitLen() / 8
	attrsLen := 8 + addrLen

	b := make([]byte, 0, headerLen+attrsLen)
	b = append(b, 0x01, 0x01) // binding success
	b = appendU16(b, uint16(attrsLen))
	b = append(b, magicCookie...)
	b = append(b, tx[:]...)

	b = appendU16(b, attrXorMappedAddress)
	b = appendU16(b, uint16(4+addrLen))
	b = append(b, 0, fam)
	b = appendU16(b, addrPort.Port()^0x2112)

	raw := addr.As16()
	for i, o := range raw[16-addrLen:] {
		if i < len(magicCookie) {
			b = append(b, o^magicCookie[i])
		} else {
			b = append(b, o^tx[i-len(magicCookie)])
		}
	}
	return b
}

// ParseResponse extracts the transaction id and the mapped address
// from a binding success response. XOR-MAPPED-ADDRESS is canonical;
// a plain MAPPED-ADDRESS from an old server serves as fallback.
func ParseResponse(b []byte) (tx TxID, addr netip.AddrPort, err error) {
	if !Is(b) {
		return tx, netip.AddrPort{}, ErrNotSTUN
	}
	copy(tx[:], b[8:8+len(tx)])
	if b[0] != 0x01 || b[1] != 0x01 {
		return tx, netip.AddrPort{}, ErrNotSuccessResponse
	}

	attrsLen := int(binary.BigEndian.Uint16(b[2:4]))
	b = b[headerLen:]
	if attrsLen > len(b) {
		return tx, netip.AddrPort{}, ErrMalformedAttrs
	}
	b = b[:attrsLen]

	var fallback netip.AddrPort

	if err := foreachAttr(b, func(attrType uint16, attr []byte) error {
		switch attrType {
		case attrXorMappedAddress, attrXorMappedAddressAlt:
			ipSlice, port, err := xorMappedAddress(tx, attr)
			if err != nil {
				return err
			}
			if ip, ok := netip.AddrFromSlice(ipSlice); ok {
				addr = netip.AddrPortFrom(ip.Unmap(), port)
			}
		case attrMappedAddress:
			ipSlice, port, err := mappedAddress(attr)
			if err != nil {
				return ErrMalformedAttrs
			}
			if ip, ok := netip.AddrFromSlice(ipSlice); ok {
				fallback = netip.AddrPortFrom(ip.Unmap(), port)
			}
		}
		return nil
	}); err != nil {
		return TxID{}, netip.AddrPort{}, err
	}

	switch {
	case addr.IsValid():
		return tx, addr, nil
	case fallback.IsValid():
		return tx, fallback, nil
	default:
		return tx, netip.AddrPort{}, ErrMalformedAttrs
	}
}
