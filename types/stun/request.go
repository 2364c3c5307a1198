package stun

// Request builds a binding request carrying our SOFTWARE marker and a
// trailing FINGERPRINT. The marker lets our embedded server answer
// only this node's probes.
func Request(tx TxID) []byte {
	const softwareAttrLen = 4 + len(thisSoftware)

	b := make([]byte, 0, headerLen+softwareAttrLen+lenFingerprint)
	b = append(b, bindingRequest...)
	b = appendU16(b, uint16(softwareAttrLen+lenFingerprint))
	b = append(b, magicCookie...)
	b = append(b, tx[:]...)

	// SOFTWARE, RFC 5389 §15.10. Fixed 8-byte value, no padding
	// needed.
	b = appendU16(b, attrNumSoftware)
	b = appendU16(b, uint16(len(thisSoftware)))
	b = append(b, thisSoftware...)

	// FINGERPRINT, RFC 5389 §15.5, covering everything before its
	// own attribute header.
	fp := fingerPrint(b)
	b = appendU16(b, attrNumFingerprint)
	b = appendU16(b, 4)
	return appendU32(b, fp)
}
