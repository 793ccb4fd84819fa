package protocol

// DecodePower reports whether a power-published payload means the probe is
// powered: any non-zero byte counts.
func DecodePower(payload []byte) bool {
	for _, b := range payload {
		if b != 0 {
			return true
		}
	}
	return false
}

// EncodePowerRequest builds the single-byte power-request payload.
func EncodePowerRequest(on bool) []byte {
	if on {
		return []byte{0x01}
	}
	return []byte{0x00}
}
