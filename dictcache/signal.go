package dictcache

// decodeSignal extracts one signal's raw and physical value from an 8-byte
// CAN payload.
//
// L=0 is a no-op (ok=false, no error). A signal reaching past the frame's
// first dlc bytes is treated as a decode failure (ok=false) rather than
// panicking, so malformed dictionaries or corrupt frames degrade to a skipped
// signal: for little-endian that is s+L exceeding dlc*8; for big-endian it is
// the last byte the Motorola bit walk touches lying at or beyond dlc.
func decodeSignal(sig *SignalDescriptor, payload [8]byte, dlc uint8) (raw int64, physical float64, ok bool) {
	if sig.Length == 0 {
		return 0, 0, false
	}
	if sig.Order == BigEndian {
		lastByte := sig.StartBit / 8
		if rest := sig.Length - (sig.StartBit%8 + 1); rest > 0 {
			lastByte += (rest + 7) / 8
		}
		if lastByte >= int(dlc) || lastByte >= len(payload) {
			return 0, 0, false
		}
	} else if sig.StartBit+sig.Length > int(dlc)*8 {
		return 0, 0, false
	}

	var uraw uint64
	switch sig.Order {
	case LittleEndian:
		uraw = extractLittleEndian(payload, sig.StartBit, sig.Length)
	case BigEndian:
		uraw = extractBigEndian(payload, sig.StartBit, sig.Length)
	}

	if sig.Signed {
		raw = signExtend(uraw, sig.Length)
	} else {
		raw = int64(uraw)
	}

	physical = float64(raw)*sig.Factor + sig.Offset
	return raw, physical, true
}

// extractLittleEndian reads L bits starting at bit s of payload, viewed as a
// contiguous little-endian bitstring, least-significant-bit first.
func extractLittleEndian(payload [8]byte, s, length int) uint64 {
	var full uint64
	for i := 0; i < 8; i++ {
		full |= uint64(payload[i]) << (8 * i)
	}
	return (full >> uint(s)) & mask(length)
}

// extractBigEndian reads L bits where s names the most significant bit of
// the first source byte (Motorola convention: bit numbering within a byte
// runs MSB-first, and successive bits advance toward the LSB, crossing into
// the next byte at byte boundaries).
func extractBigEndian(payload [8]byte, s, length int) uint64 {
	var result uint64
	byteIdx := s / 8
	bitInByte := s % 8 // bit-from-LSB within the byte; 7 = MSB
	for remaining := length; remaining > 0; {
		avail := bitInByte + 1
		take := avail
		if take > remaining {
			take = remaining
		}
		shift := avail - take
		bits := (uint64(payload[byteIdx]) >> uint(shift)) & mask(take)
		result = (result << uint(take)) | bits

		remaining -= take
		byteIdx++
		bitInByte = 7
	}
	return result
}

func mask(bits int) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(bits)) - 1
}

func signExtend(v uint64, bits int) int64 {
	signBit := uint64(1) << uint(bits-1)
	if v&signBit != 0 {
		return int64(v | ^mask(bits))
	}
	return int64(v)
}
