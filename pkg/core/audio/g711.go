package audio

// G.711 mu-law codec. The direct signaling strategy negotiates g711_ulaw on
// both legs so the engine needs no native codec dependency; mu-law is pure
// arithmetic.

const ulawBias = 0x84

// EncodeULaw compresses PCM16LE samples to 8-bit mu-law.
func EncodeULaw(pcm []byte) []byte {
	out := make([]byte, 0, len(pcm)/2)
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		out = append(out, ulawEncodeSample(sample))
	}
	return out
}

// DecodeULaw expands 8-bit mu-law bytes to PCM16LE.
func DecodeULaw(ulaw []byte) []byte {
	out := make([]byte, 0, len(ulaw)*2)
	for _, b := range ulaw {
		sample := ulawDecodeSample(b)
		out = append(out, byte(sample), byte(sample>>8))
	}
	return out
}

func ulawEncodeSample(sample int16) byte {
	sign := byte(0)
	value := int32(sample)
	if value < 0 {
		value = -value
		sign = 0x80
	}
	value += ulawBias
	if value > 0x7FFF {
		value = 0x7FFF
	}

	exponent := byte(7)
	for mask := int32(0x4000); mask != 0 && value&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((value >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

func ulawDecodeSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	value := (int32(mantissa)<<3 + ulawBias) << exponent
	value -= ulawBias
	if sign != 0 {
		value = -value
	}
	return int16(value)
}
