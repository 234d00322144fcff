package audio

// Resample converts PCM16LE mono audio between sample rates by linear
// interpolation. Good enough for the narrowband G.711 leg; upstream speech
// models do their own filtering.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return pcm
	}
	samples := len(pcm) / 2
	if samples == 0 {
		return nil
	}
	outSamples := samples * toRate / fromRate
	out := make([]byte, 0, outSamples*2)
	for i := 0; i < outSamples; i++ {
		pos := float64(i) * float64(fromRate) / float64(toRate)
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := sampleAt(pcm, idx)
		s1 := s0
		if idx+1 < samples {
			s1 = sampleAt(pcm, idx+1)
		}
		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out = append(out, byte(v), byte(v>>8))
	}
	return out
}

func sampleAt(pcm []byte, idx int) int16 {
	return int16(pcm[idx*2]) | int16(pcm[idx*2+1])<<8
}
