package audio

// SamplesFromI16 converts interleaved int16 PCM samples to float32 in [-1, 1].
func SamplesFromI16(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// SamplesFromU16 converts interleaved unsigned 16-bit PCM (midpoint 32768)
// to float32 in [-1, 1].
func SamplesFromU16(in []uint16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(int32(s)-32768) / 32768.0
	}
	return out
}

// Downmix reduces interleaved multi-channel samples to mono by keeping the
// first channel of each frame. Mono input is returned unchanged.
func Downmix(in []float32, channels int) []float32 {
	if channels <= 1 {
		return in
	}
	out := make([]float32, 0, len(in)/channels)
	for i := 0; i+channels <= len(in); i += channels {
		out = append(out, in[i])
	}
	return out
}

// ResampleMono resamples mono float32 samples from srcRate to dstRate using
// linear interpolation. If srcRate == dstRate the input is returned
// unchanged.
func ResampleMono(in []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return in
	}
	if srcRate == dstRate || len(in) == 0 {
		return in
	}
	dstLen := int(int64(len(in)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstLen {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := in[srcIdx]
		s1 := s0
		if srcIdx+1 < len(in) {
			s1 = in[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// EncodeS16LE converts mono float32 samples in [-1, 1] to little-endian
// 16-bit PCM bytes, the streaming wire format. Samples are clamped and scaled
// asymmetrically (×32768 for negative, ×32767 for positive) so that both
// extremes map onto representable int16 values.
func EncodeS16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s < 0 {
			v = int16(s * 32768)
		} else {
			v = int16(s * 32767)
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}
