// Package audio provides PCM helpers shared by the ingress and the engine
// implementations: int16/byte conversion, resampling, float32 downmix, and
// Opus frame decoding.
package audio

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
// A trailing odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. Matching or invalid rates return the input unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// PCMToFloat32Mono converts 16-bit little-endian PCM to float32 samples in
// [-1, 1], downmixing interleaved channels by averaging. whisper.cpp wants
// this layout.
func PCMToFloat32Mono(pcm []byte, channels int) []float32 {
	if channels <= 0 {
		channels = 1
	}
	samples := BytesToInt16s(pcm)
	out := make([]float32, 0, len(samples)/channels)
	for i := 0; i+channels <= len(samples); i += channels {
		var acc float32
		for c := 0; c < channels; c++ {
			acc += float32(samples[i+c]) / 32768.0
		}
		out = append(out, acc/float32(channels))
	}
	return out
}
