package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// maxOpusFrameMs is the largest Opus frame duration we accept (120 ms per
// RFC 6716); the decode buffer is sized from it.
const maxOpusFrameMs = 120

// OpusDecoder decodes a single session's Opus frame stream to 16-bit PCM.
// Each session needs its own decoder so inter-frame predictor state stays
// coherent. Not safe for concurrent use; the ingress read loop is the only
// caller.
type OpusDecoder struct {
	dec        *gopus.Decoder
	sampleRate int
	channels   int
}

// NewOpusDecoder creates a decoder for the given output sample rate and
// channel count.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, sampleRate: sampleRate, channels: channels}, nil
}

// Decode decodes one Opus packet into interleaved little-endian int16 PCM
// bytes.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	frameSize := d.sampleRate * maxOpusFrameMs / 1000
	pcm, err := d.dec.Decode(packet, frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16sToBytes(pcm), nil
}
