package audio

import (
	"math"
	"testing"
)

func TestInt16RoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 12345}
	out := BytesToInt16s(Int16sToBytes(in))
	if len(out) != len(in) {
		t.Fatalf("length = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d = %d, want %d", i, out[i], in[i])
		}
	}
}

func TestBytesToInt16s_IgnoresTrailingOddByte(t *testing.T) {
	if got := BytesToInt16s([]byte{0x01, 0x02, 0xff}); len(got) != 1 {
		t.Fatalf("samples = %d, want 1", len(got))
	}
}

func TestResample_IdentityAndInvalidRates(t *testing.T) {
	in := []float32{0.1, 0.2, 0.3}
	if got := Resample(in, 16000, 16000); len(got) != 3 {
		t.Errorf("same-rate resample changed length: %d", len(got))
	}
	if got := Resample(in, 0, 16000); len(got) != 3 {
		t.Errorf("invalid source rate changed length: %d", len(got))
	}
	if got := Resample(nil, 48000, 16000); len(got) != 0 {
		t.Errorf("empty input produced %d samples", len(got))
	}
}

func TestResample_Downsample(t *testing.T) {
	// 48 kHz to 16 kHz keeps one sample in three.
	in := make([]float32, 480)
	for i := range in {
		in[i] = float32(i)
	}
	out := Resample(in, 48000, 16000)
	if len(out) != 160 {
		t.Fatalf("downsampled length = %d, want 160", len(out))
	}
	// Each output sample lands exactly on every third input sample.
	for i, s := range out {
		if math.Abs(float64(s)-float64(i*3)) > 0.001 {
			t.Fatalf("out[%d] = %v, want %d", i, s, i*3)
		}
	}
}

func TestResample_UpsampleInterpolates(t *testing.T) {
	// 8 kHz to 16 kHz doubles the sample count; odd output samples sit
	// midway between their neighbours.
	out := Resample([]float32{0, 1}, 8000, 16000)
	if len(out) != 4 {
		t.Fatalf("upsampled length = %d, want 4", len(out))
	}
	if math.Abs(float64(out[1])-0.5) > 0.001 {
		t.Errorf("out[1] = %v, want 0.5", out[1])
	}
}

func TestPCMToFloat32Mono(t *testing.T) {
	mono := PCMToFloat32Mono(Int16sToBytes([]int16{16384, -16384}), 1)
	if len(mono) != 2 {
		t.Fatalf("mono samples = %d, want 2", len(mono))
	}
	if math.Abs(float64(mono[0])-0.5) > 0.001 || math.Abs(float64(mono[1])+0.5) > 0.001 {
		t.Errorf("mono = %v, want [0.5 -0.5]", mono)
	}

	// Stereo downmix averages the channel pair.
	stereo := PCMToFloat32Mono(Int16sToBytes([]int16{16384, -16384, 8192, 8192}), 2)
	if len(stereo) != 2 {
		t.Fatalf("downmixed samples = %d, want 2", len(stereo))
	}
	if math.Abs(float64(stereo[0])) > 0.001 {
		t.Errorf("downmix[0] = %v, want 0", stereo[0])
	}
	if math.Abs(float64(stereo[1])-0.25) > 0.001 {
		t.Errorf("downmix[1] = %v, want 0.25", stereo[1])
	}
}
