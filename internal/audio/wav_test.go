package audio

import "testing"

func TestEncodeDecodeWAVRoundTrip(t *testing.T) {
	pcm := make([]byte, 2*SampleRate) // one second of 16-bit mono silence
	wav := EncodeWAV(pcm, SampleRate, 1, 16)

	samples, rate, channels, bits, ok := DecodeWAVDuration(wav)
	if !ok {
		t.Fatal("expected successful header parse")
	}
	if rate != SampleRate || channels != 1 || bits != 16 {
		t.Fatalf("unexpected header fields: rate=%d channels=%d bits=%d", rate, channels, bits)
	}
	if samples != SampleRate {
		t.Fatalf("expected %d samples, got %d", SampleRate, samples)
	}
}

func TestEnsureWAVPassesThroughExisting(t *testing.T) {
	wav := EncodeWAV([]byte{1, 2, 3, 4}, SampleRate, 1, 16)
	got := EnsureWAV(wav, SampleRate, 1, 16)
	if len(got) != len(wav) {
		t.Fatalf("expected passthrough of already-wrapped WAV, got different length %d vs %d", len(got), len(wav))
	}
}
