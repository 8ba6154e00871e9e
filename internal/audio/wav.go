// Package audio provides the minimal WAV container encoding the Synthesize
// stage needs: RIFF header framing over raw PCM, and just enough header
// parsing to recover a playback duration.
package audio

import (
	"bytes"
	"encoding/binary"
)

// SampleRate is the fixed output rate every synthesized segment uses.
const SampleRate = 24000

// EnsureWAV returns data unchanged if it already begins with a RIFF/WAVE
// header, otherwise wraps it as one PCM WAV file.
func EnsureWAV(data []byte, sampleRate, channels, bitsPerSample int) []byte {
	if len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")) {
		return data
	}
	return EncodeWAV(data, sampleRate, channels, bitsPerSample)
}

// EncodeWAV wraps raw PCM samples in a canonical 44-byte WAV header.
func EncodeWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16)) // PCM fmt chunk size
	binary.Write(&buf, binary.LittleEndian, uint16(1))  // PCM format tag
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// DecodeWAVDuration parses just enough of a WAV header to compute playback
// duration in samples per second, used by the orchestrator to stamp
// AudioSegment.Duration without a full decode.
func DecodeWAVDuration(wav []byte) (sampleCount int, sampleRate int, channels int, bitsPerSample int, ok bool) {
	if len(wav) < 44 {
		return 0, 0, 0, 0, false
	}
	channels = int(binary.LittleEndian.Uint16(wav[22:24]))
	sampleRate = int(binary.LittleEndian.Uint32(wav[24:28]))
	bitsPerSample = int(binary.LittleEndian.Uint16(wav[34:36]))
	dataLen := int(binary.LittleEndian.Uint32(wav[40:44]))
	if channels == 0 || bitsPerSample == 0 {
		return 0, 0, 0, 0, false
	}
	bytesPerSample := bitsPerSample / 8 * channels
	if bytesPerSample == 0 {
		return 0, 0, 0, 0, false
	}
	sampleCount = dataLen / bytesPerSample
	return sampleCount, sampleRate, channels, bitsPerSample, true
}
