package openrt

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func sinePCM(sampleRate int, seconds float64) []byte {
	n := int(float64(sampleRate) * seconds)
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(10_000 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func TestWAVRoundTrip(t *testing.T) {
	pcm := sinePCM(16_000, 0.1)

	container := WrapPCM(pcm, 16_000)
	decoded, err := DecodeWAV(bytes.NewReader(container), 16_000)
	require.NoError(t, err)
	require.Equal(t, len(pcm), len(decoded))

	// float conversion in the decoder may shift samples by a count or two
	for i := 0; i+1 < len(pcm); i += 2 {
		want := int16(binary.LittleEndian.Uint16(pcm[i:]))
		got := int16(binary.LittleEndian.Uint16(decoded[i:]))
		diff := int(want) - int(got)
		if diff < -4 || diff > 4 {
			t.Fatalf("sample %d: want %d, got %d", i/2, want, got)
		}
	}
}

func stereoWAV(left, right []int16, sampleRate int) []byte {
	n := len(left)
	data := make([]byte, n*4)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(data[i*4:], uint16(left[i]))
		binary.LittleEndian.PutUint16(data[i*4+2:], uint16(right[i]))
	}

	var buf bytes.Buffer
	le := binary.LittleEndian
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, le, uint32(36+len(data)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, le, uint32(16))
	_ = binary.Write(&buf, le, uint16(1))
	_ = binary.Write(&buf, le, uint16(2))
	_ = binary.Write(&buf, le, uint32(sampleRate))
	_ = binary.Write(&buf, le, uint32(sampleRate*4))
	_ = binary.Write(&buf, le, uint16(4))
	_ = binary.Write(&buf, le, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, le, uint32(len(data)))
	buf.Write(data)
	return buf.Bytes()
}

func TestDecodeWAVStereoDownmix(t *testing.T) {
	left := make([]int16, 1600)
	right := make([]int16, 1600)
	for i := range left {
		left[i] = 1000
		right[i] = 3000
	}

	decoded, err := DecodeWAV(bytes.NewReader(stereoWAV(left, right, 16_000)), 16_000)
	require.NoError(t, err)
	require.Equal(t, len(left)*2, len(decoded))

	mid := int16(binary.LittleEndian.Uint16(decoded[800:]))
	require.InDelta(t, 2000, float64(mid), 4, "stereo input downmixes to the channel average")
}

func TestDecodeWAVMalformed(t *testing.T) {
	_, err := DecodeWAV(bytes.NewReader([]byte("definitely not a wav file")), 16_000)
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestLoadWAVMissingFile(t *testing.T) {
	_, err := LoadWAV("testdata/does-not-exist.wav", 16_000)
	require.ErrorIs(t, err, ErrFileNotFound)
}

func TestDecodeAudioMalformed(t *testing.T) {
	_, err := DecodeAudio("%%% not base64 %%%")
	require.ErrorIs(t, err, ErrMalformedEncoding)
}

func TestEncodeDecodeAudio(t *testing.T) {
	pcm := []byte{1, 2, 3, 4, 5}
	decoded, err := DecodeAudio(EncodeAudio(pcm))
	require.NoError(t, err)
	require.Equal(t, pcm, decoded)
}

func TestResamplePCMSameRate(t *testing.T) {
	pcm := sinePCM(16_000, 0.05)
	out, err := ResamplePCM(pcm, 16_000, 16_000)
	require.NoError(t, err)
	require.Equal(t, pcm, out)
}

func TestResamplePCMChangesLength(t *testing.T) {
	pcm := sinePCM(16_000, 0.1)
	out, err := ResamplePCM(pcm, 16_000, 8_000)
	require.NoError(t, err)

	// roughly half the samples, allow resampler edge slack
	want := len(pcm) / 2
	require.InDelta(t, want, len(out), float64(want)/10)
}
