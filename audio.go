package openrt

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/faiface/beep"
	"github.com/faiface/beep/wav"
)

// LoadWAV reads a WAV file and normalizes it to mono 16-bit PCM at the given
// sample rate, the shape the input audio buffer expects.
func LoadWAV(path string, sampleRate int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, err
	}
	defer f.Close()

	return DecodeWAV(f, sampleRate)
}

// DecodeWAV decodes WAV data and normalizes it to mono 16-bit PCM at the
// given sample rate.
func DecodeWAV(r io.Reader, sampleRate int) ([]byte, error) {
	streamer, format, err := wav.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	defer streamer.Close()

	var src beep.Streamer = streamer
	if int(format.SampleRate) != sampleRate {
		src = beep.Resample(3, format.SampleRate, beep.SampleRate(sampleRate), streamer)
	}

	// mono sources leave channel 1 at zero; averaging would halve them
	stereo := format.NumChannels > 1

	var out []byte
	frames := make([][2]float64, 1024)
	for {
		n, ok := src.Stream(frames)
		for i := 0; i < n; i++ {
			mono := frames[i][0]
			if stereo {
				mono = (frames[i][0] + frames[i][1]) / 2.0
			}
			if mono > 1 {
				mono = 1
			} else if mono < -1 {
				mono = -1
			}
			var sample [2]byte
			binary.LittleEndian.PutUint16(sample[:], uint16(int16(mono*32767)))
			out = append(out, sample[:]...)
		}
		if !ok {
			break
		}
	}

	if err := streamer.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	return out, nil
}

// EncodeAudio encodes raw PCM for embedding in a JSON event.
func EncodeAudio(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeAudio decodes a base64 audio payload from an event.
func DecodeAudio(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	return data, nil
}
