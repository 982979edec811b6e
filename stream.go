package openrt

import (
	"encoding/base64"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/smallnest/ringbuffer"
	"github.com/voicewire/openrt-go/events"
)

// audioInput feeds written PCM to the session in fixed latency-sized append
// events. Writes block once the ring is full, which paces the producer to
// the drain rate instead of growing memory without bound.
type audioInput struct {
	ring *ringbuffer.RingBuffer
	once sync.Once
}

// AudioInput returns a writer for streaming raw mono 16-bit PCM at the
// configured input sample rate into the session. Each buffered chunk is sent
// as an append event without awaiting acknowledgement; turn boundaries come
// from server-side voice activity detection.
func (c *Client) AudioInput() io.Writer {
	c.inputOnce.Do(func() {
		c.input = newAudioInput(c)
	})
	return c.input
}

func newAudioInput(c *Client) *audioInput {
	// one minute of audio headroom
	size := getChunkSize(c.config.inputSampleRate, time.Minute, 2, 1)
	in := &audioInput{
		ring: ringbuffer.New(size).SetBlocking(true),
	}
	go in.pump(c)
	return in
}

func (in *audioInput) Write(p []byte) (int, error) {
	return in.ring.Write(p)
}

func (in *audioInput) stop() {
	in.once.Do(func() {
		in.ring.CloseWriter()
	})
}

func (in *audioInput) pump(c *Client) {
	chunkSize := getChunkSize(c.config.inputSampleRate, c.config.latency(), 2, 1)
	reader := NewFixedChunkReader(in.ring, chunkSize)
	buf := make([]byte, chunkSize)

	for {
		n, err := reader.Read(buf)
		if err != nil {
			if err != io.EOF {
				c.logger.Error("audio input read failed", slog.Any("err", err))
			}
			return
		}

		err = c.Send(events.InputAudioBufferAppendEvent{
			BaseEvent: events.NewBaseEvent("input_audio_buffer.append"),
			Audio:     base64.StdEncoding.EncodeToString(buf[:n]),
		})
		if err != nil {
			c.logger.Error("audio input send failed", slog.Any("err", err))
			return
		}
	}
}
