package openrt

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// Chunk is one fragment of a streamed audio artifact. Arrival order over the
// transport is not guaranteed to equal logical order, so the ordering key is
// carried explicitly.
type Chunk struct {
	ContentIndex int
	OutputIndex  int
	Data         []byte
}

// Assemble reconstructs the artifact from its chunks, sorted by
// (ContentIndex, OutputIndex) ascending. Concatenating in arrival order
// instead would garble audio whenever deltas arrive out of order.
func Assemble(chunks []Chunk) []byte {
	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].ContentIndex != sorted[j].ContentIndex {
			return sorted[i].ContentIndex < sorted[j].ContentIndex
		}
		return sorted[i].OutputIndex < sorted[j].OutputIndex
	})

	size := 0
	for _, c := range sorted {
		size += len(c.Data)
	}
	out := make([]byte, 0, size)
	for _, c := range sorted {
		out = append(out, c.Data...)
	}
	return out
}

const wavHeaderSize = 44

// WrapPCM wraps raw mono 16-bit little-endian samples in a minimal RIFF/WAVE
// container. The sample rate is a configuration constant, never inferred
// from the payload.
func WrapPCM(pcm []byte, sampleRate int) []byte {
	const (
		channels       = 1
		bitsPerSample  = 16
		bytesPerSample = bitsPerSample / 8
	)

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	le := binary.LittleEndian

	buf.WriteString("RIFF")
	_ = binary.Write(buf, le, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(buf, le, uint32(16))
	_ = binary.Write(buf, le, uint16(1)) // PCM
	_ = binary.Write(buf, le, uint16(channels))
	_ = binary.Write(buf, le, uint32(sampleRate))
	_ = binary.Write(buf, le, uint32(sampleRate*channels*bytesPerSample))
	_ = binary.Write(buf, le, uint16(channels*bytesPerSample))
	_ = binary.Write(buf, le, uint16(bitsPerSample))

	buf.WriteString("data")
	_ = binary.Write(buf, le, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}
