// Package wire defines the binary batch format carried over the transport.
// This is the one place bit-exactness matters system-wide: all numeric
// fields are fixed-width big-endian, and every batch is self-describing.
//
// Layout:
//
//	header    magic[4] version[1] frameCount[1] compression[1] reserved[1] sequenceStart[8]
//	metadata  fps[1] width[2] height[2] palette[1] framesPerBatch[1]
//	records   frameCount x (timestamp[4] payloadLen[4] payload)
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gridcast-dev/gridcast/internal/grid"
)

// Magic is the format fingerprint, used to reject foreign payloads before
// any other parsing.
var Magic = [4]byte{'G', 'C', 'S', 'T'}

// Version is the current wire format version. Readers reject anything newer.
const Version = 1

const (
	headerSize   = 16
	metadataSize = 7
	recordPrefix = 8 // timestamp + payload length

	// MaxFrameCount bounds frames per batch; the count field is one byte.
	MaxFrameCount = 255
)

// Sentinel errors for payload rejection. All mean drop-without-retry.
var (
	// ErrMalformed covers bad magic, truncation, and impossible field
	// values: the payload is not a gridcast batch, or not a whole one.
	ErrMalformed = errors.New("wire: malformed payload")

	// ErrUnsupportedVersion means the batch was produced by a newer writer.
	ErrUnsupportedVersion = errors.New("wire: unsupported version")
)

// Record is one serialized frame within a batch: its timestamp relative to
// the batch start, and its strategy-dependent payload.
type Record struct {
	Timestamp uint32
	Payload   []byte
}

// Batch is the deserialized form of one transported payload.
type Batch struct {
	Compression   grid.Compression
	SequenceStart uint64
	Metadata      grid.Metadata
	Records       []Record
}

// IsKeyframe reports whether the batch is self-contained (no dependency on
// prior state). Only delta batches depend on a predecessor.
func (b *Batch) IsKeyframe() bool {
	return b.Compression != grid.CompressionDelta
}

// Encode serializes the batch. The compression tag must be concrete: Auto
// is resolved by the codec before framing, never written to the wire.
func Encode(b *Batch) ([]byte, error) {
	if len(b.Records) == 0 || len(b.Records) > MaxFrameCount {
		return nil, fmt.Errorf("wire: frame count %d outside 1-%d", len(b.Records), MaxFrameCount)
	}
	if b.Compression == grid.CompressionAuto || !b.Compression.Valid() {
		return nil, fmt.Errorf("wire: compression %s cannot be framed", b.Compression)
	}
	if err := b.Metadata.Validate(); err != nil {
		return nil, err
	}

	size := headerSize + metadataSize
	for _, r := range b.Records {
		size += recordPrefix + len(r.Payload)
	}

	out := make([]byte, 0, size)
	out = append(out, Magic[:]...)
	out = append(out, Version)
	out = append(out, byte(len(b.Records)))
	out = append(out, byte(b.Compression))
	out = append(out, 0) // reserved
	out = binary.BigEndian.AppendUint64(out, b.SequenceStart)

	out = append(out, b.Metadata.FPS)
	out = binary.BigEndian.AppendUint16(out, b.Metadata.Width)
	out = binary.BigEndian.AppendUint16(out, b.Metadata.Height)
	out = append(out, byte(b.Metadata.Palette))
	out = append(out, b.Metadata.FramesPerBatch)

	for _, r := range b.Records {
		out = binary.BigEndian.AppendUint32(out, r.Timestamp)
		out = binary.BigEndian.AppendUint32(out, uint32(len(r.Payload)))
		out = append(out, r.Payload...)
	}
	return out, nil
}

// Decode deserializes a batch, validating cheapest-first: magic, then
// version, then frame-count bounds, before touching any frame payload.
// A reader with no prior state can decode any standalone batch; applying a
// delta batch additionally needs the reconstructor's cached reference.
func Decode(data []byte) (*Batch, error) {
	if len(data) < headerSize+metadataSize {
		return nil, fmt.Errorf("%w: %d bytes, want at least %d", ErrMalformed, len(data), headerSize+metadataSize)
	}
	if [4]byte(data[:4]) != Magic {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	if v := data[4]; v > Version {
		return nil, fmt.Errorf("%w: %d (reader supports <=%d)", ErrUnsupportedVersion, v, Version)
	}
	frameCount := int(data[5])
	if frameCount == 0 {
		return nil, fmt.Errorf("%w: zero frame count", ErrMalformed)
	}
	// Auto is an encoder directive, never a wire tag; Encode resolves it
	// to a concrete strategy before framing.
	if c := grid.Compression(data[6]); c == grid.CompressionAuto || !c.Valid() {
		return nil, fmt.Errorf("%w: compression %s cannot appear on the wire", ErrMalformed, c)
	}

	b := &Batch{
		Compression:   grid.Compression(data[6]),
		SequenceStart: binary.BigEndian.Uint64(data[8:16]),
	}

	md := data[headerSize : headerSize+metadataSize]
	b.Metadata = grid.Metadata{
		FPS:            md[0],
		Width:          binary.BigEndian.Uint16(md[1:3]),
		Height:         binary.BigEndian.Uint16(md[3:5]),
		Compression:    b.Compression,
		Palette:        grid.PaletteTag(md[5]),
		FramesPerBatch: md[6],
	}
	if err := b.Metadata.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	b.Records = make([]Record, 0, frameCount)
	off := headerSize + metadataSize
	for i := 0; i < frameCount; i++ {
		if off+recordPrefix > len(data) {
			return nil, fmt.Errorf("%w: record %d header truncated", ErrMalformed, i)
		}
		ts := binary.BigEndian.Uint32(data[off : off+4])
		plen := int(binary.BigEndian.Uint32(data[off+4 : off+8]))
		off += recordPrefix
		if off+plen > len(data) {
			return nil, fmt.Errorf("%w: record %d payload truncated", ErrMalformed, i)
		}
		b.Records = append(b.Records, Record{Timestamp: ts, Payload: data[off : off+plen : off+plen]})
		off += plen
	}
	if off != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data)-off)
	}
	return b, nil
}
