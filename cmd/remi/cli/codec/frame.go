// Package codec frames payloads for files remi writes outside the store:
// archive bundles and the semantic model.
//
// A frame is
//
//	magic "RMIF" | type byte | uvarint len + version | uvarint raw len | zstd(payload)
//
// The version is the semver of the payload format; callers check it with
// versioncheck before trusting the payload.
package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// FrameType identifies what a frame carries.
type FrameType byte

const (
	FrameBundle FrameType = 0x01
	FrameModel  FrameType = 0x02
)

func (t FrameType) String() string {
	switch t {
	case FrameBundle:
		return "bundle"
	case FrameModel:
		return "model"
	}
	return fmt.Sprintf("frame(0x%02x)", byte(t))
}

var frameMagic = []byte("RMIF")

// maxVersionLen bounds the version string so a corrupt header cannot make
// the decoder allocate.
const maxVersionLen = 64

var (
	ErrBadMagic  = errors.New("codec: bad magic")
	ErrTruncated = errors.New("codec: truncated frame")
	ErrLength    = errors.New("codec: payload length mismatch")
)

// Header is the uncompressed prefix of a frame.
type Header struct {
	Type    FrameType
	Version string
	RawLen  uint64
}

// Encoder compresses payloads into frames.
type Encoder struct {
	zw *zstd.Encoder
}

// NewEncoder creates a frame encoder at the default zstd level.
func NewEncoder() (*Encoder, error) {
	zw, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("codec: create zstd encoder: %w", err)
	}
	return &Encoder{zw: zw}, nil
}

// Close releases encoder resources.
func (e *Encoder) Close() {
	_ = e.zw.Close()
}

// Encode returns a complete frame for payload.
func (e *Encoder) Encode(ft FrameType, version string, payload []byte) []byte {
	buf := make([]byte, 0, len(frameMagic)+1+len(version)+2*binary.MaxVarintLen64+len(payload)/2)
	buf = append(buf, frameMagic...)
	buf = append(buf, byte(ft))
	buf = appendUvarint(buf, uint64(len(version)))
	buf = append(buf, version...)
	buf = appendUvarint(buf, uint64(len(payload)))
	return e.zw.EncodeAll(payload, buf)
}

// Decoder reads frames.
type Decoder struct {
	zr *zstd.Decoder
}

// NewDecoder creates a frame decoder.
func NewDecoder() (*Decoder, error) {
	zr, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("codec: create zstd decoder: %w", err)
	}
	return &Decoder{zr: zr}, nil
}

// Close releases decoder resources.
func (d *Decoder) Close() {
	d.zr.Close()
}

// ReadHeader parses the frame header and returns it with the offset of the
// compressed payload.
func ReadHeader(data []byte) (Header, int, error) {
	var h Header
	if len(data) < len(frameMagic)+1 {
		return h, 0, ErrTruncated
	}
	if string(data[:len(frameMagic)]) != string(frameMagic) {
		return h, 0, fmt.Errorf("%w: %x", ErrBadMagic, data[:len(frameMagic)])
	}
	pos := len(frameMagic)
	h.Type = FrameType(data[pos])
	pos++

	vlen, n := readUvarint(data[pos:])
	if n <= 0 || vlen > maxVersionLen {
		return h, 0, fmt.Errorf("%w: version length", ErrTruncated)
	}
	pos += n
	if pos+int(vlen) > len(data) {
		return h, 0, fmt.Errorf("%w: version", ErrTruncated)
	}
	h.Version = string(data[pos : pos+int(vlen)])
	pos += int(vlen)

	h.RawLen, n = readUvarint(data[pos:])
	if n <= 0 {
		return h, 0, fmt.Errorf("%w: payload length", ErrTruncated)
	}
	pos += n
	return h, pos, nil
}

// Decode parses a frame and returns its header and decompressed payload.
func (d *Decoder) Decode(data []byte) (Header, []byte, error) {
	h, pos, err := ReadHeader(data)
	if err != nil {
		return h, nil, err
	}
	payload, err := d.zr.DecodeAll(data[pos:], make([]byte, 0, int(min(h.RawLen, 1<<26))))
	if err != nil {
		return h, nil, fmt.Errorf("decode %s: zstd: %w", h.Type, err)
	}
	if uint64(len(payload)) != h.RawLen {
		return h, nil, fmt.Errorf("%w: header %d, got %d", ErrLength, h.RawLen, len(payload))
	}
	return h, payload, nil
}

// MarshalJSON encodes v as JSON inside a frame.
func MarshalJSON(ft FrameType, version string, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ft, err)
	}
	enc, err := NewEncoder()
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.Encode(ft, version, payload), nil
}

// UnmarshalJSON decodes a frame of type want into v and returns its header.
// The caller checks Header.Version.
func UnmarshalJSON(data []byte, want FrameType, v any) (Header, error) {
	dec, err := NewDecoder()
	if err != nil {
		return Header{}, err
	}
	defer dec.Close()

	h, payload, err := dec.Decode(data)
	if err != nil {
		return h, err
	}
	if h.Type != want {
		return h, fmt.Errorf("codec: frame is %s, want %s", h.Type, want)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return h, fmt.Errorf("decode %s: %w", h.Type, err)
	}
	return h, nil
}

func appendUvarint(buf []byte, x uint64) []byte {
	return binary.AppendUvarint(buf, x)
}

// readUvarint returns 0 bytes read on empty input and a negative count on
// overflow.
func readUvarint(data []byte) (uint64, int) {
	return binary.Uvarint(data)
}
