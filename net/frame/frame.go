// Package frame implements length-prefixed framing over an unframed byte stream.
//
// Wire layout of a frame:
//
//	<magic:4 "PDRP"><flags:1><length:4 big endian><body:length>
//
// Flag bit 0 marks a snappy-compressed body. The length is the on-wire body length.
// A frame may arrive split across any number of transport reads, and several frames may
// arrive in a single read; the Reader reassembles both cases.
package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/golang/snappy"
)

const (
	HeaderSize = 9

	FlagSnappy byte = 0x01

	DefaultMaxFrameSize = 256 << 20 // 256 MiB
	MinCompressSize     = 512       // Bodies smaller than this are always sent raw
	CompressionGain     = 0.05      // Compressed body must save at least 5%
)

var Magic = [4]byte{'P', 'D', 'R', 'P'}

var ErrBadMagic = errors.New("frame: bad magic")
var ErrFrameTooLarge = errors.New("frame: frame too large")
var ErrCorrupt = errors.New("frame: corrupt frame")

// Encode builds a complete frame around body. Compression is attempted when compress is set.
// The result is a single buffer so the caller can hand it to one Write call.
// Bodies a default Reader would refuse are rejected with ErrFrameTooLarge.
func Encode(body []byte, compress bool) ([]byte, error) {
	return EncodeLimit(body, compress, DefaultMaxFrameSize)
}

// EncodeLimit is Encode for peers reading with the given MaxFrameSize. The limit applies to
// the uncompressed body, as the Reader checks both the wire and the decoded length.
func EncodeLimit(body []byte, compress bool, maxFrameSize int) ([]byte, error) {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if len(body) > maxFrameSize || uint64(len(body)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(body), maxFrameSize)
	}

	flags := byte(0)
	if compress && len(body) >= MinCompressSize {
		packed := snappy.Encode(nil, body)
		if float64(len(packed)) <= float64(len(body))*(1-CompressionGain) {
			body = packed
			flags |= FlagSnappy
		}
	}

	buf := make([]byte, HeaderSize+len(body))
	copy(buf[:4], Magic[:])
	buf[4] = flags
	binary.BigEndian.PutUint32(buf[5:HeaderSize], uint32(len(body)))
	copy(buf[HeaderSize:], body)
	return buf, nil
}

// Writer writes frames to an underlying stream. It is not safe for concurrent use.
type Writer struct {
	w            io.Writer
	Compress     bool
	MaxFrameSize int
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, MaxFrameSize: DefaultMaxFrameSize}
}

func (fw *Writer) WriteFrame(body []byte) error {
	buf, err := EncodeLimit(body, fw.Compress, fw.MaxFrameSize)
	if err != nil {
		return err
	}
	_, err = fw.w.Write(buf)
	return err
}

// Reader reads frames from an underlying stream. It is not safe for concurrent use.
type Reader struct {
	r            *bufio.Reader
	MaxFrameSize int
}

func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:            bufio.NewReader(r),
		MaxFrameSize: DefaultMaxFrameSize,
	}
}

// ReadFrame returns the next frame body, decompressed if needed.
// io.EOF is returned only on a clean end of stream between frames; a stream that ends
// inside a frame yields io.ErrUnexpectedEOF.
func (fr *Reader) ReadFrame() ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		return nil, err
	}
	if [4]byte(hdr[:4]) != Magic {
		return nil, fmt.Errorf("%w: %x", ErrBadMagic, hdr[:4])
	}
	flags := hdr[4]
	length := binary.BigEndian.Uint32(hdr[5:])
	if uint64(length) > uint64(fr.MaxFrameSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, fr.MaxFrameSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	if flags&FlagSnappy == 0 {
		return body, nil
	}

	n, err := snappy.DecodedLen(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if n > fr.MaxFrameSize {
		return nil, fmt.Errorf("%w: decoded %d > %d", ErrFrameTooLarge, n, fr.MaxFrameSize)
	}
	out, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return out, nil
}
