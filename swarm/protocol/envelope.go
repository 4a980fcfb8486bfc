package protocol

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"peerdrop/net/frame"
)

// Kind discriminates the two envelope shapes.
type Kind string

const (
	KindFile Kind = "file"
	KindChat Kind = "chat"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the unit exchanged between peers: a whole file or a chat line.
// Payload is a CBOR byte string, so arbitrary binary content survives unchanged.
type Envelope struct {
	Kind     Kind   `cbor:"1,keyasint"`
	FileName string `cbor:"2,keyasint,omitempty"`
	Payload  []byte `cbor:"3,keyasint,omitempty"`
	Text     string `cbor:"4,keyasint,omitempty"`
}

func FileTransfer(fileName string, payload []byte) *Envelope {
	return &Envelope{Kind: KindFile, FileName: fileName, Payload: payload}
}

func ChatLine(text string) *Envelope {
	return &Envelope{Kind: KindChat, Text: text}
}

// Validate checks the tagged union is well formed.
func (e *Envelope) Validate() error {
	switch e.Kind {
	case KindFile:
		if e.FileName == "" {
			return fmt.Errorf("%w: file envelope without file name", ErrMalformedEnvelope)
		}
		if e.Text != "" {
			return fmt.Errorf("%w: file envelope with text", ErrMalformedEnvelope)
		}
	case KindChat:
		if e.FileName != "" || len(e.Payload) != 0 {
			return fmt.Errorf("%w: chat envelope with file fields", ErrMalformedEnvelope)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEnvelope, e.Kind)
	}
	return nil
}

func (e *Envelope) String() string {
	switch e.Kind {
	case KindFile:
		return fmt.Sprintf("file %q (%d bytes)", e.FileName, len(e.Payload))
	case KindChat:
		return fmt.Sprintf("chat %q", e.Text)
	}
	return fmt.Sprintf("envelope of kind %q", e.Kind)
}

// Encode serializes the envelope and wraps it in a frame ready to be written to a stream.
// File payloads are compressed when worthwhile.
func Encode(e *Envelope) ([]byte, error) {
	return EncodeLimit(e, frame.DefaultMaxFrameSize)
}

// EncodeLimit is Encode for peers reading frames of at most maxFrameSize bytes. An envelope
// that does not fit fails with frame.ErrFrameTooLarge.
func EncodeLimit(e *Envelope, maxFrameSize int) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	body, err := cbor.Marshal(e)
	if err != nil {
		return nil, err
	}
	return frame.EncodeLimit(body, e.Kind == KindFile, maxFrameSize)
}

// Unmarshal parses a single frame body into an envelope.
func Unmarshal(body []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := cbor.Unmarshal(body, e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Decoder reads envelopes from a stream.
type Decoder struct {
	fr *frame.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{fr: frame.NewReader(r)}
}

// NewFrameDecoder continues reading from a frame reader that was already used, e.g. for the
// handshake, so no buffered bytes are lost.
func NewFrameDecoder(fr *frame.Reader) *Decoder {
	return &Decoder{fr: fr}
}

// FrameReader exposes the underlying frame reader, e.g. to tune MaxFrameSize.
func (d *Decoder) FrameReader() *frame.Reader {
	return d.fr
}

// Decode returns the next envelope.
// An error wrapping ErrMalformedEnvelope means the frame was intact but its content was not
// a valid envelope: the caller may drop it and keep reading. Any other error is fatal for the
// stream.
func (d *Decoder) Decode() (*Envelope, error) {
	body, err := d.fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	return Unmarshal(body)
}

// WriteMessage frames any CBOR value, used for the hello handshake.
func WriteMessage(w io.Writer, v any) error {
	body, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	buf, err := frame.Encode(body, false)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadMessage reads one frame and decodes it into v.
func ReadMessage(fr *frame.Reader, v any) error {
	body, err := fr.ReadFrame()
	if err != nil {
		return err
	}
	return cbor.Unmarshal(body, v)
}
