package crpc

import (
	"bytes"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"peerdrop/net/frame"
)

// maxMessageSize bounds control messages; they carry names and peer lists, never file data.
const maxMessageSize = 4 << 20

type codec struct {
	fr *frame.Reader

	wmu sync.Mutex
	w   io.Writer
}

func newCodec(rw io.ReadWriter) *codec {
	fr := frame.NewReader(rw)
	fr.MaxFrameSize = maxMessageSize
	return &codec{fr: fr, w: rw}
}

// write encodes header and optional body into a single frame.
func (c *codec) write(header any, body any) error {
	buf := new(bytes.Buffer)
	enc := cbor.NewEncoder(buf)
	if err := enc.Encode(header); err != nil {
		return err
	}
	if body != nil {
		if err := enc.Encode(body); err != nil {
			return err
		}
	}

	wire, err := frame.EncodeLimit(buf.Bytes(), false, maxMessageSize)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.w.Write(wire)
	return err
}

// read returns a decoder positioned at the header of the next message.
func (c *codec) read() (*cbor.Decoder, error) {
	body, err := c.fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	return cbor.NewDecoder(bytes.NewReader(body)), nil
}
