package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"peerdrop/net/frame"
	"peerdrop/peerid"
)

func allBytes() []byte {
	b := make([]byte, 256)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

// splitReader delivers the first n bytes in one read and the rest in a second read.
type splitReader struct {
	data []byte
	n    int
	done bool
}

func (s *splitReader) Read(p []byte) (int, error) {
	if len(s.data) == 0 {
		return 0, io.EOF
	}
	limit := len(s.data)
	if !s.done {
		limit = s.n
		s.done = true
	}
	n := copy(p, s.data[:limit])
	s.data = s.data[n:]
	return n, nil
}

func TestFileTransferRoundTrip(t *testing.T) {
	payloads := map[string][]byte{
		"all-bytes":   allBytes(),
		"nulls":       make([]byte, 64),
		"invalid-utf": {0xff, 0xfe, 0xc3, 0x28, 0x00, 0xa0, 0xa1},
		"empty":       {},
		"large":       bytes.Repeat(allBytes(), 4096),
	}
	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			in := FileTransfer("dir/ünïcode name.bin", payload)
			enc, err := Encode(in)
			if err != nil {
				t.Fatal(err)
			}
			out, err := NewDecoder(bytes.NewReader(enc)).Decode()
			if err != nil {
				t.Fatal(err)
			}
			if out.Kind != KindFile || out.FileName != in.FileName {
				t.Fatalf("unexpected envelope: %s", out)
			}
			if !bytes.Equal(out.Payload, payload) {
				t.Fatalf("payload mismatch: got %d bytes, want %d", len(out.Payload), len(payload))
			}
		})
	}
}

func TestChatLineRoundTrip(t *testing.T) {
	enc, err := Encode(ChatLine("hello, peers"))
	if err != nil {
		t.Fatal(err)
	}
	out, err := NewDecoder(bytes.NewReader(enc)).Decode()
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != KindChat || out.Text != "hello, peers" {
		t.Fatalf("unexpected envelope: %s", out)
	}
}

func TestTwoEnvelopesSplitAtAnyOffset(t *testing.T) {
	first, err := Encode(FileTransfer("a.txt", allBytes()))
	if err != nil {
		t.Fatal(err)
	}
	second, err := Encode(ChatLine("after the file"))
	if err != nil {
		t.Fatal(err)
	}
	stream := append(bytes.Clone(first), second...)

	for n := 1; n < len(stream); n++ {
		dec := NewDecoder(&splitReader{data: bytes.Clone(stream), n: n})
		e1, err := dec.Decode()
		if err != nil {
			t.Fatalf("offset %d: first envelope: %v", n, err)
		}
		e2, err := dec.Decode()
		if err != nil {
			t.Fatalf("offset %d: second envelope: %v", n, err)
		}
		if e1.Kind != KindFile || e1.FileName != "a.txt" || !bytes.Equal(e1.Payload, allBytes()) {
			t.Fatalf("offset %d: first envelope mismatch: %s", n, e1)
		}
		if e2.Kind != KindChat || e2.Text != "after the file" {
			t.Fatalf("offset %d: second envelope mismatch: %s", n, e2)
		}
		if _, err := dec.Decode(); err != io.EOF {
			t.Fatalf("offset %d: expected io.EOF, got %v", n, err)
		}
	}
}

func mustFrame(t *testing.T, body []byte) []byte {
	t.Helper()
	buf, err := frame.Encode(body, false)
	if err != nil {
		t.Fatal(err)
	}
	return buf
}

func TestMalformedEnvelopeKeepsStreamUsable(t *testing.T) {
	var stream []byte
	stream = append(stream, mustFrame(t, []byte("definitely not cbor \xff\xff"))...)
	unknown, _ := cbor.Marshal(&Envelope{Kind: "video"})
	stream = append(stream, mustFrame(t, unknown)...)
	noName, _ := cbor.Marshal(&Envelope{Kind: KindFile, Payload: []byte{1}})
	stream = append(stream, mustFrame(t, noName)...)
	good, _ := Encode(ChatLine("still here"))
	stream = append(stream, good...)

	dec := NewDecoder(bytes.NewReader(stream))
	for i := 0; i < 3; i++ {
		if _, err := dec.Decode(); !errors.Is(err, ErrMalformedEnvelope) {
			t.Fatalf("frame %d: expected ErrMalformedEnvelope, got %v", i, err)
		}
	}
	e, err := dec.Decode()
	if err != nil {
		t.Fatal(err)
	}
	if e.Text != "still here" {
		t.Fatalf("unexpected envelope after malformed ones: %s", e)
	}
}

func TestEncodeRejectsInvalidEnvelope(t *testing.T) {
	if _, err := Encode(&Envelope{Kind: KindFile}); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
	}
	if _, err := Encode(&Envelope{Kind: KindChat, FileName: "x"}); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
	}
}

func TestHelloThenEnvelopesShareReader(t *testing.T) {
	var buf bytes.Buffer
	hello := &Hello{Version: Version, PeerID: peerid.MustRandom(), Channel: "file-sharing-channel"}
	if err := WriteMessage(&buf, hello); err != nil {
		t.Fatal(err)
	}
	enc, _ := Encode(ChatLine("right after hello"))
	buf.Write(enc)

	fr := frame.NewReader(&buf)
	var got Hello
	if err := ReadMessage(fr, &got); err != nil {
		t.Fatal(err)
	}
	if got != *hello {
		t.Fatalf("hello mismatch: %+v != %+v", got, *hello)
	}
	e, err := NewFrameDecoder(fr).Decode()
	if err != nil {
		t.Fatal(err)
	}
	if e.Text != "right after hello" {
		t.Fatalf("unexpected envelope: %s", e)
	}
}

func TestEncodeRejectsFileLargerThanPeersAccept(t *testing.T) {
	const limit = 64 << 10
	env := FileTransfer("big.bin", make([]byte, limit+1024))

	if _, err := EncodeLimit(env, limit); !errors.Is(err, frame.ErrFrameTooLarge) {
		t.Fatalf("got %v, want frame.ErrFrameTooLarge", err)
	}

	// Whatever the encoder accepts, a reader with the same limit decodes.
	env = FileTransfer("fits.bin", make([]byte, limit-1024))
	enc, err := EncodeLimit(env, limit)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec := NewDecoder(bytes.NewReader(enc))
	dec.FrameReader().MaxFrameSize = limit
	got, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Payload) != limit-1024 {
		t.Errorf("payload %d bytes", len(got.Payload))
	}
}
