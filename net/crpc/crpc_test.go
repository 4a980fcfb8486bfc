package crpc

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"peerdrop/net/frame"
)

type EchoArgs struct {
	Text string `cbor:"1,keyasint,omitempty"`
}

type EchoReply struct {
	Text  string `cbor:"1,keyasint,omitempty"`
	Calls int    `cbor:"2,keyasint,omitempty"`
}

type Echo struct {
	calls int
}

func (e *Echo) Say(args *EchoArgs, reply *EchoReply) error {
	e.calls++
	reply.Text = args.Text
	reply.Calls = e.calls
	return nil
}

func (e *Echo) Fail(args *EchoArgs, reply *EchoReply) error {
	return errors.New("refused: " + args.Text)
}

func (e *Echo) Panic(args *EchoArgs, reply *EchoReply) error {
	panic("boom")
}

func startServer(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(l)
	if err := srv.Register(&Echo{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv.Addr().String()
}

func dialClient(t *testing.T, addr string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, "tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCall(t *testing.T) {
	c := dialClient(t, startServer(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 1; i <= 3; i++ {
		reply := &EchoReply{}
		if err := c.Call(ctx, "Echo.Say", &EchoArgs{Text: "hi"}, reply); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if reply.Text != "hi" || reply.Calls != i {
			t.Errorf("call %d: got %+v", i, reply)
		}
	}
}

func TestCallErrorsKeepConnection(t *testing.T) {
	c := dialClient(t, startServer(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Call(ctx, "Echo.Fail", &EchoArgs{Text: "x"}, &EchoReply{})
	var se ServerError
	if !errors.As(err, &se) || !strings.Contains(string(se), "refused: x") {
		t.Errorf("Fail: got %v", err)
	}

	err = c.Call(ctx, "Echo.Panic", &EchoArgs{}, &EchoReply{})
	if !errors.As(err, &se) {
		t.Errorf("Panic: got %v, want ServerError", err)
	}

	err = c.Call(ctx, "Echo.Missing", &EchoArgs{}, &EchoReply{})
	if !errors.As(err, &se) {
		t.Errorf("Missing: got %v, want ServerError", err)
	}

	err = c.Call(ctx, "NoDot", &EchoArgs{}, &EchoReply{})
	if !errors.As(err, &se) {
		t.Errorf("NoDot: got %v, want ServerError", err)
	}

	reply := &EchoReply{}
	if err := c.Call(ctx, "Echo.Say", &EchoArgs{Text: "still here"}, reply); err != nil {
		t.Fatalf("call after errors: %v", err)
	}
	if reply.Text != "still here" {
		t.Errorf("got %q", reply.Text)
	}
}

func TestCallAfterClose(t *testing.T) {
	c := dialClient(t, startServer(t))
	c.Close()

	err := c.Call(context.Background(), "Echo.Say", &EchoArgs{}, &EchoReply{})
	if !errors.Is(err, ErrShutdown) {
		t.Errorf("got %v, want ErrShutdown", err)
	}
}

type noMethods struct{}

func TestRegisterRejects(t *testing.T) {
	srv := NewServer(nil)
	if err := srv.Register(&noMethods{}); err == nil {
		t.Error("unexported type registered")
	}
	if err := srv.Register(&Echo{}); err != nil {
		t.Fatal(err)
	}
	if err := srv.Register(&Echo{}); err == nil {
		t.Error("duplicate service registered")
	}
}

func TestOversizedRequestFailsLocally(t *testing.T) {
	c := dialClient(t, startServer(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	big := strings.Repeat("x", maxMessageSize)
	err := c.Call(ctx, "Echo.Say", &EchoArgs{Text: big}, &EchoReply{})
	if !errors.Is(err, frame.ErrFrameTooLarge) {
		t.Fatalf("got %v, want frame.ErrFrameTooLarge", err)
	}

	reply := &EchoReply{}
	if err := c.Call(ctx, "Echo.Say", &EchoArgs{Text: "small"}, reply); err != nil {
		t.Fatalf("call after refused request: %v", err)
	}
	if reply.Text != "small" {
		t.Errorf("got %q", reply.Text)
	}
}
