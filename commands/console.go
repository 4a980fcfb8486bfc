package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"peerdrop/peerid"
	"peerdrop/swarm/broadcast"
	"peerdrop/swarm/node"

	log "github.com/sirupsen/logrus"
)

// Mode decides what a plain input line means.
type Mode string

const (
	ModeFile Mode = "file" // a line names a file in the source directory
	ModeChat Mode = "chat" // a line is a chat message
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFile, ModeChat:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q, want %q or %q", s, ModeFile, ModeChat)
}

type actionKind int

const (
	actionNone actionKind = iota
	actionFile
	actionChat
	actionPeers
	actionFiles
)

type action struct {
	kind actionKind
	arg  string
}

// parseLine interprets one input line. "/file <name>", "/chat <text>", "/peers" and "/files"
// work in every mode.
func parseLine(mode Mode, line string) action {
	line = strings.TrimSpace(line)
	if line == "" {
		return action{}
	}

	if strings.HasPrefix(line, "/") {
		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)
		switch cmd {
		case "/file":
			if arg == "" {
				return action{}
			}
			return action{kind: actionFile, arg: arg}
		case "/chat":
			if arg == "" {
				return action{}
			}
			return action{kind: actionChat, arg: arg}
		case "/peers":
			return action{kind: actionPeers}
		case "/files":
			return action{kind: actionFiles}
		}
	}

	if mode == ModeChat {
		return action{kind: actionChat, arg: line}
	}
	return action{kind: actionFile, arg: line}
}

// syncWriter serializes console output from the input loop and the receive path.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, args...)
}

// consoleOutput prints received messages.
type consoleOutput struct {
	out *syncWriter
}

func (c *consoleOutput) FileReceived(from peerid.ID, name string, path string, size int) {
	c.out.Printf("Received file %s (%d bytes) from %s, saved to %s\n", name, size, from.String(), path)
}

func (c *consoleOutput) ChatReceived(from peerid.ID, text string) {
	c.out.Printf("%s: %s\n", from.Short(), text)
}

// console feeds input lines to the node until in is exhausted or ctx is cancelled.
type console struct {
	node *node.Node
	mode Mode
	out  *syncWriter
}

func (c *console) run(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		c.handle(ctx, parseLine(c.mode, scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		log.Errorf("console: %v", err)
	}
}

func (c *console) handle(ctx context.Context, a action) {
	switch a.kind {
	case actionFile:
		report, err := c.node.SendFile(ctx, a.arg)
		if err != nil {
			c.out.Printf("Cannot send %s: %v\n", a.arg, err)
			return
		}
		c.printReport("File sent to", report)

	case actionChat:
		report, err := c.node.SendChat(ctx, a.arg)
		if err != nil {
			c.out.Printf("Cannot send message: %v\n", err)
			return
		}
		c.printReport("Message sent to", report)

	case actionPeers:
		peers := c.node.Peers()
		c.out.Printf("%d peer(s) connected\n", len(peers))
		for _, p := range peers {
			c.out.Printf("  %s  seq %d  %s\n", p.PeerID.String(), p.Sequence, p.Address)
		}

	case actionFiles:
		names, err := c.node.Files()
		if err != nil {
			c.out.Printf("Cannot list files: %v\n", err)
			return
		}
		c.out.Printf("%d file(s) in %s\n", len(names), c.node.Source.Path())
		for _, name := range names {
			c.out.Printf("  %s\n", name)
		}
	}
}

func (c *console) printReport(label string, r *broadcast.Report) {
	ids := make([]string, len(r.Delivered))
	for i, id := range r.Delivered {
		ids[i] = id.String()
	}
	c.out.Printf("%s: %s\n", label, strings.Join(ids, ", "))
	for id, err := range r.Failed {
		c.out.Printf("  failed %s: %v\n", id.Short(), err)
	}
}
