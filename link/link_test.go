package link

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/w1xm/dish_interface/protocol"
)

// fakeBoard answers commands on the far end of a pipe the way the firmware
// console does: echo, reply lines, prompt.
type fakeBoard struct {
	conn  net.Conn
	reply func(cmd string) string
}

func (b *fakeBoard) run() {
	r := bufio.NewReader(b.conn)
	for {
		cmd, err := r.ReadString('\r')
		if err != nil {
			return
		}
		cmd = strings.TrimSuffix(cmd, "\r")
		out := b.reply(cmd)
		if out == "" {
			continue
		}
		if _, err := io.WriteString(b.conn, out); err != nil {
			return
		}
	}
}

func newTestConn(t *testing.T, reply func(string) string, opts Options) (*Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	board := &fakeBoard{conn: b, reply: reply}
	go board.run()
	c := New(a, opts)
	t.Cleanup(func() {
		c.Close()
		b.Close()
	})
	return c, b
}

func TestSendReturnsFrame(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	c, _ := newTestConn(t, func(cmd string) string {
		return cmd + "\r\nCurrent heading:       3224 (160.192 deg.)\r\nGO>"
	}, Options{})

	got, err := c.Send(context.Background(), []byte("azacc"), time.Second)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	want := "azacc\nCurrent heading:       3224 (160.192 deg.)"
	if diff := cmp.Diff(string(got), want); diff != "" {
		t.Errorf("unexpected frame: got(-)/want(+):\n%s", diff)
	}
	c.Close()
}

func TestSendTimeout(t *testing.T) {
	c, _ := newTestConn(t, func(cmd string) string { return "" }, Options{})
	_, err := c.Send(context.Background(), []byte("azacc"), 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Send error = %v, want ErrTimeout", err)
	}
	if !Retryable(err) {
		t.Errorf("timeout not retryable")
	}
}

func TestSendDrainsStaleReply(t *testing.T) {
	c, _ := newTestConn(t, func(cmd string) string {
		if cmd == "slow" {
			time.Sleep(50 * time.Millisecond)
			return "late\r\nGO>"
		}
		return "Current elevation: 1098\r\nGO>"
	}, Options{})

	if _, err := c.Send(context.Background(), []byte("slow"), 10*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("slow Send error = %v, want ErrTimeout", err)
	}
	time.Sleep(100 * time.Millisecond)
	got, err := c.Send(context.Background(), []byte("elacc"), time.Second)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(got) != "Current elevation: 1098" {
		t.Errorf("frame = %q, want only the elevation line", got)
	}
}

func TestLateReplyAfterNextCommandIsRejected(t *testing.T) {
	c, _ := newTestConn(t, func(cmd string) string {
		if cmd == "azacc" {
			// Answer only after the caller has given up and moved on.
			time.Sleep(50 * time.Millisecond)
			return "azacc\r\nCurrent heading:       2460 (122.000 deg.)\r\nGO>"
		}
		return cmd + "\r\nCurrent elevation: 1098\r\nGO>"
	}, Options{})

	if _, err := c.Send(context.Background(), []byte("azacc"), 10*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("azacc Send error = %v, want ErrTimeout", err)
	}
	// Nothing is buffered yet, so the late heading becomes this frame.
	frame, err := c.Send(context.Background(), []byte("elacc"), time.Second)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	var codec protocol.Codec
	if _, err := codec.Decode(protocol.QueryElevation{}, frame); !errors.Is(err, protocol.ErrUnexpected) {
		t.Fatalf("Decode(%q) error = %v, want ErrUnexpected", frame, err)
	}

	time.Sleep(50 * time.Millisecond)
	frame, err = c.Send(context.Background(), []byte("elacc"), time.Second)
	if err != nil {
		t.Fatalf("retry Send: %v", err)
	}
	got, err := codec.Decode(protocol.QueryElevation{}, frame)
	if err != nil {
		t.Fatalf("retry Decode(%q): %v", frame, err)
	}
	if el := got.(protocol.Elevation); el.Count != 1098 {
		t.Errorf("retry elevation count = %d, want 1098", el.Count)
	}
}

func TestSendOversizedFrameIsMalformed(t *testing.T) {
	c, _ := newTestConn(t, func(cmd string) string {
		return strings.Repeat("x", 100) + "\r\n" + strings.Repeat("y", 100) + "\r\nGO>"
	}, Options{MaxFrame: 128})
	_, err := c.Send(context.Background(), []byte("rfwatch 1"), time.Second)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("Send error = %v, want ErrMalformed", err)
	}
}

func TestSendAfterDisconnectIsIOFailure(t *testing.T) {
	c, board := newTestConn(t, func(cmd string) string { return "GO>" }, Options{})
	board.Close()
	_, err := c.Send(context.Background(), []byte("azacc"), time.Second)
	if !errors.Is(err, ErrIOFailure) {
		t.Fatalf("Send error = %v, want ErrIOFailure", err)
	}
	if Retryable(err) {
		t.Errorf("i/o failure reported retryable")
	}
}

func TestSendAfterClose(t *testing.T) {
	c, _ := newTestConn(t, func(cmd string) string { return "GO>" }, Options{})
	c.Close()
	if _, err := c.Send(context.Background(), []byte("ver"), time.Second); !errors.Is(err, ErrIOFailure) {
		t.Fatalf("Send error = %v, want ErrIOFailure", err)
	}
}

func TestSendHonorsContext(t *testing.T) {
	c, _ := newTestConn(t, func(cmd string) string { return "" }, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.Send(ctx, []byte("azacc"), time.Minute); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send error = %v, want context deadline", err)
	}
}

func TestSplitFrames(t *testing.T) {
	c := &Conn{prompt: DefaultPrompt}
	input := "azacc\r\nCurrent heading: 1 (0.05 deg.)\r\nGO>elacc\r\n"
	scanner := bufio.NewScanner(strings.NewReader(input))
	scanner.Split(c.splitFrames)
	var got []string
	for scanner.Scan() {
		got = append(got, scanner.Text())
	}
	want := []string{"azacc", "Current heading: 1 (0.05 deg.)", "GO>", "elacc"}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("unexpected tokens: got(-)/want(+):\n%s", diff)
	}
}
