// Package link implements the half-duplex console link to the dish controller
// board. The firmware echoes each command, prints its reply and then a prompt;
// a response frame is every line received between the command and the prompt.
package link

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrTimeout means no prompt arrived within the command timeout.
	ErrTimeout = errors.New("link timeout")
	// ErrIOFailure means the underlying device failed or was closed. The
	// session is unusable afterwards.
	ErrIOFailure = errors.New("link i/o failure")
	// ErrMalformed means the response framing was broken.
	ErrMalformed = errors.New("malformed response")
)

// Retryable reports whether a failed Send may be repeated on the same link.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrMalformed)
}

// Link sends one command and returns the raw response frame.
type Link interface {
	Send(ctx context.Context, cmd []byte, timeout time.Duration) ([]byte, error)
	Close() error
}

const (
	DefaultPrompt   = "GO>"
	DefaultMaxFrame = 4096
)

type Options struct {
	// Prompt terminates every response frame.
	Prompt string
	// MaxFrame bounds the size of one response frame in bytes.
	MaxFrame int
	// CharDelay is slept between written bytes; some firmware drops
	// characters that arrive back to back.
	CharDelay time.Duration
	Logger    *zap.SugaredLogger
}

// Conn is an open link session. It exclusively owns rwc.
type Conn struct {
	rwc    io.ReadWriteCloser
	prompt string
	opts   Options
	log    *zap.SugaredLogger

	// mu enforces one command in flight.
	mu     sync.Mutex
	lines  chan string
	closed chan struct{}

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// New wraps rwc and starts the reader.
func New(rwc io.ReadWriteCloser, opts Options) *Conn {
	if opts.Prompt == "" {
		opts.Prompt = DefaultPrompt
	}
	if opts.MaxFrame <= 0 {
		opts.MaxFrame = DefaultMaxFrame
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := &Conn{
		rwc:    rwc,
		prompt: opts.Prompt,
		opts:   opts,
		log:    log,
		lines:  make(chan string, 64),
		closed: make(chan struct{}),
	}
	go c.read()
	return c
}

// splitFrames is a bufio.SplitFunc yielding lines and bare prompts, which the
// firmware prints without a line terminator.
func (c *Conn) splitFrames(data []byte, atEOF bool) (int, []byte, error) {
	start := 0
	for start < len(data) && (data[start] == '\r' || data[start] == '\n') {
		start++
	}
	rest := data[start:]
	if len(rest) == 0 {
		return start, nil, nil
	}
	if bytes.HasPrefix(rest, []byte(c.prompt)) {
		return start + len(c.prompt), rest[:len(c.prompt)], nil
	}
	if i := bytes.IndexAny(rest, "\r\n"); i >= 0 {
		return start + i + 1, rest[:i], nil
	}
	if atEOF {
		return len(data), rest, nil
	}
	return start, nil, nil
}

func (c *Conn) read() {
	defer close(c.lines)
	scanner := bufio.NewScanner(c.rwc)
	scanner.Buffer(make([]byte, 0, 256), 64*1024)
	scanner.Split(c.splitFrames)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.log.Debugw("rx", "line", line)
		select {
		case c.lines <- line:
		case <-c.closed:
			return
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.setErr(err)
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Conn) readErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// drain discards lines left over from an earlier command, typically a late
// reply to a command that timed out.
func (c *Conn) drain() {
	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				return
			}
			c.log.Debugw("discarding stale line", "line", line)
		default:
			return
		}
	}
}

func (c *Conn) write(cmd []byte) error {
	for _, b := range append(append([]byte{}, cmd...), '\r') {
		if _, err := c.rwc.Write([]byte{b}); err != nil {
			return err
		}
		if c.opts.CharDelay > 0 {
			time.Sleep(c.opts.CharDelay)
		}
	}
	return nil
}

// Send writes cmd and waits up to timeout for the prompt that ends its reply.
// The returned frame holds the reply lines joined by '\n', echo included.
func (c *Conn) Send(ctx context.Context, cmd []byte, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return nil, fmt.Errorf("%w: link closed", ErrIOFailure)
	default:
	}
	if err := c.readErr(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}

	c.drain()
	c.log.Debugw("tx", "cmd", string(cmd))
	if err := c.write(cmd); err != nil {
		return nil, fmt.Errorf("%w: writing %q: %v", ErrIOFailure, cmd, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var frame []string
	size := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("%w: no prompt after %v for %q", ErrTimeout, timeout, cmd)
		case line, ok := <-c.lines:
			if !ok {
				return nil, fmt.Errorf("%w: %v", ErrIOFailure, c.readErr())
			}
			if line == c.prompt {
				return []byte(strings.Join(frame, "\n")), nil
			}
			size += len(line) + 1
			if size > c.opts.MaxFrame {
				return nil, fmt.Errorf("%w: frame for %q exceeds %d bytes", ErrMalformed, cmd, c.opts.MaxFrame)
			}
			frame = append(frame, line)
		}
	}
}

// Close releases the device. Pending and later Sends fail with ErrIOFailure.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.rwc.Close()
	})
	return err
}
