// Package dishtest provides an in-memory dish console for tests of code that
// drives a dish.Controller.
package dishtest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/w1xm/dish_interface/link"
	"github.com/w1xm/dish_interface/protocol"
)

// Hook can replace the reply to a command. Returning handled=false falls
// through to the default console behavior.
type Hook func(cmd string, az, el float64) (frame string, err error, handled bool)

// Link is a link.Link whose far end is an ideal mount: moves settle
// instantly and every reply is well formed.
type Link struct {
	mu       sync.Mutex
	az, el   float64
	power    float64
	hook     Hook
	commands []string
	closed   bool

	Calibration protocol.Calibration
}

var _ link.Link = (*Link)(nil)

// New returns a console pointing at (az, el) that reports power.
func New(az, el, power float64) *Link {
	return &Link{az: az, el: el, power: power, Calibration: protocol.DefaultCalibration}
}

// SetHook installs h for subsequent commands.
func (l *Link) SetHook(h Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = h
}

// SetPower changes the reported power.
func (l *Link) SetPower(p float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.power = p
}

// Commands returns every command received, in order.
func (l *Link) Commands() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.commands...)
}

// Pointing returns where the mount currently points.
func (l *Link) Pointing() (az, el float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.az, l.el
}

func (l *Link) Send(ctx context.Context, cmd []byte, timeout time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, fmt.Errorf("%w: link closed", link.ErrIOFailure)
	}
	s := string(cmd)
	l.commands = append(l.commands, s)
	if l.hook != nil {
		if frame, err, ok := l.hook(s, l.az, l.el); ok {
			if err != nil {
				return nil, err
			}
			return []byte(frame), nil
		}
	}
	return []byte(l.reply(s)), nil
}

func (l *Link) reply(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return ""
	}
	arg := func() float64 {
		if len(fields) < 2 {
			return 0
		}
		v, _ := strconv.ParseFloat(fields[1], 64)
		return v
	}
	switch fields[0] {
	case "azangle":
		l.az = arg()
	case "elangle":
		l.el = arg()
	case "aznudge":
		if len(fields) > 1 && fields[1] == "ccw" {
			l.az -= 0.2
		} else {
			l.az += 0.2
		}
	case "elnudge":
		if len(fields) > 1 && fields[1] == "down" {
			l.el -= 0.2
		} else {
			l.el += 0.2
		}
	case "azacc":
		return fmt.Sprintf("%s\nCurrent heading:       %d (%.3f deg.)", cmd, int(l.az*20), l.az)
	case "elacc":
		return fmt.Sprintf("%s\nCurrent elevation: %d", cmd, l.Calibration.ToCount(l.el))
	case "rfwatch":
		return fmt.Sprintf("%s\nCurrent rfss:           \x1b[5D%d", cmd, int(l.power))
	case "ver":
		return cmd + "\nDish console test"
	default:
		return cmd + "\nUnknown command: " + cmd
	}
	return cmd
}

func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
