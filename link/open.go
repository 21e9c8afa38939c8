package link

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/tarm/serial"
)

// SerialConfig describes how to reach the controller board.
type SerialConfig struct {
	// Port is a device path such as /dev/ttyACM0, or tcp://host:port for a
	// serial-over-TCP bridge or the simulator.
	Port string
	// Baud is the serial line rate. Ignored for TCP.
	Baud int
	Options
}

const tcpScheme = "tcp://"

// Open opens the port described by cfg, 8N1 without flow control.
func Open(ctx context.Context, cfg SerialConfig) (*Conn, error) {
	if strings.HasPrefix(cfg.Port, tcpScheme) {
		dialer := &net.Dialer{Timeout: 5 * time.Second}
		conn, err := dialer.DialContext(ctx, "tcp", strings.TrimPrefix(cfg.Port, tcpScheme))
		if err != nil {
			return nil, fmt.Errorf("%w: opening %q: %v", ErrIOFailure, cfg.Port, err)
		}
		return New(conn, cfg.Options), nil
	}
	baud := cfg.Baud
	if baud == 0 {
		baud = 9600
	}
	s, err := serial.OpenPort(&serial.Config{
		Name:     cfg.Port,
		Baud:     baud,
		Size:     8,
		Parity:   serial.ParityNone,
		StopBits: serial.Stop1,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: opening %q: %v", ErrIOFailure, cfg.Port, err)
	}
	return New(s, cfg.Options), nil
}
