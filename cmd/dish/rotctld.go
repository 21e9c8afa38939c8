package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/w1xm/dish_interface/dish"
)

// Hamlib return codes.
const (
	rprtOK       = 0
	rprtEINVAL   = -1
	rprtETIMEOUT = -5
	rprtEIO      = -6
)

func rprtFor(err error) int {
	switch {
	case err == nil:
		return rprtOK
	case errors.Is(err, dish.ErrOutOfRange):
		return rprtEINVAL
	case errors.Is(err, dish.ErrUnreachablePosition), errors.Is(err, dish.ErrSensorFailure):
		return rprtETIMEOUT
	}
	return rprtEIO
}

// ServeRotctld speaks the Hamlib rotctld network protocol on ln until ctx is
// done.
func (s *Server) ServeRotctld(ctx context.Context, ln net.Listener, limits dish.Limits) error {
	go func() {
		<-ctx.Done()
		s.log.Infow("shutdown; closing rotctld socket")
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("rotctld accept: %w", err)
		}
		go func() {
			defer conn.Close()
			s.log.Infow("accepted rotctld connection", "remote", conn.RemoteAddr())
			s.handleRotctld(ctx, conn, limits)
		}()
	}
}

func (s *Server) handleRotctld(ctx context.Context, conn io.ReadWriter, limits dish.Limits) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		// Two forms of command: single character, or "+\" followed by command name.
		cmd := scanner.Text()
		var args []string
		var extended bool
		if len(cmd) == 0 {
			continue
		} else if len(cmd) > 2 && cmd[0:2] == `+\` {
			extended = true
			parts := strings.Split(cmd, " ")
			cmd = parts[0][2:]
			if len(parts) > 1 {
				args = parts[1:]
			}
			fmt.Fprintf(conn, "%s:\n", cmd)
		} else if len(cmd) > 1 && cmd[0] == '\\' {
			fields := strings.Fields(cmd[1:])
			if len(fields) == 0 {
				continue
			}
			cmd, args = fields[0], fields[1:]
		} else {
			// Space after command is optional.
			if len(cmd) > 1 {
				args = strings.Fields(strings.TrimLeft(cmd[1:], " "))
			}
			cmd = string(cmd[0])
		}
		s.log.Debugw("rotctld command", "cmd", cmd, "args", args)
		rprt := rprtOK
		switch cmd {
		case "q", "Q", "quit":
			return
		case "1", "dump_caps":
			fmt.Fprintf(conn, `Model name: Dish
Mfg name: W1XM
Rot type: Az-El
Min Azimuth: %.2f
Max Azimuth: %.2f
Min Elevation: %.2f
Max Elevation: %.2f
Can set Position: Y
Can get Position: Y
Can Stop: Y
Can Park: Y
Can Reset: N
Can Move: Y
Can get Info: N
`, limits.AzMin, limits.AzMax, limits.ElMin, limits.ElMax)
		case "S", "stop":
			extended = true // always print RPRT
			// Moves settle before the controller is released, so there is
			// never motion left to stop.
			rprt = rprtFor(s.withController(func(*dish.Controller) error { return nil }))
		case "K", "park":
			extended = true // always print RPRT
			rprt = rprtFor(s.withController(func(c *dish.Controller) error {
				_, err := c.Home(ctx)
				return err
			}))
		case "P", "set_pos":
			extended = true // always print RPRT
			if len(args) != 2 {
				rprt = rprtEINVAL
				break
			}
			az, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				rprt = rprtEINVAL
				break
			}
			el, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				rprt = rprtEINVAL
				break
			}
			if az < 0 {
				az += 360
			}
			if !s.limiter.Allow() {
				rprt = rprtEIO
				break
			}
			rprt = rprtFor(s.withController(func(c *dish.Controller) error {
				_, err := c.MoveTo(ctx, dish.Position{Azimuth: az, Elevation: el})
				return err
			}))
		case "M", "move":
			extended = true // always print RPRT
			if len(args) != 2 {
				rprt = rprtEINVAL
				break
			}
			dir, err := strconv.Atoi(args[0])
			if err != nil {
				rprt = rprtEINVAL
				break
			}
			// The firmware only nudges by a fixed step, so speed is ignored.
			if _, err := strconv.Atoi(args[1]); err != nil {
				rprt = rprtEINVAL
				break
			}
			axis, sign := dish.AzimuthAxis, 0.0
			switch dir {
			case 2: // Up
				axis, sign = dish.ElevationAxis, 1
			case 4: // Down
				axis, sign = dish.ElevationAxis, -1
			case 8: // Left
				sign = -1
			case 16: // Right
				sign = 1
			default:
				rprt = rprtEINVAL
			}
			if rprt != rprtOK {
				break
			}
			if !s.limiter.Allow() {
				rprt = rprtEIO
				break
			}
			rprt = rprtFor(s.withController(func(c *dish.Controller) error {
				_, err := c.Nudge(ctx, axis, sign)
				return err
			}))
		case "p", "get_pos":
			s.statusMu.RLock()
			pos := s.status.Position
			s.statusMu.RUnlock()
			if extended {
				fmt.Fprintf(conn, "Azimuth: %.6f\nElevation: %.6f\n", pos.Azimuth, pos.Elevation)
			} else {
				fmt.Fprintf(conn, "%.6f\n%.6f\n", pos.Azimuth, pos.Elevation)
			}
		default:
			rprt = rprtEINVAL
		}
		if extended || rprt != rprtOK {
			fmt.Fprintf(conn, "RPRT %d\n", rprt)
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.Warnw("reading rotctld", "err", err)
	}
}
