// Package simulator emulates the dish controller firmware console: a mount
// with rate and acceleration limited motors and an RF power sensor looking
// at a single source.
package simulator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/w1xm/dish_interface/dish"
	"github.com/w1xm/dish_interface/link"
	"github.com/w1xm/dish_interface/protocol"
)

// Loosely inspired by https://github.com/rolandturner/ground-simulator/blob/master/Simulator.js

const (
	// Maximum acceleration in degrees/second^2
	maxAccel = 30
	// Maximum velocity in degrees/second
	maxVel = 30
	minVel = 0.1
	// Acceleration due to drag when not driving
	dragAccel = 30
	// Discrete simulation step size
	stepSize = 25 * time.Millisecond
	// Readings printed per second by rfwatch
	readingsPerSecond = 5
	// Heading counts per degree of azimuth
	azCountsPerDegree = 20.125
	// Step taken by aznudge / elnudge
	nudgeStep  = 0.2
	maxSpeedup = 10

	Version = "Dish console sim"
)

type Options struct {
	Start       dish.Position
	Calibration protocol.Calibration
	// Source is where the received power peaks.
	Source dish.Position
	// Peak and Floor are the sensor readings on and far off the source.
	Peak, Floor float64
	// Beamwidth is the gaussian sigma of the beam, in degrees.
	Beamwidth float64
	// Noise is the standard deviation of each reading.
	Noise float64
	// Speedup runs simulated time faster than wall time, at most
	// maxSpeedup.
	Speedup float64
	Seed    uint64
	Logger  *zap.SugaredLogger
}

func DefaultOptions() Options {
	return Options{
		Start:       dish.Position{Azimuth: 180, Elevation: 5},
		Calibration: protocol.DefaultCalibration,
		Source:      dish.Position{Azimuth: 180, Elevation: 35},
		Peak:        3400,
		Floor:       3100,
		Beamwidth:   4,
		Noise:       2,
		Speedup:     1,
		Seed:        1,
	}
}

type axis struct {
	pos, vel, target float64
	driving          bool
}

type Simulator struct {
	opts Options
	log  *zap.SugaredLogger

	mu  sync.Mutex
	az  axis
	el  axis
	rng *rand.Rand
}

func New(opts Options) *Simulator {
	if opts.Speedup <= 0 {
		opts.Speedup = 1
	}
	// Larger steps make the position servo oscillate.
	opts.Speedup = math.Min(opts.Speedup, maxSpeedup)
	if opts.Calibration.CountAtRef == opts.Calibration.CountAtZero {
		opts.Calibration = protocol.DefaultCalibration
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Simulator{
		opts: opts,
		log:  log,
		az:   axis{pos: opts.Start.Azimuth, target: opts.Start.Azimuth},
		el:   axis{pos: opts.Start.Elevation, target: opts.Start.Elevation},
		rng:  rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}
}

// Position returns where the simulated mount points.
func (s *Simulator) Position() dish.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return dish.Position{Azimuth: s.az.pos, Elevation: s.el.pos}
}

// Run advances the physics until ctx is done.
func (s *Simulator) Run(ctx context.Context) error {
	t := time.NewTicker(stepSize)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		s.step()
	}
}

// Serve accepts console sessions on ln until ctx is done.
func (s *Simulator) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			s.log.Infow("console session opened", "remote", conn.RemoteAddr())
			g.Go(func() error {
				if err := s.ServeConn(ctx, conn); err != nil {
					s.log.Warnw("console session", "remote", conn.RemoteAddr(), "err", err)
				}
				return nil
			})
		}
	})
	return g.Wait()
}

// ServeConn runs one console session. It returns when the client hangs up or
// ctx is done, and always closes conn.
func (s *Simulator) ServeConn(ctx context.Context, conn io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		conn.Close()
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return s.reader(ctx, conn)
	})
	return g.Wait()
}

// splitCommands yields command lines, which the firmware terminates with a
// carriage return.
func splitCommands(data []byte, atEOF bool) (int, []byte, error) {
	for i, b := range data {
		if b == '\r' || b == '\n' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (s *Simulator) reader(ctx context.Context, conn io.ReadWriteCloser) error {
	scanner := bufio.NewScanner(conn)
	scanner.Split(splitCommands)
	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		s.log.Debugw("srv->sim", "cmd", input)
		lines := s.execute(ctx, input)
		var b strings.Builder
		b.WriteString(input + "\r\n")
		for _, l := range lines {
			b.WriteString(l + "\r\n")
		}
		b.WriteString(link.DefaultPrompt)
		s.log.Debugw("sim->srv", "reply", lines)
		if _, err := io.WriteString(conn, b.String()); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("writing port: %w", err)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("reading port: %w", err)
	}
	return nil
}

const angleFault = "Error: angle out of range"

func parseAngle(arg string, lo, hi float64) (float64, bool) {
	v, err := strconv.ParseFloat(arg, 64)
	if err != nil || math.IsNaN(v) || v < lo || v > hi {
		return 0, false
	}
	return v, true
}

// execute runs one console command and returns the lines it prints.
func (s *Simulator) execute(ctx context.Context, input string) []string {
	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]
	unknown := []string{"Unknown command: " + input}

	if cmd == "rfwatch" {
		if len(args) != 1 {
			return unknown
		}
		seconds, err := strconv.Atoi(args[0])
		if err != nil || seconds <= 0 {
			return []string{"Invalid period: " + args[0]}
		}
		return []string{s.rfwatch(ctx, seconds)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch cmd {
	case "ver":
		return []string{Version}
	case "azacc":
		return []string{fmt.Sprintf("Current heading:       %d (%.3f deg.)", int(math.Round(s.az.pos*azCountsPerDegree)), s.az.pos)}
	case "elacc":
		return []string{fmt.Sprintf("Current elevation: %d", s.opts.Calibration.ToCount(s.el.pos))}
	case "azangle", "elangle":
		if len(args) != 1 {
			return unknown
		}
		ax, limit := &s.az, 360.0
		if cmd == "elangle" {
			ax, limit = &s.el, 90
		}
		v, ok := parseAngle(args[0], 0, limit)
		if !ok {
			return []string{angleFault}
		}
		ax.target, ax.driving = v, true
		return nil
	case "aznudge":
		if len(args) != 1 || (args[0] != "cw" && args[0] != "ccw") {
			return unknown
		}
		d := nudgeStep
		if args[0] == "ccw" {
			d = -d
		}
		s.az.target, s.az.driving = math.Mod(s.az.pos+d+360, 360), true
		return nil
	case "elnudge":
		if len(args) != 1 || (args[0] != "up" && args[0] != "down") {
			return unknown
		}
		d := nudgeStep
		if args[0] == "down" {
			d = -d
		}
		s.el.target, s.el.driving = math.Max(0, math.Min(90, s.el.pos+d)), true
		return nil
	}
	return unknown
}

// rfwatch prints readings for the given period, each redrawn over the last
// with a cursor-left escape.
func (s *Simulator) rfwatch(ctx context.Context, seconds int) string {
	n := seconds * readingsPerSecond
	interval := time.Duration(float64(time.Second) / readingsPerSecond / s.opts.Speedup)
	var b strings.Builder
	b.WriteString("Current rfss:           ")
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return b.String()
		case <-time.After(interval):
		}
		fmt.Fprintf(&b, "\x1b[5D%d ", int(math.Round(s.power())))
	}
	return b.String()
}

func (s *Simulator) power() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.opts
	dAz := math.Remainder(s.az.pos-o.Source.Azimuth, 360)
	dEl := s.el.pos - o.Source.Elevation
	p := o.Floor
	if o.Beamwidth > 0 {
		p += (o.Peak - o.Floor) * math.Exp(-(dAz*dAz+dEl*dEl)/(2*o.Beamwidth*o.Beamwidth))
	}
	return math.Max(0, p+s.rng.NormFloat64()*o.Noise)
}

// posServo returns a target velocity for the given move
func posServo(s, t float64) float64 {
	move := math.Remainder(t-s, 360)
	delta := 2 * math.Abs(move)
	if delta > maxVel {
		delta = maxVel
	}
	if move < 0 {
		delta = -delta
	}
	return delta
}

// velServo returns an actual velocity for the given current and target velocity
func velServo(s, t, dt float64) float64 {
	delta := math.Abs(t - s)
	if delta > maxAccel*dt {
		delta = maxAccel * dt
	}
	if t < s {
		delta = -delta
	}
	v := s + delta
	if math.Abs(v) < minVel {
		return 0
	}
	return math.Max(-maxVel, math.Min(maxVel, v))
}

func drag(s, dt float64) float64 {
	a := math.Abs(s) - dragAccel*dt
	if a < 0 {
		a = 0
	}
	if s < 0 {
		return -a
	}
	return a
}

func (a *axis) step(dt float64) {
	if a.driving {
		a.vel = velServo(a.vel, posServo(a.pos, a.target), dt)
		if a.vel == 0 && math.Abs(math.Remainder(a.target-a.pos, 360)) < minVel/2 {
			a.driving = false
		}
	} else {
		a.vel = drag(a.vel, dt)
	}
	a.pos += a.vel * dt
}

func (s *Simulator) step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	dt := stepSize.Seconds() * s.opts.Speedup
	s.az.step(dt)
	s.el.step(dt)
	s.az.pos = math.Mod(s.az.pos+360, 360)
	// The elevation axis rests on hard stops.
	if s.el.pos < 0 {
		s.el.pos, s.el.vel = 0, 0
	} else if s.el.pos > 90 {
		s.el.pos, s.el.vel = 90, 0
	}
}
