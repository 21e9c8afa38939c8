// Package dish drives the az/el dish mount through the firmware console and
// keeps the authoritative belief of where it points.
package dish

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/w1xm/dish_interface/internal/metrics"
	"github.com/w1xm/dish_interface/link"
	"github.com/w1xm/dish_interface/protocol"
)

type State int

const (
	Uninitialized State = iota
	Homing
	Idle
	Moving
	Faulted
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Homing:
		return "homing"
	case Idle:
		return "idle"
	case Moving:
		return "moving"
	case Faulted:
		return "faulted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for st := Uninitialized; st <= Faulted; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Config holds the hardware-tuned parameters of the controller.
type Config struct {
	Limits Limits
	Home   Position
	Codec  protocol.Codec

	// CommandTimeout bounds one round trip on the link.
	CommandTimeout time.Duration
	// SettleTolerance is the largest per-axis error, in degrees, that counts
	// as arrived.
	SettleTolerance float64
	// SettlePolls is the number of consecutive in-tolerance polls required.
	SettlePolls int
	// PollInterval separates position polls while settling.
	PollInterval time.Duration
	// SettleTimeout bounds one move attempt.
	SettleTimeout time.Duration
	// MoveRetries is the number of extra attempts after the first.
	MoveRetries int
	// HomePolls bounds the polls spent waiting for the home position.
	HomePolls int
	// SensorRetries is the number of extra power reads after the first.
	SensorRetries int
	// PowerSeconds is the rfwatch averaging period.
	PowerSeconds int
	// PowerCeiling rejects readings above it as sensor glitches. Zero
	// disables the check.
	PowerCeiling float64
	// NudgeStep is how far the firmware moves an axis on one nudge, in
	// degrees.
	NudgeStep float64
}

// DefaultConfig returns the values tuned on the reference dish.
func DefaultConfig() Config {
	return Config{
		Limits:          Limits{AzMin: 0, AzMax: 360, ElMin: 0, ElMax: 70},
		Home:            Position{Azimuth: 180, Elevation: 5},
		Codec:           protocol.Codec{Elevation: protocol.DefaultCalibration},
		CommandTimeout:  1 * time.Second,
		SettleTolerance: 0.1,
		SettlePolls:     3,
		PollInterval:    100 * time.Millisecond,
		SettleTimeout:   60 * time.Second,
		MoveRetries:     2,
		HomePolls:       1200,
		SensorRetries:   3,
		PowerSeconds:    1,
		PowerCeiling:    5000,
		NudgeStep:       0.2,
	}
}

// Status is a snapshot of the controller, published through StatusCallback.
type Status struct {
	State    State     `json:"state"`
	Position Position  `json:"position"`
	Target   *Position `json:"target,omitempty"`
	Power    *float64  `json:"power,omitempty"`
	Version  string    `json:"version,omitempty"`
	Updated  time.Time `json:"updated"`
}

type StatusCallback func(status Status)

// Controller owns the link and the believed dish position. It is not safe
// for concurrent use: a single caller drives it, one command at a time.
type Controller struct {
	link  link.Link
	cfg   Config
	log   *zap.SugaredLogger
	codec protocol.Codec

	statusCallback StatusCallback

	// mu guards status for readers on other goroutines.
	mu     sync.Mutex
	status Status
}

// NewController wraps an open link. The controller starts Uninitialized;
// call Home before moving.
func NewController(l link.Link, cfg Config, log *zap.SugaredLogger, statusCallback StatusCallback) *Controller {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if statusCallback == nil {
		statusCallback = func(Status) {}
	}
	c := &Controller{
		link:           l,
		cfg:            cfg,
		log:            log,
		codec:          cfg.Codec,
		statusCallback: statusCallback,
	}
	c.status.State = Uninitialized
	metrics.SetControllerState(Uninitialized.String())
	return c
}

// update mutates the status under lock and notifies the callback.
func (c *Controller) update(f func(s *Status)) {
	c.mu.Lock()
	f(&c.status)
	c.status.Updated = time.Now()
	status := c.status
	c.mu.Unlock()
	metrics.SetControllerState(status.State.String())
	c.statusCallback(status)
}

func (c *Controller) setState(s State) {
	c.update(func(st *Status) {
		if st.State != s {
			c.log.Debugw("controller state", "from", st.State, "to", s)
		}
		st.State = s
		if s != Moving {
			st.Target = nil
		}
	})
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// State returns the current state.
func (c *Controller) State() State {
	return c.Status().State
}

// Position returns the last confirmed position.
func (c *Controller) Position() Position {
	return c.Status().Position
}

// fault moves the controller to Faulted and returns the error to surface.
func (c *Controller) fault(op string, target *Position, cause error) error {
	c.log.Errorw("controller faulted", "op", op, "err", cause)
	c.setState(Faulted)
	return &ControlError{Op: op, Target: target, Err: fmt.Errorf("%w: %v", ErrFaulted, cause)}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, link.ErrTimeout):
		return "timeout"
	case errors.Is(err, link.ErrMalformed):
		return "malformed"
	case errors.Is(err, link.ErrIOFailure):
		return "io"
	case errors.Is(err, protocol.ErrDeviceFault):
		return "device_fault"
	default:
		return "protocol"
	}
}

// transient reports whether a failed round trip may be retried.
func transient(err error) bool {
	var perr *protocol.Error
	return link.Retryable(err) || errors.As(err, &perr)
}

// roundTrip sends one command and decodes its reply.
func (c *Controller) roundTrip(ctx context.Context, cmd protocol.Command) (protocol.Response, error) {
	out, err := c.codec.Encode(cmd)
	if err != nil {
		return nil, err
	}
	timeout := c.cfg.CommandTimeout
	if rp, ok := cmd.(protocol.ReadPower); ok {
		// rfwatch streams readings for the whole period before the prompt.
		timeout += time.Duration(rp.Seconds) * time.Second
	}
	frame, err := c.link.Send(ctx, out, timeout)
	if err == nil {
		var resp protocol.Response
		resp, err = c.codec.Decode(cmd, frame)
		if err == nil {
			return resp, nil
		}
	}
	if ctx.Err() == nil {
		metrics.RecordLinkError(errorKind(err))
		c.log.Debugw("round trip failed", "cmd", cmd, "err", err)
	}
	return nil, err
}

// queryPosition polls both axes.
func (c *Controller) queryPosition(ctx context.Context) (Position, error) {
	resp, err := c.roundTrip(ctx, protocol.QueryAzimuth{})
	if err != nil {
		return Position{}, err
	}
	az := resp.(protocol.Azimuth).Degrees
	resp, err = c.roundTrip(ctx, protocol.QueryElevation{})
	if err != nil {
		return Position{}, err
	}
	el := resp.(protocol.Elevation).Degrees
	return Position{Azimuth: az, Elevation: el}, nil
}

// QueryPosition reads the position from the device and updates the belief.
func (c *Controller) QueryPosition(ctx context.Context) (Position, error) {
	if c.State() == Faulted {
		return Position{}, &ControlError{Op: "query", Err: ErrFaulted}
	}
	var (
		p   Position
		err error
	)
	for attempt := 0; attempt <= c.cfg.SensorRetries; attempt++ {
		p, err = c.queryPosition(ctx)
		if err == nil {
			c.update(func(s *Status) { s.Position = p })
			return p, nil
		}
		if ctx.Err() != nil {
			return Position{}, ctx.Err()
		}
		if !transient(err) {
			return Position{}, c.fault("query", nil, err)
		}
	}
	return Position{}, &ControlError{Op: "query", Err: fmt.Errorf("%w: %v", ErrUnreachablePosition, err)}
}

func (c *Controller) within(a, b Position) bool {
	return math.Abs(angleDiff(a.Azimuth, b.Azimuth)) <= c.cfg.SettleTolerance &&
		math.Abs(a.Elevation-b.Elevation) <= c.cfg.SettleTolerance
}

// commandMove issues absolute moves for the axes that are off target.
func (c *Controller) commandMove(ctx context.Context, from, target Position) error {
	if math.Abs(angleDiff(from.Azimuth, target.Azimuth)) > c.cfg.SettleTolerance {
		if _, err := c.roundTrip(ctx, protocol.MoveAzimuth{Degrees: target.Azimuth}); err != nil {
			return err
		}
	}
	if math.Abs(from.Elevation-target.Elevation) > c.cfg.SettleTolerance {
		if _, err := c.roundTrip(ctx, protocol.MoveElevation{Degrees: target.Elevation}); err != nil {
			return err
		}
	}
	return nil
}

// errSettleTimeout ends one move attempt.
var errSettleTimeout = errors.New("settle timeout")

// settle polls until the reported position stays within tolerance of target
// for SettlePolls consecutive polls, or until maxPolls polls or the settle
// timeout elapse.
func (c *Controller) settle(ctx context.Context, target Position, maxPolls int) (Position, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(c.cfg.SettleTimeout)
	defer deadline.Stop()

	consecutive := 0
	var lastErr error = errSettleTimeout
	for polls := 0; maxPolls <= 0 || polls < maxPolls; polls++ {
		select {
		case <-ctx.Done():
			return Position{}, ctx.Err()
		case <-deadline.C:
			return Position{}, lastErr
		case <-ticker.C:
		}
		p, err := c.queryPosition(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Position{}, ctx.Err()
			}
			if !transient(err) {
				return Position{}, err
			}
			lastErr = fmt.Errorf("%w: last poll: %v", errSettleTimeout, err)
			consecutive = 0
			continue
		}
		c.update(func(s *Status) { s.Position = p })
		if !c.within(p, target) {
			consecutive = 0
			continue
		}
		consecutive++
		if consecutive >= c.cfg.SettlePolls {
			return p, nil
		}
	}
	return Position{}, lastErr
}

// MoveTo drives the dish to target and blocks until it has settled there.
// The returned position is the settled position reported by the device, which
// may differ from target by up to the settle tolerance.
func (c *Controller) MoveTo(ctx context.Context, target Position) (Position, error) {
	if c.State() == Faulted {
		return Position{}, &ControlError{Op: "move", Target: &target, Err: ErrFaulted}
	}
	if !c.cfg.Limits.Contains(target) {
		return Position{}, &ControlError{Op: "move", Target: &target, Err: ErrOutOfRange}
	}
	pos, err := c.moveTo(ctx, target, 0)
	if err != nil {
		return Position{}, err
	}
	return pos, nil
}

func (c *Controller) moveTo(ctx context.Context, target Position, maxPolls int) (Position, error) {
	prev := c.State()
	if prev != Homing {
		c.update(func(s *Status) {
			s.State = Moving
			s.Target = &target
		})
	}
	restore := func() {
		if prev == Homing {
			return
		}
		if prev == Uninitialized {
			c.setState(Uninitialized)
			return
		}
		c.setState(Idle)
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MoveRetries; attempt++ {
		if attempt > 0 {
			c.log.Warnw("retrying move", "target", target, "attempt", attempt, "err", lastErr)
		}
		err := c.commandMove(ctx, c.Position(), target)
		if err == nil {
			var pos Position
			pos, err = c.settle(ctx, target, maxPolls)
			if err == nil {
				metrics.ObserveSettle(time.Since(start).Seconds())
				restore()
				return pos, nil
			}
		}
		if ctx.Err() != nil {
			restore()
			return Position{}, ctx.Err()
		}
		if !transient(err) && !errors.Is(err, errSettleTimeout) {
			return Position{}, c.fault("move", &target, err)
		}
		lastErr = err
	}
	restore()
	return Position{}, &ControlError{Op: "move", Target: &target, Err: fmt.Errorf("%w after %d attempts: %v", ErrUnreachablePosition, c.cfg.MoveRetries+1, lastErr)}
}

// Home verifies the console and drives the dish to the configured home
// position. On success the controller is Idle; if the dish does not settle
// within HomePolls polls the controller is Faulted.
func (c *Controller) Home(ctx context.Context) (Position, error) {
	if c.State() == Faulted {
		return Position{}, &ControlError{Op: "home", Err: ErrFaulted}
	}
	target := c.cfg.Home
	if !c.cfg.Limits.Contains(target) {
		return Position{}, &ControlError{Op: "home", Target: &target, Err: ErrOutOfRange}
	}
	c.setState(Homing)

	var (
		resp protocol.Response
		err  error
	)
	for attempt := 0; attempt <= c.cfg.SensorRetries; attempt++ {
		resp, err = c.roundTrip(ctx, protocol.Home{})
		if err == nil || !transient(err) || ctx.Err() != nil {
			break
		}
	}
	if ctx.Err() != nil {
		c.setState(Uninitialized)
		return Position{}, ctx.Err()
	}
	if err != nil {
		return Position{}, c.fault("home", &target, err)
	}
	version := resp.(protocol.Version).Text
	c.log.Infow("console ready", "version", version)
	c.update(func(s *Status) { s.Version = version })

	// Seed the belief so only axes that are off home get commanded.
	if p, err := c.queryPosition(ctx); err == nil {
		c.update(func(s *Status) { s.Position = p })
	}

	pos, err := c.moveTo(ctx, target, c.cfg.HomePolls)
	if err != nil {
		if ctx.Err() != nil {
			c.setState(Uninitialized)
			return Position{}, ctx.Err()
		}
		if c.State() == Faulted {
			return Position{}, err
		}
		return Position{}, c.fault("home", &target, err)
	}
	c.setState(Idle)
	c.log.Infow("homed", "position", pos)
	return pos, nil
}

// ReadPower returns one power reading at the current position.
func (c *Controller) ReadPower(ctx context.Context) (float64, error) {
	if c.State() == Faulted {
		return 0, &ControlError{Op: "read power", Err: ErrFaulted}
	}
	var lastErr error
	for attempt := 0; attempt <= c.cfg.SensorRetries; attempt++ {
		resp, err := c.roundTrip(ctx, protocol.ReadPower{Seconds: c.cfg.PowerSeconds})
		if err == nil {
			power := resp.(protocol.Power).Value
			if c.cfg.PowerCeiling > 0 && power > c.cfg.PowerCeiling {
				c.log.Warnw("discarding implausible power reading", "power", power, "ceiling", c.cfg.PowerCeiling)
				lastErr = fmt.Errorf("reading %v above ceiling %v", power, c.cfg.PowerCeiling)
				continue
			}
			c.update(func(s *Status) { s.Power = &power })
			return power, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if !transient(err) {
			return 0, c.fault("read power", nil, err)
		}
		lastErr = err
	}
	return 0, &ControlError{Op: "read power", Err: fmt.Errorf("%w: %v", ErrSensorFailure, lastErr)}
}

// Nudge moves one axis by the firmware's fixed small step in the direction
// of sign, then refreshes the position from the device.
func (c *Controller) Nudge(ctx context.Context, axis Axis, sign float64) (Position, error) {
	if c.State() == Faulted {
		return Position{}, &ControlError{Op: "nudge", Err: ErrFaulted}
	}
	target := c.Position()
	switch {
	case sign > 0:
		target = target.offset(axis, c.cfg.NudgeStep)
	case sign < 0:
		target = target.offset(axis, -c.cfg.NudgeStep)
	default:
		return Position{}, &ControlError{Op: "nudge " + axis.String(), Err: fmt.Errorf("%w: no direction", ErrOutOfRange)}
	}
	if !c.cfg.Limits.Contains(target) {
		return Position{}, &ControlError{Op: "nudge " + axis.String(), Target: &target, Err: ErrOutOfRange}
	}
	var cmd protocol.Command = protocol.MoveAzimuth{Degrees: sign, Relative: true}
	if axis == ElevationAxis {
		cmd = protocol.MoveElevation{Degrees: sign, Relative: true}
	}
	if _, err := c.roundTrip(ctx, cmd); err != nil {
		if ctx.Err() != nil {
			return Position{}, ctx.Err()
		}
		if !transient(err) {
			return Position{}, c.fault("nudge", nil, err)
		}
		return Position{}, &ControlError{Op: "nudge " + axis.String(), Err: err}
	}
	return c.QueryPosition(ctx)
}
