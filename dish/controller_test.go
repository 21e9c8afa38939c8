package dish_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/w1xm/dish_interface/dish"
	"github.com/w1xm/dish_interface/dish/dishtest"
	"github.com/w1xm/dish_interface/link"
)

func testConfig() dish.Config {
	cfg := dish.DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.SettleTimeout = 200 * time.Millisecond
	cfg.HomePolls = 50
	return cfg
}

func newController(t *testing.T, l link.Link, cfg dish.Config) *dish.Controller {
	t.Helper()
	c := dish.NewController(l, cfg, nil, nil)
	if _, err := c.Home(context.Background()); err != nil {
		t.Fatalf("Home: %v", err)
	}
	return c
}

var approx = cmpopts.EquateApprox(0, 0.1)

func TestMoveToSettlesWithinTolerance(t *testing.T) {
	for _, target := range []dish.Position{
		{Azimuth: 120, Elevation: 20},
		{Azimuth: 0, Elevation: 0},
		{Azimuth: 359.5, Elevation: 70},
		{Azimuth: 181.25, Elevation: 33.3},
	} {
		t.Run(target.String(), func(t *testing.T) {
			fake := dishtest.New(180, 5, 100)
			c := newController(t, fake, testConfig())
			got, err := c.MoveTo(context.Background(), target)
			if err != nil {
				t.Fatalf("MoveTo: %v", err)
			}
			if diff := cmp.Diff(got, target, approx); diff != "" {
				t.Errorf("unexpected position: got(-)/want(+):\n%s", diff)
			}
			queried, err := c.QueryPosition(context.Background())
			if err != nil {
				t.Fatalf("QueryPosition: %v", err)
			}
			if diff := cmp.Diff(queried, target, approx); diff != "" {
				t.Errorf("unexpected queried position: got(-)/want(+):\n%s", diff)
			}
			if c.State() != dish.Idle {
				t.Errorf("state = %v, want idle", c.State())
			}
		})
	}
}

func TestMoveToOutOfRangeSendsNothing(t *testing.T) {
	fake := dishtest.New(180, 5, 100)
	c := newController(t, fake, testConfig())
	before := len(fake.Commands())
	for _, target := range []dish.Position{
		{Azimuth: -1, Elevation: 20},
		{Azimuth: 361, Elevation: 20},
		{Azimuth: 120, Elevation: 71},
		{Azimuth: 120, Elevation: -0.5},
		{Azimuth: math.NaN(), Elevation: 20},
	} {
		_, err := c.MoveTo(context.Background(), target)
		if !errors.Is(err, dish.ErrOutOfRange) {
			t.Errorf("MoveTo(%v) error = %v, want ErrOutOfRange", target, err)
		}
		var cerr *dish.ControlError
		if !errors.As(err, &cerr) {
			t.Errorf("MoveTo(%v) error %T is not *ControlError", target, err)
		}
	}
	if got := fake.Commands()[before:]; len(got) != 0 {
		t.Errorf("commands sent for out of range targets: %q", got)
	}
	if c.State() != dish.Idle {
		t.Errorf("state = %v, want idle", c.State())
	}
}

func TestMoveToCommandsOnlyMovedAxes(t *testing.T) {
	fake := dishtest.New(180, 5, 100)
	c := newController(t, fake, testConfig())
	before := len(fake.Commands())
	if _, err := c.MoveTo(context.Background(), dish.Position{Azimuth: 120, Elevation: 5}); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	for _, cmd := range fake.Commands()[before:] {
		if strings.HasPrefix(cmd, "elangle") {
			t.Errorf("elevation commanded although already in place: %q", cmd)
		}
	}
}

func TestHomeTwiceIsIdempotent(t *testing.T) {
	fake := dishtest.New(97, 41, 100)
	c := dish.NewController(fake, testConfig(), nil, nil)
	if c.State() != dish.Uninitialized {
		t.Fatalf("initial state = %v", c.State())
	}
	first, err := c.Home(context.Background())
	if err != nil {
		t.Fatalf("first Home: %v", err)
	}
	second, err := c.Home(context.Background())
	if err != nil {
		t.Fatalf("second Home: %v", err)
	}
	if diff := cmp.Diff(first, second, approx); diff != "" {
		t.Errorf("home positions differ: got(-)/want(+):\n%s", diff)
	}
	if got := c.Status().Version; got != "Dish console test" {
		t.Errorf("version = %q", got)
	}
	if c.State() != dish.Idle {
		t.Errorf("state = %v, want idle", c.State())
	}
}

func TestHomeFaultsWhenMountNeverArrives(t *testing.T) {
	fake := dishtest.New(97, 41, 100)
	// The mount ignores azimuth moves.
	fake.SetHook(func(cmd string, az, el float64) (string, error, bool) {
		if strings.HasPrefix(cmd, "azangle") {
			return cmd, nil, true
		}
		return "", nil, false
	})
	cfg := testConfig()
	cfg.MoveRetries = 0
	c := dish.NewController(fake, cfg, nil, nil)
	if _, err := c.Home(context.Background()); !errors.Is(err, dish.ErrFaulted) {
		t.Fatalf("Home error = %v, want ErrFaulted", err)
	}
	if c.State() != dish.Faulted {
		t.Errorf("state = %v, want faulted", c.State())
	}
}

func TestMoveToRetriesTransientErrors(t *testing.T) {
	fake := dishtest.New(180, 5, 100)
	c := newController(t, fake, testConfig())
	failures := 2
	fake.SetHook(func(cmd string, az, el float64) (string, error, bool) {
		if strings.HasPrefix(cmd, "azangle") && failures > 0 {
			failures--
			return "", fmt.Errorf("%w: no prompt", link.ErrTimeout), true
		}
		return "", nil, false
	})
	target := dish.Position{Azimuth: 150, Elevation: 5}
	got, err := c.MoveTo(context.Background(), target)
	if err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	if diff := cmp.Diff(got, target, approx); diff != "" {
		t.Errorf("unexpected position: got(-)/want(+):\n%s", diff)
	}
}

func TestMoveToUnreachable(t *testing.T) {
	fake := dishtest.New(180, 5, 100)
	c := newController(t, fake, testConfig())
	fake.SetHook(func(cmd string, az, el float64) (string, error, bool) {
		if strings.HasPrefix(cmd, "azangle") {
			return "", fmt.Errorf("%w: no prompt", link.ErrTimeout), true
		}
		return "", nil, false
	})
	_, err := c.MoveTo(context.Background(), dish.Position{Azimuth: 150, Elevation: 5})
	if !errors.Is(err, dish.ErrUnreachablePosition) {
		t.Fatalf("MoveTo error = %v, want ErrUnreachablePosition", err)
	}
	if errors.Is(err, link.ErrTimeout) {
		t.Errorf("raw link error leaked: %v", err)
	}
	var moves int
	for _, cmd := range fake.Commands() {
		if cmd == "azangle 150" {
			moves++
		}
	}
	if want := testConfig().MoveRetries + 1; moves != want {
		t.Errorf("sent %d moves, want %d", moves, want)
	}
	if c.State() != dish.Idle {
		t.Errorf("state = %v, want idle", c.State())
	}
}

func TestIOFailureFaults(t *testing.T) {
	fake := dishtest.New(180, 5, 100)
	c := newController(t, fake, testConfig())
	fake.SetHook(func(cmd string, az, el float64) (string, error, bool) {
		return "", fmt.Errorf("%w: device unplugged", link.ErrIOFailure), true
	})
	if _, err := c.MoveTo(context.Background(), dish.Position{Azimuth: 150, Elevation: 5}); !errors.Is(err, dish.ErrFaulted) {
		t.Fatalf("MoveTo error = %v, want ErrFaulted", err)
	}
	if c.State() != dish.Faulted {
		t.Fatalf("state = %v, want faulted", c.State())
	}
	n := len(fake.Commands())
	if _, err := c.ReadPower(context.Background()); !errors.Is(err, dish.ErrFaulted) {
		t.Errorf("ReadPower error = %v, want ErrFaulted", err)
	}
	if _, err := c.MoveTo(context.Background(), dish.Position{Azimuth: 160, Elevation: 5}); !errors.Is(err, dish.ErrFaulted) {
		t.Errorf("MoveTo error = %v, want ErrFaulted", err)
	}
	if got := len(fake.Commands()); got != n {
		t.Errorf("faulted controller sent %d more commands", got-n)
	}
}

func TestReadPower(t *testing.T) {
	for _, test := range []struct {
		name     string
		failures int
		glitches int
		want     float64
		wantErr  error
	}{
		{"clean", 0, 0, 3141, nil},
		{"transient timeouts", 2, 0, 3141, nil},
		{"glitch above ceiling", 0, 1, 3141, nil},
		{"exhausted", 10, 0, 0, dish.ErrSensorFailure},
	} {
		t.Run(test.name, func(t *testing.T) {
			fake := dishtest.New(180, 5, 3141)
			c := newController(t, fake, testConfig())
			failures, glitches := test.failures, test.glitches
			fake.SetHook(func(cmd string, az, el float64) (string, error, bool) {
				if !strings.HasPrefix(cmd, "rfwatch") {
					return "", nil, false
				}
				if failures > 0 {
					failures--
					return "", fmt.Errorf("%w: truncated", link.ErrMalformed), true
				}
				if glitches > 0 {
					glitches--
					return cmd + "\nCurrent rfss: \x1b[5D9999", nil, true
				}
				return "", nil, false
			})
			got, err := c.ReadPower(context.Background())
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("ReadPower error = %v, want %v", err, test.wantErr)
			}
			if got != test.want {
				t.Errorf("ReadPower = %v, want %v", got, test.want)
			}
		})
	}
}

func TestNudge(t *testing.T) {
	fake := dishtest.New(180, 5, 100)
	c := newController(t, fake, testConfig())
	got, err := c.Nudge(context.Background(), dish.AzimuthAxis, -1)
	if err != nil {
		t.Fatalf("Nudge: %v", err)
	}
	if diff := cmp.Diff(got, dish.Position{Azimuth: 179.8, Elevation: 5}, approx); diff != "" {
		t.Errorf("unexpected position: got(-)/want(+):\n%s", diff)
	}
	cmds := fake.Commands()
	if !contains(cmds, "aznudge ccw") {
		t.Errorf("commands %q missing aznudge ccw", cmds)
	}
	if _, err := c.Nudge(context.Background(), dish.ElevationAxis, 1); err != nil {
		t.Fatalf("Nudge: %v", err)
	}
	if !contains(fake.Commands(), "elnudge up") {
		t.Errorf("commands missing elnudge up")
	}
}

func TestNudgeRejectsMotionPastLimits(t *testing.T) {
	for _, test := range []struct {
		name  string
		start dish.Position
		axis  dish.Axis
		sign  float64
	}{
		{"above max elevation", dish.Position{Azimuth: 180, Elevation: 70}, dish.ElevationAxis, 1},
		{"below min elevation", dish.Position{Azimuth: 180, Elevation: 0}, dish.ElevationAxis, -1},
		{"past max azimuth", dish.Position{Azimuth: 360, Elevation: 5}, dish.AzimuthAxis, 1},
		{"past min azimuth", dish.Position{Azimuth: 0, Elevation: 5}, dish.AzimuthAxis, -1},
		{"no direction", dish.Position{Azimuth: 180, Elevation: 5}, dish.AzimuthAxis, 0},
	} {
		t.Run(test.name, func(t *testing.T) {
			fake := dishtest.New(test.start.Azimuth, test.start.Elevation, 100)
			cfg := testConfig()
			cfg.Home = test.start
			c := newController(t, fake, cfg)
			sent := len(fake.Commands())
			before := c.Position()

			_, err := c.Nudge(context.Background(), test.axis, test.sign)
			if !errors.Is(err, dish.ErrOutOfRange) {
				t.Fatalf("Nudge error = %v, want ErrOutOfRange", err)
			}
			if got := fake.Commands()[sent:]; len(got) != 0 {
				t.Errorf("Nudge sent %q, want nothing", got)
			}
			if c.Position() != before {
				t.Errorf("position changed from %v to %v", before, c.Position())
			}
			if c.State() != dish.Idle {
				t.Errorf("state = %v, want idle", c.State())
			}
		})
	}
}

func TestMoveToCancelledMidSettle(t *testing.T) {
	fake := dishtest.New(180, 5, 100)
	cfg := testConfig()
	cfg.SettleTimeout = time.Minute
	c := newController(t, fake, cfg)
	// The mount never gets there.
	fake.SetHook(func(cmd string, az, el float64) (string, error, bool) {
		if strings.HasPrefix(cmd, "azangle") {
			return cmd, nil, true
		}
		return "", nil, false
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.MoveTo(ctx, dish.Position{Azimuth: 100, Elevation: 5})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("MoveTo error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("MoveTo returned after %v", elapsed)
	}
	n := len(fake.Commands())
	time.Sleep(10 * time.Millisecond)
	if got := len(fake.Commands()); got != n {
		t.Errorf("commands issued after cancellation")
	}
	if c.State() != dish.Idle {
		t.Errorf("state = %v, want idle", c.State())
	}
}

func TestStatusCallback(t *testing.T) {
	fake := dishtest.New(180, 5, 100)
	var states []dish.State
	c := dish.NewController(fake, testConfig(), nil, func(s dish.Status) {
		if len(states) == 0 || states[len(states)-1] != s.State {
			states = append(states, s.State)
		}
	})
	if _, err := c.Home(context.Background()); err != nil {
		t.Fatalf("Home: %v", err)
	}
	if _, err := c.MoveTo(context.Background(), dish.Position{Azimuth: 200, Elevation: 10}); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	want := []dish.State{dish.Homing, dish.Idle, dish.Moving, dish.Idle}
	if diff := cmp.Diff(states, want); diff != "" {
		t.Errorf("unexpected states: got(-)/want(+):\n%s", diff)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
