// Package protocol encodes commands for the dish controller firmware console
// and decodes its replies.
//
// Firmware console commands used here:
//
//	azangle <deg>      rotate to azimuth angle
//	elangle <deg>      raise / lower to elevation angle
//	aznudge cw|ccw     nudge azimuth by approx 0.2 deg
//	elnudge up|down    nudge elevation by approx 0.2 deg
//	azacc / elacc      report heading / elevation
//	rfwatch <seconds>  report rf signal strength
//	ver                print console version
package protocol

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Command is a single request to the firmware.
type Command interface {
	fmt.Stringer
	encode() (string, error)
}

// MoveAzimuth drives the azimuth axis. With Relative set only the sign of
// Degrees is used: the firmware nudges by a fixed small step.
type MoveAzimuth struct {
	Degrees  float64
	Relative bool
}

// MoveElevation drives the elevation axis, see MoveAzimuth.
type MoveElevation struct {
	Degrees  float64
	Relative bool
}

// ReadPower averages the rf signal strength over Seconds.
type ReadPower struct {
	Seconds int
}

// Home is the console handshake issued before driving to the home position.
type Home struct{}

type QueryAzimuth struct{}

type QueryElevation struct{}

func (c MoveAzimuth) String() string {
	if c.Relative {
		return fmt.Sprintf("MoveAzimuth(%+g relative)", c.Degrees)
	}
	return fmt.Sprintf("MoveAzimuth(%g)", c.Degrees)
}

func (c MoveElevation) String() string {
	if c.Relative {
		return fmt.Sprintf("MoveElevation(%+g relative)", c.Degrees)
	}
	return fmt.Sprintf("MoveElevation(%g)", c.Degrees)
}

func (c ReadPower) String() string    { return fmt.Sprintf("ReadPower(%ds)", c.Seconds) }
func (Home) String() string           { return "Home" }
func (QueryAzimuth) String() string   { return "QueryAzimuth" }
func (QueryElevation) String() string { return "QueryElevation" }

func formatAngle(deg float64) (string, error) {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return "", fmt.Errorf("invalid angle %v", deg)
	}
	return strconv.FormatFloat(deg, 'f', -1, 64), nil
}

func nudge(deg float64, pos, neg string) (string, error) {
	switch {
	case deg > 0:
		return pos, nil
	case deg < 0:
		return neg, nil
	}
	return "", errors.New("relative move of zero degrees")
}

func (c MoveAzimuth) encode() (string, error) {
	if c.Relative {
		dir, err := nudge(c.Degrees, "cw", "ccw")
		return "aznudge " + dir, err
	}
	a, err := formatAngle(c.Degrees)
	return "azangle " + a, err
}

func (c MoveElevation) encode() (string, error) {
	if c.Relative {
		dir, err := nudge(c.Degrees, "up", "down")
		return "elnudge " + dir, err
	}
	a, err := formatAngle(c.Degrees)
	return "elangle " + a, err
}

func (c ReadPower) encode() (string, error) {
	if c.Seconds <= 0 {
		return "", fmt.Errorf("rfwatch period %d must be positive", c.Seconds)
	}
	return fmt.Sprintf("rfwatch %d", c.Seconds), nil
}

func (Home) encode() (string, error)           { return "ver", nil }
func (QueryAzimuth) encode() (string, error)   { return "azacc", nil }
func (QueryElevation) encode() (string, error) { return "elacc", nil }

// Response is a decoded reply.
type Response interface {
	isResponse()
}

// Ack acknowledges a move or nudge.
type Ack struct{}

// Azimuth is the reported heading.
type Azimuth struct {
	Count   int
	Degrees float64
}

// Elevation is the reported elevation; Degrees comes from the calibration.
type Elevation struct {
	Count   int
	Degrees float64
}

// Power is the mean of the rf signal strength readings.
type Power struct {
	Value    float64
	Readings int
}

// Version is the console banner returned by the handshake.
type Version struct {
	Text string
}

func (Ack) isResponse()       {}
func (Azimuth) isResponse()   {}
func (Elevation) isResponse() {}
func (Power) isResponse()     {}
func (Version) isResponse()   {}

var (
	// ErrUnexpected means the reply does not have the shape expected for the
	// command that was sent (missing, foreign or duplicate reply lines).
	ErrUnexpected = errors.New("unexpected reply")
	// ErrFormat means a reply line could not be parsed.
	ErrFormat = errors.New("bad reply format")
	// ErrDeviceFault means the firmware rejected the command.
	ErrDeviceFault = errors.New("device fault")
)

// Error describes a reply that could not be decoded.
type Error struct {
	Command Command
	Line    string
	Err     error
}

func (e *Error) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("%v: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%v: %v in %q", e.Command, e.Err, e.Line)
}

func (e *Error) Unwrap() error { return e.Err }

// Calibration maps raw elevation counts to degrees linearly between two
// reference points.
type Calibration struct {
	CountAtZero  float64
	CountAtRef   float64
	RefElevation float64
}

// DefaultCalibration matches the reference tilt sensor.
var DefaultCalibration = Calibration{CountAtZero: 334, CountAtRef: 1487, RefElevation: 70}

func (c Calibration) ToDegrees(count int) float64 {
	return c.RefElevation * (float64(count) - c.CountAtZero) / (c.CountAtRef - c.CountAtZero)
}

func (c Calibration) ToCount(deg float64) int {
	return int(math.Round(c.CountAtZero + deg*(c.CountAtRef-c.CountAtZero)/c.RefElevation))
}

// Codec translates commands and replies. The zero value uses
// DefaultCalibration.
type Codec struct {
	Elevation Calibration
}

func (c Codec) calibration() Calibration {
	if c.Elevation.CountAtRef == c.Elevation.CountAtZero {
		return DefaultCalibration
	}
	return c.Elevation
}

// Encode returns the console bytes for cmd, without the line terminator.
func (c Codec) Encode(cmd Command) ([]byte, error) {
	s, err := cmd.encode()
	if err != nil {
		return nil, &Error{Command: cmd, Err: fmt.Errorf("%w: %v", ErrFormat, err)}
	}
	return []byte(s), nil
}

const (
	headingPrefix   = "Current heading:"
	elevationPrefix = "Current elevation:"
	rfssPrefix      = "Current rfss:"
)

var (
	replyPrefixes = []string{headingPrefix, elevationPrefix, rfssPrefix}
	faultRE       = regexp.MustCompile(`(?i)^(error|invalid|unknown command)`)
	headingRE     = regexp.MustCompile(`^Current heading:\s+(-?\d+)\s+\((-?[\d.]+) deg\.\)$`)
	elevationRE   = regexp.MustCompile(`^Current elevation:\s+(-?\d+)$`)
	controlRE     = regexp.MustCompile(`\p{C}`)
	nonDigitRE    = regexp.MustCompile(`[^\d]`)
)

func replyKind(line string) string {
	for _, p := range replyPrefixes {
		if strings.HasPrefix(line, p) {
			return p
		}
	}
	return ""
}

// Decode parses the frame returned for cmd.
func (c Codec) Decode(cmd Command, frame []byte) (Response, error) {
	echo, _ := cmd.encode()
	var want string
	switch cmd.(type) {
	case QueryAzimuth:
		want = headingPrefix
	case QueryElevation:
		want = elevationPrefix
	case ReadPower:
		want = rfssPrefix
	}

	var lines []string
	for _, line := range strings.Split(string(frame), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	// The console echoes every command first; anything else leading the
	// frame belongs to another command.
	if len(lines) == 0 {
		return nil, &Error{Command: cmd, Err: fmt.Errorf("%w: empty reply", ErrUnexpected)}
	}
	if lines[0] != echo {
		return nil, &Error{Command: cmd, Line: lines[0], Err: fmt.Errorf("%w: missing echo %q", ErrUnexpected, echo)}
	}

	var found, other []string
	for _, line := range lines[1:] {
		switch {
		case line == echo:
			return nil, &Error{Command: cmd, Line: line, Err: fmt.Errorf("%w: repeated echo", ErrUnexpected)}
		case faultRE.MatchString(line):
			return nil, &Error{Command: cmd, Line: line, Err: ErrDeviceFault}
		case want != "" && strings.HasPrefix(line, want):
			found = append(found, line)
		case replyKind(line) != "":
			return nil, &Error{Command: cmd, Line: line, Err: ErrUnexpected}
		default:
			other = append(other, line)
		}
	}

	switch cmd.(type) {
	case MoveAzimuth, MoveElevation:
		return Ack{}, nil
	case Home:
		if len(other) == 0 {
			return nil, &Error{Command: cmd, Err: fmt.Errorf("%w: no version banner", ErrUnexpected)}
		}
		return Version{Text: strings.Join(other, " ")}, nil
	}

	if len(found) != 1 {
		return nil, &Error{Command: cmd, Err: fmt.Errorf("%w: %d %q lines", ErrUnexpected, len(found), want)}
	}
	line := found[0]
	switch cmd.(type) {
	case QueryAzimuth:
		return c.decodeHeading(cmd, line)
	case QueryElevation:
		return c.decodeElevation(cmd, line)
	default:
		return c.decodePower(cmd, line)
	}
}

// decodeHeading parses "Current heading:       3224 (160.192 deg.)".
func (c Codec) decodeHeading(cmd Command, line string) (Response, error) {
	m := headingRE.FindStringSubmatch(line)
	if m == nil {
		return nil, &Error{Command: cmd, Line: line, Err: ErrFormat}
	}
	count, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, &Error{Command: cmd, Line: line, Err: ErrFormat}
	}
	deg, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return nil, &Error{Command: cmd, Line: line, Err: ErrFormat}
	}
	return Azimuth{Count: count, Degrees: deg}, nil
}

// decodeElevation parses "Current elevation: 1098".
func (c Codec) decodeElevation(cmd Command, line string) (Response, error) {
	m := elevationRE.FindStringSubmatch(line)
	if m == nil {
		return nil, &Error{Command: cmd, Line: line, Err: ErrFormat}
	}
	count, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, &Error{Command: cmd, Line: line, Err: ErrFormat}
	}
	return Elevation{Count: count, Degrees: c.calibration().ToDegrees(count)}, nil
}

// decodePower parses "Current rfss: ESC[5D3142 ESC[5D3141 ...". The console
// redraws the value in place, so every reading follows a cursor-left escape.
func (c Codec) decodePower(cmd Command, line string) (Response, error) {
	parts := strings.Split(line, "[5D")
	sum, n := 0, 0
	for _, p := range parts[1:] {
		p = nonDigitRE.ReplaceAllString(controlRE.ReplaceAllString(p, ""), "")
		if p == "" {
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, &Error{Command: cmd, Line: line, Err: ErrFormat}
		}
		sum += v
		n++
	}
	if n == 0 {
		return nil, &Error{Command: cmd, Line: line, Err: fmt.Errorf("%w: no readings", ErrFormat)}
	}
	return Power{Value: float64(sum) / float64(n), Readings: n}, nil
}
