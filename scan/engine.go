package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/w1xm/dish_interface/dish"
	"github.com/w1xm/dish_interface/internal/metrics"
)

var (
	// ErrHardwareFault means the controller faulted; no further points were
	// visited but every sample recorded before the fault is in the sink.
	ErrHardwareFault = errors.New("hardware fault")
	// ErrAborted means the run was cancelled.
	ErrAborted = errors.New("scan aborted")
)

// Controller is the part of dish.Controller a scan needs.
type Controller interface {
	MoveTo(ctx context.Context, target dish.Position) (dish.Position, error)
	ReadPower(ctx context.Context) (float64, error)
}

// Sink receives samples as they are taken. Record must not return before the
// sample is durable.
type Sink interface {
	Record(s dish.Sample) error
}

// Engine drives a controller through a plan.
type Engine struct {
	ctrl Controller
	sink Sink
	log  *zap.SugaredLogger

	// SummaryPath, if set, receives the run summary when Run returns.
	SummaryPath string
	// SinkName is reported in the summary.
	SinkName string

	now func() time.Time
}

func NewEngine(ctrl Controller, sink Sink, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{ctrl: ctrl, sink: sink, log: log, now: time.Now}
}

// Run validates plan, then visits every grid point in order. Per-point
// failures become gaps; a faulted controller ends the run with
// ErrHardwareFault and cancellation with ErrAborted.
func (e *Engine) Run(ctx context.Context, plan Plan) (Summary, error) {
	plan = plan.Normalize()
	if err := plan.Validate(); err != nil {
		return Summary{}, err
	}
	points := plan.Points()
	s := Summary{
		RunID:   uuid.NewString(),
		Sink:    e.SinkName,
		Plan:    plan,
		Started: e.now(),
		Total:   len(points),
		Gaps:    []Gap{},
	}
	log := e.log.With("run", s.RunID)
	log.Infow("scan started", "plan", plan, "points", s.Total)

	err := e.run(ctx, log, points, &s)
	s.Finished = e.now()
	switch {
	case err == nil:
		s.Outcome = Completed
	case errors.Is(err, ErrHardwareFault):
		s.Outcome = HardwareFault
	case errors.Is(err, ErrAborted):
		s.Outcome = Aborted
	default:
		s.Outcome = SinkFailure
	}
	if err != nil {
		s.Error = err.Error()
	}

	log.Infow("scan finished",
		"outcome", s.Outcome,
		"recorded", s.Recorded,
		"skipped", len(s.Gaps),
		"visited", s.Visited,
		"total", s.Total,
		"elapsed", s.Finished.Sub(s.Started))
	if e.SummaryPath != "" {
		if werr := WriteSummary(e.SummaryPath, s); werr != nil {
			log.Errorw("writing summary", "path", e.SummaryPath, "err", werr)
		}
	}
	return s, err
}

func (e *Engine) run(ctx context.Context, log *zap.SugaredLogger, points []dish.Position, s *Summary) error {
	for i, target := range points {
		if ctx.Err() != nil {
			return fmt.Errorf("%w before point %d/%d: %v", ErrAborted, i+1, len(points), ctx.Err())
		}
		s.Visited++

		gap := func(reason error) {
			metrics.RecordScanPoint("gap")
			s.Gaps = append(s.Gaps, Gap{Index: i, Target: target, Reason: reason.Error()})
			log.Warnw("skipping point", "index", i+1, "total", len(points), "target", target, "err", reason)
		}

		pos, err := e.ctrl.MoveTo(ctx, target)
		if err != nil {
			if ferr := e.fatal(ctx, err, i, len(points)); ferr != nil {
				return ferr
			}
			gap(err)
			continue
		}
		power, err := e.ctrl.ReadPower(ctx)
		if err != nil {
			if ferr := e.fatal(ctx, err, i, len(points)); ferr != nil {
				return ferr
			}
			gap(err)
			continue
		}

		sample := dish.Sample{
			Azimuth:   pos.Azimuth,
			Elevation: pos.Elevation,
			Power:     power,
			Timestamp: e.now(),
		}
		if err := e.sink.Record(sample); err != nil {
			return fmt.Errorf("recording point %d/%d: %w", i+1, len(points), err)
		}
		s.Recorded++
		metrics.RecordScanPoint("recorded")
		log.Infow("point recorded", "index", i+1, "total", len(points), "position", pos, "power", power)
	}
	return nil
}

// fatal classifies a per-point error, returning nil when the point should be
// skipped.
func (e *Engine) fatal(ctx context.Context, err error, i, n int) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("%w at point %d/%d: %v", ErrAborted, i+1, n, ctx.Err())
	case errors.Is(err, dish.ErrFaulted):
		return fmt.Errorf("%w at point %d/%d: %v", ErrHardwareFault, i+1, n, err)
	case errors.Is(err, dish.ErrOutOfRange),
		errors.Is(err, dish.ErrUnreachablePosition),
		errors.Is(err, dish.ErrSensorFailure):
		return nil
	}
	// Anything unclassified is treated as a hardware fault rather than guessed
	// to be transient.
	return fmt.Errorf("%w at point %d/%d: %v", ErrHardwareFault, i+1, n, err)
}
