package sync

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/sidkik/dirmirror/pkg/errors"
)

// DefaultPollInterval is how often the scheduler wakes up to check whether a
// pass is due. It bounds how long cancellation takes to be noticed.
const DefaultPollInterval = time.Second

// State is the lifecycle state of a Scheduler.
type State int32

const (
	// Idle means Run hasn't been called yet.
	Idle State = iota

	// Running means a pass is in progress.
	Running

	// Waiting means the scheduler is waiting for the next deadline.
	Waiting

	// Cancelled means Run has returned.
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Waiting:
		return "waiting"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	// Pass performs a single reconciliation pass.
	Pass func(context.Context) error

	// Interval is the time between the starts of scheduled passes.
	Interval time.Duration

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration

	// Clock defaults to the real clock.
	Clock clockwork.Clock

	// Trigger, if set, starts a pass early whenever it receives a value.
	// It doesn't change when the following scheduled passes happen.
	Trigger <-chan struct{}

	// Log defaults to the standard logrus logger.
	Log logrus.FieldLogger
}

// Scheduler runs passes one at a time at a fixed interval.
type Scheduler struct {
	pass         func(context.Context) error
	interval     time.Duration
	pollInterval time.Duration
	clock        clockwork.Clock
	trigger      <-chan struct{}
	log          logrus.FieldLogger

	state int32
}

// NewScheduler creates a Scheduler. It panics if the interval isn't positive
// or if Pass is nil, since both are programming errors.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	if opts.Pass == nil {
		panic("scheduler requires a pass function")
	}
	if opts.Interval <= 0 {
		panic(fmt.Sprintf("scheduler interval must be positive, got %s", opts.Interval))
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}

	return &Scheduler{
		pass:         opts.Pass,
		interval:     opts.Interval,
		pollInterval: opts.PollInterval,
		clock:        opts.Clock,
		trigger:      opts.Trigger,
		log:          opts.Log,
		state:        int32(Idle),
	}
}

// State returns the scheduler's current state.
func (s *Scheduler) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Scheduler) setState(state State) {
	atomic.StoreInt32(&s.state, int32(state))
}

// Run runs a pass immediately, and then once every interval until `ctx` is
// cancelled. Failed passes are logged and don't stop the loop. Passes never
// overlap: deadlines that pass while a pass is running are skipped.
func (s *Scheduler) Run(ctx context.Context) {
	defer s.setState(Cancelled)

	start := s.clock.Now()
	next := start
	for {
		if ctx.Err() != nil {
			return
		}

		if !s.clock.Now().Before(next) {
			next = s.runPass(ctx, start, true)
			continue
		}

		s.setState(Waiting)
		select {
		case <-ctx.Done():
			return
		case <-s.trigger:
			s.log.Debug("Change detected. Starting an early pass.")
			next = s.runPass(ctx, start, false)
		case <-s.clock.After(s.pollInterval):
		}
	}
}

// runPass runs a single pass, and returns the next deadline that hasn't
// already elapsed. `scheduled` is false for passes started by the trigger.
func (s *Scheduler) runPass(ctx context.Context, start time.Time, scheduled bool) time.Time {
	s.setState(Running)
	passStart := s.clock.Now()
	if err := s.runSafely(ctx); err != nil {
		if ctx.Err() != nil {
			return nextDeadline(start, s.interval, s.clock.Now())
		}
		s.log.WithError(err).Error("Sync pass failed. It will be retried at the next interval.")
	}

	end := s.clock.Now()
	skipped := deadlinesBetween(start, s.interval, passStart, end)
	switch {
	case skipped == 0:
	case scheduled:
		s.log.WithField("duration", end.Sub(passStart).String()).Warnf(
			"Sync pass took longer than the interval. Skipped %d scheduled pass(es).", skipped)
	default:
		s.log.WithField("duration", end.Sub(passStart).String()).Debugf(
			"Early sync pass covered %d scheduled pass(es). They won't be run.", skipped)
	}
	return nextDeadline(start, s.interval, end)
}

func (s *Scheduler) runSafely(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(fmt.Sprintf("panic: %v", r))
		}
	}()
	return s.pass(ctx)
}

// nextDeadline returns the first time of the form start + k*interval that is
// strictly after `now`.
func nextDeadline(start time.Time, interval time.Duration, now time.Time) time.Time {
	if now.Before(start) {
		return start
	}
	k := now.Sub(start)/interval + 1
	return start.Add(k * interval)
}

// deadlinesBetween counts the deadlines in the interval (from, to].
func deadlinesBetween(start time.Time, interval time.Duration, from, to time.Time) int {
	if !to.After(from) {
		return 0
	}
	first := nextDeadline(start, interval, from)
	if first.After(to) {
		return 0
	}
	return int(to.Sub(first)/interval) + 1
}
