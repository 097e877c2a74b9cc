// Package check holds the per-service failure/recovery state machine.
//
// A State decides when its check is due, runs it through an executor,
// counts consecutive failures, and emits exactly one failure notification
// per outage and exactly one recovery notification when the service comes
// back.
package check

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/google/uuid"

	"github.com/hazz-dev/svcwatch/internal/checker"
	"github.com/hazz-dev/svcwatch/internal/clock"
	"github.com/hazz-dev/svcwatch/internal/config"
	"github.com/hazz-dev/svcwatch/internal/notify"
	"github.com/hazz-dev/svcwatch/internal/storage"
)

// Notifier delivers a transition event.
type Notifier interface {
	Notify(ctx context.Context, evt notify.Event) error
}

// Journal records executed checks and notification attempts.
type Journal interface {
	InsertRun(ctx context.Context, r storage.Run) error
	InsertNotification(ctx context.Context, n storage.Notification) error
}

// Metrics receives per-tick measurements.
type Metrics interface {
	ObserveRun(service, outcome string, up bool, d time.Duration)
	SetConsecutiveFailures(service string, n int)
	ObserveNotification(service, kind string, err error)
}

// Deps are the collaborators of a State. Journal, Metrics and Clock are
// optional.
type Deps struct {
	Executor checker.CommandExecutor
	Notifier Notifier
	Journal  Journal
	Metrics  Metrics
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Status is a point-in-time copy of a State's mutable fields.
type Status struct {
	Name               string
	AttemptCount       int
	MaxAttempts        int
	FailureAlertArmed  bool
	RecoveryAlertArmed bool
	NextCheckAt        time.Time
	OutageID           string
	LastCheckedAt      time.Time
	LastStatus         checker.Status
	LastResult         string
}

// State tracks one service across sweeps. Tick must only be called from one
// goroutine at a time; Snapshot may be called concurrently.
type State struct {
	svc      config.Service
	exec     checker.CommandExecutor
	notifier Notifier
	journal  Journal
	metrics  Metrics
	clock    clock.Clock
	logger   *slog.Logger

	mu                 sync.Mutex
	attemptCount       int
	failureAlertArmed  bool
	recoveryAlertArmed bool
	nextCheckAt        time.Time
	outageID           string
	lastCheckedAt      time.Time
	lastResult         checker.Result
}

// New creates the state for svc. The first Tick runs the check immediately.
func New(svc config.Service, deps Deps) *State {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	return &State{
		svc:               svc,
		exec:              deps.Executor,
		notifier:          deps.Notifier,
		journal:           deps.Journal,
		metrics:           deps.Metrics,
		clock:             deps.Clock,
		logger:            deps.Logger.With("service", svc.Name),
		failureAlertArmed: true,
	}
}

// Name returns the service name.
func (s *State) Name() string {
	return s.svc.Name
}

// Service returns the merged configuration the state was built from.
func (s *State) Service() config.Service {
	return s.svc
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Name:               s.svc.Name,
		AttemptCount:       s.attemptCount,
		MaxAttempts:        s.svc.MaxAttempts,
		FailureAlertArmed:  s.failureAlertArmed,
		RecoveryAlertArmed: s.recoveryAlertArmed,
		NextCheckAt:        s.nextCheckAt,
		OutageID:           s.outageID,
		LastCheckedAt:      s.lastCheckedAt,
	}
	if !s.lastCheckedAt.IsZero() {
		st.LastStatus = s.lastResult.Status()
		st.LastResult = s.lastResult.Describe()
	}
	return st
}

// Tick runs the check if it is due and advances the state machine. It is a
// no-op before the next scheduled check time, and a run cut short by ctx
// being cancelled leaves the state as it was.
func (s *State) Tick(ctx context.Context) {
	now := s.clock.Now()
	s.mu.Lock()
	next := s.nextCheckAt
	s.mu.Unlock()
	if now.Before(next) {
		s.logger.Debug("check not due", "next_check", next)
		return
	}

	s.logger.Debug("running check", "command", shellescape.QuoteCommand(s.svc.Command))
	res := s.exec.Run(ctx, s.svc.Command, s.svc.Timeout.Duration)
	if ctx.Err() != nil {
		s.logger.Debug("check interrupted, state unchanged", "outcome", res.Outcome)
		return
	}
	checkedAt := s.clock.Now()
	s.logger.Debug("check output",
		"outcome", res.Outcome,
		"exit_code", res.ExitCode,
		"stdout", string(res.Stdout),
		"stderr", string(res.Stderr),
	)

	s.mu.Lock()
	evt := s.advance(res, checkedAt)
	attempts, outageID, nextAt := s.attemptCount, s.outageID, s.nextCheckAt
	s.mu.Unlock()

	s.logger.Debug("next check scheduled", "next_check", nextAt)
	s.record(ctx, res, checkedAt, attempts, outageID)

	if evt != nil {
		s.deliver(ctx, *evt)
	}
}

// advance applies one executed check to the state. It must be called with
// s.mu held and returns the event to deliver, if any.
func (s *State) advance(res checker.Result, at time.Time) *notify.Event {
	s.lastCheckedAt = at
	s.lastResult = res

	if res.OK() {
		var evt *notify.Event
		if s.recoveryAlertArmed && s.svc.Notify {
			e := s.event(notify.KindRecovery, res, at)
			evt = &e
		}
		s.logger.Info("check passed", "recovered", evt != nil)
		s.recoveryAlertArmed = false
		s.attemptCount = 0
		s.failureAlertArmed = true
		s.outageID = ""
		s.nextCheckAt = at.Add(s.svc.IntervalOK.Duration)
		return evt
	}

	if s.outageID == "" {
		s.outageID = uuid.NewString()
	}

	var evt *notify.Event
	switch {
	case !s.failureAlertArmed:
		s.logger.Warn("check still failing, alert already sent",
			"outcome", res.Outcome,
			"result", res.Describe(),
			"outage_id", s.outageID,
		)
	default:
		if s.attemptCount < s.svc.MaxAttempts {
			s.attemptCount++
		}
		thresholdReached := s.attemptCount == s.svc.MaxAttempts
		s.logger.Error("check failed",
			"outcome", res.Outcome,
			"result", res.Describe(),
			"attempt", s.attemptCount,
			"max_attempts", s.svc.MaxAttempts,
			"outage_id", s.outageID,
			"retry_in", s.svc.IntervalFail.Duration,
		)
		if thresholdReached && s.svc.Notify {
			e := s.event(notify.KindFailure, res, at)
			evt = &e
			s.failureAlertArmed = false
			s.recoveryAlertArmed = true
		}
	}
	s.nextCheckAt = at.Add(s.svc.IntervalFail.Duration)
	return evt
}

func (s *State) event(kind notify.Kind, res checker.Result, at time.Time) notify.Event {
	return notify.Event{
		Kind:        kind,
		Service:     s.svc.Name,
		Command:     s.svc.Command,
		OutageID:    s.outageID,
		Attempts:    s.attemptCount,
		MaxAttempts: s.svc.MaxAttempts,
		Result:      res,
		At:          at,
		Sender:      s.svc.Sender,
		Recipients:  s.svc.Recipients,
	}
}

func (s *State) record(ctx context.Context, res checker.Result, at time.Time, attempts int, outageID string) {
	if s.metrics != nil {
		s.metrics.ObserveRun(s.svc.Name, res.Outcome.String(), res.OK(), res.Duration)
		s.metrics.SetConsecutiveFailures(s.svc.Name, attempts)
	}
	if s.journal == nil {
		return
	}
	run := storage.Run{
		Service:    s.svc.Name,
		Status:     string(res.Status()),
		Outcome:    res.Outcome.String(),
		ExitCode:   res.ExitCode,
		DurationMs: res.Duration.Milliseconds(),
		Stdout:     string(res.Stdout),
		Stderr:     string(res.Stderr),
		Error:      res.ErrorString(),
		OutageID:   outageID,
		CheckedAt:  at,
	}
	if err := s.journal.InsertRun(ctx, run); err != nil {
		s.logger.Warn("journaling run", "error", err)
	}
}

// deliver makes the single delivery attempt for evt. The arming flags have
// already moved on; a failed send is not retried.
func (s *State) deliver(ctx context.Context, evt notify.Event) {
	var err error
	if s.notifier != nil {
		err = s.notifier.Notify(ctx, evt)
	}
	if s.metrics != nil {
		s.metrics.ObserveNotification(evt.Service, string(evt.Kind), err)
	}
	if s.journal == nil {
		return
	}
	n := storage.Notification{
		Service:    evt.Service,
		Kind:       string(evt.Kind),
		OutageID:   evt.OutageID,
		Recipients: evt.Recipients,
		Subject:    notify.Compose(evt).Subject,
		SentAt:     s.clock.Now(),
	}
	if err != nil {
		n.Error = err.Error()
	}
	if jerr := s.journal.InsertNotification(ctx, n); jerr != nil {
		s.logger.Warn("journaling notification", "error", jerr)
	}
}
