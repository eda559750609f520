// Package retry runs operations under a bounded exponential backoff policy.
//
// The retry loop is an explicit state machine: each attempt's error is
// classified (see command.ClassOf) and the machine moves to Succeeded,
// Skipped or Fatal, sleeps and tries again, or gives up leaving the work
// Pending for a later run.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/command"
	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/metrics"
)

// Outcome is the terminal state of a retried operation.
type Outcome int

const (
	Pending Outcome = iota // retries exhausted or cancelled
	Succeeded
	Skipped
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Skipped:
		return "skipped"
	case Fatal:
		return "fatal"
	default:
		return "pending"
	}
}

// Policy bounds a retry loop. MaxAttempts counts every attempt including the
// first; there is no sleep after the last one.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration // 0 = uncapped
}

// Default policies.
var (
	ArchivePolicy = Policy{MaxAttempts: 3, InitialInterval: 30 * time.Second, Multiplier: 2}
	DeletePolicy  = Policy{MaxAttempts: 5, InitialInterval: 30 * time.Second, Multiplier: 2}
)

// uncapped stands in for "no maximum" in backoff.ExponentialBackOff.
const uncapped = 365 * 24 * time.Hour

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	maxInterval := p.MaxInterval
	if maxInterval <= 0 {
		maxInterval = uncapped
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          multiplier,
		MaxInterval:         maxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Intervals returns the sleeps taken between the policy's attempts.
func (p Policy) Intervals() []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	b := p.newBackOff()
	out := make([]time.Duration, p.MaxAttempts-1)
	for i := range out {
		out[i] = b.NextBackOff()
	}
	return out
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State is the progress of one retried operation.
type State struct {
	Attempt  int           // attempts made
	Interval time.Duration // next sleep
	Waited   time.Duration // total time slept
	Outcome  Outcome
	Err      error // last error, nil on success
}

// Retrier runs operations under a Policy.
type Retrier struct {
	policy Policy
	sleep  Sleeper
	logger *slog.Logger
}

// New returns a Retrier. A nil sleeper means Sleep.
func New(policy Policy, sleep Sleeper, logger *slog.Logger) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if sleep == nil {
		sleep = Sleep
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{policy: policy, sleep: sleep, logger: logger}
}

// Do runs fn until it succeeds, is skipped, fails fatally, or the attempt
// budget is spent. op names the operation in logs and metrics.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) State {
	b := r.policy.newBackOff()
	st := State{Interval: r.policy.InitialInterval}

	for {
		if err := ctx.Err(); err != nil {
			st.Outcome = Pending
			st.Err = err
			return st
		}

		st.Attempt++
		err := fn(ctx)
		st.Err = err

		switch command.ClassOf(err) {
		case command.Success:
			st.Outcome = Succeeded
			return st
		case command.Skip:
			st.Outcome = Skipped
			return st
		case command.Fatal:
			st.Outcome = Fatal
			return st
		}

		if st.Attempt >= r.policy.MaxAttempts {
			st.Outcome = Pending
			st.Err = fmt.Errorf("%s: gave up after %d attempts: %w", op, st.Attempt, err)
			return st
		}

		st.Interval = b.NextBackOff()
		r.logger.Warn("Transient failure, retrying",
			"op", op,
			"attempt", st.Attempt,
			"max_attempts", r.policy.MaxAttempts,
			"backoff", st.Interval,
			"error", err,
		)
		if m := metrics.Get(); m != nil {
			m.IncRetryAttempts(op)
		}

		if err := r.sleep(ctx, st.Interval); err != nil {
			st.Outcome = Pending
			st.Err = fmt.Errorf("%s: retry wait: %w", op, err)
			return st
		}
		st.Waited += st.Interval
	}
}
