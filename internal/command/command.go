// Package command runs external programs and classifies their outcome.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/metrics"
)

// DefaultMaxOutputBytes caps how much of a stream is kept in a Result.
const DefaultMaxOutputBytes = 1 << 20

// waitDelay bounds how long Run waits for output pipes after the process is
// killed, since grandchildren can hold them open.
const waitDelay = 5 * time.Second

// Result is what an external program produced.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner runs an external program. A non-zero exit is reported through
// Result.ExitCode with a nil error; the error is reserved for programs that
// could not be started or were killed.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs programs with os/exec.
type ExecRunner struct {
	Timeout        time.Duration // per invocation, 0 = none
	MaxOutputBytes int           // per stream, 0 = DefaultMaxOutputBytes
	Env            []string      // appended to the parent environment
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	result := Result{ExitCode: -1}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	maxOutput := r.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputBytes
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = waitDelay
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, max: maxOutput}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, max: maxOutput}

	start := time.Now()
	err := cmd.Run()
	result.Duration = time.Since(start)
	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()

	if m := metrics.Get(); m != nil {
		m.ObserveCommandDuration(filepath.Base(name), result.Duration.Seconds())
	}

	if err == nil {
		result.ExitCode = 0
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if ctx.Err() != nil {
		return result, fmt.Errorf("run %s: %w", name, ctx.Err())
	}
	return result, fmt.Errorf("run %s: %w", name, err)
}

// limitedWriter keeps the first max bytes and silently drops the rest.
type limitedWriter struct {
	w   *bytes.Buffer
	max int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if room := l.max - l.w.Len(); room > 0 {
		if len(p) > room {
			l.w.Write(p[:room])
		} else {
			l.w.Write(p)
		}
	}
	return len(p), nil
}
