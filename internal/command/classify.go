package command

import (
	"errors"
	"fmt"
	"strings"
)

// Class is the outcome category of an external command.
type Class int

const (
	Success Class = iota
	// Skip is a terminal, non-error outcome such as an object too small to
	// archive. It is never retried.
	Skip
	// Transient failures are retried with backoff.
	Transient
	// Fatal failures abort the whole run.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case Skip:
		return "skip"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// The markers below are matched against a command's standard error. They are
// the only place that knows the external tools' error vocabulary.
var (
	FatalMarkers = []string{
		"ExpiredToken",
		"AccessDenied",
		"InvalidAccessKeyId",
		"SignatureDoesNotMatch",
	}
	SkipMarkers = []string{
		"EntityTooSmall",
		"too small",
	}
)

// Classify categorises a command outcome. runErr is the error returned by
// Runner.Run; a program that could not be started is transient.
func Classify(res Result, runErr error) Class {
	if runErr == nil && res.ExitCode == 0 {
		return Success
	}
	return ClassifyText(res.Stderr)
}

// ClassifyText categorises a failure from its diagnostic text alone.
func ClassifyText(text string) Class {
	for _, m := range FatalMarkers {
		if strings.Contains(text, m) {
			return Fatal
		}
	}
	for _, m := range SkipMarkers {
		if strings.Contains(text, m) {
			return Skip
		}
	}
	return Transient
}

// ErrFatal matches every fatal *Error with errors.Is.
var ErrFatal = errors.New("fatal command failure")

// Error describes a failed command.
type Error struct {
	Op       string
	Class    Class
	ExitCode int
	Stderr   string
	Err      error // start failure, if any
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s failure", e.Op, e.Class)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	} else {
		fmt.Fprintf(&b, " (exit %d)", e.ExitCode)
	}
	if s := firstLine(e.Stderr); s != "" {
		fmt.Fprintf(&b, ": %s", s)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports fatal errors as ErrFatal.
func (e *Error) Is(target error) bool {
	return target == ErrFatal && e.Class == Fatal
}

// Check turns a Run outcome into nil on success or an *Error carrying its class.
func Check(op string, res Result, runErr error) error {
	class := Classify(res, runErr)
	if class == Success {
		return nil
	}
	return &Error{
		Op:       op,
		Class:    class,
		ExitCode: res.ExitCode,
		Stderr:   res.Stderr,
		Err:      runErr,
	}
}

// ClassOf returns the class carried by err. Errors that are not *Error are
// transient; nil is Success.
func ClassOf(err error) Class {
	if err == nil {
		return Success
	}
	var cmdErr *Error
	if errors.As(err, &cmdErr) {
		return cmdErr.Class
	}
	return Transient
}

// IsFatal reports whether err must abort the run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
