// Package commandtest provides a scripted command.Runner for tests.
package commandtest

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/withObsrvr/obsrvr-inventory-archiver/internal/command"
)

// FilePrefix marks an argument whose value is read from a local file.
const FilePrefix = "file://"

// Call is one recorded invocation.
type Call struct {
	Name string
	Args []string

	// Files holds the contents of file:// arguments, read when the call was
	// made. The caller may remove the files once Run returns.
	Files map[string]string
}

// File returns the contents of the file:// argument following flag, or "".
func (c Call) File(flag string) string {
	return c.Files[strings.TrimPrefix(c.Arg(flag), FilePrefix)]
}

// Arg returns the value following flag, or "".
func (c Call) Arg(flag string) string {
	for i := 0; i+1 < len(c.Args); i++ {
		if c.Args[i] == flag {
			return c.Args[i+1]
		}
	}
	return ""
}

// Has reports whether flag appears in the arguments.
func (c Call) Has(flag string) bool {
	for _, a := range c.Args {
		if a == flag {
			return true
		}
	}
	return false
}

func (c Call) String() string {
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Runner records calls and answers them with Handler. It is safe for
// concurrent use.
type Runner struct {
	Handler func(call Call, n int) (command.Result, error)

	mu    sync.Mutex
	calls []Call
}

// Run implements command.Runner.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (command.Result, error) {
	call := Call{Name: name, Args: append([]string(nil), args...)}
	for _, a := range args {
		if !strings.HasPrefix(a, FilePrefix) {
			continue
		}
		path := strings.TrimPrefix(a, FilePrefix)
		if data, err := os.ReadFile(path); err == nil {
			if call.Files == nil {
				call.Files = make(map[string]string)
			}
			call.Files[path] = string(data)
		}
	}

	r.mu.Lock()
	r.calls = append(r.calls, call)
	n := len(r.calls)
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return command.Result{ExitCode: -1}, err
	}
	if r.Handler == nil {
		return command.Result{}, nil
	}
	return r.Handler(call, n)
}

// Calls returns a copy of the recorded calls.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Sequence returns a Handler answering the i-th call with results[i]; calls
// beyond the list get the last result.
func Sequence(results ...command.Result) func(Call, int) (command.Result, error) {
	return func(_ Call, n int) (command.Result, error) {
		if len(results) == 0 {
			return command.Result{}, nil
		}
		if n > len(results) {
			n = len(results)
		}
		return results[n-1], nil
	}
}

// Fail is a failed Result with stderr.
func Fail(stderr string) command.Result {
	return command.Result{ExitCode: 1, Stderr: stderr}
}
