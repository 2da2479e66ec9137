package retry

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
)

// ErrShutdown marks failures caused by the process shutting down rather than
// by the job itself. Executions failing with it anywhere in their cause
// chain are not retried and not acknowledged; the payload stays in flight
// for requeueing.
var ErrShutdown = errors.New("sidekiq: shutdown in progress")

// causeDepthLimit bounds the shutdown cause walk against adversarial or
// buggy Unwrap chains.
const causeDepthLimit = 64

// CausedByShutdown reports whether ErrShutdown appears anywhere in err's
// cause tree. Unlike errors.Is it tolerates cyclic chains.
func CausedByShutdown(err error) bool {
	seen := make(map[error]struct{})
	var walk func(e error, depth int) bool
	walk = func(e error, depth int) bool {
		for e != nil && depth < causeDepthLimit {
			if e == ErrShutdown {
				return true
			}
			if reflect.TypeOf(e).Comparable() {
				if _, dup := seen[e]; dup {
					return false
				}
				seen[e] = struct{}{}
			}
			switch u := e.(type) {
			case interface{ Unwrap() error }:
				e = u.Unwrap()
				depth++
			case interface{ Unwrap() []error }:
				for _, inner := range u.Unwrap() {
					if walk(inner, depth+1) {
						return true
					}
				}
				return false
			default:
				return false
			}
		}
		return false
	}
	return walk(err, 0)
}

// handledError marks a failure the engine already recorded (retried or
// buried). It crosses the middleware chain without being processed twice.
type handledError struct {
	cause error
}

func (e *handledError) Error() string { return fmt.Sprintf("retry handled: %v", e.cause) }
func (e *handledError) Unwrap() error { return e.cause }

// skipError is handledError's sibling for failures recorded with per-class
// options in play.
type skipError struct {
	cause error
}

func (e *skipError) Error() string { return fmt.Sprintf("retry skipped: %v", e.cause) }
func (e *skipError) Unwrap() error { return e.cause }

// NewHandled wraps cause as already-recorded.
func NewHandled(cause error) error { return &handledError{cause: cause} }

// NewSkip wraps cause as recorded-with-registration.
func NewSkip(cause error) error { return &skipError{cause: cause} }

func IsHandled(err error) bool {
	var h *handledError
	return errors.As(err, &h)
}

func IsSkip(err error) bool {
	var s *skipError
	return errors.As(err, &s)
}

// Cause unwraps handled and skip markers down to the original failure.
func Cause(err error) error {
	for {
		switch e := err.(type) {
		case *handledError:
			err = e.cause
		case *skipError:
			err = e.cause
		default:
			return err
		}
	}
}

// PanicError carries a recovered panic value and the goroutine stack at the
// recovery site, letting panics flow through the retry machinery like
// ordinary errors.
type PanicError struct {
	Value any
	Stack []string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// CurrentStack captures the calling goroutine's stack, skipping the given
// number of frames above the caller.
func CurrentStack(skip int) []string {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip+2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var out []string
	for {
		f, more := frames.Next()
		out = append(out, fmt.Sprintf("%s:%d in %s", f.File, f.Line, f.Function))
		if !more {
			break
		}
	}
	return out
}

// StackFrames returns the stack to record for a failure: the panic site when
// err carries one, otherwise the handling site.
func StackFrames(err error) []string {
	var pe *PanicError
	if errors.As(err, &pe) {
		return pe.Stack
	}
	return CurrentStack(1)
}
