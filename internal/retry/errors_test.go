package retry

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCausedByShutdown(t *testing.T) {
	assert.False(t, CausedByShutdown(nil))
	assert.False(t, CausedByShutdown(errors.New("plain")))
	assert.True(t, CausedByShutdown(ErrShutdown))
	assert.True(t, CausedByShutdown(fmt.Errorf("worker: %w", ErrShutdown)))

	deep := fmt.Errorf("a: %w", fmt.Errorf("b: %w", fmt.Errorf("c: %w", ErrShutdown)))
	assert.True(t, CausedByShutdown(deep))

	joined := errors.Join(errors.New("other"), fmt.Errorf("x: %w", ErrShutdown))
	assert.True(t, CausedByShutdown(joined))
	assert.False(t, CausedByShutdown(errors.Join(errors.New("a"), errors.New("b"))))
}

type cyclicError struct {
	next error
}

func (c *cyclicError) Error() string { return "cyclic" }
func (c *cyclicError) Unwrap() error { return c.next }

func TestCausedByShutdownTerminatesOnCycle(t *testing.T) {
	a := &cyclicError{}
	b := &cyclicError{next: a}
	a.next = b
	assert.False(t, CausedByShutdown(a))
}

type bottomlessError struct{ n int }

func (bottomlessError) Error() string { return "bottomless" }
func (e bottomlessError) Unwrap() error {
	// a distinct value each level defeats the visited set; the depth limit
	// has to stop the walk
	return bottomlessError{n: e.n + 1}
}

func TestCausedByShutdownDepthLimit(t *testing.T) {
	assert.False(t, CausedByShutdown(bottomlessError{}))
}

func TestHandledAndSkipMarkers(t *testing.T) {
	boom := errors.New("boom")

	h := NewHandled(boom)
	assert.True(t, IsHandled(h))
	assert.False(t, IsSkip(h))
	assert.ErrorIs(t, h, boom)
	assert.Equal(t, boom, Cause(h))

	s := NewSkip(boom)
	assert.True(t, IsSkip(s))
	assert.False(t, IsHandled(s))
	assert.Equal(t, boom, Cause(s))

	nested := NewHandled(NewSkip(boom))
	assert.Equal(t, boom, Cause(nested))

	assert.Equal(t, boom, Cause(boom))
	assert.False(t, IsHandled(boom))
}

func TestShutdownCrossesMarkers(t *testing.T) {
	err := NewSkip(fmt.Errorf("wrapped: %w", ErrShutdown))
	assert.True(t, CausedByShutdown(err))
}

func TestPanicError(t *testing.T) {
	pe := &PanicError{Value: "kaboom", Stack: []string{"a.go:1 in main.f"}}
	assert.Equal(t, "panic: kaboom", pe.Error())

	wrapped := fmt.Errorf("execute: %w", pe)
	assert.Equal(t, []string{"a.go:1 in main.f"}, StackFrames(wrapped))
}

func TestStackFramesForPlainError(t *testing.T) {
	frames := StackFrames(errors.New("x"))
	require.NotEmpty(t, frames)
	assert.Contains(t, frames[0], "errors_test.go")
	assert.Contains(t, frames[0], " in ")
}

func TestCurrentStack(t *testing.T) {
	frames := CurrentStack(0)
	require.NotEmpty(t, frames)
	assert.Contains(t, frames[0], "errors_test.go")
}
