package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theabhaychauhan/sidekiq/internal/job"
)

func recordingMiddleware(name string, log *[]string) Func {
	return func(ctx context.Context, inv *Invocation, next Next) error {
		*log = append(*log, name+" before")
		err := next(ctx)
		*log = append(*log, name+" after")
		return err
	}
}

func testInvocation() *Invocation {
	return &Invocation{
		Job:   &job.Job{Class: "A", JID: job.NewJID(), Queue: "default"},
		Queue: "default",
	}
}

func TestInvokeOrder(t *testing.T) {
	var log []string
	c := NewChain()
	c.Add("outer", recordingMiddleware("outer", &log))
	c.Add("inner", recordingMiddleware("inner", &log))

	err := c.Invoke(context.Background(), testInvocation(), func(ctx context.Context) error {
		log = append(log, "handler")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"outer before", "inner before", "handler", "inner after", "outer after",
	}, log)
}

func TestInvokeEmptyChainRunsFinal(t *testing.T) {
	ran := false
	err := NewChain().Invoke(context.Background(), testInvocation(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestEarlyReturnSkipsRest(t *testing.T) {
	var log []string
	c := NewChain()
	c.Add("gate", func(ctx context.Context, inv *Invocation, next Next) error {
		log = append(log, "gate")
		return nil // drop without calling next
	})
	c.Add("never", recordingMiddleware("never", &log))

	handlerRan := false
	err := c.Invoke(context.Background(), testInvocation(), func(ctx context.Context) error {
		handlerRan = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, handlerRan)
	assert.Equal(t, []string{"gate"}, log)
}

func TestMiddlewareErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	c := NewChain()
	c.Add("fail", func(ctx context.Context, inv *Invocation, next Next) error {
		return boom
	})
	err := c.Invoke(context.Background(), testInvocation(), func(ctx context.Context) error {
		t.Fatal("handler must not run")
		return nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestMutationsVisibleDownstream(t *testing.T) {
	c := NewChain()
	c.Add("tagger", func(ctx context.Context, inv *Invocation, next Next) error {
		inv.Job.Queue = "critical"
		return next(ctx)
	})

	inv := testInvocation()
	var seen string
	err := c.Invoke(context.Background(), inv, func(ctx context.Context) error {
		seen = inv.Job.Queue
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "critical", seen)
}

func TestAddDuplicateMovesToTail(t *testing.T) {
	var log []string
	c := NewChain()
	c.Add("a", recordingMiddleware("a1", &log))
	c.Add("b", recordingMiddleware("b", &log))
	c.Add("a", recordingMiddleware("a2", &log))

	assert.Equal(t, 2, c.Count())
	names := entryNames(c)
	assert.Equal(t, []string{"b", "a"}, names)

	require.NoError(t, c.Invoke(context.Background(), testInvocation(), func(ctx context.Context) error {
		return nil
	}))
	assert.Equal(t, []string{"b before", "a2 before", "a2 after", "b after"}, log)
}

func TestPrepend(t *testing.T) {
	c := NewChain()
	c.Add("late", nopMiddleware())
	c.Prepend("early", nopMiddleware())
	assert.Equal(t, []string{"early", "late"}, entryNames(c))
}

func TestInsertBeforeAndAfter(t *testing.T) {
	c := NewChain()
	c.Add("first", nopMiddleware())
	c.Add("last", nopMiddleware())

	c.InsertBefore("last", "middle", nopMiddleware())
	assert.Equal(t, []string{"first", "middle", "last"}, entryNames(c))

	c.InsertAfter("first", "second", nopMiddleware())
	assert.Equal(t, []string{"first", "second", "middle", "last"}, entryNames(c))
}

func TestInsertMissingAnchorFallsBack(t *testing.T) {
	c := NewChain()
	c.Add("only", nopMiddleware())

	c.InsertBefore("ghost", "head", nopMiddleware())
	assert.Equal(t, []string{"head", "only"}, entryNames(c))

	c.InsertAfter("phantom", "tail", nopMiddleware())
	assert.Equal(t, []string{"head", "only", "tail"}, entryNames(c))
}

func TestRemoveClearExists(t *testing.T) {
	c := NewChain()
	c.Add("a", nopMiddleware())
	c.Add("b", nopMiddleware())

	assert.True(t, c.Exists("a"))
	c.Remove("a")
	assert.False(t, c.Exists("a"))
	assert.Equal(t, 1, c.Count())

	c.Remove("ghost") // no-op
	assert.Equal(t, 1, c.Count())

	c.Clear()
	assert.Equal(t, 0, c.Count())
}

func TestCloneIsIndependent(t *testing.T) {
	c := NewChain()
	c.Add("a", nopMiddleware())

	dup := c.Clone()
	dup.Add("b", nopMiddleware())

	assert.Equal(t, 1, c.Count())
	assert.Equal(t, 2, dup.Count())
}

func nopMiddleware() Func {
	return func(ctx context.Context, inv *Invocation, next Next) error {
		return next(ctx)
	}
}

func entryNames(c *Chain) []string {
	entries := c.Entries()
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names
}
