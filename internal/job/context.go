package job

import "context"

type ctxKey struct{}

// Current describes the job an executing worker belongs to.
type Current struct {
	JID    string
	Class  string
	Queue  string
	Worker string
}

// NewContext attaches job metadata for the worker to read back.
func NewContext(ctx context.Context, cur Current) context.Context {
	return context.WithValue(ctx, ctxKey{}, cur)
}

// FromContext returns the metadata of the job running under ctx, if any.
func FromContext(ctx context.Context) (Current, bool) {
	cur, ok := ctx.Value(ctxKey{}).(Current)
	return cur, ok
}
