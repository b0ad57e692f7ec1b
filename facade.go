package gocluster

import (
	"context"
	"time"
)

// RemoteFunc turns a registered function name into a callable whose
// invocation is dispatched to a worker instead of executed locally. Each
// facade holds an explicit reference to the dispatcher it targets; there
// is no ambient global host.
type RemoteFunc struct {
	d       *Dispatcher
	name    string
	target  string
	timeout time.Duration
}

// RemoteOption adjusts a facade at construction.
type RemoteOption func(*RemoteFunc)

// WithTarget pins every call through this facade to a specific worker id.
func WithTarget(workerID string) RemoteOption {
	return func(f *RemoteFunc) { f.target = workerID }
}

// WithTimeout overrides the dispatcher's default deadline for calls made
// through this facade.
func WithTimeout(d time.Duration) RemoteOption {
	return func(f *RemoteFunc) { f.timeout = d }
}

// NewRemoteFunc wraps a function name for dispatch through d.
func NewRemoteFunc(d *Dispatcher, name string, opts ...RemoteOption) *RemoteFunc {
	f := &RemoteFunc{d: d, name: name}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Call dispatches with positional arguments and returns the pending
// result handle. The wrapped function body never runs locally.
func (f *RemoteFunc) Call(ctx context.Context, args ...any) (*Pending, error) {
	return f.CallKw(ctx, args, nil)
}

// CallKw dispatches with positional and keyword arguments.
func (f *RemoteFunc) CallKw(ctx context.Context, args []any, kwargs map[string]any) (*Pending, error) {
	return f.d.Dispatch(ctx, CallRequest{
		Function: f.name,
		Args:     args,
		Kwargs:   kwargs,
		Target:   f.target,
		Timeout:  f.timeout,
	})
}

// Invoke dispatches and waits in one step, for callers that do not need
// to overlap calls.
func (f *RemoteFunc) Invoke(ctx context.Context, args ...any) (any, error) {
	p, err := f.Call(ctx, args...)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}
