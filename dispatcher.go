package gocluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	metrics "github.com/hashicorp/go-metrics"
)

// CallRequest describes one remote invocation. Immutable once handed to
// Dispatch.
type CallRequest struct {
	Function string
	Args     []any
	Kwargs   map[string]any

	// Target pins the call to a specific worker id. Empty means the
	// registry picks the least-loaded worker.
	Target string

	// Timeout overrides the dispatcher's default call deadline.
	Timeout time.Duration
}

type outcome struct {
	value any
	err   error
}

// Pending is the caller's handle to an in-flight call. It resolves
// exactly once: matching response, worker disconnect, or deadline.
type Pending struct {
	id string
	ch chan outcome
}

// ID returns the call's correlation id.
func (p *Pending) ID() string { return p.id }

// Wait blocks until the call resolves or ctx is done. This is the only
// suspension point exposed to application code.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-p.ch:
		return out.value, out.err
	}
}

// pendingCall is the dispatcher's tracking entry for one dispatched call.
type pendingCall struct {
	id       string
	conn     *Conn
	deadline time.Time
	started  time.Time
	handle   *Pending
}

// Dispatcher routes calls to workers and resolves their pending results.
// The pending table is the only shared mutable state besides the
// registry; every mutation is serialized, and resolution goes through a
// remove-if-present step so each call resolves exactly once.
type Dispatcher struct {
	registry *ConnRegistry
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool

	defaultTimeout time.Duration
	sweepInterval  time.Duration
	stopCh         chan struct{}
	stopOnce       sync.Once

	msink  metrics.MetricSink
	labels []metrics.Label
}

// NewDispatcher creates a dispatcher bound to a registry and starts its
// deadline sweep. It installs itself as the registry's disconnect hook.
func NewDispatcher(reg *ConnRegistry, cfg Config, logger *slog.Logger, sink metrics.MetricSink, labels []metrics.Label) *Dispatcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = &metrics.BlackholeSink{}
	}

	d := &Dispatcher{
		registry:       reg,
		logger:         logger,
		pending:        make(map[string]*pendingCall),
		defaultTimeout: cfg.CallTimeout,
		sweepInterval:  cfg.SweepInterval,
		stopCh:         make(chan struct{}),
		msink:          sink,
		labels:         labels,
	}
	reg.SetUnregisterHook(d.failConn)
	go d.sweepLoop()
	return d
}

// Dispatch selects a worker, records the pending call and forwards the
// marshaled request. It fails with ErrNoWorkerAvailable before any
// network I/O when the registry is empty, and with ErrSerialization
// before any send when an argument is outside the value model.
func (d *Dispatcher) Dispatch(ctx context.Context, req CallRequest) (*Pending, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	d.mu.Unlock()

	var conn *Conn
	var err error
	if req.Target != "" {
		var ok bool
		conn, ok = d.registry.Get(req.Target)
		if !ok {
			return nil, fmt.Errorf("%w: target worker %q", ErrNoWorkerAvailable, req.Target)
		}
	} else if conn, err = d.registry.SelectWorker(); err != nil {
		return nil, err
	}

	if req.Function == "" {
		return nil, fmt.Errorf("%w: empty function name", ErrSerialization)
	}
	if err := checkCallValues(req.Args, req.Kwargs); err != nil {
		return nil, err
	}
	env := NewCall(req.Function, req.Args, req.Kwargs)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}

	pc := &pendingCall{
		id:       env.ID,
		conn:     conn,
		deadline: time.Now().Add(timeout),
		started:  time.Now(),
		handle:   &Pending{id: env.ID, ch: make(chan outcome, 1)},
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	d.pending[pc.id] = pc
	conn.inflight.Add(1)
	d.mu.Unlock()

	if err := conn.send(env); err != nil {
		// The link is broken. Reclaim this entry first: if the read loop
		// already unregistered the connection, its cascade ran without
		// this call and nothing else would collect it before the sweep.
		d.take(pc.id)
		d.logger.Warn("send failed, dropping connection",
			"worker", conn.ID, "call", pc.id, "error", err)
		d.registry.Unregister(conn)
		return nil, fmt.Errorf("%w: %v", ErrWorkerDisconnected, err)
	}

	d.msink.IncrCounterWithLabels([]string{"gocluster", "calls", "dispatched"}, 1, d.labels)
	d.logger.Debug("call dispatched", "call", pc.id, "function", req.Function, "worker", conn.ID)
	return pc.handle, nil
}

// HandleResponse resolves the pending call matching the response's
// correlation id. Responses with no matching entry are late or duplicate
// and are discarded silently.
func (d *Dispatcher) HandleResponse(env *Envelope) {
	pc := d.take(env.ID)
	if pc == nil {
		d.logger.Debug("discarding unmatched response", "call", env.ID)
		return
	}

	latencyMs := float32(time.Since(pc.started)) / float32(time.Millisecond)
	d.msink.AddSampleWithLabels([]string{"gocluster", "calls", "latency"}, latencyMs, d.labels)
	val, err := resultFromEnvelope(env)
	if err != nil {
		d.msink.IncrCounterWithLabels([]string{"gocluster", "calls", "failed"}, 1, d.labels)
		pc.handle.ch <- outcome{err: err}
		return
	}
	d.msink.IncrCounterWithLabels([]string{"gocluster", "calls", "succeeded"}, 1, d.labels)
	pc.handle.ch <- outcome{value: val}
}

// take removes a pending call from the table, keeping the connection's
// in-flight count in step. It returns nil when the id is unknown, which
// makes every second resolution path a no-op.
func (d *Dispatcher) take(id string) *pendingCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	pc, ok := d.pending[id]
	if !ok {
		return nil
	}
	delete(d.pending, id)
	pc.conn.inflight.Add(-1)
	return pc
}

// failConn resolves every call assigned to a dead connection with
// ErrWorkerDisconnected. Installed as the registry's unregister hook.
func (d *Dispatcher) failConn(conn *Conn) {
	d.mu.Lock()
	var victims []*pendingCall
	for id, pc := range d.pending {
		if pc.conn == conn {
			delete(d.pending, id)
			pc.conn.inflight.Add(-1)
			victims = append(victims, pc)
		}
	}
	d.mu.Unlock()

	for _, pc := range victims {
		d.msink.IncrCounterWithLabels([]string{"gocluster", "calls", "disconnected"}, 1, d.labels)
		pc.handle.ch <- outcome{err: fmt.Errorf("%w: worker %s", ErrWorkerDisconnected, conn.ID)}
	}
	if len(victims) > 0 {
		d.logger.Warn("failed pending calls on dead connection",
			"worker", conn.ID, "count", len(victims))
	}
}

// sweepLoop periodically resolves calls whose deadline has elapsed.
func (d *Dispatcher) sweepLoop() {
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case now := <-ticker.C:
			d.sweep(now)
		}
	}
}

func (d *Dispatcher) sweep(now time.Time) {
	d.mu.Lock()
	var expired []*pendingCall
	for id, pc := range d.pending {
		if now.After(pc.deadline) {
			delete(d.pending, id)
			pc.conn.inflight.Add(-1)
			expired = append(expired, pc)
		}
	}
	d.mu.Unlock()

	for _, pc := range expired {
		d.msink.IncrCounterWithLabels([]string{"gocluster", "calls", "timeout"}, 1, d.labels)
		d.logger.Warn("call deadline elapsed", "call", pc.id, "worker", pc.conn.ID)
		pc.handle.ch <- outcome{err: fmt.Errorf("%w: call %s", ErrCallTimeout, pc.id)}
	}
}

// PendingCount reports the number of unresolved calls.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close stops the sweep and fails every unresolved call with ErrClosed.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() {
		close(d.stopCh)

		d.mu.Lock()
		d.closed = true
		var remaining []*pendingCall
		for id, pc := range d.pending {
			delete(d.pending, id)
			pc.conn.inflight.Add(-1)
			remaining = append(remaining, pc)
		}
		d.mu.Unlock()

		for _, pc := range remaining {
			pc.handle.ch <- outcome{err: ErrClosed}
		}
	})
}
