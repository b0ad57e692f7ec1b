package gocluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	metrics "github.com/hashicorp/go-metrics"
)

// Worker connects to a host, pairs with a one-time code and serves
// remote calls against its local function registry. Calls with distinct
// correlation ids run concurrently; only transport faults terminate the
// connection, execution failures travel back as structured responses.
type Worker struct {
	id       string
	hostname string
	registry *Registry
	cfg      Config
	logger   *slog.Logger
	msink    metrics.MetricSink
	labels   []metrics.Label

	channel  *SecureChannel
	baseCtx  context.Context
	cancel   context.CancelFunc
	stopping atomic.Bool
	stopOnce sync.Once
	execWg   sync.WaitGroup
	done     chan struct{}
}

// WorkerOption adjusts a worker at construction.
type WorkerOption func(*Worker)

// WithWorkerID overrides the generated worker id.
func WithWorkerID(id string) WorkerOption {
	return func(w *Worker) { w.id = id }
}

// WithWorkerLog sets the slog handler for the worker's structured logs.
func WithWorkerLog(h slog.Handler) WorkerOption {
	return func(w *Worker) { w.logger = slog.New(h) }
}

// WithWorkerMetrics sets the metrics sink and static labels.
func WithWorkerMetrics(sink metrics.MetricSink, labels ...metrics.Label) WorkerOption {
	return func(w *Worker) {
		w.msink = sink
		w.labels = labels
	}
}

// NewWorker creates a worker serving the given function registry.
func NewWorker(reg *Registry, cfg Config, opts ...WorkerOption) *Worker {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		id:       fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		hostname: hostname,
		registry: reg,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
		msink:    &metrics.BlackholeSink{},
		baseCtx:  ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "worker", "worker", w.id)
	return w
}

// ID returns the worker's identity as presented to the host.
func (w *Worker) ID() string { return w.id }

// Done closes when the worker has stopped.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Join dials the host and performs the pairing handshake. The session
// key is derived from the code on both sides; the auth envelope is the
// first encrypted frame, so a wrong code never reveals anything and the
// host simply closes the socket.
func (w *Worker) Join(ctx context.Context, addr, code string) error {
	dialer := net.Dialer{Timeout: w.cfg.DialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrNetwork, addr, err)
	}
	_ = raw.SetDeadline(time.Now().Add(w.cfg.DialTimeout))

	ch, err := NewSecureChannel(raw, DeriveSessionKey(code))
	if err != nil {
		_ = raw.Close()
		return err
	}

	if err := ch.SendEnvelope(NewAuth(code, w.id, w.hostname)); err != nil {
		_ = ch.Close()
		return err
	}

	resp, err := ch.ReceiveEnvelope()
	if err != nil {
		_ = ch.Close()
		if errors.Is(err, ErrNetwork) {
			// The host hangs up without a word on a bad code.
			return fmt.Errorf("%w: host rejected pairing", ErrAuthentication)
		}
		return err
	}
	if resp.Kind != string(KindAuthOK) {
		_ = ch.Close()
		return fmt.Errorf("%w: expected pairing ack, got %q", ErrProtocol, resp.Kind)
	}

	_ = raw.SetDeadline(time.Time{})
	w.channel = ch
	w.logger.Info("paired with host", "addr", addr)
	return nil
}

// Run serves calls until the connection dies or Stop is called. It
// returns nil on clean shutdown and the transport fault otherwise.
func (w *Worker) Run() error {
	if w.channel == nil {
		return fmt.Errorf("%w: not joined", ErrNetwork)
	}
	defer close(w.done)

	go w.heartbeatLoop()

	for {
		env, err := w.channel.ReceiveEnvelope()
		if err != nil {
			w.execWg.Wait()
			if w.stopping.Load() {
				return nil
			}
			w.logger.Error("connection lost", "error", err)
			return err
		}

		switch env.Kind {
		case string(KindCall):
			w.execWg.Add(1)
			go w.execute(env)
		case string(KindHeartbeat):
			w.recordHeartbeatRTT(env)
		default:
			w.logger.Error("unexpected envelope, closing", "kind", env.Kind)
			w.Stop()
			w.execWg.Wait()
			return fmt.Errorf("%w: unexpected envelope kind %q", ErrProtocol, env.Kind)
		}
	}
}

// execute runs one call and writes its response. Panics and returned
// errors become structured error descriptors, never a teardown.
func (w *Worker) execute(env *Envelope) {
	defer w.execWg.Done()
	started := time.Now()

	var result any
	h, execErr := resolveFunction(w.registry, env)
	if execErr == nil {
		result, execErr = w.safeCall(h, env.Args, env.Kwargs)
	}

	payload, err := MarshalResult(env.ID, result, execErr)
	if err != nil {
		// The function returned something outside the value model;
		// report that instead of a result.
		payload, err = MarshalResult(env.ID, nil, err)
		if err != nil {
			w.logger.Error("cannot encode response", "call", env.ID, "error", err)
			return
		}
	}

	latencyMs := float32(time.Since(started)) / float32(time.Millisecond)
	w.msink.AddSampleWithLabels([]string{"gocluster", "exec", "latency"}, latencyMs, w.labels)
	if execErr != nil {
		w.msink.IncrCounterWithLabels([]string{"gocluster", "exec", "failed"}, 1, w.labels)
		w.logger.Warn("call failed", "call", env.ID, "function", env.Function, "error", execErr)
	} else {
		w.msink.IncrCounterWithLabels([]string{"gocluster", "exec", "succeeded"}, 1, w.labels)
		w.logger.Debug("call served", "call", env.ID, "function", env.Function)
	}

	if err := w.channel.Send(payload); err != nil {
		w.logger.Error("cannot send response", "call", env.ID, "error", err)
		w.Stop()
	}
}

// panicError carries a recovered panic and its stack summary.
type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

const maxStackSummary = 4096

func (w *Worker) safeCall(h Handler, args []any, kwargs map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			if len(stack) > maxStackSummary {
				stack = stack[:maxStackSummary]
			}
			err = &panicError{value: r, stack: string(stack)}
		}
	}()
	return h(w.baseCtx, args, kwargs)
}

func (w *Worker) heartbeatLoop() {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if err := w.channel.SendEnvelope(NewHeartbeat(w.id)); err != nil {
				return
			}
		}
	}
}

// recordHeartbeatRTT measures the round trip of an echoed heartbeat.
func (w *Worker) recordHeartbeatRTT(env *Envelope) {
	ts, ok := env.Metadata["hb_timestamp"].(float64)
	if !ok {
		return
	}
	rttMs := float64(time.Now().UnixNano())/1e6 - ts*1e3
	if rttMs >= 0 {
		w.msink.AddSampleWithLabels([]string{"gocluster", "heartbeat", "rtt_ms"}, float32(rttMs), w.labels)
	}
}

// Stop closes the connection and cancels in-flight executions' context.
// In-flight calls may still finish; their responses are best-effort.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.stopping.Store(true)
		w.cancel()
		if w.channel != nil {
			_ = w.channel.Close()
		}
	})
}
