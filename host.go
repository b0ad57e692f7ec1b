package gocluster

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	metrics "github.com/hashicorp/go-metrics"
)

// Host accepts worker connections, pairs them with one-time codes and
// dispatches remote calls to them. One accept loop feeds one read loop
// per connection; the dispatcher and registry are the only shared state.
type Host struct {
	cfg    Config
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	auth     *Authenticator
	registry *ConnRegistry
	disp     *Dispatcher

	ln       net.Listener
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// HostOption adjusts a host at construction.
type HostOption func(*Host)

// WithHostLog sets the slog handler used for the host's structured logs.
func WithHostLog(h slog.Handler) HostOption {
	return func(host *Host) { host.logger = slog.New(h) }
}

// WithHostMetrics sets the metrics sink and static labels for everything
// the host and its dispatcher emit.
func WithHostMetrics(sink metrics.MetricSink, labels ...metrics.Label) HostOption {
	return func(host *Host) {
		host.msink = sink
		host.labels = labels
	}
}

// NewHost creates a host from plain configuration values.
func NewHost(cfg Config, opts ...HostOption) *Host {
	cfg = cfg.withDefaults()
	h := &Host{
		cfg:    cfg,
		logger: slog.Default(),
		msink:  &metrics.BlackholeSink{},
		auth:   NewAuthenticator(cfg.OTPLength, cfg.OTPValidity),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "host")
	h.registry = NewConnRegistry(h.msink, h.labels)
	h.disp = NewDispatcher(h.registry, cfg, h.logger.With("component", "dispatcher"), h.msink, h.labels)
	return h
}

// Dispatcher exposes the call router, for building remote facades.
func (h *Host) Dispatcher() *Dispatcher { return h.disp }

// WorkersInfo snapshots the registered workers.
func (h *Host) WorkersInfo() []WorkerInfo { return h.registry.Snapshot() }

// OTP returns the live pairing code, or "" if none is usable.
func (h *Host) OTP() string { return h.auth.Current() }

// IssueOTP generates a fresh pairing code, invalidating any previous one.
func (h *Host) IssueOTP() (string, error) { return h.auth.Issue() }

// Addr returns the listening address once Start has succeeded.
func (h *Host) Addr() net.Addr {
	if h.ln == nil {
		return nil
	}
	return h.ln.Addr()
}

// Start issues the first pairing code, binds the listener and launches
// the accept and liveness loops. It does not block.
func (h *Host) Start() error {
	if _, err := h.auth.Issue(); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", h.cfg.BindAddr, h.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", ErrNetwork, addr, err)
	}
	h.ln = ln
	h.logger.Info("host listening", "addr", ln.Addr().String())

	h.wg.Add(2)
	go h.acceptLoop()
	go h.livenessLoop()
	return nil
}

func (h *Host) acceptLoop() {
	defer h.wg.Done()
	for {
		conn, err := h.ln.Accept()
		if err != nil {
			select {
			case <-h.stopCh:
				return
			default:
			}
			h.logger.Warn("accept failed", "error", err)
			continue
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.handleConn(conn)
		}()
	}
}

// handleConn performs the pairing handshake and, on success, runs the
// connection's read loop until it dies. Handshake failure closes the
// socket; it never affects other connections.
func (h *Host) handleConn(raw net.Conn) {
	_ = raw.SetDeadline(time.Now().Add(h.cfg.DialTimeout))

	ch, err := NewSecureChannel(raw, h.auth.handshakeKey())
	if err != nil {
		h.logger.Warn("handshake setup failed", "peer", raw.RemoteAddr(), "error", err)
		_ = raw.Close()
		return
	}

	env, err := ch.ReceiveEnvelope()
	if err != nil || env.Kind != string(KindAuth) {
		// Undecryptable first frame means the peer derived a different
		// key, i.e., presented the wrong code.
		h.msink.IncrCounterWithLabels([]string{"gocluster", "auth", "failed"}, 1, h.labels)
		h.logger.Warn("pairing rejected", "peer", raw.RemoteAddr())
		_ = ch.Close()
		return
	}

	if _, err := h.auth.Verify(env.OTP); err != nil {
		h.msink.IncrCounterWithLabels([]string{"gocluster", "auth", "failed"}, 1, h.labels)
		h.logger.Warn("pairing rejected", "peer", raw.RemoteAddr(), "worker", env.WorkerID)
		_ = ch.Close()
		return
	}

	if err := ch.SendEnvelope(NewAuthOK(env.ID)); err != nil {
		h.logger.Warn("pairing ack failed", "worker", env.WorkerID, "error", err)
		_ = ch.Close()
		return
	}
	_ = raw.SetDeadline(time.Time{})

	h.msink.IncrCounterWithLabels([]string{"gocluster", "auth", "succeeded"}, 1, h.labels)
	c := newConn(env.WorkerID, env.Hostname, ch)
	h.registry.Register(c)
	h.logger.Info("worker paired", "worker", c.ID, "hostname", c.Hostname, "peer", raw.RemoteAddr())

	// The code is spent; issue a replacement so the operator can pair
	// the next worker.
	if code, err := h.auth.Issue(); err == nil {
		h.logger.Info("new pairing code issued", "otp", code)
	}

	h.readLoop(c, ch)
}

// readLoop consumes one connection's envelopes until a transport fault.
func (h *Host) readLoop(c *Conn, ch *SecureChannel) {
	for {
		env, err := ch.ReceiveEnvelope()
		if err != nil {
			if h.registry.Unregister(c) {
				h.logger.Warn("connection lost", "worker", c.ID, "error", err)
			}
			return
		}
		c.touch()

		switch env.Kind {
		case string(KindResponse):
			h.disp.HandleResponse(env)
		case string(KindHeartbeat):
			// Echo so the worker can measure round-trip time.
			reply := NewHeartbeat("")
			reply.ID = env.ID
			reply.Metadata = env.Metadata
			if err := c.send(reply); err != nil {
				h.registry.Unregister(c)
				return
			}
		default:
			h.logger.Warn("unexpected envelope, dropping connection", "worker", c.ID, "kind", env.Kind)
			h.registry.Unregister(c)
			return
		}
	}
}

// livenessLoop unregisters connections that stayed silent beyond the
// liveness window.
func (h *Host) livenessLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			for _, c := range h.registry.stale(h.cfg.LivenessWindow()) {
				if h.registry.Unregister(c) {
					h.logger.Warn("worker missed liveness window", "worker", c.ID)
				}
			}
		}
	}
}

// Close stops accepting, drops every connection (failing their pending
// calls) and shuts the dispatcher down.
func (h *Host) Close() error {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		if h.ln != nil {
			_ = h.ln.Close()
		}
		for _, info := range h.registry.Snapshot() {
			if c, ok := h.registry.Get(info.ID); ok {
				h.registry.Unregister(c)
			}
		}
		h.disp.Close()
		h.wg.Wait()
		h.logger.Info("host stopped")
	})
	return nil
}
