package gocluster

import (
	"sync"
	"sync/atomic"
	"time"

	metrics "github.com/hashicorp/go-metrics"
)

// envelopeSender is the send side of an authenticated connection. The
// secure channel implements it; tests substitute in-memory fakes.
type envelopeSender interface {
	SendEnvelope(*Envelope) error
	Close() error
}

// Conn is an authenticated, encrypted logical link to exactly one worker.
// The in-flight counter always equals the number of pending calls the
// dispatcher has assigned to it.
type Conn struct {
	ID       string
	Hostname string

	link         envelopeSender
	inflight     atomic.Int64
	lastSeen     atomic.Int64 // unix nanos
	registeredAt time.Time
	closeOnce    sync.Once
}

func newConn(id, hostname string, link envelopeSender) *Conn {
	c := &Conn{ID: id, Hostname: hostname, link: link}
	c.touch()
	return c
}

// Inflight reports the number of calls currently pending on this link.
func (c *Conn) Inflight() int {
	return int(c.inflight.Load())
}

// touch records liveness.
func (c *Conn) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen reports when traffic was last observed on this link.
func (c *Conn) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Conn) send(env *Envelope) error {
	return c.link.SendEnvelope(env)
}

// Close tears down the underlying channel. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		_ = c.link.Close()
	})
}

// WorkerInfo is a point-in-time view of one registered worker.
type WorkerInfo struct {
	ID          string
	Hostname    string
	Inflight    int
	LastSeen    time.Time
	ConnectedAt time.Time
}

// ConnRegistry is the host's table of authenticated worker connections.
// Membership changes and selection are serialized; the unregister hook
// lets the dispatcher fail calls pending on a dead link.
type ConnRegistry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	order []*Conn // registration order, oldest first

	onUnregister func(*Conn)

	msink  metrics.MetricSink
	labels []metrics.Label
}

// NewConnRegistry creates an empty registry. A nil sink disables metrics.
func NewConnRegistry(sink metrics.MetricSink, labels []metrics.Label) *ConnRegistry {
	if sink == nil {
		sink = &metrics.BlackholeSink{}
	}
	return &ConnRegistry{
		conns:  make(map[string]*Conn),
		msink:  sink,
		labels: labels,
	}
}

// SetUnregisterHook installs the dispatcher's disconnect cascade. Must be
// called before any connection registers.
func (r *ConnRegistry) SetUnregisterHook(fn func(*Conn)) {
	r.onUnregister = fn
}

// Register adds a newly authenticated worker connection. A connection
// reusing a live worker id replaces the previous link, which is closed.
func (r *ConnRegistry) Register(c *Conn) {
	r.mu.Lock()
	prev, existed := r.conns[c.ID]
	if existed {
		r.removeLocked(prev)
	}
	c.registeredAt = time.Now()
	r.conns[c.ID] = c
	r.order = append(r.order, c)
	n := len(r.conns)
	r.mu.Unlock()

	if existed {
		prev.Close()
		if r.onUnregister != nil {
			r.onUnregister(prev)
		}
	}
	r.msink.SetGaugeWithLabels([]string{"gocluster", "workers"}, float32(n), r.labels)
}

// Unregister removes a connection and triggers the disconnect cascade for
// its pending calls. Returns false if the connection was already gone.
func (r *ConnRegistry) Unregister(c *Conn) bool {
	r.mu.Lock()
	cur, ok := r.conns[c.ID]
	if !ok || cur != c {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(c)
	n := len(r.conns)
	r.mu.Unlock()

	c.Close()
	if r.onUnregister != nil {
		r.onUnregister(c)
	}
	r.msink.SetGaugeWithLabels([]string{"gocluster", "workers"}, float32(n), r.labels)
	return true
}

func (r *ConnRegistry) removeLocked(c *Conn) {
	delete(r.conns, c.ID)
	for i, ec := range r.order {
		if ec == c {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// SelectWorker returns the connection with the fewest in-flight calls,
// preferring longer-lived connections on ties. Fails with
// ErrNoWorkerAvailable when the registry is empty.
func (r *ConnRegistry) SelectWorker() (*Conn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Conn
	bestLoad := 0
	for _, c := range r.order {
		load := c.Inflight()
		if best == nil || load < bestLoad {
			best = c
			bestLoad = load
		}
	}
	if best == nil {
		return nil, ErrNoWorkerAvailable
	}
	return best, nil
}

// Get resolves a connection by worker id.
func (r *ConnRegistry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Len reports the number of registered connections.
func (r *ConnRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns a copy of the current worker views.
func (r *ConnRegistry) Snapshot() []WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]WorkerInfo, 0, len(r.order))
	for _, c := range r.order {
		infos = append(infos, WorkerInfo{
			ID:          c.ID,
			Hostname:    c.Hostname,
			Inflight:    c.Inflight(),
			LastSeen:    c.LastSeen(),
			ConnectedAt: c.registeredAt,
		})
	}
	return infos
}

// stale returns connections not observed within the liveness window.
func (r *ConnRegistry) stale(window time.Duration) []*Conn {
	cutoff := time.Now().Add(-window)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Conn
	for _, c := range r.order {
		if c.LastSeen().Before(cutoff) {
			out = append(out, c)
		}
	}
	return out
}
