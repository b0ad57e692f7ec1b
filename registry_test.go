package gocluster

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLink records envelopes sent to it; tests substitute it for a real
// secure channel.
type fakeLink struct {
	mu      sync.Mutex
	sent    []*Envelope
	sendErr error
	closed  bool
}

func (f *fakeLink) SendEnvelope(env *Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeLink) Sent() []*Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeLink) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestConnRegistry(t *testing.T) {
	t.Run("register and get", func(t *testing.T) {
		reg := NewConnRegistry(nil, nil)
		c := newConn("w1", "alpha", &fakeLink{})
		reg.Register(c)

		got, ok := reg.Get("w1")
		assert.True(t, ok)
		assert.Same(t, c, got)
		assert.Equal(t, 1, reg.Len())
	})

	t.Run("duplicate id replaces and closes previous link", func(t *testing.T) {
		reg := NewConnRegistry(nil, nil)
		oldLink := &fakeLink{}
		old := newConn("w1", "alpha", oldLink)
		reg.Register(old)

		var cascaded []*Conn
		reg.SetUnregisterHook(func(c *Conn) { cascaded = append(cascaded, c) })

		fresh := newConn("w1", "alpha", &fakeLink{})
		reg.Register(fresh)

		assert.Equal(t, 1, reg.Len())
		got, _ := reg.Get("w1")
		assert.Same(t, fresh, got)
		assert.True(t, oldLink.Closed())
		require.Len(t, cascaded, 1)
		assert.Same(t, old, cascaded[0])
	})

	t.Run("unregister closes link and fires hook once", func(t *testing.T) {
		reg := NewConnRegistry(nil, nil)
		hooks := 0
		reg.SetUnregisterHook(func(*Conn) { hooks++ })

		link := &fakeLink{}
		c := newConn("w1", "alpha", link)
		reg.Register(c)

		assert.True(t, reg.Unregister(c))
		assert.True(t, link.Closed())
		assert.Equal(t, 1, hooks)
		assert.Equal(t, 0, reg.Len())

		// Already gone.
		assert.False(t, reg.Unregister(c))
		assert.Equal(t, 1, hooks)
	})

	t.Run("empty selection fails", func(t *testing.T) {
		reg := NewConnRegistry(nil, nil)
		_, err := reg.SelectWorker()
		assert.ErrorIs(t, err, ErrNoWorkerAvailable)
	})

	t.Run("least loaded wins", func(t *testing.T) {
		reg := NewConnRegistry(nil, nil)
		a := newConn("a", "alpha", &fakeLink{})
		b := newConn("b", "beta", &fakeLink{})
		reg.Register(a)
		reg.Register(b)

		a.inflight.Store(3)
		b.inflight.Store(1)

		picked, err := reg.SelectWorker()
		require.NoError(t, err)
		assert.Same(t, b, picked)
	})

	t.Run("tie prefers oldest registration", func(t *testing.T) {
		reg := NewConnRegistry(nil, nil)
		a := newConn("a", "alpha", &fakeLink{})
		b := newConn("b", "beta", &fakeLink{})
		reg.Register(a)
		reg.Register(b)

		picked, err := reg.SelectWorker()
		require.NoError(t, err)
		assert.Same(t, a, picked)
	})

	t.Run("snapshot reflects state", func(t *testing.T) {
		reg := NewConnRegistry(nil, nil)
		a := newConn("a", "alpha", &fakeLink{})
		b := newConn("b", "beta", &fakeLink{})
		reg.Register(a)
		reg.Register(b)
		a.inflight.Store(2)

		infos := reg.Snapshot()
		require.Len(t, infos, 2)
		assert.Equal(t, "a", infos[0].ID)
		assert.Equal(t, "alpha", infos[0].Hostname)
		assert.Equal(t, 2, infos[0].Inflight)
		assert.Equal(t, "b", infos[1].ID)
		assert.False(t, infos[0].ConnectedAt.IsZero())
	})

	t.Run("stale detection", func(t *testing.T) {
		reg := NewConnRegistry(nil, nil)
		fresh := newConn("fresh", "alpha", &fakeLink{})
		old := newConn("old", "beta", &fakeLink{})
		reg.Register(fresh)
		reg.Register(old)

		old.lastSeen.Store(time.Now().Add(-time.Minute).UnixNano())

		out := reg.stale(20 * time.Second)
		require.Len(t, out, 1)
		assert.Same(t, old, out[0])
	})
}
