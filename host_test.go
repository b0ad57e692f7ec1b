package gocluster

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLog() slog.Handler {
	return slog.NewTextHandler(io.Discard, nil)
}

func startTestHost(t *testing.T) *Host {
	t.Helper()
	h := NewHost(Config{BindAddr: "127.0.0.1"}, WithHostLog(quietLog()))
	require.NoError(t, h.Start())
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// joinWorker pairs a worker with the host's live code and starts serving.
func joinWorker(t *testing.T, h *Host, reg *Registry) *Worker {
	t.Helper()
	code := h.OTP()
	require.NotEmpty(t, code)

	w := NewWorker(reg, Config{}, WithWorkerLog(quietLog()))
	require.NoError(t, w.Join(context.Background(), h.Addr().String(), code))
	go func() { _ = w.Run() }()
	t.Cleanup(w.Stop)

	waitFor(t, func() bool {
		_, ok := h.registry.Get(w.ID())
		return ok
	})
	return w
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestHostWorkerEndToEnd(t *testing.T) {
	ctx := context.Background()

	t.Run("pair and call over a real connection", func(t *testing.T) {
		h := startTestHost(t)

		reg := NewRegistry()
		require.NoError(t, reg.Register("add", func(a, b int) int { return a + b }))
		joinWorker(t, h, reg)

		add := NewRemoteFunc(h.Dispatcher(), "add")
		val, err := add.Invoke(ctx, 2, 3)
		require.NoError(t, err)
		assert.EqualValues(t, 5, val)

		infos := h.WorkersInfo()
		require.Len(t, infos, 1)
		assert.NotEmpty(t, infos[0].Hostname)
	})

	t.Run("wrong code is rejected", func(t *testing.T) {
		h := startTestHost(t)

		w := NewWorker(NewRegistry(), Config{}, WithWorkerLog(quietLog()))
		err := w.Join(ctx, h.Addr().String(), "WRONGCODE")
		assert.ErrorIs(t, err, ErrAuthentication)
		assert.Empty(t, h.WorkersInfo())
	})

	t.Run("code is single use and replaced after pairing", func(t *testing.T) {
		h := startTestHost(t)
		firstCode := h.OTP()

		joinWorker(t, h, NewRegistry())

		// The spent code no longer pairs anyone.
		replay := NewWorker(NewRegistry(), Config{}, WithWorkerLog(quietLog()))
		err := replay.Join(ctx, h.Addr().String(), firstCode)
		assert.ErrorIs(t, err, ErrAuthentication)

		// The replacement code does.
		waitFor(t, func() bool { return h.OTP() != "" && h.OTP() != firstCode })
		joinWorker(t, h, NewRegistry())
		assert.Len(t, h.WorkersInfo(), 2)
	})

	t.Run("target pins calls to one of several workers", func(t *testing.T) {
		h := startTestHost(t)

		regA := NewRegistry()
		require.NoError(t, regA.Register("whoami", func() string { return "a" }))
		wa := joinWorker(t, h, regA)

		regB := NewRegistry()
		require.NoError(t, regB.Register("whoami", func() string { return "b" }))
		wb := joinWorker(t, h, regB)

		askA := NewRemoteFunc(h.Dispatcher(), "whoami", WithTarget(wa.ID()))
		askB := NewRemoteFunc(h.Dispatcher(), "whoami", WithTarget(wb.ID()))

		val, err := askA.Invoke(ctx)
		require.NoError(t, err)
		assert.Equal(t, "a", val)

		val, err = askB.Invoke(ctx)
		require.NoError(t, err)
		assert.Equal(t, "b", val)
	})

	t.Run("remote failure surfaces as RemoteError", func(t *testing.T) {
		h := startTestHost(t)

		reg := NewRegistry()
		require.NoError(t, reg.Register("explode", func() { panic("remote kaboom") }))
		joinWorker(t, h, reg)

		explode := NewRemoteFunc(h.Dispatcher(), "explode")
		_, err := explode.Invoke(ctx)

		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, "panic", remote.Kind)
		assert.Contains(t, remote.Message, "remote kaboom")
	})

	t.Run("disconnect fails pending calls and drops the worker", func(t *testing.T) {
		h := startTestHost(t)

		reg := NewRegistry()
		require.NoError(t, reg.RegisterHandler("hang", func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))
		w := joinWorker(t, h, reg)

		hang := NewRemoteFunc(h.Dispatcher(), "hang")
		p, err := hang.Call(ctx)
		require.NoError(t, err)

		w.Stop()

		_, err = p.Wait(ctx)
		assert.ErrorIs(t, err, ErrWorkerDisconnected)
		waitFor(t, func() bool { return len(h.WorkersInfo()) == 0 })
	})

	t.Run("no worker fails fast", func(t *testing.T) {
		h := startTestHost(t)

		missing := NewRemoteFunc(h.Dispatcher(), "anything")
		_, err := missing.Invoke(ctx)
		assert.ErrorIs(t, err, ErrNoWorkerAvailable)
	})
}
