package gocluster

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_Creation(t *testing.T) {
	t.Run("call envelope has fresh correlation id", func(t *testing.T) {
		env := NewCall("add", []any{2, 3}, nil)
		assert.Equal(t, ProtocolName, env.Proto)
		assert.Equal(t, string(KindCall), env.Kind)
		assert.Equal(t, "add", env.Function)
		assert.NotEmpty(t, env.ID)
		assert.Greater(t, env.Timestamp, 0.0)

		other := NewCall("add", []any{2, 3}, nil)
		assert.NotEqual(t, env.ID, other.ID)
	})

	t.Run("response reuses the call id", func(t *testing.T) {
		env := NewResponse("call-123", 5)
		assert.Equal(t, string(KindResponse), env.Kind)
		assert.Equal(t, "call-123", env.ID)
		assert.Equal(t, 5, env.Result)
		assert.Nil(t, env.ErrInfo)
	})

	t.Run("error response carries descriptor", func(t *testing.T) {
		env := NewErrorResponse("call-123", &ErrorInfo{Kind: "panic", Message: "boom"})
		assert.Equal(t, "call-123", env.ID)
		require.NotNil(t, env.ErrInfo)
		assert.Equal(t, "boom", env.ErrInfo.Message)
	})

	t.Run("auth envelope carries identity", func(t *testing.T) {
		env := NewAuth("482913AB", "w1", "box1")
		assert.Equal(t, string(KindAuth), env.Kind)
		assert.Equal(t, "482913AB", env.OTP)
		assert.Equal(t, "w1", env.WorkerID)
		assert.Equal(t, "box1", env.Hostname)
	})

	t.Run("heartbeat carries send timestamp", func(t *testing.T) {
		env := NewHeartbeat("w1")
		assert.Equal(t, string(KindHeartbeat), env.Kind)
		assert.Contains(t, env.Metadata, "hb_timestamp")
	})
}

func TestEnvelope_PackUnpack(t *testing.T) {
	t.Run("call round-trip", func(t *testing.T) {
		original := NewCall("compute", []any{int64(1), "two", 3.5}, map[string]any{"retries": int64(2)})

		data, err := original.Pack()
		require.NoError(t, err)
		require.NotEmpty(t, data)

		decoded, err := Unpack(data)
		require.NoError(t, err)
		assert.Equal(t, original.ID, decoded.ID)
		assert.Equal(t, original.Kind, decoded.Kind)
		assert.Equal(t, original.Function, decoded.Function)
		assert.Equal(t, []any{int64(1), "two", 3.5}, decoded.Args)
		assert.Equal(t, map[string]any{"retries": int64(2)}, decoded.Kwargs)
	})

	t.Run("error response round-trip", func(t *testing.T) {
		original := NewErrorResponse("id-1", &ErrorInfo{Kind: "panic", Message: "boom", Stack: "stack"})

		data, err := original.Pack()
		require.NoError(t, err)

		decoded, err := Unpack(data)
		require.NoError(t, err)
		require.NotNil(t, decoded.ErrInfo)
		assert.Equal(t, "panic", decoded.ErrInfo.Kind)
		assert.Equal(t, "boom", decoded.ErrInfo.Message)
		assert.Equal(t, "stack", decoded.ErrInfo.Stack)
	})

	t.Run("garbage fails with serialization error", func(t *testing.T) {
		_, err := Unpack([]byte{0xFF, 0xFF, 0xFF})
		assert.ErrorIs(t, err, ErrSerialization)
	})

	t.Run("foreign protocol name is rejected", func(t *testing.T) {
		env := NewCall("f", nil, nil)
		env.Proto = "someone_else_v9"
		data, err := env.Pack()
		require.NoError(t, err)

		_, err = Unpack(data)
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("non-finite floats are clamped", func(t *testing.T) {
		env := NewCall("f", []any{math.NaN(), math.Inf(1)}, map[string]any{"x": math.Inf(-1)})
		env.Timestamp = math.NaN()
		data, err := env.Pack()
		require.NoError(t, err)

		decoded, err := Unpack(data)
		require.NoError(t, err)
		assert.Equal(t, 0.0, decoded.Timestamp)
		assert.Equal(t, float64(0), decoded.Args[0])
		assert.Equal(t, float64(0), decoded.Args[1])
		assert.Equal(t, float64(0), decoded.Kwargs["x"])
	})

	t.Run("clamping keeps the float width", func(t *testing.T) {
		env := NewCall("f", []any{float32(math.Inf(1))}, nil)
		data, err := env.Pack()
		require.NoError(t, err)

		decoded, err := Unpack(data)
		require.NoError(t, err)
		assert.Equal(t, float32(0), decoded.Args[0])
	})

	t.Run("nested containers are sanitized", func(t *testing.T) {
		env := NewResponse("id-2", map[string]any{
			"inner": []any{math.NaN(), map[string]any{"deep": math.Inf(1)}},
		})
		data, err := env.Pack()
		require.NoError(t, err)

		decoded, err := Unpack(data)
		require.NoError(t, err)
		result := decoded.Result.(map[string]any)
		inner := result["inner"].([]any)
		assert.Equal(t, float64(0), inner[0])
		assert.Equal(t, float64(0), inner[1].(map[string]any)["deep"])
	})
}
