package gocluster

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// ProtocolName identifies the wire protocol. Both host and worker builds
// must agree on it; every envelope carries it and mismatches are dropped.
const ProtocolName = "gocluster_rpc_v1"

// EnvelopeKind discriminates the decrypted payloads exchanged on a channel.
type EnvelopeKind string

const (
	KindAuth      EnvelopeKind = "auth"
	KindAuthOK    EnvelopeKind = "auth_ok"
	KindCall      EnvelopeKind = "call"
	KindResponse  EnvelopeKind = "response"
	KindHeartbeat EnvelopeKind = "heartbeat"
)

// ErrorInfo is the structured descriptor for a remote execution failure.
type ErrorInfo struct {
	Kind    string `msgpack:"kind"`
	Message string `msgpack:"message"`
	Stack   string `msgpack:"stack,omitempty"`
}

// Envelope is the single message shape crossing a secure channel. The ID
// field is the correlation id linking a call to its response.
type Envelope struct {
	Proto     string         `msgpack:"proto"`
	Kind      string         `msgpack:"kind"`
	ID        string         `msgpack:"id"`
	Timestamp float64        `msgpack:"timestamp"`
	Function  string         `msgpack:"function,omitempty"`
	Args      []any          `msgpack:"args,omitempty"`
	Kwargs    map[string]any `msgpack:"kwargs,omitempty"`
	Result    any            `msgpack:"result,omitempty"`
	ErrInfo   *ErrorInfo     `msgpack:"error,omitempty"`
	WorkerID  string         `msgpack:"worker_id,omitempty"`
	Hostname  string         `msgpack:"hostname,omitempty"`
	OTP       string         `msgpack:"otp,omitempty"`
	Metadata  map[string]any `msgpack:"metadata,omitempty"`
}

func newEnvelope(kind EnvelopeKind) *Envelope {
	return &Envelope{
		Proto:     ProtocolName,
		Kind:      string(kind),
		ID:        uuid.NewString(),
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
}

// NewCall creates a call envelope with a fresh correlation id.
func NewCall(function string, args []any, kwargs map[string]any) *Envelope {
	env := newEnvelope(KindCall)
	env.Function = function
	env.Args = args
	env.Kwargs = kwargs
	return env
}

// NewResponse creates a success response correlated to callID.
func NewResponse(callID string, result any) *Envelope {
	env := newEnvelope(KindResponse)
	env.ID = callID
	env.Result = result
	return env
}

// NewErrorResponse creates a failure response correlated to callID.
func NewErrorResponse(callID string, info *ErrorInfo) *Envelope {
	env := newEnvelope(KindResponse)
	env.ID = callID
	env.ErrInfo = info
	return env
}

// NewAuth creates the worker's pairing envelope. The code only ever
// travels inside an encrypted frame.
func NewAuth(code, workerID, hostname string) *Envelope {
	env := newEnvelope(KindAuth)
	env.OTP = code
	env.WorkerID = workerID
	env.Hostname = hostname
	return env
}

// NewAuthOK creates the host's pairing acknowledgment.
func NewAuthOK(authID string) *Envelope {
	env := newEnvelope(KindAuthOK)
	env.ID = authID
	return env
}

// NewHeartbeat creates a heartbeat envelope carrying the send timestamp
// so the receiver can report round-trip times.
func NewHeartbeat(workerID string) *Envelope {
	env := newEnvelope(KindHeartbeat)
	env.WorkerID = workerID
	env.Metadata = map[string]any{
		"hb_timestamp": float64(time.Now().UnixNano()) / 1e9,
	}
	return env
}

// Pack serializes the envelope to msgpack.
func (e *Envelope) Pack() ([]byte, error) {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrSerialization, err)
	}
	return data, nil
}

const maxEnvelopeSize = 10 * 1024 * 1024 // 10MB

// Unpack deserializes an envelope with interop safety validation.
func Unpack(data []byte) (*Envelope, error) {
	if len(data) > maxEnvelopeSize {
		return nil, fmt.Errorf("%w: envelope size %d exceeds limit %d", ErrSerialization, len(data), maxEnvelopeSize)
	}

	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrSerialization, err)
	}
	if env.Proto != ProtocolName {
		return nil, fmt.Errorf("%w: unexpected protocol %q", ErrProtocol, env.Proto)
	}

	if math.IsNaN(env.Timestamp) || math.IsInf(env.Timestamp, 0) {
		env.Timestamp = 0.0
	}
	if err := sanitizeSlice(&env.Args); err != nil {
		return nil, fmt.Errorf("%w: invalid args: %v", ErrSerialization, err)
	}
	if err := sanitizeMap(&env.Kwargs); err != nil {
		return nil, fmt.Errorf("%w: invalid kwargs: %v", ErrSerialization, err)
	}
	if err := sanitizeValue(&env.Result); err != nil {
		return nil, fmt.Errorf("%w: invalid result: %v", ErrSerialization, err)
	}
	if err := sanitizeMap(&env.Metadata); err != nil {
		return nil, fmt.Errorf("%w: invalid metadata: %v", ErrSerialization, err)
	}

	return &env, nil
}

// sanitizeValue clamps NaN/Infinity floats and recurses into containers.
// msgpack decodes every dynamic value as interface{}, so peers on other
// runtimes can smuggle non-finite floats into later arithmetic.
func sanitizeValue(val *any) error {
	if val == nil {
		return nil
	}

	switch v := (*val).(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			*val = float64(0)
		}
	case float32:
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			*val = float32(0)
		}
	case map[string]any:
		for k, vv := range v {
			if err := sanitizeValue(&vv); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
			v[k] = vv
		}
		*val = v
	case []any:
		for i, vv := range v {
			if err := sanitizeValue(&vv); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
			v[i] = vv
		}
		*val = v
	}

	return nil
}

func sanitizeSlice(val *[]any) error {
	if val == nil {
		return nil
	}
	for i, v := range *val {
		if err := sanitizeValue(&v); err != nil {
			return fmt.Errorf("index %d: %w", i, err)
		}
		(*val)[i] = v
	}
	return nil
}

func sanitizeMap(m *map[string]any) error {
	if m == nil {
		return nil
	}
	for k, v := range *m {
		if err := sanitizeValue(&v); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		(*m)[k] = v
	}
	return nil
}
