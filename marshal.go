package gocluster

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Handler executes one registered function. Implementations receive the
// decoded positional and keyword arguments and return a result value from
// the supported model, or an error.
type Handler func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Registry maps stable function names to callables. The wire only ever
// carries names plus data; executable code is never shipped, so a call
// can only reach functions both sides agreed on ahead of time.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty function registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// RegisterHandler binds name to an explicit handler. Handlers are the way
// to accept keyword arguments.
func (r *Registry) RegisterHandler(name string, h Handler) error {
	if name == "" || h == nil {
		return fmt.Errorf("%w: empty function name or nil handler", ErrSerialization)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[name]; dup {
		return fmt.Errorf("%w: function %q already registered", ErrSerialization, name)
	}
	r.handlers[name] = h
	return nil
}

// Register binds name to an ordinary Go function taking positional
// arguments. An optional leading context.Context parameter receives the
// execution context. The function may return nothing, a single value, an
// error, or (value, error). Keyword arguments are rejected for functions
// registered this way; use RegisterHandler for those.
func (r *Registry) Register(name string, fn any) error {
	fv := reflect.ValueOf(fn)
	if !fv.IsValid() || fv.Kind() != reflect.Func {
		return fmt.Errorf("%w: %q is not a function", ErrSerialization, name)
	}
	ft := fv.Type()
	if ft.NumOut() > 2 {
		return fmt.Errorf("%w: %q returns more than two values", ErrSerialization, name)
	}

	return r.RegisterHandler(name, func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		if len(kwargs) > 0 {
			return nil, fmt.Errorf("function %q does not accept keyword arguments", name)
		}
		return callReflect(ctx, fv, args)
	})
}

// Lookup resolves a registered function by name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names lists registered function names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
var errType = reflect.TypeOf((*error)(nil)).Elem()

// callReflect invokes fn with args converted to its parameter types.
func callReflect(ctx context.Context, fn reflect.Value, args []any) (any, error) {
	ft := fn.Type()

	in := make([]reflect.Value, 0, ft.NumIn())
	param := 0
	if ft.NumIn() > 0 && ft.In(0) == ctxType {
		in = append(in, reflect.ValueOf(ctx))
		param = 1
	}

	want := ft.NumIn() - param
	if ft.IsVariadic() {
		if len(args) < want-1 {
			return nil, fmt.Errorf("expected at least %d arguments, got %d", want-1, len(args))
		}
	} else if len(args) != want {
		return nil, fmt.Errorf("expected %d arguments, got %d", want, len(args))
	}

	for i, arg := range args {
		var target reflect.Type
		if ft.IsVariadic() && param+i >= ft.NumIn()-1 {
			target = ft.In(ft.NumIn() - 1).Elem()
		} else {
			target = ft.In(param + i)
		}
		in = append(in, convertArg(reflect.ValueOf(arg), target))
	}

	out := fn.Call(in)
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		res := out[0].Interface()
		if err, ok := res.(error); ok {
			return nil, err
		}
		return res, nil
	default:
		if !out[1].IsNil() {
			return nil, out[1].Interface().(error)
		}
		return out[0].Interface(), nil
	}
}

// unwrapInterface peels an interface{} wrapper to get at the decoded value.
func unwrapInterface(value reflect.Value) reflect.Value {
	if value.Kind() == reflect.Interface && value.Elem().IsValid() {
		return value.Elem()
	}
	return value
}

// convertArg converts a decoded value to the expected parameter type.
// msgpack narrows everything dynamic to int64/float64/[]any/map[string]any,
// so cross-type numeric and container conversions are routine.
func convertArg(value reflect.Value, target reflect.Type) reflect.Value {
	if value.IsValid() && value.Type() == target {
		return value
	}
	if !value.IsValid() {
		return reflect.Zero(target)
	}

	value = unwrapInterface(value)
	srcKind := value.Kind()

	if isIntegerKind(srcKind) && isIntegerKind(target.Kind()) {
		return reflect.ValueOf(value.Int()).Convert(target)
	}
	if (srcKind == reflect.Float64 || srcKind == reflect.Float32) && isIntegerKind(target.Kind()) {
		return reflect.ValueOf(int64(value.Float())).Convert(target)
	}
	if isIntegerKind(srcKind) && (target.Kind() == reflect.Float64 || target.Kind() == reflect.Float32) {
		return reflect.ValueOf(float64(value.Int())).Convert(target)
	}

	if target == reflect.TypeOf((*any)(nil)).Elem() {
		return value
	}

	if target.Kind() == reflect.Slice && (srcKind == reflect.Slice || srcKind == reflect.Array) {
		return convertSlice(value, target)
	}
	if target.Kind() == reflect.Map && srcKind == reflect.Map {
		return convertMap(value, target)
	}

	if value.CanConvert(target) {
		return value.Convert(target)
	}

	// Let the call fail with reflect's own error message.
	return value
}

func isIntegerKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func convertSlice(value reflect.Value, target reflect.Type) reflect.Value {
	length := value.Len()
	elemType := target.Elem()
	result := reflect.MakeSlice(target, length, length)
	for i := 0; i < length; i++ {
		result.Index(i).Set(convertArg(unwrapInterface(value.Index(i)), elemType))
	}
	return result
}

func convertMap(value reflect.Value, target reflect.Type) reflect.Value {
	keyType := target.Key()
	elemType := target.Elem()
	result := reflect.MakeMap(target)
	for _, key := range value.MapKeys() {
		k := convertArg(unwrapInterface(key), keyType)
		v := convertArg(unwrapInterface(value.MapIndex(key)), elemType)
		result.SetMapIndex(k, v)
	}
	return result
}

// registeredTypes tracks composite types admitted to the value model
// through the msgpack extension mechanism.
var (
	registeredTypesMu sync.RWMutex
	registeredTypes   = make(map[reflect.Type]struct{})
)

// RegisterType admits a composite type to the wire value model under the
// given msgpack extension id. The type provides its own msgpack encoding
// through MarshalMsgpack and UnmarshalMsgpack. Host and worker builds
// must register the same types under the same ids.
func RegisterType(id int8, value msgpack.MarshalerUnmarshaler) {
	t := reflect.TypeOf(value)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	msgpack.RegisterExt(id, value)
	registeredTypesMu.Lock()
	registeredTypes[t] = struct{}{}
	registeredTypesMu.Unlock()
}

func isRegisteredType(t reflect.Type) bool {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	registeredTypesMu.RLock()
	_, ok := registeredTypes[t]
	registeredTypesMu.RUnlock()
	return ok
}

var timeType = reflect.TypeOf(time.Time{})

// CheckValue verifies a value is representable by the wire value model:
// nil, booleans, integers, floats, strings, byte slices, time.Time,
// sequences and string-keyed mappings of representable values, and
// composite types registered through RegisterType.
func CheckValue(v any) error {
	return checkValue(reflect.ValueOf(v))
}

func checkValue(v reflect.Value) error {
	if !v.IsValid() {
		return nil // nil
	}
	v = unwrapInterface(v)

	t := v.Type()
	if t == timeType || isRegisteredType(t) {
		return nil
	}

	switch v.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return nil
	case reflect.Slice, reflect.Array:
		if t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8 {
			return nil // []byte
		}
		for i := 0; i < v.Len(); i++ {
			if err := checkValue(v.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return fmt.Errorf("%w: map key type %s is not a string", ErrSerialization, t.Key())
		}
		for _, key := range v.MapKeys() {
			if err := checkValue(v.MapIndex(key)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Ptr:
		if v.IsNil() {
			return nil
		}
		return checkValue(v.Elem())
	default:
		return fmt.Errorf("%w: value of type %s is not representable", ErrSerialization, t)
	}
}

func checkCallValues(args []any, kwargs map[string]any) error {
	for i, a := range args {
		if err := CheckValue(a); err != nil {
			return fmt.Errorf("arg %d: %w", i, err)
		}
	}
	for k, v := range kwargs {
		if err := CheckValue(v); err != nil {
			return fmt.Errorf("kwarg %q: %w", k, err)
		}
	}
	return nil
}

// MarshalCall serializes a call by function name. It fails before any
// network send when an argument falls outside the value model.
func MarshalCall(function string, args []any, kwargs map[string]any) ([]byte, error) {
	if function == "" {
		return nil, fmt.Errorf("%w: empty function name", ErrSerialization)
	}
	if err := checkCallValues(args, kwargs); err != nil {
		return nil, err
	}
	return NewCall(function, args, kwargs).Pack()
}

// UnmarshalCall decodes a call payload and resolves its function against
// the registry. Unknown names fail with ErrSerialization.
func UnmarshalCall(r *Registry, payload []byte) (*Envelope, Handler, error) {
	env, err := Unpack(payload)
	if err != nil {
		return nil, nil, err
	}
	h, err := resolveFunction(r, env)
	if err != nil {
		return env, nil, err
	}
	return env, h, nil
}

// resolveFunction maps a call envelope to its registered handler.
func resolveFunction(r *Registry, env *Envelope) (Handler, error) {
	if env.Kind != string(KindCall) || env.Function == "" || env.ID == "" {
		return nil, fmt.Errorf("%w: malformed call envelope", ErrSerialization)
	}
	h, ok := r.Lookup(env.Function)
	if !ok {
		return nil, fmt.Errorf("%w: unknown function %q", ErrSerialization, env.Function)
	}
	return h, nil
}

// MarshalResult serializes an execution outcome: a return value when
// execErr is nil, a structured error descriptor otherwise.
func MarshalResult(callID string, result any, execErr error) ([]byte, error) {
	if execErr != nil {
		return NewErrorResponse(callID, errorDescriptor(execErr)).Pack()
	}
	if err := CheckValue(result); err != nil {
		return nil, err
	}
	return NewResponse(callID, result).Pack()
}

// UnmarshalResult decodes a response payload into the call's correlation
// id and its outcome. Remote failures come back as *RemoteError.
func UnmarshalResult(payload []byte) (string, any, error) {
	env, err := Unpack(payload)
	if err != nil {
		return "", nil, err
	}
	val, resErr := resultFromEnvelope(env)
	if resErr != nil && env.ID == "" {
		return "", nil, resErr
	}
	return env.ID, val, resErr
}

// resultFromEnvelope extracts a response envelope's outcome.
func resultFromEnvelope(env *Envelope) (any, error) {
	if env.Kind != string(KindResponse) || env.ID == "" {
		return nil, fmt.Errorf("%w: malformed response envelope", ErrSerialization)
	}
	if env.ErrInfo != nil {
		return nil, newRemoteError(env.ErrInfo)
	}
	return env.Result, nil
}

// errorDescriptor converts an execution error to its wire form.
func errorDescriptor(err error) *ErrorInfo {
	info := &ErrorInfo{
		Kind:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
	var pe *panicError
	if errors.As(err, &pe) {
		info.Kind = "panic"
		info.Stack = pe.stack
	}
	return info
}
