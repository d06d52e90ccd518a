package serialization

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// ErrNoConverter is returned when no converter handles a conversion
var ErrNoConverter = errors.New("serialization: no converter")

// ConversionError reports a converter that applied but failed
type ConversionError struct {
	From reflect.Type
	To   reflect.Type
	Err  error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("serialization: converting %v to %v: %v", e.From, e.To, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// Converter converts values between types it declares support for
type Converter interface {
	// CanConvert reports whether Convert handles the pair
	CanConvert(from, to reflect.Type) bool

	// Convert converts value to type to
	Convert(value interface{}, to reflect.Type) (interface{}, error)
}

// ConverterFunc converts a value of a registered source type to a registered target type
type ConverterFunc func(value interface{}) (interface{}, error)

type typePair struct {
	from reflect.Type
	to   reflect.Type
}

// Registry resolves conversions. Create one per process and pass it by reference.
type Registry struct {
	exact   map[typePair]ConverterFunc
	custom  []Converter
	builtin []Converter
	mu      sync.RWMutex
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithoutBuiltins creates a registry that only knows registered converters
func WithoutBuiltins() RegistryOption {
	return func(r *Registry) {
		r.builtin = nil
	}
}

// WithConverter registers a generic converter at construction
func WithConverter(c Converter) RegistryOption {
	return func(r *Registry) {
		r.custom = append(r.custom, c)
	}
}

// NewRegistry creates a registry with the built-in converters
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		exact:   make(map[typePair]ConverterFunc),
		builtin: builtinConverters(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an exact (from, to) conversion
func (r *Registry) Register(from, to reflect.Type, fn ConverterFunc) error {
	if from == nil || to == nil {
		return fmt.Errorf("serialization: converter types cannot be nil")
	}
	if fn == nil {
		return fmt.Errorf("serialization: converter function cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact[typePair{from: from, to: to}] = fn
	return nil
}

// RegisterConverter adds a generic converter ahead of the built-ins
func (r *Registry) RegisterConverter(c Converter) {
	if c == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom = append(r.custom, c)
}

// CanConvert reports whether a conversion from -> to is known
func (r *Registry) CanConvert(from, to reflect.Type) bool {
	if from == nil || to == nil {
		return false
	}
	if from == to || from.AssignableTo(to) {
		return true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.exact[typePair{from: from, to: to}]; ok {
		return true
	}
	return r.find(from, to) != nil
}

// Convert converts value to type to
func (r *Registry) Convert(value interface{}, to reflect.Type) (interface{}, error) {
	if to == nil {
		return nil, fmt.Errorf("serialization: target type cannot be nil")
	}
	if value == nil {
		return nil, fmt.Errorf("%w: <nil> to %v", ErrNoConverter, to)
	}

	from := reflect.TypeOf(value)
	if from == to || from.AssignableTo(to) {
		return value, nil
	}

	r.mu.RLock()
	fn, hasExact := r.exact[typePair{from: from, to: to}]
	converter := r.find(from, to)
	r.mu.RUnlock()

	if hasExact {
		return wrapFailure(fn(value))(from, to)
	}
	if converter != nil {
		return wrapFailure(converter.Convert(value, to))(from, to)
	}

	// *T content: try the pointed-to value
	if from.Kind() == reflect.Ptr {
		rv := reflect.ValueOf(value)
		if !rv.IsNil() {
			return r.Convert(rv.Elem().Interface(), to)
		}
	}

	// *T target: convert to T and take its address
	if to.Kind() == reflect.Ptr && r.CanConvert(from, to.Elem()) {
		converted, err := r.Convert(value, to.Elem())
		if err != nil {
			return nil, err
		}
		ptr := reflect.New(to.Elem())
		ptr.Elem().Set(reflect.ValueOf(converted))
		return ptr.Interface(), nil
	}

	return nil, fmt.Errorf("%w: %v to %v", ErrNoConverter, from, to)
}

func (r *Registry) find(from, to reflect.Type) Converter {
	for _, c := range r.custom {
		if c.CanConvert(from, to) {
			return c
		}
	}
	for _, c := range r.builtin {
		if c.CanConvert(from, to) {
			return c
		}
	}
	return nil
}

func wrapFailure(value interface{}, err error) func(from, to reflect.Type) (interface{}, error) {
	return func(from, to reflect.Type) (interface{}, error) {
		if err == nil {
			return value, nil
		}
		var convErr *ConversionError
		if errors.As(err, &convErr) {
			return nil, err
		}
		return nil, &ConversionError{From: from, To: to, Err: err}
	}
}
