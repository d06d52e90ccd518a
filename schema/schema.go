package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mmate-esb/contracts"
	"github.com/glimte/mmate-esb/interceptors"
	"github.com/glimte/mmate-esb/messaging"
	"github.com/google/uuid"
)

var (
	// ErrNoSchema is returned by a strict validator for types without a schema
	ErrNoSchema = errors.New("schema: no schema registered")
	// ErrInvalidSchema is returned when a schema cannot be registered
	ErrInvalidSchema = errors.New("schema: invalid schema")
)

// Schema describes the shape of a JSON value
type Schema struct {
	Type        string             `json:"type,omitempty"`
	Format      string             `json:"format,omitempty"`
	Pattern     string             `json:"pattern,omitempty"`
	MinLength   *int               `json:"minLength,omitempty"`
	MaxLength   *int               `json:"maxLength,omitempty"`
	Minimum     *float64           `json:"minimum,omitempty"`
	Maximum     *float64           `json:"maximum,omitempty"`
	Enum        []interface{}      `json:"enum,omitempty"`
	Description string             `json:"description,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
}

// ValidationError is one violation found in a value
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
	Value   interface{} `json:"value,omitempty"`
}

func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// ValidationErrors collects every violation of one value
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	msgs := make([]string, len(ve))
	for i, e := range ve {
		msgs[i] = e.Error()
	}
	return "schema validation failed: " + strings.Join(msgs, "; ")
}

// Registry holds schemas by type name
type Registry struct {
	schemas  map[string]*Schema
	patterns map[string]*regexp.Regexp
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		schemas:  make(map[string]*Schema),
		patterns: make(map[string]*regexp.Regexp),
	}
}

// Register adds the schema for typeName, compiling its patterns
func (r *Registry) Register(typeName string, s *Schema) error {
	if typeName == "" {
		return fmt.Errorf("%w: type name is required", ErrInvalidSchema)
	}
	if s == nil {
		return fmt.Errorf("%w: %s: schema is nil", ErrInvalidSchema, typeName)
	}

	compiled := make(map[string]*regexp.Regexp)
	if err := collectPatterns(s, compiled); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSchema, typeName, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[typeName] = s
	for p, re := range compiled {
		r.patterns[p] = re
	}
	return nil
}

func collectPatterns(s *Schema, out map[string]*regexp.Regexp) error {
	if s.Pattern != "" {
		if _, ok := out[s.Pattern]; !ok {
			re, err := regexp.Compile(s.Pattern)
			if err != nil {
				return err
			}
			out[s.Pattern] = re
		}
	}
	if s.Items != nil {
		if err := collectPatterns(s.Items, out); err != nil {
			return err
		}
	}
	for _, p := range s.Properties {
		if err := collectPatterns(p, out); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the schema registered for typeName
func (r *Registry) Lookup(typeName string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[typeName]
	return s, ok
}

// Types returns the registered type names, sorted
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks content against the schema of typeName
func (r *Registry) Validate(typeName string, content interface{}) error {
	s, ok := r.Lookup(typeName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSchema, typeName)
	}

	value, err := normalize(content)
	if err != nil {
		return ValidationErrors{{Message: err.Error(), Code: "CONVERSION_ERROR"}}
	}

	var errs ValidationErrors
	r.check("", value, s, &errs)
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// normalize turns message content into the generic value json.Unmarshal produces
func normalize(content interface{}) (interface{}, error) {
	var data []byte
	switch c := content.(type) {
	case nil:
		return nil, nil
	case []byte:
		data = c
	case json.RawMessage:
		data = c
	case string:
		if !json.Valid([]byte(c)) {
			return c, nil
		}
		data = []byte(c)
	default:
		b, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("content is not JSON encodable: %w", err)
		}
		data = b
	}

	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("content is not valid JSON: %w", err)
	}
	return v, nil
}

func (r *Registry) check(path string, value interface{}, s *Schema, errs *ValidationErrors) {
	fail := func(code, msg string) {
		*errs = append(*errs, ValidationError{Field: path, Message: msg, Code: code, Value: value})
	}

	if value == nil {
		if s.Type != "" && s.Type != "null" {
			fail("TYPE_MISMATCH", fmt.Sprintf("expected %s, got null", s.Type))
		}
		return
	}
	if s.Type != "" && !typeMatches(value, s.Type) {
		fail("TYPE_MISMATCH", fmt.Sprintf("expected %s, got %s", s.Type, jsonType(value)))
		return
	}

	switch v := value.(type) {
	case string:
		if s.MinLength != nil && len(v) < *s.MinLength {
			fail("MIN_LENGTH_VIOLATION", fmt.Sprintf("length %d is less than minimum %d", len(v), *s.MinLength))
		}
		if s.MaxLength != nil && len(v) > *s.MaxLength {
			fail("MAX_LENGTH_VIOLATION", fmt.Sprintf("length %d exceeds maximum %d", len(v), *s.MaxLength))
		}
		if s.Format != "" {
			if msg := checkFormat(v, s.Format); msg != "" {
				fail("FORMAT_VIOLATION", msg)
			}
		}
		if s.Pattern != "" {
			r.mu.RLock()
			re := r.patterns[s.Pattern]
			r.mu.RUnlock()
			if re != nil && !re.MatchString(v) {
				fail("PATTERN_VIOLATION", fmt.Sprintf("does not match pattern %s", s.Pattern))
			}
		}
	case float64:
		if s.Minimum != nil && v < *s.Minimum {
			fail("MINIMUM_VIOLATION", fmt.Sprintf("%g is less than minimum %g", v, *s.Minimum))
		}
		if s.Maximum != nil && v > *s.Maximum {
			fail("MAXIMUM_VIOLATION", fmt.Sprintf("%g exceeds maximum %g", v, *s.Maximum))
		}
	case []interface{}:
		if s.Items != nil {
			for i, item := range v {
				r.check(fmt.Sprintf("%s[%d]", path, i), item, s.Items, errs)
			}
		}
	case map[string]interface{}:
		for _, name := range s.Required {
			if _, ok := v[name]; !ok {
				*errs = append(*errs, ValidationError{
					Field:   join(path, name),
					Message: "required field is missing",
					Code:    "REQUIRED_FIELD_MISSING",
				})
			}
		}
		names := make([]string, 0, len(v))
		for name := range v {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if prop, ok := s.Properties[name]; ok {
				r.check(join(path, name), v[name], prop, errs)
			}
		}
	}

	if len(s.Enum) > 0 && !inEnum(value, s.Enum) {
		fail("ENUM_VIOLATION", fmt.Sprintf("not one of %v", s.Enum))
	}
}

func typeMatches(value interface{}, want string) bool {
	switch want {
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "number":
		_, ok := value.(float64)
		return ok
	case "string", "boolean", "array", "object", "null":
		return jsonType(value) == want
	default:
		return true
	}
}

func jsonType(value interface{}) string {
	switch value.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", value)
	}
}

func inEnum(value interface{}, enum []interface{}) bool {
	for _, e := range enum {
		// enum values written in Go may be ints while decoded numbers are float64
		if n, ok := toFloat(e); ok {
			if f, ok := value.(float64); ok && f == n {
				return true
			}
			continue
		}
		if reflect.DeepEqual(value, e) {
			return true
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func checkFormat(value, format string) string {
	switch format {
	case "email":
		if addr, err := mail.ParseAddress(value); err != nil || addr.Address != value {
			return "invalid email address"
		}
	case "uri":
		if u, err := url.Parse(value); err != nil || u.Scheme == "" {
			return "invalid URI"
		}
	case "uuid":
		if _, err := uuid.Parse(value); err != nil {
			return "invalid UUID"
		}
	case "date":
		if _, err := time.Parse(time.DateOnly, value); err != nil {
			return "invalid date, expected YYYY-MM-DD"
		}
	case "date-time":
		if _, err := time.Parse(time.RFC3339, value); err != nil {
			return "invalid date-time, expected RFC 3339"
		}
	}
	return ""
}

func join(parent, field string) string {
	if parent == "" {
		return field
	}
	return parent + "." + field
}

// Validator checks exchange messages against the registry
type Validator struct {
	registry *Registry
	strict   bool
}

var _ interceptors.MessageValidator = (*Validator)(nil)

// ValidatorOption configures a Validator
type ValidatorOption func(*Validator)

// WithStrict rejects messages whose declared type has no schema
func WithStrict(strict bool) ValidatorOption {
	return func(v *Validator) {
		v.strict = strict
	}
}

// Validator returns an interceptors.MessageValidator backed by r
func (r *Registry) Validator(opts ...ValidatorOption) *Validator {
	v := &Validator{registry: r}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate implements interceptors.MessageValidator. Requests are checked
// against the operation's input type, replies against its output type and
// faults against its fault type. Untyped operations always pass.
func (v *Validator) Validate(ex *messaging.Exchange, msg *contracts.Message) error {
	op := ex.Operation()
	typeName := op.InputType
	switch {
	case ex.Phase() == messaging.PhaseOut:
		typeName = op.OutputType
	case ex.Phase().IsFault():
		typeName = op.FaultType
	}
	if typeName == "" || msg == nil {
		return nil
	}

	err := v.registry.Validate(typeName, msg.Content())
	if errors.Is(err, ErrNoSchema) && !v.strict {
		return nil
	}
	return err
}
