package binding

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// StaticSelector always selects the same operation
type StaticSelector struct {
	Operation string
}

// SelectOperation implements OperationSelector
func (s StaticSelector) SelectOperation(data BindingData) (string, error) {
	if s.Operation == "" {
		return "", fmt.Errorf("%w: static selector has no operation", ErrOperationNotSelected)
	}
	return s.Operation, nil
}

// HeaderSelector selects the operation named by a header
type HeaderSelector struct {
	Header string
}

// SelectOperation implements OperationSelector
func (s HeaderSelector) SelectOperation(data BindingData) (string, error) {
	carrier, ok := data.(HeaderCarrier)
	if !ok {
		return "", fmt.Errorf("%w: %s data has no headers", ErrOperationNotSelected, data.BindingType())
	}
	value, ok := carrier.Header(s.Header)
	if !ok {
		return "", fmt.Errorf("%w: header %s missing", ErrOperationNotSelected, s.Header)
	}
	op := headerText(value)
	if op == "" {
		return "", fmt.Errorf("%w: header %s empty", ErrOperationNotSelected, s.Header)
	}
	return op, nil
}

func headerText(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case []string:
		if len(v) > 0 {
			return v[0]
		}
		return ""
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// RegexSelector matches the body against a pattern. The first capture group
// names the operation; without groups the whole match does.
type RegexSelector struct {
	Pattern *regexp.Regexp
}

// SelectOperation implements OperationSelector
func (s RegexSelector) SelectOperation(data BindingData) (string, error) {
	body, err := bodyOf(data)
	if err != nil {
		return "", err
	}
	m := s.Pattern.FindSubmatch(body)
	switch {
	case m == nil:
		return "", fmt.Errorf("%w: body does not match %s", ErrOperationNotSelected, s.Pattern)
	case len(m) > 1:
		return string(m[1]), nil
	default:
		return string(m[0]), nil
	}
}

// JSONSelector selects from a JSON object body: the string value of Field,
// or the first top-level key when Field is empty
type JSONSelector struct {
	Field string
}

// SelectOperation implements OperationSelector
func (s JSONSelector) SelectOperation(data BindingData) (string, error) {
	body, err := bodyOf(data)
	if err != nil {
		return "", err
	}

	if s.Field != "" {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(body, &doc); err != nil {
			return "", fmt.Errorf("%w: %v", ErrOperationNotSelected, err)
		}
		var op string
		if raw, ok := doc[s.Field]; !ok || json.Unmarshal(raw, &op) != nil || op == "" {
			return "", fmt.Errorf("%w: field %s missing or not a string", ErrOperationNotSelected, s.Field)
		}
		return op, nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return "", fmt.Errorf("%w: body is not a JSON object", ErrOperationNotSelected)
	}
	tok, err = dec.Token()
	key, ok := tok.(string)
	if err != nil || !ok {
		return "", fmt.Errorf("%w: JSON object is empty", ErrOperationNotSelected)
	}
	return key, nil
}

// XMLSelector selects the local name of the root element
type XMLSelector struct{}

// SelectOperation implements OperationSelector
func (s XMLSelector) SelectOperation(data BindingData) (string, error) {
	body, err := bodyOf(data)
	if err != nil {
		return "", err
	}

	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return "", fmt.Errorf("%w: document has no root element", ErrOperationNotSelected)
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrOperationNotSelected, err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}

func bodyOf(data BindingData) ([]byte, error) {
	carrier, ok := data.(BodyCarrier)
	if !ok {
		return nil, fmt.Errorf("%w: %s data has no body", ErrOperationNotSelected, data.BindingType())
	}
	return carrier.Body(), nil
}

// OperationSelectorConfig declares a selector.
// Type is one of static, header, regex, json or xml; Value is the operation,
// header name, pattern or JSON field respectively.
type OperationSelectorConfig struct {
	Type  string `yaml:"type"`
	Value string `yaml:"value,omitempty"`
}

// NewOperationSelector builds a selector from its declaration
func NewOperationSelector(cfg OperationSelectorConfig) (OperationSelector, error) {
	switch strings.ToLower(cfg.Type) {
	case "static":
		return StaticSelector{Operation: cfg.Value}, nil
	case "header":
		if cfg.Value == "" {
			return nil, fmt.Errorf("header selector requires a header name")
		}
		return HeaderSelector{Header: cfg.Value}, nil
	case "regex":
		re, err := regexp.Compile(cfg.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid selector pattern: %w", err)
		}
		return RegexSelector{Pattern: re}, nil
	case "json":
		return JSONSelector{Field: cfg.Value}, nil
	case "xml":
		return XMLSelector{}, nil
	default:
		return nil, fmt.Errorf("unknown operation selector type %q", cfg.Type)
	}
}
