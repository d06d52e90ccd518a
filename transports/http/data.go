package http

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/gorilla/mux"
)

// BindingType identifies HTTP binding data
const BindingType = "http"

// Reserved property names. They are never written as headers.
const (
	PropertyStatus    = "http.status"
	PropertyMethod    = "http.method"
	PropertyPath      = "http.path"
	PropertyQuery     = "http.query"
	PropertyVarPrefix = "http.var."
)

// DefaultMaxBodySize bounds request and response bodies read by the binding
const DefaultMaxBodySize int64 = 10 << 20

// BindingData is an HTTP request or response
type BindingData struct {
	Method  string
	Path    string
	Query   url.Values
	Vars    map[string]string
	Headers map[string][]string
	Payload []byte
	Status  int
}

// NewRequestData reads an inbound request. Route variables are taken from mux.
func NewRequestData(r *http.Request, maxBody int64) (*BindingData, error) {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodySize
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if int64(len(body)) > maxBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxBody)
	}

	headers := make(map[string][]string, len(r.Header))
	for name, values := range r.Header {
		headers[name] = append([]string(nil), values...)
	}

	return &BindingData{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.Query(),
		Vars:    mux.Vars(r),
		Headers: headers,
		Payload: body,
	}, nil
}

// NewResponseData reads a response received by an outbound reference
func NewResponseData(resp *http.Response, maxBody int64) (*BindingData, error) {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodySize
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	headers := make(map[string][]string, len(resp.Header))
	for name, values := range resp.Header {
		headers[name] = append([]string(nil), values...)
	}
	return &BindingData{Headers: headers, Payload: body, Status: resp.StatusCode}, nil
}

// BindingType implements binding.BindingData
func (d *BindingData) BindingType() string {
	return BindingType
}

// HeaderNames implements binding.HeaderCarrier
func (d *BindingData) HeaderNames() []string {
	names := make([]string, 0, len(d.Headers))
	for name := range d.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Header returns a single value as a string and repeated values as a slice
func (d *BindingData) Header(name string) (interface{}, bool) {
	values, ok := d.Headers[name]
	if !ok {
		return nil, false
	}
	if len(values) == 1 {
		return values[0], true
	}
	return append([]string(nil), values...), true
}

// SetHeader stores the header under name exactly as given
func (d *BindingData) SetHeader(name string, value interface{}) error {
	if d.Headers == nil {
		d.Headers = make(map[string][]string)
	}
	switch v := value.(type) {
	case string:
		d.Headers[name] = []string{v}
	case []string:
		d.Headers[name] = append([]string(nil), v...)
	case []byte:
		d.Headers[name] = []string{string(v)}
	case nil:
		delete(d.Headers, name)
	default:
		d.Headers[name] = []string{fmt.Sprint(v)}
	}
	return nil
}

// Body implements binding.BodyCarrier
func (d *BindingData) Body() []byte {
	return d.Payload
}

// ContentType returns the Content-Type header, matched case-insensitively
func (d *BindingData) ContentType() string {
	if v, ok := d.Headers["Content-Type"]; ok && len(v) > 0 {
		return v[0]
	}
	for name, v := range d.Headers {
		if strings.EqualFold(name, "Content-Type") && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// WriteTo writes the data as a response. Header names bypass canonicalization.
func (d *BindingData) WriteTo(w http.ResponseWriter) error {
	h := w.Header()
	for name, values := range d.Headers {
		h[name] = values
	}
	status := d.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(d.Payload) == 0 {
		return nil
	}
	_, err := w.Write(d.Payload)
	return err
}

// Apply copies method, headers and query onto an outbound request
func (d *BindingData) Apply(req *http.Request) {
	for name, values := range d.Headers {
		req.Header[name] = values
	}
	if len(d.Query) > 0 {
		q := req.URL.Query()
		for k, vs := range d.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		req.URL.RawQuery = q.Encode()
	}
}
