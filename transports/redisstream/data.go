package redisstream

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// BindingType identifies Redis Streams binding data
const BindingType = "redis"

// Entry fields
const (
	FieldPayload       = "payload"
	FieldContentType   = "content-type"
	FieldCorrelationID = "correlation-id"
	FieldReplyStream   = "reply-stream"
	FieldFault         = "fault"
	FieldError         = "error"
	FieldOrigin        = "origin"
	MetaPrefix         = "meta:"
)

// HeaderOperation names the target operation of an entry
const HeaderOperation = "operation"

// Reserved property names. They are never written as headers.
const (
	PropertyStream        = "redis.stream"
	PropertyEntryID       = "redis.id"
	PropertyCorrelationID = "redis.correlationId"
	PropertyReplyStream   = "redis.replyStream"
)

// BindingData is one stream entry
type BindingData struct {
	Stream        string
	ID            string
	Headers       map[string]string
	ContentType   string
	CorrelationID string
	ReplyStream   string
	Fault         bool
	Payload       []byte
}

// NewEntryData decodes an entry read from stream
func NewEntryData(stream string, msg redis.XMessage) *BindingData {
	d := &BindingData{
		Stream:  stream,
		ID:      msg.ID,
		Headers: make(map[string]string),
	}
	for k, v := range msg.Values {
		switch {
		case k == FieldPayload:
			d.Payload = asBytes(v)
		case k == FieldContentType:
			d.ContentType = asString(v)
		case k == FieldCorrelationID:
			d.CorrelationID = asString(v)
		case k == FieldReplyStream:
			d.ReplyStream = asString(v)
		case k == FieldFault:
			d.Fault, _ = strconv.ParseBool(asString(v))
		case strings.HasPrefix(k, MetaPrefix):
			d.Headers[strings.TrimPrefix(k, MetaPrefix)] = asString(v)
		}
	}
	return d
}

// Values encodes the data as XADD field values
func (d *BindingData) Values() map[string]interface{} {
	vals := make(map[string]interface{}, 4+len(d.Headers))
	vals[FieldPayload] = d.Payload
	if d.ContentType != "" {
		vals[FieldContentType] = d.ContentType
	}
	if d.CorrelationID != "" {
		vals[FieldCorrelationID] = d.CorrelationID
	}
	if d.ReplyStream != "" {
		vals[FieldReplyStream] = d.ReplyStream
	}
	if d.Fault {
		vals[FieldFault] = "true"
	}
	for k, v := range d.Headers {
		vals[MetaPrefix+k] = v
	}
	return vals
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

// Header implements binding.HeaderCarrier
func (d *BindingData) Header(name string) (interface{}, bool) {
	v, ok := d.Headers[name]
	return v, ok
}

// SetHeader stores value as a string; slices are joined with commas
func (d *BindingData) SetHeader(name string, value interface{}) error {
	if d.Headers == nil {
		d.Headers = make(map[string]string)
	}
	switch v := value.(type) {
	case nil:
		delete(d.Headers, name)
	case []string:
		d.Headers[name] = strings.Join(v, ",")
	default:
		d.Headers[name] = asString(v)
	}
	return nil
}

// Body implements binding.BodyCarrier
func (d *BindingData) Body() []byte {
	return d.Payload
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func asBytes(v interface{}) []byte {
	switch p := v.(type) {
	case []byte:
		return p
	case string:
		return []byte(p)
	default:
		return []byte(fmt.Sprintf("%v", p))
	}
}
