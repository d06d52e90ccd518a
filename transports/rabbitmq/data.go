package rabbitmq

import (
	"fmt"
	"sort"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// BindingType identifies AMQP binding data
const BindingType = "amqp"

// Reserved property names. They are never written as headers.
const (
	PropertyCorrelationID = "amqp.correlationId"
	PropertyMessageID     = "amqp.messageId"
	PropertyReplyTo       = "amqp.replyTo"
	PropertyRoutingKey    = "amqp.routingKey"
	PropertyExchange      = "amqp.exchange"
	PropertyRedelivered   = "amqp.redelivered"
)

// HeaderFault marks a reply that carries a fault
const HeaderFault = "x-fault"

// HeaderOperation names the target operation of a delivery
const HeaderOperation = "x-operation"

// DirectReplyTo is the RabbitMQ pseudo queue for RPC replies
const DirectReplyTo = "amq.rabbitmq.reply-to"

// BindingData is an AMQP delivery or publishing
type BindingData struct {
	Exchange      string
	RoutingKey    string
	Headers       amqp.Table
	ContentType   string
	CorrelationID string
	ReplyTo       string
	MessageID     string
	Persistent    bool
	Redelivered   bool
	Timestamp     time.Time
	Payload       []byte
}

// NewDeliveryData copies a delivery
func NewDeliveryData(d amqp.Delivery) *BindingData {
	headers := make(amqp.Table, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = v
	}
	return &BindingData{
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		Headers:       headers,
		ContentType:   d.ContentType,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		MessageID:     d.MessageId,
		Persistent:    d.DeliveryMode == amqp.Persistent,
		Redelivered:   d.Redelivered,
		Timestamp:     d.Timestamp,
		Payload:       d.Body,
	}
}

// Publishing converts the data into an amqp.Publishing
func (d *BindingData) Publishing() amqp.Publishing {
	mode := amqp.Transient
	if d.Persistent {
		mode = amqp.Persistent
	}
	ts := d.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return amqp.Publishing{
		Headers:       d.Headers,
		ContentType:   d.ContentType,
		CorrelationId: d.CorrelationID,
		ReplyTo:       d.ReplyTo,
		MessageId:     d.MessageID,
		DeliveryMode:  mode,
		Timestamp:     ts,
		Body:          d.Payload,
	}
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

// Header returns a header value; byte slices are returned as strings
func (d *BindingData) Header(name string) (interface{}, bool) {
	v, ok := d.Headers[name]
	if !ok {
		return nil, false
	}
	if b, isBytes := v.([]byte); isBytes {
		return string(b), true
	}
	return v, true
}

// SetHeader stores value as a header, converting it to a type amqp.Table accepts
func (d *BindingData) SetHeader(name string, value interface{}) error {
	if d.Headers == nil {
		d.Headers = make(amqp.Table)
	}
	if value == nil {
		delete(d.Headers, name)
		return nil
	}
	d.Headers[name] = tableValue(value)
	return d.Headers.Validate()
}

// Body implements binding.BodyCarrier
func (d *BindingData) Body() []byte {
	return d.Payload
}

// Fault reports whether the data carries a fault marker
func (d *BindingData) Fault() bool {
	v, ok := d.Headers[HeaderFault]
	if !ok {
		return false
	}
	switch f := v.(type) {
	case bool:
		return f
	case string:
		return strings.EqualFold(f, "true")
	default:
		return false
	}
}

func tableValue(value interface{}) interface{} {
	switch v := value.(type) {
	case string, []byte, bool, uint8, int, int16, int32, int64,
		float32, float64, time.Time, amqp.Decimal, amqp.Table:
		return v
	case int8:
		return int16(v)
	case uint16:
		return int32(v)
	case uint32:
		return int64(v)
	case []string:
		out := make([]interface{}, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = tableValue(item)
		}
		return out
	case map[string]interface{}:
		t := make(amqp.Table, len(v))
		for k, item := range v {
			t[k] = tableValue(item)
		}
		return t
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
