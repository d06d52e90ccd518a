package contracts

import (
	"io"
	"reflect"
	"sort"

	"github.com/glimte/mmate-esb/serialization"
	"github.com/google/uuid"
)

// ContentConverter converts message content to a requested type
type ContentConverter interface {
	Convert(value interface{}, to reflect.Type) (interface{}, error)
}

var builtinConverters = serialization.NewRegistry()

// Message is content plus attachments plus a message-scoped Context
type Message struct {
	id          string
	context     *Context
	content     interface{}
	attachments map[string]Attachment
	converters  ContentConverter
	sealed      bool
}

// MessageOption configures a new message
type MessageOption func(*Message)

// WithContent sets the initial content
func WithContent(content interface{}) MessageOption {
	return func(m *Message) {
		m.content = content
	}
}

// WithMessageID overrides the generated message ID
func WithMessageID(id string) MessageOption {
	return func(m *Message) {
		m.id = id
	}
}

// WithConverters sets the converters used by ContentAs
func WithConverters(converters ContentConverter) MessageOption {
	return func(m *Message) {
		if converters != nil {
			m.converters = converters
		}
	}
}

// WithMessageContext replaces the message context
func WithMessageContext(ctx *Context) MessageOption {
	return func(m *Message) {
		if ctx != nil {
			m.context = ctx
		}
	}
}

// NewMessage creates an unsealed message with a generated ID
func NewMessage(opts ...MessageOption) *Message {
	m := &Message{
		id:          uuid.New().String(),
		context:     NewContext(ScopeMessage),
		attachments: make(map[string]Attachment),
		converters:  builtinConverters,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ID returns the message identifier
func (m *Message) ID() string {
	return m.id
}

// Context returns the message-scoped context
func (m *Message) Context() *Context {
	return m.context
}

// Content returns the raw content
func (m *Message) Content() interface{} {
	return m.content
}

// SetContent replaces the content of an unsealed message
func (m *Message) SetContent(content interface{}) error {
	if m.sealed {
		return ErrMessageSealed
	}
	m.content = content
	return nil
}

// ContentAs reads the content as type to, converting when needed. A missing
// converter or a failed conversion yields a ContentTypeMismatchError.
func (m *Message) ContentAs(to reflect.Type) (interface{}, error) {
	if to == nil {
		return nil, &InvalidArgumentError{Argument: "type", Reason: "target type must not be nil"}
	}
	if m.content == nil {
		if to.Kind() == reflect.Interface {
			return nil, nil
		}
		return nil, &ContentTypeMismatchError{To: to}
	}

	if err := m.bufferReader(to); err != nil {
		return nil, &ContentTypeMismatchError{From: reflect.TypeOf(m.content), To: to, Cause: err}
	}

	value, err := m.converters.Convert(m.content, to)
	if err != nil {
		return nil, &ContentTypeMismatchError{From: reflect.TypeOf(m.content), To: to, Cause: err}
	}
	return value, nil
}

// bufferReader drains io.Reader content into bytes on its first conversion,
// so later reads see the same data. A reader requested as itself is returned
// undrained.
func (m *Message) bufferReader(to reflect.Type) error {
	r, ok := m.content.(io.Reader)
	if !ok || reflect.TypeOf(r).AssignableTo(to) {
		return nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.content = data
	return nil
}

// ContentAs reads message content as T
func ContentAs[T any](m *Message) (T, error) {
	var zero T
	value, err := m.ContentAs(reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return zero, err
	}
	if value == nil {
		return zero, nil
	}
	typed, ok := value.(T)
	if !ok {
		return zero, &ContentTypeMismatchError{From: reflect.TypeOf(value), To: reflect.TypeOf((*T)(nil)).Elem()}
	}
	return typed, nil
}

// AddAttachment adds or replaces an attachment by name
func (m *Message) AddAttachment(attachment Attachment) error {
	if attachment == nil || attachment.Name() == "" {
		return &InvalidArgumentError{Argument: "attachment", Reason: "attachment must have a name"}
	}
	if m.sealed {
		return ErrMessageSealed
	}
	m.attachments[attachment.Name()] = attachment
	return nil
}

// Attachment returns the named attachment
func (m *Message) Attachment(name string) (Attachment, bool) {
	a, ok := m.attachments[name]
	return a, ok
}

// RemoveAttachment removes the named attachment
func (m *Message) RemoveAttachment(name string) error {
	if m.sealed {
		return ErrMessageSealed
	}
	delete(m.attachments, name)
	return nil
}

// Attachments returns a snapshot of the attachment map
func (m *Message) Attachments() map[string]Attachment {
	out := make(map[string]Attachment, len(m.attachments))
	for name, a := range m.attachments {
		out[name] = a
	}
	return out
}

// AttachmentNames returns the attachment names in order
func (m *Message) AttachmentNames() []string {
	names := make([]string, 0, len(m.attachments))
	for name := range m.attachments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Copy returns an unsealed message with a new ID, an independent copy of the
// context and the same attachment references.
func (m *Message) Copy() *Message {
	out := &Message{
		id:          uuid.New().String(),
		context:     m.context.Copy(),
		content:     m.content,
		attachments: make(map[string]Attachment, len(m.attachments)),
		converters:  m.converters,
	}
	for name, a := range m.attachments {
		out.attachments[name] = a
	}
	return out
}

// Seal freezes content and attachments; the context stays writable
func (m *Message) Seal() {
	m.sealed = true
}

// Sealed reports whether the message has been dispatched
func (m *Message) Sealed() bool {
	return m.sealed
}
