package contracts

import (
	"bytes"
	"io"
)

// Attachment is a named binary resource carried by reference
type Attachment interface {
	Name() string
	ContentType() string
	Open() (io.ReadCloser, error)
}

// BytesAttachment holds its data in memory
type BytesAttachment struct {
	name        string
	contentType string
	data        []byte
}

// NewBytesAttachment creates an in-memory attachment
func NewBytesAttachment(name, contentType string, data []byte) *BytesAttachment {
	return &BytesAttachment{name: name, contentType: contentType, data: data}
}

// Name implements Attachment
func (a *BytesAttachment) Name() string {
	return a.name
}

// ContentType implements Attachment
func (a *BytesAttachment) ContentType() string {
	return a.contentType
}

// Open implements Attachment
func (a *BytesAttachment) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(a.data)), nil
}

// Size returns the data length
func (a *BytesAttachment) Size() int {
	return len(a.data)
}

// StreamAttachment opens its data lazily, e.g. from a file or a transport stream
type StreamAttachment struct {
	name        string
	contentType string
	open        func() (io.ReadCloser, error)
}

// NewStreamAttachment creates an attachment backed by an open function
func NewStreamAttachment(name, contentType string, open func() (io.ReadCloser, error)) *StreamAttachment {
	return &StreamAttachment{name: name, contentType: contentType, open: open}
}

// Name implements Attachment
func (a *StreamAttachment) Name() string {
	return a.name
}

// ContentType implements Attachment
func (a *StreamAttachment) ContentType() string {
	return a.contentType
}

// Open implements Attachment
func (a *StreamAttachment) Open() (io.ReadCloser, error) {
	return a.open()
}
