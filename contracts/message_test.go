package contracts

import (
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderRequest struct {
	ID int `json:"id"`
}

func TestMessage_ContentAs(t *testing.T) {
	t.Run("structured from text", func(t *testing.T) {
		msg := NewMessage(WithContent([]byte(`{"id":42}`)))
		order, err := ContentAs[orderRequest](msg)
		require.NoError(t, err)
		assert.Equal(t, 42, order.ID)
	})

	t.Run("text from structured", func(t *testing.T) {
		msg := NewMessage(WithContent(map[string]string{"status": "ok"}))
		text, err := ContentAs[string](msg)
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"ok"}`, text)
	})

	t.Run("missing converter fails with ContentTypeMismatch", func(t *testing.T) {
		msg := NewMessage(WithContent(make(chan int)))
		_, err := msg.ContentAs(reflect.TypeOf(orderRequest{}))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrContentTypeMismatch))
		assert.True(t, IsContentTypeMismatch(err))
	})

	t.Run("malformed content fails with ContentTypeMismatch", func(t *testing.T) {
		msg := NewMessage(WithContent("{broken"))
		_, err := ContentAs[orderRequest](msg)
		var mismatch *ContentTypeMismatchError
		require.True(t, errors.As(err, &mismatch))
		assert.Equal(t, reflect.TypeOf(""), mismatch.From)
		assert.NotNil(t, mismatch.Cause)
	})

	t.Run("nil content", func(t *testing.T) {
		msg := NewMessage()
		_, err := ContentAs[string](msg)
		assert.True(t, IsContentTypeMismatch(err))

		value, err := ContentAs[interface{}](msg)
		require.NoError(t, err)
		assert.Nil(t, value)
	})

	t.Run("nil target type", func(t *testing.T) {
		msg := NewMessage(WithContent("x"))
		_, err := msg.ContentAs(nil)
		assert.True(t, IsInvalidArgument(err))
	})
}

type upperConverter struct{}

func (upperConverter) Convert(value interface{}, to reflect.Type) (interface{}, error) {
	return strings.ToUpper(value.(string)), nil
}

func TestMessage_ReaderContentIsBuffered(t *testing.T) {
	msg := NewMessage(WithContent(strings.NewReader(`{"id":7}`)))
	msg.Seal()

	first, err := ContentAs[string](msg)
	require.NoError(t, err)
	second, err := ContentAs[string](msg)
	require.NoError(t, err)
	assert.Equal(t, `{"id":7}`, first)
	assert.Equal(t, first, second)

	req, err := ContentAs[orderRequest](msg)
	require.NoError(t, err)
	assert.Equal(t, 7, req.ID)
	assert.Equal(t, []byte(`{"id":7}`), msg.Content())

	t.Run("reader requested as itself is not drained", func(t *testing.T) {
		src := strings.NewReader("raw")
		msg := NewMessage(WithContent(src))

		r, err := ContentAs[io.Reader](msg)
		require.NoError(t, err)
		assert.Same(t, src, r)
		assert.Equal(t, 3, src.Len())
	})
}

func TestMessage_WithConverters(t *testing.T) {
	msg := NewMessage(WithContent("quiet"), WithConverters(upperConverter{}))
	value, err := msg.ContentAs(reflect.TypeOf([]byte(nil)))
	require.NoError(t, err)
	assert.Equal(t, "QUIET", value)
}

func TestMessage_Attachments(t *testing.T) {
	msg := NewMessage()
	require.NoError(t, msg.AddAttachment(NewBytesAttachment("invoice.pdf", "application/pdf", []byte("%PDF"))))
	require.NoError(t, msg.AddAttachment(NewStreamAttachment("log.txt", "text/plain", func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("line")), nil
	})))

	a, ok := msg.Attachment("invoice.pdf")
	require.True(t, ok)
	assert.Equal(t, "application/pdf", a.ContentType())
	r, err := a.Open()
	require.NoError(t, err)
	data, _ := io.ReadAll(r)
	assert.Equal(t, "%PDF", string(data))

	assert.Equal(t, []string{"invoice.pdf", "log.txt"}, msg.AttachmentNames())

	snapshot := msg.Attachments()
	delete(snapshot, "log.txt")
	assert.Len(t, msg.Attachments(), 2)

	require.NoError(t, msg.RemoveAttachment("log.txt"))
	_, ok = msg.Attachment("log.txt")
	assert.False(t, ok)

	assert.True(t, IsInvalidArgument(msg.AddAttachment(nil)))
}

func TestMessage_Copy(t *testing.T) {
	attachment := NewBytesAttachment("blob", "application/octet-stream", []byte{1, 2, 3})
	original := NewMessage(WithContent("payload"))
	_, _ = original.Context().SetProperty("x", "original", ScopeMessage)
	require.NoError(t, original.AddAttachment(attachment))
	original.Seal()

	copied := original.Copy()

	t.Run("new identity, unsealed", func(t *testing.T) {
		assert.NotEqual(t, original.ID(), copied.ID())
		assert.False(t, copied.Sealed())
		assert.Equal(t, "payload", copied.Content())
	})

	t.Run("mutating the copy never affects the original", func(t *testing.T) {
		_, _ = copied.Context().SetProperty("x", "copy")
		_, _ = copied.Context().SetProperty("added", true)
		require.NoError(t, copied.SetContent("changed"))
		require.NoError(t, copied.RemoveAttachment("blob"))

		assert.Equal(t, "original", original.Context().PropertyValue("x"))
		assert.Nil(t, original.Context().PropertyValue("added"))
		assert.Equal(t, "payload", original.Content())
		_, ok := original.Attachment("blob")
		assert.True(t, ok)
	})

	t.Run("attachments are shared references", func(t *testing.T) {
		again := original.Copy()
		a, ok := again.Attachment("blob")
		require.True(t, ok)
		assert.Same(t, attachment, a)
	})
}

func TestMessage_Sealed(t *testing.T) {
	msg := NewMessage(WithContent("v1"), WithMessageID("m-1"))
	assert.Equal(t, "m-1", msg.ID())
	msg.Seal()

	assert.ErrorIs(t, msg.SetContent("v2"), ErrMessageSealed)
	assert.ErrorIs(t, msg.AddAttachment(NewBytesAttachment("a", "text/plain", nil)), ErrMessageSealed)
	assert.ErrorIs(t, msg.RemoveAttachment("a"), ErrMessageSealed)
	assert.Equal(t, "v1", msg.Content())

	// context stays writable for handlers annotating the exchange
	_, err := msg.Context().SetProperty("handled", true)
	assert.NoError(t, err)
}
