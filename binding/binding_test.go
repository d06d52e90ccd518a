package binding

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-esb/contracts"
	"github.com/glimte/mmate-esb/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wireData struct {
	headers map[string]interface{}
	body    []byte
}

func newWireData(body string, headers map[string]interface{}) *wireData {
	if headers == nil {
		headers = make(map[string]interface{})
	}
	return &wireData{headers: headers, body: []byte(body)}
}

func (d *wireData) BindingType() string { return "wire" }

func (d *wireData) HeaderNames() []string {
	names := make([]string, 0, len(d.headers))
	for name := range d.headers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *wireData) Header(name string) (interface{}, bool) {
	v, ok := d.headers[name]
	return v, ok
}

func (d *wireData) SetHeader(name string, value interface{}) error {
	d.headers[name] = value
	return nil
}

func (d *wireData) Body() []byte { return d.body }

type otherData struct{}

func (otherData) BindingType() string { return "other" }

type wireComposer struct {
	mapper *HeaderMapper
}

func (c *wireComposer) BindingType() string { return "wire" }

func (c *wireComposer) Decompose(ex *messaging.Exchange, data BindingData) (*contracts.Message, error) {
	wd, ok := data.(*wireData)
	if !ok {
		return nil, UnsupportedData("wire", data)
	}
	if len(wd.body) == 0 {
		return nil, errors.New("empty body")
	}
	msg := ex.CreateMessage()
	if err := c.mapper.MapFrom(wd, ex.ContextFor(msg)); err != nil {
		return nil, err
	}
	if err := msg.SetContent(string(wd.body)); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *wireComposer) Compose(data BindingData, ex *messaging.Exchange) (*contracts.Message, error) {
	wd, ok := data.(*wireData)
	if !ok {
		return nil, UnsupportedData("wire", data)
	}
	msg := ex.Message()
	body, err := contracts.ContentAs[string](msg)
	if err != nil {
		return nil, err
	}
	wd.body = []byte(body)
	if err := c.mapper.MapTo(ex.ContextFor(msg).Transportable(), wd); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *wireComposer) SelectOperation(data BindingData) (string, error) {
	return HeaderSelector{Header: "Operation"}.SelectOperation(data)
}

type capture struct {
	mu     sync.Mutex
	phase  messaging.Phase
	ex     *messaging.Exchange
	called int
}

func (c *capture) HandleMessage(ex *messaging.Exchange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ex, c.phase = ex, ex.Phase()
	c.called++
	return nil
}

func (c *capture) HandleFault(ex *messaging.Exchange) error {
	return c.HandleMessage(ex)
}

func TestSelectors(t *testing.T) {
	tests := []struct {
		name     string
		selector OperationSelector
		data     BindingData
		want     string
		wantErr  bool
	}{
		{"static", StaticSelector{Operation: "greet"}, otherData{}, "greet", false},
		{"static empty", StaticSelector{}, otherData{}, "", true},
		{"header", HeaderSelector{Header: "Op"}, newWireData("", map[string]interface{}{"Op": "greet"}), "greet", false},
		{"header slice", HeaderSelector{Header: "Op"}, newWireData("", map[string]interface{}{"Op": []string{"greet", "x"}}), "greet", false},
		{"header missing", HeaderSelector{Header: "Op"}, newWireData("", nil), "", true},
		{"header on headerless data", HeaderSelector{Header: "Op"}, otherData{}, "", true},
		{"regex group", RegexSelector{Pattern: regexp.MustCompile(`"action":"(\w+)"`)}, newWireData(`{"action":"order"}`, nil), "order", false},
		{"regex whole match", RegexSelector{Pattern: regexp.MustCompile(`order|cancel`)}, newWireData(`please cancel`, nil), "cancel", false},
		{"regex no match", RegexSelector{Pattern: regexp.MustCompile(`order`)}, newWireData(`nothing`, nil), "", true},
		{"json first key", JSONSelector{}, newWireData(`{"placeOrder":{"id":1},"other":2}`, nil), "placeOrder", false},
		{"json field", JSONSelector{Field: "op"}, newWireData(`{"id":1,"op":"cancel"}`, nil), "cancel", false},
		{"json field missing", JSONSelector{Field: "op"}, newWireData(`{"id":1}`, nil), "", true},
		{"json empty object", JSONSelector{}, newWireData(`{}`, nil), "", true},
		{"json array", JSONSelector{}, newWireData(`[1,2]`, nil), "", true},
		{"xml root", XMLSelector{}, newWireData(`<?xml version="1.0"?><ns:getQuote xmlns:ns="urn:q"><sym>X</sym></ns:getQuote>`, nil), "getQuote", false},
		{"xml empty", XMLSelector{}, newWireData(``, nil), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.selector.SelectOperation(tt.data)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrOperationNotSelected)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewOperationSelector(t *testing.T) {
	sel, err := NewOperationSelector(OperationSelectorConfig{Type: "JSON", Value: "op"})
	require.NoError(t, err)
	assert.Equal(t, JSONSelector{Field: "op"}, sel)

	sel, err = NewOperationSelector(OperationSelectorConfig{Type: "regex", Value: `^(\w+)`})
	require.NoError(t, err)
	op, err := sel.SelectOperation(newWireData("ping now", nil))
	require.NoError(t, err)
	assert.Equal(t, "ping", op)

	_, err = NewOperationSelector(OperationSelectorConfig{Type: "regex", Value: `(`})
	assert.Error(t, err)
	_, err = NewOperationSelector(OperationSelectorConfig{Type: "header"})
	assert.Error(t, err)
	_, err = NewOperationSelector(OperationSelectorConfig{Type: "xpath"})
	assert.Error(t, err)
}

func TestHeaderMapper(t *testing.T) {
	t.Run("maps headers into scopes", func(t *testing.T) {
		mapper := MustHeaderMapper(ContextMapperConfig{
			Excludes:      []string{"Authorization"},
			MessageScoped: []string{"Content-.*"},
			Label:         "wire",
		})
		data := newWireData("", map[string]interface{}{
			"X-Trace":       "abc123",
			"Content-Type":  "text/plain",
			"Authorization": "secret",
		})

		msgCtx := contracts.NewContext(contracts.ScopeMessage)
		exchCtx := contracts.NewContext(contracts.ScopeExchange)
		require.NoError(t, mapper.MapFrom(data, contracts.NewScopedContext(msgCtx, exchCtx)))

		trace, ok := exchCtx.Property("X-Trace")
		require.True(t, ok)
		assert.Equal(t, "abc123", trace.Value)
		assert.Equal(t, contracts.ScopeExchange, trace.Scope)
		assert.True(t, trace.HasLabel("wire"))

		ct, ok := msgCtx.Property("Content-Type")
		require.True(t, ok)
		assert.Equal(t, contracts.ScopeMessage, ct.Scope)

		_, ok = exchCtx.Property("Authorization")
		assert.False(t, ok)
		_, ok = msgCtx.Property("Authorization")
		assert.False(t, ok)
	})

	t.Run("includes restrict both directions", func(t *testing.T) {
		mapper := MustHeaderMapper(ContextMapperConfig{Includes: []string{"X-.*"}})
		assert.True(t, mapper.Maps("X-Trace"))
		assert.False(t, mapper.Maps("Host"))
		assert.False(t, mapper.Maps("x-trace"), "patterns are case-sensitive")

		data := newWireData("", nil)
		err := mapper.MapTo([]contracts.Property{
			{Name: "X-Trace", Value: "t1"},
			{Name: "Host", Value: "h"},
		}, data)
		require.NoError(t, err)
		assert.Equal(t, []string{"X-Trace"}, data.HeaderNames())
	})

	t.Run("ignores headerless data", func(t *testing.T) {
		mapper := MustHeaderMapper(ContextMapperConfig{})
		assert.NoError(t, mapper.MapFrom(otherData{}, contracts.NewContext(contracts.ScopeExchange)))
		assert.NoError(t, mapper.MapTo([]contracts.Property{{Name: "a"}}, otherData{}))
	})

	t.Run("invalid pattern", func(t *testing.T) {
		_, err := NewHeaderMapper(ContextMapperConfig{Excludes: []string{"["}})
		assert.Error(t, err)
		assert.Panics(t, func() { MustHeaderMapper(ContextMapperConfig{Includes: []string{"("}}) })
	})
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(&wireComposer{})
	require.NoError(t, err)

	c, err := r.Composer("wire")
	require.NoError(t, err)
	assert.Equal(t, "wire", c.BindingType())

	assert.ErrorIs(t, r.Register(&wireComposer{}), ErrComposerExists)
	assert.Error(t, r.Register(nil))

	_, err = r.Composer("jms")
	assert.ErrorIs(t, err, ErrNoComposer)
	assert.Equal(t, []string{"wire"}, r.Types())
}

func newTestDomain(t *testing.T, provider messaging.ExchangeHandler, reached *int) *messaging.Domain {
	t.Helper()
	domain := messaging.NewDomain()
	err := domain.RegisterService(&messaging.Service{
		Name: "Greeter",
		Interface: messaging.ServiceInterface{Operations: []messaging.Operation{
			{Name: "greet", Pattern: messaging.InOut},
			{Name: "wave", Pattern: messaging.InOut},
		}},
		Provider: messaging.MessageHandlerFunc(func(ex *messaging.Exchange) error {
			*reached++
			return provider.HandleMessage(ex)
		}),
	})
	require.NoError(t, err)
	return domain
}

func greeter() messaging.ExchangeHandler {
	return messaging.MessageHandlerFunc(func(ex *messaging.Exchange) error {
		in, err := contracts.ContentAs[string](ex.Message())
		if err != nil {
			return err
		}
		reply := ex.CreateMessage()
		_ = reply.SetContent(ex.Operation().Name + ", " + in)
		return ex.Send(reply)
	})
}

func TestInboundEndpoint_Dispatch(t *testing.T) {
	composer := &wireComposer{mapper: MustHeaderMapper(ContextMapperConfig{Excludes: []string{"Operation"}})}

	t.Run("reply flows back through the composer", func(t *testing.T) {
		reached := 0
		endpoint := &InboundEndpoint{
			Name:     "greeter-in",
			Domain:   newTestDomain(t, greeter(), &reached),
			Composer: composer,
			Service:  "Greeter",
			Pattern:  messaging.InOut,
		}
		consumer := &capture{}
		in := newWireData("bob", map[string]interface{}{"Operation": "wave", "X-Trace": "abc123"})

		ex, err := endpoint.Dispatch(context.Background(), in, consumer)
		require.NoError(t, err)
		assert.Equal(t, 1, reached)
		assert.Equal(t, 1, consumer.called)
		assert.Equal(t, messaging.PhaseOut, consumer.phase)
		assert.Equal(t, "wave", ex.Operation().Name)

		out := newWireData("", nil)
		_, err = composer.Compose(out, ex)
		require.NoError(t, err)
		assert.Equal(t, "wave, bob", string(out.Body()))
		value, ok := out.Header("X-Trace")
		assert.True(t, ok)
		assert.Equal(t, "abc123", value)
		_, ok = out.Header("Operation")
		assert.False(t, ok)
	})

	t.Run("decompose failure faults before the provider", func(t *testing.T) {
		reached := 0
		endpoint := &InboundEndpoint{
			Domain:    newTestDomain(t, greeter(), &reached),
			Composer:  composer,
			Service:   "Greeter",
			Pattern:   messaging.InOut,
			Operation: "greet",
		}
		consumer := &capture{}

		ex, err := endpoint.Dispatch(context.Background(), newWireData("", nil), consumer)
		require.NoError(t, err)
		assert.Equal(t, 0, reached)
		assert.Equal(t, messaging.PhaseInFault, consumer.phase)

		content, err := contracts.ContentAs[error](ex.Message())
		require.NoError(t, err)
		assert.True(t, IsDecomposeError(content))
	})

	t.Run("selection failure faults before the provider", func(t *testing.T) {
		reached := 0
		endpoint := &InboundEndpoint{
			Domain:   newTestDomain(t, greeter(), &reached),
			Composer: composer,
			Service:  "Greeter",
			Pattern:  messaging.InOut,
		}
		consumer := &capture{}

		ex, err := endpoint.Dispatch(context.Background(), newWireData("bob", nil), consumer)
		require.NoError(t, err)
		assert.Equal(t, 0, reached)
		assert.Equal(t, 1, consumer.called)
		assert.Equal(t, messaging.PhaseInFault, consumer.phase)
		assert.Empty(t, ex.Operation().Name)

		content, err := contracts.ContentAs[error](ex.Message())
		require.NoError(t, err)
		assert.True(t, IsDecomposeError(content))
		assert.ErrorIs(t, content, ErrOperationNotSelected)
	})

	t.Run("malformed body behind a JSON selector faults", func(t *testing.T) {
		reached := 0
		endpoint := &InboundEndpoint{
			Domain:   newTestDomain(t, greeter(), &reached),
			Composer: composer,
			Service:  "Greeter",
			Pattern:  messaging.InOut,
			Selector: JSONSelector{Field: "op"},
		}
		consumer := &capture{}

		ex, err := endpoint.Dispatch(context.Background(), newWireData("{not json", nil), consumer)
		require.NoError(t, err)
		require.NotNil(t, ex)
		assert.Equal(t, 0, reached)
		assert.Equal(t, 1, consumer.called)
		assert.Equal(t, messaging.PhaseInFault, consumer.phase)
		assert.Equal(t, messaging.StateDone, ex.State())
	})

	t.Run("unknown operation faults", func(t *testing.T) {
		reached := 0
		endpoint := &InboundEndpoint{
			Domain:    newTestDomain(t, greeter(), &reached),
			Composer:  composer,
			Service:   "Greeter",
			Pattern:   messaging.InOut,
			Operation: "shout",
		}
		consumer := &capture{}

		ex, err := endpoint.Dispatch(context.Background(), newWireData("bob", nil), consumer)
		require.NoError(t, err)
		assert.Equal(t, 0, reached)
		assert.Equal(t, messaging.PhaseInFault, consumer.phase)
		assert.Equal(t, "shout", ex.Operation().Name)

		content, err := contracts.ContentAs[error](ex.Message())
		require.NoError(t, err)
		assert.ErrorIs(t, content, messaging.ErrOperationNotFound)
	})

	t.Run("endpoint selector overrides composer", func(t *testing.T) {
		reached := 0
		endpoint := &InboundEndpoint{
			Domain:   newTestDomain(t, greeter(), &reached),
			Composer: composer,
			Service:  "Greeter",
			Pattern:  messaging.InOut,
			Selector: StaticSelector{Operation: "greet"},
		}
		consumer := &capture{}

		ex, err := endpoint.Dispatch(context.Background(), newWireData("ann", nil), consumer)
		require.NoError(t, err)
		assert.Equal(t, "greet", ex.Operation().Name)
	})

	t.Run("unknown service faults", func(t *testing.T) {
		reached := 0
		endpoint := &InboundEndpoint{
			Domain:    newTestDomain(t, greeter(), &reached),
			Composer:  composer,
			Service:   "Missing",
			Pattern:   messaging.InOut,
			Operation: "greet",
		}
		consumer := &capture{}

		ex, err := endpoint.Dispatch(context.Background(), newWireData("x", nil), consumer)
		require.NoError(t, err)
		assert.Equal(t, messaging.PhaseInFault, consumer.phase)
		assert.Equal(t, "Missing", ex.Service().Name)

		content, err := contracts.ContentAs[error](ex.Message())
		require.NoError(t, err)
		assert.ErrorIs(t, content, messaging.ErrServiceNotFound)
	})

	t.Run("closed domain is returned", func(t *testing.T) {
		reached := 0
		domain := newTestDomain(t, greeter(), &reached)
		require.NoError(t, domain.Close(time.Second))
		endpoint := &InboundEndpoint{
			Domain:    domain,
			Composer:  composer,
			Service:   "Greeter",
			Pattern:   messaging.InOut,
			Operation: "greet",
		}
		consumer := &capture{}

		ex, err := endpoint.Dispatch(context.Background(), newWireData("x", nil), consumer)
		assert.ErrorIs(t, err, messaging.ErrDomainClosed)
		assert.Nil(t, ex)
		assert.Equal(t, 0, consumer.called)
	})
}

func TestUnsupportedData(t *testing.T) {
	err := UnsupportedData("wire", otherData{})
	assert.ErrorIs(t, err, ErrUnsupportedData)
	assert.Contains(t, err.Error(), "other")
	assert.Contains(t, UnsupportedData("wire", nil).Error(), "<nil>")
}

func TestContentCodec(t *testing.T) {
	tests := []struct {
		name    string
		content interface{}
		body    string
		ctype   string
	}{
		{"json text", `{"status":"ok"}`, `{"status":"ok"}`, ContentTypeJSON},
		{"plain text", "hello", "hello", ContentTypeText},
		{"json bytes", []byte(`{"id":42}`), `{"id":42}`, ContentTypeJSON},
		{"binary", []byte{0xff, 0x00}, "\xff\x00", ContentTypeBinary},
		{"structured", map[string]int{"id": 42}, `{"id":42}`, ContentTypeJSON},
		{"error", errors.New("boom"), "boom", ContentTypeText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ctype, err := EncodeContent(contracts.NewMessage(contracts.WithContent(tt.content)))
			require.NoError(t, err)
			assert.Equal(t, tt.body, string(body))
			assert.Equal(t, tt.ctype, ctype)
		})
	}

	body, ctype, err := EncodeContent(contracts.NewMessage())
	require.NoError(t, err)
	assert.Nil(t, body)
	assert.Empty(t, ctype)

	content, err := DecodeContent([]byte(`{"id":42}`), "application/json; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":42}`), content)

	content, err = DecodeContent([]byte("hi"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "hi", content)

	content, err = DecodeContent(nil, "text/plain")
	require.NoError(t, err)
	assert.Nil(t, content)

	_, err = DecodeContent([]byte(`{"id":`), "application/json")
	assert.Error(t, err)
	_, err = DecodeContent([]byte(`x`), "not a type;;")
	assert.Error(t, err)
}
