package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopedContext_MessageShadowsExchange(t *testing.T) {
	exchange := NewContext(ScopeExchange)
	message := NewContext(ScopeMessage)
	view := NewScopedContext(message, exchange)

	_, err := view.SetProperty("timeout", "30s", ScopeExchange)
	require.NoError(t, err)
	_, err = view.SetProperty("timeout", "5s", ScopeMessage)
	require.NoError(t, err)

	p, ok := view.Property("timeout")
	require.True(t, ok)
	assert.Equal(t, "5s", p.Value)
	assert.Equal(t, ScopeMessage, p.Scope)

	p, ok = view.Property("timeout", ScopeExchange)
	require.True(t, ok)
	assert.Equal(t, "30s", p.Value)

	// the exchange default survives for the next message
	next := NewScopedContext(NewContext(ScopeMessage), exchange)
	assert.Equal(t, "30s", next.PropertyValue("timeout"))

	// removing the override reveals the default
	_, removed := view.RemoveProperty("timeout")
	assert.True(t, removed)
	assert.Equal(t, "30s", view.PropertyValue("timeout"))
}

func TestScopedContext_UnscopedWrites(t *testing.T) {
	exchange := NewContext(ScopeExchange)
	message := NewContext(ScopeMessage)
	view := NewScopedContext(message, exchange)

	_, _ = exchange.SetProperty("shared", "a")

	p, err := view.SetProperty("shared", "b")
	require.NoError(t, err)
	assert.Equal(t, ScopeExchange, p.Scope)
	assert.Equal(t, "b", exchange.PropertyValue("shared"))

	p, err = view.SetProperty("fresh", 1)
	require.NoError(t, err)
	assert.Equal(t, ScopeMessage, p.Scope)
	assert.Equal(t, 1, message.PropertyValue("fresh"))
	assert.Nil(t, exchange.PropertyValue("fresh"))
}

func TestScopedContext_Properties(t *testing.T) {
	exchange := NewContext(ScopeExchange)
	message := NewContext(ScopeMessage)
	view := NewScopedContext(message, exchange)

	_, _ = view.SetProperty("X-Trace", "abc123", ScopeExchange)
	_, _ = view.SetProperty("dup", "exchange", ScopeExchange)
	_, _ = view.SetProperty("dup", "message", ScopeMessage)
	_, _ = view.SetPropertyWith("Authorization", "secret", WithScope(ScopeExchange), WithPrivate(true))
	require.NoError(t, view.Put(Property{Name: "in-only", Value: true, Scope: ScopeIn}))

	all := view.Properties()
	require.Len(t, all, 4)
	byName := make(map[string]Property)
	for _, p := range all {
		byName[p.Name] = p
	}
	assert.Equal(t, "message", byName["dup"].Value)
	assert.Equal(t, ScopeIn, byName["in-only"].Scope)

	transportable := view.Transportable()
	require.Len(t, transportable, 1)
	assert.Equal(t, "X-Trace", transportable[0].Name)

	assert.Len(t, view.Properties(ScopeIn), 1)
}

func TestScopedContext_WithoutMessageLayer(t *testing.T) {
	view := NewScopedContext(nil, nil)
	_, err := view.SetProperty("m", 1, ScopeMessage)
	require.NoError(t, err)

	p, ok := view.Property("m")
	require.True(t, ok)
	assert.Equal(t, ScopeMessage, p.Scope)
	assert.Nil(t, view.MessageContext())
	assert.Equal(t, 1, view.ExchangeContext().Len())
}
