package contracts

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContext_SetProperty(t *testing.T) {
	t.Run("default scope applies to new properties", func(t *testing.T) {
		ctx := NewContext(ScopeExchange)
		p, err := ctx.SetProperty("x", 1)
		require.NoError(t, err)
		assert.Equal(t, ScopeExchange, p.Scope)
	})

	t.Run("overwrite keeps one property with the new value", func(t *testing.T) {
		ctx := NewContext(ScopeExchange)
		_, err := ctx.SetProperty("x", "v1")
		require.NoError(t, err)
		_, err = ctx.SetProperty("x", "v2")
		require.NoError(t, err)

		props := ctx.Properties()
		require.Len(t, props, 1)
		assert.Equal(t, "x", props[0].Name)
		assert.Equal(t, "v2", props[0].Value)
	})

	t.Run("overwrite never changes scope implicitly", func(t *testing.T) {
		ctx := NewContext(ScopeExchange)
		_, err := ctx.SetProperty("x", "v1", ScopeMessage)
		require.NoError(t, err)
		p, err := ctx.SetProperty("x", "v2")
		require.NoError(t, err)
		assert.Equal(t, ScopeMessage, p.Scope)
	})

	t.Run("explicit scope re-labels", func(t *testing.T) {
		ctx := NewContext(ScopeExchange)
		_, err := ctx.SetProperty("x", "v1")
		require.NoError(t, err)
		p, err := ctx.SetProperty("x", "v2", ScopeMessage)
		require.NoError(t, err)
		assert.Equal(t, ScopeMessage, p.Scope)
	})

	t.Run("empty name is rejected", func(t *testing.T) {
		ctx := NewContext(ScopeExchange)
		_, err := ctx.SetProperty("", 1)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidArgument))
		assert.Equal(t, 0, ctx.Len())
	})

	t.Run("invalid scope is rejected", func(t *testing.T) {
		ctx := NewContext(ScopeExchange)
		_, err := ctx.SetProperty("x", 1, Scope(42))
		assert.True(t, IsInvalidArgument(err))
	})

	t.Run("flags and labels", func(t *testing.T) {
		ctx := NewContext(ScopeMessage)
		p, err := ctx.SetPropertyWith("secret", "s3", WithPrivate(true), WithLabels("http.header"))
		require.NoError(t, err)
		assert.True(t, p.Private)
		assert.True(t, p.HasLabel("http.header"))
		assert.False(t, p.Propagates())

		p, err = ctx.SetPropertyWith("secret", "s4", WithLabels("http.header", "audit"))
		require.NoError(t, err)
		assert.True(t, p.Private)
		assert.Equal(t, []string{"http.header", "audit"}, p.Labels)
	})
}

func TestContext_LookupIsTotal(t *testing.T) {
	ctx := NewContext(ScopeExchange)

	_, ok := ctx.Property("missing")
	assert.False(t, ok)
	assert.Nil(t, ctx.PropertyValue("missing"))

	_, removed := ctx.RemoveProperty("missing")
	assert.False(t, removed)
}

func TestContext_ScopeFilter(t *testing.T) {
	ctx := NewContext(ScopeExchange)
	_, _ = ctx.SetProperty("a", 1)
	_, _ = ctx.SetProperty("b", 2, ScopeMessage)
	_, _ = ctx.SetProperty("c", 3, ScopeIn)

	_, ok := ctx.Property("b", ScopeExchange)
	assert.False(t, ok)
	p, ok := ctx.Property("b", ScopeMessage)
	assert.True(t, ok)
	assert.Equal(t, 2, p.Value)

	names := func(props []Property) []string {
		out := make([]string, 0, len(props))
		for _, p := range props {
			out = append(out, p.Name)
		}
		return out
	}
	assert.Equal(t, []string{"a"}, names(ctx.Properties(ScopeExchange)))
	assert.Equal(t, []string{"b", "c"}, names(ctx.Properties(ScopeMessage, ScopeIn)))
	assert.Equal(t, []string{"a", "b", "c"}, names(ctx.Properties()))
}

func TestContext_SnapshotIsIndependent(t *testing.T) {
	ctx := NewContext(ScopeExchange)
	_, _ = ctx.SetPropertyWith("a", 1, WithLabels("l1"))

	props := ctx.Properties()
	props[0].Value = 99
	props[0].Labels[0] = "changed"

	p, _ := ctx.Property("a")
	assert.Equal(t, 1, p.Value)
	assert.Equal(t, []string{"l1"}, p.Labels)
}

func TestContext_MergeInto(t *testing.T) {
	source := NewContext(ScopeExchange)
	_, _ = source.SetProperty("X-Trace", "abc123")
	_, _ = source.SetPropertyWith("Authorization", "token", WithPrivate(true))
	_, _ = source.SetProperty("local", "m", ScopeMessage)
	_, _ = source.SetPropertyWith("copied", "c", WithScope(ScopeMessage), WithMustCopy(true))

	t.Run("transportable only", func(t *testing.T) {
		target := NewContext(ScopeExchange)
		require.NoError(t, source.MergeTransportable(target))

		assert.Equal(t, 2, target.Len())
		p, ok := target.Property("X-Trace")
		require.True(t, ok)
		assert.Equal(t, "abc123", p.Value)
		p, ok = target.Property("copied")
		require.True(t, ok)
		assert.Equal(t, ScopeMessage, p.Scope)
		assert.True(t, p.MustCopy)
	})

	t.Run("scope filter", func(t *testing.T) {
		target := NewContext(ScopeExchange)
		require.NoError(t, source.MergeInto(target, InScopes(ScopeMessage)))
		assert.Equal(t, 2, target.Len())
	})

	t.Run("nil filter copies all", func(t *testing.T) {
		target := NewContext(ScopeExchange)
		require.NoError(t, source.MergeInto(target, nil))
		assert.Equal(t, source.Len(), target.Len())
	})
}

func TestContext_Copy(t *testing.T) {
	original := NewContext(ScopeMessage)
	_, _ = original.SetProperty("x", "v1")

	copied := original.Copy()
	_, _ = copied.SetProperty("x", "v2")
	_, _ = copied.SetProperty("y", "new")
	copied.RemoveProperty("missing")

	assert.Equal(t, "v1", original.PropertyValue("x"))
	assert.Nil(t, original.PropertyValue("y"))
	assert.Equal(t, ScopeMessage, copied.DefaultScope())

	copied.Clear()
	assert.Equal(t, 0, copied.Len())
	assert.Equal(t, 1, original.Len())
}

func TestParseScope(t *testing.T) {
	tests := []struct {
		input    string
		expected Scope
		wantErr  bool
	}{
		{"EXCHANGE", ScopeExchange, false},
		{"message", ScopeMessage, false},
		{" in ", ScopeIn, false},
		{"Out", ScopeOut, false},
		{"global", ScopeExchange, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			scope, err := ParseScope(tt.input)
			if tt.wantErr {
				assert.True(t, IsInvalidArgument(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, scope)
		})
	}

	var s Scope
	require.NoError(t, s.UnmarshalText([]byte("out")))
	assert.Equal(t, ScopeOut, s)
	text, err := ScopeIn.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "IN", string(text))
	assert.Equal(t, "Scope(9)", Scope(9).String())
}
