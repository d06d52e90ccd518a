package serialization

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderRequest struct {
	ID   int    `json:"id" xml:"id"`
	Item string `json:"item,omitempty" xml:"item,omitempty"`
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func TestRegistry_Builtins(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name     string
		value    interface{}
		to       reflect.Type
		expected interface{}
	}{
		{"identity", "abc", typeOf[string](), "abc"},
		{"string to bytes", "abc", typeOf[[]byte](), []byte("abc")},
		{"bytes to string", []byte("abc"), typeOf[string](), "abc"},
		{"bytes to raw json", []byte(`{"a":1}`), typeOf[json.RawMessage](), json.RawMessage(`{"a":1}`)},
		{"error to string", errors.New("boom"), typeOf[string](), "boom"},
		{"reader to string", strings.NewReader("streamed"), typeOf[string](), "streamed"},
		{"string to int", "42", typeOf[int](), 42},
		{"string to bool", "true", typeOf[bool](), true},
		{"int to string", 42, typeOf[string](), "42"},
		{"int to float", 3, typeOf[float64](), float64(3)},
		{"json to struct", `{"id":42}`, typeOf[orderRequest](), orderRequest{ID: 42}},
		{"json to struct pointer", []byte(`{"id":7}`), typeOf[*orderRequest](), &orderRequest{ID: 7}},
		{"json to map", `{"id":42}`, typeOf[map[string]interface{}](), map[string]interface{}{"id": float64(42)}},
		{"struct to json string", orderRequest{ID: 1, Item: "x"}, typeOf[string](), `{"id":1,"item":"x"}`},
		{"map to struct", map[string]interface{}{"id": 9}, typeOf[orderRequest](), orderRequest{ID: 9}},
		{"struct to interface", orderRequest{ID: 3}, typeOf[interface{}](), orderRequest{ID: 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := r.Convert(tt.value, tt.to)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestRegistry_NoConverter(t *testing.T) {
	r := NewRegistry()

	_, err := r.Convert(make(chan int), typeOf[orderRequest]())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoConverter))

	assert.False(t, r.CanConvert(typeOf[chan int](), typeOf[string]()))
}

func TestRegistry_ConversionFailureIsNotSilent(t *testing.T) {
	r := NewRegistry()

	_, err := r.Convert("not json", typeOf[orderRequest]())
	require.Error(t, err)

	var convErr *ConversionError
	require.True(t, errors.As(err, &convErr))
	assert.Equal(t, typeOf[string](), convErr.From)
	assert.Equal(t, typeOf[orderRequest](), convErr.To)
}

func TestRegistry_ExactConverterWins(t *testing.T) {
	r := NewRegistry()
	err := r.Register(typeOf[string](), typeOf[orderRequest](), func(value interface{}) (interface{}, error) {
		return orderRequest{Item: value.(string)}, nil
	})
	require.NoError(t, err)

	result, err := r.Convert("widget", typeOf[orderRequest]())
	require.NoError(t, err)
	assert.Equal(t, orderRequest{Item: "widget"}, result)
}

func TestRegistry_WithoutBuiltins(t *testing.T) {
	r := NewRegistry(WithoutBuiltins())

	_, err := r.Convert("abc", typeOf[[]byte]())
	assert.True(t, errors.Is(err, ErrNoConverter))

	// assignable values never need a converter
	result, err := r.Convert("abc", typeOf[string]())
	require.NoError(t, err)
	assert.Equal(t, "abc", result)
}

func TestRegistry_PointerContent(t *testing.T) {
	r := NewRegistry()
	value := &orderRequest{ID: 5}

	result, err := r.Convert(value, typeOf[string]())
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":5}`, result.(string))
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(nil, typeOf[string](), func(v interface{}) (interface{}, error) { return v, nil }))
	assert.Error(t, r.Register(typeOf[string](), typeOf[int](), nil))
}

func TestXMLConverter(t *testing.T) {
	r := NewRegistry(WithConverter(NewXMLConverter(orderRequest{})))

	result, err := r.Convert(`<orderRequest><id>12</id></orderRequest>`, typeOf[orderRequest]())
	require.NoError(t, err)
	assert.Equal(t, orderRequest{ID: 12}, result)

	text, err := r.Convert(orderRequest{ID: 4, Item: "bolt"}, typeOf[string]())
	require.NoError(t, err)
	assert.Equal(t, `<orderRequest><id>4</id><item>bolt</item></orderRequest>`, text)
}
