package serialization

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strconv"
)

var (
	bytesType   = reflect.TypeOf([]byte(nil))
	stringType  = reflect.TypeOf("")
	rawJSONType = reflect.TypeOf(json.RawMessage(nil))
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	stringerTyp = reflect.TypeOf((*fmt.Stringer)(nil)).Elem()
	readerType  = reflect.TypeOf((*io.Reader)(nil)).Elem()
)

func builtinConverters() []Converter {
	return []Converter{
		textConverter{},
		errorConverter{},
		readerConverter{},
		scalarConverter{},
		jsonDecodeConverter{},
		jsonEncodeConverter{},
		structuredConverter{},
		stringerConverter{},
	}
}

func isText(t reflect.Type) bool {
	return t == bytesType || t == stringType || t == rawJSONType
}

func textOf(value interface{}) ([]byte, bool) {
	switch v := value.(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	case json.RawMessage:
		return v, true
	}
	return nil, false
}

func toText(data []byte, to reflect.Type) interface{} {
	switch to {
	case stringType:
		return string(data)
	case rawJSONType:
		return json.RawMessage(data)
	default:
		return data
	}
}

// textConverter moves between string, []byte and json.RawMessage
type textConverter struct{}

func (textConverter) CanConvert(from, to reflect.Type) bool {
	return isText(from) && isText(to)
}

func (textConverter) Convert(value interface{}, to reflect.Type) (interface{}, error) {
	data, _ := textOf(value)
	return toText(data, to), nil
}

// errorConverter renders errors as text
type errorConverter struct{}

func (errorConverter) CanConvert(from, to reflect.Type) bool {
	return from.Implements(errorType) && isText(to)
}

func (errorConverter) Convert(value interface{}, to reflect.Type) (interface{}, error) {
	return toText([]byte(value.(error).Error()), to), nil
}

// stringerConverter renders fmt.Stringer values as text
type stringerConverter struct{}

func (stringerConverter) CanConvert(from, to reflect.Type) bool {
	return from.Implements(stringerTyp) && (to == stringType || to == bytesType)
}

func (stringerConverter) Convert(value interface{}, to reflect.Type) (interface{}, error) {
	return toText([]byte(value.(fmt.Stringer).String()), to), nil
}

// readerConverter drains io.Reader content
type readerConverter struct{}

func (readerConverter) CanConvert(from, to reflect.Type) bool {
	return from.Implements(readerType) && isText(to)
}

func (readerConverter) Convert(value interface{}, to reflect.Type) (interface{}, error) {
	data, err := io.ReadAll(value.(io.Reader))
	if err != nil {
		return nil, err
	}
	return toText(data, to), nil
}

func isScalarKind(k reflect.Kind) bool {
	switch k {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func isNumberKind(k reflect.Kind) bool {
	return isScalarKind(k) && k != reflect.Bool
}

// scalarConverter handles numbers and booleans to and from text
type scalarConverter struct{}

func (scalarConverter) CanConvert(from, to reflect.Type) bool {
	switch {
	case isText(from) && isScalarKind(to.Kind()):
		return true
	case isScalarKind(from.Kind()) && (to == stringType || to == bytesType):
		return true
	case isNumberKind(from.Kind()) && isNumberKind(to.Kind()):
		return true
	}
	return false
}

func (scalarConverter) Convert(value interface{}, to reflect.Type) (interface{}, error) {
	from := reflect.TypeOf(value)
	if data, ok := textOf(value); ok {
		return parseScalar(string(data), to)
	}
	if to == stringType || to == bytesType {
		return toText([]byte(fmt.Sprint(value)), to), nil
	}
	rv := reflect.ValueOf(value)
	if !rv.Type().ConvertibleTo(to) {
		return nil, fmt.Errorf("%v is not convertible to %v", from, to)
	}
	return rv.Convert(to).Interface(), nil
}

func parseScalar(text string, to reflect.Type) (interface{}, error) {
	out := reflect.New(to).Elem()
	switch to.Kind() {
	case reflect.Bool:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return nil, err
		}
		out.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(text, 10, to.Bits())
		if err != nil {
			return nil, err
		}
		out.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(text, 10, to.Bits())
		if err != nil {
			return nil, err
		}
		out.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(text, to.Bits())
		if err != nil {
			return nil, err
		}
		out.SetFloat(f)
	default:
		return nil, fmt.Errorf("unsupported scalar kind %v", to.Kind())
	}
	return out.Interface(), nil
}

func isStructured(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Struct, reflect.Map:
		return true
	case reflect.Slice:
		return t != bytesType && t != rawJSONType
	case reflect.Ptr:
		k := t.Elem().Kind()
		return k == reflect.Struct || k == reflect.Map
	}
	return false
}

// jsonDecodeConverter decodes JSON text into structured values
type jsonDecodeConverter struct{}

func (jsonDecodeConverter) CanConvert(from, to reflect.Type) bool {
	return isText(from) && isStructured(to)
}

func (jsonDecodeConverter) Convert(value interface{}, to reflect.Type) (interface{}, error) {
	data, _ := textOf(value)
	return decodeJSON(data, to)
}

func decodeJSON(data []byte, to reflect.Type) (interface{}, error) {
	if to.Kind() == reflect.Ptr {
		target := reflect.New(to.Elem())
		if err := json.Unmarshal(data, target.Interface()); err != nil {
			return nil, err
		}
		return target.Interface(), nil
	}
	target := reflect.New(to)
	if err := json.Unmarshal(data, target.Interface()); err != nil {
		return nil, err
	}
	return target.Elem().Interface(), nil
}

// jsonEncodeConverter encodes structured values as JSON text
type jsonEncodeConverter struct{}

func (jsonEncodeConverter) CanConvert(from, to reflect.Type) bool {
	return isStructured(from) && isText(to)
}

func (jsonEncodeConverter) Convert(value interface{}, to reflect.Type) (interface{}, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return toText(data, to), nil
}

// structuredConverter reshapes structured values through JSON, e.g. map -> struct
type structuredConverter struct{}

func (structuredConverter) CanConvert(from, to reflect.Type) bool {
	return isStructured(from) && isStructured(to)
}

func (structuredConverter) Convert(value interface{}, to reflect.Type) (interface{}, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return decodeJSON(data, to)
}
