package serialization

import (
	"encoding/xml"
	"reflect"
)

// XMLConverter encodes and decodes the given struct types as XML. Register it
// on bindings that carry XML payloads; it takes precedence over JSON for its types.
type XMLConverter struct {
	types map[reflect.Type]bool
}

// NewXMLConverter creates a converter for the types of the sample values
func NewXMLConverter(samples ...interface{}) *XMLConverter {
	c := &XMLConverter{types: make(map[reflect.Type]bool)}
	for _, s := range samples {
		t := reflect.TypeOf(s)
		if t == nil {
			continue
		}
		if t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		c.types[t] = true
	}
	return c
}

func (c *XMLConverter) handles(t reflect.Type) bool {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return c.types[t]
}

// CanConvert implements Converter
func (c *XMLConverter) CanConvert(from, to reflect.Type) bool {
	return (isText(from) && c.handles(to)) || (c.handles(from) && isText(to))
}

// Convert implements Converter
func (c *XMLConverter) Convert(value interface{}, to reflect.Type) (interface{}, error) {
	if data, ok := textOf(value); ok {
		if to.Kind() == reflect.Ptr {
			target := reflect.New(to.Elem())
			if err := xml.Unmarshal(data, target.Interface()); err != nil {
				return nil, err
			}
			return target.Interface(), nil
		}
		target := reflect.New(to)
		if err := xml.Unmarshal(data, target.Interface()); err != nil {
			return nil, err
		}
		return target.Elem().Interface(), nil
	}

	data, err := xml.Marshal(value)
	if err != nil {
		return nil, err
	}
	return toText(data, to), nil
}
