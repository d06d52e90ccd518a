package interceptors

import (
	"fmt"
	"reflect"

	"github.com/glimte/mmate-esb/contracts"
	"github.com/glimte/mmate-esb/messaging"
)

const transformedProperty = "interceptors.transformed"

// TransformHandler converts request content to a declared type before the
// provider runs and checks that reply content converts to the declared reply
// type. Either side may be left nil.
type TransformHandler struct {
	passive
	in  reflect.Type
	out reflect.Type
}

// NewTransformHandler takes sample values of the request and reply types.
// Pass a typed nil pointer, e.g. (*Order)(nil), for pointer targets.
func NewTransformHandler(in, out interface{}) *TransformHandler {
	h := &TransformHandler{}
	if in != nil {
		h.in = reflect.TypeOf(in)
	}
	if out != nil {
		h.out = reflect.TypeOf(out)
	}
	return h
}

// HandleMessage implements messaging.ExchangeHandler
func (h *TransformHandler) HandleMessage(ex *messaging.Exchange) error {
	target := h.in
	if ex.Phase() == messaging.PhaseOut {
		target = h.out
	}
	if target == nil {
		return nil
	}

	value, err := ex.Message().ContentAs(target)
	if err != nil {
		return fmt.Errorf("%s content: %w", ex.Phase(), err)
	}
	if ex.Phase() == messaging.PhaseIn {
		_, err = ex.Context().SetPropertyWith(transformedProperty, value, contracts.WithPrivate(true))
	}
	return err
}

// Name implements Handler
func (h *TransformHandler) Name() string {
	return "TransformHandler"
}

// Transformed returns the request content converted by a TransformHandler
func Transformed[T any](ex *messaging.Exchange) (T, bool) {
	value, ok := ex.Context().PropertyValue(transformedProperty).(T)
	return value, ok
}

// TypedProvider adapts a typed function to a provider. The request content is
// converted to In; for IN_OUT exchanges the result becomes the reply content.
func TypedProvider[In, Out any](fn func(ex *messaging.Exchange, in In) (Out, error)) messaging.ExchangeHandler {
	return messaging.MessageHandlerFunc(func(ex *messaging.Exchange) error {
		in, ok := Transformed[In](ex)
		if !ok {
			var err error
			if in, err = contracts.ContentAs[In](ex.Message()); err != nil {
				return err
			}
		}

		out, err := fn(ex, in)
		if err != nil {
			return err
		}
		if ex.Pattern() != messaging.InOut {
			return nil
		}

		reply := ex.CreateMessage()
		if err := reply.SetContent(out); err != nil {
			return err
		}
		return ex.Send(reply)
	})
}
