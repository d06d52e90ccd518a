package messaging

// ExchangeHandler processes exchanges.
// A provider handles IN messages; a consumer handles the reply or fault
// delivered back to it.
type ExchangeHandler interface {
	HandleMessage(ex *Exchange) error
	HandleFault(ex *Exchange) error
}

// NamedHandler is implemented by handlers that report a name in logs
type NamedHandler interface {
	Name() string
}

// MessageHandlerFunc adapts a function to ExchangeHandler; faults are ignored
type MessageHandlerFunc func(ex *Exchange) error

// HandleMessage calls f
func (f MessageHandlerFunc) HandleMessage(ex *Exchange) error {
	return f(ex)
}

// HandleFault does nothing
func (f MessageHandlerFunc) HandleFault(ex *Exchange) error {
	return nil
}

// HandlerFuncs adapts a pair of functions to ExchangeHandler; nil funcs are no-ops
type HandlerFuncs struct {
	Message func(ex *Exchange) error
	Fault   func(ex *Exchange) error
}

// HandleMessage calls Message
func (h HandlerFuncs) HandleMessage(ex *Exchange) error {
	if h.Message == nil {
		return nil
	}
	return h.Message(ex)
}

// HandleFault calls Fault
func (h HandlerFuncs) HandleFault(ex *Exchange) error {
	if h.Fault == nil {
		return nil
	}
	return h.Fault(ex)
}

func handlerName(h ExchangeHandler) string {
	if named, ok := h.(NamedHandler); ok {
		return named.Name()
	}
	return "handler"
}
