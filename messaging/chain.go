package messaging

import (
	"fmt"
	"log/slog"
)

// HandlerChain runs a service's handlers and provider against an exchange.
//
// On the request path each handler runs in order until one replies or
// faults. A fault short-circuits straight back to the consumer. A reply is
// post-processed by the handlers that ran before the replier, in reverse
// order. An IN_OUT exchange that reaches the end of the chain without a reply
// is faulted with ErrNoReply.
type HandlerChain struct {
	handlers []ExchangeHandler
	logger   *slog.Logger
}

// NewHandlerChain creates a chain, skipping nil handlers
func NewHandlerChain(logger *slog.Logger, handlers ...ExchangeHandler) *HandlerChain {
	if logger == nil {
		logger = slog.Default()
	}
	chain := &HandlerChain{logger: logger}
	for _, h := range handlers {
		if h != nil {
			chain.handlers = append(chain.handlers, h)
		}
	}
	return chain
}

// Handlers returns the handlers in request order
func (c *HandlerChain) Handlers() []ExchangeHandler {
	return append([]ExchangeHandler(nil), c.handlers...)
}

// Len returns the number of handlers
func (c *HandlerChain) Len() int {
	return len(c.handlers)
}

// Process runs the chain for an exchange in phase IN.
// It does not complete the exchange.
func (c *HandlerChain) Process(ex *Exchange) {
	replier := -1
	for i, h := range c.handlers {
		if ex.Phase() != PhaseIn {
			break
		}
		if err := c.invoke(h, ex); err != nil {
			c.raise(ex, h, err)
			break
		}
		if ex.Phase() == PhaseOut {
			replier = i
			break
		}
	}

	if ex.Phase() == PhaseIn && ex.Pattern() == InOut {
		c.raise(ex, nil, ErrNoReply)
		return
	}

	if ex.Phase() != PhaseOut {
		return
	}
	for i := replier - 1; i >= 0; i-- {
		h := c.handlers[i]
		if err := c.invoke(h, ex); err != nil {
			c.raise(ex, h, err)
			return
		}
		if ex.Phase() != PhaseOut {
			return
		}
	}
}

func (c *HandlerChain) invoke(h ExchangeHandler, ex *Exchange) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", handlerName(h), r)
		}
	}()
	return h.HandleMessage(ex)
}

func (c *HandlerChain) raise(ex *Exchange, h ExchangeHandler, cause error) {
	if ex.Phase().IsFault() {
		c.logger.Warn("handler error after fault ignored",
			"exchangeId", ex.ID(), "error", cause)
		return
	}
	name := "chain"
	if h != nil {
		name = handlerName(h)
	}
	c.logger.Debug("handler faulted exchange",
		"exchangeId", ex.ID(),
		"handler", name,
		"phase", ex.Phase().String(),
		"error", cause)
	if err := ex.Fault(cause); err != nil {
		c.logger.Error("failed to fault exchange", "exchangeId", ex.ID(), "error", err)
	}
}
