package rabbitmq

import (
	"fmt"
	"strings"

	"github.com/glimte/mmate-esb/binding"
	"github.com/glimte/mmate-esb/contracts"
	"github.com/glimte/mmate-esb/messaging"
)

// DefaultContextMapper keeps broker extension headers such as x-death on
// the message so that only application headers travel with the exchange
func DefaultContextMapper() binding.ContextMapperConfig {
	return binding.ContextMapperConfig{
		MessageScoped: []string{"x-.*"},
	}
}

// Composer converts between BindingData and messages
type Composer struct {
	mapper *binding.HeaderMapper
}

// NewComposer creates a composer; an empty mapper configuration selects
// DefaultContextMapper
func NewComposer(cfg binding.ContextMapperConfig) (*Composer, error) {
	if len(cfg.Includes) == 0 && len(cfg.Excludes) == 0 && len(cfg.MessageScoped) == 0 {
		label := cfg.Label
		cfg = DefaultContextMapper()
		cfg.Label = label
	}
	mapper, err := binding.NewHeaderMapper(cfg)
	if err != nil {
		return nil, err
	}
	return &Composer{mapper: mapper}, nil
}

// BindingType implements binding.Composer
func (c *Composer) BindingType() string {
	return BindingType
}

// Decompose implements binding.Composer
func (c *Composer) Decompose(ex *messaging.Exchange, data binding.BindingData) (*contracts.Message, error) {
	d, ok := data.(*BindingData)
	if !ok {
		return nil, binding.UnsupportedData(BindingType, data)
	}

	msg := ex.CreateMessage()
	ctx := ex.ContextFor(msg)
	if err := c.mapper.MapFrom(d, ctx); err != nil {
		return nil, &binding.DecomposeError{BindingType: BindingType, Err: err}
	}

	props := map[string]interface{}{
		PropertyCorrelationID: d.CorrelationID,
		PropertyMessageID:     d.MessageID,
		PropertyReplyTo:       d.ReplyTo,
		PropertyRoutingKey:    d.RoutingKey,
		PropertyExchange:      d.Exchange,
	}
	for name, value := range props {
		if value == "" {
			continue
		}
		if _, err := ctx.SetPropertyWith(name, value,
			contracts.WithScope(contracts.ScopeMessage),
			contracts.WithPrivate(true)); err != nil {
			return nil, err
		}
	}
	if d.Redelivered {
		if _, err := ctx.SetPropertyWith(PropertyRedelivered, true,
			contracts.WithScope(contracts.ScopeMessage),
			contracts.WithPrivate(true)); err != nil {
			return nil, err
		}
	}

	content, err := binding.DecodeContent(d.Payload, d.ContentType)
	if err != nil {
		return nil, &binding.DecomposeError{BindingType: BindingType, Err: err}
	}
	if content != nil {
		if err := msg.SetContent(content); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// Compose implements binding.Composer. Faults are marked with HeaderFault.
func (c *Composer) Compose(data binding.BindingData, ex *messaging.Exchange) (*contracts.Message, error) {
	d, ok := data.(*BindingData)
	if !ok {
		return nil, binding.UnsupportedData(BindingType, data)
	}

	msg := ex.Message()
	body, contentType, err := binding.EncodeContent(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode content: %w", err)
	}

	ctx := ex.ContextFor(msg)
	props := make([]contracts.Property, 0)
	for _, p := range ctx.Transportable() {
		if !strings.HasPrefix(p.Name, "amqp.") {
			props = append(props, p)
		}
	}
	if err := c.mapper.MapTo(props, d); err != nil {
		return nil, err
	}

	if ex.Phase().IsFault() {
		if err := d.SetHeader(HeaderFault, true); err != nil {
			return nil, err
		}
	}
	if d.ContentType == "" {
		d.ContentType = contentType
	}
	if d.MessageID == "" && msg != nil {
		d.MessageID = msg.ID()
	}
	d.Payload = body
	return msg, nil
}

// SelectOperation implements binding.Composer. No selection is not an
// error: single-operation services need none.
func (c *Composer) SelectOperation(data binding.BindingData) (string, error) {
	d, ok := data.(*BindingData)
	if !ok {
		return "", binding.UnsupportedData(BindingType, data)
	}
	v, ok := d.Header(HeaderOperation)
	if !ok {
		return "", nil
	}
	op, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s header must be a string", binding.ErrOperationNotSelected, HeaderOperation)
	}
	return op, nil
}
