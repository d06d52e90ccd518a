package redisstream

import (
	"fmt"
	"strings"

	"github.com/glimte/mmate-esb/binding"
	"github.com/glimte/mmate-esb/contracts"
	"github.com/glimte/mmate-esb/messaging"
)

// Composer converts between stream entries and messages
type Composer struct {
	mapper *binding.HeaderMapper
}

// NewComposer creates a composer. Headers map into EXCHANGE scope unless
// cfg marks them message scoped.
func NewComposer(cfg binding.ContextMapperConfig) (*Composer, error) {
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

	for name, value := range map[string]string{
		PropertyStream:        d.Stream,
		PropertyEntryID:       d.ID,
		PropertyCorrelationID: d.CorrelationID,
		PropertyReplyStream:   d.ReplyStream,
	} {
		if value == "" {
			continue
		}
		if _, err := ctx.SetPropertyWith(name, value,
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

// Compose implements binding.Composer. Faults set the fault field.
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

	props := make([]contracts.Property, 0)
	for _, p := range ex.ContextFor(msg).Transportable() {
		if !strings.HasPrefix(p.Name, "redis.") {
			props = append(props, p)
		}
	}
	if err := c.mapper.MapTo(props, d); err != nil {
		return nil, err
	}

	if d.ContentType == "" {
		d.ContentType = contentType
	}
	d.Fault = ex.Phase().IsFault()
	d.Payload = body
	return msg, nil
}

// SelectOperation implements binding.Composer using the operation header
func (c *Composer) SelectOperation(data binding.BindingData) (string, error) {
	d, ok := data.(*BindingData)
	if !ok {
		return "", binding.UnsupportedData(BindingType, data)
	}
	return d.Headers[HeaderOperation], nil
}
