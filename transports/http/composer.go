package http

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/glimte/mmate-esb/binding"
	"github.com/glimte/mmate-esb/contracts"
	"github.com/glimte/mmate-esb/messaging"
)

// DefaultContextMapper keeps protocol headers on the message so that only
// application headers travel with the exchange
func DefaultContextMapper() binding.ContextMapperConfig {
	return binding.ContextMapperConfig{
		MessageScoped: []string{
			"Accept.*", "Content-.*", "Connection", "Host", "User-Agent",
			"Keep-Alive", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
			"Proxy-.*", "Date", "Server",
		},
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

	private := func(name string, value interface{}) error {
		_, err := ctx.SetPropertyWith(name, value,
			contracts.WithScope(contracts.ScopeMessage),
			contracts.WithPrivate(true))
		return err
	}
	var errs []error
	if d.Method != "" {
		errs = append(errs, private(PropertyMethod, d.Method))
	}
	if d.Path != "" {
		errs = append(errs, private(PropertyPath, d.Path))
	}
	if len(d.Query) > 0 {
		errs = append(errs, private(PropertyQuery, d.Query))
	}
	if d.Status != 0 {
		errs = append(errs, private(PropertyStatus, d.Status))
	}
	for name, value := range d.Vars {
		errs = append(errs, private(PropertyVarPrefix+name, value))
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	content, err := binding.DecodeContent(d.Payload, d.ContentType())
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

// Compose implements binding.Composer. It writes the current message of ex
// into data along with every transportable property.
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
		if !strings.HasPrefix(p.Name, "http.") {
			props = append(props, p)
		}
	}
	if err := c.mapper.MapTo(props, d); err != nil {
		return nil, err
	}

	if contentType != "" && d.ContentType() == "" {
		_ = d.SetHeader("Content-Type", contentType)
	}
	d.Payload = body
	d.Status = statusFor(ex, ctx)
	return msg, nil
}

// SelectOperation implements binding.Composer. The "operation" route
// variable wins over the X-Operation header. No selection is not an error:
// single-operation services need none.
func (c *Composer) SelectOperation(data binding.BindingData) (string, error) {
	d, ok := data.(*BindingData)
	if !ok {
		return "", binding.UnsupportedData(BindingType, data)
	}
	if op := d.Vars["operation"]; op != "" {
		return op, nil
	}
	if v, ok := d.Headers["X-Operation"]; ok && len(v) > 0 {
		return v[0], nil
	}
	return "", nil
}

func statusFor(ex *messaging.Exchange, ctx *contracts.ScopedContext) int {
	if status, ok := intValue(ctx.PropertyValue(PropertyStatus)); ok && status > 0 {
		return status
	}
	switch phase := ex.Phase(); {
	case phase == messaging.PhaseIn:
		return http.StatusAccepted
	case phase.IsFault():
		if err, ok := ex.Message().Content().(error); ok {
			return errorStatus(err)
		}
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

func intValue(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}
