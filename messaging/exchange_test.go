package messaging

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-esb/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConsumer struct {
	mu      sync.Mutex
	replies []*contracts.Message
	faults  []*contracts.Message
	phases  []Phase
}

func (c *recordingConsumer) HandleMessage(ex *Exchange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, ex.Message())
	c.phases = append(c.phases, ex.Phase())
	return nil
}

func (c *recordingConsumer) HandleFault(ex *Exchange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = append(c.faults, ex.Message())
	c.phases = append(c.phases, ex.Phase())
	return nil
}

func (c *recordingConsumer) deliveries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replies) + len(c.faults)
}

type trace struct {
	mu    sync.Mutex
	steps []string
}

func (t *trace) add(step string) {
	t.mu.Lock()
	t.steps = append(t.steps, step)
	t.mu.Unlock()
}

func (t *trace) all() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.steps...)
}

func tracingHandler(tr *trace, name string) ExchangeHandler {
	return MessageHandlerFunc(func(ex *Exchange) error {
		tr.add(name + ":" + ex.Phase().String())
		return nil
	})
}

func echoProvider(tr *trace) ExchangeHandler {
	return MessageHandlerFunc(func(ex *Exchange) error {
		if tr != nil {
			tr.add("provider")
		}
		in, err := contracts.ContentAs[string](ex.Message())
		if err != nil {
			return err
		}
		reply := ex.CreateMessage()
		_ = reply.SetContent("echo:" + in)
		return ex.Send(reply)
	})
}

func newTestDomain(t *testing.T, services ...*Service) *Domain {
	t.Helper()
	d := NewDomain(WithDomainName("test"))
	t.Cleanup(func() { _ = d.Close(time.Second) })
	for _, svc := range services {
		require.NoError(t, d.RegisterService(svc))
	}
	return d
}

func request(content interface{}) *contracts.Message {
	return contracts.NewMessage(contracts.WithContent(content))
}

func TestExchange_InOutReply(t *testing.T) {
	d := newTestDomain(t, &Service{Name: "Echo", Provider: echoProvider(nil)})
	consumer := &recordingConsumer{}

	ex, err := d.CreateExchange("Echo", InOut, WithReplyHandler(consumer))
	require.NoError(t, err)
	assert.Equal(t, StateInitial, ex.State())
	assert.Equal(t, PhaseNone, ex.Phase())
	assert.Nil(t, ex.Message())
	assert.Equal(t, 1, d.Tracker().Len())

	require.NoError(t, d.Send(ex, request("hi")))

	require.Len(t, consumer.replies, 1)
	assert.Empty(t, consumer.faults)
	assert.Equal(t, "echo:hi", consumer.replies[0].Content())
	assert.Equal(t, []Phase{PhaseOut}, consumer.phases)
	assert.Equal(t, StateDone, ex.State())
	assert.Equal(t, 0, d.Tracker().Len())
	assert.True(t, ex.Message().Sealed())
}

func TestExchange_FaultShortCircuitsChain(t *testing.T) {
	tr := &trace{}
	boom := errors.New("boom")
	h3Called := false

	d := newTestDomain(t, &Service{
		Name: "Orders",
		Handlers: []ExchangeHandler{
			tracingHandler(tr, "h1"),
			MessageHandlerFunc(func(ex *Exchange) error {
				tr.add("h2:" + ex.Phase().String())
				return boom
			}),
		},
		Provider: MessageHandlerFunc(func(ex *Exchange) error {
			h3Called = true
			return nil
		}),
	})
	consumer := &recordingConsumer{}

	ex, err := d.CreateExchange("Orders", InOut, WithReplyHandler(consumer))
	require.NoError(t, err)
	require.NoError(t, ex.Send(request("order")))

	assert.False(t, h3Called)
	assert.Equal(t, []string{"h1:IN", "h2:IN"}, tr.all())
	require.Len(t, consumer.faults, 1)
	assert.Empty(t, consumer.replies)
	assert.Equal(t, []Phase{PhaseInFault}, consumer.phases)
	assert.Equal(t, boom, consumer.faults[0].Content())
	assert.Equal(t, StateDone, ex.State())
}

func TestExchange_ReplyPassRunsInReverse(t *testing.T) {
	tr := &trace{}
	d := newTestDomain(t, &Service{
		Name:     "Echo",
		Handlers: []ExchangeHandler{tracingHandler(tr, "h1"), tracingHandler(tr, "h2")},
		Provider: echoProvider(tr),
	})
	consumer := &recordingConsumer{}

	ex, err := d.CreateExchange("Echo", InOut, WithReplyHandler(consumer))
	require.NoError(t, err)
	require.NoError(t, ex.Send(request("x")))

	assert.Equal(t, []string{"h1:IN", "h2:IN", "provider", "h2:OUT", "h1:OUT"}, tr.all())
	require.Len(t, consumer.replies, 1)
}

func TestExchange_ErrorOnReplyPathFaultsOut(t *testing.T) {
	rejected := errors.New("reply rejected")
	d := newTestDomain(t, &Service{
		Name: "Echo",
		Handlers: []ExchangeHandler{MessageHandlerFunc(func(ex *Exchange) error {
			if ex.Phase() == PhaseOut {
				return rejected
			}
			return nil
		})},
		Provider: echoProvider(nil),
	})
	consumer := &recordingConsumer{}

	ex, err := d.CreateExchange("Echo", InOut, WithReplyHandler(consumer))
	require.NoError(t, err)
	require.NoError(t, ex.Send(request("x")))

	require.Len(t, consumer.faults, 1)
	assert.Equal(t, []Phase{PhaseOutFault}, consumer.phases)
	assert.Equal(t, rejected, consumer.faults[0].Content())
}

func TestExchange_InOnly(t *testing.T) {
	t.Run("completes without delivery", func(t *testing.T) {
		var received string
		d := newTestDomain(t, &Service{
			Name: "Audit",
			Provider: MessageHandlerFunc(func(ex *Exchange) error {
				received, _ = contracts.ContentAs[string](ex.Message())
				return nil
			}),
		})
		consumer := &recordingConsumer{}

		ex, err := d.CreateExchange("Audit", InOnly, WithReplyHandler(consumer))
		require.NoError(t, err)
		require.NoError(t, ex.Send(request("event")))

		assert.Equal(t, "event", received)
		assert.Equal(t, 0, consumer.deliveries())
		assert.Equal(t, StateDone, ex.State())
		assert.Equal(t, PhaseIn, ex.Phase())
	})

	t.Run("reply is illegal", func(t *testing.T) {
		var sendErr error
		d := newTestDomain(t, &Service{
			Name: "Audit",
			Provider: MessageHandlerFunc(func(ex *Exchange) error {
				sendErr = ex.Send(ex.CreateMessage())
				return nil
			}),
		})

		ex, err := d.CreateExchange("Audit", InOnly)
		require.NoError(t, err)
		require.NoError(t, ex.Send(request("event")))

		require.Error(t, sendErr)
		assert.True(t, IsIllegalExchangeState(sendErr))
		var stateErr *IllegalExchangeStateError
		require.True(t, errors.As(sendErr, &stateErr))
		assert.Equal(t, PhaseIn, stateErr.Phase)
		assert.Equal(t, InOnly, stateErr.Pattern)
		assert.Equal(t, "send", stateErr.Op)
	})

	t.Run("fault reaches consumer", func(t *testing.T) {
		d := newTestDomain(t, &Service{
			Name: "Audit",
			Provider: MessageHandlerFunc(func(ex *Exchange) error {
				return errors.New("disk full")
			}),
		})
		consumer := &recordingConsumer{}

		ex, err := d.CreateExchange("Audit", InOnly, WithReplyHandler(consumer))
		require.NoError(t, err)
		require.NoError(t, ex.Send(request("event")))

		require.Len(t, consumer.faults, 1)
		assert.Equal(t, []Phase{PhaseInFault}, consumer.phases)
	})
}

func TestExchange_MissingReplyFaults(t *testing.T) {
	d := newTestDomain(t, &Service{
		Name:     "Silent",
		Provider: MessageHandlerFunc(func(ex *Exchange) error { return nil }),
	})
	consumer := &recordingConsumer{}

	ex, err := d.CreateExchange("Silent", InOut, WithReplyHandler(consumer))
	require.NoError(t, err)
	require.NoError(t, ex.Send(request("x")))

	require.Len(t, consumer.faults, 1)
	cause, ok := consumer.faults[0].Content().(error)
	require.True(t, ok)
	assert.ErrorIs(t, cause, ErrNoReply)
}

func TestExchange_ProviderPanicFaults(t *testing.T) {
	d := newTestDomain(t, &Service{
		Name:     "Fragile",
		Provider: MessageHandlerFunc(func(ex *Exchange) error { panic("kaboom") }),
	})
	consumer := &recordingConsumer{}

	ex, err := d.CreateExchange("Fragile", InOut, WithReplyHandler(consumer))
	require.NoError(t, err)
	require.NoError(t, ex.Send(request("x")))

	require.Len(t, consumer.faults, 1)
	text, err := contracts.ContentAs[string](consumer.faults[0])
	require.NoError(t, err)
	assert.Contains(t, text, "kaboom")
}

func TestExchange_SendAfterCompletionIsIllegal(t *testing.T) {
	d := newTestDomain(t, &Service{Name: "Echo", Provider: echoProvider(nil)})
	consumer := &recordingConsumer{}

	ex, err := d.CreateExchange("Echo", InOut, WithReplyHandler(consumer))
	require.NoError(t, err)
	require.NoError(t, ex.Send(request("x")))

	err = ex.Send(request("again"))
	assert.True(t, IsIllegalExchangeState(err))
	err = ex.SendFault(request("late"))
	assert.True(t, IsIllegalExchangeState(err))
	assert.Equal(t, 1, consumer.deliveries())
}

func TestExchange_SendNilMessage(t *testing.T) {
	d := newTestDomain(t, &Service{Name: "Echo", Provider: echoProvider(nil)})

	ex, err := d.CreateExchange("Echo", InOut)
	require.NoError(t, err)

	assert.True(t, contracts.IsInvalidArgument(ex.Send(nil)))
	assert.True(t, contracts.IsInvalidArgument(ex.SendFault(nil)))
	assert.Equal(t, StateInitial, ex.State())
}

func TestExchange_FaultBeforeDispatch(t *testing.T) {
	providerCalled := false
	d := newTestDomain(t, &Service{
		Name: "Echo",
		Provider: MessageHandlerFunc(func(ex *Exchange) error {
			providerCalled = true
			return nil
		}),
	})
	consumer := &recordingConsumer{}

	ex, err := d.CreateExchange("Echo", InOut, WithReplyHandler(consumer))
	require.NoError(t, err)
	require.NoError(t, ex.Fault(errors.New("malformed request")))

	assert.False(t, providerCalled)
	assert.Equal(t, []Phase{PhaseInFault}, consumer.phases)
	assert.Equal(t, StateDone, ex.State())
}

func TestExchange_AsyncReply(t *testing.T) {
	d := newTestDomain(t, &Service{Name: "Echo", Provider: echoProvider(nil)})

	release := make(chan struct{})
	result := make(chan bool, 1)
	consumer := HandlerFuncs{
		Message: func(ex *Exchange) error {
			select {
			case <-release:
				result <- true
			case <-time.After(2 * time.Second):
				result <- false
			}
			return nil
		},
	}

	ex, err := d.CreateExchange("Echo", InOut, WithReplyHandler(consumer), WithAsyncReply())
	require.NoError(t, err)
	require.NoError(t, ex.Send(request("x")))
	close(release)

	select {
	case released := <-result:
		assert.True(t, released, "reply handler ran on the sending goroutine")
	case <-time.After(3 * time.Second):
		t.Fatal("reply was never delivered")
	}
}

func TestExchange_ContextVisibility(t *testing.T) {
	var seen interface{}
	d := newTestDomain(t, &Service{
		Name: "Ctx",
		Provider: MessageHandlerFunc(func(ex *Exchange) error {
			seen = ex.MessageContext().PropertyValue("tenant")
			reply := ex.CreateMessage()
			_, _ = reply.Context().SetProperty("tenant", "reply-level", contracts.ScopeOut)
			return ex.Send(reply)
		}),
	})

	seed := contracts.NewContext(contracts.ScopeExchange)
	_, _ = seed.SetProperty("tenant", "acme")

	consumer := &recordingConsumer{}
	ex, err := d.CreateExchange("Ctx", InOut, WithReplyHandler(consumer), WithExchangeContext(seed))
	require.NoError(t, err)
	require.NoError(t, ex.Send(request("x")))

	assert.Equal(t, "acme", seen)
	assert.Equal(t, "acme", ex.Context().PropertyValue("tenant"))
	assert.Equal(t, "reply-level", ex.MessageContext().PropertyValue("tenant"))
}

func TestDomain_CreateExchange(t *testing.T) {
	d := newTestDomain(t, &Service{
		Name: "Orders",
		Interface: ServiceInterface{Operations: []Operation{
			{Name: "place", Pattern: InOut},
			{Name: "cancel", Pattern: InOnly},
		}},
		Provider: echoProvider(nil),
	})

	tests := []struct {
		name    string
		service string
		pattern Pattern
		opts    []ExchangeOption
		wantErr error
		wantOp  string
	}{
		{name: "named operation", service: "Orders", pattern: InOut, opts: []ExchangeOption{WithOperation("place")}, wantOp: "place"},
		{name: "unknown service", service: "Nope", pattern: InOut, wantErr: ErrServiceNotFound},
		{name: "unknown operation", service: "Orders", pattern: InOut, opts: []ExchangeOption{WithOperation("refund")}, wantErr: ErrOperationNotFound},
		{name: "ambiguous default operation", service: "Orders", pattern: InOut, wantErr: ErrOperationNotFound},
		{name: "pattern mismatch", service: "Orders", pattern: InOut, opts: []ExchangeOption{WithOperation("cancel")}, wantErr: ErrPatternMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, err := d.CreateExchange(tt.service, tt.pattern, tt.opts...)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, ex)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOp, ex.Operation().Name)
		})
	}
}

func TestDomain_CreateExchangeRejectsBadContext(t *testing.T) {
	d := newTestDomain(t, &Service{Name: "Echo", Provider: echoProvider(nil)})
	seed := contracts.NewContext(contracts.Scope(42))
	_, err := seed.SetProperty("tenant", "acme")
	require.NoError(t, err)

	ex, err := d.CreateExchange("Echo", InOut, WithExchangeContext(seed))
	assert.Nil(t, ex)
	assert.True(t, contracts.IsInvalidArgument(err))
	assert.Zero(t, d.Tracker().Len())
}

func TestDomain_RejectExchange(t *testing.T) {
	tr := &trace{}
	d := newTestDomain(t, &Service{
		Name:      "Orders",
		Interface: ServiceInterface{Operations: []Operation{{Name: "place", Pattern: InOut}}},
		Provider:  echoProvider(tr),
	})
	cause := errors.New("operation could not be selected")

	tests := []struct {
		name    string
		service string
		opts    []ExchangeOption
		wantOp  string
	}{
		{name: "known service", service: "Orders", opts: []ExchangeOption{WithOperation("refund")}, wantOp: "refund"},
		{name: "unknown service", service: "Nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			consumer := &recordingConsumer{}
			opts := append([]ExchangeOption{WithReplyHandler(consumer)}, tt.opts...)

			ex, err := d.RejectExchange(tt.service, InOut, cause, opts...)
			require.NoError(t, err)
			assert.Equal(t, StateDone, ex.State())
			assert.Equal(t, PhaseInFault, ex.Phase())
			assert.Equal(t, tt.service, ex.Service().Name)
			assert.Equal(t, tt.wantOp, ex.Operation().Name)
			require.Len(t, consumer.faults, 1)
			assert.Equal(t, cause, consumer.faults[0].Content())
			assert.Empty(t, tr.all())
			assert.Zero(t, d.Tracker().Len())
		})
	}

	_, err := d.RejectExchange("Orders", InOut, nil)
	assert.True(t, contracts.IsInvalidArgument(err))

	require.NoError(t, d.Close(time.Second))
	_, err = d.RejectExchange("Orders", InOut, cause)
	assert.ErrorIs(t, err, ErrDomainClosed)
}

func TestDomain_Closed(t *testing.T) {
	d := NewDomain()
	require.NoError(t, d.RegisterService(&Service{Name: "Echo", Provider: echoProvider(nil)}))
	require.NoError(t, d.Close(time.Second))
	require.NoError(t, d.Close(time.Second))

	assert.True(t, d.Closed())
	_, err := d.CreateExchange("Echo", InOut)
	assert.ErrorIs(t, err, ErrDomainClosed)
	assert.ErrorIs(t, d.RegisterService(&Service{Name: "Other", Provider: echoProvider(nil)}), ErrDomainClosed)
}

type countingObserver struct {
	mu        sync.Mutex
	started   int
	completed int
}

func (o *countingObserver) ExchangeStarted(ex *Exchange) {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *countingObserver) ExchangeCompleted(ex *Exchange) {
	o.mu.Lock()
	o.completed++
	o.mu.Unlock()
}

func TestDomain_ObserversAndDomainHandlers(t *testing.T) {
	tr := &trace{}
	observer := &countingObserver{}
	d := NewDomain(WithExchangeObserver(observer), WithDomainHandlers(tracingHandler(tr, "domain")))
	t.Cleanup(func() { _ = d.Close(time.Second) })
	require.NoError(t, d.RegisterService(&Service{
		Name:     "Echo",
		Handlers: []ExchangeHandler{tracingHandler(tr, "svc")},
		Provider: echoProvider(tr),
	}))

	for i := 0; i < 3; i++ {
		ex, err := d.CreateExchange("Echo", InOut)
		require.NoError(t, err)
		require.NoError(t, ex.Send(request("x")))
	}

	assert.Equal(t, 3, observer.started)
	assert.Equal(t, 3, observer.completed)
	assert.Equal(t, []string{"domain:IN", "svc:IN", "provider", "svc:OUT", "domain:OUT"}, tr.all()[:5])
	assert.Equal(t, uint64(3), d.Tracker().Completed())
}

func TestFaultError(t *testing.T) {
	cause := errors.New("inventory exhausted")
	msg := contracts.NewMessage(contracts.WithContent(cause))
	err := error(&FaultError{ExchangeID: "ex-1", Phase: PhaseInFault, Message: msg})

	fault, ok := AsFault(err)
	require.True(t, ok)
	assert.Equal(t, "ex-1", fault.ExchangeID)
	assert.True(t, IsFault(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "inventory exhausted")
	assert.False(t, IsFault(cause))
}

func TestParsePattern(t *testing.T) {
	tests := []struct {
		in      string
		want    Pattern
		wantErr bool
	}{
		{in: "IN_ONLY", want: InOnly},
		{in: "in-out", want: InOut},
		{in: " InOut ", want: InOut},
		{in: "robust-in-only", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePattern(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.True(t, PhaseOutFault.IsFault())
	assert.False(t, PhaseOut.IsFault())
}
