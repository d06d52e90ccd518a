package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-esb/contracts"
	"github.com/glimte/mmate-esb/internal/reliability"
	"github.com/glimte/mmate-esb/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type quote struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

func newDomain(t *testing.T) *messaging.Domain {
	t.Helper()
	d := messaging.NewDomain()
	t.Cleanup(func() { _ = d.Close(time.Second) })

	require.NoError(t, d.RegisterService(&messaging.Service{
		Name: "Quotes",
		Provider: messaging.MessageHandlerFunc(func(ex *messaging.Exchange) error {
			symbol, err := contracts.ContentAs[string](ex.Message())
			if err != nil {
				return err
			}
			if symbol == "" {
				return errors.New("symbol required")
			}
			reply := ex.CreateMessage()
			_ = reply.SetContent(quote{Symbol: symbol, Price: 42.5})
			return ex.Send(reply)
		}),
	}))
	require.NoError(t, d.RegisterService(&messaging.Service{
		Name: "Slow",
		Provider: messaging.MessageHandlerFunc(func(ex *messaging.Exchange) error {
			select {
			case <-time.After(2 * time.Second):
			case <-ex.RequestContext().Done():
			}
			reply := ex.CreateMessage()
			_ = reply.SetContent("late")
			return ex.Send(reply)
		}),
	}))
	require.NoError(t, d.RegisterService(&messaging.Service{
		Name: "Sink",
		Provider: messaging.MessageHandlerFunc(func(ex *messaging.Exchange) error {
			if ex.Message().Content() == "reject" {
				return errors.New("rejected")
			}
			return nil
		}),
	}))
	return d
}

func TestInvoker_Invoke(t *testing.T) {
	invoker := NewInvoker(newDomain(t))

	reply, err := invoker.Invoke(context.Background(), "Quotes", contracts.NewMessage(contracts.WithContent("ACME")))
	require.NoError(t, err)
	assert.Equal(t, quote{Symbol: "ACME", Price: 42.5}, reply.Content())
	assert.Equal(t, 0, invoker.PendingCount())
}

func TestInvoker_Fault(t *testing.T) {
	invoker := NewInvoker(newDomain(t))

	_, err := invoker.Invoke(context.Background(), "Quotes", contracts.NewMessage(contracts.WithContent("")))
	require.Error(t, err)

	fault, ok := messaging.AsFault(err)
	require.True(t, ok)
	assert.Equal(t, messaging.PhaseInFault, fault.Phase)
	assert.EqualError(t, errors.Unwrap(err), "symbol required")
}

func TestInvoker_Timeout(t *testing.T) {
	invoker := NewInvoker(newDomain(t), WithDefaultTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := invoker.Invoke(context.Background(), "Slow", contracts.NewMessage(contracts.WithContent("x")))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestInvoker_ContextCancelled(t *testing.T) {
	invoker := NewInvoker(newDomain(t))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := invoker.Invoke(ctx, "Slow", contracts.NewMessage(contracts.WithContent("x")))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInvoker_Send(t *testing.T) {
	invoker := NewInvoker(newDomain(t))

	require.NoError(t, invoker.Send(context.Background(), "Sink", contracts.NewMessage(contracts.WithContent("ok"))))

	err := invoker.Send(context.Background(), "Sink", contracts.NewMessage(contracts.WithContent("reject")))
	assert.True(t, messaging.IsFault(err))
}

func TestInvoker_SendAsyncFault(t *testing.T) {
	invoker := NewInvoker(newDomain(t))

	for i := 0; i < 20; i++ {
		err := invoker.Send(context.Background(), "Sink",
			contracts.NewMessage(contracts.WithContent("reject")), messaging.WithAsyncReply())
		require.True(t, messaging.IsFault(err), "attempt %d: %v", i, err)

		fault, ok := messaging.AsFault(err)
		require.True(t, ok)
		assert.Equal(t, messaging.PhaseInFault, fault.Phase)
	}

	require.NoError(t, invoker.Send(context.Background(), "Sink",
		contracts.NewMessage(contracts.WithContent("ok")), messaging.WithAsyncReply()))
	assert.Zero(t, invoker.PendingCount())
}

func TestInvoker_Errors(t *testing.T) {
	invoker := NewInvoker(newDomain(t))

	_, err := invoker.Invoke(context.Background(), "Missing", contracts.NewMessage())
	assert.ErrorIs(t, err, messaging.ErrServiceNotFound)

	_, err = invoker.Invoke(context.Background(), "Quotes", nil)
	assert.True(t, contracts.IsInvalidArgument(err))

	require.NoError(t, invoker.Close())
	_, err = invoker.Invoke(context.Background(), "Quotes", contracts.NewMessage())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestInvoker_CircuitBreaker(t *testing.T) {
	breaker := reliability.NewCircuitBreaker(reliability.WithFailureThreshold(1), reliability.WithTimeout(time.Hour))
	invoker := NewInvoker(newDomain(t), WithCircuitBreaker(breaker))

	_, err := invoker.Invoke(context.Background(), "Quotes", contracts.NewMessage(contracts.WithContent("")))
	assert.True(t, messaging.IsFault(err))

	_, err = invoker.Invoke(context.Background(), "Quotes", contracts.NewMessage(contracts.WithContent("ACME")))
	assert.ErrorIs(t, err, reliability.ErrCircuitOpen)
}

func TestInvokeTyped(t *testing.T) {
	invoker := NewInvoker(newDomain(t))

	got, err := InvokeTyped[quote](context.Background(), invoker, "Quotes", "XYZ")
	require.NoError(t, err)
	assert.Equal(t, "XYZ", got.Symbol)

	text, err := InvokeTyped[string](context.Background(), invoker, "Quotes", "XYZ")
	require.NoError(t, err)
	assert.JSONEq(t, `{"symbol":"XYZ","price":42.5}`, text)
}
