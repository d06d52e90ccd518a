package activation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-esb/binding"
	"github.com/glimte/mmate-esb/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockActivator struct {
	mock.Mock
}

func (m *MockActivator) Types() []string {
	args := m.Called()
	return args.Get(0).([]string)
}

func (m *MockActivator) Activate(ctx context.Context, name string, cfg BindingConfig) (ServiceHandler, error) {
	args := m.Called(ctx, name, cfg)
	if h := args.Get(0); h != nil {
		return h.(ServiceHandler), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockActivator) Deactivate(ctx context.Context, name string, handler ServiceHandler) error {
	args := m.Called(ctx, name, handler)
	return args.Error(0)
}

type stubHandler struct {
	Lifecycle
	startErr error
	stops    int
}

func (h *stubHandler) HandleMessage(ex *messaging.Exchange) error { return nil }
func (h *stubHandler) HandleFault(ex *messaging.Exchange) error   { return nil }

func (h *stubHandler) Start(ctx context.Context) error {
	if h.startErr != nil {
		h.SetState(HandlerFailed)
		return h.startErr
	}
	h.SetState(HandlerStarted)
	return nil
}

func (h *stubHandler) Stop(ctx context.Context) error {
	h.stops++
	h.SetState(HandlerStopped)
	return nil
}

func newRuntime(t *testing.T, activator Activator) *Runtime {
	t.Helper()
	r, err := NewRuntime(messaging.NewDomain(), WithActivator(activator))
	require.NoError(t, err)
	return r
}

func TestRuntime_ActivateDeactivate(t *testing.T) {
	ctx := context.Background()
	activator := new(MockActivator)
	activator.On("Types").Return([]string{"stub", "stub.reference"})

	handler := &stubHandler{}
	cfg := BindingConfig{Name: "orders-in", Type: "stub", Service: "Orders"}
	activator.On("Activate", ctx, "orders-in", cfg).Return(handler, nil)
	activator.On("Deactivate", ctx, "orders-in", handler).Return(nil)

	r := newRuntime(t, activator)
	assert.Equal(t, []string{"stub", "stub.reference"}, r.Types())

	got, err := r.Activate(ctx, cfg)
	require.NoError(t, err)
	assert.Same(t, handler, got)
	assert.Equal(t, HandlerStarted, got.State())

	_, err = r.Activate(ctx, cfg)
	assert.ErrorIs(t, err, ErrAlreadyActive)

	h, ok := r.Handler("orders-in")
	assert.True(t, ok)
	assert.Same(t, handler, h)
	require.Len(t, r.Handlers(), 1)
	assert.Equal(t, "orders-in", r.Handlers()[0].Name)

	require.NoError(t, r.Deactivate(ctx, "orders-in"))
	assert.Equal(t, HandlerStopped, handler.State())
	assert.Equal(t, 1, handler.stops)
	assert.Empty(t, r.Handlers())

	assert.ErrorIs(t, r.Deactivate(ctx, "orders-in"), ErrNotActive)
	activator.AssertExpectations(t)
}

func TestRuntime_UnknownType(t *testing.T) {
	activator := new(MockActivator)
	activator.On("Types").Return([]string{"stub"})
	r := newRuntime(t, activator)

	_, err := r.Activate(context.Background(), BindingConfig{Name: "x", Type: "jms"})
	assert.ErrorIs(t, err, ErrUnknownBindingType)

	_, err = r.Activate(context.Background(), BindingConfig{Type: "stub"})
	assert.ErrorIs(t, err, ErrInvalidBinding)
}

func TestRuntime_ActivationFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("activator error releases the name", func(t *testing.T) {
		activator := new(MockActivator)
		activator.On("Types").Return([]string{"stub"})
		cfg := BindingConfig{Name: "a", Type: "stub"}
		activator.On("Activate", ctx, "a", cfg).Return(nil, errors.New("no broker")).Once()

		r := newRuntime(t, activator)
		_, err := r.Activate(ctx, cfg)
		assert.ErrorContains(t, err, "no broker")
		_, ok := r.Handler("a")
		assert.False(t, ok)

		handler := &stubHandler{}
		activator.On("Activate", ctx, "a", cfg).Return(handler, nil).Once()
		_, err = r.Activate(ctx, cfg)
		assert.NoError(t, err)
	})

	t.Run("start failure deactivates", func(t *testing.T) {
		activator := new(MockActivator)
		activator.On("Types").Return([]string{"stub"})
		cfg := BindingConfig{Name: "b", Type: "stub"}
		handler := &stubHandler{startErr: errors.New("port in use")}
		activator.On("Activate", ctx, "b", cfg).Return(handler, nil)
		activator.On("Deactivate", ctx, "b", handler).Return(nil)

		r := newRuntime(t, activator)
		_, err := r.Activate(ctx, cfg)
		assert.ErrorContains(t, err, "port in use")
		assert.Empty(t, r.Handlers())
		activator.AssertCalled(t, "Deactivate", ctx, "b", handler)
	})
}

func TestRuntime_DeactivateAll(t *testing.T) {
	ctx := context.Background()
	activator := new(MockActivator)
	activator.On("Types").Return([]string{"stub"})
	activator.On("Activate", ctx, "one", mock.Anything).Return(&stubHandler{}, nil)
	activator.On("Activate", ctx, "two", mock.Anything).Return(&stubHandler{}, nil)
	activator.On("Deactivate", ctx, "one", mock.Anything).Return(nil)
	activator.On("Deactivate", ctx, "two", mock.Anything).Return(errors.New("stuck"))

	r := newRuntime(t, activator)
	for _, name := range []string{"one", "two"} {
		_, err := r.Activate(ctx, BindingConfig{Name: name, Type: "stub"})
		require.NoError(t, err)
	}

	err := r.DeactivateAll(ctx)
	assert.ErrorContains(t, err, "stuck")
	assert.Empty(t, r.Handlers())
}

func TestRuntime_DuplicateActivatorType(t *testing.T) {
	first := new(MockActivator)
	first.On("Types").Return([]string{"stub"})
	second := new(MockActivator)
	second.On("Types").Return([]string{"stub"})

	_, err := NewRuntime(messaging.NewDomain(), WithActivator(first), WithActivator(second))
	assert.Error(t, err)
	_, err = NewRuntime(nil)
	assert.Error(t, err)
}

func TestBindingConfig(t *testing.T) {
	cfg := BindingConfig{
		Name:       "quotes",
		Service:    "Quotes",
		Selector:   &binding.OperationSelectorConfig{Type: "xml"},
		Properties: map[string]string{"path": "/quotes", "workers": "4", "bad": "x", "declare": "true", "timeout": "2s"},
	}

	p, err := cfg.ExchangePattern()
	require.NoError(t, err)
	assert.Equal(t, messaging.InOut, p)

	assert.Equal(t, "/quotes", cfg.Property("path", "/"))
	assert.Equal(t, "GET", cfg.Property("method", "GET"))
	n, err := cfg.IntProperty("workers", 1)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	_, err = cfg.IntProperty("bad", 1)
	assert.ErrorIs(t, err, ErrInvalidBinding)
	_, err = cfg.RequireProperty("address")
	assert.ErrorIs(t, err, ErrInvalidBinding)

	declare, err := cfg.BoolProperty("declare", false)
	require.NoError(t, err)
	assert.True(t, declare)
	_, err = cfg.BoolProperty("bad", false)
	assert.ErrorIs(t, err, ErrInvalidBinding)
	timeout, err := cfg.DurationProperty("timeout", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, timeout)
	timeout, err = cfg.DurationProperty("missing", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, timeout)

	ep, err := cfg.Endpoint(messaging.NewDomain(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, binding.XMLSelector{}, ep.Selector)
	assert.Equal(t, "Quotes", ep.Service)

	_, err = BindingConfig{Name: "x"}.Endpoint(messaging.NewDomain(), nil, nil)
	assert.ErrorIs(t, err, ErrInvalidBinding)
	_, err = BindingConfig{Name: "x", Service: "S", Pattern: "sometimes"}.Endpoint(messaging.NewDomain(), nil, nil)
	assert.ErrorIs(t, err, ErrInvalidBinding)
}

func TestHandlerState_String(t *testing.T) {
	assert.Equal(t, "STARTED", HandlerStarted.String())
	assert.Equal(t, "HandlerState(9)", HandlerState(9).String())
}
