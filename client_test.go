package mmate

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glimte/mmate-esb/config"
	"github.com/glimte/mmate-esb/contracts"
	"github.com/glimte/mmate-esb/internal/journal"
	"github.com/glimte/mmate-esb/messaging"
	"github.com/glimte/mmate-esb/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echoDescriptor = `
domain:
  name: edge
services:
  - name: Echo
    version: "1.0.0"
bindings:
  - name: echo-http
    type: http
    service: Echo
    properties:
      path: /echo
`

func echo() messaging.ExchangeHandler {
	return messaging.MessageHandlerFunc(func(ex *messaging.Exchange) error {
		reply := ex.CreateMessage()
		_ = reply.SetContent(ex.Message().Content())
		return ex.Send(reply)
	})
}

func startBus(t *testing.T, descriptor string, opts ...BusOption) *Bus {
	t.Helper()
	cfg, err := config.Parse([]byte(descriptor))
	require.NoError(t, err)
	opts = append([]BusOption{WithMetricsRegistry(prometheus.NewRegistry())}, opts...)
	bus, err := NewBus(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	return bus
}

func get(t *testing.T, srv *httptest.Server, path string) (int, string) {
	t.Helper()
	res, err := srv.Client().Get(srv.URL + path)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, string(body)
}

func TestBus_InboundHTTP(t *testing.T) {
	bus := startBus(t, echoDescriptor, WithProvider("Echo", echo()))

	srv := httptest.NewServer(bus.Handler())
	defer srv.Close()

	res, err := srv.Client().Post(srv.URL+"/echo", "text/plain", strings.NewReader("hello"))
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "hello", string(body))

	admin := httptest.NewServer(bus.AdminHandler())
	defer admin.Close()

	code, body2 := get(t, admin, "/services")
	assert.Equal(t, http.StatusOK, code)
	var services []ServiceInfo
	require.NoError(t, json.Unmarshal([]byte(body2), &services))
	require.Len(t, services, 1)
	assert.Equal(t, "Echo", services[0].Name)
	assert.Equal(t, "1.0.0", services[0].Version)

	code, body2 = get(t, admin, "/bindings")
	assert.Equal(t, http.StatusOK, code)
	var bindings []BindingInfo
	require.NoError(t, json.Unmarshal([]byte(body2), &bindings))
	assert.Equal(t, []BindingInfo{{Name: "echo-http", Type: "http", Service: "Echo", State: "STARTED"}}, bindings)

	code, body2 = get(t, admin, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body2, `esb_exchange_started_total{pattern="IN_OUT",service="Echo"} 1`)
	assert.Contains(t, body2, `esb_handler_requests_total{operation="",service="Echo"} 1`)

	var history []journal.Entry
	require.Eventually(t, func() bool {
		_, out := get(t, admin, "/exchanges?service=Echo")
		return json.Unmarshal([]byte(out), &history) == nil && len(history) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "OUT", history[0].Phase)
	assert.Equal(t, "1.0.0", history[0].Version)

	code, _ = get(t, admin, "/exchanges/"+history[0].ExchangeID)
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, admin, "/exchanges/missing")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = get(t, admin, "/exchanges?limit=x")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = get(t, admin, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	code, body2 = get(t, admin, "/livez")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", body2)
}

func TestBus_ReferenceProvider(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		in, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("quote:" + string(in)))
	}))
	defer backend.Close()

	bus := startBus(t, `
services:
  - name: Quotes
    reference: quotes-out
bindings:
  - name: quotes-out
    type: http.reference
    service: Quotes
    properties:
      address: `+backend.URL+`
`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := bus.Invoker().Invoke(ctx, "Quotes", contracts.NewMessage(contracts.WithContent("IBM")))
	require.NoError(t, err)
	assert.Equal(t, "quote:IBM", reply.Content())

	bindings := bus.Bindings()
	require.Len(t, bindings, 1)
	assert.Equal(t, "http.reference", bindings[0].Type)
}

func TestBus_SchemaValidation(t *testing.T) {
	schemas := schema.NewRegistry()
	require.NoError(t, schemas.Register("Order", &schema.Schema{
		Type:     "object",
		Required: []string{"id"},
		Properties: map[string]*schema.Schema{
			"id": {Type: "string"},
		},
	}))

	bus := startBus(t, `
services:
  - name: Orders
    operations:
      - name: place
        pattern: IN_OUT
        inputType: Order
bindings:
  - name: orders-http
    type: http
    service: Orders
    operation: place
    properties:
      path: /orders
`, WithProvider("Orders", echo()), WithSchemas(schemas))

	srv := httptest.NewServer(bus.Handler())
	defer srv.Close()

	res, err := srv.Client().Post(srv.URL+"/orders", "application/json", strings.NewReader(`{"id":"o-1"}`))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = srv.Client().Post(srv.URL+"/orders", "application/json", strings.NewReader(`{"qty":1}`))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
}

func TestBus_StartErrors(t *testing.T) {
	cfg, err := config.Parse([]byte(echoDescriptor))
	require.NoError(t, err)

	bus, err := NewBus(cfg, WithMetricsRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer bus.Close(context.Background())

	err = bus.Start(context.Background())
	assert.ErrorIs(t, err, ErrNoProvider)
	assert.Empty(t, bus.Services())
	assert.Empty(t, bus.Bindings())

	_, err = NewBus(nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestBus_StartTwice(t *testing.T) {
	bus := startBus(t, echoDescriptor, WithProvider("Echo", echo()))
	assert.ErrorIs(t, bus.Start(context.Background()), ErrBusStarted)
}

func TestBus_Close(t *testing.T) {
	cfg, err := config.Parse([]byte(echoDescriptor))
	require.NoError(t, err)
	bus, err := NewBus(cfg, WithMetricsRegistry(prometheus.NewRegistry()), WithProvider("Echo", echo()))
	require.NoError(t, err)
	require.NoError(t, bus.Start(context.Background()))

	require.NoError(t, bus.Close(context.Background()))
	assert.True(t, bus.Domain().Closed())
	assert.Empty(t, bus.Bindings())
	assert.Equal(t, "unhealthy", string(bus.Health().Check(context.Background()).Status))
}
