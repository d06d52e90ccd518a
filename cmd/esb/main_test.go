package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const descriptor = `
services:
  - name: Orders
    version: "1.0.0"
    operations:
      - name: Create
        pattern: IN_OUT
  - name: Inventory
    reference: inventory-out
bindings:
  - name: orders-http
    type: http
    service: Orders
  - name: inventory-out
    type: http.reference
    service: Inventory
    properties:
      address: http://inventory:8080
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateAndServices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "esb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(descriptor), 0o600))

	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "2 services, 2 bindings")

	out, err = execute(t, "services", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Create IN_OUT")
	assert.Contains(t, out, "(local)")
	assert.Contains(t, out, "inventory-out")
	assert.Contains(t, out, "http.reference")
}

func TestValidate_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "esb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bindings:\n  - type: http\n"), 0o600))

	_, err := execute(t, "validate", "--config", path)
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "json", "debug")
	require.NoError(t, err)
	logger.Debug("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	_, err = newLogger(&buf, "xml", "info")
	assert.Error(t, err)
	_, err = newLogger(&buf, "text", "loud")
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "orders", truncate("orders", 10))
	assert.Equal(t, "order-s...", truncate("order-service-http", 10))
}
