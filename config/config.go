// Package config loads deployment descriptors: the services a bus hosts and
// the bindings that expose or provide them.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/glimte/mmate-esb/activation"
	"github.com/glimte/mmate-esb/messaging"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is matched by every validation failure
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is a deployment descriptor
type Config struct {
	Domain     DomainConfig               `yaml:"domain"`
	Transports TransportsConfig           `yaml:"transports"`
	Admin      AdminConfig                `yaml:"admin"`
	Services   []ServiceConfig            `yaml:"services"`
	Bindings   []activation.BindingConfig `yaml:"bindings"`
}

// DomainConfig configures the exchange domain
type DomainConfig struct {
	Name            string `yaml:"name"`
	DeliveryWorkers int    `yaml:"deliveryWorkers"`
	DeliveryBuffer  int    `yaml:"deliveryBuffer"`
}

// TransportsConfig holds connection settings shared by bindings of one type
type TransportsConfig struct {
	HTTP  HTTPConfig  `yaml:"http"`
	AMQP  AMQPConfig  `yaml:"amqp"`
	Redis RedisConfig `yaml:"redis"`
}

// HTTPConfig configures the listener inbound HTTP gateways are mounted on
type HTTPConfig struct {
	Address string `yaml:"address"`
}

// AMQPConfig configures the RabbitMQ connection
type AMQPConfig struct {
	URL        string `yaml:"url"`
	MaxRetries int    `yaml:"maxRetries"`
}

// RedisConfig configures the Redis client
type RedisConfig struct {
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AdminConfig configures the metrics and health listener
type AdminConfig struct {
	Address string `yaml:"address"`
}

// ServiceConfig declares a service
type ServiceConfig struct {
	Name       string            `yaml:"name"`
	Version    string            `yaml:"version"`
	Operations []OperationConfig `yaml:"operations"`
	// Reference names the binding that provides the service
	Reference string            `yaml:"reference"`
	Metadata  map[string]string `yaml:"metadata"`
}

// OperationConfig declares one operation of a service
type OperationConfig struct {
	Name       string `yaml:"name"`
	Pattern    string `yaml:"pattern"`
	InputType  string `yaml:"inputType"`
	OutputType string `yaml:"outputType"`
	FaultType  string `yaml:"faultType"`
}

// Load reads and parses the descriptor at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references, decodes data and validates the result.
// Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	cfg := &Config{}
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Domain.Name == "" {
		c.Domain.Name = "default"
	}
	if c.Transports.HTTP.Address == "" {
		c.Transports.HTTP.Address = ":8080"
	}
	if c.Admin.Address == "" {
		c.Admin.Address = ":9090"
	}
	for i := range c.Bindings {
		if c.Bindings[i].Name == "" {
			c.Bindings[i].Name = c.Bindings[i].Service + "-" + c.Bindings[i].Type
		}
	}
}

// Validate checks required fields, name uniqueness, pattern names and
// references between services and bindings. Binding specific properties
// are checked when the binding is activated.
func (c *Config) Validate() error {
	var errs []error
	bindings := make(map[string]activation.BindingConfig, len(c.Bindings))
	for i, b := range c.Bindings {
		switch {
		case b.Type == "":
			errs = append(errs, fmt.Errorf("bindings[%d]: type is required", i))
		case b.Service == "":
			errs = append(errs, fmt.Errorf("bindings[%d]: service is required", i))
		}
		if _, dup := bindings[b.Name]; dup {
			errs = append(errs, fmt.Errorf("bindings[%d]: duplicate name %q", i, b.Name))
		}
		bindings[b.Name] = b
		if _, err := b.ExchangePattern(); err != nil {
			errs = append(errs, fmt.Errorf("bindings[%d]: %v", i, err))
		}
	}

	services := make(map[string]bool, len(c.Services))
	for i, s := range c.Services {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("services[%d]: name is required", i))
			continue
		}
		key := s.Name + "@" + s.Version
		if services[key] {
			errs = append(errs, fmt.Errorf("services[%d]: duplicate service %s", i, key))
		}
		services[key] = true

		for j, op := range s.Operations {
			if op.Name == "" {
				errs = append(errs, fmt.Errorf("services[%d].operations[%d]: name is required", i, j))
			}
			if _, err := messaging.ParsePattern(op.Pattern); err != nil {
				errs = append(errs, fmt.Errorf("services[%d].operations[%d]: %v", i, j, err))
			}
		}

		if s.Reference != "" {
			ref, ok := bindings[s.Reference]
			switch {
			case !ok:
				errs = append(errs, fmt.Errorf("services[%d]: reference %q is not a declared binding", i, s.Reference))
			case !strings.HasSuffix(ref.Type, ".reference"):
				errs = append(errs, fmt.Errorf("services[%d]: binding %q is not a reference", i, s.Reference))
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Service builds the messaging service described by s
func (s ServiceConfig) Service(provider messaging.ExchangeHandler) (*messaging.Service, error) {
	ops := make([]messaging.Operation, 0, len(s.Operations))
	for _, op := range s.Operations {
		pattern, err := messaging.ParsePattern(op.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", ErrInvalidConfig, s.Name, op.Name, err)
		}
		ops = append(ops, messaging.Operation{
			Name:       op.Name,
			Pattern:    pattern,
			InputType:  op.InputType,
			OutputType: op.OutputType,
			FaultType:  op.FaultType,
		})
	}
	metadata := make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		metadata[k] = v
	}
	return &messaging.Service{
		Name:      s.Name,
		Version:   s.Version,
		Interface: messaging.ServiceInterface{Operations: ops},
		Provider:  provider,
		Metadata:  metadata,
	}, nil
}

// Inbound returns the bindings that are not service references
func (c *Config) Inbound() []activation.BindingConfig {
	out := make([]activation.BindingConfig, 0, len(c.Bindings))
	for _, b := range c.Bindings {
		if !strings.HasSuffix(b.Type, ".reference") {
			out = append(out, b)
		}
	}
	return out
}

// Binding returns the binding named name
func (c *Config) Binding(name string) (activation.BindingConfig, bool) {
	for _, b := range c.Bindings {
		if b.Name == name {
			return b, true
		}
	}
	return activation.BindingConfig{}, false
}
