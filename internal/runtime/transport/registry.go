// Package transport builds the Watermill publishers the producer hands
// submissions to.
package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Settings carries what publisher builders need from the configuration.
type Settings struct {
	AMQPURL string
}

// Builder opens a publisher. Callers close it after use.
type Builder func(ctx context.Context, s Settings, logger watermill.LoggerAdapter) (message.Publisher, error)

// Capabilities describes a publisher backend.
type Capabilities struct {
	Name string `json:"name"`
	// Durable publishers survive a process restart.
	Durable bool `json:"durable"`
	// CrossProcess publishers can be consumed by another process.
	CrossProcess bool `json:"cross_process"`
}

// Registry maps publisher names to builders.
type Registry struct {
	mu           sync.RWMutex
	builders     map[string]Builder
	capabilities map[string]Capabilities
}

// DefaultRegistry holds the built-in publishers.
var DefaultRegistry = NewRegistry()

func init() {
	DefaultRegistry.Register(RabbitMQ, rabbitMQBuilder, Capabilities{Name: RabbitMQ, Durable: true, CrossProcess: true})
	DefaultRegistry.Register(Channel, channelBuilder, Capabilities{Name: Channel})
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:     make(map[string]Builder),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds or replaces a builder.
func (r *Registry) Register(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caps.Name == "" {
		caps.Name = name
	}
	r.builders[name] = builder
	r.capabilities[name] = caps
}

// Capabilities returns what is known about a publisher. Unknown names yield
// a zero value carrying only the name.
func (r *Registry) Capabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[name]; ok {
		return caps
	}
	return Capabilities{Name: name}
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}

// Build opens the publisher registered under name.
func (r *Registry) Build(ctx context.Context, name string, s Settings, logger watermill.LoggerAdapter) (message.Publisher, error) {
	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown publisher: %q (registered: %v)", name, r.Names())
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return builder(ctx, s, logger)
}

// Names returns the registered publisher names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
