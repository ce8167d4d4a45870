package instances

import (
	"context"
	"strconv"
	"sync"

	"github.com/nextlevelbuilder/teleclaw/internal/agentapi"
)

// DefaultType is the agent flavour used when a spawn request names none.
const DefaultType = "opencode"

// AgentType describes how to launch and probe one flavour of agent.
// Registering a new flavour is the extension point for agents with a
// different CLI surface or health contract.
type AgentType struct {
	Name string
	// Args yields the argv appended to the configured agent command so
	// the server binds the given port.
	Args func(port int) []string
	// Health probes a supposedly-ready agent. Nil means the standard
	// HTTP health endpoint.
	Health func(ctx context.Context, client *agentapi.Client) error
}

func (t AgentType) probe(ctx context.Context, client *agentapi.Client) error {
	if t.Health != nil {
		return t.Health(ctx, client)
	}
	return client.Health(ctx)
}

// TypeRegistry maps type tags to spawn strategies.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]AgentType
}

// NewTypeRegistry returns a registry pre-populated with the default
// opencode flavour.
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{types: make(map[string]AgentType)}
	r.Register(AgentType{
		Name: DefaultType,
		Args: func(port int) []string {
			return []string{"serve", "--port", strconv.Itoa(port), "--hostname", "127.0.0.1"}
		},
	})
	return r
}

// Register adds or replaces a type.
func (r *TypeRegistry) Register(t AgentType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t.Name] = t
}

// Get resolves a type tag; the empty tag yields the default type.
func (r *TypeRegistry) Get(name string) (AgentType, bool) {
	if name == "" {
		name = DefaultType
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Names lists the registered type tags.
func (r *TypeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	return names
}
