// Package agent defines the capability registry the engine dispatches task
// actions through, keyed by agent type. The browser agent is the initial
// implementation; the engine never special-cases it.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/stackbrowse/orchestrator/internal/model"
)

// Agent executes one action with resolved parameters. Implementations must
// honor the context deadline and return taxonomy errors so the TaskRunner
// can classify them for retry.
type Agent interface {
	Execute(ctx context.Context, action string, params map[string]interface{}) (map[string]interface{}, error)
}

// Registry maps agent types to their implementations.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds or replaces the agent for a type.
func (r *Registry) Register(agentType string, a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agentType] = a
}

// Get returns the agent for a type. An unknown type is a non-retryable
// definition error.
func (r *Registry) Get(agentType string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentType]
	if !ok {
		return nil, model.NewError(model.ErrInvalidDefinition, "unknown agent type %q", agentType)
	}
	return a, nil
}

// Types returns the registered agent types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for t := range r.agents {
		out = append(out, t)
	}
	return out
}

// String implements fmt.Stringer for log fields.
func (r *Registry) String() string {
	return fmt.Sprintf("agent.Registry(%d types)", len(r.Types()))
}
