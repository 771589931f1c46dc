package executor

import (
	"sort"
	"sync"

	"github.com/evergreen-ai/evergreen/internal/logging"
)

// Registry manages executor registration and target lookup.
type Registry struct {
	mu    sync.RWMutex
	execs map[string]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{execs: make(map[string]Executor)}
}

// Register adds an executor under its target name. Later registrations
// replace earlier ones.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	log := logging.Component("executor")
	log.Debug().Str("target", e.Name()).Msg("registering executor")
	r.execs[e.Name()] = e
}

// Get retrieves an executor by target ID.
func (r *Registry) Get(target string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.execs[target]
	return e, ok
}

// Names returns all registered target IDs, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.execs))
	for name := range r.execs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry creates a registry with the built-in executors.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewGenerateExecutor())
	r.Register(NewConcatExecutor())
	return r
}
