package target

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory constructs an executor from shared dependencies.
type Factory func(deps Deps) (Executor, error)

// Built-in target names.
const (
	NameLocal        = "local"
	NameDocker       = "docker"
	NameHCloud       = "hcloud"
	NameOrchestrator = "orchestrator"
)

var factories = map[string]Factory{
	NameLocal:        func(d Deps) (Executor, error) { return NewLocal(d) },
	NameDocker:       func(d Deps) (Executor, error) { return NewDocker(d) },
	NameHCloud:       func(d Deps) (Executor, error) { return NewHCloud(d) },
	NameOrchestrator: func(d Deps) (Executor, error) { return NewOrchestrator(d) },
}

// Registry maps target names to executors. It is built once at startup and
// read concurrently by every task.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds an executor under its own name. It panics on a nil executor,
// an empty name or a duplicate registration.
func (r *Registry) Register(e Executor) {
	if e == nil {
		panic("target: Register executor is nil")
	}
	name := normalize(e.Name())
	if name == "" {
		panic("target: Register executor has empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.executors[name]; dup {
		panic(fmt.Sprintf("target: Register called twice for %q", name))
	}
	r.executors[name] = e
}

// Get resolves a target name. Unknown names yield *UnknownTargetError.
func (r *Registry) Get(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[normalize(name)]
	if !ok {
		return nil, &UnknownTargetError{Name: name}
	}
	return e, nil
}

// Names returns the registered target names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for n := range r.executors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build constructs a registry holding the enabled built-in targets. An empty
// list enables the local target only.
func Build(deps Deps, enabled []string) (*Registry, error) {
	if len(enabled) == 0 {
		enabled = []string{NameLocal}
	}
	r := NewRegistry()
	seen := make(map[string]bool, len(enabled))
	for _, raw := range enabled {
		name := normalize(raw)
		if seen[name] {
			continue
		}
		seen[name] = true
		factory, ok := factories[name]
		if !ok {
			return nil, &UnknownTargetError{Name: raw}
		}
		e, err := factory(deps)
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", name, err)
		}
		r.Register(e)
	}
	return r, nil
}
