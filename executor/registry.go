package executor

import (
	"sync"

	"github.com/c360studio/orchard/store"
)

// Registry dispatches task keys to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]TaskExecutor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]TaskExecutor)}
}

// Settings are the configuration knobs the built-in executors consume.
type Settings struct {
	// EventWaitPollIntervalSeconds is the default defer interval for
	// wait_for_event tasks that do not set poll_interval_seconds.
	EventWaitPollIntervalSeconds int
}

// DefaultRegistry returns a registry with the built-in executors
// registered: noop, sleep, wait_for_event, and publish_event.
func DefaultRegistry(st store.Store, settings Settings) *Registry {
	r := NewRegistry()
	r.Register("noop", &NoopExecutor{})
	r.Register("sleep", &SleepExecutor{})
	r.Register("wait_for_event", &WaitForEventExecutor{Store: st, Settings: settings})
	r.Register("publish_event", &PublishEventExecutor{Store: st})
	return r
}

// Register binds an executor to a task key, replacing any previous binding.
func (r *Registry) Register(taskKey string, e TaskExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[taskKey] = e
}

// Get returns the executor for a task key, or nil.
func (r *Registry) Get(taskKey string) TaskExecutor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.executors[taskKey]
}

// Keys returns the registered task keys.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.executors))
	for k := range r.executors {
		keys = append(keys, k)
	}
	return keys
}
