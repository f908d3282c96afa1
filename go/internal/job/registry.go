package job

import (
	"fmt"
	"sync"
)

// Registry maps job types to their initializers.
type Registry struct {
	mu           sync.RWMutex
	initializers map[JobType]JobInitializer
	retry        map[JobType]RetrySettings
}

func NewRegistry() *Registry {
	return &Registry{
		initializers: make(map[JobType]JobInitializer),
		retry:        make(map[JobType]RetrySettings),
	}
}

// Add registers init, replacing any initializer for the same type.
func (r *Registry) Add(init JobInitializer) {
	settings := DefaultRetrySettings()
	if p, ok := init.(RetrySettingsProvider); ok {
		settings = p.RetryOnErrorSettings()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.initializers[init.JobType()] = init
	r.retry[init.JobType()] = settings
}

func (r *Registry) Has(t JobType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.initializers[t]
	return ok
}

// InitJob builds a runner for job.
func (r *Registry) InitJob(job *Job) (JobRunner, error) {
	r.mu.RLock()
	init, ok := r.initializers[job.JobType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoInitializerPresent, job.JobType)
	}
	return init.Init(job)
}

// RetrySettings returns the settings for t, or the defaults when t is unknown.
func (r *Registry) RetrySettings(t JobType) RetrySettings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.retry[t]; ok {
		return s
	}
	return DefaultRetrySettings()
}

// Types returns the registered job types.
func (r *Registry) Types() []JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]JobType, 0, len(r.initializers))
	for t := range r.initializers {
		types = append(types, t)
	}
	return types
}
