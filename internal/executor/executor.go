// Package executor runs keeper jobs. Each job type has one JobExecutor; the
// scheduler only sees the Registry.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// JobExecutor performs the work of one job type. Any returned error fails
// the job, whatever its cause.
type JobExecutor interface {
	Execute(ctx context.Context, job domain.Job) (domain.JobResult, error)
}

// ExecutorFunc adapts a function to JobExecutor.
type ExecutorFunc func(ctx context.Context, job domain.Job) (domain.JobResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, job domain.Job) (domain.JobResult, error) {
	return f(ctx, job)
}

// Registry dispatches jobs to the executor registered for their type. It is
// safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[domain.JobType]JobExecutor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[domain.JobType]JobExecutor)}
}

// Register binds ex to jobType, replacing any earlier binding.
func (r *Registry) Register(jobType domain.JobType, ex JobExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[jobType] = ex
}

// Types returns the registered job types in sorted order.
func (r *Registry) Types() []domain.JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.JobType, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Execute runs job on its type's executor. Unknown types fail with
// domain.ErrNoExecutor.
func (r *Registry) Execute(ctx context.Context, job domain.Job) (domain.JobResult, error) {
	r.mu.RLock()
	ex, ok := r.executors[job.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("executor: job type %q: %w", job.Type, domain.ErrNoExecutor)
	}
	return ex.Execute(ctx, job)
}
