package engine

import (
	"log/slog"
	"sync"

	"stepflow/internal/domain"
)

// Registry holds the named workflow definitions. Definitions are validated on
// registration and immutable afterwards; re-registering an id replaces it.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*domain.WorkflowDefinition
	logger    *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		workflows: make(map[string]*domain.WorkflowDefinition),
		logger:    logger.With("component", "registry"),
	}
}

func (r *Registry) Register(workflow *domain.WorkflowDefinition) error {
	unreachable, err := workflow.Validate()
	if err != nil {
		return err
	}
	if len(unreachable) > 0 {
		r.logger.Warn("workflow has steps unreachable from the start step",
			"workflow", workflow.ID, "steps", unreachable)
	}

	r.mu.Lock()
	r.workflows[workflow.ID] = workflow
	r.mu.Unlock()

	r.logger.Info("workflow registered", "workflow", workflow.ID, "steps", len(workflow.Steps))
	return nil
}

func (r *Registry) Get(workflowID string) (*domain.WorkflowDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[workflowID]
	return wf, ok
}

func (r *Registry) All() []*domain.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*domain.WorkflowDefinition, 0, len(r.workflows))
	for _, wf := range r.workflows {
		all = append(all, wf)
	}
	return all
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.workflows))
	for id := range r.workflows {
		ids = append(ids, id)
	}
	return ids
}
