package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/polisai/polis-tcp/pkg/domain"
)

// PipelineRegistry maintains the active set of pipelines. Updates replace the
// whole set atomically; executions already holding a pipeline keep using it.
//
//nolint:revive // Name PipelineRegistry is intentional for clarity
type PipelineRegistry struct {
	mu         sync.RWMutex
	pipelines  map[string]*domain.Pipeline
	generation int64
	logger     *slog.Logger
}

// NewPipelineRegistry creates an empty pipeline registry.
func NewPipelineRegistry(logger *slog.Logger) *PipelineRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &PipelineRegistry{
		pipelines: make(map[string]*domain.Pipeline),
		logger:    logger.With("component", "pipeline_registry"),
	}
}

// UpdatePipelines validates and installs a new pipeline set.
func (pr *PipelineRegistry) UpdatePipelines(pipelines []domain.Pipeline) error {
	if err := validatePipelines(pipelines); err != nil {
		return fmt.Errorf("pipeline validation failed: %w", err)
	}

	next := make(map[string]*domain.Pipeline, len(pipelines))
	for i := range pipelines {
		p := pipelines[i]
		next[p.ID] = &p
	}

	pr.mu.Lock()
	pr.pipelines = next
	pr.generation++
	generation := pr.generation
	pr.mu.Unlock()

	pr.logger.Info("pipeline registry updated",
		slog.Int64("generation", generation),
		slog.Int("pipeline_count", len(next)))
	return nil
}

// GetPipeline returns a specific pipeline by ID.
func (pr *PipelineRegistry) GetPipeline(pipelineID string) (*domain.Pipeline, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	p, ok := pr.pipelines[pipelineID]
	return p, ok
}

// ListPipelines returns a copy of all registered pipelines ordered by ID.
func (pr *PipelineRegistry) ListPipelines() []domain.Pipeline {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	result := make([]domain.Pipeline, 0, len(pr.pipelines))
	for _, p := range pr.pipelines {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Generation returns the number of successful updates.
func (pr *PipelineRegistry) Generation() int64 {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return pr.generation
}

// validatePipelines performs structural validation on pipeline definitions.
func validatePipelines(pipelines []domain.Pipeline) error {
	seenIDs := make(map[string]bool)

	for i, p := range pipelines {
		if p.ID == "" {
			return fmt.Errorf("pipeline[%d]: ID is required", i)
		}
		if seenIDs[p.ID] {
			return fmt.Errorf("pipeline[%d]: duplicate ID %q", i, p.ID)
		}
		seenIDs[p.ID] = true

		if len(p.Nodes) == 0 {
			return fmt.Errorf("pipeline[%d] %q: at least one node is required", i, p.ID)
		}

		nodeIDs := make(map[string]bool)
		for j, node := range p.Nodes {
			if node.ID == "" {
				return fmt.Errorf("pipeline[%d] %q node[%d]: ID is required", i, p.ID, j)
			}
			if nodeIDs[node.ID] {
				return fmt.Errorf("pipeline[%d] %q: duplicate node ID %q", i, p.ID, node.ID)
			}
			if node.Type == "" {
				return fmt.Errorf("pipeline[%d] %q node %q: type is required", i, p.ID, node.ID)
			}
			nodeIDs[node.ID] = true
		}

		for _, node := range p.Nodes {
			for _, target := range []string{node.On.Success, node.On.Failure, node.On.Timeout, node.On.Else} {
				if target != "" && !nodeIDs[target] {
					return fmt.Errorf("pipeline[%d] %q node %q: unknown edge target %q", i, p.ID, node.ID, target)
				}
			}
		}
	}

	return nil
}
