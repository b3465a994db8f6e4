package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/polisai/polis-tcp/pkg/domain"
)

// Snapshot is the immutable representation of a pipeline file (DTO).
type Snapshot struct {
	Generation int64          `json:"generation" yaml:"generation"`
	ReceivedAt time.Time      `json:"receivedAt" yaml:"-"`
	Pipelines  []PipelineSpec `json:"pipelines" yaml:"pipelines"`
}

// PipelineSpec describes one pipeline in the pipeline file.
type PipelineSpec struct {
	ID          string     `json:"id" yaml:"id"`
	Version     int        `json:"version" yaml:"version"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       []NodeSpec `json:"nodes" yaml:"nodes"`
}

// NodeSpec describes one pipeline node. Config is handed to the node
// handler unchanged.
type NodeSpec struct {
	ID     string                 `json:"id" yaml:"id"`
	Type   string                 `json:"type" yaml:"type"`
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	On     EdgeSpec               `json:"on,omitempty" yaml:"on,omitempty"`
}

// EdgeSpec names the next node for each outcome.
type EdgeSpec struct {
	Success string `json:"success,omitempty" yaml:"success,omitempty"`
	Failure string `json:"failure,omitempty" yaml:"failure,omitempty"`
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Else    string `json:"else,omitempty" yaml:"else,omitempty"`
}

// ParseSnapshot decodes a pipeline file (YAML, or JSON as a fallback).
func ParseSnapshot(data []byte) (Snapshot, error) {
	var snapshot Snapshot
	if err := decode(data, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("failed to parse pipeline file: %w", err)
	}
	snapshot.ReceivedAt = time.Now().UTC()
	return snapshot, nil
}

// ToDomain converts the snapshot to domain pipelines. Structural validation
// of the graph happens when the pipelines are installed in a registry.
func (s Snapshot) ToDomain() ([]domain.Pipeline, error) {
	pipelines := make([]domain.Pipeline, 0, len(s.Pipelines))
	for i, ps := range s.Pipelines {
		if strings.TrimSpace(ps.ID) == "" {
			return nil, NewConfigMissingError(fmt.Sprintf("pipelines[%d].id", i))
		}
		pipelines = append(pipelines, ps.ToDomain())
	}
	return pipelines, nil
}

// ToDomain converts PipelineSpec to domain.Pipeline.
func (s PipelineSpec) ToDomain() domain.Pipeline {
	nodes := make([]domain.PipelineNode, len(s.Nodes))
	for i, n := range s.Nodes {
		nodes[i] = n.ToDomain()
	}

	return domain.Pipeline{
		ID:          strings.TrimSpace(s.ID),
		Version:     s.Version,
		Description: s.Description,
		Nodes:       nodes,
	}
}

// ToDomain converts NodeSpec to domain.PipelineNode.
func (s NodeSpec) ToDomain() domain.PipelineNode {
	cfg := make(map[string]interface{}, len(s.Config))
	for k, v := range s.Config {
		cfg[k] = v
	}
	return domain.PipelineNode{
		ID:     strings.TrimSpace(s.ID),
		Type:   strings.TrimSpace(s.Type),
		Config: cfg,
		On: domain.NodeHandlers{
			Success: s.On.Success,
			Failure: s.On.Failure,
			Timeout: s.On.Timeout,
			Else:    s.On.Else,
		},
	}
}
