// Package runtime defines the core contracts shared by pipeline executors and node
// handlers, keeping business logic decoupled from execution mechanics.
package runtime

import (
	"context"

	"github.com/polisai/polis-tcp/pkg/domain"
)

// NodeOutcome captures the classification of a node execution result and guides
// the next hop in the pipeline.
type NodeOutcome string

const (
	// OutcomeSuccess indicates the node completed work and the happy-path edge should be taken.
	OutcomeSuccess NodeOutcome = "success"
	// OutcomeFailure indicates the node failed without a more specific classification.
	OutcomeFailure NodeOutcome = "failure"
	// OutcomeTimeout indicates a network deadline elapsed.
	OutcomeTimeout NodeOutcome = "timeout"
	// OutcomeDeny indicates a policy refused the target.
	OutcomeDeny NodeOutcome = "deny"
)

// NodeResult bundles the outcome, optional next-node hint, and the message
// handed to the next node.
type NodeResult struct {
	Outcome  NodeOutcome
	NextHint string
	Message  *domain.Message
}

// WithDefaults ensures the outcome is set even when handlers omit it.
func (r NodeResult) WithDefaults() NodeResult {
	if r.Outcome == "" {
		r.Outcome = OutcomeSuccess
	}
	return r
}

// Success constructs a success result carrying msg.
func Success(msg *domain.Message) NodeResult {
	return NodeResult{Outcome: OutcomeSuccess, Message: msg}
}

// Failure constructs a failure result carrying msg.
func Failure(msg *domain.Message) NodeResult {
	return NodeResult{Outcome: OutcomeFailure, Message: msg}
}

// NodeHandler executes a pipeline node against one message.
type NodeHandler interface {
	Execute(ctx context.Context, node *domain.PipelineNode, msg *domain.Message) (NodeResult, error)
}
