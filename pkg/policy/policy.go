package policy

import (
	"context"
	"strings"
)

// TargetInput is the document a target policy sees as `input`.
type TargetInput struct {
	Host       string
	Port       int
	TLS        bool
	Originator string
}

func (in TargetInput) toMap() map[string]any {
	return map[string]any{
		"host":       strings.ToLower(strings.TrimSpace(in.Host)),
		"port":       in.Port,
		"tls":        in.TLS,
		"originator": in.Originator,
	}
}

// Decision is the result of a target policy evaluation.
type Decision struct {
	Allow  bool
	Reason string
}

// Evaluator decides whether a connection target may be contacted.
type Evaluator interface {
	Evaluate(ctx context.Context, input TargetInput) (Decision, error)
}

// AllowAll admits every target.
type AllowAll struct{}

// Evaluate implements Evaluator.
func (AllowAll) Evaluate(context.Context, TargetInput) (Decision, error) {
	return Decision{Allow: true}, nil
}
