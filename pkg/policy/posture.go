package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Mode indicates whether target admission fails open or closed when the
// policy itself cannot be evaluated.
type Mode string

const (
	// ModeFailClosed denies the target when evaluation errors.
	ModeFailClosed Mode = "fail-closed"
	// ModeFailOpen admits the target when evaluation errors.
	ModeFailOpen Mode = "fail-open"
)

// ParseMode converts a textual representation into a Mode constant. An empty
// value selects fail-closed.
func ParseMode(value string) (Mode, error) {
	mode := Mode(strings.TrimSpace(strings.ToLower(value)))
	if mode == "" {
		return ModeFailClosed, nil
	}
	if !mode.IsValid() {
		return "", fmt.Errorf("invalid failure mode %q", value)
	}
	return mode, nil
}

// IsValid reports whether the mode is recognised.
func (m Mode) IsValid() bool {
	switch m {
	case ModeFailClosed, ModeFailOpen:
		return true
	default:
		return false
	}
}

// Guard applies a failure mode to an Evaluator.
type Guard struct {
	Evaluator Evaluator
	Mode      Mode
	Logger    *slog.Logger
}

// Evaluate implements Evaluator. Evaluation errors are converted into a
// decision according to the mode and are not returned.
func (g Guard) Evaluate(ctx context.Context, input TargetInput) (Decision, error) {
	if g.Evaluator == nil {
		return Decision{Allow: true}, nil
	}
	decision, err := g.Evaluator.Evaluate(ctx, input)
	if err == nil {
		return decision, nil
	}

	if g.Logger != nil {
		g.Logger.WarnContext(ctx, "target policy evaluation failed",
			"mode", g.Mode,
			"host", input.Host,
			"port", input.Port,
			"error", err,
		)
	}
	if g.Mode == ModeFailOpen {
		return Decision{Allow: true, Reason: "policy error, failing open"}, nil
	}
	return Decision{Reason: fmt.Sprintf("policy error: %v", err)}, nil
}
