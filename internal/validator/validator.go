package validator

import (
	"context"
	"encoding/json"
	"validation-backend/internal/core/types"
)

type Request struct {
	TaskId    string
	TaskClass types.TaskClass
	Payload   json.RawMessage
}

// ProgressFunc receives the validator's own progress in [0, 100].
type ProgressFunc func(progress int, message string)

// Session is the outcome of a validation run.
type Session struct {
	SessionId     string         `json:"session_id"`
	Passed        bool           `json:"passed"`
	FidelityScore float64        `json:"fidelity_score"`
	Summary       string         `json:"summary,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

type Validator interface {
	Validate(ctx context.Context, req Request, progress ProgressFunc) (*Session, error)
}

type ValidatorFunc func(ctx context.Context, req Request, progress ProgressFunc) (*Session, error)

func (f ValidatorFunc) Validate(ctx context.Context, req Request, progress ProgressFunc) (*Session, error) {
	return f(ctx, req, progress)
}

func report(progress ProgressFunc, value int, message string) {
	if progress != nil {
		progress(value, message)
	}
}
