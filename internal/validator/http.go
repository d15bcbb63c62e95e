package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"validation-backend/internal/core/types"

	"github.com/go-resty/resty/v2"
)

// HTTPValidator delegates validation to a remote service that accepts
// POST /validate and replies with a Session.
type HTTPValidator struct {
	client *resty.Client
}

func NewHTTPValidator(baseURL string, timeout time.Duration) *HTTPValidator {
	return &HTTPValidator{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
	}
}

type validateRequest struct {
	TaskId    string          `json:"task_id"`
	TaskClass string          `json:"task_class"`
	Payload   json.RawMessage `json:"payload"`
}

func (v *HTTPValidator) Validate(ctx context.Context, req Request, progress ProgressFunc) (*Session, error) {
	report(progress, 0, "sending request to validation service")

	res, err := v.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(validateRequest{TaskId: req.TaskId, TaskClass: string(req.TaskClass), Payload: req.Payload}).
		Post("/validate")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Error("unable to reach validation service", "task_id", req.TaskId, "error", err)
		return nil, fmt.Errorf("%w: unable to reach validation service: %w", types.ErrValidatorFailure, err)
	}

	if !res.IsSuccess() {
		slog.Error("validation service returned error", "task_id", req.TaskId, "status_code", res.StatusCode(), "body", res.String())
		return nil, fmt.Errorf("%w: validation service returned %d: %s", types.ErrValidatorFailure, res.StatusCode(), res.String())
	}

	report(progress, 90, "parsing validation response")

	var session Session
	if err := json.Unmarshal(res.Body(), &session); err != nil {
		return nil, fmt.Errorf("%w: invalid response from validation service: %w", types.ErrValidatorFailure, err)
	}
	if session.SessionId == "" {
		session.SessionId = req.TaskId
	}

	report(progress, 100, "validation complete")
	return &session, nil
}
