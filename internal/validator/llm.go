package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"validation-backend/internal/core/types"

	"github.com/tmc/langchaingo/llms"
)

const systemPrompt = `You review the output of a data transformation. Reply with a single JSON object and nothing else:
{"passed": <bool>, "fidelity_score": <number between 0 and 1>, "summary": "<one sentence>"}`

// LLMValidator asks a language model for a verdict on the task payload.
type LLMValidator struct {
	model llms.Model
}

func NewLLMValidator(model llms.Model) *LLMValidator {
	return &LLMValidator{model: model}
}

func buildPrompt(req Request) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n", req.TaskClass)
	switch req.TaskClass {
	case types.TaskCompare:
		sb.WriteString("Compare the source and target below and judge whether the target preserves the source.\n")
	case types.TaskAnalyze:
		sb.WriteString("Analyze the input below and judge whether it is internally consistent.\n")
	default:
		sb.WriteString("Validate the input below and judge whether it is correct.\n")
	}
	sb.WriteString("Input:\n")
	sb.Write(req.Payload)
	return sb.String()
}

// parseVerdict extracts the first JSON object from the reply, which models
// often wrap in prose or code fences.
func parseVerdict(reply string) (*Session, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in model reply")
	}

	var session Session
	if err := json.Unmarshal([]byte(reply[start:end+1]), &session); err != nil {
		return nil, fmt.Errorf("unable to parse model reply: %w", err)
	}
	if session.FidelityScore < 0 || session.FidelityScore > 1 {
		return nil, fmt.Errorf("fidelity score %v out of range", session.FidelityScore)
	}
	return &session, nil
}

func (v *LLMValidator) Validate(ctx context.Context, req Request, progress ProgressFunc) (*Session, error) {
	report(progress, 0, "building prompt")

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, buildPrompt(req)),
	}

	report(progress, 10, "waiting for model")
	resp, err := v.model.GenerateContent(ctx, messages, llms.WithTemperature(0))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Error("error calling language model", "task_id", req.TaskId, "error", err)
		return nil, fmt.Errorf("%w: %w", types.ErrValidatorFailure, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: model returned no choices", types.ErrValidatorFailure)
	}

	report(progress, 90, "parsing verdict")
	session, err := parseVerdict(resp.Choices[0].Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrValidatorFailure, err)
	}
	session.SessionId = req.TaskId

	report(progress, 100, "validation complete")
	return session, nil
}
