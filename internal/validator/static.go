package validator

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// StaticValidator produces a deterministic verdict derived from the payload
// bytes. It is used for local development and tests.
type StaticValidator struct {
	Steps     int
	StepDelay time.Duration
}

func (v StaticValidator) Validate(ctx context.Context, req Request, progress ProgressFunc) (*Session, error) {
	steps := max(v.Steps, 1)
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(v.StepDelay):
		}
		report(progress, i*100/steps, fmt.Sprintf("step %d of %d", i, steps))
	}

	sum := sha256.Sum256(req.Payload)
	score := 0.5 + float64(binary.BigEndian.Uint16(sum[:2]))/float64(2*0xffff)

	return &Session{
		SessionId:     req.TaskId,
		Passed:        score >= 0.75,
		FidelityScore: score,
		Summary:       fmt.Sprintf("%s completed in %d steps", req.TaskClass, steps),
	}, nil
}
