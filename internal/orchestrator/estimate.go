package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"validation-backend/internal/core/types"
	"validation-backend/internal/database"
)

const (
	estimateSamples  = 20
	bytesPerSecond   = 10 * 1024
	minimumEstimate  = time.Second
	maximumEstimate  = types.DefaultHardTimeLimit
	defaultBaseClass = 30 * time.Second
)

var baseDurations = map[types.TaskClass]time.Duration{
	types.TaskValidate: 30 * time.Second,
	types.TaskAnalyze:  60 * time.Second,
	types.TaskCompare:  90 * time.Second,
}

var scopeMultipliers = map[string]float64{
	"quick":    0.5,
	"standard": 1,
	"full":     2,
	"deep":     2,
}

// EstimateDuration is advisory. Recent successful runs of the class replace the
// static base when history exists; payload size and scope scale the base.
func (s *Service) EstimateDuration(ctx context.Context, class types.TaskClass, payloadSize int, scope string) time.Duration {
	base, ok := baseDurations[class]
	if !ok {
		base = defaultBaseClass
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StatusTimeout)
	defer cancel()

	avg, found, err := database.AverageDuration(ctx, s.db, string(class), estimateSamples)
	if err != nil {
		slog.Warn("unable to load task history for estimate", "task_class", class, "error", err)
	} else if found {
		base = avg
	}

	estimate := base + time.Duration(payloadSize/bytesPerSecond)*time.Second

	if multiplier, ok := scopeMultipliers[strings.ToLower(strings.TrimSpace(scope))]; ok {
		estimate = time.Duration(float64(estimate) * multiplier)
	}

	return min(max(estimate, minimumEstimate), maximumEstimate)
}
