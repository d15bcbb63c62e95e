package api

import (
	"errors"
	"log/slog"
	"net/http"
	"validation-backend/internal/core/types"
	"validation-backend/internal/health"
	"validation-backend/internal/orchestrator"
	"validation-backend/pkg/api"

	"github.com/go-chi/chi/v5"
)

type BackendService struct {
	service *orchestrator.Service
	checker *health.Checker
	metrics *health.Metrics
}

func NewBackendService(service *orchestrator.Service, checker *health.Checker, metrics *health.Metrics) *BackendService {
	return &BackendService{service: service, checker: checker, metrics: metrics}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", s.Health)
	r.Get("/metrics", RestHandler(s.Metrics))
	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", RestHandler(s.SubmitTask))
		r.Get("/{task_id}", RestHandler(s.GetTask))
		r.Delete("/{task_id}", RestHandler(s.CancelTask))
		r.Get("/{task_id}/stream", RestStreamHandler(s.StreamTask))
	})
	r.Get("/queue/stats", RestHandler(s.QueueStats))
	r.Get("/estimate", RestHandler(s.Estimate))
	r.Post("/cache/invalidate", RestHandler(s.InvalidateCache))
}

// serviceError maps orchestration errors to http status codes.
func serviceError(err error) error {
	switch {
	case errors.Is(err, types.ErrInvalidTaskClass):
		return CodedError(http.StatusUnprocessableEntity, err)
	case errors.Is(err, types.ErrInvalidPayload):
		return CodedError(http.StatusBadRequest, err)
	case errors.Is(err, types.ErrNotFound):
		return CodedError(http.StatusNotFound, err)
	case errors.Is(err, types.ErrBrokerUnavailable):
		return CodedError(http.StatusServiceUnavailable, err)
	default:
		return CodedError(http.StatusInternalServerError, err)
	}
}

func (s *BackendService) Health(w http.ResponseWriter, r *http.Request) {
	report := s.checker.Check(r.Context())
	code := http.StatusOK
	if !report.Healthy() {
		code = http.StatusServiceUnavailable
	}
	WriteJsonResponseWithStatus(w, code, report)
}

func (s *BackendService) Metrics(r *http.Request) (any, error) {
	return s.metrics.Snapshot(), nil
}

func (s *BackendService) SubmitTask(r *http.Request) (any, error) {
	req, err := ParseRequest[api.SubmitTaskRequest](r)
	if err != nil {
		return nil, err
	}

	if req.TaskClass == "" {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "missing required field: task_class")
	}
	if len(req.Payload) == 0 {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "missing required field: payload")
	}

	res, err := s.service.Submit(r.Context(), orchestrator.SubmitRequest{
		TaskClass: req.TaskClass,
		Payload:   req.Payload,
		Priority:  req.Priority,
		Scope:     req.Scope,
	})
	if err != nil {
		return nil, serviceError(err)
	}

	return api.SubmitTaskResponse{
		TaskId:           res.TaskId,
		Status:           string(res.State),
		QueueName:        res.QueueName,
		Fingerprint:      res.Fingerprint,
		Cached:           res.Cached,
		EstimatedSeconds: res.EstimatedDuration.Seconds(),
		Result:           res.Result,
	}, nil
}

func (s *BackendService) GetTask(r *http.Request) (any, error) {
	taskId, err := URLParamTaskId(r, "task_id")
	if err != nil {
		return nil, err
	}

	status, err := s.service.Status(r.Context(), taskId)
	if err != nil {
		return nil, serviceError(err)
	}

	return api.TaskStatusResponse{
		TaskId:    status.TaskId,
		Status:    string(status.State),
		Progress:  status.Progress,
		Stage:     status.Stage,
		Message:   status.Message,
		Cached:    status.Cached,
		Error:     status.Error,
		Timestamp: status.UpdatedAt,
		Result:    status.Result,
	}, nil
}

func (s *BackendService) CancelTask(r *http.Request) (any, error) {
	taskId, err := URLParamTaskId(r, "task_id")
	if err != nil {
		return nil, err
	}

	if err := s.service.Cancel(r.Context(), taskId); err != nil {
		return nil, serviceError(err)
	}

	slog.Info("cancel requested", "task_id", taskId)
	return nil, nil
}

func convertSnapshot(s types.ProgressSnapshot) api.ProgressSnapshot {
	return api.ProgressSnapshot{
		TaskId:    s.TaskId,
		Progress:  s.Progress,
		Stage:     s.Stage,
		Message:   s.Message,
		Status:    s.Status,
		Timestamp: s.UpdatedAt,
		Cached:    s.Cached,
		Result:    s.Result,
	}
}

func (s *BackendService) StreamTask(r *http.Request) (StreamResponse, error) {
	taskId, err := URLParamTaskId(r, "task_id")
	if err != nil {
		return nil, err
	}

	updates, err := s.service.Subscribe(r.Context(), taskId)
	if err != nil {
		return nil, serviceError(err)
	}

	return func(yield func(any, error) bool) {
		for snapshot := range updates {
			if !yield(convertSnapshot(snapshot), nil) {
				return
			}
		}
	}, nil
}

func (s *BackendService) QueueStats(r *http.Request) (any, error) {
	stats := s.service.QueueStats(r.Context())
	return api.QueueStats{
		ActiveTasks:    stats.ActiveTasks,
		ScheduledTasks: stats.ScheduledTasks,
		ReservedTasks:  stats.ReservedTasks,
		Workers:        stats.Workers,
		QueueHealth:    string(stats.QueueHealth),
	}, nil
}

func (s *BackendService) Estimate(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.EstimateRequest](r)
	if err != nil {
		return nil, err
	}

	class, err := types.ParseTaskClass(params.TaskClass)
	if err != nil {
		return nil, serviceError(err)
	}
	if params.PayloadSize < 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "payload_size must not be negative")
	}

	estimate := s.service.EstimateDuration(r.Context(), class, params.PayloadSize, params.Scope)
	return api.EstimateResponse{TaskClass: string(class), EstimatedSeconds: estimate.Seconds()}, nil
}

func (s *BackendService) InvalidateCache(r *http.Request) (any, error) {
	req, err := ParseRequest[api.InvalidateCacheRequest](r)
	if err != nil {
		return nil, err
	}
	if req.Pattern == "" {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "missing required field: pattern")
	}

	removed, err := s.service.InvalidateCache(r.Context(), req.Pattern)
	if err != nil {
		return nil, serviceError(err)
	}
	return api.InvalidateCacheResponse{Removed: removed}, nil
}
