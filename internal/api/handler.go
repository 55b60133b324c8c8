package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/podushkina/hrchat/internal/logger"
	"github.com/podushkina/hrchat/internal/monitoring"
	"github.com/podushkina/hrchat/internal/pipeline"
	"github.com/podushkina/hrchat/internal/queue"
	"github.com/podushkina/hrchat/internal/store"
	"github.com/podushkina/hrchat/internal/stream"
	"github.com/podushkina/hrchat/internal/task"
	"github.com/podushkina/hrchat/internal/usage"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// UserHeader carries the caller's identity, set by the fronting gateway.
const UserHeader = "X-User-Name"

type Deps struct {
	Store    store.Store
	Queue    *queue.Queue
	Limiter  *usage.Limiter
	Streams  *stream.Handler
	Pipeline *pipeline.Pipeline
	Metrics  *monitoring.Metrics
}

type Handler struct {
	store    store.Store
	queue    *queue.Queue
	limiter  *usage.Limiter
	streams  *stream.Handler
	pipeline *pipeline.Pipeline
	metrics  *monitoring.Metrics
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		store:    d.Store,
		queue:    d.Queue,
		limiter:  d.Limiter,
		streams:  d.Streams,
		pipeline: d.Pipeline,
		metrics:  d.Metrics,
	}
}

type CreateTaskRequest struct {
	Type     task.Type       `json:"type" validate:"required"`
	Title    string          `json:"title" validate:"max=200"`
	FormData json.RawMessage `json:"formData,omitempty"`
	// Outputs holds the metadata of each output, in sort order.
	Outputs []json.RawMessage `json:"outputs" validate:"required,min=1,max=50"`
}

type TaskResponse struct {
	Task    *task.Task     `json:"task"`
	Outputs []*task.Output `json:"outputs"`
}

type AppendOutputRequest struct {
	Metadata json.RawMessage `json:"metadata" validate:"required"`
}

type CancelRequest struct {
	Sort           *int `json:"sort,omitempty" validate:"omitempty,min=0"`
	OnlyInProgress bool `json:"onlyInProgress"`
}

type CancelResponse struct {
	Cancelled int64 `json:"cancelled"`
}

type RenameRequest struct {
	Title string `json:"title" validate:"required,max=200"`
}

type FeedbackRequest struct {
	Feedback string `json:"feedback" validate:"max=2000"`
}

type TranslateRequest struct {
	TargetLanguage string `json:"targetLanguage" validate:"required,min=2,max=35"`
}

type TranslateResponse struct {
	OutputID       string `json:"outputId"`
	TargetLanguage string `json:"targetLanguage"`
	Content        string `json:"content"`
}

type UsageResponse struct {
	Type      task.Type     `json:"type"`
	Remaining int64         `json:"remaining"`
	Config    *usage.Config `json:"config,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	// Poll is set when a stream is refused and the client should poll instead.
	Poll string `json:"poll,omitempty"`
}

func userName(r *http.Request) string {
	return r.Header.Get(UserHeader)
}

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req CreateTaskRequest
	if err := decodeRequest(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Type.Valid() {
		respondError(w, http.StatusBadRequest, "unknown task type")
		return
	}
	for _, raw := range req.Outputs {
		if _, err := task.DecodeMetadata(req.Type, raw); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	user := userName(r)

	if ok := h.admit(w, r, req.Type, user); !ok {
		return
	}

	t := &task.Task{Type: req.Type, Title: req.Title, FormData: req.FormData, UserName: user}
	outputs := make([]*task.Output, len(req.Outputs))
	for i, raw := range req.Outputs {
		outputs[i] = &task.Output{Sort: i, Metadata: raw}
	}
	if err := h.store.CreateTask(ctx, t, outputs); err != nil {
		h.refund(r, req.Type, user)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.queue.Enqueue(ctx, t.Type, t.ID); err != nil {
		log.Error("Failed to enqueue task", "task_id", t.ID, "error", err)
		_ = h.store.UpdateTaskStatus(ctx, t.ID, task.StatusFailed)
		h.refund(r, req.Type, user)
		respondError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	log.Info("Task created", "task_id", t.ID, "type", t.Type, "outputs", len(outputs))
	respondJSON(w, http.StatusCreated, TaskResponse{Task: t, Outputs: outputs})
}

// admit runs the quota and concurrency checks, then takes a token. It writes
// the denial itself and reports whether the request may proceed.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, t task.Type, user string) bool {
	ctx := r.Context()

	check, err := h.limiter.CheckLimit(ctx, t, user)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return false
	}
	if !check.Allowed {
		h.metrics.UsageDenied(string(t), "quota")
		respondError(w, http.StatusTooManyRequests, check.Message)
		return false
	}

	userActive, err := h.store.CountActiveTasks(ctx, t, user)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return false
	}
	allActive, err := h.store.CountActiveTasks(ctx, t, "")
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return false
	}
	if check := h.limiter.CheckConcurrency(t, userActive, allActive); !check.Allowed {
		h.metrics.UsageDenied(string(t), "concurrency")
		respondError(w, http.StatusTooManyRequests, check.Message)
		return false
	}

	consumed, err := h.limiter.ConsumeToken(ctx, t, user)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return false
	}
	if !consumed.Status {
		h.metrics.UsageDenied(string(t), "quota")
		respondError(w, http.StatusTooManyRequests, consumed.Message)
		return false
	}
	return true
}

// refund returns a token taken for a task that was never queued.
func (h *Handler) refund(r *http.Request, t task.Type, user string) {
	if _, ok := h.limiter.GetConfig(t); !ok {
		return
	}
	if _, err := h.limiter.IncreaseToken(r.Context(), t, user, 1); err != nil {
		logger.FromContext(r.Context()).Warn("Failed to refund usage token", "type", t, "error", err)
	}
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (h *Handler) ListOutputs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetTask(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}
	outputs, err := h.store.ListOutputs(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, outputs)
}

// AppendOutput adds a turn to an existing task and queues it again.
func (h *Handler) AppendOutput(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req AppendOutputRequest
	if err := decodeRequest(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := h.store.GetTask(ctx, id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if t.UserName != userName(r) {
		respondError(w, http.StatusForbidden, "task belongs to another user")
		return
	}
	if _, err := task.DecodeMetadata(t.Type, req.Metadata); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ok := h.admit(w, r, t.Type, t.UserName); !ok {
		return
	}

	o := &task.Output{TaskID: id, Sort: -1, Metadata: req.Metadata}
	if err := h.store.AddOutput(ctx, o); err != nil {
		h.refund(r, t.Type, t.UserName)
		respondStoreError(w, err)
		return
	}
	if err := h.store.ReopenTask(ctx, id); err != nil {
		respondStoreError(w, err)
		return
	}
	if err := h.queue.Enqueue(ctx, t.Type, id); err != nil {
		logger.FromContext(ctx).Error("Failed to enqueue task", "task_id", id, "error", err)
		respondError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	respondJSON(w, http.StatusCreated, o)
}

// CancelTask cancels a whole task, or a single turn when a sort is given.
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req CancelRequest
	if r.ContentLength != 0 {
		if err := decodeRequest(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	t, err := h.store.GetTask(ctx, id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if req.Sort == nil && !t.Status.Terminal() {
		if err := h.store.CancelTask(ctx, id); err != nil {
			respondStoreError(w, err)
			return
		}
	}
	n, err := h.store.CancelOutputs(ctx, store.OutputFilter{
		TaskID:         id,
		Sort:           req.Sort,
		OnlyInProgress: req.OnlyInProgress,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.FromContext(ctx).Info("Task cancelled", "task_id", id, "outputs", n)
	respondJSON(w, http.StatusOK, CancelResponse{Cancelled: n})
}

func (h *Handler) RenameTask(w http.ResponseWriter, r *http.Request) {
	var req RenameRequest
	if err := decodeRequest(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.store.RenameTask(r.Context(), id, req.Title); err != nil {
		respondStoreError(w, err)
		return
	}
	h.GetTask(w, r)
}

func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StreamTask opens an SSE stream of the task's progress.
func (h *Handler) StreamTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	t, err := h.store.GetTask(ctx, id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	turn, err := h.streamTurn(ctx, t, r.URL.Query().Get("output"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	qs, err := h.streams.Admit(ctx, t)
	if errors.Is(err, stream.ErrQueueTooDeep) {
		respondJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: err.Error(), Poll: "/tasks/" + id})
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Streams outlive the server's write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		logger.FromContext(ctx).Debug("Write deadline not adjustable", "error", err)
	}
	if err := h.streams.Serve(ctx, w, t, turn, qs); err != nil {
		if errors.Is(err, stream.ErrStreamingUnsupported) {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		logger.FromContext(ctx).Warn("Stream ended with error", "task_id", id, "error", err)
	}
}

// streamTurn picks the outputs a stream follows: the one named by the
// output query parameter, or else the most recently added turn.
func (h *Handler) streamTurn(ctx context.Context, t *task.Task, outputID string) (*stream.Turn, error) {
	if outputID != "" {
		o, err := h.store.GetOutput(ctx, outputID)
		if err != nil {
			return nil, err
		}
		if o.TaskID != t.ID {
			return nil, store.ErrNotFound
		}
		return stream.NewTurn(o), nil
	}
	outputs, err := h.store.ListOutputs(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	return stream.LatestTurn(outputs), nil
}

func (h *Handler) SetFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if err := decodeRequest(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.store.SetFeedback(r.Context(), id, req.Feedback); err != nil {
		respondStoreError(w, err)
		return
	}
	o, err := h.store.GetOutput(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (h *Handler) TranslateOutput(w http.ResponseWriter, r *http.Request) {
	var req TranslateRequest
	if err := decodeRequest(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	target := pipeline.ParseLanguage(req.TargetLanguage)

	content, err := h.pipeline.OnDemandTranslate(r.Context(), id, target)
	switch {
	case errors.Is(err, pipeline.ErrNotFinished):
		respondError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, pipeline.ErrNoTranslator):
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, TranslateResponse{OutputID: id, TargetLanguage: string(target), Content: content})
}

func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	t := task.Type(chi.URLParam(r, "type"))
	if !t.Valid() {
		respondError(w, http.StatusBadRequest, "unknown task type")
		return
	}
	remaining, err := h.limiter.GetRemainingQuota(r.Context(), t, userName(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := UsageResponse{Type: t, Remaining: remaining}
	if cfg, ok := h.limiter.GetConfig(t); ok {
		resp.Config = &cfg
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Client().Ping(r.Context()).Err(); err != nil {
		respondError(w, http.StatusServiceUnavailable, "redis unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeRequest reads a JSON body into v and validates its struct tags.
func decodeRequest(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid request body")
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid field %s: failed %s", verrs[0].Field(), verrs[0].Tag())
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}

func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrCancelled):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
