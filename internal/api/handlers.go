package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/OnixChiconela/Schedule-MG-sub002/internal/bus"
	"github.com/OnixChiconela/Schedule-MG-sub002/internal/model"
	"github.com/OnixChiconela/Schedule-MG-sub002/internal/scheduler"
	"github.com/OnixChiconela/Schedule-MG-sub002/internal/service"
)

type Handler struct {
	svc   *service.Service
	sched *scheduler.Scheduler
	bus   *bus.Bus
}

func NewHandler(svc *service.Service, s *scheduler.Scheduler, b *bus.Bus) *Handler {
	return &Handler{svc: svc, sched: s, bus: b}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.sched.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

type scheduleRequest struct {
	PartnershipID  string    `json:"partnershipId"`
	ChatID         string    `json:"chatId"`
	UserID         string    `json:"userId"`
	Prompt         string    `json:"prompt"`
	ScheduledTime  time.Time `json:"scheduledTime"`
	RequiresReview bool      `json:"requiresReview"`
}

func (h *Handler) ScheduleMessage(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &model.ValidationError{Field: "body", Reason: "invalid json"})
		return
	}

	m, err := h.svc.Schedule(r.Context(),
		req.PartnershipID, req.ChatID, req.UserID,
		req.Prompt, req.ScheduledTime, req.RequiresReview)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"id": m.ID, "status": m.Status})
}

type cancelRequest struct {
	UserID string `json:"userId"`
}

func (h *Handler) CancelMessage(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &model.ValidationError{Field: "body", Reason: "invalid json"})
		return
	}

	status, err := h.svc.Cancel(r.Context(), r.PathValue("id"), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.GetPending(r.Context(), r.PathValue("chatID"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type reviewRequest struct {
	EditedText     string `json:"editedText"`
	ReviewerUserID string `json:"reviewerUserId"`
}

func (h *Handler) SubmitReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &model.ValidationError{Field: "body", Reason: "invalid json"})
		return
	}

	status, err := h.svc.SubmitReview(r.Context(), r.PathValue("id"), req.EditedText, req.ReviewerUserID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

func (h *Handler) RejectMessage(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Reject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

func (h *Handler) RemainingQuota(w http.ResponseWriter, r *http.Request) {
	remaining, err := h.svc.Remaining(r.Context(), r.PathValue("userID"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"remaining": remaining})
}

func (h *Handler) ListSentMessages(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.svc.ListSent(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// Events streams NotificationEvents for one user over SSE. The subscription
// lives exactly as long as the connection; there is no replay on reconnect.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, &model.ValidationError{Field: "userId", Reason: "required"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, unsubscribe := h.bus.Subscribe(userID, 16)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, payload)
			flusher.Flush()
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	var (
		valErr   *model.ValidationError
		quotaErr *model.QuotaExceededError
	)

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &valErr):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &quotaErr):
		status = http.StatusTooManyRequests
	case errors.Is(err, model.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	}

	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
