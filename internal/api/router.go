package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /v1/scheduler/start", h.SchedulerStart)
	mux.HandleFunc("POST /v1/scheduler/stop", h.SchedulerStop)

	mux.HandleFunc("POST /v1/messages", h.ScheduleMessage)
	mux.HandleFunc("GET /v1/messages/{id}", h.GetMessage)
	mux.HandleFunc("POST /v1/messages/{id}/cancel", h.CancelMessage)
	mux.HandleFunc("POST /v1/messages/{id}/review", h.SubmitReview)
	mux.HandleFunc("POST /v1/messages/{id}/reject", h.RejectMessage)
	mux.HandleFunc("GET /v1/messages/sent", h.ListSentMessages)

	mux.HandleFunc("GET /v1/chats/{chatID}/pending", h.ListPending)
	mux.HandleFunc("GET /v1/users/{userID}/quota", h.RemainingQuota)

	mux.HandleFunc("GET /v1/events", h.Events)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("scheduled-messaging"))
	})

	return mux
}
