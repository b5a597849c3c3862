package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /v1/scheduler/start", h.SchedulerStart)
	mux.HandleFunc("POST /v1/scheduler/stop", h.SchedulerStop)

	mux.HandleFunc("POST /v1/cycles", h.RunCycle)
	mux.HandleFunc("GET /v1/messages", h.ListMessages)

	mux.HandleFunc("POST /v1/channel/events", h.ChannelEvent)

	mux.HandleFunc("GET /metrics", h.Metrics)

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("whatsapp-dispatcher"))
	})

	return mux
}
