package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/LeventeLantos/whatsapp-dispatcher/internal/channel"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/model"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/scheduler"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/service"
)

type MessageLister interface {
	ListByStatus(ctx context.Context, status model.Status, limit, offset int) ([]model.Record, error)
}

type CycleRunner interface {
	Run(ctx context.Context) service.CycleReport
	Last() (service.CycleReport, bool)
}

type Handler struct {
	sched     *scheduler.Scheduler
	cycles    CycleRunner
	repo      MessageLister
	bus       *channel.Bus
	sessionID string
	metrics   http.Handler
}

func NewHandler(s *scheduler.Scheduler, cycles CycleRunner, r MessageLister, bus *channel.Bus, sessionID string) *Handler {
	return &Handler{
		sched:     s,
		cycles:    cycles,
		repo:      r,
		bus:       bus,
		sessionID: sessionID,
		metrics:   http.NotFoundHandler(),
	}
}

// WithMetrics mounts h on GET /metrics.
func (h *Handler) WithMetrics(m http.Handler) *Handler {
	h.metrics = m
	return h
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.schedulerState())
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.sched.Start()
	writeJSON(w, http.StatusOK, h.schedulerState())
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	writeJSON(w, http.StatusOK, h.schedulerState())
}

func (h *Handler) schedulerState() map[string]any {
	state := map[string]any{
		"running":  h.sched.IsRunning(),
		"schedule": h.sched.Describe(),
	}
	if next := h.sched.NextRun(); !next.IsZero() {
		state["next_run"] = next.UTC().Format(time.RFC3339)
	}
	if last, ok := h.cycles.Last(); ok {
		state["last_cycle"] = reportView(last)
	}
	return state
}

// RunCycle runs one cycle inline. The cycle outlives a disconnecting client
// so that fetched records are still resolved.
func (h *Handler) RunCycle(w http.ResponseWriter, r *http.Request) {
	report := h.cycles.Run(context.WithoutCancel(r.Context()))

	status := http.StatusOK
	switch {
	case report.Skipped:
		status = http.StatusConflict
	case report.Err != nil:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, reportView(report))
}

func reportView(r service.CycleReport) map[string]any {
	v := map[string]any{
		"cycle_id":      r.CycleID,
		"started_at":    r.StartedAt.UTC().Format(time.RFC3339),
		"duration_ms":   r.Duration.Milliseconds(),
		"fetched":       r.Fetched,
		"sent":          r.Sent,
		"not_sent":      r.NotSent,
		"pending":       r.Pending,
		"commit_errors": r.CommitErrors,
		"skipped":       r.Skipped,
	}
	if r.Err != nil {
		v["error"] = r.Err.Error()
	}
	return v
}

type messageView struct {
	ID            int64      `json:"id"`
	Phone         *string    `json:"phone"`
	Address       string     `json:"address,omitempty"`
	AddressTag    string     `json:"address_tag"`
	Body          string     `json:"body"`
	Status        string     `json:"status"`
	ReturnMessage *string    `json:"return_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := model.Sent
	if raw := q.Get("status"); raw != "" {
		parsed, err := model.ParseStatus(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		status = parsed
	}
	limit := parseInt(q.Get("limit"), 50)
	offset := parseInt(q.Get("offset"), 0)

	items, err := h.repo.ListByStatus(r.Context(), status, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]messageView, 0, len(items))
	for _, m := range items {
		out = append(out, messageView{
			ID:            m.ID,
			Phone:         m.Phone,
			Address:       m.Address.JID,
			AddressTag:    string(m.Address.Tag),
			Body:          m.Body,
			Status:        m.Status.String(),
			ReturnMessage: m.ReturnMessage,
			CreatedAt:     m.CreatedAt,
			UpdatedAt:     m.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

type webhook struct {
	DataType  string          `json:"dataType"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

// ChannelEvent accepts lifecycle webhooks pushed by the gateway.
func (h *Handler) ChannelEvent(w http.ResponseWriter, r *http.Request) {
	var in webhook
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&in); err != nil {
		http.Error(w, "invalid webhook body", http.StatusBadRequest)
		return
	}

	typ, ok := channel.EventFromWebhook(in.DataType)
	if !ok || (h.sessionID != "" && in.SessionID != h.sessionID) {
		slog.Debug("channel webhook ignored", "data_type", in.DataType, "session_id", in.SessionID)
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": false})
		return
	}

	h.bus.Publish(channel.Event{
		Type:      typ,
		SessionID: in.SessionID,
		Data:      webhookText(in.Data),
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

// webhookText pulls the interesting string out of a webhook payload: the
// pairing code for qr, the reason for auth_failure.
func webhookText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		QR  string `json:"qr"`
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	if obj.QR != "" {
		return obj.QR
	}
	return obj.Msg
}

func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.ServeHTTP(w, r)
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
