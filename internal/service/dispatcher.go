package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/whatsapp-dispatcher/internal/audit"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/cache"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/events"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/hours"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/metrics"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/model"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/phone"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/repo"
)

type Store interface {
	Acquire(ctx context.Context) (repo.Conn, error)
}

type Channel interface {
	Send(ctx context.Context, chatID, text string) (remoteMessageID string, err error)
}

// SecondsRange is an inclusive range of whole seconds.
type SecondsRange struct {
	Min int
	Max int
}

// Pick draws a uniform whole number of seconds from the range.
func (r SecondsRange) Pick(intn func(n int) int) time.Duration {
	if r.Max <= r.Min {
		return time.Duration(r.Min) * time.Second
	}
	return time.Duration(r.Min+intn(r.Max-r.Min+1)) * time.Second
}

type Settings struct {
	BatchSize  int
	Hours      hours.Window
	Pacing     SecondsRange
	FinalDelay SecondsRange
}

func DefaultSettings() Settings {
	return Settings{
		BatchSize:  5,
		Hours:      hours.Default(),
		Pacing:     SecondsRange{Min: 5, Max: 15},
		FinalDelay: SecondsRange{Min: 2, Max: 5},
	}
}

// Messages stored with NotSent records that never reached the channel.
const (
	MsgInvalidFormat = "invalid phone format"
	MsgNoPhone       = "no phone on file"
	MsgUnknownFormat = "unknown phone format error"
)

func addressProblem(tag phone.Tag) string {
	switch tag {
	case phone.TagMalformed:
		return MsgInvalidFormat
	case phone.TagNull:
		return MsgNoPhone
	}
	return MsgUnknownFormat
}

type CycleReport struct {
	CycleID      string        `json:"cycle_id"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Fetched      int           `json:"fetched"`
	Sent         int           `json:"sent"`
	NotSent      int           `json:"not_sent"`
	Pending      int           `json:"pending"`
	CommitErrors int           `json:"commit_errors"`
	Skipped      bool          `json:"skipped,omitempty"`
	Err          error         `json:"-"`
}

// Dispatcher runs one batch per RunCycle call. Records are handled one at
// a time in fetch order.
type Dispatcher struct {
	store    Store
	channel  Channel
	audit    audit.Appender
	settings Settings

	cache     cache.MessageCache
	publisher events.Publisher
	metrics   *metrics.Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	intn  func(n int) int
}

func NewDispatcher(store Store, channel Channel, appender audit.Appender, settings Settings) *Dispatcher {
	if settings.BatchSize <= 0 {
		settings.BatchSize = 5
	}
	if settings.Hours.End == 0 {
		settings.Hours = hours.Default()
	}
	return &Dispatcher{
		store:     store,
		channel:   channel,
		audit:     appender,
		settings:  settings,
		publisher: events.Nop{},
		now:       time.Now,
		sleep:     sleepContext,
		intn:      rand.IntN,
	}
}

func (d *Dispatcher) WithCache(c cache.MessageCache) *Dispatcher {
	d.cache = c
	return d
}

func (d *Dispatcher) WithPublisher(p events.Publisher) *Dispatcher {
	d.publisher = p
	return d
}

func (d *Dispatcher) WithMetrics(m *metrics.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

func (d *Dispatcher) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Dispatcher {
	d.sleep = sleep
	return d
}

func (d *Dispatcher) WithRand(intn func(n int) int) *Dispatcher {
	d.intn = intn
	return d
}

// RunCycle fetches one batch and resolves every fetched record to Sent,
// NotSent or Pending. Only an acquire or fetch failure ends the cycle early,
// and then nothing was fetched and nothing is committed. Canceling ctx after
// the fetch only cuts the final delay short.
func (d *Dispatcher) RunCycle(ctx context.Context, cc model.CycleContext) CycleReport {
	report := CycleReport{
		CycleID:   uuid.NewString(),
		StartedAt: d.now(),
	}
	log := slog.With("cycle_id", report.CycleID)

	conn, err := d.store.Acquire(ctx)
	if err != nil {
		return d.abort(log, cc, report, err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Warn("store connection close failed", "error", err)
		}
	}()

	recs, err := conn.FetchQueued(ctx, d.settings.BatchSize)
	if err != nil {
		return d.abort(log, cc, report, err)
	}
	report.Fetched = len(recs)
	log.Info("dispatch cycle started", "fetched", len(recs), "bot_number", cc.BotNumber)

	// once fetched, a batch runs to completion even if ctx is canceled
	batchCtx := context.WithoutCancel(ctx)

	for i, rec := range recs {
		outcome, remoteID := d.evaluate(batchCtx, rec)
		d.resolve(batchCtx, log, conn, cc, rec, outcome, remoteID, &report)

		// every channel attempt except the last is followed by a pacing delay
		if attempted(outcome) && i < len(recs)-1 {
			d.pause(batchCtx, log, "pacing", d.settings.Pacing)
		}
	}

	d.pause(ctx, log, "final", d.settings.FinalDelay)

	report.Duration = d.now().Sub(report.StartedAt)
	d.metrics.Cycle("ok", report.Duration)
	log.Info("dispatch cycle finished",
		"fetched", report.Fetched,
		"sent", report.Sent,
		"not_sent", report.NotSent,
		"pending", report.Pending,
		"commit_errors", report.CommitErrors,
	)
	return report
}

func (d *Dispatcher) evaluate(ctx context.Context, rec model.Record) (model.Outcome, string) {
	if !d.settings.Hours.Open(d.now()) {
		return model.BlockedByHours(), ""
	}
	if !rec.Address.Valid() {
		return model.InvalidAddress(addressProblem(rec.Address.Tag)), ""
	}

	remoteID, err := d.send(ctx, rec)
	if err != nil {
		return model.ChannelError(err.Error()), ""
	}
	return model.SentOutcome(), remoteID
}

func (d *Dispatcher) send(ctx context.Context, rec model.Record) (remoteID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel panic: %v", r)
		}
	}()
	return d.channel.Send(ctx, rec.Address.JID, rec.Body)
}

func (d *Dispatcher) resolve(ctx context.Context, log *slog.Logger, conn repo.Conn, cc model.CycleContext, rec model.Record, outcome model.Outcome, remoteID string, report *CycleReport) {
	rlog := log.With("record_id", rec.ID, "outcome", outcome.Kind.String())

	if err := conn.Commit(ctx, rec.ID, outcome); err != nil {
		report.CommitErrors++
		d.metrics.CommitError()
		rlog.Error("outcome not persisted", "error", err)
	}

	switch outcome.Status() {
	case model.Sent:
		report.Sent++
	case model.Pending:
		report.Pending++
	default:
		report.NotSent++
	}
	d.metrics.Outcome(outcome.Kind.String())

	d.audit.Append(cc.Origin(), recipient(rec), auditText(rec, outcome))

	switch outcome.Kind {
	case model.OutcomeSent:
		rlog.Info("message sent", "remote_id", remoteID)
		if d.cache != nil {
			if err := d.cache.StoreSent(ctx, rec.ID, remoteID, d.now()); err != nil {
				rlog.Warn("receipt not cached", "error", err)
			}
		}
	case model.OutcomeBlockedByHours:
		rlog.Info("message held for business hours")
	default:
		rlog.Warn("message not sent", "reason", outcome.Reason)
	}

	ev := events.OutcomeEvent{
		CycleID:  report.CycleID,
		RecordID: rec.ID,
		Outcome:  outcome.Kind.String(),
		Status:   outcome.Status().String(),
		RemoteID: remoteID,
		At:       d.now().UTC(),
	}
	if msg := outcome.ReturnMessage(); msg != nil {
		ev.ReturnMessage = *msg
	}
	if err := d.publisher.PublishOutcome(ctx, ev); err != nil {
		rlog.Warn("outcome event not published", "error", err)
	}
}

func (d *Dispatcher) abort(log *slog.Logger, cc model.CycleContext, report CycleReport, err error) CycleReport {
	report.Err = err
	report.Duration = d.now().Sub(report.StartedAt)
	d.metrics.Cycle("failed", report.Duration)

	log.Error("dispatch cycle aborted", "bot_number", cc.Origin(), "record_id", "N/A", "error", err)
	d.audit.Append(cc.Origin(), "N/A", "CRITICAL ERROR: "+err.Error())
	return report
}

func (d *Dispatcher) pause(ctx context.Context, log *slog.Logger, kind string, r SecondsRange) {
	wait := r.Pick(d.intn)
	log.Debug("waiting", "delay", kind, "seconds", int(wait.Seconds()))
	if err := d.sleep(ctx, wait); err != nil {
		log.Warn("wait interrupted", "delay", kind, "error", err)
	}
}

func attempted(o model.Outcome) bool {
	return o.Kind == model.OutcomeSent || o.Kind == model.OutcomeChannelError
}

func recipient(rec model.Record) string {
	if rec.Address.Valid() {
		return phone.Display(rec.Address.JID)
	}
	if rec.Phone != nil && *rec.Phone != "" {
		return *rec.Phone
	}
	return "N/A"
}

func auditText(rec model.Record, outcome model.Outcome) string {
	switch outcome.Kind {
	case model.OutcomeSent:
		return rec.Body
	case model.OutcomeBlockedByHours:
		return "message not sent: outside business hours"
	}
	return "ERROR: " + outcome.Reason
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
