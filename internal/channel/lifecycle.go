// Package channel tracks the messaging session: pairing, readiness, auth
// failures and the identity the bot sends from.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mdp/qrterminal/v3"

	"github.com/LeventeLantos/whatsapp-dispatcher/internal/audit"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/model"
)

const (
	StateConnected   = "CONNECTED"
	StateAuthFailure = "AUTH_FAILURE"
)

var ErrAuthFailure = errors.New("channel authentication failure")

type Gateway interface {
	Status(ctx context.Context) (string, error)
	QR(ctx context.Context) (string, error)
	Identity(ctx context.Context) (string, error)
}

type Lifecycle struct {
	gw        Gateway
	bus       *Bus
	audit     audit.Appender
	sessions  *SessionStore
	sessionID string

	poll  time.Duration
	qrOut io.Writer
	now   func() time.Time

	lastQR string
}

func NewLifecycle(gw Gateway, bus *Bus, appender audit.Appender, sessions *SessionStore, sessionID string) *Lifecycle {
	return &Lifecycle{
		gw:        gw,
		bus:       bus,
		audit:     appender,
		sessions:  sessions,
		sessionID: sessionID,
		poll:      2 * time.Second,
		qrOut:     os.Stdout,
		now:       time.Now,
	}
}

func (l *Lifecycle) WithPollInterval(d time.Duration) *Lifecycle {
	l.poll = d
	return l
}

func (l *Lifecycle) WithQROutput(w io.Writer) *Lifecycle {
	l.qrOut = w
	return l
}

// WaitReady blocks until the gateway session is connected and returns the
// identity cycles should log as sender. Pairing codes are rendered as they
// appear. An auth failure is reported and waiting continues; only ctx ends
// the wait early.
func (l *Lifecycle) WaitReady(ctx context.Context) (model.CycleContext, error) {
	events, unsub := l.bus.Subscribe(16)
	defer unsub()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	var authErr error
	for {
		state, err := l.gw.Status(ctx)
		switch {
		case err != nil:
			slog.Warn("channel status check failed", "error", err)
		case state == StateConnected:
			return l.ready(ctx), nil
		case state == StateAuthFailure:
			if authErr == nil {
				authErr = l.authFailure(state)
			}
		default:
			authErr = nil
			l.showQR(ctx)
		}

		select {
		case <-ctx.Done():
			err := fmt.Errorf("channel not ready: %w", ctx.Err())
			if authErr != nil {
				err = errors.Join(err, authErr)
			}
			return model.CycleContext{}, err
		case <-ticker.C:
		case e, ok := <-events:
			if !ok {
				continue
			}
			switch e.Type {
			case EventQR:
				l.renderQR(e.Data)
			case EventAuthFailure:
				if authErr == nil {
					authErr = l.authFailure(e.Data)
				}
			}
		}
	}
}

// Watch handles gateway events for as long as ctx lives. Repeated auth
// failures are audited once until the session recovers.
func (l *Lifecycle) Watch(ctx context.Context) {
	events, unsub := l.bus.Subscribe(64)
	defer unsub()

	var failing bool
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			failing = l.handle(ctx, e, failing)
		}
	}
}

// handle reports whether the session is still in an auth failure streak.
func (l *Lifecycle) handle(ctx context.Context, e Event, failing bool) bool {
	switch e.Type {
	case EventQR:
		l.renderQR(e.Data)
		return false
	case EventAuthFailure:
		if !failing {
			l.authFailure(e.Data)
		}
		return true
	case EventReady, EventSessionUpdated:
		bot, err := l.gw.Identity(ctx)
		if err != nil {
			slog.Warn("channel identity lookup failed", "event", e.Type, "error", err)
			return false
		}
		l.persist(bot)
		slog.Info("channel session updated", "event", e.Type, "bot_number", bot)
		return false
	case EventMessage:
		slog.Debug("inbound message ignored", "session_id", e.SessionID)
	}
	return failing
}

func (l *Lifecycle) ready(ctx context.Context) model.CycleContext {
	bot, err := l.gw.Identity(ctx)
	if err != nil {
		slog.Warn("channel identity lookup failed, using saved session", "error", err)
		bot = l.savedBotNumber()
	} else {
		l.persist(bot)
	}

	l.bus.Publish(Event{Type: EventReady, SessionID: l.sessionID, Data: bot})
	slog.Info("channel ready", "session_id", l.sessionID, "bot_number", bot)
	return model.CycleContext{BotNumber: bot}
}

func (l *Lifecycle) authFailure(msg string) error {
	err := fmt.Errorf("%w: %s", ErrAuthFailure, msg)
	slog.Error("channel authentication failed", "session_id", l.sessionID, "error", err)
	l.audit.Append("BOT", "N/A", "authentication failure: "+msg)
	return err
}

func (l *Lifecycle) showQR(ctx context.Context) {
	qr, err := l.gw.QR(ctx)
	if err != nil {
		slog.Debug("no pairing code available", "error", err)
		return
	}
	l.renderQR(qr)
}

func (l *Lifecycle) renderQR(payload string) {
	if payload == "" || payload == l.lastQR {
		return
	}
	l.lastQR = payload

	slog.Info("scan the pairing code with the WhatsApp app", "session_id", l.sessionID)
	qrterminal.GenerateHalfBlock(payload, qrterminal.L, l.qrOut)
}

func (l *Lifecycle) persist(bot string) {
	if l.sessions == nil {
		return
	}
	err := l.sessions.Save(Session{
		SessionID: l.sessionID,
		BotNumber: bot,
		UpdatedAt: l.now().UTC(),
	})
	if err != nil {
		slog.Warn("session file not saved", "error", err)
	}
}

func (l *Lifecycle) savedBotNumber() string {
	if l.sessions == nil {
		return ""
	}
	sess, err := l.sessions.Load()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("session file unreadable", "error", err)
		}
		return ""
	}
	if !strings.EqualFold(sess.SessionID, l.sessionID) {
		return ""
	}
	return sess.BotNumber
}
