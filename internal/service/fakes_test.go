package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/LeventeLantos/whatsapp-dispatcher/internal/events"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/model"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/phone"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/repo"
)

type commit struct {
	id      int64
	outcome model.Outcome
}

type fakeConn struct {
	records   []model.Record
	fetchErr  error
	commitErr map[int64]error

	gotLimit int
	commits  []commit
	closed   bool
}

func (c *fakeConn) FetchQueued(ctx context.Context, limit int) ([]model.Record, error) {
	c.gotLimit = limit
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	if len(c.records) > limit {
		return c.records[:limit], nil
	}
	return c.records, nil
}

func (c *fakeConn) Commit(ctx context.Context, id int64, outcome model.Outcome) error {
	c.commits = append(c.commits, commit{id, outcome})
	return c.commitErr[id]
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeStore struct {
	conn       *fakeConn
	acquireErr error
}

func (s *fakeStore) Acquire(ctx context.Context) (repo.Conn, error) {
	if s.acquireErr != nil {
		return nil, s.acquireErr
	}
	return s.conn, nil
}

type fakeChannel struct {
	fail  map[string]error
	sends []string
}

func (c *fakeChannel) Send(ctx context.Context, chatID, text string) (string, error) {
	c.sends = append(c.sends, chatID)
	if err := c.fail[chatID]; err != nil {
		return "", err
	}
	return "remote-" + chatID, nil
}

type auditLine struct{ from, to, text string }

type fakeAudit struct{ lines []auditLine }

func (a *fakeAudit) Append(from, to, text string) {
	a.lines = append(a.lines, auditLine{from, to, text})
}

type fakeCache struct{ stored map[int64]string }

func (c *fakeCache) StoreSent(ctx context.Context, id int64, remoteID string, sentAt time.Time) error {
	if c.stored == nil {
		c.stored = map[int64]string{}
	}
	c.stored[id] = remoteID
	return nil
}

type fakePublisher struct{ events []events.OutcomeEvent }

func (p *fakePublisher) PublishOutcome(ctx context.Context, e events.OutcomeEvent) error {
	p.events = append(p.events, e)
	return errors.New("broker unavailable")
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return nil
}

func record(id int64, raw *string) model.Record {
	return model.Record{
		ID:      id,
		Phone:   raw,
		Address: phone.Normalize(raw),
		Body:    "body",
		Status:  model.Queued,
	}
}

func strPtr(s string) *string { return &s }
