package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/LeventeLantos/whatsapp-dispatcher/internal/model"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/phone"
)

// Store representation of model.Status.
const (
	statusQueued  = "Enviando"
	statusSent    = "Enviado"
	statusNotSent = "Nao Enviado"
	statusPending = "Pendente"
)

func storeStatus(s model.Status) (string, error) {
	switch s {
	case model.Queued:
		return statusQueued, nil
	case model.Sent:
		return statusSent, nil
	case model.NotSent:
		return statusNotSent, nil
	case model.Pending:
		return statusPending, nil
	}
	return "", fmt.Errorf("no store value for status %s", s)
}

func parseStoreStatus(v string) (model.Status, error) {
	switch v {
	case statusQueued:
		return model.Queued, nil
	case statusSent:
		return model.Sent, nil
	case statusNotSent:
		return model.NotSent, nil
	case statusPending:
		return model.Pending, nil
	}
	return 0, fmt.Errorf("unknown store status %q", v)
}

type SQLDispatchRepo struct {
	db             *sqlx.DB
	businessUnitID string
	actor          string
	now            func() time.Time

	fetchQuery      string
	commitQuery     string
	commitSentQuery string
	listQuery       string
}

func NewSQLDispatchRepo(db *sqlx.DB, businessUnitID, actor string) *SQLDispatchRepo {
	return &SQLDispatchRepo{
		db:             db,
		businessUnitID: businessUnitID,
		actor:          actor,
		now:            time.Now,

		fetchQuery: db.Rebind(`
			SELECT id, phone, body
			FROM whatsapp_dispatch
			WHERE status = ?
			  AND active = ?
			  AND business_unit_id = ?
			ORDER BY created_at ASC, id ASC
			LIMIT ?
		`),
		commitQuery: db.Rebind(`
			UPDATE whatsapp_dispatch
			SET status = ?,
			    return_message = ?,
			    updated_by = ?,
			    updated_at = ?
			WHERE id = ?
		`),
		commitSentQuery: db.Rebind(`
			UPDATE whatsapp_dispatch
			SET status = ?,
			    updated_by = ?,
			    updated_at = ?
			WHERE id = ?
		`),
		listQuery: db.Rebind(`
			SELECT id, phone, body, status, return_message, created_at, updated_at
			FROM whatsapp_dispatch
			WHERE status = ?
			  AND business_unit_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ? OFFSET ?
		`),
	}
}

func (r *SQLDispatchRepo) Acquire(ctx context.Context) (Conn, error) {
	c, err := r.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: acquire: %w", ErrStoreConnection, err)
	}
	return &sqlConn{conn: c, repo: r}, nil
}

type queuedRow struct {
	ID    int64          `db:"id"`
	Phone sql.NullString `db:"phone"`
	Body  string         `db:"body"`
}

type sqlConn struct {
	conn *sqlx.Conn
	repo *SQLDispatchRepo
}

func (c *sqlConn) FetchQueued(ctx context.Context, limit int) ([]model.Record, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	var rows []queuedRow
	if err := c.conn.SelectContext(ctx, &rows, c.repo.fetchQuery,
		statusQueued, true, c.repo.businessUnitID, limit,
	); err != nil {
		return nil, fmt.Errorf("%w: fetch queued: %w", ErrStoreConnection, err)
	}

	out := make([]model.Record, 0, len(rows))
	for _, row := range rows {
		rec := model.Record{
			ID:     row.ID,
			Phone:  nullableString(row.Phone),
			Body:   row.Body,
			Status: model.Queued,
		}
		rec.Address = phone.Normalize(rec.Phone)
		out = append(out, rec)
	}
	return out, nil
}

func (c *sqlConn) Commit(ctx context.Context, id int64, outcome model.Outcome) error {
	status, err := storeStatus(outcome.Status())
	if err != nil {
		return fmt.Errorf("%w: record %d: %w", ErrCommit, id, err)
	}
	now := c.repo.now().UTC()

	var res sql.Result
	if msg := outcome.ReturnMessage(); msg != nil {
		res, err = c.conn.ExecContext(ctx, c.repo.commitQuery, status, *msg, c.repo.actor, now, id)
	} else {
		res, err = c.conn.ExecContext(ctx, c.repo.commitSentQuery, status, c.repo.actor, now, id)
	}
	if err != nil {
		return fmt.Errorf("%w: record %d: %w", ErrCommit, id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: record %d: rows affected: %w", ErrCommit, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: record %d: %w", ErrCommit, id, ErrNotFound)
	}
	return nil
}

func (c *sqlConn) Close() error {
	return c.conn.Close()
}

type listRow struct {
	ID            int64          `db:"id"`
	Phone         sql.NullString `db:"phone"`
	Body          string         `db:"body"`
	Status        string         `db:"status"`
	ReturnMessage sql.NullString `db:"return_message"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     sql.NullTime   `db:"updated_at"`
}

func (r *SQLDispatchRepo) ListByStatus(ctx context.Context, status model.Status, limit, offset int) ([]model.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	st, err := storeStatus(status)
	if err != nil {
		return nil, err
	}

	var rows []listRow
	if err := r.db.SelectContext(ctx, &rows, r.listQuery, st, r.businessUnitID, limit, offset); err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}

	out := make([]model.Record, 0, len(rows))
	for _, row := range rows {
		parsed, err := parseStoreStatus(row.Status)
		if err != nil {
			return nil, err
		}
		m := model.Record{
			ID:            row.ID,
			Phone:         nullableString(row.Phone),
			Body:          row.Body,
			Status:        parsed,
			ReturnMessage: nullableString(row.ReturnMessage),
			CreatedAt:     row.CreatedAt,
		}
		m.Address = phone.Normalize(m.Phone)
		if row.UpdatedAt.Valid {
			t := row.UpdatedAt.Time
			m.UpdatedAt = &t
		}
		out = append(out, m)
	}
	return out, nil
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
