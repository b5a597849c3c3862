package repo

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/LeventeLantos/whatsapp-dispatcher/internal/model"
	"github.com/LeventeLantos/whatsapp-dispatcher/internal/phone"
)

const testUnit = "aaaaaaaaaaaaaaaaaaaa"

// setupTestDB creates a file-backed SQLite database so that the pool and a
// held cycle connection see the same data.
func setupTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "dispatch.db")
	db, err := Open(context.Background(), "sqlite", path)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
		CREATE TABLE whatsapp_dispatch (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			phone            TEXT,
			body             TEXT NOT NULL,
			status           TEXT NOT NULL,
			return_message   TEXT,
			active           BOOLEAN NOT NULL DEFAULT 1,
			business_unit_id TEXT NOT NULL,
			created_at       TIMESTAMP NOT NULL,
			updated_by       TEXT,
			updated_at       TIMESTAMP
		)
	`)
	if err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	return db
}

type seed struct {
	phone  *string
	body   string
	status string
	active bool
	unit   string
	age    time.Duration
}

func insert(t *testing.T, db *sqlx.DB, s seed) int64 {
	t.Helper()

	if s.status == "" {
		s.status = statusQueued
	}
	if s.unit == "" {
		s.unit = testUnit
	}
	created := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC).Add(-s.age)

	res, err := db.Exec(`
		INSERT INTO whatsapp_dispatch (phone, body, status, active, business_unit_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.phone, s.body, s.status, s.active, s.unit, created)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("last insert id: %v", err)
	}
	return id
}

func strPtr(s string) *string { return &s }

func TestFetchQueued_FiltersAndOrdersOldestFirst(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	newest := insert(t, db, seed{phone: strPtr("11987654321"), body: "newest", active: true, age: time.Minute})
	oldest := insert(t, db, seed{phone: strPtr("1133334444"), body: "oldest", active: true, age: time.Hour})
	insert(t, db, seed{phone: strPtr("1133334444"), body: "inactive", active: false, age: 2 * time.Hour})
	insert(t, db, seed{phone: strPtr("1133334444"), body: "other unit", active: true, unit: "bbbb", age: 2 * time.Hour})
	insert(t, db, seed{phone: strPtr("1133334444"), body: "already sent", status: statusSent, active: true, age: 2 * time.Hour})
	nullPhone := insert(t, db, seed{phone: nil, body: "no phone", active: true, age: 30 * time.Minute})

	r := NewSQLDispatchRepo(db, testUnit, "ENVIO")
	conn, err := r.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	defer conn.Close()

	recs, err := conn.FetchQueued(ctx, 5)
	if err != nil {
		t.Fatalf("FetchQueued() error: %v", err)
	}

	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d: %+v", len(recs), recs)
	}
	if recs[0].ID != oldest || recs[1].ID != nullPhone || recs[2].ID != newest {
		t.Fatalf("unexpected order: %d, %d, %d", recs[0].ID, recs[1].ID, recs[2].ID)
	}

	if recs[0].Address.JID != "551133334444@c.us" || recs[0].Address.Tag != phone.TagOK {
		t.Fatalf("unexpected address for oldest: %+v", recs[0].Address)
	}
	if recs[1].Phone != nil || recs[1].Address.Tag != phone.TagNull {
		t.Fatalf("expected null phone tagged erro_nulo, got %+v", recs[1])
	}
	for _, rec := range recs {
		if rec.Status != model.Queued {
			t.Fatalf("expected queued status, got %s", rec.Status)
		}
	}
}

func TestFetchQueued_RespectsLimit(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		insert(t, db, seed{phone: strPtr("1133334444"), body: "m", active: true, age: time.Duration(i) * time.Minute})
	}

	r := NewSQLDispatchRepo(db, testUnit, "ENVIO")
	conn, err := r.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	defer conn.Close()

	recs, err := conn.FetchQueued(ctx, 5)
	if err != nil {
		t.Fatalf("FetchQueued() error: %v", err)
	}
	if len(recs) != 5 {
		t.Fatalf("expected 5 records, got %d", len(recs))
	}

	if _, err := conn.FetchQueued(ctx, 0); err == nil {
		t.Fatalf("expected error for limit 0")
	}
}

func TestFetchQueued_StoreErrorIsConnectionError(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if _, err := db.Exec(`DROP TABLE whatsapp_dispatch`); err != nil {
		t.Fatalf("drop: %v", err)
	}

	r := NewSQLDispatchRepo(db, testUnit, "ENVIO")
	conn, err := r.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	defer conn.Close()

	_, err = conn.FetchQueued(ctx, 5)
	if !errors.Is(err, ErrStoreConnection) {
		t.Fatalf("expected ErrStoreConnection, got %v", err)
	}
}

func TestCommit_WritesStatusAndReturnMessageTogether(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	sent := insert(t, db, seed{phone: strPtr("1133334444"), body: "a", active: true})
	notSent := insert(t, db, seed{phone: strPtr("1"), body: "b", active: true})
	pending := insert(t, db, seed{phone: strPtr("1133334444"), body: "c", active: true})

	r := NewSQLDispatchRepo(db, testUnit, "ENVIO")
	fixed := time.Date(2026, 1, 10, 15, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	conn, err := r.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if err := conn.Commit(ctx, sent, model.SentOutcome()); err != nil {
		t.Fatalf("Commit(sent) error: %v", err)
	}
	if err := conn.Commit(ctx, notSent, model.InvalidAddress("invalid phone format")); err != nil {
		t.Fatalf("Commit(not sent) error: %v", err)
	}
	if err := conn.Commit(ctx, pending, model.BlockedByHours()); err != nil {
		t.Fatalf("Commit(pending) error: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	type row struct {
		Status        string  `db:"status"`
		ReturnMessage *string `db:"return_message"`
		UpdatedBy     *string `db:"updated_by"`
	}
	get := func(id int64) row {
		var out row
		if err := db.Get(&out, `SELECT status, return_message, updated_by FROM whatsapp_dispatch WHERE id = ?`, id); err != nil {
			t.Fatalf("get %d: %v", id, err)
		}
		return out
	}

	if got := get(sent); got.Status != "Enviado" || got.ReturnMessage != nil || got.UpdatedBy == nil || *got.UpdatedBy != "ENVIO" {
		t.Fatalf("unexpected sent row: %+v", got)
	}
	if got := get(notSent); got.Status != "Nao Enviado" || got.ReturnMessage == nil || *got.ReturnMessage != "invalid phone format" {
		t.Fatalf("unexpected not sent row: %+v", got)
	}
	if got := get(pending); got.Status != "Pendente" || got.ReturnMessage == nil || *got.ReturnMessage != "Fora do horário comercial" {
		t.Fatalf("unexpected pending row: %+v", got)
	}
}

func TestCommit_UnknownIDIsCommitError(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	r := NewSQLDispatchRepo(db, testUnit, "ENVIO")
	conn, err := r.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	defer conn.Close()

	err = conn.Commit(ctx, 999, model.SentOutcome())
	if !errors.Is(err, ErrCommit) {
		t.Fatalf("expected ErrCommit, got %v", err)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListByStatus(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	a := insert(t, db, seed{phone: strPtr("1133334444"), body: "a", active: true, age: time.Hour})
	b := insert(t, db, seed{phone: strPtr("1133334444"), body: "b", active: true, age: time.Minute})
	insert(t, db, seed{phone: strPtr("1133334444"), body: "c", active: true})

	r := NewSQLDispatchRepo(db, testUnit, "ENVIO")
	conn, err := r.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	for _, id := range []int64{a, b} {
		if err := conn.Commit(ctx, id, model.SentOutcome()); err != nil {
			t.Fatalf("Commit(%d) error: %v", id, err)
		}
	}
	_ = conn.Close()

	items, err := r.ListByStatus(ctx, model.Sent, 10, 0)
	if err != nil {
		t.Fatalf("ListByStatus() error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 sent items, got %d", len(items))
	}
	if items[0].ID != b || items[1].ID != a {
		t.Fatalf("expected newest first, got %d, %d", items[0].ID, items[1].ID)
	}
	if items[0].Status != model.Sent || items[0].UpdatedAt == nil {
		t.Fatalf("unexpected item: %+v", items[0])
	}

	page, err := r.ListByStatus(ctx, model.Sent, 1, 1)
	if err != nil {
		t.Fatalf("ListByStatus(page) error: %v", err)
	}
	if len(page) != 1 || page[0].ID != a {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestStatusMappingRoundTrip(t *testing.T) {
	for _, s := range []model.Status{model.Queued, model.Sent, model.NotSent, model.Pending} {
		v, err := storeStatus(s)
		if err != nil {
			t.Fatalf("storeStatus(%s) error: %v", s, err)
		}
		back, err := parseStoreStatus(v)
		if err != nil {
			t.Fatalf("parseStoreStatus(%q) error: %v", v, err)
		}
		if back != s {
			t.Fatalf("round trip mismatch: %s -> %q -> %s", s, v, back)
		}
	}

	if _, err := parseStoreStatus("Cancelado"); err == nil {
		t.Fatalf("expected error for unknown store status")
	}
}

func TestMigrateURL(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@h:5432/db":   "pgx5://u:p@h:5432/db",
		"postgresql://u:p@h:5432/db": "pgx5://u:p@h:5432/db",
		"pgx5://u:p@h/db":            "pgx5://u:p@h/db",
	}
	for in, want := range cases {
		if got := migrateURL(in); got != want {
			t.Fatalf("migrateURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected up and down migrations, got %d files", len(entries))
	}
}
