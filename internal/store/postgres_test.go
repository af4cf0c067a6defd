package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/vibepm/internal/requirements"
)

// ---------------------------------------------------------------------------
// mock DB types
// ---------------------------------------------------------------------------

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

type mockRows struct {
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	return assign(r.data[r.idx-1], dest)
}

// assign copies row values into scan destinations.
func assign(row []any, dest []any) error {
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *[]byte:
			*d = v.([]byte)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

type execCall struct {
	sql  string
	args []any
}

type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	execs        []execCall
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.execs = append(m.execs, execCall{sql: sql, args: args})
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

var fixedNow = time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)

func newTestStore(db DB) *PostgresStore {
	s := NewPostgresStore(db)
	s.now = func() time.Time { return fixedNow }
	s.newID = func() string { return "11111111-2222-3333-4444-555555555555" }
	return s
}

func encoded(t *testing.T, p *requirements.Product) []byte {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestPostgresStore_Migrate(t *testing.T) {
	t.Parallel()
	db := &mockDB{}
	if err := newTestStore(db).Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(db.execs) != 1 || !strings.Contains(db.execs[0].sql, "CREATE TABLE IF NOT EXISTS products") {
		t.Errorf("execs = %+v", db.execs)
	}

	failing := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("permission denied")
	}}
	if err := newTestStore(failing).Migrate(context.Background()); err == nil {
		t.Error("expected migrate error")
	}
}

func TestPostgresStore_Save(t *testing.T) {
	t.Parallel()
	db := &mockDB{}
	s := newTestStore(db)

	p := requirements.NewProduct("Todo")
	id, err := s.Save(context.Background(), p)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if id != "11111111-2222-3333-4444-555555555555" || p.ID != id || !p.UpdatedAt.Equal(fixedNow) {
		t.Errorf("id = %q, p = %+v", id, p)
	}

	call := db.execs[0]
	if !strings.Contains(call.sql, "INSERT INTO products") {
		t.Fatalf("sql = %s", call.sql)
	}
	if call.args[0] != id || call.args[1] != "Todo" || call.args[2] != "Discovery" {
		t.Errorf("args = %v", call.args[:3])
	}
	var stored requirements.Product
	if err := json.Unmarshal(call.args[3].([]byte), &stored); err != nil {
		t.Fatalf("stored data: %v", err)
	}
	if stored.ID != id || stored.Name != "Todo" {
		t.Errorf("stored = %+v", stored)
	}
}

func TestPostgresStore_SaveInvalid(t *testing.T) {
	t.Parallel()
	db := &mockDB{}
	if _, err := newTestStore(db).Save(context.Background(), requirements.NewProduct("")); err == nil {
		t.Fatal("expected validation error")
	}
	if len(db.execs) != 0 {
		t.Error("invalid document reached the database")
	}
}

func TestPostgresStore_Get(t *testing.T) {
	t.Parallel()

	doc := requirements.NewProduct("Todo")
	doc.Vision.Summary = "Tracks tasks."
	raw := encoded(t, doc)

	tests := []struct {
		name    string
		scan    func(dest ...any) error
		wantNil bool
		wantErr bool
	}{
		{name: "found", scan: func(dest ...any) error { return assign([]any{raw}, dest) }},
		{name: "not found", scan: func(...any) error { return pgx.ErrNoRows }, wantNil: true},
		{name: "db error", scan: func(...any) error { return errors.New("conn reset") }, wantNil: true, wantErr: true},
		{name: "corrupt data", scan: func(dest ...any) error { return assign([]any{[]byte("{")}, dest) }, wantNil: true, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var gotSQL string
			db := &mockDB{queryRowFunc: func(_ context.Context, sql string, _ ...any) pgx.Row {
				gotSQL = sql
				return &mockRow{scanFunc: tc.scan}
			}}
			got, err := newTestStore(db).Get(context.Background(), "abc")
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if (got == nil) != tc.wantNil {
				t.Fatalf("got = %+v, wantNil %v", got, tc.wantNil)
			}
			if got != nil && (got.ID != "abc" || got.Vision.Summary != "Tracks tasks.") {
				t.Errorf("got = %+v", got)
			}
			if !strings.Contains(gotSQL, "WHERE id = $1") {
				t.Errorf("sql = %s", gotSQL)
			}
		})
	}
}

func TestPostgresStore_Update(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		tag      string
		wantErr  bool
		notFound bool
	}{
		{name: "updated", tag: "UPDATE 1"},
		{name: "missing", tag: "UPDATE 0", wantErr: true, notFound: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
				return pgconn.NewCommandTag(tc.tag), nil
			}}
			p := requirements.NewProduct("Todo")
			p.Status = requirements.StatusCompleted
			err := newTestStore(db).Update(context.Background(), "abc", p)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if errors.Is(err, ErrNotFound) != tc.notFound {
				t.Errorf("ErrNotFound = %v, want %v", errors.Is(err, ErrNotFound), tc.notFound)
			}
			call := db.execs[0]
			if !strings.HasPrefix(strings.TrimSpace(call.sql), "UPDATE products") || call.args[0] != "abc" || call.args[2] != "Completed" {
				t.Errorf("exec = %s %v", call.sql, call.args[:3])
			}
		})
	}
}

func TestPostgresStore_Latest(t *testing.T) {
	t.Parallel()
	raw := encoded(t, requirements.NewProduct("Newest"))
	db := &mockDB{queryRowFunc: func(_ context.Context, sql string, _ ...any) pgx.Row {
		if !strings.Contains(sql, "ORDER BY updated_at DESC LIMIT 1") {
			t.Errorf("sql = %s", sql)
		}
		return &mockRow{scanFunc: func(dest ...any) error { return assign([]any{"id-9", raw}, dest) }}
	}}
	got, err := newTestStore(db).Latest(context.Background())
	if err != nil || got == nil || got.ID != "id-9" || got.Name != "Newest" {
		t.Fatalf("Latest = %+v, %v", got, err)
	}

	empty, err := newTestStore(&mockDB{}).Latest(context.Background())
	if empty != nil || err != nil {
		t.Errorf("Latest on empty = %v, %v", empty, err)
	}
}

func TestPostgresStore_List(t *testing.T) {
	t.Parallel()
	rows := &mockRows{data: [][]any{
		{"b", "Beta", "Drafted", fixedNow},
		{"a", "Alpha", "Discovery", fixedNow.Add(-time.Hour)},
	}}
	db := &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) { return rows, nil }}

	got, err := newTestStore(db).List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[0].Status != requirements.StatusDrafted || !got[1].UpdatedAt.Equal(fixedNow.Add(-time.Hour)) {
		t.Errorf("List = %+v", got)
	}
	if !rows.closed {
		t.Error("rows not closed")
	}

	failing := &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
		return &mockRows{err: errors.New("broken")}, nil
	}}
	if _, err := newTestStore(failing).List(context.Background()); err == nil {
		t.Error("expected rows error")
	}
}

func TestPostgresStore_PingFallsBackToQuery(t *testing.T) {
	t.Parallel()
	db := &mockDB{}
	if err := newTestStore(db).Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(db.execs) != 1 || db.execs[0].sql != "SELECT 1" {
		t.Errorf("execs = %+v", db.execs)
	}
}
