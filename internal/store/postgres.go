package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/vibepm/internal/requirements"
)

// Schema is the SQL DDL for the products table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS products (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    status      TEXT NOT NULL,
    data        JSONB NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_products_updated_at ON products(updated_at DESC);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by PostgreSQL.
type PostgresStore struct {
	db    DB
	pool  *pgxpool.Pool
	now   func() time.Time
	newID func() string
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on an existing connection or pool. The
// caller is responsible for calling [PostgresStore.Migrate].
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now, newID: uuid.NewString}
}

// OpenPostgres connects a pool to dsn, verifies the connection and applies
// [Schema].
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	s := NewPostgresStore(pool)
	s.pool = pool
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Close releases the pool opened by [OpenPostgres]. It is a no-op for stores
// created with [NewPostgresStore].
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Save implements [Store].
func (s *PostgresStore) Save(ctx context.Context, p *requirements.Product) (string, error) {
	if err := requirements.Validate(p); err != nil {
		return "", fmt.Errorf("store: save: %w", err)
	}
	id := s.newID()
	data, updated, err := s.encode(id, p)
	if err != nil {
		return "", err
	}

	const query = `
		INSERT INTO products (id, name, status, data, updated_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.db.Exec(ctx, query, id, p.Name, string(p.Status), data, updated); err != nil {
		return "", fmt.Errorf("store: save: %w", err)
	}
	p.ID, p.UpdatedAt = id, updated
	return id, nil
}

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, id string) (*requirements.Product, error) {
	const query = `SELECT data FROM products WHERE id = $1`

	var data []byte
	if err := s.db.QueryRow(ctx, query, id).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get %q: %w", id, err)
	}
	return decode(id, data)
}

// Update implements [Store].
func (s *PostgresStore) Update(ctx context.Context, id string, p *requirements.Product) error {
	if err := requirements.Validate(p); err != nil {
		return fmt.Errorf("store: update: %w", err)
	}
	data, updated, err := s.encode(id, p)
	if err != nil {
		return err
	}

	const query = `
		UPDATE products SET name = $2, status = $3, data = $4, updated_at = $5
		WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, id, p.Name, string(p.Status), data, updated)
	if err != nil {
		return fmt.Errorf("store: update %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: update %q: %w", id, ErrNotFound)
	}
	p.ID, p.UpdatedAt = id, updated
	return nil
}

// Latest implements [Store].
func (s *PostgresStore) Latest(ctx context.Context) (*requirements.Product, error) {
	const query = `SELECT id, data FROM products ORDER BY updated_at DESC LIMIT 1`

	var (
		id   string
		data []byte
	)
	if err := s.db.QueryRow(ctx, query).Scan(&id, &data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: latest: %w", err)
	}
	return decode(id, data)
}

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context) ([]Summary, error) {
	const query = `SELECT id, name, status, updated_at FROM products ORDER BY updated_at DESC`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum    Summary
			status string
		)
		if err := rows.Scan(&sum.ID, &sum.Name, &status, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: list scan: %w", err)
		}
		sum.Status = requirements.Status(status)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return out, nil
}

// Ping implements [Store].
func (s *PostgresStore) Ping(ctx context.Context) error {
	if p, ok := s.db.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	_, err := s.db.Exec(ctx, "SELECT 1")
	return err
}

func (s *PostgresStore) encode(id string, p *requirements.Product) ([]byte, time.Time, error) {
	doc := *p
	doc.Normalize()
	doc.ID = id
	doc.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(&doc)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("store: marshal product: %w", err)
	}
	return data, doc.UpdatedAt, nil
}

func decode(id string, data []byte) (*requirements.Product, error) {
	var p requirements.Product
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("store: unmarshal product %q: %w", id, err)
	}
	p.ID = id
	p.Normalize()
	return &p, nil
}
