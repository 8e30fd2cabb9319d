package cloud

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"asistoya/internal/store"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sync_documents (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	doc        JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_sync_documents_doc ON sync_documents USING GIN (doc jsonb_path_ops);
`

// Postgres is a self-hosted Remote adapter storing every collection in one JSONB table.
type Postgres struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgres prepares the documents table on db.
func NewPostgres(ctx context.Context, db *store.DB, timeout time.Duration) (*Postgres, error) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	p := &Postgres{db: db.Client, timeout: timeout}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := p.db.ExecContext(ctx, postgresSchema); err != nil {
		return nil, classifyPostgres("migrate", err)
	}
	return p, nil
}

func (p *Postgres) Name() string { return "postgres" }

func (p *Postgres) Put(ctx context.Context, collection, id string, doc store.Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return permanent("put", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO sync_documents (collection, id, doc)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO UPDATE SET
			doc = EXCLUDED.doc,
			updated_at = NOW()
	`, RemoteCollection(collection), id, string(payload))
	if err != nil {
		return classifyPostgres("put", err)
	}
	return nil
}

// Query matches with JSONB containment, which is field equality for scalar filters.
func (p *Postgres) Query(ctx context.Context, collection string, filters store.Filters) ([]store.Document, error) {
	if filters == nil {
		filters = store.Filters{}
	}
	want, err := json.Marshal(filters)
	if err != nil {
		return nil, permanent("query", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, `
		SELECT doc FROM sync_documents
		WHERE collection = $1 AND doc @> $2::jsonb
		ORDER BY id
	`, RemoteCollection(collection), string(want))
	if err != nil {
		return nil, classifyPostgres("query", err)
	}
	defer rows.Close()

	var docs []store.Document
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, classifyPostgres("query", err)
		}
		var doc store.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgres("query", err)
	}
	return docs, nil
}

func (p *Postgres) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.db.PingContext(ctx); err != nil {
		return classifyPostgres("health", err)
	}
	return nil
}

func classifyPostgres(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			strings.HasPrefix(pgErr.Code, "57"), // operator intervention
			strings.HasPrefix(pgErr.Code, "40"): // transaction rollback
			return transient(op, err)
		case strings.HasPrefix(pgErr.Code, "22"), // data exception
			strings.HasPrefix(pgErr.Code, "23"), // integrity constraint
			strings.HasPrefix(pgErr.Code, "28"), // invalid authorization
			strings.HasPrefix(pgErr.Code, "42"): // syntax or access rule
			return permanent(op, err)
		}
		return transient(op, err)
	}
	return transient(op, err)
}
