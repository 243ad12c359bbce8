package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"drawsync/core"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const (
	MaxConns        = 10
	MinConns        = 2
	MaxConnLifetime = 10 * time.Minute
	MaxConnIdleTime = 5 * time.Minute
)

// Documents are kept as bytea rather than jsonb so the stored bytes are
// exactly what the client sent.
const schema = `
CREATE TABLE IF NOT EXISTS drawings (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	title TEXT NOT NULL,
	thumbnail TEXT NOT NULL DEFAULT '',
	document BYTEA,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS drawings_owner_updated ON drawings (owner_id, updated_at DESC);`

const columns = "id, owner_id, title, thumbnail, document, created_at, updated_at"

type pgStore struct {
	pool *pgxpool.Pool
}

// NewPool opens a sized connection pool and pings it.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing postgres config: %w", err)
	}
	config.MaxConns = MaxConns
	config.MinConns = MinConns
	config.MaxConnLifetime = MaxConnLifetime
	config.MaxConnIdleTime = MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("error creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("error pinging postgres pool: %w", err)
	}
	return pool, nil
}

// NewStore creates the schema on pool and returns the store.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*pgStore, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create drawings table: %w", err)
	}
	return &pgStore{pool: pool}, nil
}

func (s *pgStore) Close() {
	s.pool.Close()
}

func (s *pgStore) List(ctx context.Context, ownerID string) ([]*core.Drawing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, thumbnail, created_at, updated_at FROM drawings
		 WHERE owner_id = $1 ORDER BY updated_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query drawings: %w", err)
	}
	defer rows.Close()

	drawings := make([]*core.Drawing, 0)
	for rows.Next() {
		d := core.Drawing{OwnerID: ownerID}
		if err := rows.Scan(&d.ID, &d.Title, &d.Thumbnail, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan drawing: %w", err)
		}
		d.CreatedAt, d.UpdatedAt = d.CreatedAt.UTC(), d.UpdatedAt.UTC()
		drawings = append(drawings, &d)
	}
	return drawings, rows.Err()
}

func (s *pgStore) Get(ctx context.Context, id string) (*core.Drawing, error) {
	d, err := scanDrawing(s.pool.QueryRow(ctx, "SELECT "+columns+" FROM drawings WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("drawing %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get drawing: %w", err)
	}
	return d, nil
}

func (s *pgStore) Create(ctx context.Context, drawing *core.Drawing) error {
	if drawing.ID == "" {
		drawing.ID = ulid.Make().String()
	}
	now := core.Now()
	drawing.CreatedAt, drawing.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO drawings (`+columns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		drawing.ID, drawing.OwnerID, drawing.Title, drawing.Thumbnail, []byte(drawing.Document), now, now)
	if err != nil {
		return fmt.Errorf("failed to create drawing: %w", err)
	}
	logrus.WithFields(logrus.Fields{"user_id": drawing.OwnerID, "drawing_id": drawing.ID}).Info("Drawing created successfully")
	return nil
}

// Update is a single statement: the row lock orders overlapping writers and
// updated_at is forced strictly forward.
func (s *pgStore) Update(ctx context.Context, id string, patch core.DrawingPatch) (*core.Drawing, error) {
	var title, thumbnail, document any
	if patch.Title != nil {
		title = *patch.Title
	}
	if patch.Thumbnail != nil {
		thumbnail = *patch.Thumbnail
	}
	if len(patch.Document) > 0 {
		document = []byte(patch.Document)
	}

	d, err := scanDrawing(s.pool.QueryRow(ctx, `
		UPDATE drawings SET
			title = COALESCE($1::text, title),
			thumbnail = COALESCE($2::text, thumbnail),
			document = COALESCE($3::bytea, document),
			updated_at = GREATEST($4::timestamptz, updated_at + interval '1 microsecond')
		WHERE id = $5
		RETURNING `+columns,
		title, thumbnail, document, core.Now(), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("drawing %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update drawing: %w", err)
	}
	return d, nil
}

func (s *pgStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM drawings WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete drawing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("drawing %s: %w", id, core.ErrNotFound)
	}
	logrus.WithField("drawing_id", id).Info("Drawing deleted successfully")
	return nil
}

func scanDrawing(row pgx.Row) (*core.Drawing, error) {
	var (
		d        core.Drawing
		document []byte
	)
	if err := row.Scan(&d.ID, &d.OwnerID, &d.Title, &d.Thumbnail, &document, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Document = document
	d.CreatedAt, d.UpdatedAt = d.CreatedAt.UTC(), d.UpdatedAt.UTC()
	return &d, nil
}
