package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"drawsync/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Timestamps are stored as unix microseconds so the version token
// round-trips exactly.
const schema = `
CREATE TABLE IF NOT EXISTS drawings (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	title TEXT NOT NULL,
	thumbnail TEXT NOT NULL DEFAULT '',
	document BLOB,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS drawings_owner_updated ON drawings (owner_id, updated_at DESC);`

type sqliteStore struct {
	db *sql.DB
}

// NewStore opens the database and creates the schema.
func NewStore(dataSourceName string) (*sqliteStore, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One writer at a time; concurrent writers would otherwise see SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create drawings table: %w", err)
	}
	return &sqliteStore{db}, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) List(ctx context.Context, ownerID string) ([]*core.Drawing, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title, thumbnail, created_at, updated_at FROM drawings WHERE owner_id = ? ORDER BY updated_at DESC",
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("list drawings: %w", err)
	}
	defer rows.Close()

	drawings := make([]*core.Drawing, 0)
	for rows.Next() {
		d := core.Drawing{OwnerID: ownerID}
		var created, updated int64
		if err := rows.Scan(&d.ID, &d.Title, &d.Thumbnail, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan drawing: %w", err)
		}
		d.CreatedAt, d.UpdatedAt = fromMicros(created), fromMicros(updated)
		drawings = append(drawings, &d)
	}
	return drawings, rows.Err()
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*core.Drawing, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, owner_id, title, thumbnail, document, created_at, updated_at FROM drawings WHERE id = ?", id)
	d, err := scanDrawing(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("drawing %s: %w", id, core.ErrNotFound)
		}
		logrus.WithFields(logrus.Fields{"drawing_id": id, "error": err}).Error("Failed to retrieve drawing")
		return nil, err
	}
	return d, nil
}

func (s *sqliteStore) Create(ctx context.Context, drawing *core.Drawing) error {
	if drawing.ID == "" {
		drawing.ID = ulid.Make().String()
	}
	now := core.Now()
	drawing.CreatedAt, drawing.UpdatedAt = now, now

	log := logrus.WithFields(logrus.Fields{
		"user_id":     drawing.OwnerID,
		"drawing_id":  drawing.ID,
		"data_length": len(drawing.Document),
	})

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO drawings (id, owner_id, title, thumbnail, document, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		drawing.ID, drawing.OwnerID, drawing.Title, drawing.Thumbnail, []byte(drawing.Document), now.UnixMicro(), now.UnixMicro())
	if err != nil {
		log.WithError(err).Error("Failed to create drawing")
		return fmt.Errorf("create drawing: %w", err)
	}
	log.Info("Drawing created successfully")
	return nil
}

// Update is one statement, so overlapping writers serialize inside SQLite
// and the later commit wins. updated_at always moves forward.
func (s *sqliteStore) Update(ctx context.Context, id string, patch core.DrawingPatch) (*core.Drawing, error) {
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

	row := s.db.QueryRowContext(ctx, `
		UPDATE drawings SET
			title = COALESCE(?, title),
			thumbnail = COALESCE(?, thumbnail),
			document = COALESCE(?, document),
			updated_at = MAX(?, updated_at + 1)
		WHERE id = ?
		RETURNING id, owner_id, title, thumbnail, document, created_at, updated_at`,
		title, thumbnail, document, core.Now().UnixMicro(), id)

	d, err := scanDrawing(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("drawing %s: %w", id, core.ErrNotFound)
		}
		return nil, fmt.Errorf("update drawing %s: %w", id, err)
	}
	logrus.WithFields(logrus.Fields{"user_id": d.OwnerID, "drawing_id": id}).Debug("Drawing updated successfully")
	return d, nil
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM drawings WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete drawing %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("drawing %s: %w", id, core.ErrNotFound)
	}
	logrus.WithField("drawing_id", id).Info("Drawing deleted successfully")
	return nil
}

func scanDrawing(row *sql.Row) (*core.Drawing, error) {
	var (
		d                core.Drawing
		document         []byte
		created, updated int64
	)
	if err := row.Scan(&d.ID, &d.OwnerID, &d.Title, &d.Thumbnail, &document, &created, &updated); err != nil {
		return nil, err
	}
	d.Document = document
	d.CreatedAt, d.UpdatedAt = fromMicros(created), fromMicros(updated)
	return &d, nil
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}
