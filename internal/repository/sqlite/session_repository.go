package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"coursegrab/internal/domain"
	"coursegrab/internal/repository"
)

const (
	createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	site TEXT NOT NULL DEFAULT 'auto',
	destination TEXT NOT NULL,
	mode TEXT NOT NULL DEFAULT 'per-item',
	status TEXT NOT NULL,
	course_title TEXT NOT NULL DEFAULT '',
	total_items INTEGER NOT NULL DEFAULT 0,
	completed_count INTEGER NOT NULL DEFAULT 0,
	skipped_count INTEGER NOT NULL DEFAULT 0,
	failed_count INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	mirror_location TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	finished_at DATETIME NULL
);
`

	createSessionItemsTable = `
CREATE TABLE IF NOT EXISTS session_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	ordinal INTEGER NOT NULL,
	target_url TEXT NOT NULL,
	archive_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	UNIQUE(session_id, ordinal)
);
`
)

type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) repository.SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createSessionsTable); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, createSessionItemsTable); err != nil {
		return fmt.Errorf("create session_items table: %w", err)
	}
	if err := r.ensureSessionColumns(ctx); err != nil {
		return err
	}
	return nil
}

func (r *SessionRepository) ensureSessionColumns(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `PRAGMA table_info(sessions)`)
	if err != nil {
		return fmt.Errorf("describe sessions table: %w", err)
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("scan pragma table info: %w", err)
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pragma table info: %w", err)
	}

	addColumn := func(name, statement string) error {
		if _, exists := columns[name]; exists {
			return nil
		}
		if _, err := r.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("add column %s: %w", name, err)
		}
		return nil
	}

	if err := addColumn("mode", `ALTER TABLE sessions ADD COLUMN mode TEXT NOT NULL DEFAULT 'per-item'`); err != nil {
		return err
	}
	if err := addColumn("skipped_count", `ALTER TABLE sessions ADD COLUMN skipped_count INTEGER NOT NULL DEFAULT 0`); err != nil {
		return err
	}
	if err := addColumn("failed_count", `ALTER TABLE sessions ADD COLUMN failed_count INTEGER NOT NULL DEFAULT 0`); err != nil {
		return err
	}
	if err := addColumn("mirror_location", `ALTER TABLE sessions ADD COLUMN mirror_location TEXT NOT NULL DEFAULT ''`); err != nil {
		return err
	}
	return nil
}

func (r *SessionRepository) Create(ctx context.Context, session *domain.Session) error {
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	} else {
		session.CreatedAt = session.CreatedAt.UTC()
	}
	session.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
INSERT INTO sessions (id, url, site, destination, mode, status, course_title, total_items, completed_count, skipped_count, failed_count, error_message, mirror_location, created_at, updated_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.URL,
		string(session.Site),
		session.Destination,
		string(session.Mode),
		string(session.Status),
		session.CourseTitle,
		session.TotalItems,
		session.CompletedCount,
		session.SkippedCount,
		session.FailedCount,
		session.ErrorMessage,
		session.MirrorLocation,
		session.CreatedAt,
		session.UpdatedAt,
		nullTime(session.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *SessionRepository) Update(ctx context.Context, session *domain.Session) error {
	session.UpdatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
UPDATE sessions
SET url=?, site=?, destination=?, mode=?, status=?, course_title=?, total_items=?, completed_count=?, skipped_count=?, failed_count=?, error_message=?, mirror_location=?, updated_at=?, finished_at=?
WHERE id=?`,
		session.URL,
		string(session.Site),
		session.Destination,
		string(session.Mode),
		string(session.Status),
		session.CourseTitle,
		session.TotalItems,
		session.CompletedCount,
		session.SkippedCount,
		session.FailedCount,
		session.ErrorMessage,
		session.MirrorLocation,
		session.UpdatedAt,
		nullTime(session.FinishedAt),
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func (r *SessionRepository) Get(ctx context.Context, id string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, url, site, destination, mode, status, course_title, total_items, completed_count, skipped_count, failed_count, error_message, mirror_location, created_at, updated_at, finished_at
FROM sessions
WHERE id=?`,
		id,
	)

	session, err := scanSession(row)
	if err != nil {
		return nil, err
	}

	items, err := r.ListItems(ctx, id)
	if err != nil {
		return nil, err
	}
	session.Items = items

	return session, nil
}

func (r *SessionRepository) List(ctx context.Context) ([]domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, url, site, destination, mode, status, course_title, total_items, completed_count, skipped_count, failed_count, error_message, mirror_location, created_at, updated_at, finished_at
FROM sessions
ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}

	return sessions, rows.Err()
}

func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_items WHERE session_id=?`, id); err != nil {
		return fmt.Errorf("delete session items: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session delete rows affected: %w", err)
	}
	if aff == 0 {
		return fmt.Errorf("session not found")
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session delete: %w", err)
	}
	return nil
}

func (r *SessionRepository) ReplaceItems(ctx context.Context, sessionID string, items []domain.QueueItem) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_items WHERE session_id=?`, sessionID); err != nil {
		return fmt.Errorf("clear session items: %w", err)
	}

	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO session_items (session_id, ordinal, target_url, archive_id, title, status, error)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sessionID,
			item.Ordinal,
			item.TargetURL,
			item.ArchiveID,
			item.Title,
			string(item.Status),
			item.Error,
		); err != nil {
			return fmt.Errorf("insert session item %d: %w", item.Ordinal, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session items: %w", err)
	}
	return nil
}

func (r *SessionRepository) UpsertItem(ctx context.Context, sessionID string, item domain.QueueItem) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO session_items (session_id, ordinal, target_url, archive_id, title, status, error)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id, ordinal) DO UPDATE
SET target_url=excluded.target_url, archive_id=excluded.archive_id, title=excluded.title, status=excluded.status, error=excluded.error`,
		sessionID,
		item.Ordinal,
		item.TargetURL,
		item.ArchiveID,
		item.Title,
		string(item.Status),
		item.Error,
	)
	if err != nil {
		return fmt.Errorf("upsert session item %d: %w", item.Ordinal, err)
	}
	return nil
}

func (r *SessionRepository) ListItems(ctx context.Context, sessionID string) ([]domain.QueueItem, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, session_id, ordinal, target_url, archive_id, title, status, error
FROM session_items
WHERE session_id=?
ORDER BY ordinal ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query session items: %w", err)
	}
	defer rows.Close()

	var items []domain.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}

	return items, rows.Err()
}

func scanSession(scanner interface {
	Scan(dest ...any) error
}) (*domain.Session, error) {
	var (
		session       domain.Session
		site          string
		mode          string
		status        string
		createdAt     time.Time
		updatedAt     time.Time
		finishedValid sql.NullTime
	)

	if err := scanner.Scan(
		&session.ID,
		&session.URL,
		&site,
		&session.Destination,
		&mode,
		&status,
		&session.CourseTitle,
		&session.TotalItems,
		&session.CompletedCount,
		&session.SkippedCount,
		&session.FailedCount,
		&session.ErrorMessage,
		&session.MirrorLocation,
		&createdAt,
		&updatedAt,
		&finishedValid,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session not found")
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	session.Site = domain.SiteType(site)
	session.Mode = domain.RunMode(mode)
	session.Status = domain.SessionStatus(status)
	session.CreatedAt = createdAt.Local()
	session.UpdatedAt = updatedAt.Local()
	if finishedValid.Valid {
		t := finishedValid.Time.Local()
		session.FinishedAt = &t
	}

	return &session, nil
}

func scanItem(scanner interface {
	Scan(dest ...any) error
}) (*domain.QueueItem, error) {
	var (
		item   domain.QueueItem
		status string
	)

	if err := scanner.Scan(
		&item.ID,
		&item.SessionID,
		&item.Ordinal,
		&item.TargetURL,
		&item.ArchiveID,
		&item.Title,
		&status,
		&item.Error,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session item not found")
		}
		return nil, fmt.Errorf("scan session item: %w", err)
	}

	item.Status = domain.ItemStatus(status)
	return &item, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
