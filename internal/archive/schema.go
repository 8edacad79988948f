package archive

import (
	"context"
	"fmt"
	"strings"
)

// Statements are written for Postgres; the SQLite dialect is derived from
// them by swapping column types.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_id   TEXT PRIMARY KEY,
		full_name TEXT NOT NULL DEFAULT '',
		role      TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id      TEXT PRIMARY KEY,
		course          TEXT NOT NULL,
		teacher_id      TEXT NOT NULL REFERENCES users (user_id),
		teacher_name    TEXT NOT NULL DEFAULT '',
		network_id      TEXT NOT NULL DEFAULT '',
		starts_at       TIMESTAMPTZ NOT NULL,
		ends_at         TIMESTAMPTZ NOT NULL,
		policy          TEXT NOT NULL,
		status          TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		closed_at       TIMESTAMPTZ NULL,
		archived_at     TIMESTAMPTZ NULL,
		is_deleted      BOOLEAN NOT NULL DEFAULT FALSE,
		deletion_reason TEXT NOT NULL DEFAULT '',
		deletion_time   TIMESTAMPTZ NULL
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_teacher_idx ON sessions (teacher_id, starts_at)`,
	`CREATE TABLE IF NOT EXISTS records (
		session_id      TEXT NOT NULL REFERENCES sessions (session_id),
		student_id      TEXT NOT NULL REFERENCES users (user_id),
		student_name    TEXT NOT NULL DEFAULT '',
		disposition     TEXT NOT NULL,
		reason          TEXT NOT NULL DEFAULT '',
		provenance      TEXT NOT NULL,
		image_url       TEXT NOT NULL DEFAULT '',
		version         BIGINT NOT NULL DEFAULT 0,
		updated_at      TIMESTAMPTZ NOT NULL,
		is_deleted      BOOLEAN NOT NULL DEFAULT FALSE,
		deletion_reason TEXT NOT NULL DEFAULT '',
		deletion_time   TIMESTAMPTZ NULL,
		PRIMARY KEY (session_id, student_id)
	)`,
}

var sqliteTypes = strings.NewReplacer("TIMESTAMPTZ", "DATETIME", "BIGINT", "INTEGER")

// Migrate creates the archive tables if they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if s.sqlite {
			stmt = sqliteTypes.Replace(stmt)
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
