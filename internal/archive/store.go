// Package archive is the durable store for sessions that left the live
// store. Writes are idempotent upserts keyed by session id and
// (session id, student id), so replaying an archive changes nothing.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"classattend/internal/attendance"
)

// Store persists archived sessions with sqlx on Postgres (pgx) or SQLite.
type Store struct {
	db     *sqlx.DB
	sqlite bool
	now    func() time.Time
}

// New wraps an open database handle.
func New(db *sqlx.DB) *Store {
	return &Store{
		db:     db,
		sqlite: db.DriverName() == "sqlite",
		now:    func() time.Time { return time.Now().UTC() },
	}
}

const upsertUser = `
	INSERT INTO users (user_id, full_name, role)
	VALUES (?, ?, ?)
	ON CONFLICT (user_id) DO UPDATE SET
		full_name = CASE WHEN excluded.full_name <> '' THEN excluded.full_name ELSE users.full_name END,
		role = CASE WHEN excluded.role <> '' THEN excluded.role ELSE users.role END`

const upsertSession = `
	INSERT INTO sessions (session_id, course, teacher_id, teacher_name, network_id,
		starts_at, ends_at, policy, status, created_at, closed_at, archived_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (session_id) DO UPDATE SET
		course = excluded.course,
		teacher_name = excluded.teacher_name,
		network_id = excluded.network_id,
		starts_at = excluded.starts_at,
		ends_at = excluded.ends_at,
		policy = excluded.policy,
		status = excluded.status,
		closed_at = excluded.closed_at,
		archived_at = excluded.archived_at`

// Amended rows carry a higher version than the live copy, so a late replay
// of the live copy cannot undo an amendment.
const upsertRecord = `
	INSERT INTO records (session_id, student_id, student_name, disposition, reason,
		provenance, image_url, version, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (session_id, student_id) DO UPDATE SET
		student_name = excluded.student_name,
		disposition = excluded.disposition,
		reason = excluded.reason,
		provenance = excluded.provenance,
		image_url = excluded.image_url,
		version = excluded.version,
		updated_at = excluded.updated_at
	WHERE records.version <= excluded.version`

// UpsertSession writes a session and all of its records in one transaction.
func (s *Store) UpsertSession(ctx context.Context, sess attendance.Session, records []attendance.Record) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(upsertUser), sess.TeacherID, sess.TeacherName, attendance.RoleTeacher); err != nil {
		return fmt.Errorf("upsert teacher: %w", err)
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(upsertSession),
		sess.ID, sess.Course, sess.TeacherID, sess.TeacherName, sess.NetworkID,
		sess.StartsAt.UTC(), sess.EndsAt.UTC(), string(sess.Policy), string(sess.Status),
		sess.CreatedAt.UTC(), utcPtr(sess.ClosedAt), utcPtr(sess.ArchivedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.ID, err)
	}
	for _, r := range records {
		if _, err := tx.ExecContext(ctx, tx.Rebind(upsertUser), r.StudentID, r.StudentName, attendance.RoleStudent); err != nil {
			return fmt.Errorf("upsert student %s: %w", r.StudentID, err)
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(upsertRecord),
			sess.ID, r.StudentID, r.StudentName, string(r.Disposition), r.Reason,
			string(r.Provenance), r.ImageURL, r.Version, r.UpdatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("upsert record %s/%s: %w", sess.ID, r.StudentID, err)
		}
	}
	return tx.Commit()
}

const sessionColumns = `session_id, course, teacher_id, teacher_name, network_id,
	starts_at, ends_at, policy, status, created_at, closed_at, archived_at`

const recordColumns = `session_id, student_id, student_name, disposition, reason,
	provenance, image_url, version, updated_at`

// ListSessions returns a teacher's archived sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, teacherID string) ([]attendance.Session, error) {
	var out []attendance.Session
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE teacher_id = ? AND is_deleted = FALSE
		ORDER BY starts_at DESC
	`), teacherID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetSession returns one archived session that was not deleted.
func (s *Store) GetSession(ctx context.Context, id string) (attendance.Session, error) {
	var sess attendance.Session
	err := s.db.GetContext(ctx, &sess, s.db.Rebind(`
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE session_id = ? AND is_deleted = FALSE
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Session{}, fmt.Errorf("archived session %s: %w", id, attendance.ErrNotFound)
	}
	return sess, err
}

// ListRecords returns the live records of an archived session.
func (s *Store) ListRecords(ctx context.Context, sessionID string) ([]attendance.Record, error) {
	var out []attendance.Record
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT `+recordColumns+`
		FROM records
		WHERE session_id = ? AND is_deleted = FALSE
		ORDER BY student_id
	`), sessionID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AmendRecord sets a record's disposition after archiving. A record that
// does not exist yet is added; a soft-deleted one is restored.
func (s *Store) AmendRecord(ctx context.Context, rec attendance.Record) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(upsertUser), rec.StudentID, rec.StudentName, attendance.RoleStudent); err != nil {
		return fmt.Errorf("upsert student %s: %w", rec.StudentID, err)
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO records (session_id, student_id, student_name, disposition, reason,
			provenance, image_url, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '', 1, ?)
		ON CONFLICT (session_id, student_id) DO UPDATE SET
			disposition = excluded.disposition,
			reason = excluded.reason,
			provenance = excluded.provenance,
			version = records.version + 1,
			updated_at = excluded.updated_at,
			is_deleted = FALSE,
			deletion_reason = '',
			deletion_time = NULL
	`), rec.SessionID, rec.StudentID, rec.StudentName, string(rec.Disposition), rec.Reason,
		string(rec.Provenance), rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("amend record %s/%s: %w", rec.SessionID, rec.StudentID, err)
	}
	return tx.Commit()
}

// DeleteSession soft-deletes an archived session.
func (s *Store) DeleteSession(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE sessions
		SET is_deleted = TRUE, deletion_reason = ?, deletion_time = ?
		WHERE session_id = ? AND is_deleted = FALSE
	`), reason, s.now(), id)
	if err != nil {
		return err
	}
	return affected(res, "archived session "+id)
}

// DeleteRecord soft-deletes one archived record.
func (s *Store) DeleteRecord(ctx context.Context, sessionID, studentID, reason string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE records
		SET is_deleted = TRUE, deletion_reason = ?, deletion_time = ?
		WHERE session_id = ? AND student_id = ? AND is_deleted = FALSE
	`), reason, s.now(), sessionID, studentID)
	if err != nil {
		return err
	}
	return affected(res, "archived record "+sessionID+"/"+studentID)
}

func affected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, attendance.ErrNotFound)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
