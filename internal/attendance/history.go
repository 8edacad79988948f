package attendance

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// History returns the teacher's archived sessions, newest first.
func (s *Service) History(ctx context.Context, teacher Profile) ([]Session, error) {
	if teacher.Role != RoleTeacher {
		return nil, fmt.Errorf("%w: teacher role required", ErrForbidden)
	}
	return s.history.ListSessions(ctx, teacher.UserID)
}

// HistoryRecords returns the records of an archived session.
func (s *Service) HistoryRecords(ctx context.Context, teacher Profile, sessionID string) ([]Record, error) {
	if _, err := s.ownedArchived(ctx, teacher, sessionID); err != nil {
		return nil, err
	}
	return s.history.ListRecords(ctx, sessionID)
}

// AmendHistory sets the disposition of a student's archived record, adding
// the record when the student never attended.
func (s *Service) AmendHistory(ctx context.Context, teacher Profile, sessionID, studentID string, d Disposition, reason string) (Record, error) {
	if strings.TrimSpace(studentID) == "" {
		return Record{}, validation("student id is required")
	}
	if !d.Terminal() {
		return Record{}, validation("disposition must be ACCEPTED or REJECTED")
	}
	if _, err := s.ownedArchived(ctx, teacher, sessionID); err != nil {
		return Record{}, err
	}
	rec := override(Record{SessionID: sessionID, StudentID: studentID}, d == Accepted, strings.TrimSpace(reason), s.now())
	if err := s.history.AmendRecord(ctx, rec); err != nil {
		return Record{}, err
	}
	s.log.Info("archived record amended",
		zap.String("session_id", sessionID),
		zap.String("student_id", studentID),
		zap.String("disposition", string(rec.Disposition)),
	)
	return rec, nil
}

// DeleteHistory soft-deletes an archived session.
func (s *Service) DeleteHistory(ctx context.Context, teacher Profile, sessionID, reason string) error {
	if _, err := s.ownedArchived(ctx, teacher, sessionID); err != nil {
		return err
	}
	return s.history.DeleteSession(ctx, sessionID, strings.TrimSpace(reason))
}

// DeleteHistoryRecord soft-deletes one archived record.
func (s *Service) DeleteHistoryRecord(ctx context.Context, teacher Profile, sessionID, studentID, reason string) error {
	if _, err := s.ownedArchived(ctx, teacher, sessionID); err != nil {
		return err
	}
	return s.history.DeleteRecord(ctx, sessionID, studentID, strings.TrimSpace(reason))
}

func (s *Service) ownedArchived(ctx context.Context, teacher Profile, sessionID string) (Session, error) {
	if teacher.Role != RoleTeacher {
		return Session{}, fmt.Errorf("%w: teacher role required", ErrForbidden)
	}
	sess, err := s.history.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if sess.TeacherID != teacher.UserID {
		return Session{}, fmt.Errorf("%w: not the session owner", ErrForbidden)
	}
	return sess, nil
}
