package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"classattend/internal/metrics"
)

// Deps are the collaborators of a Service. Evidence may be nil.
type Deps struct {
	Live      LiveStore
	History   History
	Dispatch  Dispatcher
	Network   NetworkChecker
	Photos    PhotoSource
	Evidence  EvidenceStore
	Publisher Publisher
	Log       *zap.Logger

	// SessionTTLSlack is how long past its scheduled end a live session's
	// entries survive if nothing ever archives them.
	SessionTTLSlack time.Duration
	// Grace bounds how long a closing session waits for pending checks.
	Grace time.Duration
	// Poll is the interval at which a draining session is re-read.
	Poll time.Duration
}

// Service owns the session and record lifecycle.
type Service struct {
	live     LiveStore
	history  History
	dispatch Dispatcher
	network  NetworkChecker
	photos   PhotoSource
	evidence EvidenceStore
	log      *zap.Logger
	slack    time.Duration
	coord    *Coordinator
	now      func() time.Time
}

// NewService wires a Service and its Coordinator.
func NewService(d Deps) *Service {
	if d.SessionTTLSlack <= 0 {
		d.SessionTTLSlack = 24 * time.Hour
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	s := &Service{
		live:     d.Live,
		history:  d.History,
		dispatch: d.Dispatch,
		network:  d.Network,
		photos:   d.Photos,
		evidence: d.Evidence,
		log:      d.Log,
		slack:    d.SessionTTLSlack,
		now:      func() time.Time { return time.Now().UTC() },
	}
	s.coord = NewCoordinator(d.Live, d.Publisher, d.Grace, d.Poll, d.Log)
	return s
}

// Coordinator returns the drain/finish coordinator bound to this service.
func (s *Service) Coordinator() *Coordinator { return s.coord }

// CreateInput describes a new session.
type CreateInput struct {
	Course    string
	StartsAt  time.Time
	EndsAt    time.Time
	Policy    Policy
	NetworkID string
}

// CreateSession opens a new ACTIVE session owned by teacher.
func (s *Service) CreateSession(ctx context.Context, teacher Profile, in CreateInput) (Session, error) {
	if teacher.Role != RoleTeacher {
		return Session{}, fmt.Errorf("%w: only teachers can open sessions", ErrForbidden)
	}
	now := s.now()
	in.Course = strings.TrimSpace(in.Course)
	switch {
	case in.Course == "":
		return Session{}, validation("course is required")
	case in.StartsAt.IsZero() || in.EndsAt.IsZero():
		return Session{}, validation("start and end are required")
	case !in.EndsAt.After(in.StartsAt):
		return Session{}, validation("end must be after start")
	case !in.EndsAt.After(now):
		return Session{}, validation("end must be in the future")
	}
	policy, err := ParsePolicy(string(in.Policy))
	if err != nil {
		return Session{}, err
	}
	if policy.ChecksNetwork() && strings.TrimSpace(in.NetworkID) == "" {
		return Session{}, validation("network policies need a network identifier")
	}

	sess := Session{
		ID:          uuid.NewString(),
		Course:      in.Course,
		TeacherID:   teacher.UserID,
		TeacherName: teacher.FullName,
		NetworkID:   strings.TrimSpace(in.NetworkID),
		StartsAt:    in.StartsAt.UTC(),
		EndsAt:      in.EndsAt.UTC(),
		Policy:      policy,
		Status:      StatusActive,
		CreatedAt:   now,
		ExpiresAt:   in.EndsAt.UTC().Add(s.slack),
	}
	err = s.live.CreateSession(ctx, sess, func(existing []Session) error {
		for _, e := range existing {
			if e.Status == StatusActive && strings.EqualFold(e.Course, sess.Course) && e.Overlaps(sess) {
				return fmt.Errorf("%w (%s)", ErrOverlappingWindow, e.ID)
			}
		}
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	s.log.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("teacher_id", sess.TeacherID),
		zap.String("course", sess.Course),
		zap.String("policy", string(sess.Policy)),
		zap.Time("ends_at", sess.EndsAt),
	)
	return sess, nil
}

// closed reports ErrSessionClosed, carrying the student's record when one
// exists.
func (s *Service) closed(ctx context.Context, sessionID, studentID string) error {
	rec, err := s.live.GetRecord(ctx, sessionID, studentID)
	if err != nil {
		return ErrSessionClosed
	}
	return conflict(ErrSessionClosed, rec)
}

// AttendInput is one student's attendance claim.
type AttendInput struct {
	SessionID string
	Image     []byte
	NetworkID string
}

// Attend evaluates the session's policy for the student's first claim.
func (s *Service) Attend(ctx context.Context, student Profile, in AttendInput) (Record, error) {
	if student.Role != RoleStudent {
		return Record{}, fmt.Errorf("%w: only students can attend", ErrForbidden)
	}
	if in.SessionID == "" {
		return Record{}, validation("session id is required")
	}
	sess, err := s.live.GetSession(ctx, in.SessionID)
	if err != nil {
		return Record{}, err
	}
	now := s.now()
	if endObserved(sess, now) {
		s.closeObserved(ctx, sess.ID)
		return Record{}, s.closed(ctx, sess.ID, student.UserID)
	}
	if sess.Status != StatusActive {
		return Record{}, s.closed(ctx, sess.ID, student.UserID)
	}
	if existing, err := s.live.GetRecord(ctx, sess.ID, student.UserID); err == nil {
		return Record{}, admit(existing, true)
	} else if !errors.Is(err, ErrNotFound) {
		return Record{}, err
	}

	rec := Record{
		SessionID:   sess.ID,
		StudentID:   student.UserID,
		StudentName: student.FullName,
		Provenance:  Automatic,
		UpdatedAt:   now,
	}
	var req *VerificationRequest
	switch {
	case sess.Policy.ChecksNetwork() && !s.network.Allow(sess, in.NetworkID):
		rec.Disposition = Rejected
		rec.Reason = ReasonNetworkMismatch
	case sess.Policy.ChecksFace():
		if len(in.Image) == 0 {
			return Record{}, validation("a face image is required for this session")
		}
		if student.PhotoURL == "" {
			rec.Disposition = Rejected
			rec.Reason = ReasonNoReference
			break
		}
		r := s.dispatch.Prepare(sess.ID, student.UserID)
		req = &r
		rec.Disposition = Pending
		rec.Reason = ReasonAwaitingFace
		rec.Token = r.Token
		rec.ImageURL = s.keepEvidence(ctx, sess, student, in.Image)
	default:
		rec.Disposition = Accepted
	}

	stored, err := s.live.UpdateRecord(ctx, sess.ID, student.UserID, func(cur Session, existing Record, exists bool) (Record, error) {
		if cur.Status != StatusActive {
			return Record{}, ErrSessionClosed
		}
		if err := admit(existing, exists); err != nil {
			return Record{}, err
		}
		return rec, nil
	})
	if err != nil {
		return Record{}, err
	}
	metrics.AttendTotal.WithLabelValues(string(sess.Policy), string(stored.Disposition)).Inc()
	s.log.Info("attendance recorded",
		zap.String("session_id", sess.ID),
		zap.String("student_id", student.UserID),
		zap.String("disposition", string(stored.Disposition)),
		zap.String("reason", stored.Reason),
	)

	if req != nil {
		stored = s.sendFaceCheck(ctx, stored, *req, in.Image, student)
	}
	return stored.Public(), nil
}

// sendFaceCheck performs the outbound dispatch for a freshly stored PENDING
// record. A failure leaves the record PENDING; only the coordinator turns an
// unresolved record into a terminal one.
func (s *Service) sendFaceCheck(ctx context.Context, rec Record, req VerificationRequest, image []byte, student Profile) Record {
	ref, err := s.photos.ReferencePhoto(ctx, student)
	if err == nil {
		err = s.dispatch.Send(ctx, req, image, ref)
	}
	if err == nil {
		return rec
	}
	metrics.DispatchFailuresTotal.Inc()
	s.log.Warn("face check dispatch failed",
		zap.String("session_id", rec.SessionID),
		zap.String("student_id", rec.StudentID),
		zap.Error(err),
	)
	updated, uerr := s.live.UpdateRecord(ctx, rec.SessionID, rec.StudentID, func(_ Session, cur Record, exists bool) (Record, error) {
		if !exists || cur.Disposition != Pending || cur.Token != req.Token {
			return Record{}, errNoop
		}
		cur.Reason = ReasonDispatchFailed
		cur.Token = ""
		cur.UpdatedAt = s.now()
		return cur, nil
	})
	if uerr != nil {
		if !errors.Is(uerr, errNoop) {
			s.log.Error("mark dispatch failure", zap.String("session_id", rec.SessionID), zap.Error(uerr))
		}
		if fresh, gerr := s.live.GetRecord(ctx, rec.SessionID, rec.StudentID); gerr == nil {
			return fresh
		}
		return rec
	}
	return updated
}

func (s *Service) keepEvidence(ctx context.Context, sess Session, student Profile, image []byte) string {
	if s.evidence == nil {
		return ""
	}
	url, err := s.evidence.Upload(ctx, image, sess.ID+"_"+student.UserID+".jpg")
	if err != nil {
		s.log.Warn("evidence upload failed", zap.String("session_id", sess.ID), zap.Error(err))
		return ""
	}
	return url
}

// closeObserved moves a session past its scheduled end into CLOSING and
// asks the worker to drain it.
func (s *Service) closeObserved(ctx context.Context, id string) {
	if _, err := s.coord.Close(ctx, id); err != nil {
		s.log.Warn("close on observed end failed", zap.String("session_id", id), zap.Error(err))
	}
}

// Status returns the student's record in a live session.
func (s *Service) Status(ctx context.Context, student Profile, sessionID string) (Record, error) {
	rec, err := s.live.GetRecord(ctx, sessionID, student.UserID)
	if err != nil {
		return Record{}, err
	}
	return rec.Public(), nil
}

// ListLive returns every record of a live session owned by teacher.
func (s *Service) ListLive(ctx context.Context, teacher Profile, sessionID string) ([]Record, error) {
	if _, err := s.ownedLive(ctx, teacher, sessionID); err != nil {
		return nil, err
	}
	records, err := s.live.ListRecords(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for i := range records {
		records[i] = records[i].Public()
	}
	return records, nil
}

// LiveSessions lists the teacher's sessions that have not been archived yet.
func (s *Service) LiveSessions(ctx context.Context, teacher Profile) ([]Session, error) {
	sessions, err := s.live.SessionsByTeacher(ctx, teacher.UserID)
	if err != nil {
		return nil, err
	}
	out := sessions[:0]
	for _, sess := range sessions {
		if sess.Status != StatusArchived {
			out = append(out, sess)
		}
	}
	return out, nil
}

// ActiveSessions finds sessions a student can still attend, optionally
// filtered by course and teacher name.
func (s *Service) ActiveSessions(ctx context.Context, course, teacherName string) ([]Session, error) {
	ids, err := s.live.ListSessionIDs(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	course = strings.ToLower(strings.TrimSpace(course))
	teacherName = strings.ToLower(strings.TrimSpace(teacherName))
	var out []Session
	for _, id := range ids {
		sess, err := s.live.GetSession(ctx, id)
		if err != nil {
			continue
		}
		if sess.Status != StatusActive || !now.Before(sess.EndsAt) {
			continue
		}
		if course != "" && strings.ToLower(sess.Course) != course {
			continue
		}
		if teacherName != "" && !strings.Contains(strings.ToLower(sess.TeacherName), teacherName) {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// Override records a teacher's decision on a live record. It wins over any
// automatic result still in flight and may be repeated freely.
func (s *Service) Override(ctx context.Context, teacher Profile, sessionID, studentID string, accept bool, reason string) (Record, error) {
	if strings.TrimSpace(studentID) == "" {
		return Record{}, validation("student id is required")
	}
	if _, err := s.ownedLive(ctx, teacher, sessionID); err != nil {
		return Record{}, err
	}
	var staleToken string
	rec, err := s.live.UpdateRecord(ctx, sessionID, studentID, func(cur Session, existing Record, exists bool) (Record, error) {
		if cur.Status == StatusArchived {
			return Record{}, ErrSessionArchived
		}
		if !exists {
			existing = Record{SessionID: sessionID, StudentID: studentID}
		}
		staleToken = existing.Token
		return override(existing, accept, strings.TrimSpace(reason), s.now()), nil
	})
	if err != nil {
		return Record{}, err
	}
	if staleToken != "" {
		if err := s.live.DeleteVerification(ctx, staleToken); err != nil {
			s.log.Warn("drop superseded verification", zap.String("token", staleToken), zap.Error(err))
		}
	}
	metrics.OverridesTotal.Inc()
	s.log.Info("manual override",
		zap.String("session_id", sessionID),
		zap.String("student_id", studentID),
		zap.String("teacher_id", teacher.UserID),
		zap.String("disposition", string(rec.Disposition)),
	)
	return rec.Public(), nil
}

// Finish closes a session on the teacher's request and schedules its drain.
func (s *Service) Finish(ctx context.Context, teacher Profile, sessionID string) (Session, error) {
	if _, err := s.ownedLive(ctx, teacher, sessionID); err != nil {
		return Session{}, err
	}
	sess, err := s.coord.Close(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	s.log.Info("session finished", zap.String("session_id", sessionID), zap.String("status", string(sess.Status)))
	return sess, nil
}

// ApplyVerdict applies a verifier result. It reports false for stale,
// unknown, expired or superseded tokens, which are not errors.
func (s *Service) ApplyVerdict(ctx context.Context, token string, verdict Verdict, reason string) (bool, error) {
	req, err := s.live.GetVerification(ctx, token)
	if errors.Is(err, ErrNotFound) {
		s.log.Info("callback for unknown token ignored", zap.String("token", token))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	now := s.now()
	if req.Expired(now) {
		s.log.Info("callback for expired token ignored", zap.String("token", token), zap.Time("expired_at", req.ExpiresAt))
		return false, s.live.DeleteVerification(ctx, token)
	}

	rec, err := s.live.UpdateRecord(ctx, req.SessionID, req.StudentID, func(sess Session, cur Record, exists bool) (Record, error) {
		if !exists || sess.Status == StatusArchived {
			return Record{}, errNoop
		}
		next, ok := applyVerdict(cur, token, verdict, reason, now)
		if !ok {
			return Record{}, errNoop
		}
		return next, nil
	})
	switch {
	case errors.Is(err, errNoop), errors.Is(err, ErrNotFound):
		s.log.Info("superseded callback ignored",
			zap.String("token", token),
			zap.String("session_id", req.SessionID),
			zap.String("student_id", req.StudentID),
		)
		return false, s.live.DeleteVerification(ctx, token)
	case err != nil:
		return false, err
	}
	s.log.Info("verification applied",
		zap.String("session_id", rec.SessionID),
		zap.String("student_id", rec.StudentID),
		zap.String("disposition", string(rec.Disposition)),
	)
	if err := s.live.DeleteVerification(ctx, token); err != nil {
		s.log.Warn("drop applied verification", zap.String("token", token), zap.Error(err))
	}
	return true, nil
}

func (s *Service) ownedLive(ctx context.Context, teacher Profile, sessionID string) (Session, error) {
	if teacher.Role != RoleTeacher {
		return Session{}, fmt.Errorf("%w: teacher role required", ErrForbidden)
	}
	sess, err := s.live.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if sess.TeacherID != teacher.UserID {
		return Session{}, fmt.Errorf("%w: not the session owner", ErrForbidden)
	}
	return sess, nil
}
