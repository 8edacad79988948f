package attendance

import (
	"fmt"
	"strings"
	"time"
)

// Policy selects how a student's attendance claim is verified.
type Policy string

const (
	PolicyNone           Policy = "NONE"
	PolicyNetwork        Policy = "NETWORK"
	PolicyFace           Policy = "FACE"
	PolicyNetworkAndFace Policy = "NETWORK_AND_FACE"
)

// ParsePolicy accepts the policy names as well as the legacy numeric
// security levels 0-3.
func ParsePolicy(raw string) (Policy, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "NONE", "0", "1":
		return PolicyNone, nil
	case "NETWORK", "2":
		return PolicyNetwork, nil
	case "FACE":
		return PolicyFace, nil
	case "NETWORK_AND_FACE", "3":
		return PolicyNetworkAndFace, nil
	}
	return "", fmt.Errorf("%w: unknown policy %q", ErrValidation, raw)
}

// ChecksNetwork reports whether the policy requires the network-origin check.
func (p Policy) ChecksNetwork() bool {
	return p == PolicyNetwork || p == PolicyNetworkAndFace
}

// ChecksFace reports whether the policy requires an asynchronous face match.
func (p Policy) ChecksFace() bool {
	return p == PolicyFace || p == PolicyNetworkAndFace
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusActive   SessionStatus = "ACTIVE"
	StatusClosing  SessionStatus = "CLOSING"
	StatusArchived SessionStatus = "ARCHIVED"
)

// Disposition is the state of a single attendance record.
type Disposition string

const (
	Pending  Disposition = "PENDING"
	Accepted Disposition = "ACCEPTED"
	Rejected Disposition = "REJECTED"
)

// Terminal reports whether no automatic transition can follow.
func (d Disposition) Terminal() bool {
	return d == Accepted || d == Rejected
}

// ParseDisposition parses a terminal disposition supplied by a teacher.
func ParseDisposition(raw string) (Disposition, error) {
	switch Disposition(strings.ToUpper(strings.TrimSpace(raw))) {
	case Accepted:
		return Accepted, nil
	case Rejected:
		return Rejected, nil
	}
	return "", fmt.Errorf("%w: disposition must be ACCEPTED or REJECTED", ErrValidation)
}

// Provenance records who produced a record's current disposition.
type Provenance string

const (
	Automatic Provenance = "AUTOMATIC"
	Manual    Provenance = "MANUAL"
)

// Reasons stored on records.
const (
	ReasonAwaitingFace    = "awaiting face match"
	ReasonNetworkMismatch = "network mismatch"
	ReasonDispatchFailed  = "verification dispatch failed"
	ReasonNoResult        = "no verification result before session close"
	ReasonNoReference     = "reference photo not found"
	ReasonManualFail      = "rejected by teacher"
	ReasonFaceMismatch    = "face mismatch"
)

// Roles returned by identity lookup.
const (
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

// Session is one bounded attendance-taking window for a class meeting.
type Session struct {
	ID          string        `json:"id" db:"session_id"`
	Course      string        `json:"course" db:"course"`
	TeacherID   string        `json:"teacher_id" db:"teacher_id"`
	TeacherName string        `json:"teacher_name" db:"teacher_name"`
	NetworkID   string        `json:"network_id,omitempty" db:"network_id"`
	StartsAt    time.Time     `json:"starts_at" db:"starts_at"`
	EndsAt      time.Time     `json:"ends_at" db:"ends_at"`
	Policy      Policy        `json:"policy" db:"policy"`
	Status      SessionStatus `json:"status" db:"status"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	ClosedAt    *time.Time    `json:"closed_at,omitempty" db:"closed_at"`
	ArchivedAt  *time.Time    `json:"archived_at,omitempty" db:"archived_at"`
	ExpiresAt   time.Time     `json:"expires_at" db:"-"`
}

// Overlaps reports whether the two sessions' windows intersect.
func (s Session) Overlaps(o Session) bool {
	return s.StartsAt.Before(o.EndsAt) && o.StartsAt.Before(s.EndsAt)
}

// Record is one student's attendance claim within a session.
type Record struct {
	SessionID   string      `json:"session_id" db:"session_id"`
	StudentID   string      `json:"student_id" db:"student_id"`
	StudentName string      `json:"student_name,omitempty" db:"student_name"`
	Disposition Disposition `json:"disposition" db:"disposition"`
	Reason      string      `json:"reason,omitempty" db:"reason"`
	Token       string      `json:"token,omitempty" db:"-"`
	Provenance  Provenance  `json:"provenance" db:"provenance"`
	ImageURL    string      `json:"image_url,omitempty" db:"image_url"`
	Version     int64       `json:"version" db:"version"`
	UpdatedAt   time.Time   `json:"updated_at" db:"updated_at"`
}

// Public returns a copy safe to hand to API callers.
func (r Record) Public() Record {
	r.Token = ""
	return r
}

// VerificationRequest correlates an outbound face-check dispatch with its
// eventual callback.
type VerificationRequest struct {
	Token        string    `json:"token"`
	SessionID    string    `json:"session_id"`
	StudentID    string    `json:"student_id"`
	DispatchedAt time.Time `json:"dispatched_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the request is past its staleness bound.
func (v VerificationRequest) Expired(now time.Time) bool {
	return !v.ExpiresAt.IsZero() && now.After(v.ExpiresAt)
}

// Profile is the identity returned by the external credential lookup.
type Profile struct {
	UserID   string `json:"user_id"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
	PhotoURL string `json:"photo_url,omitempty"`
	// Schedule lists the lessons the directory reports for the login day.
	Schedule []Lesson `json:"schedule,omitempty"`
}

// Lesson is one entry of a student's daily timetable.
type Lesson struct {
	Course      string    `json:"course"`
	TeacherName string    `json:"teacher_name"`
	StartsAt    time.Time `json:"starts_at"`
	EndsAt      time.Time `json:"ends_at"`
}

// Verdict is the outcome reported by the external face worker.
type Verdict string

const (
	VerdictMatch   Verdict = "match"
	VerdictNoMatch Verdict = "no-match"
)
