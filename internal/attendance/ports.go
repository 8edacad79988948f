package attendance

import (
	"context"

	"classattend/internal/queue"
)

// LiveStore holds sessions that are still live. Every Update* call is an
// atomic read-modify-write: fn sees the freshest stored value and its result
// is written only if nothing changed in between, otherwise fn runs again.
// An error returned by fn aborts the write and is returned unchanged.
type LiveStore interface {
	CreateSession(ctx context.Context, s Session, admit func(existing []Session) error) error
	GetSession(ctx context.Context, id string) (Session, error)
	UpdateSession(ctx context.Context, id string, fn func(Session) (Session, error)) (Session, error)
	DeleteSession(ctx context.Context, s Session) error
	ForgetSession(ctx context.Context, id string) error
	ListSessionIDs(ctx context.Context) ([]string, error)
	SessionsByTeacher(ctx context.Context, teacherID string) ([]Session, error)

	GetRecord(ctx context.Context, sessionID, studentID string) (Record, error)
	ListRecords(ctx context.Context, sessionID string) ([]Record, error)
	UpdateRecord(ctx context.Context, sessionID, studentID string, fn func(s Session, cur Record, exists bool) (Record, error)) (Record, error)

	SaveVerification(ctx context.Context, req VerificationRequest) error
	GetVerification(ctx context.Context, token string) (VerificationRequest, error)
	DeleteVerification(ctx context.Context, token string) error
}

// History is the read/amend side of the durable store.
type History interface {
	ListSessions(ctx context.Context, teacherID string) ([]Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	ListRecords(ctx context.Context, sessionID string) ([]Record, error)
	AmendRecord(ctx context.Context, rec Record) error
	DeleteSession(ctx context.Context, id, reason string) error
	DeleteRecord(ctx context.Context, sessionID, studentID, reason string) error
}

// Dispatcher sends face checks to the external verifier. Prepare only mints
// the request; Send records it and performs the outbound call.
type Dispatcher interface {
	Prepare(sessionID, studentID string) VerificationRequest
	Send(ctx context.Context, req VerificationRequest, image, reference []byte) error
}

// NetworkChecker validates the client network identifier against a session.
type NetworkChecker interface {
	Allow(s Session, clientID string) bool
}

// PhotoSource fetches a student's reference photo.
type PhotoSource interface {
	ReferencePhoto(ctx context.Context, p Profile) ([]byte, error)
}

// EvidenceStore keeps a copy of a submitted attendance image.
type EvidenceStore interface {
	Upload(ctx context.Context, data []byte, name string) (string, error)
}

// Publisher hands work to the background worker.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}
