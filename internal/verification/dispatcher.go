// Package verification sends face checks to the external worker and
// authenticates the verdicts it posts back.
package verification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"classattend/internal/attendance"
	"classattend/internal/faceclient"
)

// CallbackPath is the route prefix the worker posts verdicts to.
const CallbackPath = "/v1/webhooks/verification-result/"

// Submitter is the outbound side of the face worker.
type Submitter interface {
	Submit(ctx context.Context, sub faceclient.Submission) error
}

// Mappings stores outstanding correlation tokens.
type Mappings interface {
	SaveVerification(ctx context.Context, req attendance.VerificationRequest) error
	DeleteVerification(ctx context.Context, token string) error
}

// Dispatcher implements attendance.Dispatcher.
type Dispatcher struct {
	face         Submitter
	mappings     Mappings
	callbackBase string
	timeout      time.Duration
	now          func() time.Time
}

// NewDispatcher builds a dispatcher whose callbacks point at callbackBase,
// the externally reachable base URL of the API.
func NewDispatcher(face Submitter, mappings Mappings, callbackBase string, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Dispatcher{
		face:         face,
		mappings:     mappings,
		callbackBase: strings.TrimRight(callbackBase, "/"),
		timeout:      timeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Prepare mints a fresh correlation token.
func (d *Dispatcher) Prepare(sessionID, studentID string) attendance.VerificationRequest {
	now := d.now()
	return attendance.VerificationRequest{
		Token:        uuid.NewString(),
		SessionID:    sessionID,
		StudentID:    studentID,
		DispatchedAt: now,
		ExpiresAt:    now.Add(d.timeout),
	}
}

// CallbackURL is where the worker reports the verdict for token.
func (d *Dispatcher) CallbackURL(token string) string {
	return d.callbackBase + CallbackPath + token
}

// Send records the token mapping and submits the check. The mapping is
// dropped again if the worker did not accept the job.
func (d *Dispatcher) Send(ctx context.Context, req attendance.VerificationRequest, image, reference []byte) error {
	if err := d.mappings.SaveVerification(ctx, req); err != nil {
		return fmt.Errorf("save verification %s: %w", req.Token, err)
	}
	err := d.face.Submit(ctx, faceclient.Submission{
		WebhookURL:     d.CallbackURL(req.Token),
		VerificationID: req.Token,
		StudentID:      req.StudentID,
		Picture:        image,
		Reference:      reference,
	})
	if err != nil {
		_ = d.mappings.DeleteVerification(context.WithoutCancel(ctx), req.Token)
		return err
	}
	return nil
}
