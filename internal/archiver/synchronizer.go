// Package archiver moves finished sessions from the live store into the
// durable archive.
package archiver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"classattend/internal/attendance"
	"classattend/internal/metrics"
)

// Live is the part of the live store the synchronizer reads and clears.
type Live interface {
	ListSessionIDs(ctx context.Context) ([]string, error)
	GetSession(ctx context.Context, id string) (attendance.Session, error)
	ListRecords(ctx context.Context, sessionID string) ([]attendance.Record, error)
	DeleteSession(ctx context.Context, s attendance.Session) error
	ForgetSession(ctx context.Context, id string) error
}

// Writer is the durable side.
type Writer interface {
	UpsertSession(ctx context.Context, s attendance.Session, records []attendance.Record) error
}

// Settler closes and force-archives sessions; attendance.Coordinator
// implements it.
type Settler interface {
	Close(ctx context.Context, id string) (attendance.Session, error)
	Settle(ctx context.Context, id string) error
}

// Summary counts what one sweep did.
type Summary struct {
	Archived int
	Closed   int
	Forgot   int
	Failed   int
}

// Synchronizer sweeps the live store on a fixed interval. A sweep is
// idempotent: a session that fails stays live and is retried next time.
type Synchronizer struct {
	live   Live
	writer Writer
	coord  Settler
	grace  time.Duration
	log    *zap.Logger
	now    func() time.Time
}

// New builds a synchronizer.
func New(live Live, writer Writer, coord Settler, grace time.Duration, log *zap.Logger) *Synchronizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Synchronizer{
		live:   live,
		writer: writer,
		coord:  coord,
		grace:  grace,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce performs one sweep over every live session.
func (s *Synchronizer) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary
	ids, err := s.live.ListSessionIDs(ctx)
	if err != nil {
		return sum, fmt.Errorf("list live sessions: %w", err)
	}
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		if err := s.sweep(ctx, id, &sum); err != nil {
			sum.Failed++
			metrics.ArchiveFailuresTotal.Inc()
			s.log.Warn("session left for next sync", zap.String("session_id", id), zap.Error(err))
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	if sum.Archived+sum.Closed+sum.Forgot+sum.Failed > 0 {
		s.log.Info("sync finished",
			zap.Int("archived", sum.Archived),
			zap.Int("closed", sum.Closed),
			zap.Int("forgot", sum.Forgot),
			zap.Int("failed", sum.Failed),
		)
	}
	return sum, errors.Join(errs...)
}

func (s *Synchronizer) sweep(ctx context.Context, id string, sum *Summary) error {
	sess, err := s.live.GetSession(ctx, id)
	if errors.Is(err, attendance.ErrNotFound) {
		sum.Forgot++
		return s.live.ForgetSession(ctx, id)
	}
	if err != nil {
		return err
	}
	now := s.now()
	switch {
	case sess.Status == attendance.StatusArchived:
	case attendance.Overdue(sess, s.grace, now):
		if err := s.coord.Settle(ctx, id); err != nil {
			return fmt.Errorf("settle: %w", err)
		}
	case attendance.EndObserved(sess, now):
		if _, err := s.coord.Close(ctx, id); err != nil {
			return fmt.Errorf("close: %w", err)
		}
		sum.Closed++
		return nil
	default:
		return nil
	}
	if err := s.Archive(ctx, id); err != nil {
		return err
	}
	sum.Archived++
	return nil
}

// Archive copies an ARCHIVED session and its records into the durable store
// and only then removes it from the live store. A session that is already
// gone is not an error.
func (s *Synchronizer) Archive(ctx context.Context, id string) error {
	sess, err := s.live.GetSession(ctx, id)
	if errors.Is(err, attendance.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sess.Status != attendance.StatusArchived {
		return fmt.Errorf("%w: session %s is %s", attendance.ErrConflict, id, sess.Status)
	}
	records, err := s.live.ListRecords(ctx, id)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	if err := s.writer.UpsertSession(ctx, sess, records); err != nil {
		return fmt.Errorf("durable write: %w", err)
	}
	if err := s.live.DeleteSession(ctx, sess); err != nil {
		return fmt.Errorf("live cleanup: %w", err)
	}
	metrics.ArchivedSessionsTotal.Inc()
	s.log.Info("session archived to durable store",
		zap.String("session_id", id),
		zap.Int("records", len(records)),
	)
	return nil
}
