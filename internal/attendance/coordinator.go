package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"classattend/internal/metrics"
	"classattend/internal/queue"
)

// Coordinator is the single authority that turns unresolved records into
// terminal ones and moves a session from CLOSING to ARCHIVED.
type Coordinator struct {
	live      LiveStore
	publisher Publisher
	grace     time.Duration
	poll      time.Duration
	log       *zap.Logger
	now       func() time.Time
}

// NewCoordinator builds a coordinator. publisher may be nil, in which case
// the synchronizer discovers work on its own.
func NewCoordinator(live LiveStore, publisher Publisher, grace, poll time.Duration, log *zap.Logger) *Coordinator {
	if grace <= 0 {
		grace = 2 * time.Minute
	}
	if poll <= 0 {
		poll = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		live:      live,
		publisher: publisher,
		grace:     grace,
		poll:      poll,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Grace returns the configured grace period.
func (c *Coordinator) Grace() time.Duration { return c.grace }

// Close moves an ACTIVE session to CLOSING and schedules its drain. Closing
// an already closing or archived session returns it unchanged.
func (c *Coordinator) Close(ctx context.Context, id string) (Session, error) {
	sess, err := c.live.UpdateSession(ctx, id, func(cur Session) (Session, error) {
		next, ok := beginClose(cur, c.now())
		if !ok {
			return cur, errNoop
		}
		return next, nil
	})
	if errors.Is(err, errNoop) {
		return c.live.GetSession(ctx, id)
	}
	if err != nil {
		return Session{}, err
	}
	c.log.Info("session closing", zap.String("session_id", id))
	c.publish(ctx, queue.TypeDrain, id)
	return sess, nil
}

// Drain waits for in-flight checks of a closing session until every record
// is terminal or the grace period since closing runs out, then forces the
// rest, archives the session and hands it to the synchronizer.
func (c *Coordinator) Drain(ctx context.Context, id string) error {
	started := time.Now()
	sess, err := c.live.GetSession(ctx, id)
	if err != nil {
		return err
	}
	switch sess.Status {
	case StatusArchived:
		c.publish(ctx, queue.TypeArchive, id)
		return nil
	case StatusActive:
		if sess, err = c.Close(ctx, id); err != nil {
			return err
		}
	}

	deadline := drainDeadline(sess, c.grace, c.now())
	for {
		records, err := c.live.ListRecords(ctx, id)
		if err != nil {
			return fmt.Errorf("list records: %w", err)
		}
		if allTerminal(records) {
			break
		}
		wait := deadline.Sub(c.now())
		if wait <= 0 {
			break
		}
		if wait > c.poll {
			wait = c.poll
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := c.Settle(ctx, id); err != nil {
		return err
	}
	metrics.DrainDuration.Observe(time.Since(started).Seconds())
	c.publish(ctx, queue.TypeArchive, id)
	return nil
}

// Settle closes the session if needed, forces every pending record and marks
// the session ARCHIVED. It does not wait.
func (c *Coordinator) Settle(ctx context.Context, id string) error {
	if _, err := c.Close(ctx, id); err != nil {
		return err
	}
	forced, err := c.ForceResolve(ctx, id)
	if err != nil {
		return err
	}
	_, err = c.live.UpdateSession(ctx, id, func(cur Session) (Session, error) {
		if cur.Status == StatusArchived {
			return cur, errNoop
		}
		next, ok := markArchived(cur, c.now())
		if !ok {
			return cur, fmt.Errorf("%w: cannot archive a %s session", ErrConflict, cur.Status)
		}
		return next, nil
	})
	if err != nil && !errors.Is(err, errNoop) {
		return err
	}
	c.log.Info("session archived", zap.String("session_id", id), zap.Int("forced", forced))
	return nil
}

// ForceResolve rejects every record of the session that is still PENDING.
func (c *Coordinator) ForceResolve(ctx context.Context, id string) (int, error) {
	records, err := c.live.ListRecords(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("list records: %w", err)
	}
	forced := 0
	for _, r := range records {
		if r.Disposition != Pending {
			continue
		}
		var token string
		_, err := c.live.UpdateRecord(ctx, id, r.StudentID, func(sess Session, cur Record, exists bool) (Record, error) {
			if !exists || sess.Status == StatusArchived {
				return Record{}, errNoop
			}
			token = cur.Token
			next, ok := forceResolve(cur, c.now())
			if !ok {
				return Record{}, errNoop
			}
			return next, nil
		})
		if errors.Is(err, errNoop) {
			continue
		}
		if err != nil {
			return forced, fmt.Errorf("force %s: %w", r.StudentID, err)
		}
		forced++
		metrics.ForcedRejectionsTotal.Inc()
		if token != "" {
			if err := c.live.DeleteVerification(ctx, token); err != nil {
				c.log.Warn("drop verification mapping failed", zap.String("session_id", id), zap.Error(err))
			}
		}
		c.log.Info("pending record forced",
			zap.String("session_id", id),
			zap.String("student_id", r.StudentID),
		)
	}
	return forced, nil
}

func (c *Coordinator) publish(ctx context.Context, typ, id string) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, queue.Message{Type: typ, SessionID: id}); err != nil {
		c.log.Warn("queue publish failed",
			zap.String("type", typ),
			zap.String("session_id", id),
			zap.Error(err),
		)
	}
}
