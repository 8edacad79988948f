package attendance

import "time"

// Record transitions. Every function here is pure: it receives the current
// value read inside a compare-and-set and returns the value to write, with a
// false/err result meaning "leave it alone".

// admit decides whether a new attend call may create a record. Existing
// records are never overwritten by resubmission.
func admit(existing Record, exists bool) error {
	if !exists {
		return nil
	}
	if existing.Disposition == Pending {
		return conflict(ErrDuplicatePending, existing)
	}
	return conflict(ErrAlreadyDecided, existing)
}

// applyVerdict resolves a pending face check. Only the outstanding token can
// resolve a record; anything else is stale.
func applyVerdict(cur Record, token string, verdict Verdict, reason string, now time.Time) (Record, bool) {
	if cur.Disposition != Pending || cur.Token == "" || cur.Token != token {
		return cur, false
	}
	switch verdict {
	case VerdictMatch:
		cur.Disposition = Accepted
		cur.Reason = ""
	case VerdictNoMatch:
		cur.Disposition = Rejected
		cur.Reason = ReasonFaceMismatch
		if reason != "" {
			cur.Reason += ": " + reason
		}
	default:
		return cur, false
	}
	cur.Provenance = Automatic
	cur.Token = ""
	cur.UpdatedAt = now
	return cur, true
}

// override applies a teacher decision. It always succeeds and always clears
// the outstanding token, which turns any in-flight callback into a no-op.
func override(cur Record, accept bool, reason string, now time.Time) Record {
	if accept {
		cur.Disposition = Accepted
		cur.Reason = ""
	} else {
		cur.Disposition = Rejected
		if reason == "" {
			reason = ReasonManualFail
		}
		cur.Reason = reason
	}
	cur.Provenance = Manual
	cur.Token = ""
	cur.UpdatedAt = now
	return cur
}

// forceResolve rejects a record still pending when the grace period ends.
func forceResolve(cur Record, now time.Time) (Record, bool) {
	if cur.Disposition != Pending {
		return cur, false
	}
	cur.Disposition = Rejected
	cur.Reason = ReasonNoResult
	cur.Provenance = Automatic
	cur.Token = ""
	cur.UpdatedAt = now
	return cur, true
}

// Session transitions.

func beginClose(s Session, now time.Time) (Session, bool) {
	if s.Status != StatusActive {
		return s, false
	}
	s.Status = StatusClosing
	s.ClosedAt = &now
	return s, true
}

func markArchived(s Session, now time.Time) (Session, bool) {
	if s.Status != StatusClosing {
		return s, false
	}
	s.Status = StatusArchived
	s.ArchivedAt = &now
	return s, true
}

// endObserved reports whether an ACTIVE session has reached its scheduled end.
func endObserved(s Session, now time.Time) bool {
	return s.Status == StatusActive && !now.Before(s.EndsAt)
}

// drainDeadline is the instant after which the coordinator forces pending
// records. The grace period runs from the moment the session left ACTIVE.
func drainDeadline(s Session, grace time.Duration, now time.Time) time.Time {
	if s.ClosedAt == nil {
		return now.Add(grace)
	}
	return s.ClosedAt.Add(grace)
}

// Overdue reports whether a non-archived session has outlived its grace
// period, counted from the earlier of its scheduled end and its close.
func Overdue(s Session, grace time.Duration, now time.Time) bool {
	if s.Status == StatusArchived {
		return false
	}
	end := s.EndsAt
	if s.ClosedAt != nil && s.ClosedAt.Before(end) {
		end = *s.ClosedAt
	}
	return now.After(end.Add(grace))
}

// EndObserved reports whether an ACTIVE session has reached its scheduled end.
func EndObserved(s Session, now time.Time) bool {
	return endObserved(s, now)
}

func allTerminal(records []Record) bool {
	for _, r := range records {
		if !r.Disposition.Terminal() {
			return false
		}
	}
	return true
}
