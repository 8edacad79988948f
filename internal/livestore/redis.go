// Package livestore keeps live sessions, records and outstanding face checks
// in Redis. Every read-modify-write runs under WATCH/MULTI so concurrent
// writers never lose an update.
package livestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"classattend/internal/attendance"
)

const maxRetries = 16

// Store implements attendance.LiveStore.
type Store struct {
	rdb    *redis.Client
	prefix string
}

// New returns a store using keys under prefix (default "classattend:").
func New(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "classattend:"
	}
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) sessionKey(id string) string   { return s.prefix + "session:" + id }
func (s *Store) studentsKey(id string) string  { return s.prefix + "session:" + id + ":students" }
func (s *Store) teacherKey(id string) string   { return s.prefix + "teacher:" + id }
func (s *Store) indexKey() string              { return s.prefix + "sessions" }
func (s *Store) verifyKey(token string) string { return s.prefix + "verify:" + token }
func (s *Store) profileKey(id string) string   { return s.prefix + "user:" + id }
func (s *Store) recordKey(sessionID, studentID string) string {
	return s.prefix + "record:" + sessionID + ":" + studentID
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func load(ctx context.Context, g getter, key string, v any) error {
	data, err := g.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%s: %w", key, attendance.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func expireAt(ctx context.Context, p redis.Pipeliner, key string, at time.Time) {
	if !at.IsZero() {
		p.ExpireAt(ctx, key, at)
	}
}

// watch runs fn under WATCH on keys, retrying when another client touched
// them before EXEC. Errors returned by fn come back unchanged.
func (s *Store) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxRetries; i++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("livestore: gave up after %d contended attempts on %v", maxRetries, keys)
}

// CreateSession stores s if admit accepts the teacher's current sessions.
func (s *Store) CreateSession(ctx context.Context, sess attendance.Session, admit func([]attendance.Session) error) error {
	tk := s.teacherKey(sess.TeacherID)
	sk := s.sessionKey(sess.ID)
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.watch(ctx, func(tx *redis.Tx) error {
		ids, err := tx.SMembers(ctx, tk).Result()
		if err != nil {
			return err
		}
		existing := make([]attendance.Session, 0, len(ids))
		for _, id := range ids {
			var other attendance.Session
			if err := load(ctx, tx, s.sessionKey(id), &other); err != nil {
				if errors.Is(err, attendance.ErrNotFound) {
					continue
				}
				return err
			}
			existing = append(existing, other)
		}
		if admit != nil {
			if err := admit(existing); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, sk, data, 0)
			expireAt(ctx, p, sk, sess.ExpiresAt)
			p.SAdd(ctx, tk, sess.ID)
			p.SAdd(ctx, s.indexKey(), sess.ID)
			return nil
		})
		return err
	}, tk)
}

// GetSession loads a live session.
func (s *Store) GetSession(ctx context.Context, id string) (attendance.Session, error) {
	var sess attendance.Session
	err := load(ctx, s.rdb, s.sessionKey(id), &sess)
	return sess, err
}

// UpdateSession atomically rewrites a session with fn's result.
func (s *Store) UpdateSession(ctx context.Context, id string, fn func(attendance.Session) (attendance.Session, error)) (attendance.Session, error) {
	sk := s.sessionKey(id)
	var out attendance.Session
	err := s.watch(ctx, func(tx *redis.Tx) error {
		var cur attendance.Session
		if err := load(ctx, tx, sk, &cur); err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		next.ID = id
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, sk, data, 0)
			expireAt(ctx, p, sk, next.ExpiresAt)
			return nil
		})
		if err != nil {
			return err
		}
		out = next
		return nil
	}, sk)
	return out, err
}

// DeleteSession removes a session with all its records and index entries.
func (s *Store) DeleteSession(ctx context.Context, sess attendance.Session) error {
	students, err := s.rdb.SMembers(ctx, s.studentsKey(sess.ID)).Result()
	if err != nil {
		return err
	}
	records, err := s.ListRecords(ctx, sess.ID)
	if err != nil {
		return err
	}
	keys := []string{s.sessionKey(sess.ID), s.studentsKey(sess.ID)}
	for _, st := range students {
		keys = append(keys, s.recordKey(sess.ID, st))
	}
	for _, r := range records {
		if r.Token != "" {
			keys = append(keys, s.verifyKey(r.Token))
		}
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keys...)
		p.SRem(ctx, s.teacherKey(sess.TeacherID), sess.ID)
		p.SRem(ctx, s.indexKey(), sess.ID)
		return nil
	})
	return err
}

// ForgetSession drops a session id whose data already expired from the index.
func (s *Store) ForgetSession(ctx context.Context, id string) error {
	return s.rdb.SRem(ctx, s.indexKey(), id).Err()
}

// ListSessionIDs returns every indexed live session id.
func (s *Store) ListSessionIDs(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// SessionsByTeacher lists a teacher's live sessions, newest start first.
func (s *Store) SessionsByTeacher(ctx context.Context, teacherID string) ([]attendance.Session, error) {
	tk := s.teacherKey(teacherID)
	ids, err := s.rdb.SMembers(ctx, tk).Result()
	if err != nil {
		return nil, err
	}
	out := make([]attendance.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if errors.Is(err, attendance.ErrNotFound) {
			s.rdb.SRem(ctx, tk, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.After(out[j].StartsAt) })
	return out, nil
}

// GetRecord loads one student's record.
func (s *Store) GetRecord(ctx context.Context, sessionID, studentID string) (attendance.Record, error) {
	var rec attendance.Record
	err := load(ctx, s.rdb, s.recordKey(sessionID, studentID), &rec)
	return rec, err
}

// ListRecords returns all records of a session ordered by student id.
func (s *Store) ListRecords(ctx context.Context, sessionID string) ([]attendance.Record, error) {
	students, err := s.rdb.SMembers(ctx, s.studentsKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	if len(students) == 0 {
		return nil, nil
	}
	sort.Strings(students)
	keys := make([]string, len(students))
	for i, st := range students {
		keys[i] = s.recordKey(sessionID, st)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]attendance.Record, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rec attendance.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// UpdateRecord atomically rewrites a record. The session key is watched as
// well, so a status change forces fn to run again against the new session.
func (s *Store) UpdateRecord(ctx context.Context, sessionID, studentID string, fn func(attendance.Session, attendance.Record, bool) (attendance.Record, error)) (attendance.Record, error) {
	sk := s.sessionKey(sessionID)
	rk := s.recordKey(sessionID, studentID)
	var out attendance.Record
	err := s.watch(ctx, func(tx *redis.Tx) error {
		var sess attendance.Session
		if err := load(ctx, tx, sk, &sess); err != nil {
			return err
		}
		var cur attendance.Record
		exists := true
		if err := load(ctx, tx, rk, &cur); errors.Is(err, attendance.ErrNotFound) {
			exists = false
		} else if err != nil {
			return err
		}
		next, err := fn(sess, cur, exists)
		if err != nil {
			return err
		}
		next.SessionID = sessionID
		next.StudentID = studentID
		next.Version = cur.Version + 1
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, rk, data, 0)
			expireAt(ctx, p, rk, sess.ExpiresAt)
			if !exists {
				p.SAdd(ctx, s.studentsKey(sessionID), studentID)
				expireAt(ctx, p, s.studentsKey(sessionID), sess.ExpiresAt)
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = next
		return nil
	}, sk, rk)
	return out, err
}

// SaveVerification stores the token mapping until the request expires.
func (s *Store) SaveVerification(ctx context.Context, req attendance.VerificationRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	key := s.verifyKey(req.Token)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, key, data, 0)
		expireAt(ctx, p, key, req.ExpiresAt)
		return nil
	})
	return err
}

// GetVerification resolves a correlation token.
func (s *Store) GetVerification(ctx context.Context, token string) (attendance.VerificationRequest, error) {
	var req attendance.VerificationRequest
	err := load(ctx, s.rdb, s.verifyKey(token), &req)
	return req, err
}

// DeleteVerification forgets a correlation token.
func (s *Store) DeleteVerification(ctx context.Context, token string) error {
	return s.rdb.Del(ctx, s.verifyKey(token)).Err()
}

// SaveProfile caches an identity profile for ttl.
func (s *Store) SaveProfile(ctx context.Context, p attendance.Profile, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.profileKey(p.UserID), data, ttl).Err()
}

// GetProfile returns a cached profile.
func (s *Store) GetProfile(ctx context.Context, userID string) (attendance.Profile, error) {
	var p attendance.Profile
	err := load(ctx, s.rdb, s.profileKey(userID), &p)
	return p, err
}

// DeleteProfile drops a cached profile, ending the user's session.
func (s *Store) DeleteProfile(ctx context.Context, userID string) error {
	return s.rdb.Del(ctx, s.profileKey(userID)).Err()
}
