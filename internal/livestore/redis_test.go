package livestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classattend/internal/attendance"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, ""), mr
}

func liveSession(id, teacher string) attendance.Session {
	now := time.Now().UTC()
	return attendance.Session{
		ID:        id,
		Course:    "CS101",
		TeacherID: teacher,
		StartsAt:  now.Add(-10 * time.Minute),
		EndsAt:    now.Add(time.Hour),
		Policy:    attendance.PolicyNone,
		Status:    attendance.StatusActive,
		CreatedAt: now,
		ExpiresAt: now.Add(25 * time.Hour),
	}
}

func TestCreateAndGetSession(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	sess := liveSession("a", "t1")

	require.NoError(t, s.CreateSession(ctx, sess, nil))

	got, err := s.GetSession(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, sess.Course, got.Course)
	assert.Equal(t, attendance.StatusActive, got.Status)
	assert.True(t, mr.TTL("classattend:session:a") > 24*time.Hour)

	ids, err := s.ListSessionIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, attendance.ErrNotFound)
}

func TestCreateSessionAdmitSeesTeacherSessions(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.CreateSession(ctx, liveSession("a", "t1"), nil))

	errOverlap := errors.New("overlap")
	var seen []attendance.Session
	err := s.CreateSession(ctx, liveSession("b", "t1"), func(existing []attendance.Session) error {
		seen = existing
		return errOverlap
	})
	assert.ErrorIs(t, err, errOverlap)
	require.Len(t, seen, 1)
	assert.Equal(t, "a", seen[0].ID)

	_, err = s.GetSession(ctx, "b")
	assert.ErrorIs(t, err, attendance.ErrNotFound)
}

func TestUpdateRecordVersionsAndIndexesStudents(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.CreateSession(ctx, liveSession("a", "t1"), nil))

	write := func(d attendance.Disposition) attendance.Record {
		rec, err := s.UpdateRecord(ctx, "a", "s1", func(_ attendance.Session, cur attendance.Record, _ bool) (attendance.Record, error) {
			cur.Disposition = d
			return cur, nil
		})
		require.NoError(t, err)
		return rec
	}
	assert.Equal(t, int64(1), write(attendance.Pending).Version)
	assert.Equal(t, int64(2), write(attendance.Accepted).Version)

	records, err := s.ListRecords(ctx, "a")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "s1", records[0].StudentID)
	assert.Equal(t, attendance.Accepted, records[0].Disposition)
}

func TestUpdateRecordMissingSession(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.UpdateRecord(context.Background(), "nope", "s1", func(attendance.Session, attendance.Record, bool) (attendance.Record, error) {
		return attendance.Record{}, nil
	})
	assert.ErrorIs(t, err, attendance.ErrNotFound)
}

func TestUpdateRecordConcurrentWritersDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.CreateSession(ctx, liveSession("a", "t1"), nil))

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateRecord(ctx, "a", "s1", func(_ attendance.Session, cur attendance.Record, _ bool) (attendance.Record, error) {
				cur.Reason += "x"
				return cur, nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rec, err := s.GetRecord(ctx, "a", "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(writers), rec.Version)
	assert.Len(t, rec.Reason, writers)
}

func TestUpdateSessionAbortLeavesValue(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.CreateSession(ctx, liveSession("a", "t1"), nil))

	stop := errors.New("stop")
	_, err := s.UpdateSession(ctx, "a", func(cur attendance.Session) (attendance.Session, error) {
		cur.Status = attendance.StatusClosing
		return cur, stop
	})
	assert.ErrorIs(t, err, stop)

	got, err := s.GetSession(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusActive, got.Status)
}

func TestVerificationMapping(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	req := attendance.VerificationRequest{
		Token:     "tok",
		SessionID: "a",
		StudentID: "s1",
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}
	require.NoError(t, s.SaveVerification(ctx, req))
	assert.True(t, mr.Exists("classattend:verify:tok"))

	got, err := s.GetVerification(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.StudentID)

	require.NoError(t, s.DeleteVerification(ctx, "tok"))
	_, err = s.GetVerification(ctx, "tok")
	assert.ErrorIs(t, err, attendance.ErrNotFound)
}

func TestDeleteSessionRemovesEverything(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	sess := liveSession("a", "t1")
	require.NoError(t, s.CreateSession(ctx, sess, nil))
	for i := 0; i < 3; i++ {
		_, err := s.UpdateRecord(ctx, "a", fmt.Sprintf("s%d", i), func(_ attendance.Session, cur attendance.Record, _ bool) (attendance.Record, error) {
			cur.Disposition = attendance.Pending
			cur.Token = fmt.Sprintf("tok%d", cur.Version)
			return cur, nil
		})
		require.NoError(t, err)
	}
	require.NoError(t, s.SaveVerification(ctx, attendance.VerificationRequest{Token: "tok0", SessionID: "a", StudentID: "s0"}))

	require.NoError(t, s.DeleteSession(ctx, sess))

	assert.Empty(t, mr.Keys())
	ids, err := s.ListSessionIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSessionsByTeacherDropsExpiredEntries(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	require.NoError(t, s.CreateSession(ctx, liveSession("a", "t1"), nil))
	require.NoError(t, s.CreateSession(ctx, liveSession("b", "t1"), nil))
	mr.Del("classattend:session:a")

	sessions, err := s.SessionsByTeacher(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "b", sessions[0].ID)

	members, err := mr.SMembers("classattend:teacher:t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}

func TestProfileCache(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	p := attendance.Profile{UserID: "s1", FullName: "Sam", Role: attendance.RoleStudent}
	require.NoError(t, s.SaveProfile(ctx, p, time.Minute))

	got, err := s.GetProfile(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, p, got)

	require.NoError(t, s.DeleteProfile(ctx, "s1"))
	_, err = s.GetProfile(ctx, "s1")
	assert.ErrorIs(t, err, attendance.ErrNotFound)
}
