package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classattend/internal/archive"
	"classattend/internal/attendance"
	"classattend/internal/faceclient"
	"classattend/internal/identity"
	"classattend/internal/livestore"
	"classattend/internal/netcheck"
	"classattend/internal/store"
	"classattend/internal/verification"
)

const secret = "test-webhook-secret"

type captureSubmitter struct {
	mu   sync.Mutex
	subs []faceclient.Submission
}

func (c *captureSubmitter) Submit(_ context.Context, sub faceclient.Submission) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, sub)
	return nil
}

func (c *captureSubmitter) last(t *testing.T) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.subs)
	return c.subs[len(c.subs)-1].VerificationID
}

type testAPI struct {
	router *gin.Engine
	face   *captureSubmitter
}

func newAPI(t *testing.T, cfg Config) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	live := livestore.New(rdb, "")

	db, err := store.NewSQLite(ctx, filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	history := archive.New(db.Client)
	require.NoError(t, history.Migrate(ctx))

	face := &captureSubmitter{}
	demo := identity.DemoProvider{}
	svc := attendance.NewService(attendance.Deps{
		Live:     live,
		History:  history,
		Dispatch: verification.NewDispatcher(face, live, "http://api.test", time.Minute),
		Network:  netcheck.New(),
		Photos:   demo,
		Grace:    50 * time.Millisecond,
		Poll:     10 * time.Millisecond,
	})
	gw := verification.NewGateway(secret, svc, nil)

	cfg.SigningKey = "test-signing-key"
	cfg.Issuer = "classattend-test"
	r := gin.New()
	New(svc, gw, demo, live, cfg, nil).Register(r)
	return &testAPI{router: r, face: face}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) login(t *testing.T, username string) string {
	t.Helper()
	w := a.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"username": username, "password": "password"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	return resp.AccessToken
}

func (a *testAPI) openSession(t *testing.T, token, policy string) string {
	t.Helper()
	w := a.do(t, http.MethodPost, "/v1/sessions", token, gin.H{
		"course":           "CS101",
		"duration_minutes": 60,
		"policy":           policy,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sess attendance.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	return sess.ID
}

func (a *testAPI) callback(t *testing.T, token string, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, verification.CallbackPath+token, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(verification.SignatureHeader, signature)
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decodeRecord(t *testing.T, w *httptest.ResponseRecorder) attendance.Record {
	t.Helper()
	var rec attendance.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	return rec
}

func TestLogin(t *testing.T) {
	a := newAPI(t, Config{})

	w := a.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"username": "demo_teacher_1", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = a.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"username": "demo_teacher_1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	token := a.login(t, "demo_teacher_1")
	w = a.do(t, http.MethodGet, "/v1/auth/me", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var p attendance.Profile
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, "demo_teacher_1", p.UserID)
	assert.Equal(t, attendance.RoleTeacher, p.Role)

	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodGet, "/v1/auth/me", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodGet, "/v1/auth/me", "garbage", nil).Code)

	w = a.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"username": "demo_student_2", "password": "password"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Schedule []attendance.Lesson `json:"schedule"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Schedule, 1)
	assert.Equal(t, "Software Engineering", resp.Schedule[0].Course)
	assert.True(t, resp.Schedule[0].EndsAt.After(resp.Schedule[0].StartsAt))
}

func TestLogoutRevokesToken(t *testing.T) {
	a := newAPI(t, Config{})
	token := a.login(t, "demo_student_1")

	assert.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/v1/auth/logout", token, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodGet, "/v1/auth/me", token, nil).Code)
}

func TestRoleEnforcement(t *testing.T) {
	a := newAPI(t, Config{})
	teacher := a.login(t, "demo_teacher_1")
	student := a.login(t, "demo_student_1")

	w := a.do(t, http.MethodPost, "/v1/sessions", student, gin.H{"course": "CS101", "duration_minutes": 60, "policy": "NONE"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	id := a.openSession(t, teacher, "NONE")
	assert.Equal(t, http.StatusForbidden, a.do(t, http.MethodPost, "/v1/sessions/"+id+"/attend", teacher, nil).Code)

	other := a.login(t, "demo_teacher_2")
	assert.Equal(t, http.StatusForbidden, a.do(t, http.MethodGet, "/v1/sessions/"+id+"/records", other, nil).Code)
}

func TestFaceFlow(t *testing.T) {
	a := newAPI(t, Config{})
	teacher := a.login(t, "demo_teacher_1")
	student := a.login(t, "demo_student_1")
	id := a.openSession(t, teacher, "FACE")

	w := a.do(t, http.MethodGet, "/v1/sessions/active?course=cs101", student, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	img := base64.StdEncoding.EncodeToString([]byte("jpeg bytes"))
	w = a.do(t, http.MethodPost, "/v1/sessions/"+id+"/attend", student, gin.H{"image": "data:image/jpeg;base64," + img})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	rec := decodeRecord(t, w)
	assert.Equal(t, attendance.Pending, rec.Disposition)
	assert.NotContains(t, w.Body.String(), "token")

	w = a.do(t, http.MethodPost, "/v1/sessions/"+id+"/attend", student, gin.H{"image": img})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "verification already pending")
	assert.Contains(t, w.Body.String(), `"disposition":"PENDING"`)

	token := a.face.last(t)
	body := []byte(`{"overall_result":{"verification_passed":true}}`)
	assert.Equal(t, http.StatusUnauthorized, a.callback(t, token, body, "deadbeef").Code)
	assert.Equal(t, http.StatusUnprocessableEntity, a.callback(t, token, []byte(`{`), verification.Sign(secret, []byte(`{`))).Code)
	assert.Equal(t, http.StatusOK, a.callback(t, token, body, "sha256="+verification.Sign(secret, body)).Code)

	w = a.do(t, http.MethodGet, "/v1/sessions/"+id+"/status", student, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, attendance.Accepted, decodeRecord(t, w).Disposition)

	// replays are acknowledged without effect
	assert.Equal(t, http.StatusOK, a.callback(t, token, body, verification.Sign(secret, body)).Code)
}

func TestMultipartAttend(t *testing.T) {
	a := newAPI(t, Config{})
	teacher := a.login(t, "demo_teacher_1")
	student := a.login(t, "demo_student_2")
	id := a.openSession(t, teacher, "FACE")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", "me.jpg")
	require.NoError(t, err)
	_, err = fw.Write([]byte("jpeg bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/attend", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+student)
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	a.face.mu.Lock()
	defer a.face.mu.Unlock()
	require.Len(t, a.face.subs, 1)
	assert.Equal(t, []byte("jpeg bytes"), a.face.subs[0].Picture)
}

func TestAttendFaceWithoutImage(t *testing.T) {
	a := newAPI(t, Config{})
	teacher := a.login(t, "demo_teacher_1")
	student := a.login(t, "demo_student_1")
	id := a.openSession(t, teacher, "FACE")

	w := a.do(t, http.MethodPost, "/v1/sessions/"+id+"/attend", student, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = a.do(t, http.MethodPost, "/v1/sessions/"+id+"/attend", student, gin.H{"image": "%%%"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOverrideAndFinish(t *testing.T) {
	a := newAPI(t, Config{})
	teacher := a.login(t, "demo_teacher_1")
	student := a.login(t, "demo_student_1")
	id := a.openSession(t, teacher, "NONE")

	w := a.do(t, http.MethodPost, "/v1/sessions/"+id+"/records/demo_student_3/fail", teacher, gin.H{"reason": "left early"})
	require.Equal(t, http.StatusOK, w.Code)
	rec := decodeRecord(t, w)
	assert.Equal(t, attendance.Rejected, rec.Disposition)
	assert.Equal(t, attendance.Manual, rec.Provenance)
	assert.Equal(t, "left early", rec.Reason)

	w = a.do(t, http.MethodPost, "/v1/sessions/"+id+"/records/demo_student_3/accept", teacher, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, attendance.Accepted, decodeRecord(t, w).Disposition)

	w = a.do(t, http.MethodGet, "/v1/sessions/"+id+"/records", teacher, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "demo_student_3")

	w = a.do(t, http.MethodPost, "/v1/sessions/"+id+"/finish", teacher, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"CLOSING"`)

	w = a.do(t, http.MethodPost, "/v1/sessions/"+id+"/attend", student, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.do(t, http.MethodGet, "/v1/sessions/live", teacher, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)
}

func TestHistoryErrors(t *testing.T) {
	a := newAPI(t, Config{})
	teacher := a.login(t, "demo_teacher_1")

	w := a.do(t, http.MethodGet, "/v1/history", teacher, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sessions":[]}`, w.Body.String())

	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/v1/history/missing/records", teacher, nil).Code)
	assert.Equal(t, http.StatusBadRequest,
		a.do(t, http.MethodPut, "/v1/history/missing/records/s1", teacher, gin.H{"disposition": "PENDING"}).Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodDelete, "/v1/history/missing", teacher, nil).Code)
}

func TestHealthz(t *testing.T) {
	a := newAPI(t, Config{Checks: map[string]func(context.Context) bool{
		"redis": func(context.Context) bool { return true },
		"db":    func(context.Context) bool { return false },
	}})
	w := a.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"degraded","redis":true,"db":false}`, w.Body.String())

	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/metrics", "", nil).Code)
}

func TestRateLimit(t *testing.T) {
	a := newAPI(t, Config{RateLimitPerMin: 2})
	body := gin.H{"username": "x", "password": "y"}
	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodPost, "/v1/auth/login", "", body).Code)
	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodPost, "/v1/auth/login", "", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, a.do(t, http.MethodPost, "/v1/auth/login", "", body).Code)

	// callbacks draw from their own bucket
	assert.Equal(t, http.StatusUnauthorized, a.callback(t, "tok", []byte(`{}`), "").Code)
}

func TestDecodeImage(t *testing.T) {
	raw := base64.StdEncoding.EncodeToString([]byte("img"))
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: raw, want: "img"},
		{in: "data:image/png;base64," + raw, want: "img"},
		{in: "data:image/png;base64", wantErr: true},
		{in: "not base64!", wantErr: true},
	}
	for _, tt := range tests {
		got, err := decodeImage(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, string(got))
	}
}
