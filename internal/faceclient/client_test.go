package faceclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitPostsMultipart(t *testing.T) {
	var got struct {
		webhook, id, student string
		picture, reference   []byte
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/verify-face-async", r.URL.Path)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		got.webhook = r.FormValue("webhook_url")
		got.id = r.FormValue("verification_id")
		got.student = r.FormValue("student_id")
		for field, dst := range map[string]*[]byte{"picture": &got.picture, "intended_picture": &got.reference} {
			f, _, err := r.FormFile(field)
			if !assert.NoError(t, err) {
				return
			}
			*dst, _ = io.ReadAll(f)
			f.Close()
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	err := c.Submit(context.Background(), Submission{
		WebhookURL:     "http://api/v1/webhooks/verification-result/tok",
		VerificationID: "tok",
		StudentID:      "s1",
		Picture:        []byte("selfie"),
		Reference:      []byte("reference"),
	})
	require.NoError(t, err)
	assert.Equal(t, "http://api/v1/webhooks/verification-result/tok", got.webhook)
	assert.Equal(t, "tok", got.id)
	assert.Equal(t, "s1", got.student)
	assert.Equal(t, []byte("selfie"), got.picture)
	assert.Equal(t, []byte("reference"), got.reference)
}

func TestSubmitRejectedByWorker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := New(srv.URL, time.Second).Submit(context.Background(), Submission{Picture: []byte("a"), Reference: []byte("b")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	assert.NoError(t, New(srv.URL, time.Second).Health(context.Background()))
}
