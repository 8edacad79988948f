package faceclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// Submission is one asynchronous face comparison request. The worker answers
// later by posting its verdict to WebhookURL.
type Submission struct {
	WebhookURL     string
	VerificationID string
	StudentID      string
	Picture        []byte
	Reference      []byte
}

// Client calls the face recognition microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New creates a client with configurable timeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Submit hands a comparison to the worker. Any 2xx means the worker accepted
// the job; it does not mean a verdict exists yet.
func (c *Client) Submit(ctx context.Context, sub Submission) error {
	if len(sub.Picture) == 0 || len(sub.Reference) == 0 {
		return fmt.Errorf("picture and reference are required")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"webhook_url", sub.WebhookURL},
		{"verification_id", sub.VerificationID},
		{"student_id", sub.StudentID},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}
	if err := writeFile(w, "picture", "picture.jpg", sub.Picture); err != nil {
		return err
	}
	if err := writeFile(w, "intended_picture", "intended.jpg", sub.Reference); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/verify-face-async", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}
	return nil
}

func writeFile(w *multipart.Writer, field, name string, data []byte) error {
	part, err := w.CreateFormFile(field, name)
	if err != nil {
		return fmt.Errorf("create form file %s: %w", field, err)
	}
	_, err = part.Write(data)
	return err
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}
