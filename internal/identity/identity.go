// Package identity resolves credentials to profiles and fetches the
// reference photos face checks compare against.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"classattend/internal/attendance"
)

// Provider authenticates users against the institution's directory.
type Provider interface {
	Authenticate(ctx context.Context, username, password string) (attendance.Profile, error)
	ReferencePhoto(ctx context.Context, p attendance.Profile) ([]byte, error)
}

// HTTPProvider talks to a directory service over HTTP.
type HTTPProvider struct {
	BaseURL string
	HTTP    *http.Client
}

// NewHTTPProvider creates a provider with a short timeout.
func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Authenticate posts the credentials to {BaseURL}/login. The response is the
// profile, including the day's schedule for students.
func (p *HTTPProvider) Authenticate(ctx context.Context, username, password string) (attendance.Profile, error) {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/login", bytes.NewReader(body))
	if err != nil {
		return attendance.Profile{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return attendance.Profile{}, fmt.Errorf("identity request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return attendance.Profile{}, fmt.Errorf("%w: invalid credentials", attendance.ErrUnauthenticated)
	case resp.StatusCode >= 300:
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return attendance.Profile{}, fmt.Errorf("identity service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out attendance.Profile
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return attendance.Profile{}, fmt.Errorf("failed to decode profile: %w", err)
	}
	out.Role = strings.ToLower(out.Role)
	if out.UserID == "" || (out.Role != attendance.RoleTeacher && out.Role != attendance.RoleStudent) {
		return attendance.Profile{}, fmt.Errorf("%w: unsupported account", attendance.ErrForbidden)
	}
	return out, nil
}

// ReferencePhoto downloads the profile's photo.
func (p *HTTPProvider) ReferencePhoto(ctx context.Context, prof attendance.Profile) ([]byte, error) {
	if prof.PhotoURL == "" {
		return nil, fmt.Errorf("%w: no reference photo for %s", attendance.ErrNotFound, prof.UserID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, prof.PhotoURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("photo request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("photo fetch failed: %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 10<<20))
}

// DemoProvider serves fixed demo accounts for local runs:
// demo_teacher_1..10 and demo_student_1..10, all with password "password".
// Students get a fixed one-lesson schedule for the current day.
type DemoProvider struct{}

const demoAccounts = 10

// Authenticate accepts the demo accounts only.
func (DemoProvider) Authenticate(_ context.Context, username, password string) (attendance.Profile, error) {
	role, n, ok := parseDemo(username)
	if !ok || password != "password" {
		return attendance.Profile{}, fmt.Errorf("%w: invalid credentials", attendance.ErrUnauthenticated)
	}
	p := attendance.Profile{
		UserID:   username,
		FullName: "Demo " + strings.ToUpper(role[:1]) + role[1:] + " " + strconv.Itoa(n),
		Role:     role,
		PhotoURL: "demo://" + username,
	}
	if role == attendance.RoleStudent {
		p.Schedule = demoSchedule(time.Now().UTC())
	}
	return p, nil
}

// demoSchedule is one two-hour lesson at 09:00 UTC on day's date.
func demoSchedule(day time.Time) []attendance.Lesson {
	start := time.Date(day.Year(), day.Month(), day.Day(), 9, 0, 0, 0, time.UTC)
	return []attendance.Lesson{{
		Course:      "Software Engineering",
		TeacherName: "Demo Teacher 1",
		StartsAt:    start,
		EndsAt:      start.Add(2 * time.Hour),
	}}
}

// ReferencePhoto returns a generated placeholder image.
func (DemoProvider) ReferencePhoto(_ context.Context, p attendance.Profile) ([]byte, error) {
	if p.PhotoURL == "" {
		return nil, fmt.Errorf("%w: no reference photo for %s", attendance.ErrNotFound, p.UserID)
	}
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = uint8(len(p.UserID) * 13)
	}
	img.SetGray(8, 8, color.Gray{Y: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parseDemo(username string) (role string, n int, ok bool) {
	for _, r := range []string{attendance.RoleTeacher, attendance.RoleStudent} {
		prefix := "demo_" + r + "_"
		if rest, found := strings.CutPrefix(username, prefix); found {
			n, err := strconv.Atoi(rest)
			if err != nil || n < 1 || n > demoAccounts {
				return "", 0, false
			}
			return r, n, true
		}
	}
	return "", 0, false
}
