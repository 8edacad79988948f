package httpapi

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"classattend/internal/attendance"
)

// maxImageBytes bounds a submitted attendance image.
const maxImageBytes = 8 << 20

func (h *Handler) createSession(c *gin.Context) {
	var req struct {
		Course          string    `json:"course" binding:"required"`
		StartsAt        time.Time `json:"starts_at"`
		EndsAt          time.Time `json:"ends_at"`
		DurationMinutes int       `json:"duration_minutes"`
		Policy          string    `json:"policy" binding:"required"`
		NetworkID       string    `json:"network_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	policy, err := attendance.ParsePolicy(req.Policy)
	if err != nil {
		h.fail(c, err)
		return
	}
	if req.StartsAt.IsZero() {
		req.StartsAt = time.Now().UTC()
	}
	if req.EndsAt.IsZero() && req.DurationMinutes > 0 {
		req.EndsAt = req.StartsAt.Add(time.Duration(req.DurationMinutes) * time.Minute)
	}
	if req.NetworkID == "" && policy.ChecksNetwork() {
		req.NetworkID = c.ClientIP()
	}
	sess, err := h.svc.CreateSession(c.Request.Context(), profileFrom(c), attendance.CreateInput{
		Course:    req.Course,
		StartsAt:  req.StartsAt,
		EndsAt:    req.EndsAt,
		Policy:    policy,
		NetworkID: req.NetworkID,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *Handler) liveSessions(c *gin.Context) {
	sessions, err := h.svc.LiveSessions(c.Request.Context(), profileFrom(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) activeSessions(c *gin.Context) {
	sessions, err := h.svc.ActiveSessions(c.Request.Context(), c.Query("course"), c.Query("teacher"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if sessions == nil {
		sessions = []attendance.Session{}
	}
	// students only need enough to pick a session
	out := make([]gin.H, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, gin.H{
			"id":           s.ID,
			"course":       s.Course,
			"teacher_name": s.TeacherName,
			"starts_at":    s.StartsAt,
			"ends_at":      s.EndsAt,
			"policy":       s.Policy,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// attend accepts either JSON with a base64 image (optionally a data URL) or
// a multipart form with an "image" file.
func (h *Handler) attend(c *gin.Context) {
	in := attendance.AttendInput{SessionID: c.Param("id")}
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		in.NetworkID = c.PostForm("network_id")
		if fh, err := c.FormFile("image"); err == nil {
			f, err := fh.Open()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable image"})
				return
			}
			defer f.Close()
			in.Image, err = io.ReadAll(io.LimitReader(f, maxImageBytes+1))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable image"})
				return
			}
		}
	} else if c.Request.ContentLength != 0 {
		var req struct {
			Image     string `json:"image"`
			NetworkID string `json:"network_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		in.NetworkID = req.NetworkID
		if req.Image != "" {
			img, err := decodeImage(req.Image)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			in.Image = img
		}
	}
	if len(in.Image) > maxImageBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return
	}
	if in.NetworkID == "" {
		in.NetworkID = c.ClientIP()
	}

	rec, err := h.svc.Attend(c.Request.Context(), profileFrom(c), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusOK
	if rec.Disposition == attendance.Pending {
		status = http.StatusAccepted
	}
	c.JSON(status, rec)
}

func decodeImage(raw string) ([]byte, error) {
	if strings.HasPrefix(raw, "data:") {
		_, payload, ok := strings.Cut(raw, ",")
		if !ok {
			return nil, fmt.Errorf("malformed data URL")
		}
		raw = payload
	}
	img, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("image is not valid base64")
	}
	return img, nil
}

func (h *Handler) status(c *gin.Context) {
	rec, err := h.svc.Status(c.Request.Context(), profileFrom(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) liveRecords(c *gin.Context) {
	records, err := h.svc.ListLive(c.Request.Context(), profileFrom(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if records == nil {
		records = []attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (h *Handler) override(accept bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Reason string `json:"reason"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		rec, err := h.svc.Override(c.Request.Context(), profileFrom(c), c.Param("id"), c.Param("student"), accept, req.Reason)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

func (h *Handler) finish(c *gin.Context) {
	sess, err := h.svc.Finish(c.Request.Context(), profileFrom(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, sess)
}
