// Package httpapi exposes the attendance service over HTTP with gin.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/httpmiddleware"
	"classattend/internal/identity"
	"classattend/internal/verification"
)

const profileKey = "profile"

// maxCallbackBytes bounds what the webhook reads before verifying it.
const maxCallbackBytes = 1 << 20

// Profiles caches the identity of logged-in users.
type Profiles interface {
	SaveProfile(ctx context.Context, p attendance.Profile, ttl time.Duration) error
	GetProfile(ctx context.Context, userID string) (attendance.Profile, error)
	DeleteProfile(ctx context.Context, userID string) error
}

// Config carries the HTTP-facing settings.
type Config struct {
	SigningKey              string
	Issuer                  string
	TeacherTokenTTL         time.Duration
	StudentTokenTTL         time.Duration
	RateLimitPerMin         int
	CallbackRateLimitPerMin int
	// Checks are reported by /healthz; any false answer turns it into a 503.
	Checks map[string]func(ctx context.Context) bool
}

// Handler serves the public API.
type Handler struct {
	svc      *attendance.Service
	gateway  *verification.Gateway
	identity identity.Provider
	profiles Profiles
	cfg      Config
	log      *zap.Logger

	limit         *httpmiddleware.TokenBucket
	callbackLimit *httpmiddleware.TokenBucket
}

// New builds a Handler.
func New(svc *attendance.Service, gateway *verification.Gateway, id identity.Provider, profiles Profiles, cfg Config, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.TeacherTokenTTL <= 0 {
		cfg.TeacherTokenTTL = time.Hour
	}
	if cfg.StudentTokenTTL <= 0 {
		cfg.StudentTokenTTL = 15 * time.Minute
	}
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 120
	}
	if cfg.CallbackRateLimitPerMin <= 0 {
		cfg.CallbackRateLimitPerMin = 200
	}
	return &Handler{
		svc:           svc,
		gateway:       gateway,
		identity:      id,
		profiles:      profiles,
		cfg:           cfg,
		log:           log,
		limit:         httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin),
		callbackLimit: httpmiddleware.NewTokenBucket(cfg.CallbackRateLimitPerMin, cfg.CallbackRateLimitPerMin),
	}
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	hooks := r.Group("/v1/webhooks", h.callbackLimit.GinMiddleware())
	hooks.POST("/verification-result/:token", h.verificationResult)

	api := r.Group("/v1", h.limit.GinMiddleware())
	api.POST("/auth/login", h.login)

	authed := api.Group("", auth.Bearer(h.cfg.SigningKey, h.cfg.Issuer), h.profile())
	authed.POST("/auth/logout", h.logout)
	authed.GET("/auth/me", h.me)

	student := authed.Group("", auth.RequireRole(attendance.RoleStudent))
	student.GET("/sessions/active", h.activeSessions)
	student.POST("/sessions/:id/attend", h.attend)
	student.GET("/sessions/:id/status", h.status)

	teacher := authed.Group("", auth.RequireRole(attendance.RoleTeacher))
	teacher.POST("/sessions", h.createSession)
	teacher.GET("/sessions/live", h.liveSessions)
	teacher.GET("/sessions/:id/records", h.liveRecords)
	teacher.POST("/sessions/:id/records/:student/accept", h.override(true))
	teacher.POST("/sessions/:id/records/:student/fail", h.override(false))
	teacher.POST("/sessions/:id/finish", h.finish)

	teacher.GET("/history", h.history)
	teacher.GET("/history/:id/records", h.historyRecords)
	teacher.PUT("/history/:id/records/:student", h.amend)
	teacher.DELETE("/history/:id", h.deleteHistory)
	teacher.DELETE("/history/:id/records/:student", h.deleteHistoryRecord)
}

func (h *Handler) healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.cfg.Checks {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// profile loads the cached identity of the token's subject. A token whose
// profile was dropped by logout or expiry no longer authenticates.
func (h *Handler) profile() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, _ := auth.ClaimsFrom(c)
		p, err := h.profiles.GetProfile(c.Request.Context(), claims.Subject)
		if errors.Is(err, attendance.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session expired, log in again"})
			return
		}
		if err != nil {
			h.log.Error("profile lookup failed", zap.String("user_id", claims.Subject), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if p.Role != claims.Role {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(profileKey, p)
		c.Next()
	}
}

func profileFrom(c *gin.Context) attendance.Profile {
	v, _ := c.Get(profileKey)
	p, _ := v.(attendance.Profile)
	return p
}

func (h *Handler) login(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	p, err := h.identity.Authenticate(ctx, strings.TrimSpace(req.Username), req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}
	ttl := h.cfg.StudentTokenTTL
	if p.Role == attendance.RoleTeacher {
		ttl = h.cfg.TeacherTokenTTL
	}
	tok, err := auth.Issue(p.UserID, p.Role, h.cfg.Issuer, h.cfg.SigningKey, ttl)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.profiles.SaveProfile(ctx, p, ttl); err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info("login", zap.String("user_id", p.UserID), zap.String("role", p.Role))
	c.JSON(http.StatusOK, gin.H{
		"access_token": tok.AccessToken,
		"token_type":   "bearer",
		"expires_at":   tok.ExpiresAt.Unix(),
		"user":         p,
		"schedule":     p.Schedule,
	})
}

func (h *Handler) logout(c *gin.Context) {
	p := profileFrom(c)
	if err := h.profiles.DeleteProfile(c.Request.Context(), p.UserID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged out"})
}

func (h *Handler) me(c *gin.Context) {
	c.JSON(http.StatusOK, profileFrom(c))
}

func (h *Handler) verificationResult(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
		return
	}
	err = h.gateway.Handle(c.Request.Context(), c.Param("token"), body, c.GetHeader(verification.SignatureHeader))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "received"})
	case errors.Is(err, attendance.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
	case errors.Is(err, attendance.ErrValidation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		h.fail(c, err)
	}
}
