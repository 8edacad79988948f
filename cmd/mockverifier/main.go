// Command mockverifier stands in for the face-verification worker in local
// runs. Every submitted job is answered with a signed match verdict after a
// fixed delay.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"classattend/internal/config"
	"classattend/internal/logging"
	"classattend/internal/verification"
)

func main() {
	cfg, err := config.Load()
	log := logging.Must(cfg.Env)
	defer func() { _ = log.Sync() }()
	if err != nil {
		log.Fatal("config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gin.SetMode(gin.ReleaseMode)
	v := &verifier{
		secret: cfg.WebhookSecret,
		delay:  cfg.MockVerifierDelay,
		http:   &http.Client{Timeout: 10 * time.Second},
		log:    log,
		ctx:    ctx,
	}
	srv := &http.Server{Addr: ":" + cfg.MockVerifierPort, Handler: v.router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("mock verifier listening", zap.String("addr", srv.Addr), zap.Duration("delay", v.delay))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("mock verifier failed", zap.Error(err))
	}
}

type verifier struct {
	secret string
	delay  time.Duration
	http   *http.Client
	log    *zap.Logger
	// ctx bounds the delayed callbacks.
	ctx context.Context
}

func (v *verifier) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.POST("/verify-face-async", v.verify)
	return r
}

func (v *verifier) verify(c *gin.Context) {
	webhook := c.PostForm("webhook_url")
	id := c.PostForm("verification_id")
	if webhook == "" || id == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "webhook_url and verification_id are required"})
		return
	}
	for _, field := range []string{"picture", "intended_picture"} {
		if _, err := c.FormFile(field); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": field + " is required"})
			return
		}
	}
	go v.respond(webhook, id)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "verification_id": id})
}

func (v *verifier) respond(webhook, id string) {
	timer := time.NewTimer(v.delay)
	defer timer.Stop()
	select {
	case <-v.ctx.Done():
		return
	case <-timer.C:
	}

	body, _ := json.Marshal(gin.H{
		"verification_id": id,
		"overall_result": gin.H{
			"verification_passed": true,
			"reason":              "mock verifier always matches",
		},
	})
	req, err := http.NewRequestWithContext(v.ctx, http.MethodPost, webhook, bytes.NewReader(body))
	if err != nil {
		v.log.Warn("build callback", zap.String("verification_id", id), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(verification.SignatureHeader, verification.Sign(v.secret, body))
	resp, err := v.http.Do(req)
	if err != nil {
		v.log.Warn("callback failed", zap.String("verification_id", id), zap.Error(err))
		return
	}
	_ = resp.Body.Close()
	v.log.Info("callback sent", zap.String("verification_id", id), zap.Int("status", resp.StatusCode))
}
