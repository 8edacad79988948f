package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"classattend/internal/archive"
	"classattend/internal/attendance"
	"classattend/internal/cloudinary"
	"classattend/internal/config"
	"classattend/internal/faceclient"
	"classattend/internal/httpapi"
	"classattend/internal/httpmiddleware"
	"classattend/internal/identity"
	"classattend/internal/livestore"
	"classattend/internal/logging"
	"classattend/internal/netcheck"
	"classattend/internal/queue"
	"classattend/internal/store"
	"classattend/internal/verification"
)

func main() {
	cfg, err := config.Load()
	log := logging.Must(cfg.Env)
	defer func() { _ = log.Sync() }()
	if err != nil {
		log.Fatal("config", zap.Error(err))
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, log); err != nil {
		log.Fatal("http server failed", zap.Error(err))
	}
}

func runHTTP(cfg config.App, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openArchive(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	history := archive.New(db.Client)
	if err := history.Migrate(ctx); err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	live := livestore.New(redisClient.Client, "")

	var publisher attendance.Publisher
	if cfg.QueueBackend == "redis" {
		publisher = queue.NewRedisQueue(redisClient.Client, "")
	} else {
		log.Warn("memory queue backend: closing sessions are drained by the worker's sync job")
	}

	var evidence attendance.EvidenceStore
	if cfg.CloudinaryEnabled() {
		evidence = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Info("cloudinary configured", zap.String("cloud", cfg.CloudinaryCloudName))
	} else {
		log.Info("cloudinary not configured, evidence images are not kept")
	}

	ids := identityProvider(cfg)
	face := faceclient.New(cfg.FaceServiceURL, 30*time.Second)
	svc := attendance.NewService(attendance.Deps{
		Live:            live,
		History:         history,
		Dispatch:        verification.NewDispatcher(face, live, cfg.PublicBaseURL, cfg.VerificationTimeout),
		Network:         netcheck.New(),
		Photos:          ids,
		Evidence:        evidence,
		Publisher:       publisher,
		Log:             log,
		SessionTTLSlack: cfg.SessionTTLSlack,
		Grace:           cfg.DrainGrace,
		Poll:            cfg.DrainPoll,
	})
	gateway := verification.NewGateway(cfg.WebhookSecret, svc, log.Named("webhook"))

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.Logger(log.Named("http"), "/healthz", "/metrics"))
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	}))
	r.Use(securityHeaders())

	httpapi.New(svc, gateway, ids, live, httpapi.Config{
		SigningKey:              cfg.JWTSigningKey,
		Issuer:                  cfg.JWTIssuer,
		TeacherTokenTTL:         cfg.TeacherTokenTTL,
		StudentTokenTTL:         cfg.StudentTokenTTL,
		RateLimitPerMin:         cfg.RateLimitPerMin,
		CallbackRateLimitPerMin: cfg.CallbackRateLimitPerMin,
		Checks: map[string]func(context.Context) bool{
			"redis": redisClient.Healthy,
			"db":    db.Healthy,
		},
	}, log).Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced shutdown", zap.Error(err))
	}
	log.Info("server exited")
	return nil
}

func openArchive(ctx context.Context, cfg config.App) (*store.DB, error) {
	if cfg.ArchiveDriver == "sqlite" {
		return store.NewSQLite(ctx, cfg.SQLitePath)
	}
	return store.NewDB(ctx, cfg.DatabaseURL)
}

func identityProvider(cfg config.App) identity.Provider {
	if cfg.IdentityBackend == "http" {
		return identity.NewHTTPProvider(cfg.IdentityURL)
	}
	return identity.DemoProvider{}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
