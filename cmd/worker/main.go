package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"classattend/internal/archive"
	"classattend/internal/archiver"
	"classattend/internal/attendance"
	"classattend/internal/config"
	"classattend/internal/cron"
	"classattend/internal/faceclient"
	"classattend/internal/livestore"
	"classattend/internal/logging"
	"classattend/internal/queue"
	"classattend/internal/store"
)

// Worker drains closing sessions and moves archived ones to the durable store.
func main() {
	cfg, err := config.Load()
	log := logging.Must(cfg.Env)
	defer func() { _ = log.Sync() }()
	if err != nil {
		log.Fatal("config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db *store.DB
	if cfg.ArchiveDriver == "sqlite" {
		db, err = store.NewSQLite(ctx, cfg.SQLitePath)
	} else {
		db, err = store.NewDB(ctx, cfg.DatabaseURL)
	}
	if err != nil {
		log.Fatal("db connect failed", zap.Error(err))
	}
	defer func() { _ = db.Close() }()
	durable := archive.New(db.Client)
	if err := durable.Migrate(ctx); err != nil {
		log.Fatal("migrate failed", zap.Error(err))
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	live := livestore.New(redisClient.Client, "")

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(256)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "")
	}

	face := faceclient.New(cfg.FaceServiceURL, 5*time.Second)
	if err := face.Health(ctx); err != nil {
		log.Warn("face service not available; callbacks will be forced at drain", zap.Error(err))
	} else {
		log.Info("face service connected", zap.String("url", cfg.FaceServiceURL))
	}

	coord := attendance.NewCoordinator(live, q, cfg.DrainGrace, cfg.DrainPoll, log.Named("drain"))
	syncer := archiver.New(live, durable, coord, cfg.DrainGrace, log.Named("sync"))

	sched := cron.New(log.Named("cron"))
	sched.Register(cron.Job{
		Name:      "sync",
		Interval:  cfg.SyncInterval,
		Immediate: true,
		Fn: func(ctx context.Context) error {
			_, err := syncer.RunOnce(ctx)
			return err
		},
	})
	sched.Start(ctx)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatal("queue consume init failed", zap.Error(err))
	}

	log.Info("worker started", zap.String("queue", cfg.QueueBackend), zap.Int("drain_concurrency", cfg.DrainConcurrency))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.DrainConcurrency)
	for msg := range messages {
		switch msg.Type {
		case queue.TypeDrain:
			msg := msg
			g.Go(func() error {
				if err := coord.Drain(gctx, msg.SessionID); err != nil && gctx.Err() == nil {
					log.Warn("drain failed, left for sync", zap.String("session_id", msg.SessionID), zap.Error(err))
				}
				return nil
			})
		case queue.TypeArchive:
			if err := syncer.Archive(ctx, msg.SessionID); err != nil {
				log.Warn("archive failed, left for sync", zap.String("session_id", msg.SessionID), zap.Error(err))
			}
		default:
			log.Warn("unknown message", zap.String("type", msg.Type), zap.String("session_id", msg.SessionID))
		}
	}

	_ = g.Wait()
	sched.Wait()
	log.Info("worker stopped")
}
