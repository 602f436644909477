// Package app wires configuration, storage, the queue and the HTTP server
// into the padron processes.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mutualsoft/padron/internal/config"
	"github.com/mutualsoft/padron/internal/db"
	"github.com/mutualsoft/padron/internal/http/api/admin"
	"github.com/mutualsoft/padron/internal/logging"
	"github.com/mutualsoft/padron/internal/propagation"
	"github.com/mutualsoft/padron/internal/publication"
	"github.com/mutualsoft/padron/internal/queue"
	"github.com/mutualsoft/padron/internal/rules"
	"github.com/mutualsoft/padron/internal/settings"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const shutdownTimeout = 15 * time.Second

// runtime holds the connections shared by every subcommand.
type runtime struct {
	cfg    config.Config
	db     *gorm.DB
	redis  *redis.Client
	broker *queue.Broker
	logs   io.Closer
}

func (r *runtime) Close() {
	if r.redis != nil {
		_ = r.redis.Close()
	}
	if r.db != nil {
		if sqlDB, err := r.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if r.logs != nil {
		_ = r.logs.Close()
	}
}

// bootstrap loads config, sets up logging, opens and migrates the database
// and, when withQueue is set, connects the queue broker.
func bootstrap(ctx context.Context, appCfg config.AppConfig, withQueue bool) (*runtime, error) {
	configPath := config.ResolveConfigPath(appCfg.ConfigPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logs: logging.Setup(cfg.Logging)}

	conn, err := db.Open(cfg.Database.DSN)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.db = conn
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		rt.Close()
		return nil, errMigrate
	}
	if errRefresh := settings.RefreshDBConfigSnapshot(ctx, conn); errRefresh != nil {
		log.WithError(errRefresh).Warn("settings: load runtime settings failed, using defaults")
	}

	if withQueue {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.broker = queue.NewBroker(rt.redis, queue.Config{
			Prefix:        cfg.Queue.Prefix,
			Attempts:      cfg.Queue.Attempts,
			Backoff:       cfg.Queue.Backoff,
			KeepCompleted: cfg.Queue.KeepCompleted,
			KeepFailed:    cfg.Queue.KeepFailed,
			LockTTL:       cfg.Queue.LockTTL,
		})
		if errPing := rt.broker.Ping(ctx); errPing != nil {
			rt.Close()
			return nil, fmt.Errorf("queue: %w", errPing)
		}
	}
	log.Infof("loaded config=%s", configPath)
	return rt, nil
}

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	rt, err := bootstrap(ctx, cfg, false)
	if err != nil {
		return err
	}
	rt.Close()
	log.Info("migrations applied")
	return nil
}

// RunServer serves the admin API until ctx is cancelled.
func RunServer(ctx context.Context, cfg config.AppConfig) error {
	rt, err := bootstrap(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())
	admin.RegisterAdminRoutes(engine, rt.db, rt.broker, rt.cfg.JWT)

	server := &http.Server{Addr: rt.cfg.HTTP.Listen, Handler: engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("admin API listening on %s", rt.cfg.HTTP.Listen)
		if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			errCh <- errServe
		}
		close(errCh)
	}()

	select {
	case errServe := <-errCh:
		return errServe
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// RunWorker consumes the publication and propagation queues until ctx is
// cancelled, and trims finished jobs older than the retention window.
func RunWorker(ctx context.Context, cfg config.AppConfig) error {
	rt, err := bootstrap(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	publishWorker := rt.broker.NewWorker(publication.QueueName, publication.NewWorker(rt.db, rt.broker).Handle, 1)
	concurrency := settings.IntValue(settings.PropagationConcurrencyKey, rt.cfg.Queue.Concurrency)
	propagateWorker := rt.broker.NewWorker(propagation.QueueName, propagation.NewWorker(rt.db).Handle, concurrency)

	cleaner := queue.NewRetentionCleaner(rt.broker, rt.cfg.Queue.RetentionDays, publication.QueueName, propagation.QueueName)
	cleaner.Start(ctx)
	publishWorker.Start(ctx)
	propagateWorker.Start(ctx)

	<-ctx.Done()
	publishWorker.Wait()
	propagateWorker.Wait()
	cleaner.Wait()
	log.Info("workers stopped")
	return nil
}

// RecomputeParams selects the tenant and date of a batch recompute.
type RecomputeParams struct {
	TenantID      uint64
	EffectiveDate time.Time
	PageSize      int
}

// RunRecompute recomputes every member of a tenant and logs the summary.
func RunRecompute(ctx context.Context, cfg config.AppConfig, params RecomputeParams) (rules.BatchResult, error) {
	rt, err := bootstrap(ctx, cfg, false)
	if err != nil {
		return rules.BatchResult{}, err
	}
	defer rt.Close()

	pageSize := params.PageSize
	if pageSize <= 0 {
		pageSize = settings.IntValue(settings.RecomputePageSizeKey, rt.cfg.Recompute.PageSize)
	}
	result, err := rules.NewRecomputer(rt.db).RecomputeFrom(ctx, params.TenantID, params.EffectiveDate, pageSize)
	if err != nil {
		return result, err
	}
	log.WithFields(log.Fields{
		"tenant_id":  result.TenantID,
		"pages":      result.Pages,
		"scanned":    result.ScannedCount,
		"recomputed": result.RecomputedCount,
		"no_deps":    result.SkippedNoDeps,
		"no_roll":    result.SkippedNoRoll,
	}).Info("recompute finished")
	return result, nil
}

// requestLogger logs one line per admin request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request")
	}
}
