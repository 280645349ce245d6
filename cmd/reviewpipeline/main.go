// Command reviewpipeline serves the review ingestion trigger and, when a
// schedule is configured, fires pipeline runs on its own.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/review-pipeline/internal/adapters/llm"
	"github.com/tbourn/review-pipeline/internal/adapters/reviewapi"
	"github.com/tbourn/review-pipeline/internal/archive"
	"github.com/tbourn/review-pipeline/internal/config"
	"github.com/tbourn/review-pipeline/internal/events"
	httpapi "github.com/tbourn/review-pipeline/internal/http"
	"github.com/tbourn/review-pipeline/internal/http/handlers"
	"github.com/tbourn/review-pipeline/internal/observability"
	"github.com/tbourn/review-pipeline/internal/repo"
	"github.com/tbourn/review-pipeline/internal/retry"
	"github.com/tbourn/review-pipeline/internal/scheduler"
	"github.com/tbourn/review-pipeline/internal/services"
	"github.com/tbourn/review-pipeline/internal/sysutil"
)

var version = "dev"

const shutdownGrace = 15 * time.Second

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	sysutil.InitLogger(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("review pipeline stopped")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.Open(cfg.DBDriver, cfg.DBPath, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if cfg.OTEL.Enabled {
		if err := repo.EnableTracing(db); err != nil {
			return fmt.Errorf("gorm tracing: %w", err)
		}
	}
	if cfg.Pipeline.ResourcesFile != "" {
		seed, err := config.LoadSeed(cfg.Pipeline.ResourcesFile)
		if err != nil {
			return err
		}
		if err := services.ApplySeed(ctx, db, seed, time.Now().UTC()); err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
		log.Info().Int("resources", len(seed.Resources)).Int("identities", len(seed.Identities)).Msg("seed applied")
	}

	publisher := newPublisher(cfg.AMQP)
	defer publisher.Close()

	// runner stays a nil interface, never a typed nil *Pipeline.
	var runner handlers.Runner
	var pipeline *services.Pipeline
	if missing := cfg.MissingSecrets(); len(missing) > 0 {
		log.Warn().Strs("missing", missing).Msg("upstream configuration incomplete; trigger will refuse runs")
	} else {
		pipeline, err = buildPipeline(db, cfg, publisher)
		if err != nil {
			return err
		}
		runner = pipeline
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, runner, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	var sched *scheduler.Scheduler
	if cfg.Pipeline.Schedule != "" && pipeline != nil {
		sched, err = scheduler.New(cfg.Pipeline.Schedule, cfg.Pipeline.ScheduleTZ, cfg.Pipeline.MaxBudget+shutdownGrace, pipeline, services.RunRequest{})
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if sched != nil {
		sched.Start()
		log.Info().Str("schedule", cfg.Pipeline.Schedule).Time("next", sched.Next()).Msg("scheduler started")
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if sched != nil {
			select {
			case <-sched.Stop().Done():
			case <-sctx.Done():
				log.Warn().Msg("scheduled run still in flight at shutdown")
			}
		}
		err := srv.Shutdown(sctx)
		if pipeline != nil {
			pipeline.Recorder.Wait()
		}
		return err
	})
	return g.Wait()
}

func buildPipeline(db *gorm.DB, cfg config.Config, publisher services.EventPublisher) (*services.Pipeline, error) {
	pc := cfg.Pipeline
	policy := func(upstream string) retry.Policy {
		return retry.Policy{
			MaxAttempts: pc.RetryMaxAttempts,
			BaseDelay:   pc.RetryBaseDelay,
			MaxDelay:    pc.RetryMaxDelay,
			OnRetry:     observability.RetryHook(upstream),
		}
	}

	source, err := reviewapi.NewClient(cfg.ReviewAPI.BaseURL, cfg.ReviewAPI.Token, cfg.ReviewAPI.Timeout, cfg.ReviewAPI.PageSize)
	if err != nil {
		return nil, fmt.Errorf("review api client: %w", err)
	}
	model, err := llm.NewClient(llm.Options{
		Endpoint: cfg.LLM.Endpoint,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		Timeout:  cfg.LLM.Timeout,
		RPS:      cfg.LLM.RPS,
		Burst:    cfg.LLM.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("llm client: %w", err)
	}
	archiver, err := newArchiver(cfg.Archive)
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	host := sysutil.FirstNonEmpty(os.Getenv("POD_NAME"), hostname, "reviewpipeline")
	queue := services.NewJobQueue(db, pc.JobStaleAfter)
	replies := &services.ReplyService{DB: db, LLM: model, Policy: policy("llm")}

	return &services.Pipeline{
		DB:    db,
		Locks: services.NewLockManager(db, pc.LockTTL, fmt.Sprintf("%s:%d", host, os.Getpid())),
		Queue: queue,
		Sync: &services.SyncService{
			DB:       db,
			Source:   source,
			Queue:    queue,
			Archive:  archiver,
			Upstream: policy("reviewapi"),
			Store:    policy("store"),
		},
		Analysis: &services.AnalysisService{
			DB:               db,
			LLM:              model,
			Queue:            queue,
			Replies:          replies,
			Policy:           policy("llm"),
			Store:            policy("store"),
			MalformedRetries: cfg.LLM.MalformedRetries,
			MaxTopics:        cfg.LLM.MaxTopics,
			BatchSize:        pc.BatchSize,
		},
		Recorder:       services.NewRunRecorder(db),
		Events:         publisher,
		DefaultLimit:   pc.DefaultLimit,
		MaxBudget:      pc.MaxBudget,
		StrictIdentity: cfg.LLM.StrictIdentity,
	}, nil
}

type closingPublisher interface {
	services.EventPublisher
	Close() error
}

// newPublisher falls back to a no-op publisher when the broker is
// unreachable; events are best effort.
func newPublisher(c config.AMQPConfig) closingPublisher {
	if c.URL == "" {
		return events.Noop{}
	}
	p, err := events.Dial(c.URL, c.Exchange)
	if err != nil {
		log.Warn().Err(err).Msg("amqp unavailable; events disabled")
		return events.Noop{}
	}
	return p
}

func newArchiver(c config.S3Config) (services.PageArchiver, error) {
	if c.Bucket == "" {
		return archive.Noop{}, nil
	}
	s3, err := archive.NewS3(archive.Options{
		Bucket:    c.Bucket,
		Prefix:    c.Prefix,
		Region:    c.Region,
		Endpoint:  c.Endpoint,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
		PathStyle: c.PathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	return s3, nil
}
