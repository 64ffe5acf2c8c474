package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/liyaqa/drip-engine/internal/api"
	"github.com/liyaqa/drip-engine/internal/automation"
	"github.com/liyaqa/drip-engine/internal/config"
	"github.com/liyaqa/drip-engine/internal/dispatch"
	"github.com/liyaqa/drip-engine/internal/domain"
	"github.com/liyaqa/drip-engine/internal/metrics"
	"github.com/liyaqa/drip-engine/internal/pkg/distlock"
	"github.com/liyaqa/drip-engine/internal/pkg/logger"
	"github.com/liyaqa/drip-engine/internal/repository/postgres"
	"github.com/liyaqa/drip-engine/internal/service/enrollment"
	"github.com/liyaqa/drip-engine/internal/tracking"
	"github.com/liyaqa/drip-engine/internal/triggers"
)

const schedulerLockKey = "drip:process-due-steps"

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	addr := flag.String("addr", ":9091", "listen address for health and metrics")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(cfg.Log.RedactPII)
	lg := logger.Named("worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	redisClient := openRedis(ctx, cfg.Redis.URL)
	if redisClient != nil {
		defer redisClient.Close()
	}

	pg := postgres.New(db)
	stores := pg.Stores()
	m := metrics.New()
	health := api.NewHealthChecker(db, redisClient)

	gateway, err := buildGateway(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build dispatch gateway: %v", err)
	}

	var scheduler *automation.Scheduler
	if cfg.Scheduler.Enabled {
		scheduler = automation.NewScheduler(pg, stores.Enrollments, pg, gateway, automation.Options{
			Interval:                cfg.Scheduler.Interval(),
			BatchSize:               cfg.Scheduler.BatchSize,
			TrackingBaseURL:         cfg.Tracking.BaseURL,
			StubUnsupportedChannels: cfg.Dispatch.StubUnsupportedChannels,
			Lock:                    distlock.NewLock(redisClient, db, schedulerLockKey, cfg.Scheduler.LockTTL()),
			Recorder:                m,
		})
		health.AddCheck("scheduler", func(context.Context) api.ComponentCheck {
			st := scheduler.Stats()
			if !st.Healthy {
				return api.ComponentCheck{Status: "degraded", Message: "last pass failed"}
			}
			return api.ComponentCheck{Status: "up", Message: "last pass " + st.LastRunAt.Format(time.RFC3339)}
		})
		scheduler.Start(ctx)
	} else {
		lg.Info("scheduler disabled")
	}

	var runner *triggers.Runner
	if cfg.Triggers.Enabled {
		loc, err := cfg.Triggers.Location()
		if err != nil {
			log.Fatalf("Invalid trigger config: %v", err)
		}
		overrides := make(map[domain.TriggerType]triggers.Query, len(cfg.Triggers.Queries))
		for name, q := range cfg.Triggers.Queries {
			overrides[domain.TriggerType(name)] = triggers.Query(q)
		}
		enrollments := enrollment.NewManager(pg, stores, nil, nil)
		runner = triggers.NewRunner(stores.Campaigns, triggers.NewSQLAudience(db, overrides), enrollments, triggers.Options{
			Location: loc,
			CatchUp:  cfg.Triggers.CatchUp(),
			// A finished job keeps its lease for the rest of the day.
			NewLock: func(key string) distlock.DistLock {
				return distlock.NewLease(redisClient, db, "trigger:"+key, 24*time.Hour+cfg.Triggers.CatchUp())
			},
			Recorder: m,
		})
		runner.Start(ctx)
	} else {
		lg.Info("trigger jobs disabled")
	}

	var consumer *tracking.Consumer
	if cfg.SQS.Enabled && cfg.SQS.QueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SQS.Region))
		if err != nil {
			log.Fatalf("Failed to load AWS config for SQS: %v", err)
		}
		consumer = tracking.NewConsumer(sqs.NewFromConfig(awsCfg), cfg.SQS.QueueURL,
			func(_ context.Context, evt domain.EngagementEvent) error {
				m.EngagementConsumed(evt.Type, tracking.DetectDevice(evt.UserAgent))
				return nil
			})
		consumer.Start(ctx)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", health.HandleHealth)
	r.Get("/health/live", health.HandleLiveness)
	r.Get("/health/ready", health.HandleReadiness)
	r.Method(http.MethodGet, "/metrics", m.Handler())

	srv := &http.Server{
		Addr:         *addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		lg.Info("health and metrics listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Health server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	lg.Info("shutting down")

	// The running pass finishes before Stop returns.
	if scheduler != nil {
		scheduler.Stop()
	}
	if runner != nil {
		runner.Stop()
	}
	if consumer != nil {
		consumer.Stop()
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	lg.Info("worker stopped")
}

// buildGateway wires the configured senders. A channel left unconfigured
// fails its steps with ErrChannelNotConfigured.
func buildGateway(ctx context.Context, cfg *config.Config) (dispatch.Gateway, error) {
	router := &dispatch.Router{}
	if cfg.SES.Enabled {
		sender, err := dispatch.NewSESEmailSender(ctx, dispatch.SESConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKey,
			SecretAccessKey: cfg.SES.SecretKey,
			FromName:        cfg.SES.FromName,
			FromEmail:       cfg.SES.FromEmail,
			ConfigSet:       cfg.SES.ConfigSet,
		})
		if err != nil {
			return nil, err
		}
		router.Email = sender
	}
	if cfg.SMS.Enabled {
		router.SMS = dispatch.NewHTTPSMSSender(&http.Client{Timeout: cfg.SMS.Timeout()},
			cfg.SMS.Endpoint, cfg.SMS.APIKey, cfg.SMS.SenderID)
	}
	return dispatch.WithTimeout(router, cfg.Dispatch.Timeout()), nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func openRedis(ctx context.Context, url string) *redis.Client {
	if url == "" {
		log.Println("Redis not configured, using PG advisory locks")
		return nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("Warning: Redis connection failed: %v, falling back to PG advisory locks", err)
		client.Close()
		return nil
	}
	return client
}
