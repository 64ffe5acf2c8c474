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
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/liyaqa/drip-engine/internal/api"
	"github.com/liyaqa/drip-engine/internal/config"
	"github.com/liyaqa/drip-engine/internal/metrics"
	"github.com/liyaqa/drip-engine/internal/pkg/logger"
	"github.com/liyaqa/drip-engine/internal/repository/postgres"
	"github.com/liyaqa/drip-engine/internal/service/analytics"
	"github.com/liyaqa/drip-engine/internal/service/campaign"
	"github.com/liyaqa/drip-engine/internal/service/enrollment"
	"github.com/liyaqa/drip-engine/internal/tracking"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(cfg.Log.RedactPII)
	lg := logger.Named("server")

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

	campaigns := campaign.NewService(pg, nil)
	enrollments := enrollment.NewManager(pg, stores, nil, nil)

	var publishers tracking.MultiPublisher
	if redisClient != nil {
		publishers = append(publishers, tracking.NewRedisPublisher(redisClient, cfg.Tracking.Stream))
	}
	if cfg.SQS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SQS.Region))
		if err != nil {
			log.Fatalf("Failed to load AWS config for SQS: %v", err)
		}
		publishers = append(publishers, tracking.NewSQSPublisher(sqs.NewFromConfig(awsCfg), cfg.SQS.QueueURL))
		lg.Info("engagement events published to SQS", "queue", cfg.SQS.QueueURL)
	}
	var publisher tracking.EventPublisher
	if len(publishers) > 0 {
		publisher = publishers
	}
	trackingSvc := tracking.NewService(pg, stores.Tokens, publisher, nil)
	trackingSvc.SetRecorder(m)

	health := api.NewHealthChecker(db, redisClient)
	reports := analytics.NewService(pg, nil)
	router := api.NewRouter(api.NewHandlers(campaigns, enrollments, reports), api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Tracking:       tracking.NewHandler(trackingSvc, cfg.Tracking.FallbackURL).Routes(),
		Metrics:        m,
		Health:         health,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		lg.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	<-done
	lg.Info("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("shutdown failed", "error", err)
	}
	lg.Info("server stopped")
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

// openRedis returns nil when Redis is unset or unreachable. Locks then fall
// back to PostgreSQL advisory locks and the engagement stream is skipped.
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
