package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/liyaqa/drip-engine/internal/pkg/httputil"
)

// HealthStatus represents the overall health of the process.
type HealthStatus struct {
	Status string                    `json:"status"` // "healthy", "degraded", "unhealthy"
	Uptime string                    `json:"uptime"`
	Checks map[string]ComponentCheck `json:"checks"`
}

// ComponentCheck represents the health of a single component.
type ComponentCheck struct {
	Status  string `json:"status"` // "up", "down", "degraded", "not_configured"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// CheckFunc reports the health of one extra component.
type CheckFunc func(ctx context.Context) ComponentCheck

// HealthChecker pings the database and Redis and runs any registered
// component checks. The database is the only critical dependency.
type HealthChecker struct {
	db          *sql.DB
	redisClient *redis.Client
	startTime   time.Time

	mu     sync.Mutex
	extras map[string]CheckFunc
}

// NewHealthChecker creates a HealthChecker. redisClient may be nil.
func NewHealthChecker(db *sql.DB, redisClient *redis.Client) *HealthChecker {
	return &HealthChecker{
		db:          db,
		redisClient: redisClient,
		startTime:   time.Now(),
		extras:      make(map[string]CheckFunc),
	}
}

// AddCheck registers a non-critical component check.
func (hc *HealthChecker) AddCheck(name string, fn CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.extras[name] = fn
}

// HandleHealth returns the status of every component. Always 200; the body
// carries the verdict.
//
//	GET /health
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAllChecks(r.Context())
	httputil.OK(w, HealthStatus{
		Status: overallStatus(checks),
		Uptime: time.Since(hc.startTime).Round(time.Second).String(),
		Checks: checks,
	})
}

// HandleLiveness always returns 200 while the process is serving.
//
//	GET /health/live
func (hc *HealthChecker) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "alive"})
}

// HandleReadiness returns 503 when a critical dependency is down.
//
//	GET /health/ready
func (hc *HealthChecker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAllChecks(r.Context())
	overall := overallStatus(checks)
	code := http.StatusOK
	if overall == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	httputil.JSON(w, code, map[string]interface{}{
		"ready":  code == http.StatusOK,
		"status": overall,
		"checks": checks,
	})
}

func (hc *HealthChecker) runAllChecks(ctx context.Context) map[string]ComponentCheck {
	hc.mu.Lock()
	fns := map[string]CheckFunc{
		"database": hc.checkDatabase,
		"redis":    hc.checkRedis,
	}
	for name, fn := range hc.extras {
		fns[name] = fn
	}
	hc.mu.Unlock()

	type result struct {
		name  string
		check ComponentCheck
	}
	ch := make(chan result, len(fns))
	for name, fn := range fns {
		go func(name string, fn CheckFunc) { ch <- result{name, fn(ctx)} }(name, fn)
	}

	checks := make(map[string]ComponentCheck, len(fns))
	for range fns {
		r := <-ch
		checks[r.name] = r.check
	}
	return checks
}

// checkDatabase pings PostgreSQL with a 3-second timeout.
func (hc *HealthChecker) checkDatabase(ctx context.Context) ComponentCheck {
	if hc.db == nil {
		return ComponentCheck{Status: "down", Message: "not configured"}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return timed(func() error { return hc.db.PingContext(pingCtx) }, time.Second)
}

// checkRedis pings Redis with a 2-second timeout.
func (hc *HealthChecker) checkRedis(ctx context.Context) ComponentCheck {
	if hc.redisClient == nil {
		return ComponentCheck{Status: "not_configured"}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return timed(func() error { return hc.redisClient.Ping(pingCtx).Err() }, 500*time.Millisecond)
}

func timed(ping func() error, slow time.Duration) ComponentCheck {
	start := time.Now()
	err := ping()
	latency := time.Since(start)
	if err != nil {
		return ComponentCheck{Status: "down", Latency: latency.String(), Message: fmt.Sprintf("ping failed: %v", err)}
	}
	if latency > slow {
		return ComponentCheck{Status: "degraded", Latency: latency.String(), Message: fmt.Sprintf("slow response (%s)", latency)}
	}
	return ComponentCheck{Status: "up", Latency: latency.String(), Message: "connected"}
}

// overallStatus is unhealthy when the database is down and degraded when
// any other component is not up.
func overallStatus(checks map[string]ComponentCheck) string {
	if db, ok := checks["database"]; ok && db.Status == "down" {
		return "unhealthy"
	}
	for _, c := range checks {
		if c.Status != "up" && c.Status != "not_configured" {
			return "degraded"
		}
	}
	return "healthy"
}
