package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"listmail/backend/internal/storage"
)

// HealthChecker 健康检查器
//
// 存活检查只关注进程本身；就绪检查覆盖存储与 Redis 等外部依赖。
type HealthChecker struct {
	health healthcheck.Handler
	logger *zap.Logger

	mu     sync.RWMutex
	checks map[string]healthcheck.Check
}

// NewHealthChecker 创建健康检查器，并注册存储的就绪检查
func NewHealthChecker(store storage.Store, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		logger: logger,
		checks: make(map[string]healthcheck.Check),
	}

	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))
	hc.AddReadinessCheck("database", func() error {
		return store.Health()
	})

	return hc
}

// AddReadinessCheck 添加就绪检查
func (hc *HealthChecker) AddReadinessCheck(name string, check healthcheck.Check) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
	hc.health.AddReadinessCheck(name, check)
}

// LiveHandler 存活探针
func (hc *HealthChecker) LiveHandler() http.HandlerFunc {
	return hc.health.LiveEndpoint
}

// ReadyHandler 就绪探针
func (hc *HealthChecker) ReadyHandler() http.HandlerFunc {
	return hc.health.ReadyEndpoint
}

// CheckHealth 执行全部就绪检查并返回每项结果
func (hc *HealthChecker) CheckHealth() (map[string]string, bool) {
	hc.mu.RLock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	hc.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]string, len(names)+1)
	healthy := true
	for _, name := range names {
		hc.mu.RLock()
		check := hc.checks[name]
		hc.mu.RUnlock()

		if err := check(); err != nil {
			healthy = false
			results[name] = fmt.Sprintf("ERROR: %v", err)
			hc.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
		} else {
			results[name] = "OK"
		}
	}
	results["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return results, healthy
}

// PingCheck 将带 context 的探测函数包装为带超时的检查
func PingCheck(ping func(ctx context.Context) error, timeout time.Duration) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return ping(ctx)
	}
}
