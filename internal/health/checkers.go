package health

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/strandlabs/chatstream/internal/circuitbreaker"
)

const slowThreshold = 100 * time.Millisecond

// RedisChecker pings one of the redis pools. When the shared-store wrapper is
// supplied and its breaker is open, the check fails without touching the
// network.
type RedisChecker struct {
	name    string
	client  *redis.Client
	wrapper *circuitbreaker.RedisWrapper
}

// NewRedisChecker builds a checker for the given pool. The wrapper may be nil
// for pools that are not routed through a circuit breaker.
func NewRedisChecker(name string, client *redis.Client, wrapper *circuitbreaker.RedisWrapper) *RedisChecker {
	return &RedisChecker{name: name, client: client, wrapper: wrapper}
}

func (c *RedisChecker) Name() string   { return c.name }
func (c *RedisChecker) Critical() bool { return true }

func (c *RedisChecker) Check(ctx context.Context) Result {
	started := time.Now()
	res := Result{Component: c.name, Critical: true, Timestamp: started}

	if c.wrapper != nil && c.wrapper.IsCircuitBreakerOpen() {
		res.Status = StatusUnhealthy
		res.Error = "circuit breaker open"
		return res
	}

	err := c.client.Ping(ctx).Err()
	elapsed := time.Since(started)
	res.LatencyMS = elapsed.Milliseconds()

	switch {
	case err != nil:
		res.Status = StatusUnhealthy
		res.Error = err.Error()
	case elapsed > slowThreshold:
		res.Status = StatusDegraded
		res.Message = "responding slowly"
	default:
		res.Status = StatusHealthy
	}
	return res
}

// DatabaseChecker pings postgres through the wrapped pool and inspects pool
// pressure.
type DatabaseChecker struct {
	wrapper *circuitbreaker.DatabaseWrapper
}

func NewDatabaseChecker(wrapper *circuitbreaker.DatabaseWrapper) *DatabaseChecker {
	return &DatabaseChecker{wrapper: wrapper}
}

func (c *DatabaseChecker) Name() string   { return "postgres" }
func (c *DatabaseChecker) Critical() bool { return true }

func (c *DatabaseChecker) Check(ctx context.Context) Result {
	started := time.Now()
	res := Result{Component: c.Name(), Critical: true, Timestamp: started}

	if c.wrapper.IsCircuitBreakerOpen() {
		res.Status = StatusUnhealthy
		res.Error = "circuit breaker open"
		return res
	}

	err := c.wrapper.PingContext(ctx)
	elapsed := time.Since(started)
	res.LatencyMS = elapsed.Milliseconds()

	if err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
		return res
	}

	stats := c.wrapper.Stats()
	switch {
	case stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections:
		res.Status = StatusDegraded
		res.Message = fmt.Sprintf("connection pool exhausted (%d/%d in use)",
			stats.InUse, stats.MaxOpenConnections)
	case elapsed > slowThreshold:
		res.Status = StatusDegraded
		res.Message = "responding slowly"
	default:
		res.Status = StatusHealthy
	}
	return res
}
