package health

import (
	"context"
	"net"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

type CheckResult struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

type Checker interface {
	Check(ctx context.Context) CheckResult
}

// ProbeRunner runs every readiness check concurrently under one deadline.
type ProbeRunner struct {
	timeout time.Duration
	checks  []Checker
}

func NewProbeRunner(timeout time.Duration, checks ...Checker) *ProbeRunner {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ProbeRunner{timeout: timeout, checks: checks}
}

func (p *ProbeRunner) Ready(ctx context.Context) (bool, []CheckResult) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	results := make([]CheckResult, len(p.checks))
	var g errgroup.Group
	for i, c := range p.checks {
		g.Go(func() error {
			results[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	ready := true
	for _, r := range results {
		if !r.Healthy {
			ready = false
		}
	}
	return ready, results
}

type RedisChecker struct {
	client redis.UniversalClient
}

func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := c.client.Ping(ctx).Err()
	return result("redis", start, err)
}

// DialChecker reports whether a TCP connection to the target's host can be
// opened. It does not speak the target's protocol.
type DialChecker struct {
	name string
	addr string
}

func NewDialChecker(name, rawURL string) *DialChecker {
	addr := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		addr = u.Host
		if u.Port() == "" {
			if u.Scheme == "https" {
				addr = net.JoinHostPort(u.Hostname(), "443")
			} else {
				addr = net.JoinHostPort(u.Hostname(), "80")
			}
		}
	}
	return &DialChecker{name: name, addr: addr}
}

func (c *DialChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err == nil {
		_ = conn.Close()
	}
	return result(c.name, start, err)
}

func result(name string, start time.Time, err error) CheckResult {
	r := CheckResult{Name: name, Healthy: err == nil, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
