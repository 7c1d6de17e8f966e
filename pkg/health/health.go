// Package health serves liveness and readiness probes.
//
// Every check runs on its own ticker. A check turns unhealthy after
// FailureThreshold consecutive failures and healthy again after
// SuccessThreshold consecutive successes, so a single slow ping does not
// flap the probe.
package health

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// CheckFunc returns nil while the checked component is usable.
type CheckFunc func(ctx context.Context) error

// Thresholds tune when a check flips state.
type Thresholds struct {
	Failure int
	Success int
}

var defaultThresholds = Thresholds{Failure: 3, Success: 1}

type check struct {
	name    string
	timeout time.Duration
	fn      CheckFunc
	th      Thresholds

	healthy atomic.Bool
	lastErr atomic.Pointer[error]

	// Owned by the check's goroutine.
	fails, oks int
}

func (c *check) status() (bool, error) {
	var err error
	if p := c.lastErr.Load(); p != nil {
		err = *p
	}
	return c.healthy.Load(), err
}

// run executes the check once. It must not be called concurrently.
func (c *check) run(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	err := c.fn(cctx)
	cancel()
	c.lastErr.Store(&err)

	was := c.healthy.Load()
	if err != nil {
		c.oks = 0
		c.fails++
		if c.fails >= c.th.Failure {
			c.healthy.Store(false)
		}
	} else {
		c.fails = 0
		c.oks++
		if c.oks >= c.th.Success {
			c.healthy.Store(true)
		}
	}

	switch now := c.healthy.Load(); {
	case was && !now:
		zctx.From(ctx).Warn("Health check failing", zap.String("check", c.name), zap.Error(err))
	case !was && now:
		zctx.From(ctx).Info("Health check recovered", zap.String("check", c.name))
	}
}

// Health aggregates the checks of a service.
type Health struct {
	ready atomic.Bool

	mu     sync.RWMutex
	live   []*check
	readys []*check
	cancel context.CancelFunc
}

// New returns a Health that reports not ready until SetReady(true).
func New() *Health {
	return &Health{}
}

func newCheck(name string, timeout time.Duration, fn CheckFunc, th Thresholds) *check {
	if th.Failure <= 0 {
		th.Failure = defaultThresholds.Failure
	}
	if th.Success <= 0 {
		th.Success = defaultThresholds.Success
	}
	c := &check{name: name, timeout: timeout, fn: fn, th: th}
	c.healthy.Store(true)
	return c
}

// AddLivenessCheck registers a check that gates /livez.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, fn CheckFunc) {
	h.AddLivenessCheckWith(name, timeout, fn, defaultThresholds)
}

// AddLivenessCheckWith is AddLivenessCheck with explicit thresholds.
func (h *Health) AddLivenessCheckWith(name string, timeout time.Duration, fn CheckFunc, th Thresholds) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.live = append(h.live, newCheck(name, timeout, fn, th))
}

// AddReadinessCheck registers a check that gates /readyz.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, fn CheckFunc) {
	h.AddReadinessCheckWith(name, timeout, fn, defaultThresholds)
}

// AddReadinessCheckWith is AddReadinessCheck with explicit thresholds.
func (h *Health) AddReadinessCheckWith(name string, timeout time.Duration, fn CheckFunc, th Thresholds) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readys = append(h.readys, newCheck(name, timeout, fn, th))
}

// Start runs every registered check now and then once per interval, until
// Stop is called or ctx is done.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
	}
	h.cancel = cancel
	checks := slices.Concat(h.live, h.readys)
	h.mu.Unlock()

	for _, c := range checks {
		go loop(ctx, c, interval)
	}
}

func loop(ctx context.Context, c *check, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	c.run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.run(ctx)
		}
	}
}

// Stop halts the check goroutines. It may be called more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady flips the manual readiness switch.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the service is marked ready and every readiness
// check passes.
func (h *Health) IsReady() bool {
	return h.ready.Load() && len(failures(h.snapshot(&h.readys))) == 0
}

func (h *Health) snapshot(list *[]*check) []*check {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(*list)
}

// LiveEndpoint serves /livez.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	write(w, failures(h.snapshot(&h.live)))
}

// ReadyEndpoint serves /readyz.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failed := failures(h.snapshot(&h.readys))
	if !h.ready.Load() {
		failed = append(failed, failure{name: "_readiness", reason: "service is not ready"})
	}
	write(w, failed)
}

type failure struct {
	name   string
	reason string
}

func failures(checks []*check) []failure {
	var out []failure
	for _, c := range checks {
		ok, err := c.status()
		if ok {
			continue
		}
		reason := "check is unhealthy"
		if err != nil {
			reason = err.Error()
		}
		out = append(out, failure{name: c.name, reason: reason})
	}
	return out
}

// write answers 200 {"status":"ok"} or 503 with the failing checks.
func write(w http.ResponseWriter, failed []failure) {
	status, code := "ok", http.StatusOK
	if len(failed) > 0 {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("status", func(e *jx.Encoder) { e.Str(status) })
		if len(failed) == 0 {
			return
		}
		e.Field("checks", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				for _, f := range failed {
					e.Field(f.name, func(e *jx.Encoder) { e.Str(f.reason) })
				}
			})
		})
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(e.Bytes())
}
