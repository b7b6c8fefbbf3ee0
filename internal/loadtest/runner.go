// Package loadtest drives synthetic traffic against a running query API:
// a correctness flow that walks the cache tiers in order, plus a mixed load
// of paraphrases, cacheable and time-sensitive questions.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Run status values.
const (
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Defaults applied to zero Config fields.
const (
	DefaultUsers     = 5
	DefaultSpawnRate = 5
	DefaultRunTime   = 5 * time.Second
)

// Config describes one run.
type Config struct {
	Users     int           // total simulated users
	SpawnRate float64       // users started per second
	RunTime   time.Duration // wall-clock budget for the whole run
}

// Limits bounds what a caller may request.
type Limits struct {
	MaxUsers     int
	MaxSpawnRate float64
	MaxRunTime   time.Duration
}

// DefaultLimits mirrors the bounds enforced by the HTTP API.
func DefaultLimits() Limits {
	return Limits{MaxUsers: 2000, MaxSpawnRate: 500, MaxRunTime: 10 * time.Minute}
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.Users == 0 {
		c.Users = DefaultUsers
	}
	if c.SpawnRate == 0 {
		c.SpawnRate = DefaultSpawnRate
	}
	if c.RunTime == 0 {
		c.RunTime = DefaultRunTime
	}
	return c
}

// Validate checks c against limits.
func (c Config) Validate(l Limits) error {
	if c.Users < 1 || (l.MaxUsers > 0 && c.Users > l.MaxUsers) {
		return fmt.Errorf("users must be between 1 and %d", l.MaxUsers)
	}
	if c.SpawnRate < 1 || (l.MaxSpawnRate > 0 && c.SpawnRate > l.MaxSpawnRate) {
		return fmt.Errorf("spawn_rate must be between 1 and %g", l.MaxSpawnRate)
	}
	if c.RunTime <= 0 {
		return errors.New("run_time must be positive")
	}
	if l.MaxRunTime > 0 && c.RunTime > l.MaxRunTime {
		return fmt.Errorf("run_time must not exceed %s", l.MaxRunTime)
	}
	return nil
}

// ParseRunTime accepts Go durations ("5s", "1m30s") and bare integers,
// which are read as seconds. An empty string yields DefaultRunTime.
func ParseRunTime(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultRunTime, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid run_time %q", s)
	}
	return d, nil
}

// Summary is the outcome of a run.
type Summary struct {
	RunID      string                 `json:"run_id"`
	Status     string                 `json:"status"`
	Users      int                    `json:"users"`
	Spawned    int                    `json:"spawned"`
	SpawnRate  float64                `json:"spawn_rate"`
	RunTime    string                 `json:"run_time"`
	Requests   int64                  `json:"requests"`
	Failures   int64                  `json:"failures"`
	DurationMS float64                `json:"duration_ms"`
	Steps      map[string]StepSummary `json:"steps"`
	Errors     []string               `json:"errors,omitempty"`
}

// Options configures a Runner.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger

	// SettleDelay is how long the correctness flow waits after priming so
	// the asynchronous writeback can land.
	SettleDelay time.Duration
	// MinWait and MaxWait bound the pause between load-user requests.
	MinWait time.Duration
	MaxWait time.Duration
	// Seed makes the traffic mix reproducible; zero picks a random seed.
	Seed uint64
}

// Runner executes load test runs against BaseURL.
type Runner struct {
	client  *apiClient
	logger  *slog.Logger
	settle  time.Duration
	minWait time.Duration
	maxWait time.Duration
	seed    uint64
}

// NewRunner creates a Runner.
func NewRunner(opts Options) *Runner {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SettleDelay == 0 {
		opts.SettleDelay = 2 * time.Second
	}
	if opts.MinWait == 0 && opts.MaxWait == 0 {
		opts.MinWait = 50 * time.Millisecond
		opts.MaxWait = 200 * time.Millisecond
	}
	if opts.MaxWait < opts.MinWait {
		opts.MaxWait = opts.MinWait
	}
	if opts.Seed == 0 {
		opts.Seed = rand.Uint64()
	}
	return &Runner{
		client:  newAPIClient(opts.BaseURL, opts.HTTPClient),
		logger:  opts.Logger,
		settle:  opts.SettleDelay,
		minWait: opts.MinWait,
		maxWait: opts.MaxWait,
		seed:    opts.Seed,
	}
}

// Run spawns cfg.Users users at cfg.SpawnRate and lets them run until every
// user is done or cfg.RunTime elapses. The run fails when any request does.
// An error is returned only when ctx itself is cancelled.
func (r *Runner) Run(ctx context.Context, cfg Config) (*Summary, error) {
	cfg = cfg.WithDefaults()
	sum := &Summary{
		RunID:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		Users:     cfg.Users,
		SpawnRate: cfg.SpawnRate,
		RunTime:   cfg.RunTime.String(),
	}
	logger := r.logger.With("run_id", sum.RunID)
	logger.InfoContext(ctx, "load test started",
		"users", cfg.Users, "spawn_rate", cfg.SpawnRate, "run_time", sum.RunTime)

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, cfg.RunTime)
	defer cancel()

	st := newStats()
	limiter := rate.NewLimiter(rate.Limit(cfg.SpawnRate), 1)
	g, gctx := errgroup.WithContext(runCtx)

	for i := 0; i < cfg.Users; i++ {
		if err := limiter.Wait(gctx); err != nil {
			break
		}
		u := r.newUser(i, st)
		g.Go(func() error {
			u.run(gctx)
			return nil
		})
		sum.Spawned++
	}
	_ = g.Wait()

	sum.DurationMS = float64(time.Since(start).Microseconds()) / 1000
	st.summarize(sum)
	sum.Status = StatusFinished
	if sum.Failures > 0 {
		sum.Status = StatusFailed
	}

	logger.InfoContext(ctx, "load test finished",
		"status", sum.Status,
		"spawned", sum.Spawned,
		"requests", sum.Requests,
		"failures", sum.Failures,
		"duration_ms", sum.DurationMS,
	)
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	return sum, nil
}

type user interface {
	run(ctx context.Context)
}

// Users are assigned one correctness user for every five load users.
const (
	correctnessWeight = 1
	loadWeight        = 5
)

func (r *Runner) newUser(i int, st *stats) user {
	if i%(correctnessWeight+loadWeight) < correctnessWeight {
		return &correctnessUser{client: r.client, stats: st, settle: r.settle}
	}
	return &loadUser{
		client:  r.client,
		stats:   st,
		rng:     rand.New(rand.NewPCG(r.seed, uint64(i))),
		minWait: r.minWait,
		maxWait: r.maxWait,
	}
}

// sleep waits for d or until ctx is done, reporting whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
