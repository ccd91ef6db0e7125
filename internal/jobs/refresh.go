// Package jobs runs the periodic proactive token refresh.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	apperr "github.com/sirdoy/pannello-stufa-sub009/internal/errors"
	"github.com/sirdoy/pannello-stufa-sub009/internal/hue"
)

// defaultRunTimeout bounds one proactive refresh run.
const defaultRunTimeout = 30 * time.Second

// Refresher is the part of the token manager the job drives.
type Refresher interface {
	ProactiveRefresh(ctx context.Context, threshold time.Duration) (hue.ProactiveResult, error)
}

// LastRun records the outcome of the most recent run.
type LastRun struct {
	At     time.Time           `json:"at"`
	Result hue.ProactiveResult `json:"result"`
	Code   apperr.Code         `json:"code,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// RefreshJob refreshes the Remote API token on a cron schedule, before it
// gets close enough to expiry that a user request would have to wait on it.
type RefreshJob struct {
	cron      *cron.Cron
	tokens    Refresher
	threshold time.Duration
	timeout   time.Duration
	logger    *slog.Logger

	mu   sync.Mutex
	last *LastRun
}

// NewRefreshJob validates schedule (standard 5-field cron or a descriptor
// such as "@every 6h") and builds a stopped job.
func NewRefreshJob(schedule string, tokens Refresher, threshold time.Duration, logger *slog.Logger) (*RefreshJob, error) {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("parsing refresh schedule %q: %w", schedule, err)
	}

	j := &RefreshJob{
		cron:      cron.New(),
		tokens:    tokens,
		threshold: threshold,
		timeout:   defaultRunTimeout,
		logger:    logger.With(slog.String("component", "refresh-job")),
	}

	j.cron.Schedule(sched, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		defer cancel()
		_, _ = j.RunOnce(ctx)
	}))

	return j, nil
}

// Start begins scheduling in the background.
func (j *RefreshJob) Start() {
	j.cron.Start()

	for _, e := range j.cron.Entries() {
		j.logger.Info("proactive refresh scheduled", slog.Time("next", e.Next))
	}
}

// Stop stops scheduling and waits for a running refresh to finish or ctx
// to expire.
func (j *RefreshJob) Stop(ctx context.Context) error {
	done := j.cron.Stop()

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one proactive refresh check and records its outcome.
// A deployment without remote access is not an error worth reporting
// loudly; it is logged at debug level.
func (j *RefreshJob) RunOnce(ctx context.Context) (hue.ProactiveResult, error) {
	res, err := j.tokens.ProactiveRefresh(ctx, j.threshold)

	run := &LastRun{At: time.Now(), Result: res}

	switch {
	case err == nil:
		j.logger.Info("proactive refresh check",
			slog.String("status", string(res.Status)),
			slog.Duration("remaining", res.Remaining),
		)
	case apperr.CodeOf(err) == apperr.CodeNotConnected:
		run.Code, run.Error = apperr.CodeNotConnected, err.Error()
		j.logger.Debug("proactive refresh skipped, remote not connected")
	default:
		run.Code, run.Error = apperr.CodeOf(err), err.Error()
		j.logger.Error("proactive refresh failed",
			slog.String("code", string(run.Code)),
			slog.Bool("reconnect", apperr.NeedsReconnect(err)),
			slog.String("error", err.Error()),
		)
	}

	j.mu.Lock()
	j.last = run
	j.mu.Unlock()

	return res, err
}

// Last returns the most recent run, or nil before the first one.
func (j *RefreshJob) Last() *LastRun {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.last == nil {
		return nil
	}

	cp := *j.last
	return &cp
}
