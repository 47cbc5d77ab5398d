// Package retry drives a product reference to a complete page, retrying
// degraded variants and transient navigation failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/taobao-scraper/internal/auth"
	"github.com/maltedev/taobao-scraper/internal/browser"
	"github.com/maltedev/taobao-scraper/internal/completeness"
	"github.com/maltedev/taobao-scraper/internal/metrics"
	"github.com/maltedev/taobao-scraper/internal/models"
	"github.com/maltedev/taobao-scraper/internal/reference"
)

type Phase int

const (
	PhaseResolving Phase = iota
	PhaseLoading
	PhaseEvaluating
	PhaseBackoff
	PhaseAccepting
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseResolving:
		return "resolving"
	case PhaseLoading:
		return "loading"
	case PhaseEvaluating:
		return "evaluating"
	case PhaseBackoff:
		return "backoff"
	case PhaseAccepting:
		return "accepting"
	default:
		return "aborted"
	}
}

type Resolver interface {
	Resolve(ctx context.Context, raw string) (reference.CanonicalURL, error)
}

type Loader interface {
	Load(ctx context.Context, lease *browser.Lease, target reference.CanonicalURL) (*models.PageState, error)
}

type Sessions interface {
	Acquire(ctx context.Context) (*browser.Session, error)
}

type Evaluator interface {
	Evaluate(state *models.PageState) completeness.Verdict
}

type Options struct {
	MaxAttempts int
	Backoff     Backoff
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		Backoff:     DefaultBackoff(),
	}
}

// AttemptRecord describes one Loading transition.
type AttemptRecord struct {
	Index     int                  `json:"index"`
	Verdict   completeness.Verdict `json:"verdict"`
	Elapsed   time.Duration        `json:"elapsed"`
	Signature string               `json:"signature,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// Result is an accepted acquisition. Verdict may be Degraded when attempts
// ran out; callers must surface that.
type Result struct {
	Canonical reference.CanonicalURL `json:"canonical"`
	State     *models.PageState      `json:"state"`
	Verdict   completeness.Verdict   `json:"verdict"`
	Attempts  []AttemptRecord        `json:"attempts"`
}

type Controller struct {
	resolver  Resolver
	sessions  Sessions
	loader    Loader
	evaluator Evaluator
	opts      Options
	metrics   *metrics.Metrics
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewController(resolver Resolver, sessions Sessions, loader Loader, evaluator Evaluator, opts Options, m *metrics.Metrics, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		resolver:  resolver,
		sessions:  sessions,
		loader:    loader,
		evaluator: evaluator,
		opts:      opts,
		metrics:   m,
		logger:    logger.With("component", "retry"),
		sleep:     sleepContext,
	}
}

// Fetch runs AcquireComplete with the controller's configured options.
func (c *Controller) Fetch(ctx context.Context, raw string) (*Result, error) {
	return c.AcquireComplete(ctx, raw, c.opts)
}

// AcquireComplete resolves raw once, then loads and evaluates the page until
// it is complete or opts.MaxAttempts loads have been made. Resolution
// failures, login requirements and cancellation abort the run without
// further attempts.
func (c *Controller) AcquireComplete(ctx context.Context, raw string, opts Options) (*Result, error) {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	log := c.logger.With("reference", raw)

	phase := PhaseResolving
	target, err := c.resolver.Resolve(ctx, raw)
	if err != nil {
		c.abort(log, phase, err)
		return nil, err
	}
	log = log.With("product_id", target.ID, "platform", target.Platform)

	res := &Result{Canonical: target}
	var (
		last    *models.PageState
		lastV   completeness.Verdict
		lastErr error
	)

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		phase = c.transition(log, phase, PhaseLoading, attempt)
		start := time.Now()
		state, err := c.load(ctx, target)
		elapsed := time.Since(start)

		if err != nil {
			rec := AttemptRecord{
				Index:   attempt,
				Verdict: completeness.Indeterminate(err.Error()),
				Elapsed: elapsed,
				Error:   err.Error(),
			}
			res.Attempts = append(res.Attempts, rec)
			c.metrics.ObserveAttempt("error", elapsed)
			c.metrics.IncVerdict(string(completeness.StatusIndeterminate))

			if !Retryable(err) || ctx.Err() != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				c.abort(log, phase, err)
				return nil, err
			}
			log.Warn("load attempt failed", "attempt", attempt, "error", err)
			lastErr = err
		} else {
			phase = c.transition(log, phase, PhaseEvaluating, attempt)
			v := c.evaluator.Evaluate(state)
			res.Attempts = append(res.Attempts, AttemptRecord{
				Index:     attempt,
				Verdict:   v,
				Elapsed:   elapsed,
				Signature: v.Signature,
			})
			c.metrics.ObserveAttempt("ok", elapsed)
			c.metrics.IncVerdict(string(v.Status))
			log.Info("attempt evaluated",
				"attempt", attempt,
				"verdict", v.String(),
				"signature", v.Signature,
				"elapsed", elapsed)

			last, lastV = state, v
			if v.Complete() {
				break
			}
		}

		if attempt == opts.MaxAttempts {
			break
		}
		delay := opts.Backoff.Delay(attempt)
		phase = c.transition(log, phase, PhaseBackoff, attempt)
		c.metrics.IncRetries()
		log.Info("backing off", "attempt", attempt, "delay", delay)
		if err := c.sleep(ctx, delay); err != nil {
			c.abort(log, phase, err)
			return nil, err
		}
	}

	if last == nil {
		err := fmt.Errorf("failed to load %s after %d attempts: %w", target, len(res.Attempts), lastErr)
		c.abort(log, phase, err)
		return nil, err
	}

	c.transition(log, phase, PhaseAccepting, len(res.Attempts))
	res.State, res.Verdict = last, lastV
	if lastV.Complete() {
		c.metrics.IncFetch("accepted_complete")
	} else {
		c.metrics.IncFetch("accepted_degraded")
		log.Warn("accepting incomplete page", "verdict", lastV.String(), "attempts", len(res.Attempts))
	}
	return res, nil
}

// load runs one navigation under a session lease. The lease is released on
// every path before the caller backs off.
func (c *Controller) load(ctx context.Context, target reference.CanonicalURL) (*models.PageState, error) {
	session, err := c.sessions.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	lease, err := session.Borrow(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	return c.loader.Load(ctx, lease, target)
}

func (c *Controller) transition(log *slog.Logger, from, to Phase, attempt int) Phase {
	log.Debug("phase transition", "from", from, "to", to, "attempt", attempt)
	return to
}

func (c *Controller) abort(log *slog.Logger, from Phase, err error) {
	label := errorTypeLabel(err)
	c.metrics.IncError(label)
	c.metrics.IncFetch("aborted")
	log.Error("acquisition aborted", "phase", from, "error_type", label, "error", err)
}

// Retryable reports whether a load failure may succeed on another attempt.
func Retryable(err error) bool {
	return errors.Is(err, browser.ErrNavigationTimeout) ||
		errors.Is(err, browser.ErrNavigationFailed) ||
		errors.Is(err, browser.ErrSessionClosed)
}

func errorTypeLabel(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, auth.ErrLoginRequired):
		return "login_required"
	case errors.Is(err, reference.ErrShortLinkResolutionFailed):
		return "short_link"
	case errors.Is(err, reference.ErrUnresolvableReference):
		return "unresolvable"
	case errors.Is(err, browser.ErrNavigationTimeout):
		return "navigation_timeout"
	case errors.Is(err, browser.ErrNavigationFailed):
		return "navigation_failed"
	case errors.Is(err, browser.ErrSessionClosed):
		return "session_closed"
	default:
		return "other"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
