// Package engine assembles the acquisition pipeline from configuration.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/maltedev/taobao-scraper/internal/auth"
	"github.com/maltedev/taobao-scraper/internal/browser"
	"github.com/maltedev/taobao-scraper/internal/catalog"
	"github.com/maltedev/taobao-scraper/internal/completeness"
	"github.com/maltedev/taobao-scraper/internal/config"
	"github.com/maltedev/taobao-scraper/internal/metrics"
	"github.com/maltedev/taobao-scraper/internal/navigation"
	"github.com/maltedev/taobao-scraper/internal/reference"
	"github.com/maltedev/taobao-scraper/internal/retry"
)

type Engine struct {
	Browser    *browser.Manager
	Resolver   *reference.Resolver
	Gate       *auth.Gate
	Driver     *navigation.Driver
	Policy     completeness.Policy
	Controller *retry.Controller
	Metrics    *metrics.Metrics

	logger *slog.Logger
}

func New(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	platform, err := reference.ParsePlatform(cfg.Resolver.DefaultPlatform)
	if err != nil {
		return nil, err
	}
	kind, err := retry.ParseBackoffKind(cfg.Retry.Backoff)
	if err != nil {
		return nil, err
	}

	manager := browser.NewManager(BrowserOptions(cfg.Browser), logger)

	follower := reference.NewHTTPFollower(cfg.Resolver.Timeout, cfg.Browser.UserAgent)
	resolver, err := reference.NewResolver(follower, reference.Options{
		DefaultPlatform: platform,
		Timeout:         cfg.Resolver.Timeout,
		CacheSize:       cfg.Resolver.CacheSize,
	}, logger)
	if err != nil {
		return nil, err
	}

	gate := auth.NewGate(auth.Config{
		PollInterval: cfg.Auth.PollInterval,
		Timeout:      cfg.Auth.LoginTimeout,
	}, logger)

	driver := navigation.NewDriver(catalog.Taobao{}, &meteredGate{gate: gate, metrics: m}, navigation.Config{
		Wait:                browser.WaitDOMContentLoaded,
		Settle:              cfg.Navigation.Settle,
		ReadyTimeout:        cfg.Navigation.ReadyTimeout,
		TabTimeout:          cfg.Navigation.TabTimeout,
		MaxScrollIterations: cfg.Navigation.MaxScrollIterations,
		ScrollStep:          cfg.Navigation.ScrollStep,
		ScrollSettle:        cfg.Navigation.ScrollSettle,
	}, logger)

	policy := completeness.Policy{
		MinDetailImages: cfg.Completeness.MinDetailImages,
		MinParameters:   cfg.Completeness.MinParameters,
		MinReviews:      cfg.Completeness.MinReviews,
	}

	controller := retry.NewController(resolver, manager, driver, policy, retry.Options{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Backoff: retry.Backoff{
			Kind: kind,
			Base: cfg.Retry.BackoffBase,
			Max:  cfg.Retry.BackoffMax,
		},
	}, m, logger)

	return &Engine{
		Browser:    manager,
		Resolver:   resolver,
		Gate:       gate,
		Driver:     driver,
		Policy:     policy,
		Controller: controller,
		Metrics:    m,
		logger:     logger.With("component", "engine"),
	}, nil
}

func BrowserOptions(c config.BrowserConfig) *browser.Options {
	return &browser.Options{
		Headless:          c.Headless,
		ProfileDir:        c.ProfileDir,
		NavigationTimeout: c.NavigationTimeout,
		UserAgent:         c.UserAgent,
		ViewportWidth:     c.ViewportWidth,
		ViewportHeight:    c.ViewportHeight,
		AcceptLanguage:    c.AcceptLanguage,
		TimezoneID:        c.TimezoneID,
		Locale:            c.Locale,
		ProxyServer:       c.ProxyServer,
	}
}

// Fetch acquires one product page with the configured retry policy.
func (e *Engine) Fetch(ctx context.Context, raw string) (*retry.Result, error) {
	return e.Controller.Fetch(ctx, raw)
}

// Login opens the home page in the shared session and waits for the user to
// complete login.
func (e *Engine) Login(ctx context.Context) (auth.Result, *auth.Status, error) {
	session, err := e.Browser.Acquire(ctx)
	if err != nil {
		return auth.TimedOut, nil, err
	}
	lease, err := session.Borrow(ctx)
	if err != nil {
		return auth.TimedOut, nil, fmt.Errorf("failed to borrow session: %w", err)
	}
	defer lease.Release()

	res, st, err := e.Gate.Login(ctx, lease)
	e.Metrics.IncLoginWait(res.String())
	return res, st, err
}

func (e *Engine) Close() error {
	return e.Browser.Close()
}

// meteredGate records every gate outcome before handing it to the driver.
type meteredGate struct {
	gate    navigation.Gatekeeper
	metrics *metrics.Metrics
}

func (g *meteredGate) EnsureAuthenticated(ctx context.Context, page browser.Page) (auth.Result, error) {
	res, err := g.gate.EnsureAuthenticated(ctx, page)
	g.metrics.IncLoginWait(res.String())
	return res, err
}
