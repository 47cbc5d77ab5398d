package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/maltedev/taobao-scraper/internal/browser"
)

var ErrLoginRequired = errors.New("login required")

type Result int

const (
	AlreadyAuthenticated Result = iota
	CompletedDuringWait
	TimedOut
)

func (r Result) String() string {
	switch r {
	case AlreadyAuthenticated:
		return "already_authenticated"
	case CompletedDuringWait:
		return "completed_during_wait"
	default:
		return "timed_out"
	}
}

const (
	HomeURL        = "https://www.taobao.com"
	quickEntryText = "快速进入"
)

type Config struct {
	LoginHosts          []string
	QuickEntrySelectors []string
	PollInterval        time.Duration
	Timeout             time.Duration
	ClickTimeout        time.Duration
	Settle              time.Duration
}

func DefaultConfig() Config {
	return Config{
		LoginHosts: []string{"login.taobao.com", "login.tmall.com", "login.m.taobao.com"},
		QuickEntrySelectors: []string{
			"#login > div.login-content.nc-outer-box > div > div.fm-btn > button",
			"button.fm-submit",
			"button:has-text('快速进入')",
			"button[type='submit'].fm-button",
		},
		PollInterval: 2 * time.Second,
		Timeout:      180 * time.Second,
		ClickTimeout: 5 * time.Second,
		Settle:       3 * time.Second,
	}
}

// Gate detects the login surface and waits, bounded, for a human to finish
// logging in. It never fills credentials.
type Gate struct {
	cfg    Config
	logger *slog.Logger
}

func NewGate(cfg Config, logger *slog.Logger) *Gate {
	def := DefaultConfig()
	if len(cfg.LoginHosts) == 0 {
		cfg.LoginHosts = def.LoginHosts
	}
	if cfg.QuickEntrySelectors == nil {
		cfg.QuickEntrySelectors = def.QuickEntrySelectors
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ClickTimeout <= 0 {
		cfg.ClickTimeout = def.ClickTimeout
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{cfg: cfg, logger: logger.With("component", "auth_gate")}
}

// OnLoginSurface reports whether location is one of the login hosts.
func (g *Gate) OnLoginSurface(location string) bool {
	u, err := url.Parse(location)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range g.cfg.LoginHosts {
		if host == h {
			return true
		}
	}
	return false
}

// EnsureAuthenticated returns AlreadyAuthenticated when page is not on a login
// surface. Otherwise it tries the one-click confirmation, then polls until the
// page leaves the login surface or the wait ceiling passes, in which case it
// returns TimedOut with ErrLoginRequired.
func (g *Gate) EnsureAuthenticated(ctx context.Context, page browser.Page) (Result, error) {
	if !g.OnLoginSurface(page.URL()) {
		return AlreadyAuthenticated, nil
	}

	g.logger.Warn("login surface detected, waiting for login",
		"url", page.URL(),
		"timeout", g.cfg.Timeout)

	if g.clickQuickEntry(ctx, page) && !g.OnLoginSurface(page.URL()) {
		g.logger.Info("login confirmed via quick entry")
		return CompletedDuringWait, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return TimedOut, err
			}
			g.logger.Warn("login wait timed out", "waited", time.Since(start))
			return TimedOut, fmt.Errorf("%w: still on %s after %s", ErrLoginRequired, hostOf(page.URL()), g.cfg.Timeout)
		case <-ticker.C:
			if !g.OnLoginSurface(page.URL()) {
				g.logger.Info("login completed", "waited", time.Since(start))
				return CompletedDuringWait, nil
			}
		}
	}
}

// clickQuickEntry clicks the "快速进入" confirmation shown to sessions that are
// already logged in but need a confirmation step.
func (g *Gate) clickQuickEntry(ctx context.Context, page browser.Page) bool {
	for _, sel := range g.cfg.QuickEntrySelectors {
		n, err := page.Count(ctx, sel)
		if err != nil || n == 0 {
			continue
		}

		text, err := page.TextContent(ctx, sel)
		if err != nil || !strings.Contains(text, quickEntryText) {
			continue
		}

		if err := page.Click(ctx, sel, g.cfg.ClickTimeout); err != nil {
			g.logger.Debug("quick entry click failed", "selector", sel, "error", err)
			continue
		}

		g.logger.Info("clicked quick entry button", "selector", sel)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(g.cfg.Settle):
		}
		return true
	}
	return false
}

func hostOf(location string) string {
	if u, err := url.Parse(location); err == nil && u.Host != "" {
		return u.Host
	}
	return location
}
