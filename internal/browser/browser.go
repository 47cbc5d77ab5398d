package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

type Options struct {
	Headless          bool
	ProfileDir        string
	NavigationTimeout time.Duration
	UserAgent         string
	ViewportWidth     int
	ViewportHeight    int
	AcceptLanguage    string
	TimezoneID        string
	Locale            string
	ProxyServer       string
}

func DefaultOptions() *Options {
	return &Options{
		Headless:          false,
		ProfileDir:        "user_data/chrome_profile",
		NavigationTimeout: 60 * time.Second,
		UserAgent:         "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		ViewportWidth:     1280,
		ViewportHeight:    720,
		AcceptLanguage:    "zh-CN,zh;q=0.9,en;q=0.8",
		TimezoneID:        "Asia/Shanghai",
		Locale:            "zh-CN",
	}
}

type launchFunc func(opts *Options) (Page, func() error, error)

// launch is one browser start. Concurrent Acquire calls, and calls that gave
// up waiting earlier, share it so the profile is never opened twice.
type launch struct {
	done    chan struct{}
	session *Session
	err     error
}

// Manager owns the browser session. The first Acquire launches a persistent
// context on the profile directory so login state survives restarts.
type Manager struct {
	opts   *Options
	logger *slog.Logger
	launch launchFunc

	mu      sync.Mutex
	session *Session
	pending *launch
}

func NewManager(opts *Options, logger *slog.Logger) *Manager {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:   opts,
		logger: logger.With("component", "browser"),
		launch: launchPersistent,
	}
}

func (m *Manager) Options() Options {
	return *m.opts
}

// Acquire returns the live session, launching the browser on first use or
// after the previous browser went away. A launch outlives a cancelled ctx; its
// session is picked up by the next Acquire.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if s := m.session; s != nil {
		if !s.Closed() && !s.Lost() {
			m.mu.Unlock()
			return s, nil
		}
		m.session = nil
		if !s.Closed() {
			m.logger.Warn("browser went away, relaunching", "session_id", s.ID)
			if err := s.Close(); err != nil {
				m.logger.Warn("failed to close lost session", "session_id", s.ID, "error", err)
			}
		}
	}
	l := m.pending
	if l == nil {
		l = m.startLaunch()
	}
	m.mu.Unlock()

	select {
	case <-l.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to launch browser: %w", ctx.Err())
	}
	if l.err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", l.err)
	}
	return l.session, nil
}

// startLaunch must be called with m.mu held.
func (m *Manager) startLaunch() *launch {
	m.logger.Info("launching browser",
		"profile_dir", m.opts.ProfileDir,
		"headless", m.opts.Headless)

	l := &launch{done: make(chan struct{})}
	m.pending = l
	go func() {
		defer close(l.done)
		page, closeFn, err := m.launch(m.opts)

		m.mu.Lock()
		defer m.mu.Unlock()
		m.pending = nil
		if err != nil {
			l.err = err
			return
		}
		l.session = NewSession(page, closerFunc(closeFn), m.logger)
		m.session = l.session
	}()
	return l
}

// Close shuts the session down, waiting for a launch in progress so its
// browser is not left behind. Only called at process shutdown.
func (m *Manager) Close() error {
	m.mu.Lock()
	l := m.pending
	m.mu.Unlock()
	if l != nil {
		<-l.done
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil
	}
	err := m.session.Close()
	m.session = nil
	return err
}

type closerFunc func() error

func (f closerFunc) Close() error {
	if f == nil {
		return nil
	}
	return f()
}

func launchPersistent(opts *Options) (Page, func() error, error) {
	if err := os.MkdirAll(opts.ProfileDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create profile dir: %w", err)
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless:   playwright.Bool(opts.Headless),
		UserAgent:  playwright.String(opts.UserAgent),
		Locale:     playwright.String(opts.Locale),
		TimezoneId: playwright.String(opts.TimezoneID),
		Viewport: &playwright.Size{
			Width:  opts.ViewportWidth,
			Height: opts.ViewportHeight,
		},
		Args: []string{
			"--disable-dev-shm-usage",
			fmt.Sprintf("--window-size=%d,%d", opts.ViewportWidth, opts.ViewportHeight),
		},
	}
	if opts.AcceptLanguage != "" {
		launchOpts.ExtraHttpHeaders = map[string]string{"Accept-Language": opts.AcceptLanguage}
	}
	if opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{Server: opts.ProxyServer}
	}

	bctx, err := pw.Chromium.LaunchPersistentContext(opts.ProfileDir, launchOpts)
	if err != nil {
		pw.Stop()
		return nil, nil, fmt.Errorf("failed to launch persistent context: %w", err)
	}

	var page playwright.Page
	if pages := bctx.Pages(); len(pages) > 0 {
		page = pages[0]
	} else {
		page, err = bctx.NewPage()
		if err != nil {
			bctx.Close()
			pw.Stop()
			return nil, nil, fmt.Errorf("failed to create new page: %w", err)
		}
	}
	page.SetDefaultTimeout(millis(opts.NavigationTimeout))

	pp := newPlaywrightPage(page, opts.NavigationTimeout)
	// A closed window or tab ends the session; the next Acquire relaunches.
	page.OnClose(func(playwright.Page) { pp.markGone() })
	bctx.OnClose(func(playwright.BrowserContext) { pp.markGone() })

	closeFn := func() error {
		var errs []error
		if err := bctx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
		if err := pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
		return errors.Join(errs...)
	}

	return pp, closeFn, nil
}
