package navigation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/taobao-scraper/internal/auth"
	"github.com/maltedev/taobao-scraper/internal/browser"
	"github.com/maltedev/taobao-scraper/internal/models"
	"github.com/maltedev/taobao-scraper/internal/reference"
)

// Gatekeeper resolves a login interstitial on the current page.
type Gatekeeper interface {
	EnsureAuthenticated(ctx context.Context, page browser.Page) (auth.Result, error)
}

type Config struct {
	Wait                browser.WaitPolicy
	Settle              time.Duration
	ReadyTimeout        time.Duration
	ClickTimeout        time.Duration
	TabTimeout          time.Duration
	MaxScrollIterations int
	ScrollStep          int
	ScrollSettle        time.Duration
	StableRounds        int
}

func DefaultConfig() Config {
	return Config{
		Wait:                browser.WaitDOMContentLoaded,
		Settle:              3 * time.Second,
		ReadyTimeout:        45 * time.Second,
		ClickTimeout:        5 * time.Second,
		TabTimeout:          10 * time.Second,
		MaxScrollIterations: 8,
		ScrollStep:          800,
		ScrollSettle:        500 * time.Millisecond,
		StableRounds:        2,
	}
}

const (
	scrollIntoViewScript = `(sel) => {
		const el = document.querySelector(sel);
		if (el) { el.scrollIntoView(); }
		return !!el;
	}`
	scrollByScript = `(step) => { window.scrollBy(0, step); return window.scrollY; }`
)

// Driver loads a canonical product page in a leased session and captures
// every section the strategy names.
type Driver struct {
	strategy Strategy
	gate     Gatekeeper
	cfg      Config
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewDriver(strategy Strategy, gate Gatekeeper, cfg Config, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Wait == "" {
		cfg.Wait = def.Wait
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = def.ReadyTimeout
	}
	if cfg.ClickTimeout <= 0 {
		cfg.ClickTimeout = def.ClickTimeout
	}
	if cfg.TabTimeout <= 0 {
		cfg.TabTimeout = def.TabTimeout
	}
	if cfg.MaxScrollIterations < 0 {
		cfg.MaxScrollIterations = 0
	}
	if cfg.StableRounds <= 0 {
		cfg.StableRounds = def.StableRounds
	}
	return &Driver{
		strategy: strategy,
		gate:     gate,
		cfg:      cfg,
		logger:   logger.With("component", "navigation", "strategy", strategy.Name()),
		sleep:    sleepContext,
	}
}

// Load navigates to target and returns the captured page state. Missing
// sections are recorded on their fragments; only navigation, login and
// cancellation failures are returned as errors.
func (d *Driver) Load(ctx context.Context, lease *browser.Lease, target reference.CanonicalURL) (*models.PageState, error) {
	page := lease.Page()
	log := d.logger.With("product_id", target.ID)

	raw, err := d.open(ctx, lease, target.String())
	if err != nil {
		return nil, err
	}
	log.Debug("navigated", "landed", raw.URL, "elapsed", raw.Elapsed)

	res, err := d.gate.EnsureAuthenticated(ctx, page)
	if err != nil {
		return nil, err
	}
	if res == auth.CompletedDuringWait && !reference.IsProductPage(page.URL()) {
		log.Info("login completed away from product page, navigating back")
		if _, err := d.open(ctx, lease, target.String()); err != nil {
			return nil, err
		}
	}

	if err := d.waitReady(ctx, page); err != nil {
		return nil, err
	}

	if landed := page.URL(); reference.IsShareURL(landed) {
		clean, err := reference.Canonicalize(landed, target.ID)
		if err == nil && clean.String() != landed {
			log.Info("cleaning share url", "landed", landed, "clean", clean.String())
			if _, err := d.open(ctx, lease, clean.String()); err != nil {
				return nil, err
			}
			if _, err := d.gate.EnsureAuthenticated(ctx, page); err != nil {
				return nil, err
			}
			if err := d.waitReady(ctx, page); err != nil {
				return nil, err
			}
			target = clean
		}
	}

	state := models.NewPageState(page.URL(), target.ID, string(target.Platform))
	for _, spec := range d.strategy.Tabs() {
		frag, err := d.capture(ctx, page, spec)
		if err != nil {
			return nil, err
		}
		if frag.Missing != "" {
			log.Warn("section not captured", "tab", spec.Kind, "reason", frag.Missing)
		} else {
			log.Debug("section captured", "tab", spec.Kind, "count", frag.Count, "elapsed", frag.Elapsed)
		}
		state.Set(frag)
	}

	doc, err := page.Content(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.Warn("failed to capture document", "error", err)
	}
	state.Document = doc
	state.CapturedAt = time.Now()
	return state, nil
}

func (d *Driver) open(ctx context.Context, lease *browser.Lease, url string) (*browser.RawPage, error) {
	raw, err := lease.Navigate(ctx, url, d.cfg.Wait)
	if err != nil {
		return nil, err
	}
	if err := d.sleep(ctx, d.cfg.Settle); err != nil {
		return nil, err
	}
	return raw, nil
}

func (d *Driver) waitReady(ctx context.Context, page browser.Page) error {
	sel := d.strategy.ReadySelector()
	err := page.WaitFor(ctx, sel, d.cfg.ReadyTimeout)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, browser.ErrTimeout):
		return fmt.Errorf("%w: ready marker %s not present after %s", browser.ErrNavigationTimeout, sel, d.cfg.ReadyTimeout)
	default:
		return fmt.Errorf("%w: waiting for ready marker: %v", browser.ErrNavigationFailed, err)
	}
}

// capture surfaces one section and records its markup. The returned error is
// non-nil only when ctx ended.
func (d *Driver) capture(ctx context.Context, page browser.Page, spec TabSpec) (*models.Fragment, error) {
	start := time.Now()
	frag := &models.Fragment{Kind: spec.Kind}
	defer func() { frag.Elapsed = time.Since(start) }()

	clicked := false
	if spec.Control != "" {
		n, err := page.Count(ctx, spec.Control)
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if n > 0 {
			if err := page.Click(ctx, spec.Control, d.cfg.ClickTimeout); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				frag.Missing = "tab control not clickable"
				return frag, nil
			}
			clicked = true
		}
	}

	sel, err := d.locate(ctx, page, spec, clicked || spec.Control == "")
	if err != nil {
		return nil, err
	}
	if sel == "" {
		if spec.Control != "" && !clicked {
			frag.Missing = "tab control not found"
		} else {
			frag.Missing = "content region not found"
		}
		return frag, nil
	}
	frag.Selector = sel

	if spec.Lazy {
		if err := d.scroll(ctx, page, spec, sel); err != nil {
			return nil, err
		}
	}

	markup, err := page.Markup(ctx, sel)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		frag.Missing = "content region vanished"
		return frag, nil
	}
	frag.Markup = markup
	frag.Count = spec.Count(markup)
	return frag, nil
}

// locate finds the first content region present. The primary selector is
// waited for only when the section was activated; fallbacks must contain at
// least one item.
func (d *Driver) locate(ctx context.Context, page browser.Page, spec TabSpec, wait bool) (string, error) {
	if len(spec.Content) == 0 {
		return "", nil
	}
	primary := spec.Content[0]
	if wait {
		err := page.WaitFor(ctx, primary, d.cfg.TabTimeout)
		if err == nil {
			return primary, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	} else if n, _ := page.Count(ctx, primary); n > 0 {
		return primary, nil
	}

	for _, sel := range spec.Content[1:] {
		n, err := page.Count(ctx, spec.itemSelector(sel))
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}
		if n > 0 {
			d.logger.Debug("using fallback content selector", "tab", spec.Kind, "selector", sel)
			return sel, nil
		}
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return "", nil
}

// scroll triggers lazy loading inside the content region. It stops after
// MaxScrollIterations or once the item count has not changed for
// StableRounds consecutive scrolls.
func (d *Driver) scroll(ctx context.Context, page browser.Page, spec TabSpec, content string) error {
	if d.cfg.MaxScrollIterations == 0 {
		return nil
	}
	if _, err := page.Evaluate(ctx, scrollIntoViewScript, content); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	items := spec.itemSelector(content)
	last, _ := page.Count(ctx, items)
	stable := 0
	for i := 0; i < d.cfg.MaxScrollIterations; i++ {
		if _, err := page.Evaluate(ctx, scrollByScript, d.cfg.ScrollStep); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Debug("scroll failed", "tab", spec.Kind, "error", err)
			return nil
		}
		if err := d.sleep(ctx, d.cfg.ScrollSettle); err != nil {
			return err
		}

		n, err := page.Count(ctx, items)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		if n == last {
			stable++
			if stable >= d.cfg.StableRounds {
				d.logger.Debug("lazy section settled", "tab", spec.Kind, "items", n, "scrolls", i+1)
				return nil
			}
		} else {
			stable = 0
			last = n
		}
	}
	return nil
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
