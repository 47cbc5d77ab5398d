package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// WaitPolicy is the readiness condition a navigation waits for.
type WaitPolicy string

const (
	WaitLoad             WaitPolicy = "load"
	WaitDOMContentLoaded WaitPolicy = "domcontentloaded"
	WaitNetworkIdle      WaitPolicy = "networkidle"
	WaitCommit           WaitPolicy = "commit"
)

// Page is the subset of browser page operations the engine drives. Every
// blocking call honours ctx; a cancelled context returns immediately even if
// the underlying browser call is still in flight. Pages that can leave such
// calls behind implement Idle so a Lease keeps the page locked until they end.
type Page interface {
	Goto(ctx context.Context, url string, wait WaitPolicy) error
	URL() string
	Count(ctx context.Context, selector string) (int, error)
	Click(ctx context.Context, selector string, timeout time.Duration) error
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	Markup(ctx context.Context, selector string) (string, error)
	TextContent(ctx context.Context, selector string) (string, error)
	Evaluate(ctx context.Context, expression string, arg any) (any, error)
	Content(ctx context.Context) (string, error)
	Close() error
}

type playwrightPage struct {
	page     playwright.Page
	timeout  time.Duration
	inflight *tracker

	gone     chan struct{}
	goneOnce sync.Once
}

func newPlaywrightPage(page playwright.Page, timeout time.Duration) *playwrightPage {
	return &playwrightPage{
		page:     page,
		timeout:  timeout,
		inflight: &tracker{},
		gone:     make(chan struct{}),
	}
}

// Idle is closed once no abandoned browser call is still running.
func (p *playwrightPage) Idle() <-chan struct{} {
	return p.inflight.Idle()
}

// Gone is closed when the page or its browser context has been closed.
func (p *playwrightPage) Gone() <-chan struct{} {
	return p.gone
}

func (p *playwrightPage) markGone() {
	p.goneOnce.Do(func() { close(p.gone) })
}

func (p *playwrightPage) Goto(ctx context.Context, url string, wait WaitPolicy) error {
	timeout := clip(ctx, p.timeout)
	err := run(ctx, p.inflight, func() error {
		_, err := p.page.Goto(url, playwright.PageGotoOptions{
			WaitUntil: waitState(wait),
			Timeout:   playwright.Float(millis(timeout)),
		})
		return err
	})
	if err != nil && ctx.Err() != nil {
		p.interrupt()
	}
	return err
}

// interrupt starts a blank navigation, which aborts a Goto the caller gave up
// on instead of letting it run to its timeout.
func (p *playwrightPage) interrupt() {
	p.inflight.add()
	go func() {
		defer p.inflight.done()
		p.page.Goto("about:blank", playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateCommit,
			Timeout:   playwright.Float(millis(5 * time.Second)),
		})
	}()
}

func (p *playwrightPage) URL() string {
	return p.page.URL()
}

func (p *playwrightPage) Count(ctx context.Context, selector string) (int, error) {
	return call(ctx, p.inflight, func() (int, error) {
		return p.page.Locator(selector).Count()
	})
}

func (p *playwrightPage) Click(ctx context.Context, selector string, timeout time.Duration) error {
	timeout = clip(ctx, timeout)
	return run(ctx, p.inflight, func() error {
		return p.page.Locator(selector).First().Click(playwright.LocatorClickOptions{
			Timeout: playwright.Float(millis(timeout)),
		})
	})
}

func (p *playwrightPage) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	timeout = clip(ctx, timeout)
	return run(ctx, p.inflight, func() error {
		return p.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateAttached,
			Timeout: playwright.Float(millis(timeout)),
		})
	})
}

// Markup returns the outer HTML of every element matching selector, in
// document order.
func (p *playwrightPage) Markup(ctx context.Context, selector string) (string, error) {
	return call(ctx, p.inflight, func() (string, error) {
		v, err := p.page.Locator(selector).EvaluateAll("els => els.map(e => e.outerHTML).join('')")
		if err != nil {
			return "", err
		}
		s, _ := v.(string)
		return s, nil
	})
}

func (p *playwrightPage) TextContent(ctx context.Context, selector string) (string, error) {
	timeout := clip(ctx, p.timeout)
	return call(ctx, p.inflight, func() (string, error) {
		return p.page.Locator(selector).First().TextContent(playwright.LocatorTextContentOptions{
			Timeout: playwright.Float(millis(timeout)),
		})
	})
}

func (p *playwrightPage) Evaluate(ctx context.Context, expression string, arg any) (any, error) {
	return call(ctx, p.inflight, func() (any, error) {
		if arg == nil {
			return p.page.Evaluate(expression)
		}
		return p.page.Evaluate(expression, arg)
	})
}

func (p *playwrightPage) Content(ctx context.Context) (string, error) {
	return call(ctx, p.inflight, func() (string, error) {
		return p.page.Content()
	})
}

func (p *playwrightPage) Close() error {
	return p.page.Close()
}

func waitState(w WaitPolicy) *playwright.WaitUntilState {
	switch w {
	case WaitLoad:
		return playwright.WaitUntilStateLoad
	case WaitNetworkIdle:
		return playwright.WaitUntilStateNetworkidle
	case WaitCommit:
		return playwright.WaitUntilStateCommit
	default:
		return playwright.WaitUntilStateDomcontentloaded
	}
}

// clip shortens timeout so a playwright call never outlives ctx.
func clip(ctx context.Context, timeout time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			if remaining < time.Millisecond {
				return time.Millisecond
			}
			return remaining
		}
	}
	return timeout
}

func millis(d time.Duration) float64 {
	return float64(d.Milliseconds())
}

// run executes fn on its own goroutine so the caller can stop waiting when ctx
// ends. fn itself is bounded by the playwright timeout it was given.
func run(ctx context.Context, t *tracker, fn func() error) error {
	_, err := call(ctx, t, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// call runs fn and waits for it or ctx. When t is not nil, fn is counted as in
// flight until it returns, even if the caller stopped waiting.
func call[T any](ctx context.Context, t *tracker, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	if t != nil {
		t.add()
	}
	go func() {
		if t != nil {
			defer t.done()
		}
		v, err := fn()
		done <- result{val: v, err: err}
	}()

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-done:
		return r.val, translate(r.err)
	}
}

var ErrTargetClosed = errors.New("page or browser has been closed")

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, playwright.ErrTimeout) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if isTargetClosed(err) {
		return fmt.Errorf("%w: %v", ErrTargetClosed, err)
	}
	return err
}

func isTargetClosed(err error) bool {
	if errors.Is(err, ErrTargetClosed) || errors.Is(err, playwright.ErrTargetClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "has been closed") || strings.Contains(msg, "Target closed")
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// tracker counts browser calls that are still running.
type tracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (t *tracker) add() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		t.idle = make(chan struct{})
	}
	t.n++
}

func (t *tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n--
	if t.n == 0 {
		close(t.idle)
	}
}

func (t *tracker) Idle() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		return closedChan
	}
	return t.idle
}
