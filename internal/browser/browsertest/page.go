// Package browsertest provides a scriptable in-memory browser.Page for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/maltedev/taobao-scraper/internal/browser"
)

var ErrNotFound = errors.New("element not found")

type Element struct {
	HTML  string
	Text  string
	Count int
}

// Page simulates a product page. Elements are keyed by selector; hooks let a
// test reveal or remove elements in response to navigation, clicks and
// script evaluation.
type Page struct {
	mu       sync.Mutex
	url      string
	elements map[string]*Element
	document string
	closed   bool

	Redirects  map[string]string
	GotoErr    func(url string) error
	GotoDelay  time.Duration
	OnGoto     func(p *Page, url string)
	OnClick    map[string]func(p *Page)
	OnEvaluate func(p *Page, expression string) (any, error)

	Gotos  []string
	Clicks []string
	Evals  []string
}

func NewPage() *Page {
	return &Page{
		elements:  make(map[string]*Element),
		Redirects: make(map[string]string),
		OnClick:   make(map[string]func(p *Page)),
	}
}

var _ browser.Page = (*Page)(nil)

func (p *Page) SetURL(u string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = u
}

func (p *Page) SetElement(selector string, el Element) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := el
	p.elements[selector] = &cp
}

func (p *Page) SetHTML(selector, html string) {
	p.SetElement(selector, Element{HTML: html})
}

func (p *Page) Remove(selector string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.elements, selector)
}

func (p *Page) SetDocument(html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.document = html
}

func (p *Page) GotoCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Gotos)
}

func (p *Page) Goto(ctx context.Context, url string, wait browser.WaitPolicy) error {
	p.mu.Lock()
	p.Gotos = append(p.Gotos, url)
	delay, gotoErr, onGoto := p.GotoDelay, p.GotoErr, p.OnGoto
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if gotoErr != nil {
		if err := gotoErr(url); err != nil {
			return err
		}
	}

	p.mu.Lock()
	landed := url
	if r, ok := p.Redirects[url]; ok {
		landed = r
	}
	p.url = landed
	p.mu.Unlock()

	if onGoto != nil {
		onGoto(p, url)
	}
	return nil
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) lookup(selector string) (*Element, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.elements[selector]
	return el, ok
}

func (p *Page) Count(ctx context.Context, selector string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	el, ok := p.lookup(selector)
	if !ok {
		return 0, nil
	}
	if el.Count > 0 {
		return el.Count, nil
	}
	return 1, nil
}

func (p *Page) Click(ctx context.Context, selector string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := p.lookup(selector); !ok {
		return fmt.Errorf("%w: click %s", browser.ErrTimeout, selector)
	}

	p.mu.Lock()
	p.Clicks = append(p.Clicks, selector)
	hook := p.OnClick[selector]
	p.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return nil
}

func (p *Page) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := p.lookup(selector); ok {
		return nil
	}
	return fmt.Errorf("%w: wait for %s", browser.ErrTimeout, selector)
}

func (p *Page) Markup(ctx context.Context, selector string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	el, ok := p.lookup(selector)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, selector)
	}
	return el.HTML, nil
}

func (p *Page) TextContent(ctx context.Context, selector string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	el, ok := p.lookup(selector)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, selector)
	}
	return el.Text, nil
}

func (p *Page) Evaluate(ctx context.Context, expression string, arg any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.Evals = append(p.Evals, expression)
	hook := p.OnEvaluate
	p.mu.Unlock()

	if hook != nil {
		return hook(p, expression)
	}
	return nil, nil
}

func (p *Page) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.document != "" {
		return p.document, nil
	}

	var b strings.Builder
	b.WriteString("<html><body>")
	for _, el := range p.elements {
		b.WriteString(el.HTML)
	}
	b.WriteString("</body></html>")
	return b.String(), nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
