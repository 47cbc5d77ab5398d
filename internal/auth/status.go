package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/maltedev/taobao-scraper/internal/browser"
)

// Status is the login state as seen by the page: the nickname element in the
// site nav plus the dnk and _tb_token_ cookies.
type Status struct {
	LoggedIn       bool   `json:"logged_in"`
	Username       string `json:"username,omitempty"`
	Nick           string `json:"nick,omitempty"`
	HasToken       bool   `json:"has_token"`
	HasNickElement bool   `json:"has_nick_element"`
}

const statusScript = `() => {
	const nick = document.querySelector('.site-nav-login-info-nick');
	const cookie = (name) => {
		const parts = ('; ' + document.cookie).split('; ' + name + '=');
		return parts.length === 2 ? parts.pop().split(';').shift() : null;
	};
	const dnk = cookie('dnk');
	const token = cookie('_tb_token_');
	return {
		loggedIn: !!nick && !!dnk && !!token,
		username: nick && nick.textContent ? nick.textContent.trim() : '',
		dnk: dnk ? decodeURIComponent(dnk) : '',
		hasToken: !!token,
		hasNick: !!nick,
	};
}`

func (g *Gate) Status(ctx context.Context, page browser.Page) (*Status, error) {
	raw, err := page.Evaluate(ctx, statusScript, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read login status: %w", err)
	}

	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected login status result %T", raw)
	}

	st := &Status{
		LoggedIn:       asBool(m["loggedIn"]),
		Username:       asString(m["username"]),
		Nick:           asString(m["dnk"]),
		HasToken:       asBool(m["hasToken"]),
		HasNickElement: asBool(m["hasNick"]),
	}
	return st, nil
}

// Login opens the home page and waits for the user to finish logging in.
// A logged-out profile is not always sent to the login surface from the home
// page, so after the gate the login status is polled until it reports a
// login or the wait ceiling passes.
func (g *Gate) Login(ctx context.Context, lease *browser.Lease) (Result, *Status, error) {
	if _, err := lease.Navigate(ctx, HomeURL, browser.WaitDOMContentLoaded); err != nil {
		return TimedOut, nil, err
	}

	page := lease.Page()
	res, err := g.EnsureAuthenticated(ctx, page)
	if err != nil {
		return res, nil, err
	}

	st, err := g.Status(ctx, page)
	if err == nil && st.LoggedIn {
		return res, st, nil
	}
	if err != nil {
		g.logger.Warn("could not read login status", "error", err)
	}

	g.logger.Warn("profile is not logged in, waiting for login", "timeout", g.cfg.Timeout)

	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return TimedOut, st, err
			}
			g.logger.Warn("login wait timed out", "waited", time.Since(start))
			return TimedOut, st, fmt.Errorf("%w: not logged in after %s", ErrLoginRequired, g.cfg.Timeout)
		case <-ticker.C:
			cur, err := g.Status(waitCtx, page)
			if err != nil {
				g.logger.Debug("could not read login status", "error", err)
				continue
			}
			st = cur
			if cur.LoggedIn {
				g.logger.Info("login completed", "waited", time.Since(start))
				return CompletedDuringWait, cur, nil
			}
		}
	}
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
