package auth

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/taobao-scraper/internal/browser"
	"github.com/maltedev/taobao-scraper/internal/browser/browsertest"
)

const loginURL = "https://login.taobao.com/member/login.jhtml?redirectURL=https%3A%2F%2Fitem.taobao.com%2Fitem.htm%3Fid%3D1"

func fastGate() *Gate {
	return NewGate(Config{
		PollInterval: 5 * time.Millisecond,
		Timeout:      60 * time.Millisecond,
		Settle:       0,
	}, nil)
}

func TestGate_OnLoginSurface(t *testing.T) {
	g := NewGate(DefaultConfig(), nil)

	assert.True(t, g.OnLoginSurface(loginURL))
	assert.True(t, g.OnLoginSurface("https://login.tmall.com/?redirect=x"))
	assert.False(t, g.OnLoginSurface("https://item.taobao.com/item.htm?id=1&from=login.taobao.com"))
	assert.False(t, g.OnLoginSurface("https://www.taobao.com"))
}

func TestGate_AlreadyAuthenticated(t *testing.T) {
	page := browsertest.NewPage()
	page.SetURL("https://item.taobao.com/item.htm?id=653281442791")

	res, err := fastGate().EnsureAuthenticated(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, AlreadyAuthenticated, res)
}

func TestGate_CompletedDuringWait(t *testing.T) {
	page := browsertest.NewPage()
	page.SetURL(loginURL)

	go func() {
		time.Sleep(15 * time.Millisecond)
		page.SetURL("https://item.taobao.com/item.htm?id=653281442791")
	}()

	res, err := fastGate().EnsureAuthenticated(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, CompletedDuringWait, res)
}

func TestGate_TimesOut(t *testing.T) {
	page := browsertest.NewPage()
	page.SetURL(loginURL)

	start := time.Now()
	res, err := fastGate().EnsureAuthenticated(context.Background(), page)
	assert.Equal(t, TimedOut, res)
	assert.ErrorIs(t, err, ErrLoginRequired)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGate_CancellationIsNotLoginRequired(t *testing.T) {
	page := browsertest.NewPage()
	page.SetURL(loginURL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewGate(Config{Timeout: time.Minute}, nil).EnsureAuthenticated(ctx, page)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrLoginRequired)
}

func TestGate_QuickEntry(t *testing.T) {
	page := browsertest.NewPage()
	page.SetURL(loginURL)
	page.SetElement("button.fm-submit", browsertest.Element{Text: " 快速进入 "})
	page.OnClick["button.fm-submit"] = func(p *browsertest.Page) {
		p.SetURL("https://item.taobao.com/item.htm?id=653281442791")
	}

	res, err := fastGate().EnsureAuthenticated(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, CompletedDuringWait, res)
	assert.Equal(t, []string{"button.fm-submit"}, page.Clicks)
}

func TestGate_QuickEntryIgnoresOtherButtons(t *testing.T) {
	page := browsertest.NewPage()
	page.SetURL(loginURL)
	page.SetElement("button.fm-submit", browsertest.Element{Text: "登录"})

	res, err := fastGate().EnsureAuthenticated(context.Background(), page)
	assert.ErrorIs(t, err, ErrLoginRequired)
	assert.Equal(t, TimedOut, res)
	assert.Empty(t, page.Clicks)
}

func TestGate_Status(t *testing.T) {
	page := browsertest.NewPage()
	page.OnEvaluate = func(p *browsertest.Page, expression string) (any, error) {
		return map[string]any{
			"loggedIn": true,
			"username": "tb_buyer",
			"dnk":      "tb_buyer",
			"hasToken": true,
			"hasNick":  true,
		}, nil
	}

	st, err := fastGate().Status(context.Background(), page)
	require.NoError(t, err)
	assert.True(t, st.LoggedIn)
	assert.Equal(t, "tb_buyer", st.Username)
	assert.True(t, st.HasToken)
}

func TestGate_Login(t *testing.T) {
	page := browsertest.NewPage()
	page.Redirects[HomeURL] = loginURL
	page.OnEvaluate = func(p *browsertest.Page, expression string) (any, error) {
		return map[string]any{"loggedIn": true, "hasToken": true, "hasNick": true}, nil
	}
	go func() {
		time.Sleep(15 * time.Millisecond)
		page.SetURL(HomeURL)
	}()

	s := browser.NewSession(page, nil, nil)
	lease, err := s.Borrow(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	res, st, err := fastGate().Login(context.Background(), lease)
	require.NoError(t, err)
	assert.Equal(t, CompletedDuringWait, res)
	require.NotNil(t, st)
	assert.True(t, st.LoggedIn)
}

func TestGate_LoginWaitsWhenHomePageDoesNotRedirect(t *testing.T) {
	t.Run("login completes during the wait", func(t *testing.T) {
		page := browsertest.NewPage()
		var loggedIn atomic.Bool
		page.OnEvaluate = func(p *browsertest.Page, expression string) (any, error) {
			return map[string]any{"loggedIn": loggedIn.Load(), "username": "tb_buyer", "hasNick": true}, nil
		}
		go func() {
			time.Sleep(15 * time.Millisecond)
			loggedIn.Store(true)
		}()

		s := browser.NewSession(page, nil, nil)
		lease, err := s.Borrow(context.Background())
		require.NoError(t, err)
		defer lease.Release()

		res, st, err := fastGate().Login(context.Background(), lease)
		require.NoError(t, err)
		assert.Equal(t, CompletedDuringWait, res)
		require.NotNil(t, st)
		assert.True(t, st.LoggedIn)
		assert.Equal(t, "tb_buyer", st.Username)
	})

	t.Run("logged-out profile times out", func(t *testing.T) {
		page := browsertest.NewPage()
		page.OnEvaluate = func(p *browsertest.Page, expression string) (any, error) {
			return map[string]any{"loggedIn": false}, nil
		}

		s := browser.NewSession(page, nil, nil)
		lease, err := s.Borrow(context.Background())
		require.NoError(t, err)
		defer lease.Release()

		res, st, err := fastGate().Login(context.Background(), lease)
		assert.Equal(t, TimedOut, res)
		assert.ErrorIs(t, err, ErrLoginRequired)
		require.NotNil(t, st)
		assert.False(t, st.LoggedIn)
		assert.Equal(t, []string{HomeURL}, page.Gotos)
	})
}
