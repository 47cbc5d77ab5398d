package reference

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFollower struct {
	mu       sync.Mutex
	landings map[string]*Landing
	err      error
	block    bool
	calls    int
}

func (f *fakeFollower) Follow(ctx context.Context, link string) (*Landing, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	if l, ok := f.landings[link]; ok {
		return l, nil
	}
	return &Landing{URL: link}, nil
}

func newTestResolver(t *testing.T, f Follower, opts Options) *Resolver {
	t.Helper()
	r, err := NewResolver(f, opts, slog.Default())
	require.NoError(t, err)
	return r
}

func TestResolver_Resolve(t *testing.T) {
	follower := &fakeFollower{landings: map[string]*Landing{
		"https://e.tb.cn/h.tmall":        {URL: "https://detail.tmall.com/item.htm?id=7012345678901&tk=abc&sourceType=item"},
		"https://e.tb.cn/h.tmall?tk=abc": {URL: "https://detail.tmall.com/item.htm?id=7012345678901&tk=abc"},
		"https://e.tb.cn/h.login":        {URL: "https://login.taobao.com/member/login.jhtml?redirectURL=https%3A%2F%2Fitem.taobao.com%2Fitem.htm%3Fid%3D653281442791%26tk%3Dx"},
		"https://e.tb.cn/h.js":           {URL: "https://e.tb.cn/h.js", Body: `<script>var url = 'https://item.taobao.com/item.htm?ut_sk=1&amp;id=612345678901&amp;sourceType=item';</script>`},
	}}
	r := newTestResolver(t, follower, DefaultOptions())
	ctx := context.Background()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "bare id uses default platform",
			input:    "653281442791",
			expected: "https://item.taobao.com/item.htm?id=653281442791",
		},
		{
			name:     "tmall url keeps platform",
			input:    "https://detail.tmall.com/item.htm?id=653281442791&spm=a1z10",
			expected: "https://detail.tmall.com/item.htm?id=653281442791",
		},
		{
			name:     "canonical url is a fixed point",
			input:    "https://item.taobao.com/item.htm?id=653281442791",
			expected: "https://item.taobao.com/item.htm?id=653281442791",
		},
		{
			name:     "short link to tmall",
			input:    "https://e.tb.cn/h.tmall",
			expected: "https://detail.tmall.com/item.htm?id=7012345678901",
		},
		{
			name:     "short link landing on login carries redirect",
			input:    "https://e.tb.cn/h.login",
			expected: "https://item.taobao.com/item.htm?id=653281442791",
		},
		{
			name:     "short link with script landing page",
			input:    "https://e.tb.cn/h.js",
			expected: "https://item.taobao.com/item.htm?id=612345678901",
		},
		{
			name:     "share text with embedded short link",
			input:    "【淘宝】限时特惠 https://e.tb.cn/h.tmall?tk=abc CZ3457 「夏季连衣裙」点击链接直接打开",
			expected: "https://detail.tmall.com/item.htm?id=7012345678901",
		},
		{
			name:     "text with embedded item url",
			input:    "look at this https://item.taobao.com/item.htm?id=653281442791&tk=1 please",
			expected: "https://item.taobao.com/item.htm?id=653281442791",
		},
		{
			name:     "share text with scheme-less tmall url",
			input:    "【天猫】detail.tmall.com/item.htm?id=653281442791&spm=x 好物推荐",
			expected: "https://detail.tmall.com/item.htm?id=653281442791",
		},
		{
			name:     "share text with protocol-relative tmall url",
			input:    "see //detail.tmall.com/item.htm?id=653281442791 now",
			expected: "https://detail.tmall.com/item.htm?id=653281442791",
		},
		{
			name:     "embedded id as last resort",
			input:    "商品编号 653281442791 谢谢",
			expected: "https://item.taobao.com/item.htm?id=653281442791",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := r.Resolve(ctx, tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, c.String())

			again, err := r.Resolve(ctx, c.String())
			require.NoError(t, err)
			assert.Equal(t, c, again)
		})
	}
}

func TestResolver_DefaultPlatformTmall(t *testing.T) {
	opts := DefaultOptions()
	opts.DefaultPlatform = PlatformTmall
	r := newTestResolver(t, nil, opts)

	c, err := r.Resolve(context.Background(), "653281442791")
	require.NoError(t, err)
	assert.Equal(t, PlatformTmall, c.Platform)
}

func TestResolver_Unresolvable(t *testing.T) {
	r := newTestResolver(t, &fakeFollower{}, DefaultOptions())

	for _, input := range []string{"", "hello world", "12345", "https://example.com/item?id=653281442791x"} {
		_, err := r.Resolve(context.Background(), input)
		assert.ErrorIs(t, err, ErrUnresolvableReference, input)
	}
}

func TestResolver_ShortLinkFailures(t *testing.T) {
	t.Run("network error keeps only a reason", func(t *testing.T) {
		netErr := errors.New("dial tcp 10.0.0.1:443: connection refused")
		r := newTestResolver(t, &fakeFollower{err: netErr}, DefaultOptions())

		_, err := r.Resolve(context.Background(), "https://e.tb.cn/h.abc")
		require.ErrorIs(t, err, ErrShortLinkResolutionFailed)
		assert.False(t, errors.Is(err, netErr))

		var sle *ShortLinkError
		require.True(t, errors.As(err, &sle))
		assert.Equal(t, "request failed", sle.Reason)
	})

	t.Run("timeout", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Timeout = 20 * time.Millisecond
		r := newTestResolver(t, &fakeFollower{block: true}, opts)

		_, err := r.Resolve(context.Background(), "https://e.tb.cn/h.slow")
		require.ErrorIs(t, err, ErrShortLinkResolutionFailed)
		assert.Contains(t, err.Error(), "timed out")
	})

	t.Run("landing is not a product", func(t *testing.T) {
		f := &fakeFollower{landings: map[string]*Landing{
			"https://e.tb.cn/h.home": {URL: "https://www.taobao.com/"},
		}}
		r := newTestResolver(t, f, DefaultOptions())

		_, err := r.Resolve(context.Background(), "https://e.tb.cn/h.home")
		assert.ErrorIs(t, err, ErrShortLinkResolutionFailed)
	})

	t.Run("caller cancellation is not masked", func(t *testing.T) {
		r := newTestResolver(t, &fakeFollower{block: true}, DefaultOptions())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := r.Resolve(ctx, "https://e.tb.cn/h.abc")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestResolver_CachesShortLinks(t *testing.T) {
	f := &fakeFollower{landings: map[string]*Landing{
		"https://e.tb.cn/h.tmall": {URL: "https://detail.tmall.com/item.htm?id=7012345678901"},
	}}
	r := newTestResolver(t, f, DefaultOptions())

	for i := 0; i < 3; i++ {
		_, err := r.Resolve(context.Background(), "https://e.tb.cn/h.tmall")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.calls)
}

func TestHTTPFollower_FollowsRedirects(t *testing.T) {
	follower := NewHTTPFollower(5*time.Second, "")
	httpmock.ActivateNonDefault(follower.Client().GetClient())
	defer httpmock.DeactivateAndReset()

	redirect := httpmock.NewStringResponse(http.StatusFound, "")
	redirect.Header.Set("Location", "https://item.taobao.com/item.htm?id=653281442791&tk=abc")
	httpmock.RegisterResponder("GET", "https://e.tb.cn/h.redirect", httpmock.ResponderFromResponse(redirect))
	httpmock.RegisterResponder("GET", "https://item.taobao.com/item.htm",
		httpmock.NewStringResponder(http.StatusOK, "<html><title>item</title></html>"))

	r := newTestResolver(t, follower, DefaultOptions())
	c, err := r.Resolve(context.Background(), "https://e.tb.cn/h.redirect")
	require.NoError(t, err)
	assert.Equal(t, "https://item.taobao.com/item.htm?id=653281442791", c.String())
}

func TestHTTPFollower_ErrorStatus(t *testing.T) {
	follower := NewHTTPFollower(5*time.Second, "")
	httpmock.ActivateNonDefault(follower.Client().GetClient())
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "https://e.tb.cn/h.gone",
		httpmock.NewStringResponder(http.StatusNotFound, "not found"))

	_, err := follower.Follow(context.Background(), "https://e.tb.cn/h.gone")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
