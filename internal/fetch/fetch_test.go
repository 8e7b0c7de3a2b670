package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient() *Client {
	return NewClient(5*time.Second, 0, nil, zap.NewNop())
}

func productPage() string {
	return "<html><body>" + strings.Repeat("<div>VPS plan details</div>", 20) + "</body></html>"
}

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		assert.Contains(t, r.Header.Get("Accept"), "text/html")
		w.Write([]byte(productPage()))
	}))
	defer srv.Close()

	res, rendered, err := newTestClient().Fetch(context.Background(), srv.URL, false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	assert.Contains(t, string(res.Body), "VPS plan")
	assert.Empty(t, rendered)
	assert.False(t, res.Rendered)
}

func TestFetchClassifiesStatuses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ErrorKind
	}{
		{"forbidden is blocked", http.StatusForbidden, "nope", KindBlocked},
		{"rate limited is blocked", http.StatusTooManyRequests, "slow down", KindBlocked},
		{"bad gateway is server error", http.StatusBadGateway, "upstream", KindServerError},
		{"not found is decode", http.StatusNotFound, "gone", KindDecode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, _, err := newTestClient().Fetch(context.Background(), srv.URL, false)
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

type fakeRenderer struct {
	body  string
	err   error
	calls int
}

func (f *fakeRenderer) Render(context.Context, string) (string, error) {
	f.calls++
	return f.body, f.err
}

func challengePage() string {
	return "<html><title>Just a moment...</title><body>" +
		strings.Repeat("Checking your browser before accessing the site. ", 10) +
		"</body></html>"
}

func TestFetchDetectsChallengePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(challengePage()))
	}))
	defer srv.Close()

	_, _, err := newTestClient().Fetch(context.Background(), srv.URL, false)
	require.Error(t, err)
	assert.Equal(t, KindBlocked, KindOf(err))
}

func TestFetch503ChallengeIsBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(challengePage()))
	}))
	defer srv.Close()

	_, _, err := newTestClient().Fetch(context.Background(), srv.URL, false)
	require.Error(t, err)
	assert.Equal(t, KindBlocked, KindOf(err),
		"a challenge interstitial under 503 is a block, not a server error")
}

func TestRenderFallbackRecoversChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(challengePage()))
	}))
	defer srv.Close()

	renderer := &fakeRenderer{body: productPage()}
	c := NewClient(5*time.Second, 0, renderer, zap.NewNop())
	res, rendered, err := c.Fetch(context.Background(), srv.URL, true)
	require.NoError(t, err)
	assert.Equal(t, 1, renderer.calls)
	assert.True(t, res.Rendered)
	assert.Contains(t, rendered, "VPS plan")
}

func TestRenderNotTriedWhenRawSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(productPage()))
	}))
	defer srv.Close()

	renderer := &fakeRenderer{body: productPage()}
	c := NewClient(5*time.Second, 0, renderer, zap.NewNop())
	res, rendered, err := c.Fetch(context.Background(), srv.URL, true)
	require.NoError(t, err)
	assert.Zero(t, renderer.calls, "a good raw body needs no browser")
	assert.False(t, res.Rendered)
	assert.Empty(t, rendered)
}

func TestRenderFallbackRecoversTinyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<div id=app></div>"))
	}))
	defer srv.Close()

	renderer := &fakeRenderer{body: productPage()}
	c := NewClient(5*time.Second, 0, renderer, zap.NewNop())
	res, rendered, err := c.Fetch(context.Background(), srv.URL, true)
	require.NoError(t, err)
	assert.True(t, res.Rendered)
	assert.Contains(t, rendered, "VPS plan")
}

func TestRenderStillChallengedIsBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(challengePage()))
	}))
	defer srv.Close()

	renderer := &fakeRenderer{body: challengePage()}
	c := NewClient(5*time.Second, 0, renderer, zap.NewNop())
	_, _, err := c.Fetch(context.Background(), srv.URL, true)
	require.Error(t, err)
	assert.Equal(t, KindBlocked, KindOf(err))
}

func TestRenderNotTriedOnTransportError(t *testing.T) {
	renderer := &fakeRenderer{body: productPage()}
	c := NewClient(5*time.Second, 0, renderer, zap.NewNop())
	_, _, err := c.Fetch(context.Background(), "https://definitely-not-a-real-host.invalid/x", true)
	require.Error(t, err)
	assert.Zero(t, renderer.calls, "a browser cannot fix a dns failure")
}

func TestFetchRejectsTinyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	_, _, err := newTestClient().Fetch(context.Background(), srv.URL, false)
	require.Error(t, err)
	assert.Equal(t, KindDecode, KindOf(err))
}

func TestFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	c := NewClient(100*time.Millisecond, 0, nil, zap.NewNop())
	_, _, err := c.Fetch(context.Background(), srv.URL, false)
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestFetchDNSError(t *testing.T) {
	c := newTestClient()
	_, _, err := c.Fetch(context.Background(), "https://definitely-not-a-real-host.invalid/x", false)
	require.Error(t, err)
	assert.Equal(t, KindDNS, KindOf(err))
}

func TestFetchJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "XMLHttpRequest", r.Header.Get("X-Requested-With"))
		w.Write([]byte(`{"stock": 3}`))
	}))
	defer srv.Close()

	body, status, err := newTestClient().FetchJSON(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"stock": 3}`, string(body))
}

func TestPerHostPacing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(productPage()))
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, 200*time.Millisecond, nil, zap.NewNop())
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, _, err := c.Fetch(context.Background(), srv.URL, false)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond,
		"three fetches against one host honour the min delay twice")
}

func TestErrorKindTransient(t *testing.T) {
	assert.True(t, KindTimeout.Transient())
	assert.True(t, KindConnect.Transient())
	assert.True(t, KindServerError.Transient())
	assert.False(t, KindBlocked.Transient())
	assert.False(t, KindDNS.Transient())
	assert.False(t, KindDecode.Transient())
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "racknerd.com", hostOf("https://racknerd.com/vps?a=1"))
	assert.Equal(t, "dmit.io:8443", hostOf("http://DMIT.io:8443/pricing"))
}
