// Package fetch retrieves product pages with polite pacing and classifies
// failures into a small taxonomy the scheduler can act on.
package fetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kure29/vpsmonitor/internal/observability"
)

// ErrorKind classifies a failed fetch.
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindDNS         ErrorKind = "dns"
	KindConnect     ErrorKind = "connect"
	KindTLS         ErrorKind = "tls"
	KindTimeout     ErrorKind = "timeout"
	KindBlocked     ErrorKind = "blocked"
	KindServerError ErrorKind = "server_error"
	KindDecode      ErrorKind = "decode"
)

// Transient reports whether a retry within the same check may succeed.
// Blocked responses are not transient; the host needs a long backoff.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindConnect, KindTimeout, KindServerError:
		return true
	}
	return false
}

// Error is a classified fetch failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("fetch %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from err, defaulting to connect.
func KindOf(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindConnect
}

// Result is a successful page retrieval.
type Result struct {
	Body       []byte
	HTTPStatus int
	FinalURL   string
	Latency    time.Duration
	Rendered   bool
}

// Challenge interstitials from anti-bot layers. A page containing one of
// these markers is a block, not a product page.
var challengeMarkers = []string{
	"just a moment",
	"checking if the site connection is secure",
	"checking your browser before accessing",
	"cf-browser-verification",
	"ray id",
	"ddos protection by",
	"attention required!",
}

const (
	maxBodyBytes = 4 << 20
	minBodyBytes = 100
)

// Renderer renders a URL in a headless browser, returning the settled DOM.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// Client fetches pages with per-host pacing and rotating browser headers.
type Client struct {
	http     *http.Client
	renderer Renderer
	log      *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	minDelay time.Duration
}

// NewClient builds a fetch client. renderer may be nil when headless
// rendering is disabled.
func NewClient(timeout, perHostMinDelay time.Duration, renderer Renderer, log *zap.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Client{
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		renderer: renderer,
		log:      log,
		limiters: make(map[string]*rate.Limiter),
		minDelay: perHostMinDelay,
	}
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		interval := c.minDelay
		if interval <= 0 {
			interval = time.Millisecond
		}
		l = rate.NewLimiter(rate.Every(interval), 1)
		c.limiters[host] = l
	}
	return l
}

// Fetch retrieves url. The raw HTTP client is tried first; when render is
// true and a renderer is configured, a headless render is the fallback for
// blocked responses and bodies too small to analyse.
func (c *Client) Fetch(ctx context.Context, url string, render bool) (Result, string, error) {
	res, err := c.fetchRaw(ctx, url)
	if err == nil {
		return res, "", nil
	}
	if !render || c.renderer == nil || !renderWorthTrying(res, err) {
		return Result{}, "", err
	}

	rendered, rerr := c.renderer.Render(ctx, url)
	if rerr != nil {
		observability.BrowserRenders.WithLabelValues("error").Inc()
		c.log.Warn("render fallback failed",
			zap.String("url", url), zap.Error(rerr))
		return Result{}, "", err
	}
	observability.BrowserRenders.WithLabelValues("ok").Inc()
	if isChallenge(rendered) {
		return Result{}, "", &Error{Kind: KindBlocked, Err: errors.New("challenge page after render")}
	}
	res.Rendered = true
	return res, rendered, nil
}

// renderWorthTrying reports whether a failed raw fetch is the kind a
// headless browser can recover: an anti-bot block or a body too small to
// be a product page. Transport failures and hard HTTP errors are not.
func renderWorthTrying(res Result, err error) bool {
	if res.HTTPStatus == 0 {
		return false
	}
	switch KindOf(err) {
	case KindBlocked:
		return true
	case KindDecode:
		return len(res.Body) < minBodyBytes
	}
	return false
}

func (c *Client) fetchRaw(ctx context.Context, url string) (Result, error) {
	host := hostOf(url)
	if err := c.limiter(host).Wait(ctx); err != nil {
		return Result{}, &Error{Kind: KindTimeout, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, &Error{Kind: KindDecode, Err: err}
	}
	applyBrowserHeaders(req)

	start := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		kind := classifyTransportError(err)
		observability.FetchErrors.WithLabelValues(string(kind)).Inc()
		return Result{}, &Error{Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		observability.FetchErrors.WithLabelValues(string(KindDecode)).Inc()
		return Result{}, &Error{Kind: KindDecode, Err: err}
	}
	body = bytes.ToValidUTF8(body, []byte("�"))

	res := Result{
		Body:       body,
		HTTPStatus: resp.StatusCode,
		FinalURL:   resp.Request.URL.String(),
		Latency:    latency,
	}
	if kind := classifyResponse(resp.StatusCode, body); kind != KindNone {
		observability.FetchErrors.WithLabelValues(string(kind)).Inc()
		// The partial result rides along so the caller can judge whether a
		// render fallback might recover the page.
		return res, &Error{Kind: kind, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return res, nil
}

// FetchJSON retrieves a JSON endpoint without the politeness limiter wait
// counting twice; used by the API probe against already-paced hosts.
func (c *Client) FetchJSON(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, &Error{Kind: KindDecode, Err: err}
	}
	applyBrowserHeaders(req)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, &Error{Kind: classifyTransportError(err), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, 0, &Error{Kind: KindDecode, Err: err}
	}
	return body, resp.StatusCode, nil
}

func classifyResponse(status int, body []byte) ErrorKind {
	if status == http.StatusForbidden || status == http.StatusTooManyRequests {
		return KindBlocked
	}
	// Challenge interstitials outrank the status class: anti-bot layers
	// serve them under 503 too.
	if isChallenge(string(body)) {
		return KindBlocked
	}
	switch {
	case status >= 500:
		return KindServerError
	case status >= 400:
		return KindDecode
	}
	if len(body) < minBodyBytes {
		return KindDecode
	}
	return KindNone
}

func classifyTransportError(err error) ErrorKind {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNS
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return KindTLS
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return KindTLS
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindConnect
}

func isChallenge(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range challengeMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func hostOf(raw string) string {
	rest, ok := strings.CutPrefix(raw, "https://")
	if !ok {
		rest, _ = strings.CutPrefix(raw, "http://")
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	return strings.ToLower(rest)
}
