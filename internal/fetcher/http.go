package fetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/time/rate"

	"github.com/sells-group/quote-monitor/internal/resilience"
)

// Default request headers. Quote APIs reject requests without a browser-like
// agent and a referer from their own site.
const (
	DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	DefaultReferer   = "https://quote.eastmoney.com/"
)

// maxBodyBytes bounds a single page body.
const maxBodyBytes = 32 << 20

// ErrUnsupportedCharset is returned when a response charset has no decoder.
// It is a configuration problem and is never retried.
var ErrUnsupportedCharset = eris.New("unsupported charset")

// HTTPOptions configures the HTTP transport.
type HTTPOptions struct {
	UserAgent    string
	RateLimiters map[string]*rate.Limiter
	Adaptive     map[string]*AdaptiveLimiter
	Client       *http.Client
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On a throttle response it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = min(a.currentRate*1.2, a.maxRate)
	a.limiter.SetLimit(a.currentRate)
}

// OnThrottle halves the rate.
func (a *AdaptiveLimiter) OnThrottle() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate*0.5, a.minRate)
	a.limiter.SetLimit(a.currentRate)
	zap.L().Warn("adaptive rate limit: reducing rate after throttle response",
		zap.Float64("new_rate", float64(a.currentRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// DefaultAdaptiveLimiters returns adaptive limiters for the known quote hosts.
func DefaultAdaptiveLimiters() map[string]*AdaptiveLimiter {
	return map[string]*AdaptiveLimiter{
		"push2.eastmoney.com":    NewAdaptiveLimiter(5, 5),
		"push2his.eastmoney.com": NewAdaptiveLimiter(5, 5),
		"82.push2.eastmoney.com": NewAdaptiveLimiter(5, 5),
	}
}

// HTTPTransport implements Transport over net/http with per-host rate limiting.
type HTTPTransport struct {
	client   *http.Client
	ua       string
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	adaptive map[string]*AdaptiveLimiter
}

// NewHTTPTransport creates an HTTPTransport.
func NewHTTPTransport(opts HTTPOptions) *HTTPTransport {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	limiters := make(map[string]*rate.Limiter, len(opts.RateLimiters))
	for k, v := range opts.RateLimiters {
		limiters[k] = v
	}
	adaptive := opts.Adaptive
	if adaptive == nil {
		adaptive = DefaultAdaptiveLimiters()
	}
	return &HTTPTransport{
		client:   client,
		ua:       opts.UserAgent,
		limiters: limiters,
		adaptive: adaptive,
	}
}

// wait blocks on the adaptive limiter for host if one exists, otherwise on a
// fixed per-host limiter created on first use.
func (t *HTTPTransport) wait(ctx context.Context, host string) (*AdaptiveLimiter, error) {
	if a, ok := t.adaptive[host]; ok {
		return a, a.Wait(ctx)
	}
	t.mu.Lock()
	lim, ok := t.limiters[host]
	if !ok {
		lim = rate.NewLimiter(20, 20)
		t.limiters[host] = lim
	}
	t.mu.Unlock()
	return nil, lim.Wait(ctx)
}

// BuildURL merges params into rawURL's query string, replacing existing keys.
func BuildURL(rawURL string, params map[string]string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", eris.Wrapf(err, "parse url %q", rawURL)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", eris.Errorf("url %q must be absolute", rawURL)
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Fetch performs req once. The per-request timeout covers connect, headers
// and body.
func (t *HTTPTransport) Fetch(ctx context.Context, req Request) (string, error) {
	full, err := BuildURL(req.URL, req.Params)
	if err != nil {
		return "", err
	}
	u, _ := url.Parse(full)

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	adaptive, err := t.wait(ctx, u.Host)
	if err != nil {
		return "", resilience.NewTransportError(eris.Wrap(err, "rate limiter wait"), 0)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, full, nil)
	if err != nil {
		return "", eris.Wrap(err, "create request")
	}
	httpReq.Header.Set("User-Agent", t.ua)
	httpReq.Header.Set("Referer", DefaultReferer)
	httpReq.Header.Set("Accept", "*/*")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return "", resilience.NewTransportError(eris.Wrapf(err, "%s %s", method, u.Host), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if adaptive != nil && resilience.IsTransientHTTPStatus(resp.StatusCode) {
			adaptive.OnThrottle()
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", resilience.NewTransportError(
			eris.Errorf("unexpected status from %s", u.Host), resp.StatusCode)
	}

	body, err := readBody(resp, req.Charset)
	if errors.Is(err, ErrUnsupportedCharset) {
		return "", err
	}
	if err != nil {
		return "", resilience.NewTransportError(err, 0)
	}
	if adaptive != nil {
		adaptive.OnSuccess()
	}
	return body, nil
}

// readBody reads the response, decoding from charset (or the Content-Type
// charset) into UTF-8.
func readBody(resp *http.Response, charset string) (string, error) {
	if charset == "" {
		charset = contentTypeCharset(resp.Header.Get("Content-Type"))
	}
	var r io.Reader = io.LimitReader(resp.Body, maxBodyBytes)
	if charset != "" && !strings.EqualFold(charset, "utf-8") && !strings.EqualFold(charset, "utf8") {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return "", eris.Wrapf(ErrUnsupportedCharset, "charset %q", charset)
		}
		r = enc.NewDecoder().Reader(r)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", eris.Wrap(err, "read body")
	}
	return string(b), nil
}

func contentTypeCharset(ct string) string {
	for part := range strings.SplitSeq(ct, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(k, "charset") {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}
