package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/time/rate"

	"github.com/sells-group/quote-monitor/internal/resilience"
)

func newTestTransport() *HTTPTransport {
	return NewHTTPTransport(HTTPOptions{UserAgent: "test-agent"})
}

func TestFetch_SendsParamsAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, DefaultReferer, r.Header.Get("Referer"))
		assert.Equal(t, "yes", r.Header.Get("X-Custom"))
		assert.Equal(t, "2", r.URL.Query().Get("pn"))
		assert.Equal(t, "m:0", r.URL.Query().Get("fs"))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	body, err := newTestTransport().Fetch(context.Background(), Request{
		URL:     srv.URL + "/api/qt/clist/get?fs=m:1",
		Params:  map[string]string{"pn": "2", "fs": "m:0"},
		Headers: map[string]string{"X-Custom": "yes"},
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, body)
}

func TestFetch_Non2xxIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestTransport().Fetch(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)

	var te *resilience.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusBadGateway, te.StatusCode)
	assert.True(t, resilience.IsRetryable(err))
}

func TestFetch_TimeoutIsTransportError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := newTestTransport().Fetch(context.Background(), Request{
		URL:     srv.URL,
		Timeout: 50 * time.Millisecond,
	})
	require.Error(t, err)

	var te *resilience.TransportError
	assert.True(t, errors.As(err, &te))
	assert.Equal(t, 0, te.StatusCode)
}

func TestFetch_InvalidURLNotRetryable(t *testing.T) {
	_, err := newTestTransport().Fetch(context.Background(), Request{URL: "not a url"})
	require.Error(t, err)
	assert.False(t, resilience.IsRetryable(err))
}

func TestFetch_DecodesCharset(t *testing.T) {
	gbk, err := simplifiedchinese.GBK.NewEncoder().String(`{"name":"贵州茅台"}`)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=GBK")
		_, _ = w.Write([]byte(gbk))
	}))
	defer srv.Close()

	body, err := newTestTransport().Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, `{"name":"贵州茅台"}`, body)
}

func TestFetch_ExplicitCharsetOverridesHeader(t *testing.T) {
	gb, err := simplifiedchinese.GB18030.NewEncoder().String("上证指数")
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(gb))
	}))
	defer srv.Close()

	body, err := newTestTransport().Fetch(context.Background(), Request{URL: srv.URL, Charset: "gb18030"})
	require.NoError(t, err)
	assert.Equal(t, "上证指数", body)
}

func TestFetch_UnsupportedCharsetNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":null}`))
	}))
	defer srv.Close()

	_, err := newTestTransport().Fetch(context.Background(), Request{URL: srv.URL, Charset: "klingon-8"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedCharset)
	assert.Contains(t, err.Error(), "klingon-8")
	assert.False(t, resilience.IsRetryable(err))

	var te *resilience.TransportError
	assert.False(t, errors.As(err, &te))
}

func TestFetch_RateLimiting(t *testing.T) {
	var mu sync.Mutex
	var reqTimes []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		reqTimes = append(reqTimes, time.Now())
		mu.Unlock()
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	tr := NewHTTPTransport(HTTPOptions{
		RateLimiters: map[string]*rate.Limiter{u.Host: rate.NewLimiter(4, 1)},
	})
	for range 3 {
		_, err := tr.Fetch(context.Background(), Request{URL: srv.URL})
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reqTimes, 3)
	assert.GreaterOrEqual(t, reqTimes[2].Sub(reqTimes[0]), 400*time.Millisecond)
}

func TestAdaptiveLimiter(t *testing.T) {
	a := NewAdaptiveLimiter(10, 10)
	a.OnThrottle()
	assert.InDelta(t, 5.0, float64(a.Limit()), 0.001)
	a.OnThrottle()
	a.OnThrottle()
	assert.InDelta(t, 2.5, float64(a.Limit()), 0.001, "floor at initial/4")

	for range 20 {
		a.OnSuccess()
	}
	assert.InDelta(t, 20.0, float64(a.Limit()), 0.001, "ceiling at 2x initial")
	require.NoError(t, a.Wait(context.Background()))
}

func TestFetch_ThrottleSlowsAdaptiveHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	a := NewAdaptiveLimiter(100, 100)
	tr := NewHTTPTransport(HTTPOptions{Adaptive: map[string]*AdaptiveLimiter{u.Host: a}})

	_, err := tr.Fetch(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	assert.InDelta(t, 50.0, float64(a.Limit()), 0.001)
}

func TestBuildURL(t *testing.T) {
	got, err := BuildURL("https://push2.eastmoney.com/api/qt/clist/get?fid=f3", map[string]string{"pn": "1", "fid": "f2"})
	require.NoError(t, err)
	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "f2", u.Query().Get("fid"))
	assert.Equal(t, "1", u.Query().Get("pn"))

	_, err = BuildURL("/relative", nil)
	assert.Error(t, err)
}

func TestContentTypeCharset(t *testing.T) {
	assert.Equal(t, "GBK", contentTypeCharset("text/javascript; charset=GBK"))
	assert.Equal(t, "utf-8", contentTypeCharset(`application/json;charset="utf-8"`))
	assert.Equal(t, "", contentTypeCharset("application/json"))
}
