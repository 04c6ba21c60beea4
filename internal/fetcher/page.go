package fetcher

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/quote-monitor/internal/model"
	"github.com/sells-group/quote-monitor/internal/resilience"
)

// PageOptions configures a PageFetcher.
type PageOptions struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BackoffBase is the delay before the first retry; retry n waits
	// BackoffBase*2^(n-1).
	BackoffBase time.Duration
	// MinDelay and MaxDelay bound the randomized pause before every attempt.
	MinDelay time.Duration
	MaxDelay time.Duration
	// DefaultPageSize is used when a descriptor has no pz parameter.
	DefaultPageSize int
}

// DefaultPageOptions mirrors the upstream-friendly pacing used in production.
func DefaultPageOptions() PageOptions {
	return PageOptions{
		MaxRetries:      3,
		BackoffBase:     time.Second,
		MinDelay:        100 * time.Millisecond,
		MaxDelay:        time.Second,
		DefaultPageSize: 20,
	}
}

// PageFetcher fetches one page of a paginated API with retry.
type PageFetcher struct {
	transport Transport
	opts      PageOptions
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration)
}

// NewPageFetcher creates a PageFetcher over transport.
func NewPageFetcher(transport Transport, opts PageOptions) *PageFetcher {
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = 20
	}
	if opts.MaxDelay < opts.MinDelay {
		opts.MaxDelay = opts.MinDelay
	}
	return &PageFetcher{
		transport: transport,
		opts:      opts,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// FetchPage fetches page of desc. It never returns an error: exhausted
// retries produce a PageResult with status error and the last failure.
func (f *PageFetcher) FetchPage(ctx context.Context, desc model.APIDescriptor, page int) model.PageResult {
	log := zap.L().With(
		zap.String("component", "fetcher"),
		zap.String("api", desc.Name),
		zap.Int("page", page),
	)

	pageSize := desc.PageSize(f.opts.DefaultPageSize)
	attempts := 0

	retry := resilience.FromMaxRetries(f.opts.MaxRetries, f.opts.BackoffBase)
	retry.OnRetry = resilience.RetryLogger(desc.Name, page)

	decoded, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (Decoded, error) {
		attempts++
		req := f.buildRequest(desc, page)

		f.sleep(ctx, f.jitterDelay())
		if err := ctx.Err(); err != nil {
			return Decoded{}, err
		}

		body, err := f.transport.Fetch(ctx, req)
		if err != nil {
			return Decoded{}, err
		}
		return DecodeBody(body)
	})

	result := model.PageResult{
		API:       desc.Name,
		Page:      page,
		Timestamp: f.now(),
		Attempts:  attempts,
	}
	if err != nil {
		log.Error("page fetch failed", zap.Int("attempts", attempts), zap.Error(err))
		result.Status = model.PageStatusError
		result.Error = err.Error()
		return result
	}

	result.Status = model.PageStatusSuccess
	result.Data = decoded.Value
	result.Raw = decoded.Raw
	result.Pagination = ExtractPagination(decoded.Raw, pageSize)
	log.Debug("page fetched", zap.Int("attempts", attempts))
	return result
}

// buildRequest clones desc so the shared descriptor is never mutated, then
// sets the page number and, for JSONP APIs, a fresh callback token.
func (f *PageFetcher) buildRequest(desc model.APIDescriptor, page int) Request {
	d := desc.Clone()
	d.Params[model.ParamPage] = page
	if d.JSONP {
		param, prefix := d.Callback()
		d.Params[param] = CallbackToken(prefix, f.now())
	}

	params := make(map[string]string, len(d.Params))
	for k, v := range d.Params {
		params[k] = model.ParamString(v)
	}
	return Request{
		Method:  d.HTTPMethod(),
		URL:     d.URL,
		Params:  params,
		Headers: d.Headers,
		Timeout: d.Timeout(),
		Charset: d.Charset,
	}
}

func (f *PageFetcher) jitterDelay() time.Duration {
	spread := f.opts.MaxDelay - f.opts.MinDelay
	if spread <= 0 {
		return f.opts.MinDelay
	}
	return f.opts.MinDelay + rand.N(spread+1)
}

// CallbackToken returns a cache-busting JSONP callback name of the form
// prefix + 10 random digits + "_" + unix millis.
func CallbackToken(prefix string, now time.Time) string {
	digits := rand.Int64N(9_000_000_000) + 1_000_000_000
	return fmt.Sprintf("%s%s_%d", prefix, strconv.FormatInt(digits, 10), now.UnixMilli())
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
