package fetch

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/objectfs/imagecore/internal/circuit"
	"github.com/objectfs/imagecore/internal/metrics"
	"github.com/objectfs/imagecore/pkg/errors"
	"github.com/objectfs/imagecore/pkg/retry"
	"github.com/objectfs/imagecore/pkg/types"
	"github.com/objectfs/imagecore/pkg/utils"
)

// HTTPConfig configures an HTTPFetcher.
type HTTPConfig struct {
	Timeout      time.Duration
	UserAgent    string
	MaxIdleConns int
	// MaxBodySize rejects larger responses; 0 disables the check.
	MaxBodySize int64
	Retry       retry.Config
	Breaker     circuit.Config
	Metrics     *metrics.Collector
	Logger      *utils.StructuredLogger
}

// DefaultHTTPConfig returns the defaults used by the image browser.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:      15 * time.Second,
		UserAgent:    "imagecore/1.0",
		MaxIdleConns: 16,
		MaxBodySize:  64 << 20,
		Retry:        retry.DefaultConfig(),
	}
}

// HTTPFetcher downloads http and https sources. Each attempt passes through
// a per-host circuit breaker; retryable failures are retried with backoff.
type HTTPFetcher struct {
	client      *http.Client
	userAgent   string
	maxBodySize int64
	retryer     *retry.Retryer
	breakers    *circuit.Manager
	metrics     *metrics.Collector
	logger      *utils.StructuredLogger
}

var _ types.Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher builds a fetcher with its own transport.
func NewHTTPFetcher(cfg HTTPConfig) *HTTPFetcher {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.MaxIdleConns > 0 {
		transport.MaxIdleConns = cfg.MaxIdleConns
		transport.MaxIdleConnsPerHost = cfg.MaxIdleConns
	}

	logger := utils.OrNop(cfg.Logger).WithComponent("fetch")
	retryCfg := cfg.Retry
	if retryCfg.OnRetry == nil {
		retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
			logger.Debug("Retrying fetch", map[string]interface{}{
				"attempt": attempt,
				"delay":   delay,
				"error":   err,
			})
		}
	}

	breakerCfg := cfg.Breaker
	if breakerCfg.OnStateChange == nil {
		breakerCfg.OnStateChange = func(host string, from, to circuit.State) {
			logger.Warn("Source circuit changed state", map[string]interface{}{
				"host": host,
				"from": from.String(),
				"to":   to.String(),
			})
		}
	}

	return &HTTPFetcher{
		client:      &http.Client{Timeout: cfg.Timeout, Transport: transport},
		userAgent:   cfg.UserAgent,
		maxBodySize: cfg.MaxBodySize,
		retryer:     retry.New(retryCfg),
		breakers:    circuit.NewManager(breakerCfg),
		metrics:     cfg.Metrics,
		logger:      logger,
	}
}

// Fetch downloads source.
func (f *HTTPFetcher) Fetch(ctx context.Context, source string) ([]byte, error) {
	u, err := url.Parse(source)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.NewError(errors.ErrCodeFetchFailed, "invalid http source").
			WithComponent("fetch").WithDetail("source", source)
	}

	start := time.Now()
	breaker := f.breakers.Breaker(u.Host)

	var data []byte
	err = f.retryer.Do(ctx, func(ctx context.Context) error {
		return breaker.Execute(ctx, func(ctx context.Context) error {
			var getErr error
			data, getErr = f.get(ctx, source)
			return getErr
		})
	})
	f.metrics.RecordOperation("fetch_http", time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// BreakerStats reports the per-host circuit breakers.
func (f *HTTPFetcher) BreakerStats() map[string]circuit.Stats {
	return f.breakers.Stats()
}

func (f *HTTPFetcher) get(ctx context.Context, source string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeFetchFailed, "failed to build request").
			WithComponent("fetch").WithDetail("source", source)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, transportError(ctx, err, source)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := statusError(resp, source); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, err
	}

	if f.maxBodySize > 0 && resp.ContentLength > f.maxBodySize {
		return nil, tooLarge(source, f.maxBodySize)
	}

	var body io.Reader = resp.Body
	if f.maxBodySize > 0 {
		body = io.LimitReader(resp.Body, f.maxBodySize+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, transportError(ctx, err, source)
	}
	if f.maxBodySize > 0 && int64(len(data)) > f.maxBodySize {
		return nil, tooLarge(source, f.maxBodySize)
	}

	f.logger.Trace("Fetched source", map[string]interface{}{
		"source": source,
		"size":   utils.FormatBytes(int64(len(data))),
	})
	return data, nil
}

func statusError(resp *http.Response, source string) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return errors.NewError(errors.ErrCodeNotFound, "source not found").
			WithComponent("fetch").WithDetail("source", source).WithDetail("status", code)
	}

	err := errors.NewError(errors.ErrCodeFetchFailed, fmt.Sprintf("unexpected status %d", code)).
		WithComponent("fetch").WithDetail("source", source).WithDetail("status", code)
	err.Retryable = code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
	return err
}

func transportError(ctx context.Context, err error, source string) error {
	if ctx.Err() != nil {
		return contextError(ctx, source)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(err, errors.ErrCodeOperationTimeout, "fetch timed out").
			WithComponent("fetch").WithDetail("source", source)
	}
	return errors.Wrap(err, errors.ErrCodeFetchFailed, "fetch failed").
		WithComponent("fetch").WithDetail("source", source)
}

func tooLarge(source string, limit int64) error {
	err := errors.NewError(errors.ErrCodeFetchFailed, "response exceeds maximum body size").
		WithComponent("fetch").WithDetail("source", source).WithDetail("limit", utils.FormatBytes(limit))
	err.Retryable = false
	return err
}
