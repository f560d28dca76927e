package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"proxyrotator/internal/shared/logger"
	"proxyrotator/internal/transport"
	"proxyrotator/proxypool"
)

// Config 控制抓取的并发与重试行为。
//
// There is no client timeout: the transport bounds each attempt after its
// pacing wait, so a long download delay cannot time out a healthy proxy.
type Config struct {
	Concurrency  int
	MaxRetries   int
	RetryBackoff time.Duration
	UserAgent    string

	// RatePerSecond caps attempts across all workers. Zero disables it.
	RatePerSecond float64
}

// Result 是单个 URL 的最终抓取结果。
type Result struct {
	RequestID string        `json:"request_id"`
	URL       string        `json:"url"`
	Status    int           `json:"status"`
	Bytes     int64         `json:"bytes"`
	Attempts  int           `json:"attempts"`
	Err       error         `json:"-"`
	Duration  time.Duration `json:"duration"`
}

// OK reports whether the final attempt produced a non-banned response.
func (r Result) OK() bool {
	return r.Err == nil
}

// Fetcher 通过代理池并发抓取一组 URL。
type Fetcher struct {
	rt      *transport.RoundTripper
	client  *http.Client
	cfg     Config
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func New(rt *transport.RoundTripper, cfg Config) *Fetcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &Fetcher{
		rt:      rt,
		limiter: limiter,
		client:  &http.Client{Transport: rt},
		cfg:     cfg,
		logger:  logger.WithComponent("Fetcher"),
	}
}

// Run fetches every URL with at most Concurrency requests in flight. The
// returned slice is index-aligned with urls. Per-URL errors are reported in
// Result.Err; Run itself only stops early when ctx is cancelled.
func (f *Fetcher) Run(ctx context.Context, urls []string) []Result {
	results := make([]Result, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Concurrency)

	for i, u := range urls {
		g.Go(func() error {
			results[i] = f.fetch(gctx, u)
			return nil
		})
	}
	g.Wait()
	return results
}

// fetch runs one URL through the retry loop.
func (f *Fetcher) fetch(ctx context.Context, rawURL string) (res Result) {
	res = Result{RequestID: uuid.NewString(), URL: rawURL}
	log := f.logger.With().Str("request_id", res.RequestID).Str("url", rawURL).Logger()
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	for attempt := 1; attempt <= f.cfg.MaxRetries+1; attempt++ {
		res.Attempts = attempt
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				res.Err = err
				return res
			}
		}
		status, n, err := f.once(ctx, rawURL, res.RequestID)
		res.Status, res.Bytes, res.Err = status, n, err

		if err == nil {
			log.Debug().Int("attempt", attempt).Int("status", status).Int64("bytes", n).Msg("Fetch succeeded.")
			return res
		}
		if !retriable(ctx, err) || attempt > f.cfg.MaxRetries {
			log.Warn().Int("attempt", attempt).Err(err).Msg("Fetch failed, giving up.")
			return res
		}

		backoff := f.cfg.RetryBackoff * time.Duration(attempt)
		log.Debug().Int("attempt", attempt).Err(err).Dur("backoff", backoff).Msg("Fetch failed, retrying.")
		if werr := proxypool.Wait(ctx, backoff); werr != nil {
			res.Err = werr
			return res
		}
	}
	return res
}

// errBanned marks a response whose status the transport counted as a proxy
// failure.
type errBanned struct {
	status int
}

func (e *errBanned) Error() string {
	return fmt.Sprintf("banned status %d", e.status)
}

func (f *Fetcher) once(ctx context.Context, rawURL, requestID string) (int, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to build request: %w", err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	req.Header.Set("X-Request-ID", requestID)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return resp.StatusCode, n, fmt.Errorf("failed to read body: %w", err)
	}
	if f.rt.Banned(resp.StatusCode) {
		return resp.StatusCode, n, &errBanned{status: resp.StatusCode}
	}
	return resp.StatusCode, n, nil
}

// retriable reports whether another attempt may succeed. Cancellation and a
// pool with every record discarded are final.
func retriable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var exhausted *proxypool.PoolExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted.CheckedOut > 0
	}
	return true
}
