package scraper

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"proxyrotator/internal/shared/logger"
	"proxyrotator/proxypool/model"
	"proxyrotator/proxypool/storage"
)

var (
	// 带协议的完整代理地址，可含认证信息
	schemeProxyRe = regexp.MustCompile(`\b[a-zA-Z][a-zA-Z0-9]*://(?:[^\s:@/]+:[^\s@/]+@)?[A-Za-z0-9.\-]+:\d{1,5}\b`)
	// 裸 ip:port
	bareProxyRe = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}:\d{1,5}\b`)
)

// TextListScraper collects proxies from a page that lists them as text,
// either as full scheme://[user:pass@]host:port entries or as bare ip:port
// pairs, which get the configured default scheme.
type TextListScraper struct {
	url     string
	scheme  string
	timeout time.Duration
}

// NewTextListScraper 创建一个新的 TextListScraper 实例。
func NewTextListScraper(pageURL, scheme string, timeout time.Duration) *TextListScraper {
	if scheme == "" {
		scheme = "http"
	}
	return &TextListScraper{
		url:     pageURL,
		scheme:  scheme,
		timeout: timeout,
	}
}

func (s *TextListScraper) Name() string {
	return "text-list"
}

func (s *TextListScraper) Scrape(ctx context.Context) ([]*model.ProxyRecord, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Info().Str("source", s.Name()).Str("url", s.url).Msg("Starting scrape...")

	c := colly.NewCollector(
		colly.UserAgent(defaultUserAgent),
		colly.StdlibContext(ctx),
	)
	if s.timeout > 0 {
		c.SetRequestTimeout(s.timeout)
	}

	var (
		proxies   []*model.ProxyRecord
		scrapeErr error
		mu        sync.Mutex
	)

	c.OnResponse(func(r *colly.Response) {
		found := s.extract(string(r.Body))
		mu.Lock()
		defer mu.Unlock()
		proxies = append(proxies, found...)
	})

	c.OnError(func(r *colly.Response, err error) {
		l.Error().Err(err).Int("status_code", r.StatusCode).Str("url", r.Request.URL.String()).Msg("Scrape request failed.")
		mu.Lock()
		defer mu.Unlock()
		scrapeErr = err
	})

	if err := c.Visit(s.url); err != nil && scrapeErr == nil {
		scrapeErr = err
	}
	c.Wait()

	if scrapeErr != nil {
		return nil, fmt.Errorf("%s: %w", s.Name(), scrapeErr)
	}

	l.Info().Int("count", len(proxies)).Str("source", s.Name()).Msg("Scrape finished.")
	return proxies, nil
}

// extract pulls every proxy entry out of body. Full entries win over the
// bare ip:port they contain.
func (s *TextListScraper) extract(body string) []*model.ProxyRecord {
	var out []*model.ProxyRecord
	covered := make(map[int]bool)
	for _, loc := range schemeProxyRe.FindAllStringIndex(body, -1) {
		address, credential, ok := storage.ParseLine(body[loc[0]:loc[1]])
		if !ok {
			continue
		}
		for i := loc[0]; i < loc[1]; i++ {
			covered[i] = true
		}
		out = append(out, model.NewProxyRecord(address, credential, s.Name()))
	}
	for _, loc := range bareProxyRe.FindAllStringIndex(body, -1) {
		if covered[loc[0]] {
			continue
		}
		out = append(out, model.NewProxyRecord(s.scheme+"://"+body[loc[0]:loc[1]], "", s.Name()))
	}
	return out
}
