package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"proxyrotator/internal/fetcher"
	"proxyrotator/internal/service/web"
	"proxyrotator/internal/shared/logger"
	"proxyrotator/internal/shared/types"
	"proxyrotator/internal/transport"
	"proxyrotator/proxypool"
	"proxyrotator/proxypool/model"
	"proxyrotator/proxypool/scraper"
	"proxyrotator/proxypool/storage"
)

// AppServer 把代理来源、代理池、状态服务和抓取器装配在一起。
type AppServer struct {
	cfg *types.Config

	storage  storage.Storage
	scrapers []scraper.Scraper

	pool    *proxypool.ProxyPool
	hub     *web.Hub
	web     *web.Server
	rt      *transport.RoundTripper
	fetcher *fetcher.Fetcher

	cancelHub context.CancelFunc
	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// New creates an AppServer from cfg. Nothing is loaded or started until
// Start is called.
func New(cfg *types.Config) *AppServer {
	s := &AppServer{cfg: cfg}
	if cfg.ProxyFile != "" {
		s.storage = storage.NewFileStorage(cfg.ProxyFile)
	}
	if cfg.HTMLTableURL != "" {
		s.scrapers = append(s.scrapers, scraper.NewHTMLTableScraper(
			cfg.HTMLTableURL, cfg.HTMLTableRows, cfg.HTMLTableScheme, cfg.SourceTimeout()))
	}
	if cfg.TextListURL != "" {
		s.scrapers = append(s.scrapers, scraper.NewTextListScraper(
			cfg.TextListURL, cfg.TextListScheme, cfg.SourceTimeout()))
	}
	return s
}

// LoadProxies collects records from the proxy file and every configured
// source, in that order, and drops duplicates. A failing source is logged
// and skipped; a failing proxy file is a configuration error.
func (s *AppServer) LoadProxies(ctx context.Context) ([]*model.ProxyRecord, error) {
	var records []*model.ProxyRecord
	if s.storage != nil {
		fromFile, err := s.storage.Load()
		if err != nil {
			return nil, &proxypool.ConfigurationError{Reason: "failed to load proxy file", Err: err}
		}
		records = append(records, fromFile...)
	}

	for _, sc := range s.scrapers {
		scraped, err := sc.Scrape(ctx)
		if err != nil {
			logger.Warn().Err(err).Str("source", sc.Name()).Msg("Proxy source failed, skipping.")
			continue
		}
		logger.Info().Int("count", len(scraped)).Str("source", sc.Name()).Msg("Scraped proxies.")
		records = append(records, scraped...)
	}

	unique := storage.Dedupe(records)
	if dropped := len(records) - len(unique); dropped > 0 {
		logger.Info().Int("dropped", dropped).Msg("Removed duplicate proxies.")
	}
	return unique, nil
}

// Start loads proxies, builds the pool and starts the status service. With
// the pool disabled, nothing is loaded and requests go direct.
func (s *AppServer) Start(ctx context.Context) error {
	banned, err := s.cfg.BanStatuses()
	if err != nil {
		return err
	}
	opts := transport.Options{
		DialTimeout:    s.cfg.FetchTimeout(),
		RequestTimeout: s.cfg.FetchTimeout(),
		BanStatus:      banned,
	}

	s.hub = web.NewHub()
	var reader web.PoolReader
	if s.cfg.Enabled {
		records, err := s.LoadProxies(ctx)
		if err != nil {
			return err
		}
		pool, err := proxypool.New(records, s.cfg.DownloadDelay(), s.cfg.ErrorThreshold,
			proxypool.WithObserver(proxypool.Observers(logger.NewPoolObserver(), s.hub)))
		if err != nil {
			return err
		}
		s.pool = pool
		reader = pool
		s.rt = transport.New(pool, opts)
		logger.Info().
			Int("proxies", len(records)).
			Dur("download_delay", s.cfg.DownloadDelay()).
			Int("error_threshold", s.cfg.ErrorThreshold).
			Msg("Proxy pool ready.")
	} else {
		s.rt = transport.Direct(opts)
		logger.Warn().Msg("Proxy pool disabled, requests go direct.")
	}

	s.fetcher = fetcher.New(s.rt, fetcher.Config{
		Concurrency:  s.cfg.Concurrency,
		MaxRetries:   s.cfg.MaxRetries,
		RetryBackoff: s.cfg.RetryBackoff(),
		UserAgent:    s.cfg.UserAgent,

		RatePerSecond: s.cfg.RatePerSecond,
	})

	hubCtx, cancel := context.WithCancel(context.Background())
	s.cancelHub = cancel
	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		s.hub.Run(hubCtx) // 启动 Hub
	}()

	s.web = web.NewServer(s.cfg.WebConf, reader, s.hub)
	if err := s.web.Start(); err != nil {
		return fmt.Errorf("failed to start status service: %w", err)
	}
	return nil
}

// Pool returns the pool built by Start, or nil when the pool is disabled.
func (s *AppServer) Pool() *proxypool.ProxyPool {
	return s.pool
}

// WebAddr returns the status service address, or "" when disabled.
func (s *AppServer) WebAddr() string {
	if s.web == nil {
		return ""
	}
	return s.web.Addr()
}

// Fetch runs urls through the fetcher and logs a summary.
func (s *AppServer) Fetch(ctx context.Context, urls []string) []fetcher.Result {
	if len(urls) == 0 {
		return nil
	}
	results := s.fetcher.Run(ctx, urls)

	ok := 0
	for _, r := range results {
		if r.OK() {
			ok++
		}
	}
	var stats proxypool.Stats
	if s.pool != nil {
		stats = s.pool.Stats()
	}
	traffic := s.rt.Traffic()
	logger.Info().
		Int("urls", len(results)).
		Int("succeeded", ok).
		Int("available", stats.Available).
		Int("discarded", stats.Discarded).
		Msgf("Fetch run finished (uplink %d bytes, downlink %d bytes).", traffic.Uplink, traffic.Downlink)
	return results
}

// Stop shuts down the status service and closes idle proxy connections.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		if s.web != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.web.Shutdown(ctx); err != nil {
				logger.Warn().Err(err).Msg("Status service shutdown failed.")
			}
			cancel()
		}
		if s.cancelHub != nil {
			s.cancelHub()
		}
		if s.rt != nil {
			s.rt.CloseIdleConnections()
		}
		s.waitGroup.Wait()
	})
}
