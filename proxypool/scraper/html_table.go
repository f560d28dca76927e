package scraper

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"proxyrotator/internal/shared/logger"
	"proxyrotator/proxypool/model"
)

// HTMLTableScraper reads proxies from an HTML table whose first two cells
// hold the IP and the port, the layout most free proxy list sites use.
type HTMLTableScraper struct {
	url         string
	rowSelector string
	scheme      string
	client      *http.Client
}

// NewHTMLTableScraper 创建一个新的实例，scheme 为空时默认为 http。
func NewHTMLTableScraper(pageURL, rowSelector, scheme string, timeout time.Duration) *HTMLTableScraper {
	if rowSelector == "" {
		rowSelector = "table tbody tr"
	}
	if scheme == "" {
		scheme = "http"
	}
	return &HTMLTableScraper{
		url:         pageURL,
		rowSelector: rowSelector,
		scheme:      scheme,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (s *HTMLTableScraper) Name() string {
	return "html-table"
}

func (s *HTMLTableScraper) Scrape(ctx context.Context) ([]*model.ProxyRecord, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Info().Str("source", s.Name()).Str("url", s.url).Msg("Starting scrape...")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", s.Name(), err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page for %s: %w", s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, s.Name())
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML for %s: %w", s.Name(), err)
	}

	var proxies []*model.ProxyRecord
	doc.Find(s.rowSelector).Each(func(_ int, sel *goquery.Selection) {
		cells := sel.Find("td")
		ip := strings.TrimSpace(cells.Eq(0).Text())
		portStr := strings.TrimSpace(cells.Eq(1).Text())
		if ip == "" || portStr == "" {
			return
		}
		if net.ParseIP(ip) == nil {
			l.Debug().Str("ip", ip).Msg("Cell is not an IP address, skipping row.")
			return
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			l.Warn().Str("ip", ip).Str("port", portStr).Msg("Failed to parse port, skipping.")
			return
		}
		address := fmt.Sprintf("%s://%s", s.scheme, net.JoinHostPort(ip, strconv.Itoa(port)))
		proxies = append(proxies, model.NewProxyRecord(address, "", s.Name()))
	})

	l.Info().Int("count", len(proxies)).Str("source", s.Name()).Msg("Scrape finished.")
	return proxies, nil
}
