package scraper

import (
	"context"

	"proxyrotator/proxypool/model"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36"

// Scraper 接口定义了从远程代理源抓取代理列表的行为。
// 抓取只在启动时执行一次，结果在创建代理池之前与文件中的代理合并。
type Scraper interface {
	// Scrape 执行抓取操作，只负责抓取和初步解析，不做任何验证。
	Scrape(ctx context.Context) ([]*model.ProxyRecord, error)

	// Name 返回抓取器的名称，用于日志记录。
	Name() string
}
