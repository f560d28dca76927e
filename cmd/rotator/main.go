package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"proxyrotator/internal/app"
	"proxyrotator/internal/shared/config"
	"proxyrotator/internal/shared/logger"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	urlsFile := flag.String("urls", "", "File with one URL per line to fetch through the pool")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "rotator.ini")

	// 1. 加载 .ini 配置
	cfg, err := config.LoadIni(iniPath)
	if err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 2. 收集要抓取的 URL
	urls := flag.Args()
	if *urlsFile != "" {
		fromFile, err := readURLs(*urlsFile)
		if err != nil {
			logger.Fatal().Err(err).Msgf("Failed to read urls file '%s'", *urlsFile)
		}
		urls = append(urls, fromFile...)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. 创建并运行
	server := app.New(cfg)
	if err := server.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Rotator bootstrap failed")
	}
	defer server.Stop()

	if len(urls) > 0 {
		enc := json.NewEncoder(os.Stdout)
		for _, r := range server.Fetch(ctx, urls) {
			line := struct {
				RequestID string `json:"request_id"`
				URL       string `json:"url"`
				Status    int    `json:"status"`
				Bytes     int64  `json:"bytes"`
				Attempts  int    `json:"attempts"`
				Millis    int64  `json:"ms"`
				Error     string `json:"error,omitempty"`
			}{r.RequestID, r.URL, r.Status, r.Bytes, r.Attempts, r.Duration.Milliseconds(), ""}
			if r.Err != nil {
				line.Error = r.Err.Error()
			}
			enc.Encode(line)
		}
	}

	// 没有 URL 时只提供状态服务，直到收到信号
	if len(urls) == 0 && server.WebAddr() != "" {
		logger.Info().Msg("No URLs given, serving pool status until interrupted.")
		<-ctx.Done()
	}
	logger.Info().Msg("Rotator stopped.")
}

// readURLs reads one URL per line, skipping blank lines and '#' comments.
func readURLs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, scanner.Err()
}
