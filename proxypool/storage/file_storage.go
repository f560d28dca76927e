package storage

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"proxyrotator/internal/shared/logger"
	"proxyrotator/proxypool/model"
)

// lineRe matches scheme://[user:pass@]rest. The credential group keeps its
// trailing '@'.
var lineRe = regexp.MustCompile(`^(\w+://)([^:]+?:[^@]+?@)?(.+)`)

// Storage 接口定义了代理列表的来源。
type Storage interface {
	Load() ([]*model.ProxyRecord, error)
}

// FileStorage 从纯文本文件读取代理列表，每行一个代理。
type FileStorage struct {
	filePath string
}

// NewFileStorage 创建一个新的 FileStorage 实例。
func NewFileStorage(filePath string) *FileStorage {
	return &FileStorage{
		filePath: filePath,
	}
}

// Load 读取文件并解析出代理记录，无法匹配的行会被跳过。
func (fs *FileStorage) Load() ([]*model.ProxyRecord, error) {
	l := logger.WithComponent("ProxyPool/Storage")

	file, err := os.Open(fs.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open proxy file: %w", err)
	}
	defer file.Close()

	records, err := ParseLines(file, fs.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", fs.filePath, err)
	}
	l.Info().Int("count", len(records)).Str("path", fs.filePath).Msg("Loaded proxies from file.")
	return records, nil
}

// ParseLine splits one proxy line into its address and credential.
// ok is false when the line does not look like scheme://[user:pass@]host[:port].
func ParseLine(line string) (address, credential string, ok bool) {
	parts := lineRe.FindStringSubmatch(strings.TrimSpace(line))
	if parts == nil {
		return "", "", false
	}
	address = parts[1] + parts[3]
	if parts[2] != "" {
		credential = strings.TrimSuffix(parts[2], "@")
	}
	return address, credential, true
}

// ParseLines reads a line-oriented proxy list. Blank lines and lines starting
// with '#' are ignored; malformed lines are logged and skipped.
func ParseLines(r io.Reader, source string) ([]*model.ProxyRecord, error) {
	l := logger.WithComponent("ProxyPool/Storage")

	var records []*model.ProxyRecord
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		address, credential, ok := ParseLine(line)
		if !ok {
			l.Warn().Str("source", source).Int("line", lineNum).Msg("Skipping malformed proxy line.")
			continue
		}
		records = append(records, model.NewProxyRecord(address, credential, source))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Dedupe drops records whose address and credential were already seen,
// keeping the first occurrence and the original order.
func Dedupe(records []*model.ProxyRecord) []*model.ProxyRecord {
	l := logger.WithComponent("ProxyPool/Storage")

	seen := make(map[string]struct{}, len(records))
	out := make([]*model.ProxyRecord, 0, len(records))
	for _, r := range records {
		key := r.Credential + "@" + r.Address
		if _, exists := seen[key]; exists {
			l.Debug().Str("address", r.Address).Str("source", r.Source).Msg("Duplicate proxy dropped.")
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}
