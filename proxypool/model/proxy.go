package model

import (
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProxyRecord is one configured upstream proxy plus its rotation state.
// Address and Credential never change after load; LastUsedAt and
// FailureCount are owned by the pool and only mutated under its lock.
type ProxyRecord struct {
	ID         string `json:"id"`      // 加载时分配的 UUID
	Address    string `json:"address"` // scheme://host[:port]
	Credential string `json:"-"`       // user:pass，空表示无需认证
	Source     string `json:"source"`  // 来源：文件路径或抓取器名称

	LastUsedAt   time.Time `json:"last_used_at"` // 零值表示从未使用
	FailureCount int       `json:"failure_count"`
}

// NewProxyRecord creates a record that has never been used.
func NewProxyRecord(address, credential, source string) *ProxyRecord {
	return &ProxyRecord{
		ID:         uuid.NewString(),
		Address:    address,
		Credential: credential,
		Source:     source,
	}
}

func (r *ProxyRecord) Scheme() string {
	scheme, _, found := strings.Cut(r.Address, "://")
	if !found {
		return ""
	}
	return strings.ToLower(scheme)
}

func (r *ProxyRecord) URL() (*url.URL, error) {
	return url.Parse(r.Address)
}

func (r *ProxyRecord) HasCredential() bool {
	return r.Credential != ""
}
