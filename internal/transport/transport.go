package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"

	"proxyrotator/internal/shared/logger"
	"proxyrotator/proxypool"
	"proxyrotator/proxypool/model"
)

// DefaultBanStatus lists the response codes treated as a proxy failure.
var DefaultBanStatus = []int{
	http.StatusForbidden,
	http.StatusProxyAuthRequired,
	http.StatusTooManyRequests,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
}

type Options struct {
	// DialTimeout bounds connecting to a proxy and its handshake.
	DialTimeout time.Duration
	// RequestTimeout bounds one request from the end of the pacing wait
	// until its response body is closed. Zero means no limit.
	RequestTimeout time.Duration
	// BanStatus overrides DefaultBanStatus when non-nil.
	BanStatus []int
	// Now is the clock handed to the pool. Defaults to time.Now.
	Now func() time.Time
}

// RoundTripper 为每个请求从代理池中借出一个代理。
//
// It waits out the pool's advisory delay, sends the request through the
// proxy and reports the outcome: transport errors, cancellations and ban
// statuses fail the proxy, everything else releases it. A RoundTripper
// built by Direct has no pool and sends every request straight to the
// target.
type RoundTripper struct {
	pool       *proxypool.ProxyPool
	opts       Options
	banned     map[int]bool
	logger     zerolog.Logger
	mu         sync.Mutex
	transports map[string]*http.Transport
	direct     *http.Transport

	uplink   atomic.Uint64
	downlink atomic.Uint64
}

// TrafficStats 是经过所有代理连接的字节数
type TrafficStats struct {
	Uplink   uint64 `json:"uplink"`
	Downlink uint64 `json:"downlink"`
}

// Ensure RoundTripper implements http.RoundTripper
var _ http.RoundTripper = (*RoundTripper)(nil)

func New(pool *proxypool.ProxyPool, opts Options) *RoundTripper {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	codes := opts.BanStatus
	if codes == nil {
		codes = DefaultBanStatus
	}
	banned := make(map[int]bool, len(codes))
	for _, c := range codes {
		banned[c] = true
	}
	return &RoundTripper{
		pool:       pool,
		opts:       opts,
		banned:     banned,
		logger:     logger.WithComponent("Transport"),
		transports: make(map[string]*http.Transport),
	}
}

// Direct returns a RoundTripper that bypasses the proxy pool. Ban statuses
// and traffic are still reported.
func Direct(opts Options) *RoundTripper {
	rt := New(nil, opts)
	tr := newBaseTransport(rt.opts.DialTimeout)
	tr.DialContext = rt.countedDial(tr.DialContext)
	rt.direct = tr
	return rt
}

// Banned reports whether status counts as a proxy failure.
func (rt *RoundTripper) Banned(status int) bool {
	return rt.banned[status]
}

func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if rt.pool == nil {
		out, cancel := rt.withTimeout(req)
		resp, err := rt.direct.RoundTrip(out)
		if err != nil {
			cancel()
			return nil, err
		}
		resp.Body = &closeHook{ReadCloser: resp.Body, fn: cancel}
		return resp, nil
	}

	lease, delay, err := rt.pool.Acquire(rt.opts.Now())
	if err != nil {
		closeBody(req)
		return nil, err
	}
	rec := lease.Record()

	if err := proxypool.Wait(req.Context(), delay); err != nil {
		closeBody(req)
		rt.fail(lease)
		return nil, err
	}

	tr, err := rt.transportFor(rec)
	if err != nil {
		closeBody(req)
		rt.fail(lease)
		return nil, err
	}

	// The request timeout starts here, so the pacing wait never eats into it.
	out, cancel := rt.withTimeout(req)
	if rec.HasCredential() && isHTTPProxy(rec) && out.URL.Scheme == "http" {
		// Plain HTTP goes to the proxy as an absolute-URI request and carries
		// the credential itself; HTTPS uses ProxyConnectHeader on CONNECT.
		out.Header.Set("Proxy-Authorization", BasicAuth(rec.Credential))
	}

	resp, err := tr.RoundTrip(out)
	if err != nil {
		cancel()
		rt.fail(lease)
		rt.logger.Debug().Err(err).Str("proxy", rec.Address).Str("url", req.URL.String()).Msg("Request through proxy failed.")
		return nil, err
	}

	discarded := false
	if rt.Banned(resp.StatusCode) {
		lease.Fail(rt.opts.Now())
		discarded = lease.Discarded()
		rt.logger.Debug().Int("status", resp.StatusCode).Str("proxy", rec.Address).Msg("Proxy got a ban status.")
	} else {
		lease.Release(rt.opts.Now())
	}
	resp.Body = &closeHook{ReadCloser: resp.Body, fn: func() {
		cancel()
		// The connection only becomes idle once the body is closed.
		if discarded {
			rt.evict(rec)
		}
	}}
	return resp, nil
}

// fail reports a failed attempt and drops the proxy's transport when the
// pool discarded it.
func (rt *RoundTripper) fail(lease *proxypool.Lease) {
	lease.Fail(rt.opts.Now())
	if lease.Discarded() {
		rt.evict(lease.Record())
	}
}

// evict closes the idle connections of rec's transport and forgets it.
func (rt *RoundTripper) evict(rec *model.ProxyRecord) {
	rt.mu.Lock()
	tr, ok := rt.transports[rec.ID]
	delete(rt.transports, rec.ID)
	rt.mu.Unlock()
	if ok {
		tr.CloseIdleConnections()
		rt.logger.Debug().Str("proxy", rec.Address).Msg("Dropped transport of discarded proxy.")
	}
}

// cached reports how many per-proxy transports are kept.
func (rt *RoundTripper) cached() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.transports)
}

func (rt *RoundTripper) withTimeout(req *http.Request) (*http.Request, context.CancelFunc) {
	ctx, cancel := req.Context(), context.CancelFunc(func() {})
	if rt.opts.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, rt.opts.RequestTimeout)
	}
	return req.Clone(ctx), cancel
}

// Traffic returns the bytes written to and read from proxy connections,
// including proxy handshakes.
func (rt *RoundTripper) Traffic() TrafficStats {
	return TrafficStats{Uplink: rt.uplink.Load(), Downlink: rt.downlink.Load()}
}

// CloseIdleConnections closes idle connections of every per-proxy transport.
func (rt *RoundTripper) CloseIdleConnections() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, tr := range rt.transports {
		tr.CloseIdleConnections()
	}
	if rt.direct != nil {
		rt.direct.CloseIdleConnections()
	}
}

// transportFor returns the cached transport dedicated to rec.
func (rt *RoundTripper) transportFor(rec *model.ProxyRecord) (*http.Transport, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if tr, ok := rt.transports[rec.ID]; ok {
		return tr, nil
	}
	tr, err := newProxyTransport(rec, rt.opts.DialTimeout)
	if err != nil {
		return nil, err
	}
	tr.DialContext = rt.countedDial(tr.DialContext)
	rt.transports[rec.ID] = tr
	return tr, nil
}

func (rt *RoundTripper) countedDial(dial func(ctx context.Context, network, addr string) (net.Conn, error)) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dial(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return newCountedConn(conn, &rt.uplink, &rt.downlink), nil
	}
}

func newBaseTransport(timeout time.Duration) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{},
		TLSHandshakeTimeout:   timeout,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConnsPerHost:   4,
	}
}

func newProxyTransport(rec *model.ProxyRecord, timeout time.Duration) (*http.Transport, error) {
	u, err := rec.URL()
	if err != nil {
		return nil, fmt.Errorf("invalid proxy address %q: %w", rec.Address, err)
	}
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	tr := newBaseTransport(timeout)

	switch rec.Scheme() {
	case "http", "https":
		tr.Proxy = http.ProxyURL(&url.URL{Scheme: u.Scheme, Host: u.Host})
		if rec.HasCredential() {
			tr.ProxyConnectHeader = http.Header{"Proxy-Authorization": {BasicAuth(rec.Credential)}}
		}
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if rec.HasCredential() {
			user, pass, _ := strings.Cut(rec.Credential, ":")
			auth = &proxy.Auth{User: user, Password: pass}
		}
		d, err := proxy.SOCKS5("tcp", u.Host, auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer for %s does not support contexts", rec.Address)
		}
		tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return cd.DialContext(ctx, network, addr)
		}
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", rec.Scheme())
	}
	return tr, nil
}

func isHTTPProxy(rec *model.ProxyRecord) bool {
	s := rec.Scheme()
	return s == "http" || s == "https"
}

// closeBody closes a request body the transport will never send.
func closeBody(req *http.Request) {
	if req.Body != nil {
		req.Body.Close()
	}
}

// closeHook runs fn once after the response body is closed.
type closeHook struct {
	io.ReadCloser
	once sync.Once
	fn   func()
}

func (b *closeHook) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.fn)
	return err
}

// BasicAuth formats a user:pass credential as a Proxy-Authorization value.
func BasicAuth(credential string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(credential))
}
