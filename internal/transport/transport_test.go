package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"proxyrotator/proxypool"
	"proxyrotator/proxypool/model"
)

// fakeHTTPProxy answers absolute-URI requests itself and remembers the
// Proxy-Authorization header it saw.
type fakeHTTPProxy struct {
	*httptest.Server
	mu       sync.Mutex
	lastAuth string
	hits     int
}

func newFakeHTTPProxy(t *testing.T) *fakeHTTPProxy {
	t.Helper()
	f := &fakeHTTPProxy{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.lastAuth = r.Header.Get("Proxy-Authorization")
		f.hits++
		f.mu.Unlock()
		switch r.URL.Path {
		case "/ban":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/slow":
			time.Sleep(300 * time.Millisecond)
			io.WriteString(w, "late")
		default:
			io.WriteString(w, "via proxy "+r.URL.Host)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeHTTPProxy) auth() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAuth
}

func newPool(t *testing.T, threshold int, records ...*model.ProxyRecord) *proxypool.ProxyPool {
	t.Helper()
	p, err := proxypool.New(records, 0, threshold)
	if err != nil {
		t.Fatalf("proxypool.New() returned an error: %v", err)
	}
	return p
}

func TestBasicAuth(t *testing.T) {
	if got := BasicAuth("user:pass"); got != "Basic dXNlcjpwYXNz" {
		t.Errorf("BasicAuth() = %s", got)
	}
}

func TestRoundTrip_SuccessReleasesProxy(t *testing.T) {
	fp := newFakeHTTPProxy(t)
	rec := model.NewProxyRecord(fp.URL, "", "test")
	pool := newPool(t, 1, rec)
	rt := New(pool, Options{})
	client := &http.Client{Transport: rt}

	resp, err := client.Get("http://target.test/page")
	if err != nil {
		t.Fatalf("Get() returned an error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if string(body) != "via proxy target.test" {
		t.Errorf("Unexpected body: %s", body)
	}
	if fp.auth() != "" {
		t.Errorf("Expected no Proxy-Authorization without a credential, got '%s'", fp.auth())
	}
	if s := pool.Stats(); s.Available != 1 || s.CheckedOut != 0 {
		t.Errorf("Expected proxy back in the pool, got %+v", s)
	}
	if rec.LastUsedAt.IsZero() {
		t.Error("Expected LastUsedAt to be set")
	}
	if tr := rt.Traffic(); tr.Uplink == 0 || tr.Downlink < uint64(len(body)) {
		t.Errorf("Expected traffic through the proxy to be counted, got %+v", tr)
	}
}

func TestRoundTrip_SetsProxyAuthorization(t *testing.T) {
	fp := newFakeHTTPProxy(t)
	pool := newPool(t, 1, model.NewProxyRecord(fp.URL, "user:pass", "test"))
	client := &http.Client{Transport: New(pool, Options{})}

	resp, err := client.Get("http://target.test/")
	if err != nil {
		t.Fatalf("Get() returned an error: %v", err)
	}
	resp.Body.Close()

	if fp.auth() != "Basic dXNlcjpwYXNz" {
		t.Errorf("Expected Basic credential header, got '%s'", fp.auth())
	}
}

func TestRoundTrip_BanStatusFailsProxy(t *testing.T) {
	fp := newFakeHTTPProxy(t)
	rec := model.NewProxyRecord(fp.URL, "", "test")
	pool := newPool(t, 0, rec)
	rt := New(pool, Options{})
	client := &http.Client{Transport: rt}

	resp, err := client.Get("http://target.test/ban")
	if err != nil {
		t.Fatalf("Get() returned an error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests || !rt.Banned(resp.StatusCode) {
		t.Errorf("Expected a banned 429, got %d", resp.StatusCode)
	}
	if s := pool.Stats(); s.Discarded != 1 {
		t.Fatalf("Expected proxy to be discarded with threshold 0, got %+v", s)
	}

	_, err = client.Get("http://target.test/")
	if !errors.Is(err, proxypool.ErrPoolExhausted) {
		t.Errorf("Expected ErrPoolExhausted once the only proxy is gone, got %v", err)
	}
}

func TestRoundTrip_CustomBanStatus(t *testing.T) {
	fp := newFakeHTTPProxy(t)
	rec := model.NewProxyRecord(fp.URL, "", "test")
	pool := newPool(t, 0, rec)
	client := &http.Client{Transport: New(pool, Options{BanStatus: []int{}})}

	resp, err := client.Get("http://target.test/ban")
	if err != nil {
		t.Fatalf("Get() returned an error: %v", err)
	}
	resp.Body.Close()
	if rec.FailureCount != 0 || pool.Len() != 1 {
		t.Errorf("Expected 429 to count as success with an empty ban list, got failures %d", rec.FailureCount)
	}
}

func TestRoundTrip_ConnectionErrorFailsProxy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	rec := model.NewProxyRecord("http://"+addr, "", "test")
	pool := newPool(t, 3, rec)
	client := &http.Client{Transport: New(pool, Options{DialTimeout: time.Second})}

	if _, err := client.Get("http://target.test/"); err == nil {
		t.Fatal("Expected a connection error")
	}
	if rec.FailureCount != 1 || pool.Len() != 1 {
		t.Errorf("Expected one failure and the proxy requeued, got failures %d queued %d", rec.FailureCount, pool.Len())
	}
}

func TestRoundTrip_UnsupportedScheme(t *testing.T) {
	rec := model.NewProxyRecord("ftp://127.0.0.1:21", "", "test")
	pool := newPool(t, 3, rec)
	client := &http.Client{Transport: New(pool, Options{})}

	if _, err := client.Get("http://target.test/"); err == nil {
		t.Fatal("Expected an error for an ftp proxy")
	}
	if rec.FailureCount != 1 {
		t.Errorf("Expected failure count 1, got %d", rec.FailureCount)
	}
}

func TestRoundTrip_CancelledDelayFailsProxy(t *testing.T) {
	fp := newFakeHTTPProxy(t)
	rec := model.NewProxyRecord(fp.URL, "", "test")
	pool, err := proxypool.New([]*model.ProxyRecord{rec}, time.Hour, 3)
	if err != nil {
		t.Fatalf("proxypool.New() returned an error: %v", err)
	}
	now := time.Now()
	lease, _, _ := pool.Acquire(now)
	lease.Release(now)

	client := &http.Client{Transport: New(pool, Options{Now: func() time.Time { return now }})}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://target.test/", nil)

	if _, err := client.Do(req); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected context.DeadlineExceeded, got %v", err)
	}
	if rec.FailureCount != 1 {
		t.Errorf("Expected cancellation to count as a failure, got %d", rec.FailureCount)
	}
	fp.mu.Lock()
	hits := fp.hits
	fp.mu.Unlock()
	if hits != 0 {
		t.Errorf("Expected no request to reach the proxy, got %d", hits)
	}
}

// trackedBody records whether the transport closed it.
type trackedBody struct {
	io.Reader
	mu     sync.Mutex
	closed bool
}

func (b *trackedBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *trackedBody) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func TestRoundTrip_ClosesRequestBodyOnEarlyError(t *testing.T) {
	exhausted := newPool(t, 0, model.NewProxyRecord("http://127.0.0.1:1", "", "test"))
	lease, _, _ := exhausted.Acquire(time.Now())
	defer lease.Release(time.Now())

	tests := []struct {
		name string
		pool *proxypool.ProxyPool
	}{
		{"pool exhausted", exhausted},
		{"unsupported scheme", newPool(t, 3, model.NewProxyRecord("ftp://127.0.0.1:21", "", "test"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := &trackedBody{Reader: strings.NewReader("payload")}
			req, _ := http.NewRequest(http.MethodPost, "http://target.test/", body)

			if _, err := New(tt.pool, Options{}).RoundTrip(req); err == nil {
				t.Fatal("Expected RoundTrip() to fail")
			}
			if !body.isClosed() {
				t.Error("Expected the request body to be closed")
			}
		})
	}
}

func TestRoundTrip_ClosesRequestBodyOnCancelledDelay(t *testing.T) {
	rec := model.NewProxyRecord("http://127.0.0.1:1", "", "test")
	pool, err := proxypool.New([]*model.ProxyRecord{rec}, time.Hour, 3)
	if err != nil {
		t.Fatalf("proxypool.New() returned an error: %v", err)
	}
	now := time.Now()
	lease, _, _ := pool.Acquire(now)
	lease.Release(now)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	body := &trackedBody{Reader: strings.NewReader("payload")}
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, "http://target.test/", body)

	rt := New(pool, Options{Now: func() time.Time { return now }})
	if _, err := rt.RoundTrip(req); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if !body.isClosed() {
		t.Error("Expected the request body to be closed")
	}
}

func TestRoundTrip_DelayIsNotPartOfRequestTimeout(t *testing.T) {
	fp := newFakeHTTPProxy(t)
	rec := model.NewProxyRecord(fp.URL, "", "test")
	pool, err := proxypool.New([]*model.ProxyRecord{rec}, 250*time.Millisecond, 0)
	if err != nil {
		t.Fatalf("proxypool.New() returned an error: %v", err)
	}
	client := &http.Client{Transport: New(pool, Options{RequestTimeout: 100 * time.Millisecond})}

	start := time.Now()
	for i := 0; i < 3; i++ {
		resp, err := client.Get("http://target.test/" + strconv.Itoa(i))
		if err != nil {
			t.Fatalf("Request %d returned an error: %v", i, err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Errorf("Expected the proxy to be paced, run took %v", elapsed)
	}
	if s := pool.Stats(); s.Discarded != 0 || s.Available != 1 {
		t.Errorf("Expected the healthy proxy to survive pacing, got %+v", s)
	}
	if rec.FailureCount != 0 {
		t.Errorf("Expected no failures, got %d", rec.FailureCount)
	}
}

func TestRoundTrip_RequestTimeoutFailsProxy(t *testing.T) {
	fp := newFakeHTTPProxy(t)
	rec := model.NewProxyRecord(fp.URL, "", "test")
	pool := newPool(t, 3, rec)
	client := &http.Client{Transport: New(pool, Options{RequestTimeout: 50 * time.Millisecond})}

	if _, err := client.Get("http://target.test/slow"); err == nil {
		t.Fatal("Expected the slow request to time out")
	}
	if rec.FailureCount != 1 || pool.Len() != 1 {
		t.Errorf("Expected one failure and the proxy requeued, got failures %d queued %d", rec.FailureCount, pool.Len())
	}
}

func TestRoundTrip_DiscardDropsTransport(t *testing.T) {
	fp := newFakeHTTPProxy(t)
	banned := model.NewProxyRecord(fp.URL, "", "test")
	rt := New(newPool(t, 0, banned), Options{})
	client := &http.Client{Transport: rt}

	resp, err := client.Get("http://target.test/ban")
	if err != nil {
		t.Fatalf("Get() returned an error: %v", err)
	}
	if rt.cached() != 1 {
		t.Errorf("Expected the transport to stay while the body is open, got %d", rt.cached())
	}
	resp.Body.Close()
	if rt.cached() != 0 {
		t.Errorf("Expected the discarded proxy's transport to be dropped, got %d", rt.cached())
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	dead := New(newPool(t, 0, model.NewProxyRecord("http://"+addr, "", "test")), Options{DialTimeout: time.Second})
	if _, err := (&http.Client{Transport: dead}).Get("http://target.test/"); err == nil {
		t.Fatal("Expected a connection error")
	}
	if dead.cached() != 0 {
		t.Errorf("Expected the transport to be dropped after a fatal error, got %d", dead.cached())
	}
}

func TestDirect(t *testing.T) {
	origin := newFakeHTTPProxy(t)
	rt := Direct(Options{})
	client := &http.Client{Transport: rt}

	resp, err := client.Get(origin.URL + "/page")
	if err != nil {
		t.Fatalf("Get() returned an error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(body) == 0 {
		t.Errorf("Expected a direct 200, got %d '%s'", resp.StatusCode, body)
	}

	resp, err = client.Get(origin.URL + "/ban")
	if err != nil {
		t.Fatalf("Get() returned an error: %v", err)
	}
	resp.Body.Close()
	if !rt.Banned(resp.StatusCode) {
		t.Errorf("Expected %d to still be reported as banned", resp.StatusCode)
	}
	if rt.cached() != 0 {
		t.Errorf("Expected no per-proxy transports, got %d", rt.cached())
	}
	if tr := rt.Traffic(); tr.Uplink == 0 || tr.Downlink == 0 {
		t.Errorf("Expected direct traffic to be counted, got %+v", tr)
	}
	rt.CloseIdleConnections()
}

// serveSOCKS5 runs a single-connection SOCKS5 server that requires
// username/password authentication.
func serveSOCKS5(t *testing.T, user, pass string) (addr string, authOK <-chan bool) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	result := make(chan bool, 1)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		// greeting: VER NMETHODS METHODS...
		head := make([]byte, 2)
		if _, err := io.ReadFull(conn, head); err != nil {
			return
		}
		methods := make([]byte, head[1])
		io.ReadFull(conn, methods)
		conn.Write([]byte{0x05, 0x02})

		// RFC 1929: VER ULEN UNAME PLEN PASSWD
		ver := make([]byte, 2)
		io.ReadFull(conn, ver)
		gotUser := make([]byte, ver[1])
		io.ReadFull(conn, gotUser)
		plen := make([]byte, 1)
		io.ReadFull(conn, plen)
		gotPass := make([]byte, plen[0])
		io.ReadFull(conn, gotPass)
		ok := string(gotUser) == user && string(gotPass) == pass
		result <- ok
		if !ok {
			conn.Write([]byte{0x01, 0x01})
			return
		}
		conn.Write([]byte{0x01, 0x00})

		// request: VER CMD RSV ATYP DST.ADDR DST.PORT
		req := make([]byte, 4)
		io.ReadFull(conn, req)
		var host string
		switch req[3] {
		case 0x01:
			ip := make([]byte, 4)
			io.ReadFull(conn, ip)
			host = net.IP(ip).String()
		case 0x03:
			l := make([]byte, 1)
			io.ReadFull(conn, l)
			name := make([]byte, l[0])
			io.ReadFull(conn, name)
			host = string(name)
		default:
			return
		}
		portBuf := make([]byte, 2)
		io.ReadFull(conn, portBuf)
		target, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(portBuf)))))
		if err != nil {
			conn.Write([]byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
			return
		}
		defer target.Close()
		conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); io.Copy(target, conn) }()
		go func() { defer wg.Done(); io.Copy(conn, target) }()
		wg.Wait()
	}()
	return ln.Addr().String(), result
}

func TestRoundTrip_SOCKS5WithAuth(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hello from backend")
	}))
	defer backend.Close()

	addr, authOK := serveSOCKS5(t, "alice", "secret")
	rec := model.NewProxyRecord("socks5://"+addr, "alice:secret", "test")
	pool := newPool(t, 1, rec)
	client := &http.Client{Transport: New(pool, Options{DialTimeout: 2 * time.Second})}

	resp, err := client.Get(backend.URL)
	if err != nil {
		t.Fatalf("Get() through SOCKS5 returned an error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if string(body) != "hello from backend" {
		t.Errorf("Unexpected body: %s", body)
	}
	if !<-authOK {
		t.Error("SOCKS5 server rejected the credential")
	}
	if rec.FailureCount != 0 || pool.Len() != 1 {
		t.Errorf("Expected proxy released, got failures %d queued %d", rec.FailureCount, pool.Len())
	}
}
