package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"proxyrotator/internal/shared/logger"
	"proxyrotator/internal/shared/types"
)

// loggingListener logs accepted connections at debug level.
type loggingListener struct {
	net.Listener
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		logger.Debug().Msgf("[WebServer] Connection accepted from: %s", conn.RemoteAddr())
	}
	return conn, err
}

// basicAuthMiddleware 检查 user 和 password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Server 是状态服务：/api/pool 快照和 /ws 事件流。
type Server struct {
	cfg      types.WebConf
	srv      *http.Server
	listener net.Listener
	done     chan struct{}
}

func NewServer(cfg types.WebConf, pool PoolReader, hub *Hub) *Server {
	handler := NewHandler(pool, hub)
	mux := http.NewServeMux()

	mux.Handle("/api/pool", basicAuthMiddleware(http.HandlerFunc(handler.HandlePool), cfg.User, cfg.Password))

	// --- WebSocket Endpoint (公开，无需认证) ---
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})

	return &Server{
		cfg: cfg,
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Enabled reports whether a listen address is configured.
func (s *Server) Enabled() bool {
	return s.cfg.Listen != ""
}

// Start binds the listen address and serves in the background. It is a
// no-op when the server is disabled.
func (s *Server) Start() error {
	if !s.Enabled() {
		logger.Info().Msg("[WebServer] Status service is disabled (web.listen is not set).")
		return nil
	}

	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.listener = listener
	s.done = make(chan struct{})
	logger.Info().Msgf("Status service is listening on http://%s", listener.Addr())

	go func() {
		defer close(s.done)
		if err := s.srv.Serve(loggingListener{Listener: listener}); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Web server error")
		}
		logger.Info().Msg("Web server stopped.")
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return err
}
