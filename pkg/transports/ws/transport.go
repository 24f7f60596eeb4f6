// Package ws is the duplex websocket transport. It upgrades client
// connections, hands each one to a session loop, and mounts the batch HTTP
// routes on the same server.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tenkv/voicechat/pkg/api"
	"github.com/tenkv/voicechat/pkg/logging"
	"github.com/tenkv/voicechat/pkg/session"
)

// RealtimePath is the duplex voice endpoint.
const RealtimePath = "/api/v1/ws/realtime"

type Config struct {
	Addr           string
	MaxMessageSize int64
	AllowAnyOrigin bool
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8000"
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 10 * 1024 * 1024
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// SessionFactory builds one session loop per accepted connection.
type SessionFactory func(conn session.Conn) *session.Session

type Transport struct {
	cfg        Config
	newSession SessionFactory
	handlers   *api.Handlers
	logger     *slog.Logger

	server   *http.Server
	upgrader websocket.Upgrader
	draining atomic.Bool
	active   sync.WaitGroup
}

func New(cfg Config, factory SessionFactory, handlers *api.Handlers, logger *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		cfg:        cfg,
		newSession: factory,
		handlers:   handlers,
		logger:     logging.NewComponentLogger(logger, "ws_transport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "websocket" }

// Handler builds the full route table: the realtime endpoint, the batch API
// and the service/health probes.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(RealtimePath, t)
	if t.handlers != nil {
		t.handlers.Register(mux)
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]string{
			"service":  "voicechat",
			"status":   "running",
			"realtime": RealtimePath,
		})
	})
	return corsMiddleware(mux)
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.server = &http.Server{
		Addr:              t.cfg.Addr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           t.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		t.logger.Info("listening", slog.String("addr", t.cfg.Addr))
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("server error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	return nil
}

// Drain blocks until every active session loop has returned.
func (t *Transport) Drain() error {
	t.draining.Store(true)
	t.active.Wait()
	return nil
}

// ServeHTTP upgrades one realtime connection and runs its session loop to
// completion on the handler goroutine.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(t.cfg.MaxMessageSize)

	s := t.newSession(conn)
	t.active.Add(1)
	defer t.active.Done()

	state := s.Run(r.Context())
	t.logger.Info("session finished",
		slog.String("session_id", s.ID()),
		slog.Bool("clean", state == session.CloseNormal))
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
