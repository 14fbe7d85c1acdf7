package components

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/harunnryd/runit/internal/concurrency"
	"github.com/harunnryd/runit/internal/config"
	"github.com/harunnryd/runit/internal/daemon"
	"github.com/harunnryd/runit/internal/lifecycle"
	"github.com/harunnryd/runit/internal/metrics"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// StatusSource reports the current session. *lifecycle.Coordinator
// satisfies it.
type StatusSource interface {
	Status() lifecycle.Status
}

// StatusServerComponent serves the local read-only status API.
type StatusServerComponent struct {
	daemon      *daemon.Daemon
	cfg         *config.StatusConfig
	source      StatusSource
	metrics     *metrics.Metrics
	server      *http.Server
	listener    net.Listener
	shutdownTTL time.Duration
	initialized bool
	started     bool
	mu          sync.RWMutex
	startTime   time.Time
}

func NewStatusServerComponent(d *daemon.Daemon, cfg *config.StatusConfig, source StatusSource, m *metrics.Metrics) *StatusServerComponent {
	return &StatusServerComponent{
		daemon:  d,
		cfg:     cfg,
		source:  source,
		metrics: m,
	}
}

func (h *StatusServerComponent) Name() string {
	return "StatusServer"
}

func (h *StatusServerComponent) Dependencies() []string {
	return []string{"StateStore"}
}

func (h *StatusServerComponent) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	readTimeout, err := config.DurationOrDefault(h.cfg.ReadTimeout, config.DefaultStatusReadTimeout)
	if err != nil {
		return fmt.Errorf("parse status read timeout: %w", err)
	}
	writeTimeout, err := config.DurationOrDefault(h.cfg.WriteTimeout, config.DefaultStatusWriteTimeout)
	if err != nil {
		return fmt.Errorf("parse status write timeout: %w", err)
	}
	shutdownTimeout, err := config.DurationOrDefault(h.cfg.ShutdownTimeout, config.DefaultStatusShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse status shutdown timeout: %w", err)
	}

	addr := h.cfg.Addr
	if addr == "" {
		addr = config.DefaultStatusAddr
	}

	h.server = &http.Server{
		Addr:         addr,
		Handler:      h.Routes(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	h.shutdownTTL = shutdownTimeout

	h.initialized = true
	slog.Info("StatusServer initialized", "component", h.Name(), "addr", addr)
	return nil
}

// Routes builds the status router.
func (h *StatusServerComponent) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/health", h.handleHealth)
	r.Get("/session", h.handleSession)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler())
	}
	return r
}

func (h *StatusServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.initialized {
		return fmt.Errorf("StatusServer not initialized")
	}

	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.server.Addr, err)
	}
	h.listener = ln

	server := h.server
	concurrency.SafeGo(func() {
		slog.Info("Status server listening", "component", h.Name(), "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Status server failed", "component", h.Name(), "error", err)
		}
	}, func(r interface{}) {
		slog.Error("Status server panicked", "component", h.Name(), "panic", r)
	})

	h.started = true
	h.startTime = time.Now()
	slog.Info("StatusServer started", "component", h.Name())
	return nil
}

func (h *StatusServerComponent) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		slog.Info("StatusServer not started, skipping stop", "component", h.Name())
		return nil
	}
	server := h.server
	h.started = false
	h.mu.Unlock()

	// In-flight /health requests read component health, so the lock must not
	// be held while draining them.
	slog.Info("Stopping StatusServer...", "component", h.Name())
	shutdownCtx, cancel := context.WithTimeout(ctx, h.shutdownTTL)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("StatusServer shutdown error", "component", h.Name(), "error", err)
		return err
	}

	slog.Info("StatusServer stopped", "component", h.Name())
	return nil
}

func (h *StatusServerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.initialized {
		return &daemon.ComponentHealth{
			Name:    h.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not initialized"),
		}, nil
	}

	if !h.started {
		return &daemon.ComponentHealth{
			Name:    h.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not started"),
		}, nil
	}

	return &daemon.ComponentHealth{
		Name:    h.Name(),
		Healthy: true,
		Detail:  "listening on " + h.listener.Addr().String(),
		Error:   nil,
	}, nil
}

// Addr returns the bound listen address once started.
func (h *StatusServerComponent) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

type componentStatus struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
	Error   string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	State      lifecycle.State            `json:"state"`
	Uptime     string                     `json:"uptime"`
	Components map[string]componentStatus `json:"components"`
}

func (h *StatusServerComponent) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		Components: map[string]componentStatus{},
	}
	if h.source != nil {
		resp.State = h.source.Status().State
		if resp.State == lifecycle.StateFailed {
			resp.Status = "degraded"
		}
	}
	if h.daemon != nil {
		resp.Uptime = h.daemon.Uptime().Round(time.Second).String()
		for name, health := range h.daemon.ComponentHealth() {
			cs := componentStatus{Healthy: health.Healthy, Detail: health.Detail}
			if health.Error != nil {
				cs.Error = health.Error.Error()
			}
			if !health.Healthy {
				resp.Status = "degraded"
			}
			resp.Components[name] = cs
		}
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (h *StatusServerComponent) handleSession(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no session"})
		return
	}
	writeJSON(w, http.StatusOK, h.source.Status())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "component", "StatusServer", "error", err)
	}
}
