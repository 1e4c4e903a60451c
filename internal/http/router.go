// Package httpx wires the relay's HTTP surface: the polling/query
// endpoints, the CI webhook ingress, the admin broadcast, the socket
// upgrade and the static artifact tree.
package httpx

import (
	"bufio"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/buildrelay/internal/service/ingest"
	"github.com/splax/buildrelay/internal/service/relay"
	"github.com/splax/buildrelay/internal/store"
	"github.com/splax/buildrelay/internal/ws"
)

const (
	rateWindowDefault = time.Minute
	rateLimitRead     = 120
	rateLimitWebhook  = 600
	rateLimitAdmin    = 60
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	relay     *relay.Service
	ingest    *ingest.Service
	hub       *ws.Hub
	store     *store.Store
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	secret    string
	buildsDir string

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	connectionsGauge   prometheus.GaugeFunc
}

// NewRouter assembles routes with dependencies. secret enables both
// socket auth and the admin broadcast check; an empty secret disables
// them.
func NewRouter(logger *slog.Logger, relaySvc *relay.Service, ingestSvc *ingest.Service, hub *ws.Hub, st *store.Store, limiter RateLimiter, secret, buildsDir string) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		relay:  relaySvc,
		ingest: ingestSvc,
		hub:    hub,
		store:  st,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   limiter,
		secret:    strings.TrimSpace(secret),
		buildsDir: buildsDir,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/health", r.audit(r.handleHealth))
	r.mux.HandleFunc("/metrics", r.audit(r.handleMetrics))
	r.mux.Handle("/metrics/prometheus", promhttp.Handler())
	r.mux.HandleFunc("/api/broadcast", r.audit(r.withRateLimit("broadcast", rateLimitAdmin, rateWindowDefault, r.handleBroadcast)))
	r.mux.HandleFunc("/api/projects", r.audit(r.withRateLimit("projects", rateLimitRead, rateWindowDefault, r.handleProjects)))
	r.mux.HandleFunc("/api/projects/", r.audit(r.withRateLimit("projects", rateLimitRead, rateWindowDefault, r.handleProjectByID)))
	r.mux.HandleFunc("/api/builds", r.audit(r.withRateLimit("builds", rateLimitRead, rateWindowDefault, r.handleBuilds)))
	r.mux.HandleFunc("/api/builds/", r.audit(r.withRateLimit("builds", rateLimitRead, rateWindowDefault, r.handleBuildByID)))
	r.mux.HandleFunc("/status/", r.audit(r.withRateLimit("status", rateLimitRead, rateWindowDefault, r.handleStatus)))
	r.mux.HandleFunc("/webhook/build-status", r.audit(r.withRateLimit("webhook", rateLimitWebhook, rateWindowDefault, r.handleWebhook)))
	r.mux.HandleFunc("/ws", r.audit(r.handleSocket))
	if r.buildsDir != "" {
		r.mux.Handle("/builds/", http.StripPrefix("/builds/", http.FileServer(http.Dir(r.buildsDir))))
	}
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"components": map[string]any{
			"relay": map[string]any{"status": "up"},
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) handleMetrics(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.store.Metrics().Snapshot())
}

func (r *Router) handleBroadcast(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyAdminToken(w, req) {
		return
	}
	var payload struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
		Room  string          `json:"room,omitempty"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(payload.Event) == "" {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}
	frame, err := ws.Marshal(payload.Event, payload.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not encode event")
		return
	}
	if payload.Room != "" {
		r.hub.BroadcastRoom(payload.Room, frame)
	} else {
		r.hub.BroadcastAll(frame)
	}
	r.logger.Info("admin broadcast", "event", payload.Event, "room", payload.Room)
	writeJSON(w, http.StatusOK, map[string]any{"sent": true})
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.relay.Projects())
}

func (r *Router) handleProjectByID(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(req.URL.Path, "/api/projects/")
	if id == "" || strings.Contains(id, "/") {
		r.notFound(w)
		return
	}
	project, err := r.relay.Project(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (r *Router) handleBuilds(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.relay.Builds())
}

func (r *Router) handleBuildByID(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(req.URL.Path, "/api/builds/")
	if id == "" || strings.Contains(id, "/") {
		r.notFound(w)
		return
	}
	build, err := r.relay.BuildStatus(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, build)
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	projectID := strings.TrimPrefix(req.URL.Path, "/status/")
	if projectID == "" {
		r.notFound(w)
		return
	}
	status, err := r.relay.Status(projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var update ingest.Update
	if err := json.NewDecoder(req.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	build, err := r.ingest.Apply(update)
	if err != nil {
		if errors.Is(err, ingest.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "buildId": build.ID})
}

// verifyAdminToken checks x-admin-token against the configured secret.
// With no secret configured the check is disabled.
func (r *Router) verifyAdminToken(w http.ResponseWriter, req *http.Request) bool {
	if r.secret == "" {
		return true
	}
	token := strings.TrimSpace(req.Header.Get("x-admin-token"))
	if len(token) != len(r.secret) || subtle.ConstantTimeCompare([]byte(token), []byte(r.secret)) != 1 {
		r.logger.Warn("admin token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid admin token")
		return false
	}
	return true
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		r.recordRequestMetrics(req.Method, req.URL.Path, status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
