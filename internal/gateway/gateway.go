package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/basket/hookrelay/internal/agent"
	"github.com/basket/hookrelay/internal/audit"
	"github.com/basket/hookrelay/internal/bus"
	"github.com/basket/hookrelay/internal/config"
	"github.com/basket/hookrelay/internal/delivery"
	"github.com/basket/hookrelay/internal/ingest"
	"github.com/basket/hookrelay/internal/protocol"
	"github.com/basket/hookrelay/internal/queue"
	"github.com/basket/hookrelay/internal/ratelimit"
	"github.com/basket/hookrelay/internal/registry"
	"github.com/basket/hookrelay/internal/relayerr"
	"github.com/basket/hookrelay/internal/webhook"
	"github.com/coder/websocket"
)

const (
	defaultMaxBodyBytes  = 1 << 20
	defaultMaxFrameBytes = 1 << 20
	defaultListLimit     = 100
	maxListLimit         = 1000
)

// DeadLetterLister lists events the relay gave up delivering.
type DeadLetterLister interface {
	ListDeadLetters(ctx context.Context, relayID string, limit int) ([]webhook.DeadLetter, error)
}

// AgentLister lists registered agents.
type AgentLister interface {
	List(ctx context.Context) ([]agent.Record, error)
	Lookup(ctx context.Context, relayID string) (agent.Record, error)
}

type Config struct {
	Registry    *registry.Registry
	Pipeline    *ingest.Pipeline
	Tracker     *delivery.Tracker
	Queue       queue.Queue
	DeadLetters DeadLetterLister
	Agents      AgentLister

	// AdminToken guards /api/* and /metrics. Empty disables them.
	AdminToken string

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty list means same-origin only.
	AllowOrigins []string

	CORS         config.CORSConfig
	ConnectLimit config.ConnectLimitConfig

	MaxBodyBytes  int64
	MaxFrameBytes int64

	// ConfigFingerprint is the hash of the active config exposed in /healthz.
	ConfigFingerprint string

	// Audit, when set, contributes its deny count to /metrics.
	Audit *audit.Log

	// Bus, when set, contributes its dropped-event count to /metrics.
	Bus *bus.Bus
	// Journal backs GET /api/events.
	Journal *bus.Journal

	// Health reports whether backing storage is reachable. Nil means healthy.
	Health func(ctx context.Context) error

	Logger *slog.Logger
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *ConnectLimiter
	started time.Time
}

func New(cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = defaultMaxFrameBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")
	return &Server{
		cfg:     cfg,
		logger:  logger,
		limiter: NewConnectLimiter(cfg.ConnectLimit, logger),
		started: time.Now(),
	}
}

// Limiter exposes the per-address limiter so the caller can run its eviction loop.
func (s *Server) Limiter() *ConnectLimiter { return s.limiter }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/{relayID}", s.handleWebhook)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	admin := NewAdminAuth(s.cfg.AdminToken)
	mux.Handle("GET /metrics", admin.Wrap(http.HandlerFunc(s.handleMetrics)))
	mux.Handle("GET /api/connections", admin.Wrap(http.HandlerFunc(s.handleAPIConnections)))
	mux.Handle("GET /api/agents", admin.Wrap(http.HandlerFunc(s.handleAPIAgents)))
	mux.Handle("GET /api/agents/{relayID}/queue", admin.Wrap(http.HandlerFunc(s.handleAPIQueue)))
	mux.Handle("GET /api/dead-letters", admin.Wrap(http.HandlerFunc(s.handleAPIDeadLetters)))
	mux.Handle("GET /api/events", admin.Wrap(http.HandlerFunc(s.handleAPIEvents)))

	return NewCORSMiddleware(s.cfg.CORS)(s.limiter.Wrap(mux))
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	relayID := r.PathValue("relayID")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Code: "payload_too_large", Message: "request body exceeds limit"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Code: relayerr.CodeInvalidPayload, Message: "cannot read request body"})
		return
	}

	ctx := ingest.WithRemote(r.Context(), remoteHost(r))
	res, err := s.cfg.Pipeline.Ingest(ctx, relayID, r.Header, body)
	setRateLimitHeaders(w, res.RateLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Status == ingest.StatusQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: upgrade failed", "remote", remoteHost(r), "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxFrameBytes)
	reason := s.cfg.Registry.Serve(r.Context(), protocol.NewWSChannel(conn), remoteHost(r))
	s.logger.Debug("ws: connection finished", "remote", remoteHost(r), "reason", reason)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	healthy := true
	if s.cfg.Health != nil {
		if err := s.cfg.Health(r.Context()); err != nil {
			s.logger.Error("health check failed", "error", err)
			healthy = false
		}
	}
	payload := map[string]any{
		"healthy":            healthy,
		"db_ok":              healthy,
		"connections":        s.cfg.Registry.Count(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)
	pending := 0
	if s.cfg.Tracker != nil {
		pending = s.cfg.Tracker.PendingCount()
	}
	var denies, busDropped int64
	if s.cfg.Audit != nil {
		denies = s.cfg.Audit.DenyCount()
	}
	if s.cfg.Bus != nil {
		busDropped = s.cfg.Bus.Dropped()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_connections": s.cfg.Registry.Count(),
		"pending_acks":       pending,
		"audit_denies":       denies,
		"bus_dropped_events": busDropped,
		"goroutines":         runtime.NumGoroutine(),
		"heap_alloc_bytes":   mem.HeapAlloc,
		"limiter_buckets":    s.limiter.BucketCount(),
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleAPIConnections(w http.ResponseWriter, _ *http.Request) {
	conns := s.cfg.Registry.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"connections": conns, "count": len(conns)})
}

type agentView struct {
	agent.Record
	Connected  bool   `json:"connected"`
	WebhookURL string `json:"webhook_url"`
}

func (s *Server) handleAPIAgents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Agents == nil {
		writeJSON(w, http.StatusOK, map[string]any{"agents": []agentView{}})
		return
	}
	recs, err := s.cfg.Agents.List(r.Context())
	if err != nil {
		s.logger.Error("list agents", "error", err)
		writeError(w, err)
		return
	}
	out := make([]agentView, 0, len(recs))
	for _, rec := range recs {
		_, online := s.cfg.Registry.Get(rec.RelayID)
		out = append(out, agentView{Record: rec, Connected: online, WebhookURL: s.cfg.Registry.WebhookURL(rec.RelayID)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

type queueView struct {
	RelayID string          `json:"relay_id"`
	Depth   int             `json:"depth"`
	Pending int             `json:"pending_acks"`
	Events  []queuedSummary `json:"events"`
}

type queuedSummary struct {
	ID         string    `json:"id"`
	Attempts   int       `json:"attempts"`
	ReceivedAt time.Time `json:"received_at"`
}

func (s *Server) handleAPIQueue(w http.ResponseWriter, r *http.Request) {
	relayID := r.PathValue("relayID")
	if s.cfg.Agents != nil {
		if _, err := s.cfg.Agents.Lookup(r.Context(), relayID); err != nil {
			if errors.Is(err, agent.ErrNotFound) {
				err = relayerr.New(relayerr.KindUnknownAgent, relayerr.CodeUnknownAgent, "unknown relay id")
			}
			writeError(w, err)
			return
		}
	}
	ctx := r.Context()
	depth, err := s.cfg.Queue.Depth(ctx, relayID)
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := s.cfg.Queue.Peek(ctx, relayID, listLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	view := queueView{RelayID: relayID, Depth: depth, Events: make([]queuedSummary, 0, len(events))}
	if s.cfg.Tracker != nil {
		view.Pending = len(s.cfg.Tracker.PendingFor(relayID))
	}
	for _, ev := range events {
		view.Events = append(view.Events, queuedSummary{ID: ev.ID, Attempts: ev.Attempts, ReceivedAt: ev.ReceivedAt})
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	entries := []bus.Entry{}
	if s.cfg.Journal != nil {
		entries = s.cfg.Journal.Recent(listLimit(r))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": entries, "count": len(entries)})
}

func (s *Server) handleAPIDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DeadLetters == nil {
		writeJSON(w, http.StatusOK, map[string]any{"dead_letters": []webhook.DeadLetter{}})
		return
	}
	letters, err := s.cfg.DeadLetters.ListDeadLetters(r.Context(), r.URL.Query().Get("relay_id"), listLimit(r))
	if err != nil {
		s.logger.Error("list dead letters", "error", err)
		writeError(w, err)
		return
	}
	if letters == nil {
		letters = []webhook.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

func listLimit(r *http.Request) int {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit
}

type errorBody struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// writeError renders a classified error. Unclassified errors become a
// generic 500 so internal details never reach the caller.
func writeError(w http.ResponseWriter, err error) {
	status := relayerr.HTTPStatus(err)
	body := errorBody{Code: relayerr.CodeOf(err), Message: "internal error"}
	var re *relayerr.Error
	if errors.As(err, &re) && status != http.StatusInternalServerError {
		body.Message = re.Message
	}
	if retry := relayerr.RetryAfterOf(err); retry > 0 {
		body.RetryAfterMs = retry.Milliseconds()
		w.Header().Set("Retry-After", strconv.FormatInt(int64((retry+time.Second-1)/time.Second), 10))
	}
	writeJSON(w, status, body)
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit == 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// remoteHost strips the port from the request's remote address.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
