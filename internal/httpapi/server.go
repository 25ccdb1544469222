package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/relaydoc/internal/document"
	"github.com/agentworkforce/relaydoc/internal/relaydoc"
)

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// MaxMessageBytes bounds a single inbound websocket frame.
	MaxMessageBytes int64
	WriteTimeout    time.Duration
	// OriginPatterns is passed to the websocket handshake. Empty means
	// same-origin only.
	OriginPatterns []string
}

type Server struct {
	broker      *relaydoc.Broker
	cfg         ServerConfig
	rateLimiter *rateLimiter
	messages    *messageValidator

	socketsMu sync.Mutex
	// sockets maps a session to the connection currently attached to it.
	sockets map[string]*socketSession
}

// rateLimiter hands out one token bucket per client key. Buckets refill at
// max tokens per window.
type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]*rateEntry
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewServer(broker *relaydoc.Broker) *Server {
	return NewServerWithConfig(broker, ServerConfig{})
}

func NewServerWithConfig(broker *relaydoc.Broker, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 1 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]*rateEntry{},
		}
	}
	return &Server{
		broker:      broker,
		cfg:         cfg,
		rateLimiter: limiter,
		messages:    mustMessageValidator(),
		sockets:     map[string]*socketSession{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	if r.URL.Path == "/v1/admin/backends" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, s.broker.BackendStatus())
		return
	}

	parts, ok := splitPath(r.URL.EscapedPath())
	if !ok || len(parts) < 2 || parts[0] != "v1" || parts[1] != "documents" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var route string
	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		route = "list_documents"
	case len(parts) == 2 && r.Method == http.MethodPost:
		route = "create_document"
	case len(parts) == 3 && r.Method == http.MethodGet:
		route = "get_document"
	case len(parts) == 3 && r.Method == http.MethodPut:
		route = "rename_document"
	case len(parts) == 4 && parts[3] == "ops" && r.Method == http.MethodGet:
		route = "ops"
	case len(parts) == 4 && parts[3] == "sessions" && r.Method == http.MethodGet:
		route = "sessions"
	case len(parts) == 4 && parts[3] == "stats" && r.Method == http.MethodGet:
		route = "stats"
	case len(parts) == 4 && parts[3] == "ws" && r.Method == http.MethodGet:
		route = "socket"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if s.rateLimiter != nil && route != "socket" {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds() / float64(s.rateLimiter.max)))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	var documentID string
	if len(parts) > 2 {
		documentID = parts[2]
	}
	switch route {
	case "list_documents":
		s.handleListDocuments(w, r, correlationID)
	case "create_document":
		s.handleCreateDocument(w, r, correlationID)
	case "get_document":
		s.handleGetDocument(w, r, documentID, correlationID)
	case "rename_document":
		s.handleRenameDocument(w, r, documentID, correlationID)
	case "ops":
		s.handleOps(w, r, documentID, correlationID)
	case "sessions":
		s.handleSessions(w, r, documentID, correlationID)
	case "stats":
		s.handleStats(w, r, documentID, correlationID)
	case "socket":
		s.handleSocket(w, r, documentID, correlationID)
	}
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request, correlationID string) {
	documents, err := s.broker.ListDocuments(r.Context())
	if err != nil {
		writeBrokerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": documents})
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body relaydoc.CreateDocumentRequest
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	snap, err := s.broker.CreateDocument(r.Context(), body)
	if err != nil {
		writeBrokerError(w, err, correlationID)
		return
	}
	w.Header().Set("Location", "/v1/documents/"+url.PathEscape(snap.ID))
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request, documentID, correlationID string) {
	withState := parseBool(r.URL.Query().Get("state"), false)
	snap, err := s.broker.GetDocument(r.Context(), documentID, withState)
	if err != nil {
		writeBrokerError(w, err, correlationID)
		return
	}
	w.Header().Set("ETag", strconv.FormatUint(snap.Version, 10))
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRenameDocument(w http.ResponseWriter, r *http.Request, documentID, correlationID string) {
	var body struct {
		Title string `json:"title"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if strings.TrimSpace(body.Title) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "title is required", correlationID)
		return
	}
	snap, err := s.broker.RenameDocument(r.Context(), documentID, body.Title)
	if err != nil {
		writeBrokerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleOps(w http.ResponseWriter, r *http.Request, documentID, correlationID string) {
	since, err := parseOptionalUint(r.URL.Query().Get("since"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid since cursor", correlationID)
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	page, err := s.broker.Ops(r.Context(), documentID, since, limit)
	if err != nil {
		writeBrokerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request, documentID, correlationID string) {
	sessions, err := s.broker.Sessions(r.Context(), documentID)
	if err != nil {
		writeBrokerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, documentID, correlationID string) {
	stats, err := s.broker.Stats(r.Context(), documentID)
	if err != nil {
		writeBrokerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// errorInfo is how a broker error is presented to HTTP and websocket
// clients. Resync tells the client its replica must reload a snapshot.
type errorInfo struct {
	status int
	code   string
	resync bool
}

func classifyError(err error) errorInfo {
	switch {
	case errors.Is(err, document.ErrUnknownTargetReference):
		return errorInfo{status: http.StatusConflict, code: "unknown_target", resync: true}
	case errors.Is(err, document.ErrHistoryUnavailable):
		return errorInfo{status: http.StatusGone, code: "history_unavailable", resync: true}
	case errors.Is(err, document.ErrCausalDependencyTimeout):
		return errorInfo{status: http.StatusRequestTimeout, code: "pending_timeout"}
	case errors.Is(err, relaydoc.ErrSessionNotFound):
		return errorInfo{status: http.StatusNotFound, code: "session_not_found"}
	case errors.Is(err, relaydoc.ErrDocumentNotFound):
		return errorInfo{status: http.StatusNotFound, code: "not_found"}
	case errors.Is(err, relaydoc.ErrDocumentExists):
		return errorInfo{status: http.StatusConflict, code: "document_exists"}
	case errors.Is(err, relaydoc.ErrInvalidInput), errors.Is(err, document.ErrInvalidOperation):
		return errorInfo{status: http.StatusBadRequest, code: "invalid_input"}
	case errors.Is(err, relaydoc.ErrRateLimited):
		return errorInfo{status: http.StatusTooManyRequests, code: "rate_limited"}
	case errors.Is(err, relaydoc.ErrNotImplemented):
		return errorInfo{status: http.StatusNotImplemented, code: "not_implemented"}
	case errors.Is(err, relaydoc.ErrClosed):
		return errorInfo{status: http.StatusServiceUnavailable, code: "unavailable"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errorInfo{status: http.StatusServiceUnavailable, code: "canceled"}
	case errors.Is(err, document.ErrCorrupted):
		return errorInfo{status: http.StatusInternalServerError, code: "corrupted", resync: true}
	default:
		return errorInfo{status: http.StatusInternalServerError, code: "internal_error"}
	}
}

func writeBrokerError(w http.ResponseWriter, err error, correlationID string) {
	info := classifyError(err)
	if info.status >= http.StatusInternalServerError {
		glog.Errorf("httpapi: request %s failed: %v", correlationID, err)
	}
	payload := map[string]any{
		"code":          info.code,
		"message":       err.Error(),
		"correlationId": correlationID,
	}
	if info.resync {
		payload["resync"] = true
	}
	writeJSON(w, info.status, payload)
}

// getCorrelationID returns the caller's X-Correlation-Id or mints one.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func splitPath(escaped string) ([]string, bool) {
	raw := strings.Split(strings.Trim(escaped, "/"), "/")
	parts := make([]string, 0, len(raw))
	for _, segment := range raw {
		unescaped, err := url.PathUnescape(segment)
		if err != nil || unescaped == "" {
			return nil, false
		}
		parts = append(parts, unescaped)
	}
	return parts, true
}

func clientKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-Id")); id != "" {
		return id
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, entry := range r.entries {
		if now.Sub(entry.lastSeen) > r.window {
			delete(r.entries, k)
		}
	}
	entry, ok := r.entries[key]
	if !ok {
		every := r.window / time.Duration(r.max)
		entry = &rateEntry{limiter: rate.NewLimiter(rate.Every(every), r.max)}
		r.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseBool(raw string, fallback bool) bool {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseOptionalUint(raw string, fallback uint64) (uint64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	return strconv.ParseUint(trimmed, 10, 64)
}
