package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaychat/internal/chatserver"
	"github.com/agentworkforce/relaychat/internal/chatsync"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// StreamOriginPatterns are host patterns allowed to open /v1/stream from a
	// browser. Same-origin upgrades are always allowed.
	StreamOriginPatterns []string
	Logger               *zap.Logger
}

type Server struct {
	store       *chatserver.Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *zap.Logger
	router      chi.Router
	now         func() time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type ctxKey int

const claimsKey ctxKey = iota

func NewServer(store *chatserver.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *chatserver.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})

	r.Get("/health", s.handleHealth)
	r.With(s.authenticate).Get("/v1/stream", s.handleStream)

	r.Route("/v1/conversations", func(r chi.Router) {
		r.Use(s.authenticate, requireCorrelation, s.limit)
		r.Get("/", s.handleListConversations)
		r.Post("/", s.handleCreateConversation)
		r.Route("/{conversationID}", func(r chi.Router) {
			r.Get("/messages", s.handleMessages)
			r.Get("/messages/sync", s.handleSync)
			r.Post("/messages", s.handlePostMessage)
			r.Post("/read", s.handleMarkRead)
			r.Delete("/members/me", s.handleLeave)
		})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("requestId", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, authErr := parseBearer(bearerFromRequest(r), s.cfg.JWTSecret, s.now())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func requireCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if getCorrelationID(r) == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.allow(claimsFrom(r).Subject) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allow(userID string) bool {
	if s.rateLimiter == nil {
		return true
	}
	return s.rateLimiter.allow(userID, s.now())
}

func claimsFrom(r *http.Request) Claims {
	claims, _ := r.Context().Value(claimsKey).(Claims)
	return claims
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"backend": s.store.BackendStatus(),
	})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	conversations := s.store.ListConversations(claimsFrom(r).Subject)
	writeJSON(w, http.StatusOK, map[string]any{"conversations": conversations})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req chatserver.CreateConversationRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	summary, err := s.store.CreateConversation(claimsFrom(r).Subject, req)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.store.Messages(chi.URLParam(r, "conversationID"), claimsFrom(r).Subject)
	if err != nil {
		writeStoreError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	from, err := parseOptionalSequence(r.URL.Query().Get("fromSequence"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid fromSequence", correlationID)
		return
	}
	messages, err := s.store.MessagesAfter(chi.URLParam(r, "conversationID"), claimsFrom(r).Subject, from)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req chatsync.SendRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	claims := claimsFrom(r)
	msg, created, err := s.store.PostMessage(chatserver.PostRequest{
		ConversationID: chi.URLParam(r, "conversationID"),
		SenderID:       claims.Subject,
		SenderName:     claims.Name,
		Kind:           req.Kind,
		Content:        req.Content,
		CorrelationID:  req.CorrelationID,
	})
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, msg)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.store.MarkRead(chi.URLParam(r, "conversationID"), claimsFrom(r).Subject)
	if err != nil {
		writeStoreError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if err := s.store.LeaveConversation(chi.URLParam(r, "conversationID"), claimsFrom(r).Subject); err != nil {
		writeStoreError(w, err, getCorrelationID(r))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	status, code := storeErrorStatus(err)
	writeError(w, status, code, err.Error(), correlationID)
}

func storeErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, chatserver.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, chatserver.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, chatserver.ErrInvalidInput):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, chatserver.ErrConflict):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
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

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseOptionalSequence(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, err
	}
	if parsed < 0 {
		return 0, errors.New("out of range")
	}
	return parsed, nil
}
