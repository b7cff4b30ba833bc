package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/claimrelay/internal/claimrelay"
	"github.com/agentworkforce/claimrelay/internal/realtime"
)

type ServerConfig struct {
	JWTSecret       string
	Audience        string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// Registry enables /v1/ws and the connections admin route.
	Registry *realtime.Registry
	Hub      realtime.HubConfig
	Logger   *slog.Logger
}

type Server struct {
	svc         *claimrelay.Service
	cfg         ServerConfig
	auth        *Authenticator
	hub         http.Handler
	schemas     *requestSchemas
	rateLimiter *rateLimiter
	logger      *slog.Logger
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

func NewServer(svc *claimrelay.Service) *Server {
	server, err := NewServerWithConfig(svc, ServerConfig{})
	if err != nil {
		panic(err)
	}
	return server
}

func NewServerWithConfig(svc *claimrelay.Service, cfg ServerConfig) (*Server, error) {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.Audience == "" {
		cfg.Audience = defaultAudience
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
		logger = slog.Default()
	}
	schemas, err := compileRequestSchemas()
	if err != nil {
		return nil, err
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	auth := NewAuthenticator(cfg.JWTSecret, cfg.Audience)
	s := &Server{
		svc:         svc,
		cfg:         cfg,
		auth:        auth,
		schemas:     schemas,
		rateLimiter: limiter,
		logger:      logger,
	}
	if cfg.Registry != nil {
		s.hub = realtime.NewHub(cfg.Registry, auth, cfg.Hub, logger.With("component", "hub"))
	}
	return s, nil
}

func (s *Server) Authenticator() *Authenticator {
	return s.auth
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/ws" && r.Method == http.MethodGet {
		if s.hub == nil {
			writeError(w, http.StatusNotFound, "not_found", "live stream disabled", getCorrelationID(r))
			return
		}
		s.hub.ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var route string
	adminOnly := false
	switch {
	case len(parts) == 2 && parts[1] == "leads" && r.Method == http.MethodGet:
		route = "list_leads"
	case len(parts) == 2 && parts[1] == "leads" && r.Method == http.MethodPost:
		route = "create_lead"
	case len(parts) == 3 && parts[1] == "leads" && r.Method == http.MethodGet:
		route = "get_lead"
	case len(parts) == 4 && parts[1] == "leads" && parts[3] == "inquiries" && r.Method == http.MethodGet:
		route = "lead_inquiries"
	case len(parts) == 4 && parts[1] == "leads" && parts[3] == "claim" && r.Method == http.MethodPost:
		route = "claim_lead"
	case len(parts) == 3 && parts[1] == "inquiries" && r.Method == http.MethodGet:
		route = "get_inquiry"
	case len(parts) == 4 && parts[1] == "inquiries" && parts[2] == "by-code" && r.Method == http.MethodGet:
		route = "get_inquiry_by_code"
	case len(parts) == 2 && parts[1] == "notifications" && r.Method == http.MethodGet:
		route = "list_notifications"
	case len(parts) == 2 && parts[1] == "notifications" && r.Method == http.MethodPost:
		route = "create_notifications"
		adminOnly = true
	case len(parts) == 3 && parts[1] == "notifications" && parts[2] == "unread-count" && r.Method == http.MethodGet:
		route = "unread_count"
	case len(parts) == 3 && parts[1] == "notifications" && parts[2] == "read-all" && r.Method == http.MethodPost:
		route = "read_all"
	case len(parts) == 4 && parts[1] == "notifications" && parts[3] == "read" && r.Method == http.MethodPost:
		route = "read_notification"
	case len(parts) == 2 && parts[1] == "activity" && r.Method == http.MethodGet:
		route = "activity"
	case len(parts) == 3 && parts[1] == "admin" && parts[2] == "connections" && r.Method == http.MethodGet:
		route = "admin_connections"
		adminOnly = true
	case len(parts) == 3 && parts[1] == "admin" && parts[2] == "dispatch" && r.Method == http.MethodGet:
		route = "admin_dispatch"
		adminOnly = true
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := s.auth.authorize(r, adminOnly)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.ActorID, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "list_leads":
		s.handleListLeads(w, r, correlationID)
	case "create_lead":
		s.handleCreateLead(w, r, claims, correlationID)
	case "get_lead":
		s.handleGetLead(w, r, parts[2], correlationID)
	case "lead_inquiries":
		s.handleLeadInquiries(w, r, parts[2], correlationID)
	case "claim_lead":
		s.handleClaimLead(w, r, claims, parts[2], correlationID)
	case "get_inquiry":
		s.handleGetInquiry(w, r, parts[2], correlationID)
	case "get_inquiry_by_code":
		s.handleGetInquiryByCode(w, r, parts[3], correlationID)
	case "list_notifications":
		s.handleListNotifications(w, r, claims, correlationID)
	case "create_notifications":
		s.handleCreateNotifications(w, r, correlationID)
	case "unread_count":
		s.handleUnreadCount(w, r, claims, correlationID)
	case "read_all":
		s.handleReadAll(w, r, claims, correlationID)
	case "read_notification":
		s.handleReadNotification(w, r, claims, parts[2], correlationID)
	case "activity":
		s.handleActivity(w, r, correlationID)
	case "admin_connections":
		s.handleAdminConnections(w, correlationID)
	case "admin_dispatch":
		writeJSON(w, http.StatusOK, s.svc.Dispatcher.Status())
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleListLeads(w http.ResponseWriter, r *http.Request, correlationID string) {
	unclaimed, err := parseOptionalBool(r.URL.Query().Get("unclaimed"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid unclaimed", correlationID)
		return
	}
	limit, err := parseOptionalBoundedInt(r.URL.Query().Get("limit"), 50, 1, 200)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", correlationID)
		return
	}
	leads, err := s.svc.ListLeads(r.Context(), claimrelay.LeadFilter{UnclaimedOnly: unclaimed, Limit: limit})
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": leads})
}

func (s *Server) handleCreateLead(w http.ResponseWriter, r *http.Request, claims TokenClaims, correlationID string) {
	var in claimrelay.LeadInput
	if !s.decodeValidatedBody(w, r, correlationID, schemaCreateLead, &in) {
		return
	}
	lead, err := s.svc.CreateLead(r.Context(), claims.ActorID, in)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, lead)
}

func (s *Server) handleGetLead(w http.ResponseWriter, r *http.Request, leadID, correlationID string) {
	lead, err := s.svc.GetLead(r.Context(), leadID)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

func (s *Server) handleLeadInquiries(w http.ResponseWriter, r *http.Request, leadID, correlationID string) {
	if _, err := s.svc.GetLead(r.Context(), leadID); err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	inquiries, err := s.svc.ListInquiriesByLead(r.Context(), leadID)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": inquiries})
}

type claimLeadRequest struct {
	Extra        map[string]any `json:"extra,omitempty"`
	BusinessDate string         `json:"businessDate,omitempty"`
}

func (s *Server) handleClaimLead(w http.ResponseWriter, r *http.Request, claims TokenClaims, leadID, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var req claimLeadRequest
	if len(strings.TrimSpace(string(body))) > 0 {
		if msg, valid := s.schemas.validate(schemaClaimLead, body); !valid {
			writeError(w, http.StatusBadRequest, "bad_request", msg, correlationID)
			return
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return
		}
	}
	claimReq := claimrelay.ClaimRequest{
		LeadID:  leadID,
		ActorID: claims.ActorID,
		Extra:   req.Extra,
	}
	if req.BusinessDate != "" {
		date, err := time.Parse("2006-01-02", req.BusinessDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid businessDate", correlationID)
			return
		}
		claimReq.BusinessDate = date
	}
	inquiry, err := s.svc.Claim(r.Context(), claimReq)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, inquiry)
}

func (s *Server) handleGetInquiry(w http.ResponseWriter, r *http.Request, inquiryID, correlationID string) {
	inquiry, err := s.svc.GetInquiry(r.Context(), inquiryID)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, inquiry)
}

func (s *Server) handleGetInquiryByCode(w http.ResponseWriter, r *http.Request, code, correlationID string) {
	inquiry, err := s.svc.GetInquiryByCode(r.Context(), code)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, inquiry)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request, claims TokenClaims, correlationID string) {
	query := r.URL.Query()
	unread, err := parseOptionalBool(query.Get("unread"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid unread", correlationID)
		return
	}
	limit, err := parseOptionalBoundedInt(query.Get("limit"), 50, 1, 200)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", correlationID)
		return
	}
	var before time.Time
	if raw := strings.TrimSpace(query.Get("before")); raw != "" {
		before, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid before", correlationID)
			return
		}
	}
	items, err := s.svc.Notifications.List(r.Context(), claims.ActorID, claimrelay.NotificationListOptions{
		UnreadOnly: unread,
		Limit:      limit,
		Before:     before,
	})
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type createNotificationsRequest struct {
	ActorIDs []string `json:"actorIds"`
	claimrelay.NotificationInput
}

func (s *Server) handleCreateNotifications(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req createNotificationsRequest
	if !s.decodeValidatedBody(w, r, correlationID, schemaCreateNotification, &req) {
		return
	}
	created, err := s.svc.Notifications.CreateBulk(r.Context(), req.ActorIDs, req.NotificationInput)
	if err != nil && len(created) == 0 {
		s.writeServiceError(w, err, correlationID)
		return
	}
	status := http.StatusCreated
	resp := map[string]any{"items": created}
	if err != nil {
		s.logger.Error("partial notification create", "correlation_id", correlationID, "created", len(created), "error", err)
		status = http.StatusMultiStatus
		resp["error"] = "some notifications could not be stored"
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request, claims TokenClaims, correlationID string) {
	count, err := s.svc.Notifications.UnreadCount(r.Context(), claims.ActorID)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unreadCount": count})
}

func (s *Server) handleReadAll(w http.ResponseWriter, r *http.Request, claims TokenClaims, correlationID string) {
	count, err := s.svc.Notifications.MarkAllAsRead(r.Context(), claims.ActorID)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": count})
}

func (s *Server) handleReadNotification(w http.ResponseWriter, r *http.Request, claims TokenClaims, id, correlationID string) {
	n, err := s.svc.Notifications.MarkAsRead(r.Context(), claims.ActorID, id)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	limit, err := parseOptionalBoundedInt(query.Get("limit"), 50, 1, 200)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", correlationID)
		return
	}
	entries, err := s.svc.ListActivity(r.Context(), claimrelay.ActivityFilter{
		EntityType: strings.TrimSpace(query.Get("entityType")),
		EntityID:   strings.TrimSpace(query.Get("entityId")),
		ActorID:    strings.TrimSpace(query.Get("actorId")),
		Limit:      limit,
	})
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (s *Server) handleAdminConnections(w http.ResponseWriter, correlationID string) {
	if s.cfg.Registry == nil {
		writeError(w, http.StatusNotFound, "not_found", "live stream disabled", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actors":      s.cfg.Registry.ConnectedActors(),
		"connections": s.cfg.Registry.Snapshot(),
	})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, claimrelay.ErrCompensationFailed):
		s.logger.Error("claim left an orphaned inquiry", "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, "compensation_failed", "claim failed and cleanup did not complete", correlationID)
	case errors.Is(err, claimrelay.ErrAlreadyClaimed):
		writeError(w, http.StatusConflict, "already_claimed", err.Error(), correlationID)
	case errors.Is(err, claimrelay.ErrClaimConflict):
		writeError(w, http.StatusConflict, "claim_conflict", err.Error(), correlationID)
	case errors.Is(err, claimrelay.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, claimrelay.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, claimrelay.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		s.logger.Error("request failed", "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
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

func (s *Server) decodeValidatedBody(w http.ResponseWriter, r *http.Request, correlationID, schema string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if msg, valid := s.schemas.validate(schema, body); !valid {
		writeError(w, http.StatusBadRequest, "bad_request", msg, correlationID)
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

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, errors.New("out of range")
	}
	return parsed, nil
}

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return false, err
	}
	return parsed, nil
}
