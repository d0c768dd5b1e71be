package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/harborline/concierge/internal/bus"
	"github.com/harborline/concierge/internal/orchestrator"
	"github.com/harborline/concierge/internal/persistence"
	"github.com/harborline/concierge/internal/shared"
)

const maxRequestBytes = 1 << 20 // 1 MiB request body cap

// Config wires the server's collaborators.
type Config struct {
	Store        *persistence.Store
	Orchestrator *orchestrator.Orchestrator
	Bus          *bus.Bus
	Auth         *AuthMiddleware
	RateLimit    *RateLimitMiddleware
	Logger       *slog.Logger

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed in /healthz
	// so drift between running config and disk is detectable.
	ConfigFingerprint string

	// RequestTimeout bounds one chat turn end to end. Zero means 90s.
	RequestTimeout time.Duration
}

// Server is the tenant-facing HTTP surface: chat turns, proposal
// confirmation, the event stream, and health.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 90 * time.Second
	}
	return &Server{cfg: cfg, logger: cfg.Logger}
}

// Handler builds the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/chat", s.handleChat)
	mux.HandleFunc("/v1/proposals", s.handleProposals)
	mux.HandleFunc("/v1/proposals/", s.handleProposalAction)
	mux.HandleFunc("/v1/events", s.handleEvents)

	var h http.Handler = mux
	if s.cfg.Auth != nil {
		h = s.cfg.Auth.Wrap(h)
	}
	if s.cfg.RateLimit != nil {
		h = s.cfg.RateLimit.Wrap(h)
	}
	return h
}

type chatBody struct {
	CustomerID string `json:"customer_id,omitempty"`
	Message    string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body chatBody
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	resp, err := s.cfg.Orchestrator.Chat(ctx, orchestrator.ChatRequest{
		TenantID:   shared.TenantID(ctx),
		CustomerID: body.CustomerID,
		Channel:    shared.Channel(ctx),
		Message:    body.Message,
	})
	if err != nil {
		s.logger.Error("chat turn failed", "tenant_id", shared.TenantID(ctx), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleProposals serves GET /v1/proposals?session_id=X: the actions still
// awaiting confirmation for a session.
func (s *Server) handleProposals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id query parameter is required")
		return
	}
	pending, err := s.cfg.Store.ListPendingProposals(r.Context(), shared.TenantID(r.Context()), sessionID)
	if err != nil {
		s.logger.Error("list proposals failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": pending})
}

type proposalActionBody struct {
	SessionID  string `json:"session_id"`
	CustomerID string `json:"customer_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// handleProposalAction serves GET /v1/proposals/{id} plus
// POST /v1/proposals/{id}/confirm and POST /v1/proposals/{id}/reject.
func (s *Server) handleProposalAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/proposals/")
	proposalID, action, hasAction := strings.Cut(rest, "/")
	if proposalID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if !hasAction || action == "" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleProposalDetail(w, r, proposalID)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body proposalActionBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	tenantID := shared.TenantID(ctx)

	var resp *orchestrator.ChatResponse
	var err error
	switch action {
	case "confirm":
		resp, err = s.cfg.Orchestrator.ConfirmProposal(ctx, tenantID, body.SessionID, proposalID, body.CustomerID)
	case "reject":
		resp, err = s.cfg.Orchestrator.RejectProposal(ctx, tenantID, body.SessionID, proposalID, body.Reason)
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		if errors.Is(err, persistence.ErrProposalNotFound) {
			writeError(w, http.StatusNotFound, "proposal not found")
			return
		}
		s.logger.Error("proposal action failed", "action", action, "proposal_id", proposalID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleProposalDetail returns one proposal with its full transition log,
// for operator dashboards reviewing what happened and when.
func (s *Server) handleProposalDetail(w http.ResponseWriter, r *http.Request, proposalID string) {
	tenantID := shared.TenantID(r.Context())
	p, err := s.cfg.Store.GetProposal(r.Context(), tenantID, proposalID)
	if err != nil {
		if errors.Is(err, persistence.ErrProposalNotFound) {
			writeError(w, http.StatusNotFound, "proposal not found")
			return
		}
		s.logger.Error("proposal detail failed", "proposal_id", proposalID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	history, err := s.cfg.Store.ProposalHistory(r.Context(), tenantID, proposalID)
	if err != nil {
		s.logger.Error("proposal history failed", "proposal_id", proposalID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposal": p, "history": history})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbOK := s.cfg.Store.DB().PingContext(ctx) == nil

	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
