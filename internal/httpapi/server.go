// Package httpapi exposes the orchestrator over HTTP: session CRUD,
// the SSE event stream, health, and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/HyphaGroup/warden/internal/logger"
	"github.com/HyphaGroup/warden/internal/metrics"
	"github.com/HyphaGroup/warden/internal/sandbox"
	"github.com/HyphaGroup/warden/internal/session"
	"github.com/HyphaGroup/warden/internal/store"
	"github.com/HyphaGroup/warden/internal/validation"
	"github.com/google/uuid"
)

// Server wires the session service into HTTP handlers
type Server struct {
	svc     *session.Service
	store   store.Store
	runtime sandbox.Runtime
	limiter *RateLimiter
}

// NewServer creates the HTTP API server
func NewServer(svc *session.Service, st store.Store, rt sandbox.Runtime, limiter *RateLimiter) *Server {
	return &Server{svc: svc, store: st, runtime: rt, limiter: limiter}
}

// Handler builds the full route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /v1/sessions", s.handlePrepare)
	mux.HandleFunc("GET /v1/sessions", s.handleList)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGet)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDelete)
	mux.HandleFunc("POST /v1/sessions/{id}/stream", s.handleStream)
	mux.HandleFunc("POST /v1/sessions/{id}/interrupt", s.handleInterrupt)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return metrics.Middleware(withRequestID(h))
}

// withRequestID stamps a request id into the context for log scoping
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), logger.ContextKeyRequestID, uuid.NewString())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type prepareRequest struct {
	UserID         string            `json:"userId"`
	OrgID          string            `json:"orgId,omitempty"`
	BotID          string            `json:"botId,omitempty"`
	Prompt         string            `json:"prompt"`
	Mode           string            `json:"mode,omitempty"`
	Model          string            `json:"model,omitempty"`
	GithubRepo     string            `json:"githubRepo,omitempty"`
	GitURL         string            `json:"gitUrl,omitempty"`
	GitToken       string            `json:"gitToken,omitempty"`
	EnvVars        map[string]string `json:"envVars,omitempty"`
	SetupCommands  []string          `json:"setupCommands,omitempty"`
	UpstreamBranch string            `json:"upstreamBranch,omitempty"`
}

type streamRequest struct {
	Prompt               string   `json:"prompt,omitempty"`
	Mode                 string   `json:"mode,omitempty"`
	Model                string   `json:"model,omitempty"`
	Images               []string `json:"images,omitempty"`
	KiloSessionID        string   `json:"kiloSessionId,omitempty"`
	SkipInterruptPolling bool     `json:"skipInterruptPolling,omitempty"`
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req prepareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.svc.Prepare(r.Context(), &session.PrepareInput{
		UserID:         req.UserID,
		OrgID:          req.OrgID,
		BotID:          req.BotID,
		Prompt:         req.Prompt,
		Mode:           req.Mode,
		Model:          req.Model,
		GithubRepo:     req.GithubRepo,
		GitURL:         req.GitURL,
		GitToken:       req.GitToken,
		EnvVars:        req.EnvVars,
		SetupCommands:  req.SetupCommands,
		UpstreamBranch: req.UpstreamBranch,
	})
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"sessionId":     result.SessionID,
		"kiloSessionId": result.KiloSessionID,
	})
}

// handleStream opens the execution stream and frames every event as
// one JSON object per SSE data line, flushed as it is produced.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := validation.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req streamRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	stream, err := s.svc.InitiateFromExisting(r.Context(), sessionID, &session.InitiateInput{
		Prompt:               req.Prompt,
		Mode:                 req.Mode,
		Model:                req.Model,
		Images:               req.Images,
		KiloSessionID:        req.KiloSessionID,
		SkipInterruptPolling: req.SkipInterruptPolling,
	})
	if err != nil {
		writeSessionError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, ctx.Err()) {
				logger.ErrorContext(ctx, "stream failed", "session_id", sessionID, "error", err)
			}
			return
		}

		data, err := json.Marshal(ev)
		if err != nil {
			logger.ErrorContext(ctx, "failed to encode event", "session_id", sessionID, "error", err)
			continue
		}
		if _, err := w.Write(append(append([]byte("data: "), data...), '\n', '\n')); err != nil {
			// Client went away; the stream's own teardown handles the rest
			return
		}
		flusher.Flush()
		metrics.RecordStreamEvent(string(ev.Type))

		if ev.Type.IsTerminal() {
			// Drain so the stream can finalize store state
			for {
				if _, err := stream.Next(ctx); err != nil {
					return
				}
			}
		}
	}
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := validation.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.svc.Interrupt(r.Context(), sessionID)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          result.Success,
		"killedProcessIds": orEmpty(result.KilledProcessIDs),
		"failedProcessIds": orEmpty(result.FailedProcessIDs),
		"message":          result.Message,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := validation.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.svc.Delete(r.Context(), sessionID)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": result.Success})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := validation.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := s.svc.GetSession(r.Context(), sessionID)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID != "" {
		if err := validation.ValidateIdentifier(userID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	sums, err := s.svc.ListSessions(r.Context(), userID)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	if sums == nil {
		sums = []*store.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sums})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK

	checks := map[string]string{"store": "ok", "sandbox": "ok"}
	if _, err := s.store.GetQueuedCount(r.Context(), "00000000-0000-0000-0000-000000000000"); err != nil {
		checks["store"] = err.Error()
		status, code = "degraded", http.StatusServiceUnavailable
	}
	if err := s.runtime.Ping(r.Context()); err != nil {
		checks["sandbox"] = err.Error()
		status, code = "degraded", http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":  status,
		"runtime": s.runtime.Name(),
		"checks":  checks,
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

// writeSessionError maps the session error taxonomy onto HTTP status
// codes. Internal details stay in the logs.
func writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	code := session.CodeOf(err)
	var se *session.SessionError
	msg := "internal error"
	if errors.As(err, &se) {
		msg = se.Message
	}

	switch code {
	case session.CodeInvalidGitSource, session.CodeMissingRequiredField, session.CodeInvalidImagePath:
		writeError(w, http.StatusBadRequest, msg)
	case session.CodeSessionNotFound:
		writeError(w, http.StatusNotFound, msg)
	case session.CodeSessionAlreadyRunning:
		writeError(w, http.StatusConflict, msg)
	case session.CodeIntegrity, session.CodeInternal:
		logger.ErrorContext(r.Context(), "request failed", "code", string(code), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		logger.ErrorContext(r.Context(), "request failed", "code", string(code), "error", err)
		writeError(w, http.StatusBadGateway, msg)
	}
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
