package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/siterag/internal/query"
	"github.com/JakeFAU/siterag/internal/rag"
	"github.com/JakeFAU/siterag/internal/session"
)

type createSessionRequest struct {
	URL      string `json:"url"`
	Purpose  string `json:"purpose"`
	Mode     string `json:"mode"`
	MaxPages int    `json:"max_pages"`
	MaxDepth *int   `json:"max_depth"`
	DelayMS  int64  `json:"delay_ms"`
}

type createSessionResponse struct {
	SessionID string     `json:"session_id"`
	Status    rag.Status `json:"status"`
	Message   string     `json:"message"`
}

type queryRequest struct {
	Question string `json:"question"`
	TopK     int    `json:"top_k"`
}

type listResponse struct {
	Sessions []rag.SessionMetadata `json:"sessions"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", rag.KindValidation)
		return
	}
	if req.DelayMS < 0 {
		writeError(w, http.StatusBadRequest, "delay_ms must be >= 0", rag.KindValidation)
		return
	}
	id, err := s.deps.Sessions.Create(r.Context(), session.CreateRequest{
		SourceURL: req.URL,
		Purpose:   req.Purpose,
		Mode:      rag.Mode(req.Mode),
		Crawl: rag.CrawlParams{
			MaxPages: req.MaxPages,
			MaxDepth: req.MaxDepth,
			Delay:    time.Duration(req.DelayMS) * time.Millisecond,
		},
	})
	if err != nil {
		s.writeKindError(w, r, err)
		return
	}

	queueCtx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	if err := s.deps.Tasks.Submit(queueCtx, id, rag.TaskScrape); err != nil {
		s.logger.Error("enqueue scrape failed", zap.String("session_id", id), zap.Error(err))
		if _, terr := s.deps.Sessions.Transition(
			context.WithoutCancel(r.Context()), id, rag.StatusFailed,
			session.WithError("could not queue scrape task"),
		); terr != nil {
			s.logger.Warn("mark session failed", zap.String("session_id", id), zap.Error(terr))
		}
		s.writeKindError(w, r, rag.Infrastructure("enqueue scrape", err))
		return
	}
	writeJSON(w, http.StatusAccepted, createSessionResponse{
		SessionID: id,
		Status:    rag.StatusPending,
		Message:   "scrape queued",
	})
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, listResponse{Sessions: s.deps.Sessions.List()})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	meta, err := s.deps.Sessions.Get(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		s.writeKindError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) touchSession(w http.ResponseWriter, r *http.Request) {
	meta, err := s.deps.Sessions.Touch(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		w.WriteHeader(statusFor(rag.KindOf(err)))
		return
	}
	w.Header().Set("X-Session-Status", string(meta.Status))
	w.Header().Set("Last-Modified", meta.UpdatedAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) embedSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if err := s.deps.Embed.Start(r.Context(), id); err != nil {
		s.writeKindError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, createSessionResponse{
		SessionID: id,
		Status:    rag.StatusEmbedding,
		Message:   "embedding started",
	})
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if !s.deps.Registry.Cancel(id) {
		writeError(w, http.StatusNotFound, "no task in flight for session "+id, rag.KindNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Server) querySession(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", rag.KindValidation)
		return
	}
	answer, err := s.deps.Query.Ask(r.Context(), query.Request{
		SessionID: chi.URLParam(r, "session_id"),
		Question:  req.Question,
		TopK:      req.TopK,
	})
	if err != nil {
		s.writeKindError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}
