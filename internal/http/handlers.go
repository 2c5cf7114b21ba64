package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/shoplane/chat-gateway/internal/auth"
	"github.com/shoplane/chat-gateway/internal/chat"
	"github.com/shoplane/chat-gateway/internal/gateway"
	"github.com/shoplane/chat-gateway/internal/queue"
)

type Server struct {
	Store    chat.Store
	Queue    queue.Queue
	Gateway  *gateway.Gateway
	Verifier auth.Verifier
	// AdminToken guards the queue-inspection routes; empty leaves them unmounted.
	AdminToken string
	Log        zerolog.Logger
	// ReadyCheck pings the dependencies for /readyz; nil means always ready.
	ReadyCheck func(ctx context.Context) error
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(s.Log), middleware.Recoverer, instrument)

	s.mountHealth(r)
	s.mountMetrics(r)

	r.Get("/ws", s.Gateway.HandleWS)

	r.Route("/messages", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/", s.getHistory)
		r.Post("/seen", s.markSeen)
	})

	if s.AdminToken != "" {
		r.Route("/admin/queue", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/counts", s.queueCounts)
			r.Get("/jobs", s.queueJobs)
			r.Get("/jobs/{id}", s.queueJob)
			r.Post("/jobs/{id}/retry", s.queueRetry)
		})
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// getHistory returns the most recent page of the conversation between the
// caller and ?with=, ascending, with a ?before= unix-millis cursor for the
// next-older page.
func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	userID := identityFrom(r.Context())
	with := r.URL.Query().Get("with")
	if with == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing_with"})
		return
	}
	var before int64
	if v := r.URL.Query().Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_before"})
			return
		}
		before = n
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	page, err := s.Store.History(r.Context(), chat.HistoryQuery{
		UserID: userID, With: with, Before: before, Limit: limit,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history_failed"})
		return
	}
	if page.Messages == nil {
		page.Messages = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, page)
}

// markSeen acknowledges that the caller has read everything ?with= sent them.
func (s *Server) markSeen(w http.ResponseWriter, r *http.Request) {
	userID := identityFrom(r.Context())
	var in struct {
		With string `json:"with"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.With == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	n, err := s.Store.MarkSeen(r.Context(), in.With, userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "seen_failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": n})
}

func (s *Server) queueCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.Queue.Counts(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "counts_failed"})
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) queueJobs(w http.ResponseWriter, r *http.Request) {
	state := queue.State(r.URL.Query().Get("state"))
	if state == "" {
		state = queue.StateDead
	}
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	jobs, err := s.Queue.List(r.Context(), state, limit)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": state, "jobs": jobs})
}

func (s *Server) queueJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err == queue.ErrJobNotFound {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job_not_found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "get_failed"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) queueRetry(w http.ResponseWriter, r *http.Request) {
	err := s.Queue.Retry(r.Context(), chi.URLParam(r, "id"))
	switch err {
	case nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case queue.ErrJobNotFound:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job_not_found"})
	case queue.ErrNotDead:
		writeJSON(w, http.StatusConflict, map[string]string{"error": "job_not_dead"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "retry_failed"})
	}
}
