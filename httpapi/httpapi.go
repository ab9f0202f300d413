// Package httpapi exposes the sync hub over HTTP for the local companion UI:
// queue inspection and admin, sync status and manual trigger, pass history,
// connectivity signals, and a WebSocket stream of state changes.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/RichardMcSorley/breather-outbox/hub"
	"github.com/RichardMcSorley/breather-outbox/oplog"
	"github.com/RichardMcSorley/breather-outbox/outbox"
)

// Options configures a Server.
type Options struct {
	// TokenHash is a bcrypt hash of the expected bearer token. Empty
	// disables authentication (local-only deployments).
	TokenHash string
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Server holds the HTTP handlers over the hub.
type Server struct {
	hub    *hub.Hub
	passes *oplog.Recorder
	events *EventHub
	opts   Options
}

// New creates a Server. passes and events may be nil; the corresponding
// endpoints then report 404 and the WebSocket stream is disabled.
func New(h *hub.Hub, passes *oplog.Recorder, events *EventHub, opts Options) *Server {
	opts.defaults()
	return &Server{hub: h, passes: passes, events: events, opts: opts}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		st, err := s.hub.State(r.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, map[string]any{"status": "ok", "online": st.Online})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)

		r.Get("/api/sync/status", s.handleStatus)
		r.Post("/api/sync/now", s.handleSyncNow)
		r.Get("/api/sync/history", s.handleHistory)

		r.Get("/api/queue", s.handleQueueList)
		r.Post("/api/queue", s.handleEnqueue)
		r.Delete("/api/queue/{id}", s.handleDiscard)
		r.Delete("/api/queue", s.handleClear)

		r.Post("/api/net", s.handleNetSignal)

		if s.events != nil {
			r.Get("/ws", s.events.Handle)
		}
	})

	return r
}

// requireToken enforces the bearer token when Options.TokenHash is set.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.TokenHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		var token string
		if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
			token = h[7:]
		}
		if token == "" {
			writeJSON(w, 401, map[string]string{"error": "missing bearer token"})
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(s.opts.TokenHash), []byte(token)); err != nil {
			writeJSON(w, 401, map[string]string{"error": "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.hub.State(r.Context())
	if err != nil {
		writeError(w, 500, err)
		return
	}
	resp := map[string]any{
		"online":       st.Online,
		"queue_length": st.QueueLength,
		"syncing":      st.Syncing,
	}
	if last := s.hub.LastReport(); last != nil {
		resp["last_pass"] = map[string]any{
			"attempted":   last.Attempted,
			"succeeded":   last.Succeeded,
			"failed":      last.Failed,
			"remaining":   last.Remaining,
			"offline":     last.Offline,
			"started_at":  last.StartedAt.Format(time.RFC3339),
			"duration_ms": last.Duration.Milliseconds(),
		}
	}
	writeJSON(w, 200, resp)
}

func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	rep, err := s.hub.ManualSync(r.Context())
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if rep == nil {
		// A pass was already in flight; the trigger folds into it.
		writeJSON(w, 202, map[string]string{"status": "already_syncing"})
		return
	}
	if rep.Offline {
		writeJSON(w, 200, map[string]any{"status": "offline", "remaining": rep.Remaining})
		return
	}
	writeJSON(w, 200, map[string]any{
		"status":    "completed",
		"attempted": rep.Attempted,
		"succeeded": rep.Succeeded,
		"failed":    rep.Failed,
		"remaining": rep.Remaining,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.passes == nil {
		writeJSON(w, 404, map[string]string{"error": "history not enabled"})
		return
	}
	logs, err := s.passes.RecentPasses(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, logs)
}

// mutationView mirrors outbox.Mutation with the body rendered as raw JSON
// instead of base64.
type mutationView struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Endpoint  string          `json:"endpoint"`
	Method    string          `json:"method"`
	Body      json.RawMessage `json:"body,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func viewOf(m *outbox.Mutation) mutationView {
	v := mutationView{
		ID:        m.ID,
		Type:      m.Type,
		Endpoint:  m.Endpoint,
		Method:    m.Method,
		CreatedAt: m.CreatedAt,
	}
	if json.Valid(m.Body) {
		v.Body = json.RawMessage(m.Body)
	}
	return v
}

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	muts, err := s.hub.Queue(r.Context())
	if err != nil {
		writeError(w, 500, err)
		return
	}
	views := make([]mutationView, 0, len(muts))
	for _, m := range muts {
		views = append(views, viewOf(m))
	}
	writeJSON(w, 200, views)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type     string          `json:"type"`
		Endpoint string          `json:"endpoint"`
		Method   string          `json:"method"`
		Body     json.RawMessage `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	if req.Endpoint == "" {
		writeJSON(w, 400, map[string]string{"error": "endpoint is required"})
		return
	}

	m, err := s.hub.Enqueue(r.Context(), req.Type, req.Endpoint, req.Method, req.Body)
	if err != nil {
		writeError(w, 400, err)
		return
	}
	writeJSON(w, 201, viewOf(m))
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.hub.Discard(r.Context(), id); err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, map[string]string{"status": "discarded", "id": id})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Clear(r.Context()); err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, map[string]string{"status": "cleared"})
}

// handleNetSignal lets the host application push platform connectivity
// signals (browser online/offline events, OS network change notifications).
func (s *Server) handleNetSignal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	s.hub.SetOnline(req.Online)
	writeJSON(w, 200, map[string]any{"online": req.Online})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
