// Package server exposes the agent over HTTP: streaming completions via
// SSE, plus CRUD for sessions, messages, memories, and skills.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"skillagent/internal/agent"
	"skillagent/internal/skills"
	"skillagent/internal/store"
)

// Server wires the engine, store, and registry behind a chi router.
type Server struct {
	engine   *agent.Engine
	store    *store.Store
	registry *skills.Registry
	limiter  *rate.Limiter
	router   chi.Router
}

// New creates a server. completionsPerSecond throttles POST /agent/completions
// across all clients; zero disables throttling.
func New(engine *agent.Engine, st *store.Store, registry *skills.Registry, completionsPerSecond float64) *Server {
	s := &Server{
		engine:   engine,
		store:    st,
		registry: registry,
	}
	if completionsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(completionsPerSecond), int(completionsPerSecond)+1)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/agent", func(r chi.Router) {
		r.Post("/completions", s.handleCompletions)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Post("/", s.handleCreateSession)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Put("/", s.handleUpdateSession)
				r.Delete("/", s.handleDeleteSession)
				r.Get("/messages", s.handleListMessages)
				r.Delete("/messages", s.handleClearMessages)
				r.Delete("/messages/{mid}", s.handleDeleteMessage)
				r.Get("/memories", s.handleListMemories)
				r.Post("/memories", s.handlePutMemory)
				r.Get("/memories/{key}", s.handleGetMemory)
				r.Delete("/memories/{key}", s.handleDeleteMemory)
			})
		})

		r.Route("/skills", func(r chi.Router) {
			r.Get("/", s.handleListSkills)
			r.Post("/refresh", s.handleRefreshSkills)
			r.Get("/{name}", s.handleGetSkill)
		})
	})
	s.router = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("warning: encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func (s *Server) notFoundOr500(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, store.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	default:
		writeError(w, http.StatusInternalServerError, "%v", err)
	}
}

// completionRequest is the POST /agent/completions body.
type completionRequest struct {
	Message             string   `json:"message"`
	SessionID           string   `json:"session_id,omitempty"`
	Images              []string `json:"images,omitempty"`
	Model               string   `json:"model,omitempty"`
	Stream              *bool    `json:"stream,omitempty"`
	SkipSaveUserMessage bool     `json:"skip_save_user_message,omitempty"`
	MaxIterations       int      `json:"max_iterations,omitempty"`
}

// completionResponse is the aggregated non-streaming response.
type completionResponse struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"session_id"`
	Content    string        `json:"content"`
	Events     []agent.Event `json:"events"`
	SkillsUsed []string      `json:"skills_used"`
	Usage      *agent.Usage  `json:"usage,omitempty"`
	Created    int64         `json:"created"`
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	sessionID, events, err := s.engine.Run(r.Context(), agent.RunRequest{
		SessionID:           req.SessionID,
		Message:             req.Message,
		Images:              req.Images,
		Model:               req.Model,
		MaxIterations:       req.MaxIterations,
		SkipSaveUserMessage: req.SkipSaveUserMessage,
	})
	if err != nil {
		s.notFoundOr500(w, err)
		return
	}

	if req.Stream == nil || *req.Stream {
		w.Header().Set("X-Session-ID", sessionID)
		s.streamSSE(w, r, events)
		return
	}
	s.aggregate(w, sessionID, events)
}

// streamSSE writes one data: line per event, terminated by data: [DONE].
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, events <-chan agent.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, open := <-events:
			if !open {
				fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				log.Printf("warning: encoding event: %v", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// aggregate drains the event channel into a single JSON response.
func (s *Server) aggregate(w http.ResponseWriter, sessionID string, events <-chan agent.Event) {
	var all []agent.Event
	var content string
	var usage *agent.Usage
	skillsUsed := []string{}
	seen := map[string]bool{}

	for ev := range events {
		all = append(all, ev)
		switch ev.Type {
		case agent.EventAnswer:
			content = ev.Content
		case agent.EventSkillCall:
			if !seen[ev.SkillName] {
				seen[ev.SkillName] = true
				skillsUsed = append(skillsUsed, ev.SkillName)
			}
		case agent.EventDone:
			usage = ev.Usage
		}
	}

	writeJSON(w, http.StatusOK, completionResponse{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Content:    content,
		Events:     all,
		SkillsUsed: skillsUsed,
		Usage:      usage,
		Created:    time.Now().Unix(),
	})
}

// --- sessions ---

type sessionResponse struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Model        string    `json:"model,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Temperature  *float64  `json:"temperature,omitempty"`
	Active       bool      `json:"active"`
	Archived     bool      `json:"archived"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toSessionResponse(sess *store.Session) sessionResponse {
	return sessionResponse{
		ID:           sess.ID,
		Title:        sess.Title,
		Model:        sess.Model,
		SystemPrompt: sess.SystemPrompt,
		Temperature:  sess.Temperature,
		Active:       sess.Active,
		Archived:     sess.Archived,
		CreatedAt:    sess.CreatedAt,
		UpdatedAt:    sess.UpdatedAt,
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title        string   `json:"title"`
		Model        string   `json:"model"`
		SystemPrompt string   `json:"system_prompt"`
		Temperature  *float64 `json:"temperature"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
	}
	sess, err := s.store.CreateSessionWith(r.Context(), store.SessionParams{
		Title:        req.Title,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Temperature:  req.Temperature,
	})
	if err != nil {
		s.notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("include_archived") == "true"
	sessions, err := s.store.ListSessions(r.Context(), includeArchived)
	if err != nil {
		s.notFoundOr500(w, err)
		return
	}
	type listEntry struct {
		sessionResponse
		MessageCount int `json:"message_count"`
	}
	out := make([]listEntry, 0, len(sessions))
	for i := range sessions {
		out = append(out, listEntry{toSessionResponse(&sessions[i]), sessions[i].MessageCount})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Title        *string  `json:"title,omitempty"`
		Model        *string  `json:"model,omitempty"`
		SystemPrompt *string  `json:"system_prompt,omitempty"`
		Temperature  *float64 `json:"temperature,omitempty"`
		Active       *bool    `json:"active,omitempty"`
		Archived     *bool    `json:"archived,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.Title != nil {
		if err := s.store.RenameSession(r.Context(), id, *req.Title); err != nil {
			s.notFoundOr500(w, err)
			return
		}
	}
	if req.Model != nil || req.SystemPrompt != nil || req.Temperature != nil {
		upd := store.SessionUpdate{
			Model:        req.Model,
			SystemPrompt: req.SystemPrompt,
			Temperature:  req.Temperature,
		}
		if err := s.store.UpdateSessionSettings(r.Context(), id, upd); err != nil {
			s.notFoundOr500(w, err)
			return
		}
	}
	if req.Active != nil {
		if err := s.store.SetActive(r.Context(), id, *req.Active); err != nil {
			s.notFoundOr500(w, err)
			return
		}
	}
	if req.Archived != nil {
		if err := s.store.SetArchived(r.Context(), id, *req.Archived); err != nil {
			s.notFoundOr500(w, err)
			return
		}
	}
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.notFoundOr500(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- messages ---

type messageResponse struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	EventType string          `json:"event_type,omitempty"`
	SkillName string          `json:"skill_name,omitempty"`
	Extra     json.RawMessage `json:"extra,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		s.notFoundOr500(w, err)
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), id)
	if err != nil {
		s.notFoundOr500(w, err)
		return
	}
	if lim := r.URL.Query().Get("limit"); lim != "" {
		n, err := strconv.Atoi(lim)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n < len(msgs) {
			msgs = msgs[len(msgs)-n:]
		}
	}
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageResponse{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			EventType: m.EventType,
			SkillName: m.SkillName,
			Extra:     m.Extra,
			CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		s.notFoundOr500(w, err)
		return
	}
	if err := s.store.ClearMessages(r.Context(), id); err != nil {
		s.notFoundOr500(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	includeFollowing := r.URL.Query().Get("include_following") == "true"
	err := s.store.DeleteMessage(r.Context(),
		chi.URLParam(r, "id"), chi.URLParam(r, "mid"), includeFollowing)
	if err != nil {
		s.notFoundOr500(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- memories ---

type memoryRequest struct {
	Category  string     `json:"category"`
	Key       string     `json:"key"`
	Value     string     `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type memoryResponse struct {
	Category  string     `json:"category"`
	Key       string     `json:"key"`
	Value     string     `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func toMemoryResponse(e *store.MemoryEntry) memoryResponse {
	return memoryResponse{
		Category:  e.Category,
		Key:       e.Key,
		Value:     e.Value,
		ExpiresAt: e.ExpiresAt,
		CreatedAt: e.CreatedAt,
	}
}

func (s *Server) handlePutMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		s.notFoundOr500(w, err)
		return
	}
	var req memoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	entry, err := s.store.PutMemory(r.Context(), id, req.Category, req.Key, req.Value, req.ExpiresAt)
	if err != nil {
		s.notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMemoryResponse(entry))
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		s.notFoundOr500(w, err)
		return
	}
	entries, err := s.store.ListMemories(r.Context(), id)
	if err != nil {
		s.notFoundOr500(w, err)
		return
	}
	out := make([]memoryResponse, 0, len(entries))
	for i := range entries {
		out = append(out, toMemoryResponse(&entries[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	entry, err := s.store.GetMemory(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "key"))
	if err != nil {
		s.notFoundOr500(w, err)
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "memory not found")
		return
	}
	writeJSON(w, http.StatusOK, toMemoryResponse(entry))
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteMemory(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "key")); err != nil {
		s.notFoundOr500(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- skills ---

type skillResponse struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Executable   bool     `json:"executable"`
	RelatedTools []string `json:"related_tools,omitempty"`
	Requires     string   `json:"requires,omitempty"`
}

func toSkillResponse(m *skills.Manifest) skillResponse {
	return skillResponse{
		Name:         m.Name,
		Description:  m.Description,
		Executable:   m.Executable,
		RelatedTools: m.RelatedTools,
		Requires:     m.Requires,
	}
}

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Snapshot()
	out := make([]skillResponse, 0, snap.Len())
	for _, m := range snap.List() {
		out = append(out, toSkillResponse(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	m, err := s.registry.Snapshot().Get(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	resp := struct {
		skillResponse
		Body string `json:"body"`
	}{toSkillResponse(m), m.Body}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefreshSkills(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Refresh(); err != nil {
		writeError(w, http.StatusConflict, "%v", err)
		return
	}
	snap := s.registry.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"skills":   snap.Len(),
		"built_at": snap.BuiltAt,
	})
}
