// Package devserver is an in-memory implementation of the ChatSpace
// conversation API for local development and tests.
//
// It speaks the same JSON:API envelopes as the production service and runs an
// automated responder that answers every user message after a delay.
package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	mediaType       = "application/vnd.api+json"
	responderAuthor = "AI"
)

// Config configures a Server. The zero value accepts any non-empty
// credentials and replies immediately.
type Config struct {
	// Accounts maps usernames to passwords.
	Accounts map[string]string
	// OpenRegistration accepts unknown usernames with any non-empty password.
	OpenRegistration bool
	// ReplyDelay is how long the responder waits before answering.
	ReplyDelay time.Duration
	// Reply builds the responder's answer. Defaults to an echo.
	Reply  func(text string) string
	Logger *zap.Logger
}

// ============================================================================
// Wire types
// ============================================================================

type messageAttributes struct {
	Text   string `json:"text"`
	Author string `json:"author"`
}

type message struct {
	Type       string            `json:"type"`
	ID         string            `json:"id"`
	Attributes messageAttributes `json:"attributes"`
}

type conversationAttributes struct {
	Name     string    `json:"name"`
	Author   string    `json:"author"`
	Archived bool      `json:"archived"`
	Messages []message `json:"messages"`
}

type conversation struct {
	Type       string                 `json:"type"`
	ID         string                 `json:"id"`
	Attributes conversationAttributes `json:"attributes"`
}

func (c *conversation) clone() conversation {
	out := *c
	out.Attributes.Messages = append([]message{}, c.Attributes.Messages...)
	return out
}

type apiError struct {
	Status string `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// ============================================================================
// Server
// ============================================================================

// Server is an in-memory conversation service.
type Server struct {
	cfg    Config
	logger *zap.Logger
	router chi.Router

	mu            sync.Mutex
	accounts      map[string]string
	tokens        map[string]string // token -> username
	conversations map[string]*conversation
	order         []string
	failNext      map[string]int
	requests      int
	timers        map[*time.Timer]struct{}
	closed        bool
}

// New creates a server.
func New(cfg Config) *Server {
	s := &Server{
		cfg:           cfg,
		logger:        cfg.Logger,
		accounts:      make(map[string]string),
		tokens:        make(map[string]string),
		conversations: make(map[string]*conversation),
		failNext:      make(map[string]int),
		timers:        make(map[*time.Timer]struct{}),
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.cfg.Reply == nil {
		s.cfg.Reply = func(text string) string { return "You said: " + text }
	}
	if cfg.Accounts == nil {
		s.cfg.OpenRegistration = true
	}
	for u, p := range cfg.Accounts {
		s.accounts[u] = p
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(s.track)

	r.Post("/authenticate", s.authenticate)
	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/conversations", s.listConversations)
		r.Post("/conversations", s.createConversation)
		r.Get("/conversations/{id}", s.getConversation)
		r.Post("/conversations/{id}", s.sendMessage)
		r.Patch("/conversations/{id}", s.updateConversation)
		r.Delete("/conversations/{id}", s.deleteConversation)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// FailNext makes the next request with method fail with status.
func (s *Server) FailNext(method string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[strings.ToUpper(method)] = status
}

// Requests returns the number of requests received so far.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Close cancels pending automated replies.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[*time.Timer]struct{})
}

// ============================================================================
// Middleware
// ============================================================================

type contextKey struct{}

func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests++
		status, fail := s.failNext[r.Method]
		delete(s.failNext, r.Method)
		s.mu.Unlock()

		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("correlation_id", r.Header.Get("X-Correlation-ID")))

		if fail {
			writeError(w, status, "Injected failure", "failure requested by test")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		user, ok := s.tokens[token]
		s.mu.Unlock()
		if token == "" || !ok {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "missing or unknown token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r, user)))
	})
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Data struct {
			Attributes struct {
				Username string `json:"username"`
				Password string `json:"password"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	username := strings.TrimSpace(body.Data.Attributes.Username)
	password := body.Data.Attributes.Password
	if username == "" || password == "" {
		writeError(w, http.StatusUnprocessableEntity, "Invalid credentials", "username and password are required")
		return
	}

	s.mu.Lock()
	known, exists := s.accounts[username]
	switch {
	case exists && known != password:
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "Invalid credentials", "wrong username or password")
		return
	case !exists && !s.cfg.OpenRegistration:
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "Invalid credentials", "wrong username or password")
		return
	case !exists:
		s.accounts[username] = password
	}
	token := uuid.NewString()
	s.tokens[token] = username
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"meta": map[string]string{"token": token}})
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	s.mu.Lock()
	list := []conversation{}
	for _, id := range s.order {
		if c := s.conversations[id]; c.Attributes.Author == user {
			list = append(list, c.clone())
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"data": list})
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Data struct {
			Attributes struct {
				Name string `json:"name"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	name := strings.TrimSpace(body.Data.Attributes.Name)
	if name == "" {
		writeError(w, http.StatusUnprocessableEntity, "Invalid attribute", "name must not be blank")
		return
	}

	c := &conversation{
		Type: "conversations",
		ID:   uuid.NewString(),
		Attributes: conversationAttributes{
			Name:     name,
			Author:   userFrom(r),
			Messages: []message{},
		},
	}
	s.mu.Lock()
	s.conversations[c.ID] = c
	s.order = append(s.order, c.ID)
	out := c.clone()
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{"data": out})
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	c, ok := s.lookupLocked(r)
	var out conversation
	if ok {
		out = c.clone()
	}
	s.mu.Unlock()
	if !ok {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Data struct {
			Attributes struct {
				Text string `json:"text"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	text := strings.TrimSpace(body.Data.Attributes.Text)
	if text == "" {
		writeError(w, http.StatusUnprocessableEntity, "Invalid attribute", "text must not be blank")
		return
	}

	s.mu.Lock()
	c, ok := s.lookupLocked(r)
	if !ok {
		s.mu.Unlock()
		writeNotFound(w)
		return
	}
	msg := newMessage(text, userFrom(r))
	c.Attributes.Messages = append(c.Attributes.Messages, msg)
	s.scheduleReplyLocked(c.ID, text)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{"data": msg})
}

func (s *Server) updateConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Data struct {
			Attributes struct {
				Name     *string `json:"name"`
				Archived *bool   `json:"archived"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}

	s.mu.Lock()
	c, ok := s.lookupLocked(r)
	if !ok {
		s.mu.Unlock()
		writeNotFound(w)
		return
	}
	if n := body.Data.Attributes.Name; n != nil && strings.TrimSpace(*n) != "" {
		c.Attributes.Name = strings.TrimSpace(*n)
	}
	if a := body.Data.Attributes.Archived; a != nil {
		c.Attributes.Archived = *a
	}
	out := c.clone()
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	c, ok := s.lookupLocked(r)
	if ok {
		delete(s.conversations, c.ID)
		for i, id := range s.order {
			if id == c.ID {
				s.order = append(s.order[:i:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		writeNotFound(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Responder
// ============================================================================

func (s *Server) scheduleReplyLocked(conversationID, text string) {
	if s.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(s.cfg.ReplyDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.timers, t)
		c, ok := s.conversations[conversationID]
		if !ok || s.closed {
			return
		}
		c.Attributes.Messages = append(c.Attributes.Messages, newMessage(s.cfg.Reply(text), responderAuthor))
		s.logger.Debug("responder replied", zap.String("conversation_id", conversationID))
	})
	s.timers[t] = struct{}{}
}

// ============================================================================
// Helpers
// ============================================================================

func (s *Server) lookupLocked(r *http.Request) (*conversation, bool) {
	c, ok := s.conversations[chi.URLParam(r, "id")]
	if !ok || c.Attributes.Author != userFrom(r) {
		return nil, false
	}
	return c, true
}

func newMessage(text, author string) message {
	return message{
		Type:       "messages",
		ID:         uuid.NewString(),
		Attributes: messageAttributes{Text: text, Author: author},
	}
}

func withUser(r *http.Request, user string) context.Context {
	return context.WithValue(r.Context(), contextKey{}, user)
}

func userFrom(r *http.Request) string {
	user, _ := r.Context().Value(contextKey{}).(string)
	return user
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", mediaType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, title, detail string) {
	writeJSON(w, status, map[string]any{
		"errors": []apiError{{Status: http.StatusText(status), Title: title, Detail: detail}},
	})
}

func writeNotFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "Not Found", "conversation not found")
}
