// Package web is the transport boundary: it frames the engine's wire contract
// over websockets for live participation and exposes session management over
// HTTP. Everything except the health probe sits behind the credential gate.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/coderaid/internal/auth"
	"github.com/codefionn/coderaid/internal/config"
	"github.com/codefionn/coderaid/internal/logger"
	"github.com/codefionn/coderaid/internal/session"
)

// Server serves the HTTP API and websocket attach endpoint
type Server struct {
	addr       string
	cfg        *config.Config
	gate       *auth.Gate
	store      *session.Store
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer creates a web server over the given store and credential gate
func NewServer(cfg *config.Config, gate *auth.Gate, store *session.Store) *Server {
	return &Server{
		addr:  cfg.Addr(),
		cfg:   cfg,
		gate:  gate,
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Credential gate is the boundary, not the Origin header
				return true
			},
		},
	}
}

// Handler returns the routed HTTP handler
func (s *Server) Handler() http.Handler {
	router := httprouter.New()

	router.GET("/health", s.handleHealth)

	router.GET("/sessions", s.authenticated(s.handleSessionList))
	router.POST("/sessions", s.authenticated(s.handleSessionCreate))
	router.GET("/sessions/:id", s.authenticated(s.handleSessionGet))
	router.DELETE("/sessions/:id", s.authenticated(s.handleSessionDelete))

	router.GET("/ws", s.authenticated(s.handleWebSocket))

	return router
}

// Start starts the web server in the background
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("listening on %s", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts the HTTP server down gracefully
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// authenticated rejects requests whose API key fails the credential gate.
// The key travels in the X-Api-Key header, or in the key query parameter for
// websocket clients that cannot set headers.
type identityKey struct{}

func (s *Server) authenticated(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		key := r.Header.Get("X-Api-Key")
		if key == "" {
			key = r.URL.Query().Get("key")
		}

		identity, err := s.gate.Authenticate(key)
		if err != nil {
			logger.Warn("rejected %s %s from %s: %v", r.Method, r.URL.Path, r.RemoteAddr, err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)), ps)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.store.List())
}

type createRequest struct {
	ID      string `json:"id"`
	Content string `json:"content,omitempty"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sess, err := s.store.Create(req.ID, []byte(req.Content))
	switch {
	case errors.Is(err, session.ErrSessionExists):
		http.Error(w, "session already exists", http.StatusConflict)
		return
	case errors.Is(err, session.ErrContentTooLarge):
		http.Error(w, "initial content too large", http.StatusRequestEntityTooLarge)
		return
	case err != nil:
		logger.Error("failed to create session %s: %v", req.ID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]session.SessionInfo{req.ID: sess.Info()})
}

type sessionState struct {
	Seq     uint64 `json:"seq"`
	Content string `json:"content"`
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	rec, err := s.store.Peek(ps.ByName("id"))
	if errors.Is(err, session.ErrSessionNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Error("failed to read session %s: %v", ps.ByName("id"), err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, sessionState{Seq: rec.Seq, Content: string(rec.Content)})
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.store.Delete(ps.ByName("id")); err != nil {
		logger.Error("failed to delete session %s: %v", ps.ByName("id"), err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWebSocket upgrades the connection and starts the participant pumps.
// The credential was already checked; the session is chosen by the client's
// attach message.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed: %v", err)
		return
	}

	identity, _ := r.Context().Value(identityKey{}).(auth.Identity)
	client := NewClient(conn, s.store, identity, s.cfg.SendQueueSize)
	logger.Debug("websocket connection %s from %s", client.ID(), r.RemoteAddr)

	go client.WritePump()
	client.ReadPump()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response: %v", err)
	}
}
