package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-lens/backend/internal/config"
	"github.com/agent-lens/backend/internal/hooks"
	"github.com/agent-lens/backend/internal/registry"
)

const maxHookBody = 1 << 20

// Server owns the HTTP surface: the WebSocket upgrade, hook ingestion,
// and the read-only JSON endpoints.
type Server struct {
	cfg        *config.Config
	reg        *registry.Registry
	hub        *Hub
	dispatcher *hooks.Dispatcher
}

func NewServer(cfg *config.Config, reg *registry.Registry, hub *Hub, dispatcher *hooks.Dispatcher) *Server {
	return &Server{
		cfg:        cfg,
		reg:        reg,
		hub:        hub,
		dispatcher: dispatcher,
	}
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/hook", s.handleHook)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/healthz", s.handleHealthz)
}

// Serve runs the HTTP server until the context is cancelled, then
// drains connections for up to five seconds.
func (s *Server) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[server] listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	log.Printf("[ws] client connected: %s", r.RemoteAddr)
	c := s.hub.AddClient(conn)

	go func() {
		defer func() {
			s.hub.RemoveClient(c)
			log.Printf("[ws] client disconnected: %s", r.RemoteAddr)
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cm clientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				continue
			}
			if cm.Type != MsgSelectSession {
				continue
			}
			var sel SelectSessionData
			if err := json.Unmarshal(cm.Data, &sel); err != nil || sel.SessionID == "" {
				continue
			}
			s.hub.SelectSession(c, sel.SessionID)
		}
	}()
}

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var ev hooks.Event
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxHookBody)).Decode(&ev); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	if err := s.dispatcher.Dispatch(&ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true}`))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.hub.sessionEntries(s.reg.SelectedSession()))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sid := r.URL.Query().Get("session")
	if sid == "" {
		sid = s.reg.SelectedSession()
	}
	sess, ok := s.reg.Session(sid)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	payload := FullStateData{
		Session:  sess,
		Agents:   s.reg.AgentsForSession(sid),
		Messages: s.reg.Messages(),
	}
	if sess.IsTeam {
		payload.Tasks = s.reg.Tasks()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true}`))
}

// authorize checks the configured token. Valid presentations are a
// ?token= query parameter and an Authorization bearer header. With no
// token configured all requests pass.
func (s *Server) authorize(r *http.Request) bool {
	token := s.cfg.Server.AuthToken
	if token == "" {
		return true
	}

	if r.URL.Query().Get("token") == token {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == token {
		return true
	}

	return false
}

// checkOrigin accepts same-host and localhost origins. Browser-less
// clients send no Origin header and pass.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}

	host := parsed.Host
	if host == r.Host {
		return true
	}
	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}
