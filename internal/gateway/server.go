// Package gateway is the HTTP ingress: Meta webhook verification and
// delivery, a health endpoint, and a WebSocket event feed for dashboard
// clients.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/leadflow/internal/bus"
	"github.com/nextlevelbuilder/leadflow/internal/platform"
)

// maxWebhookBody bounds the request body read from Meta.
const maxWebhookBody = 1 << 20

// Config for the gateway server.
type Config struct {
	Host         string
	Port         int
	VerifyToken  string // webhook subscription handshake
	AppSecret    string // payload signature check; empty disables
	RateLimitRPM int    // per source IP; 0 disables
}

// Server accepts webhook deliveries and pushes them onto the event
// router. The handler acknowledges within the platform's delivery
// deadline; all real work happens downstream of the router.
type Server struct {
	cfg         Config
	router      bus.EventRouter
	events      bus.EventPublisher
	upgrader    websocket.Upgrader
	rateLimiter *WebhookRateLimiter

	mu      sync.Mutex
	clients map[string]*websocket.Conn

	httpServer *http.Server
}

func NewServer(cfg Config, router bus.EventRouter, events bus.EventPublisher) *Server {
	s := &Server{
		cfg:         cfg,
		router:      router,
		events:      events,
		rateLimiter: NewWebhookRateLimiter(cfg.RateLimitRPM, 5),
		clients:     make(map[string]*websocket.Conn),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.buildMux()
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.events != nil {
		s.events.Subscribe("gateway-ws", s.fanOut)
		defer s.events.Unsubscribe("gateway-ws")
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway: listening", "addr", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /webhook", s.handleVerify)
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

// handleVerify answers the platform's subscription handshake.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == s.cfg.VerifyToken {
		w.Write([]byte(q.Get("hub.challenge")))
		return
	}
	slog.Warn("gateway: webhook verification rejected", "mode", q.Get("hub.mode"))
	http.Error(w, "verification failed", http.StatusForbidden)
}

// handleWebhook validates, parses, and enqueues a delivery, then
// acknowledges immediately. Parse failures still return 200 so the
// platform does not retry a payload we can never handle.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.rateLimiter.Allow(clientIP(r)) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}

	if !platform.VerifySignature(body, r.Header.Get("X-Hub-Signature-256"), s.cfg.AppSecret) {
		slog.Warn("gateway: webhook signature mismatch", "remote", clientIP(r))
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	events, err := platform.ParseWebhook(body)
	if err != nil {
		slog.Warn("gateway: unparsable webhook dropped", "error", err)
		w.Write([]byte("EVENT_RECEIVED"))
		return
	}
	for _, ev := range events {
		s.router.PublishInbound(ev)
	}
	w.Write([]byte("EVENT_RECEIVED"))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleWS upgrades a dashboard client and streams broadcast events.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: websocket upgrade failed", "error", err)
		return
	}
	id := uuid.NewString()

	s.mu.Lock()
	s.clients[id] = conn
	s.mu.Unlock()
	slog.Info("gateway: dashboard client connected", "id", id)

	// Reader loop only detects disconnect; clients never send.
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.clients, id)
			s.mu.Unlock()
			conn.Close()
			slog.Info("gateway: dashboard client disconnected", "id", id)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// fanOut pushes one broadcast event to every connected client.
func (s *Server) fanOut(ev bus.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, conn := range s.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			conn.Close()
			delete(s.clients, id)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
