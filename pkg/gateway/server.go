package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/hakim/helmsman/internal/observability"
	"github.com/hakim/helmsman/pkg/orchestrator"
)

const defaultWriteDeadline = 10 * time.Second

// Config holds gateway server configuration.
type Config struct {
	Port              int
	SharedSecret      string
	RequestsPerMinute int
	Orchestrator      *orchestrator.Orchestrator
	Logger            zerolog.Logger
}

// Server serves the WebSocket RPC endpoint and relays orchestrator events
// to authenticated clients.
type Server struct {
	port              int
	requestsPerMinute int
	orch              *orchestrator.Orchestrator
	clients           *clientRegistry
	router            *Router
	auth              *Authenticator
	broadcaster       *eventBroadcaster
	upgrader          websocket.Upgrader
	httpServer        *http.Server
	unsubscribe       func()
	logger            zerolog.Logger
}

// NewServer creates a gateway server bound to the orchestrator.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}

	clients := newClientRegistry()
	s := &Server{
		port:              cfg.Port,
		requestsPerMinute: cfg.RequestsPerMinute,
		orch:              cfg.Orchestrator,
		clients:           clients,
		router:            NewRouter(),
		auth:              NewAuthenticator(cfg.SharedSecret),
		broadcaster:       newEventBroadcaster(clients, cfg.Logger),
		logger:            cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if err := s.registerMethods(); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	events, cancel := s.orch.Events().Subscribe()
	s.unsubscribe = cancel
	go s.broadcaster.pump(events)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Int("port", s.port).Msg("Gateway server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains the event pump.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	id, err := gonanoid.New()
	if err != nil {
		conn.Close()
		return
	}

	client := &Client{
		ID:            id,
		Conn:          conn,
		State:         StateAuthenticating,
		ConnectedAt:   time.Now(),
		LastActivity:  time.Now(),
		IPAddress:     r.RemoteAddr,
		RateLimiter:   NewRateLimiter(s.requestsPerMinute),
		writeDeadline: defaultWriteDeadline,
	}
	s.clients.add(client)
	defer func() {
		s.clients.remove(client.ID)
		conn.Close()
	}()

	challenge, err := s.auth.NewChallenge()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to create auth challenge")
		return
	}
	client.Challenge = challenge
	if err := client.Send(AuthChallenge{Event: "auth.challenge", Challenge: challenge}); err != nil {
		return
	}

	s.logger.Debug().Str("client_id", client.ID).Str("remote", client.IPAddress).
		Msg("Client connected")

	s.readLoop(client)
}

func (s *Server) readLoop(client *Client) {
	for {
		_, data, err := client.Conn.ReadMessage()
		if err != nil {
			s.logger.Debug().Str("client_id", client.ID).Err(err).Msg("Client disconnected")
			return
		}
		s.clients.touch(client.ID)

		if !client.Authenticated() {
			if !s.handleAuthFrame(client, data) {
				return
			}
			continue
		}

		s.handleRPCFrame(client, data)
	}
}

// handleAuthFrame processes one message from an unauthenticated client. It
// returns false when the connection should be closed.
func (s *Server) handleAuthFrame(client *Client, data []byte) bool {
	var resp AuthResponse
	if err := json.Unmarshal(data, &resp); err != nil || resp.Method != "auth.response" {
		_ = client.Send(AuthResult{Event: "auth.failure", Message: "expected auth.response"})
		return false
	}

	result, keep := s.auth.Handle(client, resp.Signature)
	_ = client.Send(result)
	if result.Success {
		s.logger.Info().Str("client_id", client.ID).Msg("Client authenticated")
	}
	return keep
}

func (s *Server) handleRPCFrame(client *Client, data []byte) {
	req, err := s.router.Parse(data)
	if err != nil {
		rpcErr, ok := err.(*RPCError)
		if !ok {
			rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
		}
		_ = client.Send(RPCResponse{JSONRPC: "2.0", Error: rpcErr})
		return
	}

	if !client.RateLimiter.Allow() {
		_ = client.Send(RPCResponse{
			ID:      req.ID,
			JSONRPC: "2.0",
			Error:   &RPCError{Code: RateLimitExceeded, Message: "Rate limit exceeded"},
		})
		return
	}

	resp := s.router.Dispatch(req)
	if err := client.Send(resp); err != nil {
		s.logger.Warn().Str("client_id", client.ID).Err(err).Msg("Failed to send RPC response")
	}
}
