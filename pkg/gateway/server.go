package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/harun/plugd/internal/tracing"
	"github.com/harun/plugd/pkg/audit"
	"github.com/harun/plugd/pkg/plugin"
)

// maxRequestBytes bounds an HTTP RPC body
const maxRequestBytes = 1 << 20

// DefaultActor is used when a request names no actor
const DefaultActor = "admin"

// History looks up persisted activity older than the auditor's buffer.
type History interface {
	RecentActivity(ctx context.Context, q audit.Query) ([]audit.Record, error)
}

// RequestObserver counts routed RPC requests.
type RequestObserver interface {
	ObserveGatewayRequest(method string, err error)
}

// Config holds server configuration
type Config struct {
	Addr         string
	SharedSecret string
	Orchestrator *plugin.Orchestrator
	Auditor      *audit.Auditor
	History      History
	Health       http.Handler
	Metrics      http.Handler
	Observer     RequestObserver
	Logger       zerolog.Logger
}

// Server is the administrative surface of the runtime: JSON-RPC over HTTP
// and websocket, and a websocket activity feed.
type Server struct {
	addr         string
	orchestrator *plugin.Orchestrator
	auditor      *audit.Auditor
	history      History
	health       http.Handler
	metrics      http.Handler
	observer     RequestObserver
	server       *http.Server
	listener     net.Listener
	upgrader     websocket.Upgrader
	clients      *ClientRegistry
	router       *RPCRouter
	auth         *AuthHandler
	feed         *ActivityFeed
	limiters     cmap.ConcurrentMap[string, *ClientRateLimiter]
	logger       zerolog.Logger

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlightReqs   sync.WaitGroup
	feedCancel     context.CancelFunc
	feedDone       chan struct{}
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if cfg.Auditor == nil {
		return nil, fmt.Errorf("auditor is required")
	}

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()

	s := &Server{
		addr:         cfg.Addr,
		orchestrator: cfg.Orchestrator,
		auditor:      cfg.Auditor,
		history:      cfg.History,
		health:       cfg.Health,
		metrics:      cfg.Metrics,
		observer:     cfg.Observer,
		clients:      clients,
		router:       NewRPCRouter(),
		auth:         NewAuthHandler(cfg.SharedSecret),
		feed:         NewActivityFeed(clients, cfg.Logger),
		limiters:     cmap.New[*ClientRateLimiter](),
		logger:       logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.registerBuiltinMethods()
	return s, nil
}

func (s *Server) route(ctx context.Context, req *RPCRequest) *RPCResponse {
	resp := s.router.RouteRequest(ctx, req)
	if s.observer != nil {
		var err error
		if resp.Error != nil {
			err = resp.Error
		}
		s.observer.ObserveGatewayRequest(req.Method, err)
	}
	return resp
}

// Handler returns the HTTP routes of the gateway
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/ws", s.handleWebSocket)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	if s.health != nil {
		mux.Handle("/live", s.health)
		mux.Handle("/ready", s.health)
	}
	return mux
}

// Start listens on the configured address and starts the activity feed
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.StartFeed()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// StartFeed subscribes the activity feed to the auditor
func (s *Server) StartFeed() {
	if s.feedCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	records, unsubscribe := s.auditor.Subscribe(256)
	s.feedCancel = func() {
		cancel()
		unsubscribe()
	}
	s.feedDone = make(chan struct{})
	go func() {
		defer close(s.feedDone)
		s.feed.Run(ctx, records)
	}()
}

// Stop drains in-flight requests, closes feed clients and shuts the
// listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway")
	s.feed.Notice("server.shutdown", map[string]any{"message": "Server is shutting down"})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown deadline reached with requests in flight")
	}

	if s.feedCancel != nil {
		s.feedCancel()
		<-s.feedDone
	}
	for _, client := range s.clients.All() {
		client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("Gateway stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// handleRPC handles single-shot HTTP JSON-RPC requests
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.auth.CheckSecret(r.Header.Get(SecretHeader)) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	req, err := s.router.ParseRequest(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: "2.0", Error: toRPCError(err)})
		return
	}

	actor := r.Header.Get(ActorHeader)
	if actor == "" {
		actor = DefaultActor
	}
	limiter := s.limiter("http:" + actor)
	if code, reason, ok := limiter.Acquire(); !ok {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(RPCResponse{ID: req.ID, JSONRPC: "2.0", Error: &RPCError{Code: code, Message: reason}})
		return
	}
	defer limiter.Release()

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithTraceID(r.Context(), traceID)
	ctx = tracing.WithRequestID(ctx, req.ID)
	ctx = tracing.WithActor(ctx, actor)

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Str("method", req.Method).Msg("Gateway received RPC request")

	s.inFlightReqs.Add(1)
	resp := s.route(ctx, req)
	s.inFlightReqs.Done()

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

func (s *Server) limiter(key string) *ClientRateLimiter {
	s.limiters.SetIfAbsent(key, NewClientRateLimiter())
	l, _ := s.limiters.Get(key)
	return l
}

// handleWebSocket upgrades a feed connection and starts its handshake
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiter(),
		State:        StateConnecting,
	}
	s.clients.Add(client)

	s.logger.Info().Str("clientId", clientID).Str("ip", r.RemoteAddr).Msg("Client connected")

	if err := s.sendAuthChallenge(client); err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send auth challenge")
		conn.Close()
		s.clients.Remove(clientID)
		return
	}

	go s.handleClient(client)
}

func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.auth.GenerateChallenge()
	if err != nil {
		return err
	}
	client.Challenge = challenge
	client.State = StateAuthenticating
	return client.WriteJSON(AuthChallenge{Event: "auth.challenge", Challenge: challenge})
}

func (s *Server) handleClient(client *Client) {
	defer func() {
		client.Conn.Close()
		client.State = StateDisconnected
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}
		s.clients.Touch(client.ID)
		if !s.handleMessage(client, message) {
			return
		}
	}
}

// handleMessage processes one frame. It returns false when the connection
// should close.
func (s *Server) handleMessage(client *Client, message []byte) bool {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		result := s.auth.HandleAuthResponse(client, authResp)
		if err := client.WriteJSON(result); err != nil {
			s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
			return false
		}
		if !result.Success {
			s.logger.Warn().Str("clientId", client.ID).Str("reason", result.Message).Msg("Authentication failed")
			return client.AuthAttempts < maxAuthAttempts
		}
		s.clients.Subscribe(client.ID, client.Filter)
		s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
		return true
	}

	if !client.Authenticated {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return true
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		rpcErr := toRPCError(err)
		s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		return true
	}

	code, reason, ok := client.RateLimiter.Acquire()
	if !ok {
		s.sendError(client, req.ID, code, reason)
		return true
	}

	actor := client.Actor
	if actor == "" {
		actor = DefaultActor
	}
	ctx := tracing.NewRequestContext(context.Background())
	ctx = tracing.WithRequestID(ctx, req.ID)
	ctx = tracing.WithActor(ctx, actor)

	s.inFlightReqs.Add(1)
	go func() {
		defer s.inFlightReqs.Done()
		defer client.RateLimiter.Release()

		response := s.route(ctx, req)
		if err := client.WriteJSON(response); err != nil {
			s.logger.Error().Err(err).Str("clientId", client.ID).Str("requestId", req.ID).Msg("Failed to send response")
		}
	}()
	return true
}

func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	response := RPCResponse{
		ID:      requestID,
		JSONRPC: "2.0",
		Error:   &RPCError{Code: code, Message: message},
	}
	if err := client.WriteJSON(response); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send error response")
	}
}

// RegisterMethod registers an additional RPC method
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// Methods lists the registered RPC methods
func (s *Server) Methods() []string {
	return s.router.GetMethods()
}

// Clients describes connected feed clients
func (s *Server) Clients() []ClientInfo {
	return s.clients.Info()
}

// Notice broadcasts an operator notice, such as an activity anomaly, to every
// authenticated websocket client.
func (s *Server) Notice(event string, data any) {
	s.feed.Notice(event, data)
}
