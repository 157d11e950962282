package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/security"
)

const (
	defaultPath         = "/ws"
	defaultSendBuffer   = 256
	defaultReadTimeout  = 60 * time.Second
	defaultWriteWait    = 10 * time.Second
	defaultPingInterval = defaultReadTimeout * 9 / 10
	defaultReadLimit    = 1 << 20
)

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
// Use this to implement CORS policies for your WebSocket server.
type CheckOriginFn = func(r *http.Request) bool

// Handshake is what the upgrade request told us about the client.
type Handshake struct {
	Credentials security.Credentials
	RemoteIP    string
}

// OnConnectFn is called after the WebSocket handshake completes and before
// the read loop starts. Returning false means the client was refused and
// has already been closed.
//
// Note: This function is called synchronously during connection setup.
// Avoid long-running operations that could block new connections.
type OnConnectFn = func(ctx context.Context, client *Client, hs Handshake) bool

// OnMessageFn receives every text frame in arrival order.
type OnMessageFn = func(ctx context.Context, client *Client, data []byte)

// OnClientDisconnectFn is called once when the read loop ends, whoever
// closed the link.
type OnClientDisconnectFn = func(ctx context.Context, client *Client)

type ServerConfig struct {
	Addr            string
	Path            string
	RateLimitConfig *RateLimitConfig
	CheckOrigin     CheckOriginFn
	// ReadTimeout is how long a connection may stay silent.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	SendBuffer   int
	Logger       *zap.Logger

	OnConnect          OnConnectFn
	OnMessage          OnMessageFn
	OnClientDisconnect OnClientDisconnectFn
}

// RateLimitConfig defines rate limiting configuration for clients
type RateLimitConfig struct {
	// MessagesPerSecond defines how many messages a client can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// Server accepts websocket links and feeds their frames to the callbacks.
type Server struct {
	addr    string
	path    string
	server  *http.Server
	mux     *http.ServeMux
	clients sync.Map // map[string]*Client
	wg      sync.WaitGroup

	rateLimitConfig *RateLimitConfig
	readTimeout     time.Duration
	writeTimeout    time.Duration
	readLimit       int64
	sendBuffer      int
	log             *zap.Logger

	mu           sync.RWMutex
	running      bool
	upgrader     websocket.Upgrader
	onConnect    OnConnectFn
	onMessage    OnMessageFn
	onDisconnect OnClientDisconnectFn
}

// New creates a websocket server. A nil RateLimitConfig uses
// DefaultRateLimitConfig; zero durations and sizes use the defaults.
//
// Example:
//
//	server := New(&ServerConfig{
//	    Addr:        ":8080",
//	    CheckOrigin: func(r *http.Request) bool { return true },
//	    OnMessage: func(ctx context.Context, client *Client, data []byte) {
//	        log.Printf("frame from %s", client.ID())
//	    },
//	})
func New(cfg *ServerConfig) *Server {
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = DefaultRateLimitConfig()
	}
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteWait
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{
		addr:            cfg.Addr,
		path:            cfg.Path,
		mux:             http.NewServeMux(),
		rateLimitConfig: cfg.RateLimitConfig,
		readTimeout:     cfg.ReadTimeout,
		writeTimeout:    cfg.WriteTimeout,
		readLimit:       cfg.ReadLimit,
		sendBuffer:      cfg.SendBuffer,
		log:             log.With(zap.String("component", "websocket")),
		onConnect:       cfg.OnConnect,
		onMessage:       cfg.OnMessage,
		onDisconnect:    cfg.OnClientDisconnect,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
	s.mux.Handle(s.path, s)
	return s
}

// Handle registers an extra HTTP handler next to the websocket endpoint.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Handler returns the HTTP handler serving every registered route.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the WebSocket server
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return kephasgate.ErrAlreadyRunning
	}
	s.running = true
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Check for immediate startup errors with a small timeout
	select {
	case err := <-errChan:
		// Reset running state without calling Stop to avoid deadlock
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("websocket listen on %s: %w", s.addr, err)
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		s.log.Info("websocket server listening", zap.String("addr", s.addr), zap.String("path", s.path))
		return nil
	}
}

// Stop stops accepting links, closes every client and waits for their read
// loops to finish.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.server
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	s.clients.Range(func(key, value interface{}) bool {
		if client, ok := value.(*Client); ok {
			client.CloseWithCode(ctx, websocket.CloseGoingAway, "shutdown")
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// ServeHTTP upgrades the request and starts the client's read loop.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hs := handshake(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.Debug("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	conn.SetReadLimit(s.readLimit)

	client := NewClient(conn, r.RemoteAddr, clientConfig{
		rateLimit:    s.rateLimitConfig,
		sendBuffer:   s.sendBuffer,
		pingInterval: s.readTimeout * 9 / 10,
		writeWait:    s.writeTimeout,
	})
	s.clients.Store(client.ID(), client)

	s.wg.Add(1)
	go s.handleClient(client, hs)
}

// handleClient runs the client's read loop.
func (s *Server) handleClient(client *Client, hs Handshake) {
	defer s.wg.Done()
	defer func() {
		if s.onDisconnect != nil {
			s.onDisconnect(context.Background(), client)
		}
		s.clients.Delete(client.ID())
		client.Close(context.Background())
	}()

	// Set read deadline to prevent indefinite blocking
	client.conn.SetReadDeadline(time.Now().Add(s.readTimeout))

	// Set pong handler to reset read deadline on pong
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	if s.onConnect != nil && !s.onConnect(client.Context(), client, hs) {
		return
	}

	for {
		msgType, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Debug("unexpected websocket close", zap.String("transport_id", client.ID()), zap.Error(err))
			}
			return
		}

		// Reset read deadline after successful read
		client.conn.SetReadDeadline(time.Now().Add(s.readTimeout))

		if !client.CheckRateLimit() {
			s.log.Warn("frame rate exceeded",
				zap.String("transport_id", client.ID()),
				zap.String("remote_addr", client.RemoteAddr()))
			client.CloseWithCode(context.Background(), websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if msgType != websocket.TextMessage {
			continue
		}
		if s.onMessage != nil {
			s.onMessage(client.Context(), client, data)
		}
	}
}

// GetClient returns a client by ID
func (s *Server) GetClient(id string) (*Client, bool) {
	if client, ok := s.clients.Load(id); ok {
		return client.(*Client), true
	}
	return nil, false
}

// ClientCount returns the number of open links.
func (s *Server) ClientCount() int {
	n := 0
	s.clients.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// handshake reads credentials and the client address from the upgrade
// request.
func handshake(r *http.Request) Handshake {
	q := r.URL.Query()

	token := q.Get("token")
	if auth := r.Header.Get("Authorization"); auth != "" {
		if t, ok := strings.CutPrefix(auth, "Bearer "); ok {
			token = strings.TrimSpace(t)
		}
	}

	device := r.Header.Get("X-Device-Id")
	if device == "" {
		device = q.Get("device_id")
	}

	session := r.Header.Get("X-Session-Id")
	if session == "" {
		session = q.Get("session_id")
	}

	return Handshake{
		Credentials: security.Credentials{
			Token:     token,
			DeviceID:  device,
			SessionID: session,
		},
		RemoteIP: clientIP(r),
	}
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-Ip, then the
// socket address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-Ip")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
