// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/absmach/mombroker/protocol"
	"github.com/absmach/mombroker/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Handler serves one client connection until it ends.
type Handler interface {
	HandleConnection(ctx context.Context, conn session.Conn)
}

type Config struct {
	Address         string
	Path            string
	AllowedOrigins  []string
	MaxFrameSize    int
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server carries the text protocol over WebSocket. Every text or binary
// message is one command frame; every reply is one text message.
type Server struct {
	config   Config
	handler  Handler
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	connCtx    context.Context
	connCancel context.CancelFunc
	wg         sync.WaitGroup
}

func New(cfg Config, h Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	s := &Server{
		config:     cfg,
		handler:    h,
		logger:     logger,
		connCtx:    connCtx,
		connCancel: connCancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(cfg.AllowedOrigins),
		},
	}

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler that upgrades requests on the configured path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleWebSocket)
	return mux
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket_server_starting",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.connCancel()
		return err
	case <-ctx.Done():
		s.logger.Info("websocket_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		err := s.server.Shutdown(shutdownCtx)
		// Upgraded connections are hijacked and not tracked by http.Server.
		s.connCancel()
		s.wg.Wait()
		if err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.connCtx.Err() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}
	ws.SetReadLimit(int64(s.config.MaxFrameSize))

	s.logger.Debug("websocket_connection_accepted", slog.String("remote_addr", r.RemoteAddr))

	s.wg.Add(1)
	defer s.wg.Done()

	conn := newWSConnection(ws, r.RemoteAddr, s.config.WriteTimeout)
	s.handler.HandleConnection(s.connCtx, conn)
}

// originChecker allows same-origin requests and any origin in allowed.
// "*" allows every origin.
func originChecker(allowed []string) func(*http.Request) bool {
	if slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || slices.Contains(allowed, origin) {
			return true
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
}

// wsConnection implements session.Conn for WebSocket transport.
type wsConnection struct {
	id           string
	ws           *websocket.Conn
	remoteAddr   string
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

var _ session.Conn = (*wsConnection)(nil)

func newWSConnection(ws *websocket.Conn, remoteAddr string, writeTimeout time.Duration) *wsConnection {
	return &wsConnection{
		id:           uuid.NewString(),
		ws:           ws,
		remoteAddr:   remoteAddr,
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

func (c *wsConnection) ID() string { return c.id }

func (c *wsConnection) ReadFrame() (string, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				return "", protocol.ErrFrameTooLarge
			}
			return "", err
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return string(data), nil
		}
	}
}

func (c *wsConnection) Send(reply string) error {
	select {
	case <-c.closed:
		return session.ErrConnClosed
	default:
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(reply))
}

func (c *wsConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		c.wmu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()

		err = c.ws.Close()
	})
	return err
}

func (c *wsConnection) RemoteAddr() net.Addr {
	return &wsAddr{addr: c.remoteAddr}
}

// wsAddr implements net.Addr for WebSocket connections.
type wsAddr struct {
	addr string
}

func (a *wsAddr) Network() string {
	return "websocket"
}

func (a *wsAddr) String() string {
	return a.addr
}
