// Package server implements the development push relay: a websocket server
// that fans frames out to the sessions of a conversation.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/chatsync/internal/chat"
	wstransport "github.com/omochice/chatsync/internal/transport/ws"
	"github.com/omochice/chatsync/pkg/logger"
	"github.com/omochice/chatsync/pkg/metrics"
)

const (
	outgoingBuffer = 64
	writeTimeout   = 5 * time.Second
)

// ErrServerStopped is returned by Start after Stop.
var ErrServerStopped = errors.New("server stopped")

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Server is the relay.
type Server struct {
	address string
	hub     *chat.Hub
	log     *logger.Logger

	accepted atomic.Int64

	mu       sync.RWMutex
	listener net.Listener
	server   *http.Server
	ready    chan struct{}
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a relay listening on address once started.
func New(address string, opts ...Option) *Server {
	s := &Server{
		address: address,
		hub:     chat.NewHub(),
		ready:   make(chan struct{}),
		quit:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.L()
	}
	s.log = s.log.Named("relay")
	return s
}

// Handler returns the relay's HTTP handler. Websocket upgrades are served
// on /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Start listens and serves until Stop is called.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	srv := s.server
	s.mu.Unlock()
	close(s.ready)

	s.log.Info("Relay started", zap.String("addr", listener.Addr().String()))

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("failed to serve: %w", err)
	case <-s.quit:
		return ErrServerStopped
	}
}

// Ready is closed once Start is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Stop closes the listener and every session, and waits for the session
// goroutines to exit.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)

		s.mu.RLock()
		srv := s.server
		s.mu.RUnlock()
		if srv != nil {
			_ = srv.Close()
		}

		s.DropAll()
		s.wg.Wait()
		s.log.Info("Relay stopped")
	})
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of connected sessions.
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

// OnlineUsers returns the identified users.
func (s *Server) OnlineUsers() []string {
	return s.hub.OnlineUsers()
}

// Accepted returns the number of sessions accepted since start.
func (s *Server) Accepted() int64 {
	return s.accepted.Load()
}

// RoomSize returns the number of sessions joined to a conversation.
func (s *Server) RoomSize(conversationID string) int {
	return s.hub.RoomSize(conversationID)
}

// DropAll closes every session's connection.
func (s *Server) DropAll() {
	for _, session := range s.hub.Sessions() {
		_ = session.Conn.Close()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.quit:
		http.Error(w, "server stopped", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := wstransport.Accept(w, r)
	if err != nil {
		s.log.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	session := chat.NewSession(conn, outgoingBuffer)
	s.hub.Register(session)
	s.accepted.Add(1)
	metrics.RelaySessions.Inc()

	s.wg.Add(1)
	go s.handleSession(session)
}

// handleSession runs the read loop of one session and cleans up after it.
func (s *Server) handleSession(session *chat.Session) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, session)
	}()

	defer func() {
		userID, wentOffline := s.hub.Unregister(session)
		close(session.Outgoing)
		<-writerDone
		cancel()
		_ = session.Conn.Close()
		metrics.RelaySessions.Dec()

		if wentOffline {
			s.log.Info("User offline", zap.String("user_id", userID))
			s.announcePresence(userID, false, nil)
		}
	}()

	for {
		data, err := session.Conn.Read(ctx)
		if err != nil {
			s.log.Debug("Session closed", zap.String("remote", session.Conn.RemoteAddr()), zap.Error(err))
			return
		}
		s.handleFrame(session, data)
	}
}

func (s *Server) writeLoop(ctx context.Context, session *chat.Session) {
	for data := range session.Outgoing {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := session.Conn.Write(wctx, data)
		cancel()
		if err != nil {
			s.log.Debug("Failed to send frame", zap.String("remote", session.Conn.RemoteAddr()), zap.Error(err))
			_ = session.Conn.Close()
			return
		}
	}
}
