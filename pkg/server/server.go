// Package server implements the linechat server: a TCP (and WebSocket)
// listener speaking newline-delimited JSON frames, a session registry, a
// command dispatcher, report/ban moderation, and delayed-message scheduling.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/linechat/linechat/pkg/database"
	"github.com/linechat/linechat/pkg/protocol"
)

// Server owns all shared state and the listeners. Components are constructed
// once in NewServer and injected into each other; nothing is package-global,
// so tests can run isolated instances side by side.
type Server struct {
	config Config
	logger *slog.Logger

	sessions   *SessionManager
	moderator  *Moderator
	scheduler  *Scheduler
	history    *database.HistoryStore
	dispatcher *Dispatcher
	metrics    *Metrics

	listener   net.Listener
	httpServer *http.Server

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewServer wires a server instance from configuration. No sockets are opened
// until Start.
func NewServer(config Config, logger *slog.Logger) (*Server, error) {
	history, err := database.OpenHistory(
		config.Messages.HistoryLimit,
		config.MessageTTL(),
		config.CleanupInterval(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	metrics := NewMetrics()
	sessions := NewSessionManager(config.Messages.GuestNameAttempts, metrics)

	s := &Server{
		config:    config,
		logger:    logger,
		sessions:  sessions,
		moderator: NewModerator(config.Moderation.ReportThreshold, config.BanDuration(), logger, metrics),
		scheduler: NewScheduler(sessions, history, logger, metrics),
		history:   history,
		metrics:   metrics,
		shutdown:  make(chan struct{}),
	}
	s.dispatcher = s.buildDispatcher()
	return s, nil
}

// Start opens the TCP listener (and the HTTP listener for /metrics and /ws
// when configured) and begins accepting connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.TCPAddr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.TCPAddr(), err)
	}
	s.listener = listener
	s.logger.Info("server listening", "addr", listener.Addr().String())

	if s.config.Server.HTTPPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		mux.HandleFunc("/ws", s.HandleWebSocket)
		s.httpServer = &http.Server{Addr: s.config.HTTPAddr(), Handler: mux}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("http listening", "addr", s.config.HTTPAddr())
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("http server error", "error", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound chat listener address, for tests using port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down: stop accepting, tell connected clients, cancel
// all timers, close sessions, and flush the history store.
func (s *Server) Stop() error {
	s.logger.Info("shutting down")
	close(s.shutdown)

	// Close only; acceptLoop still reads these fields until it observes the
	// closed listener, so nothing may write them here.
	if s.listener != nil {
		s.listener.Close()
	}
	if s.httpServer != nil {
		s.httpServer.Close()
	}

	s.notifyShutdown()
	s.scheduler.Stop()
	s.moderator.Stop()
	s.sessions.CloseAll()
	s.wg.Wait()

	if err := s.history.Close(); err != nil {
		return fmt.Errorf("failed to close history store: %w", err)
	}
	s.logger.Info("shutdown complete")
	return nil
}

// notifyShutdown sends a farewell to every connected client, best effort.
func (s *Server) notifyShutdown() {
	for _, sess := range s.sessions.All() {
		update := protocol.OK(sess.Username(), "[SERVER] Server is shutting down.")
		if err := sess.SendUpdate(update); err != nil {
			continue
		}
	}
}

// acceptLoop accepts TCP connections until the listener closes.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				s.logger.Error("accept error", "error", err)
				continue
			}
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleTransport(NewSafeConn(conn))
		}()
	}
}

// handleTransport owns one session for its whole lifetime: create it, greet
// it, run the request loop, and tear it down. Shared between the TCP and
// WebSocket transports.
func (s *Server) handleTransport(conn Conn) {
	sess, err := s.sessions.Create(conn)
	if err != nil {
		s.logger.Error("failed to create session", "remote", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}
	s.logger.Info("new connection", "session", sess.ID, "username", sess.Username(), "remote", conn.RemoteAddr())

	defer s.teardown(sess)

	welcome := fmt.Sprintf("[SERVER] Welcome! Your username is %q.", sess.Username())
	if err := sess.SendUpdate(protocol.OK(sess.Username(), welcome)); err != nil {
		return
	}

	s.requestLoop(sess)
}

// teardown removes the session from every component. Order matters: the
// registry first (no further broadcasts reach this session), then scheduler
// and moderation timers, then the transport.
func (s *Server) teardown(sess *Session) {
	s.logger.Info("connection closed", "session", sess.ID, "username", sess.Username())
	s.sessions.Remove(sess)
	s.scheduler.SessionClosed(sess)
	s.moderator.SessionClosed(sess)
	sess.Conn.Close()
}

// requestLoop pulls requests, dispatches them, and writes the reply, in
// order, until the stream closes or a handler asks for disconnect.
func (s *Server) requestLoop(sess *Session) {
	for {
		payload, err := sess.Conn.Receive()
		if err != nil {
			if !errors.Is(err, protocol.ErrConnectionClosed) {
				s.logger.Debug("receive error", "session", sess.ID, "error", err)
			}
			return
		}

		req, err := protocol.ParseRequest(payload)
		if err != nil {
			// Protocol violation: answer with an ERROR update and keep
			// the connection open.
			update := protocol.Error(sess.Username(), "Malformed request.")
			if sendErr := sess.SendUpdate(update); sendErr != nil {
				return
			}
			continue
		}

		requestID := uuid.NewString()
		request := &Request{
			ID:      requestID,
			Session: sess,
			Command: req.Command,
			Data:    req.Data,
			Logger:  s.logger.With("request_id", requestID, "session", sess.ID),
		}

		start := time.Now()
		update, err := s.dispatcher.Dispatch(request)
		request.Logger.Debug("request handled", "command", req.Command, "elapsed", time.Since(start))

		if sendErr := sess.SendUpdate(update); sendErr != nil {
			return
		}
		if errors.Is(err, ErrClientDisconnecting) {
			return
		}
	}
}
