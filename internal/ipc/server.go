package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"cardwedge/internal/logging"
)

// ErrAddressInUse is returned by Start when another daemon already
// listens on the socket.
var ErrAddressInUse = errors.New("socket already in use by a running daemon")

// Handler processes IPC messages
type Handler interface {
	// HandleMessage processes a message and returns a response. A nil
	// response with a nil error means the handler answers later through
	// the peer.
	HandleMessage(ctx context.Context, peer *Peer, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, peer *Peer, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, peer *Peer, msg *Message) (*Message, error) {
	return f(ctx, peer, msg)
}

// Server is the IPC server that manages peer connections
type Server struct {
	mu          sync.RWMutex
	listener    net.Listener
	config      ServerConfig
	handler     Handler
	validator   *Validator
	peers       map[string]*Peer
	subscribers map[string]map[EventType]bool
	startedAt   time.Time
	logger      *slog.Logger
	closed      bool

	// Shutdown coordination
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextRequestID atomic.Uint32
	nextPeerID    atomic.Uint64

	// Event channel for broadcasting
	eventChan chan *Event
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string        // Unix socket path
	Version        string        // Server version
	SocketMode     os.FileMode   // Socket file permissions
	KeepAlive      time.Duration // Idle time before the server pings a peer
	WriteTimeout   time.Duration
	MaxConnections int
	// AllowedUIDs lists peer uids that may connect. Empty allows the
	// daemon's own uid and root.
	AllowedUIDs []int
	Logger      *slog.Logger
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig(socketPath string) ServerConfig {
	return ServerConfig{
		SocketPath:     socketPath,
		Version:        "dev",
		SocketMode:     0600,
		KeepAlive:      60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxConnections: 16,
	}
}

// NewServer creates a new IPC server
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}
	if cfg.SocketMode == 0 {
		cfg.SocketMode = 0600
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 16
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:      cfg,
		handler:     handler,
		validator:   validator,
		peers:       make(map[string]*Peer),
		subscribers: make(map[string]map[EventType]bool),
		logger:      logger.With("component", "ipc"),
		ctx:         ctx,
		cancel:      cancel,
		eventChan:   make(chan *Event, 100),
	}, nil
}

// Start begins listening for connections
func (s *Server) Start() error {
	socketDir := filepath.Dir(s.config.SocketPath)
	if err := os.MkdirAll(socketDir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if IsSocketListening(s.config.SocketPath) {
		return fmt.Errorf("%s: %w", s.config.SocketPath, ErrAddressInUse)
	}
	if err := CleanupSocket(s.config.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.config.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	if err := os.Chmod(s.config.SocketPath, s.config.SocketMode); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(2)
	go s.eventBroadcaster()
	go s.acceptLoop()

	s.logger.Info("listening", "socket", s.config.SocketPath)
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	s.closed = true
	for _, peer := range s.peers {
		peer.conn.Close()
	}
	close(s.eventChan)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("shutdown timed out waiting for connections")
	}

	os.Remove(s.config.SocketPath)
	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.config.SocketPath
}

// StartedAt returns when the server started listening.
func (s *Server) StartedAt() time.Time {
	return s.startedAt
}

// PeerCount returns the number of connected peers
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Broadcast sends an event to all subscribed peers. Events are dropped
// when the queue is full or the server is stopped.
func (s *Server) Broadcast(event *Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.eventChan <- event:
	default:
		s.logger.Warn("event queue full, dropping event", "type", event.Type)
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept", "error", err)
			continue
		}

		creds, err := GetPeerCredentials(conn)
		if err != nil && !errors.Is(err, errors.ErrUnsupported) {
			s.logger.Warn("read peer credentials", "error", err)
			conn.Close()
			continue
		}
		if creds != nil && !s.uidAllowed(creds.UID) {
			s.logger.Warn("rejected peer", "uid", creds.UID, "pid", creds.PID)
			conn.Close()
			continue
		}

		s.mu.Lock()
		if len(s.peers) >= s.config.MaxConnections || s.closed {
			s.mu.Unlock()
			s.logger.Warn("connection limit reached", "max", s.config.MaxConnections)
			conn.Close()
			continue
		}
		peer := newPeer(s, conn, creds)
		s.peers[peer.ID] = peer
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(peer)
	}
}

func (s *Server) uidAllowed(uid int) bool {
	if len(s.config.AllowedUIDs) == 0 {
		return uid == os.Getuid() || uid == 0
	}
	return slices.Contains(s.config.AllowedUIDs, uid)
}

// handleConnection handles a single peer connection
func (s *Server) handleConnection(peer *Peer) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.peers, peer.ID)
		delete(s.subscribers, peer.ID)
		s.mu.Unlock()
		peer.close()
		s.logger.Debug("peer disconnected", "peer", peer.ID)
	}()

	s.logger.Debug("peer connected", "peer", peer.ID, "label", peer.Label())

	for {
		if s.ctx.Err() != nil {
			return
		}

		peer.conn.SetReadDeadline(time.Now().Add(s.config.KeepAlive))

		msg, err := ReadMessage(peer.conn)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.sendPing(peer)
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("read message", "peer", peer.ID, "error", err)
			}
			return
		}

		peer.touch()

		response, err := s.processMessage(peer, msg)
		if err != nil {
			s.logger.Error("handle message", "peer", peer.ID, "type", msg.Header.Type, "error", err)
			response = NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())
		}

		if response != nil {
			if err := peer.Send(response); err != nil {
				return
			}
		}
	}
}

// processMessage processes a single message
func (s *Server) processMessage(peer *Peer, msg *Message) (*Message, error) {
	if err := s.validator.Validate(msg.Header.Type, msg.Payload); err != nil {
		resp := &ErrorResponse{Code: ErrInvalidRequest, Message: "invalid request", Details: err.Error()}
		return NewResponse(MsgError, msg.Header.RequestID, resp)
	}

	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil

	case MsgPong:
		return nil, nil

	case MsgHandshake:
		return s.handleHandshake(peer, msg)

	case MsgSubscribe:
		return s.handleSubscribe(peer, msg)

	case MsgUnsubscribe:
		s.mu.Lock()
		delete(s.subscribers, peer.ID)
		s.mu.Unlock()
		return NewMessage(MsgUnsubscribeResp, msg.Header.RequestID, nil), nil

	case MsgCancel:
		var req CancelRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid cancel request"), nil
		}
		if !peer.cancelInflight(req.RequestID) {
			return NewErrorMessage(msg.Header.RequestID, ErrNoActiveScan, "no such pending request"), nil
		}
		return NewResponse(MsgStopResponse, msg.Header.RequestID, &StopResponse{Stopped: true})

	default:
		if s.handler != nil {
			ctx := logging.ContextWithRequestID(peer.ctx, fmt.Sprintf("%s-%d", peer.ID, msg.Header.RequestID))
			return s.handler.HandleMessage(ctx, peer, msg)
		}
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "no handler"), nil
	}
}

// handleHandshake processes handshake request
func (s *Server) handleHandshake(peer *Peer, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid handshake"), nil
	}
	if req.ProtocolVersion > ProtocolVersion {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unsupported protocol version %d", req.ProtocolVersion)), nil
	}

	peer.mu.Lock()
	peer.Version = req.ClientVersion
	peer.Name = req.ClientName
	peer.mu.Unlock()

	resp := &HandshakeResponse{
		ServerVersion:   s.config.Version,
		ProtocolVersion: ProtocolVersion,
		PeerID:          peer.ID,
	}
	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, resp)
}

// handleSubscribe processes event subscription
func (s *Server) handleSubscribe(peer *Peer, msg *Message) (*Message, error) {
	var req SubscribeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid subscribe request"), nil
	}

	events := req.Events
	if len(events) == 0 {
		events = AllEvents
	}
	set := make(map[EventType]bool, len(events))
	for _, et := range events {
		set[et] = true
	}

	s.mu.Lock()
	s.subscribers[peer.ID] = set
	s.mu.Unlock()

	resp := &SubscribeResponse{
		Success:        true,
		SubscriptionID: peer.ID,
		Events:         events,
	}
	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, resp)
}

// eventBroadcaster delivers events in order to every subscriber.
func (s *Server) eventBroadcaster() {
	defer s.wg.Done()

	for event := range s.eventChan {
		payload, err := Encode(event)
		if err != nil {
			s.logger.Error("encode event", "type", event.Type, "error", err)
			continue
		}

		s.mu.RLock()
		var targets []*Peer
		for peerID, events := range s.subscribers {
			if !events[event.Type] {
				continue
			}
			if peer, ok := s.peers[peerID]; ok {
				targets = append(targets, peer)
			}
		}
		s.mu.RUnlock()

		for _, peer := range targets {
			msg := NewMessage(MsgEvent, s.nextRequestID.Add(1), payload)
			if err := peer.Send(msg); err != nil {
				s.logger.Debug("send event", "peer", peer.ID, "error", err)
			}
		}
	}
}

func (s *Server) sendPing(peer *Peer) {
	peer.Send(NewMessage(MsgPing, s.nextRequestID.Add(1), nil))
}

func (s *Server) newPeerID() string {
	return "peer-" + strconv.FormatUint(s.nextPeerID.Add(1), 10)
}
