package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"cardwedge/internal/capture"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// RemoteError is an ErrorResponse returned by the daemon.
type RemoteError struct {
	Code    int
	Message string
	Details string
}

func (e *RemoteError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("daemon error %d: %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("daemon error %d: %s", e.Code, e.Message)
}

// IsRemoteCode reports whether err is a RemoteError with the given code.
func IsRemoteCode(err error, code int) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == code
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "cardwedgectl",
		ClientVersion:  "dev",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// EventHandler is called, in order, for every received event.
type EventHandler func(event *Event)

// Client talks to cardwedged over its Unix socket.
type Client struct {
	config ClientConfig
	logger *slog.Logger

	mu        sync.RWMutex
	conn      net.Conn
	peerID    string
	server    string
	connected atomic.Bool

	writeMu sync.Mutex

	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32

	events       chan *Event
	closed       chan struct{}
	eventHandler EventHandler
	eventMu      sync.RWMutex

	wg sync.WaitGroup
}

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		config:  cfg,
		logger:  logger,
		pending: make(map[uint32]chan *Message),
	}
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	c := NewClient(cfg)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect establishes a connection to the daemon and performs the
// handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected.Load() {
		c.mu.Unlock()
		return nil
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.config.SocketPath)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, errConnRefused) {
			return fmt.Errorf("connect %s: %w", c.config.SocketPath, ErrDaemonNotRunning)
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.conn = conn
	c.connected.Store(true)
	c.events = make(chan *Event, 100)
	c.closed = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.dispatchEvents(c.events)

	if err := c.handshake(ctx); err != nil {
		c.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

// Close closes the connection to the daemon and waits for the reader
// to finish.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.wg.Wait()
	return err
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Done returns a channel closed when the current connection ends. It
// returns nil before the first Connect.
func (c *Client) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// PeerID returns the id the server assigned to this connection.
func (c *Client) PeerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerID
}

// ServerVersion returns the daemon version reported by the handshake.
func (c *Client) ServerVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server
}

func (c *Client) handshake(ctx context.Context) error {
	req := &HandshakeRequest{
		ClientVersion:   c.config.ClientVersion,
		ClientName:      c.config.ClientName,
		ProtocolVersion: ProtocolVersion,
	}

	var ack HandshakeResponse
	if err := c.call(ctx, MsgHandshake, req, MsgHandshakeAck, &ack); err != nil {
		return err
	}

	c.mu.Lock()
	c.peerID = ack.PeerID
	c.server = ack.ServerVersion
	c.mu.Unlock()
	return nil
}

// send writes a request and registers a channel for its response.
func (c *Client) send(msgType MessageType, payload any) (uint32, chan *Message, error) {
	if !c.connected.Load() {
		return 0, nil, ErrNotConnected
	}

	data, err := Encode(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encode payload: %w", err)
	}

	reqID := c.nextReqID.Add(1)
	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	if err := c.write(NewMessage(msgType, reqID, data)); err != nil {
		c.forget(reqID)
		return 0, nil, fmt.Errorf("write message: %w", err)
	}
	return reqID, respChan, nil
}

func (c *Client) write(msg *Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.config.RequestTimeout))
	return msg.Write(conn)
}

func (c *Client) forget(reqID uint32) {
	c.pendingMu.Lock()
	delete(c.pending, reqID)
	c.pendingMu.Unlock()
}

// await waits for the response to reqID.
func (c *Client) await(ctx context.Context, reqID uint32, respChan chan *Message) (*Message, error) {
	defer c.forget(reqID)
	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// request sends a request and waits for a response under the request
// timeout.
func (c *Client) request(ctx context.Context, msgType MessageType, payload any) (*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	reqID, respChan, err := c.send(msgType, payload)
	if err != nil {
		return nil, err
	}
	return c.await(ctx, reqID, respChan)
}

// call performs a request and decodes a response of type want into out.
func (c *Client) call(ctx context.Context, msgType MessageType, payload any, want MessageType, out any) error {
	resp, err := c.request(ctx, msgType, payload)
	if err != nil {
		return err
	}
	return decodeResponse(resp, want, out)
}

func decodeResponse(resp *Message, want MessageType, out any) error {
	if resp.Header.Type == MsgError {
		var errResp ErrorResponse
		if err := Decode(resp.Payload, &errResp); err != nil {
			return fmt.Errorf("decode error response: %w", err)
		}
		return &RemoteError{Code: errResp.Code, Message: errResp.Message, Details: errResp.Details}
	}
	if resp.Header.Type != want {
		return fmt.Errorf("unexpected response type: %s", resp.Header.Type)
	}
	if out == nil {
		return nil
	}
	return Decode(resp.Payload, out)
}

// readLoop reads messages until the connection closes.
func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()
	defer c.disconnect()

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			c.logger.Debug("read message", "error", err)
			return
		}
		c.handleMessage(msg)
	}
}

// disconnect fails every pending request and stops event dispatch.
func (c *Client) disconnect() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected.Store(false)
	events := c.events
	c.events = nil
	closed := c.closed
	c.mu.Unlock()
	if closed != nil {
		close(closed)
	}

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if events != nil {
		close(events)
	}
}

// handleMessage processes an incoming message
func (c *Client) handleMessage(msg *Message) {
	switch msg.Header.Type {
	case MsgPing:
		if err := c.write(NewMessage(MsgPong, msg.Header.RequestID, nil)); err != nil {
			c.logger.Debug("answer ping", "error", err)
		}

	case MsgEvent:
		var event Event
		if err := Decode(msg.Payload, &event); err != nil {
			c.logger.Warn("decode event", "error", err)
			return
		}
		c.mu.RLock()
		events := c.events
		c.mu.RUnlock()
		select {
		case events <- &event:
		default:
			c.logger.Warn("event queue full, dropping event", "type", event.Type)
		}

	default:
		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.Header.RequestID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}

func (c *Client) dispatchEvents(events <-chan *Event) {
	defer c.wg.Done()
	for event := range events {
		c.eventMu.RLock()
		handler := c.eventHandler
		c.eventMu.RUnlock()
		if handler != nil {
			handler(event)
		}
	}
}

// High-level API methods

// Ping checks if the daemon is responsive
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, MsgPing, nil, MsgPong, nil)
}

// Status requests the daemon status
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.call(ctx, MsgStatusRequest, nil, MsgStatusResponse, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Metrics fetches the daemon's metrics rendered in format
// (MetricsPrometheus or MetricsJSON).
func (c *Client) Metrics(ctx context.Context, format string) (string, error) {
	var resp MetricsResponse
	if err := c.call(ctx, MsgMetrics, &MetricsRequest{Format: format}, MsgMetricsResponse, &resp); err != nil {
		return "", err
	}
	return resp.Body, nil
}

// Scan asks the daemon for one card. It blocks until the scan resolves
// or ctx ends; in the latter case the scan is withdrawn and ctx.Err()
// returned. A zero timeout uses the daemon's default.
func (c *Client) Scan(ctx context.Context, timeout time.Duration) (*ScanResponse, error) {
	reqID, respChan, err := c.send(MsgScan, &ScanRequest{TimeoutMS: timeout.Milliseconds()})
	if err != nil {
		return nil, err
	}

	resp, err := c.await(ctx, reqID, respChan)
	if err != nil {
		if ctx.Err() != nil {
			c.cancelScan(reqID)
		}
		return nil, err
	}

	var result ScanResponse
	if err := decodeResponse(resp, MsgScanResponse, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// cancelScan withdraws a pending scan. The daemon may already have
// resolved it, so the answer is not awaited.
func (c *Client) cancelScan(reqID uint32) {
	data, _ := Encode(&CancelRequest{RequestID: reqID})
	if err := c.write(NewMessage(MsgCancel, c.nextReqID.Add(1), data)); err != nil {
		c.logger.Debug("cancel scan", "request_id", reqID, "error", err)
	}
}

// Stop ends whatever scan is active. It reports whether one was.
func (c *Client) Stop(ctx context.Context) (bool, error) {
	var result StopResponse
	if err := c.call(ctx, MsgStop, nil, MsgStopResponse, &result); err != nil {
		return false, err
	}
	return result.Stopped, nil
}

// Subscribe installs handler and subscribes to events. No events means
// all events.
func (c *Client) Subscribe(ctx context.Context, handler EventHandler, events ...EventType) ([]EventType, error) {
	c.eventMu.Lock()
	c.eventHandler = handler
	c.eventMu.Unlock()

	var result SubscribeResponse
	if err := c.call(ctx, MsgSubscribe, &SubscribeRequest{Events: events}, MsgSubscribeResp, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, errors.New("subscription failed")
	}
	return result.Events, nil
}

// Unsubscribe stops event delivery.
func (c *Client) Unsubscribe(ctx context.Context) error {
	return c.call(ctx, MsgUnsubscribe, nil, MsgUnsubscribeResp, nil)
}

// ScanToken is a convenience wrapper returning the token of a
// successful scan, or an error describing why there is none.
func (c *Client) ScanToken(ctx context.Context, timeout time.Duration) (string, error) {
	resp, err := c.Scan(ctx, timeout)
	if err != nil {
		return "", err
	}
	if resp.Outcome != capture.OutcomeToken {
		return "", fmt.Errorf("scan %d ended without a token: %s", resp.ScanID, resp.Outcome)
	}
	return resp.Token, nil
}
