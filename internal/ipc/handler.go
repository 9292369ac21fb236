package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"cardwedge/internal/capture"
	"cardwedge/internal/keystroke"
	"cardwedge/internal/logging"
)

// ReaderStatus reports on the configured keystroke source.
type ReaderStatus interface {
	SourceName() string
	ReaderConnected() bool
}

// MetricsWriter renders the daemon's metrics.
type MetricsWriter interface {
	WritePrometheus(w io.Writer) error
	WriteJSON(w io.Writer) error
}

// DaemonHandler serves scan, stop and status requests from a capture
// session.
type DaemonHandler struct {
	session        *capture.Session
	hub            *keystroke.Hub
	reader         ReaderStatus
	metrics        MetricsWriter
	version        string
	defaultTimeout time.Duration
	startedAt      time.Time
	logger         *slog.Logger
	onScanStarted  func(ctx context.Context, scan *capture.Scan, caller string)
	peerCount      func() int
}

// DaemonHandlerConfig configures the daemon handler
type DaemonHandlerConfig struct {
	Session        *capture.Session
	Hub            *keystroke.Hub
	Reader         ReaderStatus
	Metrics        MetricsWriter // optional
	Version        string
	DefaultTimeout time.Duration
	Logger         *slog.Logger

	// OnScanStarted, if set, is called after every scan this handler
	// starts, with the request context and the requesting peer's label.
	OnScanStarted func(ctx context.Context, scan *capture.Scan, caller string)
}

// NewDaemonHandler creates a new daemon handler
func NewDaemonHandler(cfg DaemonHandlerConfig) *DaemonHandler {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = capture.DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DaemonHandler{
		session:        cfg.Session,
		hub:            cfg.Hub,
		reader:         cfg.Reader,
		metrics:        cfg.Metrics,
		version:        cfg.Version,
		defaultTimeout: timeout,
		startedAt:      time.Now(),
		logger:         logger,
		onScanStarted:  cfg.OnScanStarted,
	}
}

// AttachServer lets status responses report the connected peer count.
func (h *DaemonHandler) AttachServer(s *Server) {
	h.peerCount = s.PeerCount
	h.startedAt = s.StartedAt()
}

// HandleMessage processes an IPC message
func (h *DaemonHandler) HandleMessage(ctx context.Context, peer *Peer, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgStatusRequest:
		return h.handleStatus(msg)

	case MsgMetrics:
		return h.handleMetrics(msg)

	case MsgScan:
		return h.handleScan(ctx, peer, msg)

	case MsgStop:
		return h.handleStop(msg)

	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unsupported message type %s", msg.Header.Type)), nil
	}
}

func (h *DaemonHandler) handleStatus(msg *Message) (*Message, error) {
	resp := &StatusResponse{
		Version:   h.version,
		StartedAt: h.startedAt,
		UptimeMS:  time.Since(h.startedAt).Milliseconds(),
		Scanning:  h.session.IsScanning(),
		BufferLen: len([]rune(h.session.CurrentBuffer())),
	}
	if scan := h.session.Active(); scan != nil {
		resp.ScanID = scan.ID
	}
	if h.reader != nil {
		resp.Source = h.reader.SourceName()
		resp.ReaderConnected = h.reader.ReaderConnected()
	}
	if h.hub != nil {
		resp.Hub = h.hub.Stats()
	}
	if h.peerCount != nil {
		resp.Clients = h.peerCount()
	}
	return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleMetrics(msg *Message) (*Message, error) {
	if h.metrics == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "metrics are not enabled"), nil
	}
	var req MetricsRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid metrics request"), nil
	}

	var b strings.Builder
	var err error
	switch req.Format {
	case "", MetricsPrometheus:
		req.Format = MetricsPrometheus
		err = h.metrics.WritePrometheus(&b)
	case MetricsJSON:
		err = h.metrics.WriteJSON(&b)
	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unknown metrics format %q", req.Format)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("render metrics: %w", err)
	}
	return NewResponse(MsgMetricsResponse, msg.Header.RequestID, &MetricsResponse{Format: req.Format, Body: b.String()})
}

// handleScan starts a scan and answers when it resolves. A disconnect
// or a Cancel from the same peer stops the scan if it is still active.
func (h *DaemonHandler) handleScan(ctx context.Context, peer *Peer, msg *Message) (*Message, error) {
	var req ScanRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid scan request"), nil
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout == 0 {
		timeout = h.defaultTimeout
	}

	scan, err := h.session.Start(nil, timeout)
	switch {
	case errors.Is(err, capture.ErrAlreadyScanning):
		return NewErrorMessage(msg.Header.RequestID, ErrScanActive, "a scan is already in progress"), nil
	case errors.Is(err, capture.ErrInvalidArgument):
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
	case errors.Is(err, keystroke.ErrBusy):
		return NewErrorMessage(msg.Header.RequestID, ErrReaderBusy, "keystroke input is held by another consumer"), nil
	case err != nil:
		return nil, err
	}

	caller := peer.Label()
	h.logger.Info("scan requested", "scan_id", scan.ID, "caller", caller, "timeout", timeout,
		"request_id", logging.RequestIDFromContext(ctx))
	if h.onScanStarted != nil {
		h.onScanStarted(ctx, scan, caller)
	}

	requestID := msg.Header.RequestID
	untrack := peer.Track(requestID, scan.Cancel)
	peer.Go(func() {
		defer untrack()
		outcome, err := scan.Wait(peer.Context())
		if err != nil {
			scan.Cancel()
			return
		}
		resp, err := NewResponse(MsgScanResponse, requestID, NewScanResponse(outcome))
		if err != nil {
			h.logger.Error("encode scan response", "scan_id", scan.ID, "error", err)
			return
		}
		if err := peer.Send(resp); err != nil {
			h.logger.Debug("deliver scan response", "scan_id", scan.ID, "error", err)
		}
	})
	return nil, nil
}

func (h *DaemonHandler) handleStop(msg *Message) (*Message, error) {
	wasScanning := h.session.IsScanning()
	h.session.Stop()
	return NewResponse(MsgStopResponse, msg.Header.RequestID, &StopResponse{Stopped: wasScanning})
}
