// Package ipc is the Unix socket surface of cardwedged: point-of-sale
// backends connect, request scans and stream scan events.
//
// The protocol is designed for:
// - Request/response pattern for commands
// - Asynchronous responses for long-running scans
// - Event streaming for real-time updates
// - Protocol versioning for compatibility
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"cardwedge/internal/capture"
	"cardwedge/internal/keystroke"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x43575043 // "CWPC" - cardwedge IPC
)

// MaxPayloadSize bounds a single message payload.
const MaxPayloadSize = 1 << 20

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005

	// Status messages (0x01xx)
	MsgStatusRequest   MessageType = 0x0100
	MsgStatusResponse  MessageType = 0x0101
	MsgMetrics         MessageType = 0x0102
	MsgMetricsResponse MessageType = 0x0103

	// Scan operations (0x02xx)
	MsgScan         MessageType = 0x0200
	MsgScanResponse MessageType = 0x0201
	MsgStop         MessageType = 0x0202
	MsgStopResponse MessageType = 0x0203
	MsgCancel       MessageType = 0x0204

	// Event streaming (0x05xx)
	MsgSubscribe       MessageType = 0x0500
	MsgSubscribeResp   MessageType = 0x0501
	MsgUnsubscribe     MessageType = 0x0502
	MsgUnsubscribeResp MessageType = 0x0503
	MsgEvent           MessageType = 0x0504
)

var messageNames = map[MessageType]string{
	MsgPing:            "ping",
	MsgPong:            "pong",
	MsgHandshake:       "handshake",
	MsgHandshakeAck:    "handshake_ack",
	MsgError:           "error",
	MsgStatusRequest:   "status",
	MsgStatusResponse:  "status_response",
	MsgMetrics:         "metrics",
	MsgMetricsResponse: "metrics_response",
	MsgScan:            "scan",
	MsgScanResponse:    "scan_response",
	MsgStop:            "stop",
	MsgStopResponse:    "stop_response",
	MsgCancel:          "cancel",
	MsgSubscribe:       "subscribe",
	MsgSubscribeResp:   "subscribe_response",
	MsgUnsubscribe:     "unsubscribe",
	MsgUnsubscribeResp: "unsubscribe_response",
	MsgEvent:           "event",
}

func (t MessageType) String() string {
	if name, ok := messageNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

// EventType identifies the type of streamed event
type EventType string

const (
	EventScanStarted    EventType = "scan_started"
	EventScanFinished   EventType = "scan_finished"
	EventReaderAttached EventType = "reader_attached"
	EventReaderDetached EventType = "reader_detached"
)

// AllEvents is what an empty subscription receives.
var AllEvents = []EventType{
	EventScanStarted,
	EventScanFinished,
	EventReaderAttached,
	EventReaderDetached,
}

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// Header flags
const (
	FlagJSON uint8 = 0x04 // Payload is JSON
)

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	h.put(buf)
	_, err := w.Write(buf)
	return err
}

func (h *Header) put(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}

	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}

	return h, nil
}

// Write writes the message as a single frame.
func (m *Message) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize+len(m.Payload))
	m.Header.Length = uint32(len(m.Payload))
	m.Header.put(buf)
	copy(buf[HeaderSize:], m.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayloadSize {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Request/Response payloads

// HandshakeRequest is sent by the client to introduce itself
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ClientName      string `json:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse is sent by the server to acknowledge connection
type HandshakeResponse struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	PeerID          string `json:"peer_id"`
}

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error codes
const (
	ErrUnknown          = 1
	ErrInvalidRequest   = 2
	ErrPermissionDenied = 4
	ErrInternalError    = 5
	ErrScanActive       = 8
	ErrNoActiveScan     = 9
	ErrReaderBusy       = 10
)

// StatusResponse contains daemon status
type StatusResponse struct {
	Version         string             `json:"version"`
	StartedAt       time.Time          `json:"started_at"`
	UptimeMS        int64              `json:"uptime_ms"`
	Scanning        bool               `json:"scanning"`
	ScanID          uint64             `json:"scan_id,omitempty"`
	BufferLen       int                `json:"buffer_len"`
	Source          string             `json:"source"`
	ReaderConnected bool               `json:"reader_connected"`
	Clients         int                `json:"clients"`
	Hub             keystroke.HubStats `json:"hub"`
}

// Uptime returns UptimeMS as a duration.
func (s *StatusResponse) Uptime() time.Duration {
	return time.Duration(s.UptimeMS) * time.Millisecond
}

// Metrics exposition formats.
const (
	MetricsPrometheus = "prometheus"
	MetricsJSON       = "json"
)

// MetricsRequest asks for the daemon's counters. An empty format means
// MetricsPrometheus.
type MetricsRequest struct {
	Format string `json:"format,omitempty"`
}

// MetricsResponse carries the rendered metrics.
type MetricsResponse struct {
	Format string `json:"format"`
	Body   string `json:"body"`
}

// ScanRequest starts a scan. A zero timeout uses the daemon default.
type ScanRequest struct {
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
}

// ScanResponse is sent once the requested scan resolves.
type ScanResponse struct {
	Outcome   capture.OutcomeKind `json:"outcome"`
	Token     string              `json:"token,omitempty"`
	ScanID    uint64              `json:"scan_id"`
	ElapsedMS int64               `json:"elapsed_ms"`
}

// NewScanResponse converts a resolved outcome.
func NewScanResponse(o capture.Outcome) *ScanResponse {
	return &ScanResponse{
		Outcome:   o.Kind,
		Token:     o.Token,
		ScanID:    o.ScanID,
		ElapsedMS: o.Elapsed.Milliseconds(),
	}
}

// StopResponse acknowledges a stop request.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// CancelRequest withdraws a scan this connection requested earlier.
type CancelRequest struct {
	RequestID uint32 `json:"request_id"`
}

// SubscribeRequest requests event subscription
type SubscribeRequest struct {
	Events []EventType `json:"events,omitempty"` // Empty means all events
}

// SubscribeResponse acknowledges subscription
type SubscribeResponse struct {
	Success        bool        `json:"success"`
	SubscriptionID string      `json:"subscription_id"`
	Events         []EventType `json:"events"`
}

// Event is a streamed event
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent encodes data into an event.
func NewEvent(eventType EventType, data any) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{Type: eventType, Timestamp: time.Now().UTC(), Data: raw}, nil
}

// DecodeData decodes the event payload into v.
func (e *Event) DecodeData(v any) error {
	return json.Unmarshal(e.Data, v)
}

// ScanStartedEvent is the data of a scan_started event.
type ScanStartedEvent struct {
	ScanID    uint64 `json:"scan_id"`
	TimeoutMS int64  `json:"timeout_ms"`
	Caller    string `json:"caller,omitempty"`
}

// ScanFinishedEvent is the data of a scan_finished event. Token is
// only set when the daemon is configured to publish tokens.
type ScanFinishedEvent struct {
	ScanID      uint64              `json:"scan_id"`
	Outcome     capture.OutcomeKind `json:"outcome"`
	Token       string              `json:"token,omitempty"`
	Fingerprint string              `json:"fingerprint,omitempty"`
	ElapsedMS   int64               `json:"elapsed_ms"`
}

// ReaderEvent is the data of reader_attached and reader_detached events.
type ReaderEvent struct {
	Device string `json:"device"`
}

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload. An empty payload decodes as {}.
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		data = []byte("{}")
	}
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
