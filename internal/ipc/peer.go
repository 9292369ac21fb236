package ipc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Peer is one connected client as seen by the server.
type Peer struct {
	ID          string
	Creds       *PeerCredentials
	ConnectedAt time.Time

	// Set by the handshake.
	Name    string
	Version string

	server *Server
	conn   net.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	lastActivity time.Time
	inflight     map[uint32]func()

	writeMu sync.Mutex
}

func newPeer(s *Server, conn net.Conn, creds *PeerCredentials) *Peer {
	ctx, cancel := context.WithCancel(s.ctx)
	now := time.Now()
	return &Peer{
		ID:           s.newPeerID(),
		Creds:        creds,
		ConnectedAt:  now,
		server:       s,
		conn:         conn,
		ctx:          ctx,
		cancel:       cancel,
		lastActivity: now,
		inflight:     make(map[uint32]func()),
	}
}

// Context is cancelled when the peer disconnects or the server stops.
func (p *Peer) Context() context.Context {
	return p.ctx
}

// Label identifies the peer in logs and the audit trail.
func (p *Peer) Label() string {
	p.mu.Lock()
	name := p.Name
	p.mu.Unlock()
	if name == "" {
		name = p.ID
	}
	if p.Creds != nil && p.Creds.PID > 0 {
		return fmt.Sprintf("%s(pid %d)", name, p.Creds.PID)
	}
	return name
}

// Send writes a message to the peer.
func (p *Peer) Send(msg *Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.conn.SetWriteDeadline(time.Now().Add(p.server.config.WriteTimeout))
	return msg.Write(p.conn)
}

// Go runs fn on a goroutine the server waits for on shutdown.
func (p *Peer) Go(fn func()) {
	p.server.wg.Add(1)
	go func() {
		defer p.server.wg.Done()
		fn()
	}()
}

// Track registers cancel for the request so a Cancel message or a
// disconnect can withdraw it. The returned func unregisters it.
func (p *Peer) Track(requestID uint32, cancel func()) (untrack func()) {
	p.mu.Lock()
	p.inflight[requestID] = cancel
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.inflight, requestID)
		p.mu.Unlock()
	}
}

func (p *Peer) cancelInflight(requestID uint32) bool {
	p.mu.Lock()
	cancel, ok := p.inflight[requestID]
	delete(p.inflight, requestID)
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// LastActivity returns when the peer last sent a message.
func (p *Peer) LastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActivity
}

func (p *Peer) touch() {
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.mu.Unlock()
}

// close cancels everything the peer still has pending.
func (p *Peer) close() {
	p.cancel()
	p.mu.Lock()
	pending := p.inflight
	p.inflight = make(map[uint32]func())
	p.mu.Unlock()
	for _, cancel := range pending {
		cancel()
	}
	p.conn.Close()
}
