// Package session owns session identity, the bounded audio-frame queue, and
// reconnection bookkeeping. The registry is an explicit constructed object so
// tests can build isolated instances; there is no ambient singleton.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"hearsay/protocol"
)

type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusStopped      Status = "stopped"
)

// Defaults for Config fields left zero.
const (
	DefaultQueueCap        = 50
	DefaultDisconnectGrace = 60 * time.Second
	DefaultIdleTimeout     = 30 * time.Second
)

var ErrStopped = errors.New("session is stopped")

// Sender is the write side of a session's current socket. The gateway owns
// the physical connection; the registry holds only this weak association.
type Sender interface {
	Send(msg protocol.ServerMessage) error
	Close(reason string) error
}

// Frame is one accepted chunk of audio. Transient: it exists only while
// queued or being handed to consumers.
type Frame struct {
	SessionID         string
	PCM               []int16
	SampleRateHz      int
	ClientTimestampMs int64
}

// FrameConsumer receives each dequeued frame. The drain loop waits for every
// consumer to return before moving to the next frame, so queue depth is a
// real backpressure signal; consumers are expected to be fast or to buffer
// internally.
type FrameConsumer func(ctx context.Context, s *Session, f Frame) error

// StopConsumer is notified once when a session stops, before removal.
type StopConsumer func(s *Session, reason string)

type Config struct {
	QueueCap        int
	DisconnectGrace time.Duration
	IdleTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueCap <= 0 {
		c.QueueCap = DefaultQueueCap
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = DefaultDisconnectGrace
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	return c
}

type Session struct {
	ID        string
	Hello     protocol.ClientHello
	StartedAt time.Time

	mu       sync.Mutex
	status   Status
	sender   Sender
	queue    []Frame
	draining bool
	cleanup  *time.Timer
	idle     *time.Timer
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// QueueLen reports the number of accepted-but-undelivered frames.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Send forwards a server message over the session's current socket, if any.
// A disconnected session silently drops it: partials are best-effort.
func (s *Session) Send(msg protocol.ServerMessage) error {
	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()
	if sender == nil {
		return nil
	}
	return sender.Send(msg)
}

type Registry struct {
	cfg    Config
	logger *log.Logger

	mu             sync.Mutex
	sessions       map[string]*Session
	frameConsumers []FrameConsumer
	stopConsumers  []StopConsumer
}

func NewRegistry(cfg Config, logger *log.Logger) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// RegisterFrameConsumer adds a consumer for every drained audio frame.
// Consumers must be registered before traffic flows.
func (r *Registry) RegisterFrameConsumer(c FrameConsumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frameConsumers = append(r.frameConsumers, c)
}

func (r *Registry) RegisterStopConsumer(c StopConsumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopConsumers = append(r.stopConsumers, c)
}

// CreateSession allocates a fresh session bound to the given socket.
func (r *Registry) CreateSession(sender Sender, hello protocol.ClientHello) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		Hello:     hello,
		StartedAt: time.Now(),
		status:    StatusConnected,
		sender:    sender,
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	// Armed from creation: a session that never sends a frame is still
	// auto-stopped once the idle window passes.
	s.mu.Lock()
	r.resetIdleLocked(s)
	s.mu.Unlock()

	r.logger.Info("session created", "session", s.ID)
	return s
}

// resetIdleLocked re-arms the idle auto-stop timer. Caller holds s.mu.
func (r *Registry) resetIdleLocked(s *Session) {
	if s.idle != nil {
		s.idle.Stop()
	}
	id := s.ID
	s.idle = time.AfterFunc(r.cfg.IdleTimeout, func() {
		r.StopAndDelete(id, "idle_timeout")
	})
}

// Get looks up a live session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// AttachSocket rebinds a session to a new socket, cancelling any pending
// cleanup. Returns false if the session is absent or stopped: a stopped
// session never re-enters connected.
func (r *Registry) AttachSocket(id string, sender Sender) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusStopped {
		return nil, false
	}
	if s.cleanup != nil {
		s.cleanup.Stop()
		s.cleanup = nil
	}
	// At most one socket per session: a lingering old socket is evicted.
	if old := s.sender; old != nil && old != sender {
		go old.Close("replaced")
	}
	s.sender = sender
	s.status = StatusConnected
	r.resetIdleLocked(s)
	r.logger.Info("session reattached", "session", s.ID)
	return s, true
}

// DetachSocket drops the socket association without closing the socket or
// scheduling cleanup. Used when a connection migrates to another session and
// the old one must not take the shared socket down with it.
func (r *Registry) DetachSocket(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.sender = nil
	s.mu.Unlock()
}

// MarkDisconnected drops the socket association and, unless the session is
// stopped, schedules deletion after the grace window so a brief network blip
// doesn't lose in-progress turn state.
func (r *Registry) MarkDisconnected(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusStopped {
		return
	}
	s.sender = nil
	s.status = StatusDisconnected
	// The grace timer alone governs a disconnected session; a stale idle
	// timer firing mid-window would delete a session the client is still
	// entitled to resume.
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	if s.cleanup != nil {
		s.cleanup.Stop()
	}
	s.cleanup = time.AfterFunc(r.cfg.DisconnectGrace, func() {
		r.StopAndDelete(id, "grace_expired")
	})
	r.logger.Info("session disconnected", "session", s.ID, "grace", r.cfg.DisconnectGrace)
}

// StopAndDelete is the terminal transition: notifies stop consumers, closes
// the socket best-effort, purges the queue, and removes the session.
// Idempotent.
func (r *Registry) StopAndDelete(id string, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	stops := r.stopConsumers
	r.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.status == StatusStopped {
		s.mu.Unlock()
		return
	}
	s.status = StatusStopped
	if s.cleanup != nil {
		s.cleanup.Stop()
		s.cleanup = nil
	}
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	s.queue = nil
	s.mu.Unlock()

	// Stop consumers run while the socket is still attached, so anything
	// they flush (the synthesized turn.final) still reaches the client.
	for _, stop := range stops {
		stop(s, reason)
	}

	s.mu.Lock()
	sender := s.sender
	s.sender = nil
	s.mu.Unlock()
	if sender != nil {
		if err := sender.Close(reason); err != nil {
			r.logger.Debug("failed to close socket", "session", id, "error", err)
		}
	}
	r.logger.Info("session stopped", "session", id, "reason", reason)
}

// EnqueueAudioFrame appends to the session's bounded queue. While over
// capacity the oldest frames are dropped first: stale audio contributes
// nothing to a live transcript. Returns how many were dropped so the caller
// can signal backpressure.
func (r *Registry) EnqueueAudioFrame(f Frame) (accepted bool, dropped int) {
	r.mu.Lock()
	s, ok := r.sessions[f.SessionID]
	r.mu.Unlock()
	if !ok {
		return false, 0
	}

	s.mu.Lock()
	if s.status == StatusStopped {
		s.mu.Unlock()
		return false, 0
	}
	s.queue = append(s.queue, f)
	for len(s.queue) > r.cfg.QueueCap {
		s.queue = s.queue[1:]
		dropped++
	}
	r.resetIdleLocked(s)
	startDrain := !s.draining
	if startDrain {
		s.draining = true
	}
	s.mu.Unlock()

	if startDrain {
		go r.drain(s)
	}
	return true, dropped
}

// drain hands queued frames to every frame consumer, one frame at a time,
// advancing only once all consumers for the current frame have returned.
func (r *Registry) drain(s *Session) {
	ctx := context.Background()
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.status == StatusStopped {
			s.draining = false
			s.mu.Unlock()
			return
		}
		f := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		r.mu.Lock()
		consumers := r.frameConsumers
		r.mu.Unlock()

		for _, consume := range consumers {
			if err := consume(ctx, s, f); err != nil {
				r.logger.Error("frame consumer failed", "session", s.ID, "error", err)
			}
		}
	}
}

// Shutdown stops every session. The registry accepts no traffic afterwards.
func (r *Registry) Shutdown(reason string) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.StopAndDelete(id, reason)
	}
}
