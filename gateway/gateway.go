// Package gateway accepts inbound websocket connections, runs the protocol
// handshake, and routes decoded messages into the session registry. It is
// the sole writer to every client socket.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hearsay/asr"
	"hearsay/metrics"
	"hearsay/protocol"
	"hearsay/session"
	"hearsay/translate"
	"hearsay/turns"
)

// DefaultNoticeInterval rate-limits backpressure notices per session.
const DefaultNoticeInterval = 2 * time.Second

// EngineFactory builds a recognition engine for a new session, wired to the
// given sink. Injected so tests can substitute a fake engine.
type EngineFactory func(hello protocol.ClientHello, sink asr.Sink) (asr.Engine, error)

type Config struct {
	DefaultLangs   protocol.LangPair
	NoticeInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.NoticeInterval <= 0 {
		c.NoticeInterval = DefaultNoticeInterval
	}
	return c
}

type Gateway struct {
	cfg       Config
	registry  *session.Registry
	orch      *translate.Orchestrator
	newEngine EngineFactory
	logger    *log.Logger
	upgrader  websocket.Upgrader

	mu         sync.Mutex
	assemblers map[string]*turns.Assembler
}

func New(
	cfg Config,
	registry *session.Registry,
	orch *translate.Orchestrator,
	newEngine EngineFactory,
	logger *log.Logger,
) *Gateway {
	g := &Gateway{
		cfg:       cfg.withDefaults(),
		registry:  registry,
		orch:      orch,
		newEngine: newEngine,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16384,
			WriteBufferSize: 16384,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		assemblers: make(map[string]*turns.Assembler),
	}
	registry.RegisterFrameConsumer(g.consumeFrame)
	registry.RegisterStopConsumer(g.onSessionStop)
	return g
}

// Router mounts the websocket endpoint plus the operational surface.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", g.handleWS)
	return r
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	c := &wsConn{conn: conn, logger: g.logger}
	g.readLoop(c)
}

// readLoop owns all per-connection handshake state. It runs until the socket
// dies or the session is explicitly stopped.
func (g *Gateway) readLoop(c *wsConn) {
	var (
		helloReceived  bool
		issuedID       string
		boundID        string
		lastDropNotice time.Time
	)

	defer func() {
		c.Close("connection closed")
		if boundID != "" {
			// No explicit stop: keep the session around for the grace window.
			g.registry.MarkDisconnected(boundID)
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			g.logger.Debug("connection closed", "error", err)
			return
		}

		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			g.sendError(c, boundID, protocol.CodeBadPayload, err.Error())
			continue
		}

		switch m := msg.(type) {
		case protocol.ClientHello:
			if helloReceived {
				g.sendError(c, boundID, protocol.CodeDuplicateHello, "hello already received on this connection")
				continue
			}
			helloReceived = true
			sess := g.registry.CreateSession(c, m)
			issuedID, boundID = sess.ID, sess.ID
			g.startPipeline(sess)
			c.Send(protocol.ServerReady{
				Type:            protocol.TypeServerReady,
				ProtocolVersion: protocol.ProtocolVersion,
				SessionID:       sess.ID,
			})

		case protocol.AudioFrame:
			if !helloReceived {
				g.sendError(c, "", protocol.CodeHelloRequired, "first message must be client.hello")
				continue
			}
			if m.SessionID != boundID {
				if _, ok := g.registry.AttachSocket(m.SessionID, c); !ok {
					g.sendError(c, boundID, protocol.CodeSessionMismatch,
						"unknown or stopped session "+m.SessionID)
					continue
				}
				// This connection created a session of its own and is now
				// resuming another; the orphan must not leak. Detach first so
				// stopping it cannot close the socket we just rebound.
				if issuedID != "" && issuedID != m.SessionID {
					g.registry.DetachSocket(issuedID)
					g.registry.StopAndDelete(issuedID, "replaced_by_resume")
				}
				boundID = m.SessionID
				g.logger.Info("session resumed", "session", boundID)
			}

			accepted, dropped := g.registry.EnqueueAudioFrame(session.Frame{
				SessionID:         m.SessionID,
				PCM:               m.PCM,
				SampleRateHz:      m.SampleRateHz,
				ClientTimestampMs: m.ClientTimestampMs,
			})
			if !accepted {
				g.logger.Debug("frame for stopped session dropped", "session", m.SessionID)
				continue
			}
			metrics.FramesAccepted.Inc()
			if dropped > 0 {
				metrics.FramesDropped.Add(float64(dropped))
				if time.Since(lastDropNotice) >= g.cfg.NoticeInterval {
					lastDropNotice = time.Now()
					g.sendError(c, boundID, protocol.CodeBackpressureDrop,
						"audio arriving faster than it can be consumed; oldest frames dropped")
				}
			}

		case protocol.ClientStop:
			if !helloReceived {
				g.sendError(c, "", protocol.CodeHelloRequired, "first message must be client.hello")
				continue
			}
			reason := m.Reason
			if reason == "" {
				reason = "client_stop"
			}
			g.registry.StopAndDelete(m.SessionID, reason)
			if m.SessionID == boundID {
				boundID = ""
				return
			}
		}
	}
}

// startPipeline builds the assembler + translation lifecycle for a freshly
// created session. Engine startup failures are fatal to this session's
// pipeline only, never the process.
func (g *Gateway) startPipeline(sess *session.Session) {
	emit := func(msg protocol.ServerMessage) {
		if err := sess.Send(msg); err != nil {
			g.logger.Error("failed to send event", "session", sess.ID, "error", err)
		}
		g.orch.Observe(sess.ID, msg)
	}

	asm, err := turns.New(sess.ID, func(sink asr.Sink) (asr.Engine, error) {
		return g.newEngine(sess.Hello, sink)
	}, emit, g.logger)
	if err != nil {
		g.logger.Error("failed to build recognition pipeline", "session", sess.ID, "error", err)
		sess.Send(protocol.ServerError{
			Type:        protocol.TypeServerError,
			SessionID:   sess.ID,
			Code:        protocol.CodeEngineFailure,
			Message:     "recognition engine unavailable",
			Recoverable: false,
		})
		g.registry.StopAndDelete(sess.ID, "engine_failure")
		return
	}

	g.mu.Lock()
	g.assemblers[sess.ID] = asm
	g.mu.Unlock()

	langs := g.cfg.DefaultLangs
	if sess.Hello.Langs != nil {
		langs = *sess.Hello.Langs
	}
	g.orch.StartSession(sess.ID, []string{langs.Lang1, langs.Lang2}, sess.Hello.Context)

	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.Inc()

	go func() {
		if err := asm.Start(context.Background()); err != nil {
			g.logger.Error("recognition engine failed to start", "session", sess.ID, "error", err)
			sess.Send(protocol.ServerError{
				Type:        protocol.TypeServerError,
				SessionID:   sess.ID,
				Code:        protocol.CodeEngineFailure,
				Message:     err.Error(),
				Recoverable: false,
			})
			g.registry.StopAndDelete(sess.ID, "engine_failure")
		}
	}()
}

func (g *Gateway) consumeFrame(ctx context.Context, s *session.Session, f session.Frame) error {
	g.mu.Lock()
	asm := g.assemblers[s.ID]
	g.mu.Unlock()
	if asm == nil {
		return nil
	}
	return asm.OnAudioFrame(ctx, f.PCM, f.SampleRateHz)
}

// onSessionStop flushes and tears down the per-session pipeline. The
// registry invokes this before the socket closes, so the flushed turn.final
// still reaches the client.
func (g *Gateway) onSessionStop(s *session.Session, reason string) {
	g.mu.Lock()
	asm := g.assemblers[s.ID]
	delete(g.assemblers, s.ID)
	g.mu.Unlock()

	if asm != nil {
		if err := asm.Stop(context.Background(), reason); err != nil {
			g.logger.Error("failed to stop assembler", "session", s.ID, "error", err)
		}
		metrics.SessionsActive.Dec()
	}
	g.orch.EndSession(s.ID)
}

func (g *Gateway) sendError(c *wsConn, sessionID, code, message string) {
	metrics.ProtocolErrors.WithLabelValues(code).Inc()
	c.Send(protocol.ServerError{
		Type:        protocol.TypeServerError,
		SessionID:   sessionID,
		Code:        code,
		Message:     message,
		Recoverable: true,
	})
}

// wsConn wraps a websocket with a write mutex so the gateway stays the
// single writer even when emissions come from engine goroutines.
type wsConn struct {
	conn   *websocket.Conn
	logger *log.Logger

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) Send(msg protocol.ServerMessage) error {
	data, err := protocol.EncodeServerMessage(msg)
	if err != nil {
		// An off-schema server message is an internal defect, not client
		// misbehavior. Refuse to send it and make noise.
		c.logger.Error("internal: server message failed its own schema", "error", err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
	)
	return c.conn.Close()
}
