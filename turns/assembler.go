// Package turns assembles raw recognition events into the canonical turn and
// segment stream. One assembler is bound to each session.
package turns

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"hearsay/asr"
	"hearsay/metrics"
	"hearsay/protocol"
)

type State string

// States are monotonic; an assembler never returns to idle.
const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateOpen     State = "open"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// DefaultSpeakerWindow is how recently a speaker hint must have arrived,
// relative to a turn opening, to be attributed to that turn.
const DefaultSpeakerWindow = 3000 * time.Millisecond

// EmitFunc receives every assembled event, already in wire form.
type EmitFunc func(msg protocol.ServerMessage)

type Assembler struct {
	sessionID string
	engine    asr.Engine
	emit      EmitFunc
	logger    *log.Logger

	speakerWindow time.Duration
	now           func() time.Time

	mu    sync.Mutex
	state State

	turnSeq     int
	currentTurn string
	turnStartMs int64
	lastEndMs   int64
	lastPartial string
	speaker     string
	lastLang    string

	pendingSpeaker   string
	pendingSpeakerAt time.Time
}

// New builds an assembler and its recognition engine. The engine factory
// receives the sink wired back into this assembler, so engine callbacks and
// session handlers share one serialization point.
func New(
	sessionID string,
	newEngine func(sink asr.Sink) (asr.Engine, error),
	emit EmitFunc,
	logger *log.Logger,
) (*Assembler, error) {
	a := &Assembler{
		sessionID:     sessionID,
		emit:          emit,
		logger:        logger,
		speakerWindow: DefaultSpeakerWindow,
		now:           time.Now,
		state:         StateIdle,
	}
	engine, err := newEngine(asr.Sink{
		Emit:    a.OnEvent,
		OnError: a.onEngineError,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build recognition engine: %w", err)
	}
	a.engine = engine
	return a, nil
}

func (a *Assembler) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start initializes the recognition engine and transitions to open only once
// the engine confirms. A start failure is terminal for this assembler.
func (a *Assembler) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateIdle {
		a.mu.Unlock()
		return fmt.Errorf("assembler already started (state %s)", a.state)
	}
	a.state = StateStarting
	a.mu.Unlock()

	if err := a.engine.Start(ctx); err != nil {
		a.mu.Lock()
		a.state = StateStopped
		a.mu.Unlock()
		return fmt.Errorf("failed to start recognition engine: %w", err)
	}

	a.mu.Lock()
	a.state = StateOpen
	a.mu.Unlock()
	return nil
}

// Stop flushes any open turn, then tears the engine down. Idempotent.
func (a *Assembler) Stop(ctx context.Context, reason string) error {
	a.mu.Lock()
	if a.state == StateStopping || a.state == StateStopped {
		a.mu.Unlock()
		return nil
	}
	started := a.state == StateOpen
	a.state = StateStopping
	a.flushOpenTurnLocked()
	a.mu.Unlock()

	var err error
	if started {
		err = a.engine.Stop(ctx, reason)
	}

	a.mu.Lock()
	a.state = StateStopped
	a.mu.Unlock()
	return err
}

// OnAudioFrame resamples an accepted frame to the engine's rate and hands it
// over. Frames arriving outside the open state are dropped.
func (a *Assembler) OnAudioFrame(ctx context.Context, pcm []int16, sampleRateHz int) error {
	a.mu.Lock()
	open := a.state == StateOpen
	a.mu.Unlock()
	if !open {
		return nil
	}

	rate := a.engine.SampleRate()
	return a.engine.PushAudioFrame(Resample(pcm, sampleRateHz, rate), rate)
}

func (a *Assembler) onEngineError(err error) {
	a.logger.Error("recognition engine error", "session", a.sessionID, "error", err)
}

// OnEvent consumes one raw recognition signal.
func (a *Assembler) OnEvent(ev asr.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateStopped {
		return
	}

	switch ev.Kind {
	case asr.EventSpeaker:
		if a.currentTurn != "" && a.speaker == "" {
			a.speaker = ev.SpeakerID
		} else {
			a.pendingSpeaker = ev.SpeakerID
			a.pendingSpeakerAt = a.now()
		}

	case asr.EventSpeechStarted:
		a.ensureTurnLocked(ev.StartMs)

	case asr.EventPartial:
		a.ensureTurnLocked(ev.StartMs)
		if ev.EndMs > a.lastEndMs {
			a.lastEndMs = ev.EndMs
		}
		if ev.Text == a.lastPartial {
			return
		}
		a.lastPartial = ev.Text
		a.emit(protocol.STTPartial{
			Type:      protocol.TypeSTTPartial,
			SessionID: a.sessionID,
			TurnID:    a.currentTurn,
			SegmentID: a.currentTurn,
			Lang:      a.resolveLangLocked(ev),
			Text:      ev.Text,
			StartMs:   a.turnStartMs,
		})

	case asr.EventFinal:
		a.ensureTurnLocked(ev.StartMs)
		if ev.EndMs > a.lastEndMs {
			a.lastEndMs = ev.EndMs
		}
		lang := a.resolveLangLocked(ev)
		if lang != "" {
			a.lastLang = lang
		}
		a.emit(protocol.STTFinal{
			Type:      protocol.TypeSTTFinal,
			SessionID: a.sessionID,
			TurnID:    a.currentTurn,
			SegmentID: a.currentTurn,
			Lang:      lang,
			Text:      ev.Text,
			StartMs:   a.turnStartMs,
			EndMs:     a.lastEndMs,
		})
		a.closeTurnLocked()
	}
}

// ensureTurnLocked opens a new turn if none is open: assigns the next id,
// records the start time, resolves speaker attribution from a sufficiently
// recent pending hint, and announces turn.start.
func (a *Assembler) ensureTurnLocked(startMs int64) {
	if a.currentTurn != "" {
		return
	}
	a.turnSeq++
	a.currentTurn = fmt.Sprintf("t%d", a.turnSeq)
	a.turnStartMs = startMs
	a.lastEndMs = startMs

	if a.pendingSpeaker != "" {
		if a.now().Sub(a.pendingSpeakerAt) <= a.speakerWindow {
			a.speaker = a.pendingSpeaker
		}
		a.pendingSpeaker = ""
	}

	metrics.TurnsTotal.Inc()
	a.emit(protocol.TurnStart{
		Type:      protocol.TypeTurnStart,
		SessionID: a.sessionID,
		TurnID:    a.currentTurn,
		StartMs:   a.turnStartMs,
		SpeakerID: a.speaker,
	})
}

// closeTurnLocked emits turn.final and resets per-turn state so the next
// speech reopens a fresh turn.
func (a *Assembler) closeTurnLocked() {
	a.emit(protocol.TurnFinal{
		Type:      protocol.TypeTurnFinal,
		SessionID: a.sessionID,
		TurnID:    a.currentTurn,
		StartMs:   a.turnStartMs,
		EndMs:     a.lastEndMs,
		SpeakerID: a.speaker,
	})
	a.currentTurn = ""
	a.turnStartMs = 0
	a.lastEndMs = 0
	a.lastPartial = ""
	a.speaker = ""
}

// flushOpenTurnLocked synthesizes a final from the last partial seen when the
// engine goes away mid-turn, so no turn is silently lost.
func (a *Assembler) flushOpenTurnLocked() {
	if a.currentTurn == "" {
		return
	}
	if a.lastPartial != "" {
		a.emit(protocol.STTFinal{
			Type:      protocol.TypeSTTFinal,
			SessionID: a.sessionID,
			TurnID:    a.currentTurn,
			SegmentID: a.currentTurn,
			Lang:      a.lastLang,
			Text:      a.lastPartial,
			StartMs:   a.turnStartMs,
			EndMs:     a.lastEndMs,
		})
	}
	a.closeTurnLocked()
}

// resolveLangLocked applies the language tie-break: explicit per-result
// property, then the auto-detect object, then the generic result-language
// field, falling back to the last confirmed final language.
func (a *Assembler) resolveLangLocked(ev asr.Event) string {
	switch {
	case ev.Lang != "":
		return ev.Lang
	case ev.Detected != nil && ev.Detected.Lang != "":
		return ev.Detected.Lang
	case ev.ResultLang != "":
		return ev.ResultLang
	default:
		return a.lastLang
	}
}
