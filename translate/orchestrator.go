package translate

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"

	"hearsay/metrics"
	"hearsay/protocol"
)

// Defaults for Config fields left zero.
const (
	DefaultDebounceChars = 12
	DefaultDebounceWait  = 700 * time.Millisecond
	DefaultHistoryLimit  = 10
)

type Config struct {
	DebounceChars int
	DebounceWait  time.Duration
	HistoryLimit  int
}

func (c Config) withDefaults() Config {
	if c.DebounceChars <= 0 {
		c.DebounceChars = DefaultDebounceChars
	}
	if c.DebounceWait <= 0 {
		c.DebounceWait = DefaultDebounceWait
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	return c
}

// SendFunc delivers an outbound message to a session's current socket.
type SendFunc func(sessionID string, msg protocol.ServerMessage)

// Recorder persists finalized utterances. Optional; failures are logged and
// never surfaced to the client.
type Recorder interface {
	RecordUtterance(ctx context.Context, sessionID string, ex Exchange) error
}

// Orchestrator manages one translation lifecycle per (session, turn):
// debounced drafts, cancellation on supersession, per-language finals, and
// the rolling history/summary window.
type Orchestrator struct {
	cfg        Config
	translator Translator
	send       SendFunc
	recorder   Recorder
	logger     *log.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
}

type sessionState struct {
	id            string
	ctx           context.Context
	cancel        context.CancelFunc
	targets       []string
	staticContext string
	summary       string
	history       []Exchange
	turns         map[string]*turnState
}

type turnState struct {
	finalized bool

	// seq stamps each dispatch at request time; a response carrying an older
	// seq than the turn's latest is discarded (staleness guard).
	seq      int
	revision int

	lastText    string
	lastLen     int
	lastAt      time.Time
	pendingText string
	pendingLang string
	timer       *time.Timer
	cancel      context.CancelFunc
	emitted     map[string]string
}

func NewOrchestrator(
	cfg Config,
	translator Translator,
	send SendFunc,
	recorder Recorder,
	logger *log.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		translator: translator,
		send:       send,
		recorder:   recorder,
		logger:     logger,
		sessions:   make(map[string]*sessionState),
	}
}

// StartSession registers per-session translation context.
func (o *Orchestrator) StartSession(sessionID string, targets []string, staticContext string) {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessions[sessionID] = &sessionState{
		id:            sessionID,
		ctx:           ctx,
		cancel:        cancel,
		targets:       targets,
		staticContext: staticContext,
		turns:         make(map[string]*turnState),
	}
}

// EndSession aborts every pending and in-flight translation for the session
// and clears its bookkeeping.
func (o *Orchestrator) EndSession(sessionID string) {
	o.mu.Lock()
	ss, ok := o.sessions[sessionID]
	if ok {
		delete(o.sessions, sessionID)
		for _, ts := range ss.turns {
			if ts.timer != nil {
				ts.timer.Stop()
			}
		}
	}
	o.mu.Unlock()
	if ok {
		ss.cancel()
	}
}

// Observe feeds assembled speech events into the orchestrator. Only the
// stt.* events matter here; everything else passes through untouched.
func (o *Orchestrator) Observe(sessionID string, msg protocol.ServerMessage) {
	switch m := msg.(type) {
	case protocol.STTPartial:
		o.OnPartial(sessionID, m.TurnID, m.Text, m.Lang)
	case protocol.STTFinal:
		o.OnFinal(sessionID, m.TurnID, m.Text, m.Lang)
	}
}

// OnPartial handles one draft of a turn's text. Only the newest draft
// matters: any in-flight request for the turn is cancelled, and the dispatch
// decision races a character-delta threshold against a time threshold (OR).
func (o *Orchestrator) OnPartial(sessionID, turnID, text, lang string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ss, ok := o.sessions[sessionID]
	if !ok {
		return
	}
	ts := ss.turns[turnID]
	if ts == nil {
		ts = &turnState{emitted: make(map[string]string)}
		ss.turns[turnID] = ts
	}
	if ts.finalized {
		return
	}

	if ts.cancel != nil {
		ts.cancel()
		ts.cancel = nil
	}
	if text == ts.lastText {
		return
	}
	ts.pendingText = text
	ts.pendingLang = lang

	// The threshold counts characters, not bytes: multi-byte source text
	// must not fire early.
	elapsed := time.Since(ts.lastAt)
	if ts.lastAt.IsZero() ||
		utf8.RuneCountInString(text)-ts.lastLen >= o.cfg.DebounceChars ||
		elapsed >= o.cfg.DebounceWait {
		o.dispatchDraftLocked(ss, turnID, ts)
		return
	}

	// Defer for the remaining wait; a later partial overwrites the scheduled
	// payload rather than adding another timer.
	if ts.timer == nil {
		wait := o.cfg.DebounceWait - elapsed
		ts.timer = time.AfterFunc(wait, func() {
			o.fireDeferred(sessionID, turnID)
		})
	}
}

func (o *Orchestrator) fireDeferred(sessionID, turnID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ss, ok := o.sessions[sessionID]
	if !ok {
		return
	}
	ts := ss.turns[turnID]
	if ts == nil || ts.finalized {
		return
	}
	ts.timer = nil
	if ts.pendingText == ts.lastText {
		return
	}
	o.dispatchDraftLocked(ss, turnID, ts)
}

func (o *Orchestrator) dispatchDraftLocked(ss *sessionState, turnID string, ts *turnState) {
	ts.seq++
	mySeq := ts.seq
	ts.revision++
	rev := ts.revision

	text := ts.pendingText
	lang := ts.pendingLang
	ts.lastText = text
	ts.lastLen = utf8.RuneCountInString(text)
	ts.lastAt = time.Now()

	ctx, cancel := context.WithCancel(ss.ctx)
	ts.cancel = cancel

	req := Request{
		Text:          text,
		SourceLang:    lang,
		TargetLangs:   targetsFor(ss.targets, lang),
		History:       append([]Exchange(nil), ss.history...),
		Summary:       ss.summary,
		StaticContext: ss.staticContext,
		PrevPartial:   copyMap(ts.emitted),
	}
	sessionID := ss.id

	metrics.TranslationDispatches.Inc()
	go func() {
		start := time.Now()
		resp, err := o.translator.Translate(ctx, req)
		metrics.TranslationDuration.Observe(time.Since(start).Seconds())

		o.mu.Lock()
		cur, live := o.sessions[sessionID]
		if !live || cur != ss || ss.turns[turnID] != ts {
			o.mu.Unlock()
			return
		}
		if err != nil {
			o.mu.Unlock()
			// Cancellation is expected on supersession; never surfaced.
			if ctx.Err() != nil {
				return
			}
			o.logger.Error("translation draft failed", "session", sessionID, "turn", turnID, "error", err)
			return
		}
		if mySeq != ts.seq {
			metrics.TranslationsStale.Inc()
			o.mu.Unlock()
			return
		}

		from := lang
		if from == "" {
			from = resp.DetectedSourceLang
		}
		out := make([]protocol.TranslateRevise, 0, len(resp.Translations))
		for to, txt := range resp.Translations {
			ts.emitted[to] = txt
			out = append(out, protocol.TranslateRevise{
				Type:       protocol.TypeTranslateRevise,
				SessionID:  sessionID,
				TurnID:     turnID,
				SegmentID:  turnID,
				From:       from,
				To:         to,
				Revision:   rev,
				FullText:   txt,
				SourceLang: resp.DetectedSourceLang,
			})
		}
		o.mu.Unlock()

		for _, m := range out {
			o.send(sessionID, m)
		}
	}()
}

// OnFinal closes out a turn: cancels draft work, issues one translation
// request per target language, and folds the utterance into the session's
// rolling history and summary.
func (o *Orchestrator) OnFinal(sessionID, turnID, text, lang string) {
	o.mu.Lock()
	ss, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return
	}
	ts := ss.turns[turnID]
	if ts == nil {
		ts = &turnState{emitted: make(map[string]string)}
		ss.turns[turnID] = ts
	}
	if ts.finalized {
		o.mu.Unlock()
		return
	}
	ts.finalized = true
	ts.seq++ // invalidate any straggling draft response
	if ts.timer != nil {
		ts.timer.Stop()
		ts.timer = nil
	}
	if ts.cancel != nil {
		ts.cancel()
		ts.cancel = nil
	}
	ts.emitted = nil

	targets := targetsFor(ss.targets, lang)
	req := Request{
		Text:          text,
		SourceLang:    lang,
		IsFinal:       true,
		History:       append([]Exchange(nil), ss.history...),
		Summary:       ss.summary,
		StaticContext: ss.staticContext,
	}
	ctx := ss.ctx
	o.mu.Unlock()

	go o.finalize(ctx, ss, turnID, req, targets, text, lang)
}

func (o *Orchestrator) finalize(
	ctx context.Context,
	ss *sessionState,
	turnID string,
	req Request,
	targets []string,
	text, lang string,
) {
	var (
		wg       sync.WaitGroup
		resMu    sync.Mutex
		results  = make(map[string]string)
		summary  string
		detected string
	)

	for _, to := range targets {
		wg.Add(1)
		go func(to string) {
			defer wg.Done()
			perLang := req
			perLang.TargetLangs = []string{to}

			metrics.TranslationDispatches.Inc()
			start := time.Now()
			resp, err := o.translator.Translate(ctx, perLang)
			metrics.TranslationDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				o.logger.Error("translation final failed",
					"session", ss.id, "turn", turnID, "to", to, "error", err)
				return
			}
			txt := resp.Translations[to]
			if txt == "" {
				return
			}

			resMu.Lock()
			results[to] = txt
			if resp.Summary != "" {
				summary = resp.Summary
			}
			if resp.DetectedSourceLang != "" {
				detected = resp.DetectedSourceLang
			}
			resMu.Unlock()

			from := lang
			if from == "" {
				from = resp.DetectedSourceLang
			}
			o.send(ss.id, protocol.TranslateFinal{
				Type:       protocol.TypeTranslateFinal,
				SessionID:  ss.id,
				TurnID:     turnID,
				SegmentID:  turnID,
				From:       from,
				To:         to,
				Text:       txt,
				SourceLang: resp.DetectedSourceLang,
			})
		}(to)
	}
	wg.Wait()

	srcLang := lang
	if srcLang == "" {
		srcLang = detected
	}
	ex := Exchange{Text: text, Lang: srcLang, Translations: results}

	o.mu.Lock()
	cur, live := o.sessions[ss.id]
	if !live || cur != ss {
		o.mu.Unlock()
		return
	}
	ss.history = append(ss.history, ex)
	if n := len(ss.history) - o.cfg.HistoryLimit; n > 0 {
		ss.history = ss.history[n:]
	}
	emitSummary := summary != "" && summary != ss.summary
	if emitSummary {
		ss.summary = summary
	}
	o.mu.Unlock()

	if emitSummary {
		o.send(ss.id, protocol.SummaryUpdate{
			Type:      protocol.TypeSummaryUpdate,
			SessionID: ss.id,
			Summary:   summary,
		})
	}

	if o.recorder != nil {
		if err := o.recorder.RecordUtterance(ctx, ss.id, ex); err != nil {
			o.logger.Error("failed to record utterance", "session", ss.id, "error", err)
		}
	}
}

// History returns a copy of the session's rolling history.
func (o *Orchestrator) History(sessionID string) []Exchange {
	o.mu.Lock()
	defer o.mu.Unlock()
	ss, ok := o.sessions[sessionID]
	if !ok {
		return nil
	}
	return append([]Exchange(nil), ss.history...)
}

// targetsFor drops the resolved source language from the configured targets;
// translating an utterance into its own language is useless work. When the
// source is unknown every target stays.
func targetsFor(targets []string, sourceLang string) []string {
	if sourceLang == "" {
		return targets
	}
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if t != sourceLang {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return targets
	}
	return out
}

func copyMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
