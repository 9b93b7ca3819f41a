// Package asr is the boundary to the external speech-recognition engines.
// Engines push partial/final/speaker signals into a caller-supplied sink;
// the assembler turns those into the canonical turn/segment stream.
package asr

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
)

type EventKind string

const (
	EventSpeechStarted EventKind = "speech_started"
	EventPartial       EventKind = "partial"
	EventFinal         EventKind = "final"
	EventSpeaker       EventKind = "speaker"
)

// LangDetect mirrors engines that report auto-detection as a nested object.
type LangDetect struct {
	Lang       string
	Confidence float64
}

// Event is one raw recognition signal. Engines populate whichever language
// fields they have; the assembler applies the tie-break (Lang, then Detected,
// then ResultLang).
type Event struct {
	Kind       EventKind
	Text       string
	Lang       string
	Detected   *LangDetect
	ResultLang string
	StartMs    int64
	EndMs      int64
	SpeakerID  string
}

// Sink receives engine signals. Both callbacks may be invoked from engine
// goroutines; the receiver serializes.
type Sink struct {
	Emit    func(Event)
	OnError func(error)
}

// Engine is a live recognition session. Start blocks until the engine
// confirms it is accepting audio. Stop is idempotent.
type Engine interface {
	Start(ctx context.Context) error
	PushAudioFrame(pcm []int16, sampleRateHz int) error
	Stop(ctx context.Context, reason string) error

	// SampleRate is the rate the engine expects; callers resample to it.
	SampleRate() int
}

// Options configure a new engine instance.
type Options struct {
	APIKey string
	Lang   string   // primary language hint; empty means auto/default
	Vocab  []string // special-vocabulary hints, where the engine supports them
	Logger *log.Logger
}

const (
	KindDeepgram     = "deepgram"
	KindSpeechmatics = "speechmatics"
)

// NewEngine selects an adapter by configuration.
func NewEngine(kind string, opts Options, sink Sink) (Engine, error) {
	switch kind {
	case KindDeepgram:
		return NewDeepgramEngine(opts, sink), nil
	case KindSpeechmatics:
		return NewSpeechmaticsEngine(opts, sink), nil
	default:
		return nil, fmt.Errorf("unknown recognition engine: %q", kind)
	}
}
