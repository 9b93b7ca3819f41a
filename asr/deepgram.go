package asr

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/listen"

	"hearsay/protocol"
)

const deepgramSampleRate = 16000

// DeepgramEngine drives Deepgram's live websocket API. The SDK invokes the
// callback methods below from its read loop; they translate straight into
// sink events.
type DeepgramEngine struct {
	apiKey string
	lang   string
	logger *log.Logger
	sink   Sink

	client      *listen.WSCallback
	audioBuffer chan []byte
	opened      chan struct{}
	failed      chan error

	mu      sync.Mutex
	started bool
	stopped bool
}

func NewDeepgramEngine(opts Options, sink Sink) *DeepgramEngine {
	return &DeepgramEngine{
		apiKey:      opts.APIKey,
		lang:        opts.Lang,
		logger:      opts.Logger,
		sink:        sink,
		audioBuffer: make(chan []byte, 100),
		opened:      make(chan struct{}),
		failed:      make(chan error, 1),
	}
}

func (e *DeepgramEngine) SampleRate() int { return deepgramSampleRate }

// deepgramTranscriptionOptions builds the live session options. Diarization
// is not requested: this adapter never surfaces word-level speaker labels,
// so asking the provider to compute them would be wasted work.
func deepgramTranscriptionOptions(lang string) *interfaces.LiveTranscriptionOptions {
	return &interfaces.LiveTranscriptionOptions{
		Model:          "nova-2",
		Language:       lang,
		Punctuate:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     deepgramSampleRate,
		SmartFormat:    true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
	}
}

func (e *DeepgramEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	lang := e.lang
	if lang == "" {
		lang = "en"
	}
	cOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}

	client, err := listen.NewWebSocket(ctx, e.apiKey, cOptions, deepgramTranscriptionOptions(lang), e)
	if err != nil {
		return fmt.Errorf("failed to create live transcription connection: %w", err)
	}
	e.client = client

	go e.client.Connect()

	select {
	case <-e.opened:
		return nil
	case err := <-e.failed:
		return fmt.Errorf("recognition engine refused to start: %w", err)
	case <-time.After(15 * time.Second):
		return fmt.Errorf("timed out waiting for recognition engine to open")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *DeepgramEngine) PushAudioFrame(pcm []int16, sampleRateHz int) error {
	if sampleRateHz != deepgramSampleRate {
		return fmt.Errorf("expected %d Hz audio, got %d", deepgramSampleRate, sampleRateHz)
	}
	select {
	case e.audioBuffer <- protocol.EncodePCM16(pcm):
		return nil
	default:
		return fmt.Errorf("audio buffer full")
	}
}

func (e *DeepgramEngine) Stop(ctx context.Context, reason string) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	close(e.audioBuffer)
	if e.client != nil {
		e.client.Stop()
	}
	e.logger.Info("recognition stopped", "kind", KindDeepgram, "reason", reason)
	return nil
}

// Open starts the writer goroutine and unblocks Start.
func (e *DeepgramEngine) Open(ocr *api.OpenResponse) error {
	e.logger.Info("open", "kind", KindDeepgram)
	go func() {
		for data := range e.audioBuffer {
			if err := e.client.WriteBinary(data); err != nil {
				e.logger.Error("failed to write audio data", "error", err)
			}
		}
	}()
	close(e.opened)
	return nil
}

func (e *DeepgramEngine) Message(mr *api.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := strings.TrimSpace(mr.Channel.Alternatives[0].Transcript)
	if len(transcript) == 0 {
		return nil
	}

	kind := EventPartial
	if mr.IsFinal {
		kind = EventFinal
	}
	e.sink.Emit(Event{
		Kind:    kind,
		Text:    transcript,
		StartMs: int64(mr.Start * 1000),
		EndMs:   int64((mr.Start + mr.Duration) * 1000),
	})
	return nil
}

func (e *DeepgramEngine) SpeechStarted(ssr *api.SpeechStartedResponse) error {
	e.logger.Debug("speech start", "timestamp", ssr.Timestamp)
	e.sink.Emit(Event{
		Kind:    EventSpeechStarted,
		StartMs: int64(ssr.Timestamp * 1000),
	})
	return nil
}

func (e *DeepgramEngine) UtteranceEnd(ur *api.UtteranceEndResponse) error {
	e.logger.Debug("utterance end", "timestamp", ur.LastWordEnd)
	return nil
}

func (e *DeepgramEngine) Metadata(md *api.MetadataResponse) error {
	e.logger.Debug("metadata", "metadata", md)
	return nil
}

func (e *DeepgramEngine) Close(ocr *api.CloseResponse) error {
	e.logger.Info("closed", "reason", ocr.Type)
	return nil
}

func (e *DeepgramEngine) Error(er *api.ErrorResponse) error {
	err := fmt.Errorf("deepgram: %s: %s", er.Type, er.Description)
	select {
	case e.failed <- err:
	default:
	}
	e.sink.OnError(err)
	return nil
}

func (e *DeepgramEngine) UnhandledEvent(byData []byte) error {
	e.logger.Warn("unhandled event", "data", string(byData))
	return nil
}
