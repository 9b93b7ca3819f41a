package asr

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"hearsay/protocol"
)

const (
	speechmaticsWSBaseURL   = "wss://eu2.rt.speechmatics.com/v2"
	speechmaticsSampleRate  = 16000
	speechmaticsPingEvery   = 30 * time.Second
	speechmaticsPongTimeout = 60 * time.Second
)

type smAudioFormat struct {
	Type       string `json:"type"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type smAdditionalVocab struct {
	Content string `json:"content"`
}

type smTranscriptionConfig struct {
	Language           string              `json:"language"`
	EnablePartials     bool                `json:"enable_partials"`
	Diarization        string              `json:"diarization,omitempty"`
	MaxDelay           float64             `json:"max_delay,omitempty"`
	PunctuationEnabled bool                `json:"punctuation_enabled,omitempty"`
	AdditionalVocab    []smAdditionalVocab `json:"additional_vocab,omitempty"`
}

type smStartRecognition struct {
	Message             string                `json:"message"`
	AudioFormat         smAudioFormat         `json:"audio_format"`
	TranscriptionConfig smTranscriptionConfig `json:"transcription_config"`
}

type smEndOfStream struct {
	Message   string `json:"message"`
	LastSeqNo int    `json:"last_seq_no"`
}

type smLanguageDetection struct {
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

type smServerMessage struct {
	Message  string `json:"message"`
	Reason   string `json:"reason,omitempty"`
	Type     string `json:"type,omitempty"`
	Language string `json:"language,omitempty"`
	Metadata struct {
		Transcript string  `json:"transcript"`
		StartTime  float64 `json:"start_time"`
		EndTime    float64 `json:"end_time"`
	} `json:"metadata"`
	LanguageDetection *smLanguageDetection `json:"language_detection,omitempty"`
	Results           []struct {
		Type         string  `json:"type"`
		StartTime    float64 `json:"start_time"`
		EndTime      float64 `json:"end_time"`
		Alternatives []struct {
			Content    string  `json:"content"`
			Confidence float64 `json:"confidence"`
			Language   string  `json:"language,omitempty"`
			Speaker    string  `json:"speaker,omitempty"`
		} `json:"alternatives"`
	} `json:"results"`
}

// SpeechmaticsEngine drives the Speechmatics realtime websocket API. It is
// the sole writer to its socket; a single read loop translates server
// messages into sink events.
type SpeechmaticsEngine struct {
	apiKey string
	lang   string
	vocab  []string
	logger *log.Logger
	sink   Sink

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	seqNo   int
	started bool
	stopped bool
	cancel  context.CancelFunc
}

func NewSpeechmaticsEngine(opts Options, sink Sink) *SpeechmaticsEngine {
	return &SpeechmaticsEngine{
		apiKey: opts.APIKey,
		lang:   opts.Lang,
		vocab:  opts.Vocab,
		logger: opts.Logger,
		sink:   sink,
	}
}

func (e *SpeechmaticsEngine) SampleRate() int { return speechmaticsSampleRate }

func (e *SpeechmaticsEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	lang := e.lang
	if lang == "" {
		lang = "en"
	}

	header := http.Header{}
	header.Set("Authorization", fmt.Sprintf("Bearer %s", e.apiKey))
	url := fmt.Sprintf("%s/%s", speechmaticsWSBaseURL, lang)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return fmt.Errorf("failed to connect to recognition websocket: %w", err)
	}
	e.conn = conn

	vocab := make([]smAdditionalVocab, 0, len(e.vocab))
	for _, v := range e.vocab {
		vocab = append(vocab, smAdditionalVocab{Content: v})
	}
	start := smStartRecognition{
		Message: "StartRecognition",
		AudioFormat: smAudioFormat{
			Type:       "raw",
			Encoding:   "pcm_s16le",
			SampleRate: speechmaticsSampleRate,
		},
		TranscriptionConfig: smTranscriptionConfig{
			Language:           lang,
			EnablePartials:     true,
			Diarization:        "speaker",
			PunctuationEnabled: true,
			AdditionalVocab:    vocab,
		},
	}
	if err := e.writeJSON(start); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send StartRecognition message: %w", err)
	}

	// Wait for RecognitionStarted before accepting audio.
	conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	var resp smServerMessage
	if err := conn.ReadJSON(&resp); err != nil {
		conn.Close()
		return fmt.Errorf("failed to read recognition handshake: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	if resp.Message != "RecognitionStarted" {
		conn.Close()
		return fmt.Errorf("recognition engine refused to start: %s %s", resp.Message, resp.Reason)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.readLoop(loopCtx)
	go e.keepAlive(loopCtx)

	e.started = true
	return nil
}

func (e *SpeechmaticsEngine) PushAudioFrame(pcm []int16, sampleRateHz int) error {
	if sampleRateHz != speechmaticsSampleRate {
		return fmt.Errorf("expected %d Hz audio, got %d", speechmaticsSampleRate, sampleRateHz)
	}
	e.mu.Lock()
	conn, stopped := e.conn, e.stopped
	e.mu.Unlock()
	if conn == nil || stopped {
		return fmt.Errorf("recognition websocket not established")
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, protocol.EncodePCM16(pcm)); err != nil {
		return fmt.Errorf("failed to send audio data: %w", err)
	}
	e.seqNo++
	return nil
}

func (e *SpeechmaticsEngine) Stop(ctx context.Context, reason string) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	conn := e.conn
	seqNo := e.seqNo
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	if err := e.writeJSON(smEndOfStream{Message: "EndOfStream", LastSeqNo: seqNo}); err != nil {
		e.logger.Debug("failed to send EndOfStream", "error", err)
	}
	e.writeMu.Lock()
	conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
	)
	e.writeMu.Unlock()
	err := conn.Close()
	e.logger.Info("recognition stopped", "kind", KindSpeechmatics, "reason", reason)
	return err
}

func (e *SpeechmaticsEngine) writeJSON(v any) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.conn.WriteJSON(v)
}

func (e *SpeechmaticsEngine) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(speechmaticsPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.writeMu.Lock()
			err := e.conn.WriteControl(
				websocket.PingMessage,
				[]byte{},
				time.Now().Add(speechmaticsPongTimeout),
			)
			e.writeMu.Unlock()
			if err != nil {
				e.logger.Error("failed to send ping", "error", err)
				return
			}
		}
	}
}

func (e *SpeechmaticsEngine) readLoop(ctx context.Context) {
	for {
		var msg smServerMessage
		if err := e.conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				e.sink.OnError(fmt.Errorf("recognition websocket closed unexpectedly: %w", err))
			}
			return
		}
		e.handleMessage(msg)
	}
}

func (e *SpeechmaticsEngine) handleMessage(msg smServerMessage) {
	switch msg.Message {
	case "AddPartialTranscript", "AddTranscript":
		if msg.Metadata.Transcript == "" {
			return
		}
		kind := EventPartial
		if msg.Message == "AddTranscript" {
			kind = EventFinal
		}
		ev := Event{
			Kind:       kind,
			Text:       msg.Metadata.Transcript,
			ResultLang: msg.Language,
			StartMs:    int64(msg.Metadata.StartTime * 1000),
			EndMs:      int64(msg.Metadata.EndTime * 1000),
		}
		if msg.LanguageDetection != nil {
			ev.Detected = &LangDetect{
				Lang:       msg.LanguageDetection.Language,
				Confidence: msg.LanguageDetection.Confidence,
			}
		}
		for _, res := range msg.Results {
			if len(res.Alternatives) == 0 {
				continue
			}
			alt := res.Alternatives[0]
			if ev.Lang == "" && alt.Language != "" {
				ev.Lang = alt.Language
			}
			if alt.Speaker != "" && ev.SpeakerID == "" {
				ev.SpeakerID = alt.Speaker
				e.sink.Emit(Event{Kind: EventSpeaker, SpeakerID: alt.Speaker})
			}
		}
		e.sink.Emit(ev)

	case "EndOfTranscript":
		e.logger.Info("end of transcript", "kind", KindSpeechmatics)

	case "Error":
		e.sink.OnError(fmt.Errorf("speechmatics: %s: %s", msg.Type, msg.Reason))

	default:
		e.logger.Debug("speechmatics message", "message", msg.Message)
	}
}
