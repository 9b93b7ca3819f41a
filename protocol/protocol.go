// Package protocol defines the wire messages exchanged between clients and the
// relay, and a codec that refuses to let anything off-schema through in either
// direction.
package protocol

import "fmt"

// ProtocolVersion is the single version this server speaks. A hello carrying
// anything else is rejected before a session exists.
const ProtocolVersion = 1

// Client → server message type tags.
const (
	TypeClientHello = "client.hello"
	TypeAudioFrame  = "audio.frame"
	TypeClientStop  = "client.stop"
)

// Server → client message type tags.
const (
	TypeServerReady     = "server.ready"
	TypeTurnStart       = "turn.start"
	TypeTurnFinal       = "turn.final"
	TypeSTTPartial      = "stt.partial"
	TypeSTTFinal        = "stt.final"
	TypeTranslateRevise = "translate.revise"
	TypeTranslateFinal  = "translate.final"
	TypeSummaryUpdate   = "summary.update"
	TypeServerError     = "server.error"
)

// Error codes carried by server.error.
const (
	CodeBadPayload       = "bad_payload"
	CodeHelloRequired    = "hello_required"
	CodeDuplicateHello   = "duplicate_hello"
	CodeSessionMismatch  = "session_mismatch"
	CodeBackpressureDrop = "backpressure_drop"
	CodeEngineFailure    = "engine_failure"
)

// PCMFormat is the only audio encoding accepted on audio.frame.
const PCMFormat = "pcm_s16le"

// SchemaError reports a payload that failed schema validation. It is always
// recoverable: the connection stays open and the offending message is dropped.
type SchemaError struct {
	Code  string
	Field string
	Msg   string
}

func (e *SchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("schema: %s: %s (%s)", e.Field, e.Msg, e.Code)
	}
	return fmt.Sprintf("schema: %s (%s)", e.Msg, e.Code)
}

func schemaErr(field, msg string) *SchemaError {
	return &SchemaError{Code: CodeBadPayload, Field: field, Msg: msg}
}

// LangPair is the translation pair requested on hello. Utterances in either
// language are translated into the other.
type LangPair struct {
	Lang1 string `json:"lang1"`
	Lang2 string `json:"lang2"`
}

// ClientMessage is implemented by every decodable client payload.
type ClientMessage interface {
	clientMessage()
}

// ClientHello opens (or implicitly configures) a session. First message on
// every connection.
type ClientHello struct {
	Type            string    `json:"type"`
	ProtocolVersion int       `json:"protocolVersion"`
	Langs           *LangPair `json:"langs,omitempty"`
	Context         string    `json:"context,omitempty"`
	Vocab           []string  `json:"vocab,omitempty"`
	Client          string    `json:"client,omitempty"`
}

func (ClientHello) clientMessage() {}

// AudioFrame carries one chunk of PCM16 mono audio. PCM is populated by the
// codec from pcm16Base64 and never serialized.
type AudioFrame struct {
	Type              string  `json:"type"`
	SessionID         string  `json:"sessionId"`
	PCM16Base64       string  `json:"pcm16Base64"`
	Format            string  `json:"format"`
	SampleRateHz      int     `json:"sampleRateHz"`
	Channels          int     `json:"channels"`
	ClientTimestampMs int64   `json:"clientTimestampMs,omitempty"`
	PCM               []int16 `json:"-"`
}

func (AudioFrame) clientMessage() {}

// ClientStop ends a session explicitly.
type ClientStop struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

func (ClientStop) clientMessage() {}

// ServerMessage is implemented by every encodable server payload. Validate is
// the server-side schema guard: a constructed message that fails it is a bug
// in the server, not client misbehavior, and must never be sent.
type ServerMessage interface {
	Validate() error
}

type ServerReady struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocolVersion"`
	SessionID       string `json:"sessionId"`
}

func (m ServerReady) Validate() error {
	if m.Type != TypeServerReady {
		return schemaErr("type", "must be "+TypeServerReady)
	}
	if m.ProtocolVersion != ProtocolVersion {
		return schemaErr("protocolVersion", "wrong version")
	}
	if m.SessionID == "" {
		return schemaErr("sessionId", "must be non-empty")
	}
	return nil
}

type TurnStart struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	TurnID    string `json:"turnId"`
	StartMs   int64  `json:"startMs"`
	SpeakerID string `json:"speakerId,omitempty"`
}

func (m TurnStart) Validate() error {
	if m.Type != TypeTurnStart {
		return schemaErr("type", "must be "+TypeTurnStart)
	}
	return requireIDs(m.SessionID, m.TurnID)
}

type TurnFinal struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	TurnID    string `json:"turnId"`
	StartMs   int64  `json:"startMs"`
	EndMs     int64  `json:"endMs"`
	SpeakerID string `json:"speakerId,omitempty"`
}

func (m TurnFinal) Validate() error {
	if m.Type != TypeTurnFinal {
		return schemaErr("type", "must be "+TypeTurnFinal)
	}
	if m.EndMs < m.StartMs {
		return schemaErr("endMs", "must not precede startMs")
	}
	return requireIDs(m.SessionID, m.TurnID)
}

type STTPartial struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	TurnID    string `json:"turnId"`
	SegmentID string `json:"segmentId"`
	Lang      string `json:"lang,omitempty"`
	Text      string `json:"text"`
	StartMs   int64  `json:"startMs"`
}

func (m STTPartial) Validate() error {
	if m.Type != TypeSTTPartial {
		return schemaErr("type", "must be "+TypeSTTPartial)
	}
	if m.SegmentID == "" {
		return schemaErr("segmentId", "must be non-empty")
	}
	return requireIDs(m.SessionID, m.TurnID)
}

type STTFinal struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	TurnID    string `json:"turnId"`
	SegmentID string `json:"segmentId"`
	Lang      string `json:"lang,omitempty"`
	Text      string `json:"text"`
	StartMs   int64  `json:"startMs"`
	EndMs     int64  `json:"endMs"`
}

func (m STTFinal) Validate() error {
	if m.Type != TypeSTTFinal {
		return schemaErr("type", "must be "+TypeSTTFinal)
	}
	if m.SegmentID == "" {
		return schemaErr("segmentId", "must be non-empty")
	}
	if m.EndMs < m.StartMs {
		return schemaErr("endMs", "must not precede startMs")
	}
	return requireIDs(m.SessionID, m.TurnID)
}

// TranslateRevise atomically replaces the previously shown draft translation
// for a turn. FullText is the whole translation, not a delta; the consumer
// keeps the max revision seen.
type TranslateRevise struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	TurnID     string `json:"turnId"`
	SegmentID  string `json:"segmentId"`
	From       string `json:"from"`
	To         string `json:"to"`
	Revision   int    `json:"revision"`
	FullText   string `json:"fullText"`
	SourceLang string `json:"sourceLang,omitempty"`
}

func (m TranslateRevise) Validate() error {
	if m.Type != TypeTranslateRevise {
		return schemaErr("type", "must be "+TypeTranslateRevise)
	}
	if m.To == "" {
		return schemaErr("to", "must be non-empty")
	}
	if m.Revision < 1 {
		return schemaErr("revision", "must be positive")
	}
	return requireIDs(m.SessionID, m.TurnID)
}

type TranslateFinal struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	TurnID     string `json:"turnId"`
	SegmentID  string `json:"segmentId"`
	From       string `json:"from"`
	To         string `json:"to"`
	Text       string `json:"text"`
	SourceLang string `json:"sourceLang,omitempty"`
}

func (m TranslateFinal) Validate() error {
	if m.Type != TypeTranslateFinal {
		return schemaErr("type", "must be "+TypeTranslateFinal)
	}
	if m.To == "" {
		return schemaErr("to", "must be non-empty")
	}
	return requireIDs(m.SessionID, m.TurnID)
}

type SummaryUpdate struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Summary   string `json:"summary"`
}

func (m SummaryUpdate) Validate() error {
	if m.Type != TypeSummaryUpdate {
		return schemaErr("type", "must be "+TypeSummaryUpdate)
	}
	if m.SessionID == "" {
		return schemaErr("sessionId", "must be non-empty")
	}
	return nil
}

type ServerError struct {
	Type        string `json:"type"`
	SessionID   string `json:"sessionId,omitempty"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

func (m ServerError) Validate() error {
	if m.Type != TypeServerError {
		return schemaErr("type", "must be "+TypeServerError)
	}
	if m.Code == "" {
		return schemaErr("code", "must be non-empty")
	}
	return nil
}

func requireIDs(sessionID, turnID string) error {
	if sessionID == "" {
		return schemaErr("sessionId", "must be non-empty")
	}
	if turnID == "" {
		return schemaErr("turnId", "must be non-empty")
	}
	return nil
}
