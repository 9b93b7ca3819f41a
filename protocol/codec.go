package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

type envelope struct {
	Type string `json:"type"`
}

// DecodeClientMessage parses and validates one client payload. Anything with
// an unknown type tag or an off-schema field comes back as a *SchemaError;
// the caller decides how to surface it.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, schemaErr("", "malformed json")
	}

	switch env.Type {
	case TypeClientHello:
		var m ClientHello
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, schemaErr("", "malformed "+TypeClientHello)
		}
		if m.ProtocolVersion != ProtocolVersion {
			return nil, schemaErr(
				"protocolVersion",
				fmt.Sprintf("expected %d", ProtocolVersion),
			)
		}
		if m.Langs != nil && (m.Langs.Lang1 == "" || m.Langs.Lang2 == "") {
			return nil, schemaErr("langs", "both languages must be non-empty")
		}
		return m, nil

	case TypeAudioFrame:
		var m AudioFrame
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, schemaErr("", "malformed "+TypeAudioFrame)
		}
		if m.SessionID == "" {
			return nil, schemaErr("sessionId", "must be non-empty")
		}
		if m.Format != PCMFormat {
			return nil, schemaErr("format", "must be "+PCMFormat)
		}
		if m.SampleRateHz <= 0 {
			return nil, schemaErr("sampleRateHz", "must be a positive integer")
		}
		if m.Channels != 1 {
			return nil, schemaErr("channels", "must equal 1")
		}
		raw, err := base64.StdEncoding.DecodeString(m.PCM16Base64)
		if err != nil {
			return nil, schemaErr("pcm16Base64", "invalid base64")
		}
		if len(raw)%2 != 0 {
			return nil, schemaErr("pcm16Base64", "odd byte count for pcm16")
		}
		m.PCM = decodePCM16(raw)
		return m, nil

	case TypeClientStop:
		var m ClientStop
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, schemaErr("", "malformed "+TypeClientStop)
		}
		if m.SessionID == "" {
			return nil, schemaErr("sessionId", "must be non-empty")
		}
		return m, nil

	case "":
		return nil, schemaErr("type", "missing")

	default:
		return nil, schemaErr("type", "unknown type "+env.Type)
	}
}

// EncodeServerMessage validates and serializes a server payload. A validation
// failure here means the server constructed a message that drifted off its own
// schema; the caller must treat that as an internal defect, never send it.
func EncodeServerMessage(m ServerMessage) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal server message: %w", err)
	}
	return data, nil
}

// EncodePCM16 converts samples to the little-endian byte layout used on the
// wire and by the recognition engines.
func EncodePCM16(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

func decodePCM16(raw []byte) []int16 {
	pcm := make([]int16, len(raw)/2)
	for i := range pcm {
		pcm[i] = int16(raw[i*2]) | int16(raw[i*2+1])<<8
	}
	return pcm
}
