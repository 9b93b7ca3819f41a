// Package translate orchestrates per-turn translation lifecycles: debounced
// draft revisions while a turn is open, per-language finals when it closes,
// and the rolling history/summary context handed to the backend.
package translate

import "context"

// Exchange is one finalized utterance with its translations, kept in the
// session's rolling history.
type Exchange struct {
	Text         string            `json:"text"`
	Lang         string            `json:"lang,omitempty"`
	Translations map[string]string `json:"translations"`
}

// Request is the adapter contract: everything the backend needs to produce a
// consistent revision rather than a from-scratch retranslation.
type Request struct {
	Text          string            `json:"text"`
	SourceLang    string            `json:"sourceLang,omitempty"`
	IsFinal       bool              `json:"isFinal"`
	TargetLangs   []string          `json:"targetLangs"`
	History       []Exchange        `json:"history,omitempty"`
	Summary       string            `json:"summary,omitempty"`
	StaticContext string            `json:"staticContext,omitempty"`
	PrevPartial   map[string]string `json:"prevPartial,omitempty"`
}

type Response struct {
	Translations       map[string]string `json:"translations"`
	Summary            string            `json:"summary,omitempty"`
	DetectedSourceLang string            `json:"sourceLang,omitempty"`
}

// Translator is the boundary to the external translation backend.
type Translator interface {
	Translate(ctx context.Context, req Request) (Response, error)
}
