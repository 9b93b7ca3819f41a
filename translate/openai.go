package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

const translatorSystemPrompt = `You are a live interpretation engine. You receive one utterance plus
conversation context and return JSON only, shaped as
{"translations": {"<lang>": "<text>", ...}, "summary": "<updated running summary>", "sourceLang": "<detected source language>"}.
Translate the utterance into every requested target language. When previous
partial translations are supplied, revise them for consistency instead of
retranslating from scratch. Keep the summary to a few sentences. No prose
outside the JSON object.`

// OpenAITranslator reaches an OpenAI-compatible chat-completions backend.
type OpenAITranslator struct {
	client openai.Client
	model  string
	logger *log.Logger
}

func NewOpenAITranslator(apiKey, baseURL, model string, logger *log.Logger) *OpenAITranslator {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	return &OpenAITranslator{
		client: openai.NewClient(opts...),
		model:  model,
		logger: logger,
	}
}

func (t *OpenAITranslator) Translate(ctx context.Context, req Request) (Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal translation request: %w", err)
	}

	completion, err := t.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: t.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(translatorSystemPrompt),
			openai.UserMessage(string(payload)),
		},
	})
	if err != nil {
		return Response{}, fmt.Errorf("translation backend request failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return Response{}, fmt.Errorf("translation backend returned no choices")
	}

	var resp Response
	content := stripFences(completion.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &resp); err != nil {
		return Response{}, fmt.Errorf("failed to parse translation response: %w", err)
	}
	return resp, nil
}

// stripFences tolerates backends that wrap their JSON in a markdown block.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}
