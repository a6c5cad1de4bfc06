// Package suggest asks a language model for a reply to the latest
// messages of a conversation. Failures yield an empty suggestion.
package suggest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// HistorySize is how many recent messages are sent to the model.
const HistorySize = 5

const DefaultModel = "gpt-4o-mini"

var promptTmpl = template.Must(template.New("suggest").Parse(
	`Recent messages:
{{range .Lines}}{{.SenderName}}: {{.Text}}
{{end}}
Suggest a single concise reply for {{.Username}}. Return ONLY the reply text.`))

// Line is one message of the conversation context.
type Line struct {
	SenderName string
	Text       string
}

type Suggester struct {
	model  llms.Model
	logger *slog.Logger
}

// New wraps model. A nil model disables suggestions.
func New(model llms.Model, logger *slog.Logger) *Suggester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Suggester{model: model, logger: logger}
}

// NewOpenAI builds a Suggester backed by the OpenAI API. An empty key
// disables suggestions.
func NewOpenAI(apiKey, model string, logger *slog.Logger) (*Suggester, error) {
	if apiKey == "" {
		return New(nil, logger), nil
	}
	if model == "" {
		model = DefaultModel
	}
	client, err := openai.New(
		openai.WithModel(model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}
	return New(client, logger), nil
}

// Enabled reports whether a model is configured.
func (s *Suggester) Enabled() bool {
	return s != nil && s.model != nil
}

// Suggest returns a reply suggestion for username given the last
// HistorySize lines of history, or "" if none could be produced.
func (s *Suggester) Suggest(ctx context.Context, username string, history []Line) string {
	if !s.Enabled() || len(history) == 0 {
		return ""
	}
	if len(history) > HistorySize {
		history = history[len(history)-HistorySize:]
	}

	var prompt strings.Builder
	err := promptTmpl.Execute(&prompt, struct {
		Username string
		Lines    []Line
	}{username, history})
	if err != nil {
		s.logger.Error("error while executing suggestion prompt", "error", err)
		return ""
	}

	resp, err := s.model.GenerateContent(ctx,
		[]llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt.String())},
		llms.WithMaxTokens(100),
	)
	if err != nil {
		s.logger.Warn("suggestion failed", "error", err)
		return ""
	}
	if len(resp.Choices) == 0 {
		s.logger.Warn("no suggestion returned")
		return ""
	}
	return strings.Trim(strings.TrimSpace(resp.Choices[0].Content), `"`)
}
