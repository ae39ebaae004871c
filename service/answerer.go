package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// Answerer synthesises a grounded answer from retrieved facts.
type Answerer interface {
	Answer(ctx context.Context, question string, facts []string) (string, error)
}

// OpenAIAnswerer prompts a chat model with the retrieved facts.
type OpenAIAnswerer struct {
	client openai.Client
	model  string
}

// OpenAIAnswererConfig configures the chat adapter. BaseURL is optional
// and supports compatible endpoints.
type OpenAIAnswererConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewOpenAIAnswerer builds the adapter.
func NewOpenAIAnswerer(cfg OpenAIAnswererConfig) *OpenAIAnswerer {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = string(openai.ChatModelGPT4oMini)
	}
	return &OpenAIAnswerer{client: openai.NewClient(opts...), model: model}
}

const answerSystemPrompt = "You answer questions using only the facts provided. " +
	"If the facts do not contain the answer, reply exactly with: INFO NOT FOUND."

// Answer sends the question and facts to the chat model.
func (a *OpenAIAnswerer) Answer(ctx context.Context, question string, facts []string) (string, error) {
	var prompt strings.Builder
	prompt.WriteString("Facts:\n")
	for i, fact := range facts {
		fmt.Fprintf(&prompt, "%d. %s\n", i+1, fact)
	}
	prompt.WriteString("\nQuestion: ")
	prompt.WriteString(question)

	resp, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(a.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(answerSystemPrompt),
			openai.UserMessage(prompt.String()),
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
