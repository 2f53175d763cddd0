package inference

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/aqyn/pkg/chat"
	"github.com/go-go-golems/aqyn/pkg/events"
)

// OpenAIConfig configures one OpenAI-compatible endpoint. BaseURL may point
// at any compatible server (e.g. a local Ollama instance).
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
}

// OpenAIEngine implements Engine and Completer on the OpenAI chat API.
type OpenAIEngine struct {
	client      *openai.Client
	model       string
	temperature float32
}

var (
	_ Engine    = &OpenAIEngine{}
	_ Completer = &OpenAIEngine{}
)

func NewOpenAIEngine(cfg OpenAIConfig) (*OpenAIEngine, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("openai engine: empty model")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.7
	}
	return &OpenAIEngine{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: temperature,
	}, nil
}

func (e *OpenAIEngine) RunInference(ctx context.Context, req Request) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == chat.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	stream, err := e.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       e.model,
		Stream:      true,
		Temperature: e.temperature,
		Messages:    msgs,
	})
	if err != nil {
		return "", errors.Wrap(err, "create completion stream")
	}
	defer func() { _ = stream.Close() }()

	events.PublishToContext(ctx, events.NewStartEvent(req.Meta))

	var full strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return full.String(), errors.Wrap(err, "completion stream recv")
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		events.PublishToContext(ctx, events.NewPartialEvent(req.Meta, delta, full.String()))
	}
	log.Debug().Str("model", e.model).Int("reply_len", full.Len()).Msg("completion stream finished")
	return full.String(), nil
}

func (e *OpenAIEngine) Complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.model,
		Temperature: e.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "create completion")
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
