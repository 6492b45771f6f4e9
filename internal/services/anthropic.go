package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Anthropic provides an interface to the Anthropic API for large language model interactions. It
// streams chat completions using Claude models and re-encodes the events as Ollama chat frames.
type Anthropic struct {
	apiKey   string
	model    string
	params   LLMParameters
	endpoint string

	client *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	System        string             `json:"system,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float32           `json:"temperature,omitempty"`
	TopP          *float32           `json:"top_p,omitempty"`
	TopK          *int               `json:"top_k,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicResponse struct {
	Content []anthropicContentBlock `json:"content"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint = "https://api.anthropic.com/v1"

	anthropicDefaultMaxTokens = 4096
)

// NewAnthropic creates a new Anthropic instance with the specified API key and model name. The API
// requires max_tokens, so it defaults to anthropicDefaultMaxTokens when params leaves it unset.
func NewAnthropic(apiKey, model string, params LLMParameters, logger *slog.Logger) Anthropic {
	return Anthropic{
		apiKey:   apiKey,
		model:    model,
		params:   params,
		endpoint: anthropicAPIEndpoint,
		client:   &http.Client{},
		logger:   logger.With(slog.String("module", "anthropic")),
	}
}

// WithEndpoint returns a copy of a that talks to endpoint instead of the public API.
func (a Anthropic) WithEndpoint(endpoint string) Anthropic {
	a.endpoint = endpoint
	return a
}

// anthropicMessages splits the leading system messages off the conversation, as the API takes them
// as a separate field.
func anthropicMessages(messages []models.Message) (string, []anthropicMessage) {
	var system []string
	msgs := make([]anthropicMessage, 0, len(messages))
	for _, msg := range messages {
		text := msg.Text()
		if msg.Role == models.RoleSystem {
			if text != "" {
				system = append(system, text)
			}
			continue
		}
		if text == "" && len(msg.Images) == 0 {
			continue
		}

		blocks := make([]anthropicContentBlock, 0, len(msg.Images)+1)
		for _, img := range msg.Images {
			blocks = append(blocks, anthropicContentBlock{
				Type: "image",
				Source: &anthropicImageSource{
					Type:      "base64",
					MediaType: img.MimeType,
					Data:      img.Data,
				},
			})
		}
		if text != "" {
			blocks = append(blocks, anthropicContentBlock{Type: "text", Text: text})
		}
		msgs = append(msgs, anthropicMessage{
			Role:    string(msg.Role),
			Content: blocks,
		})
	}
	return strings.Join(system, "\n\n"), msgs
}

// Stream posts the conversation with streaming enabled and returns the events re-encoded as Ollama
// chat frames.
func (a Anthropic) Stream(ctx context.Context, messages []models.Message) (io.ReadCloser, error) {
	system, msgs := anthropicMessages(messages)

	resp, err := a.doRequest(ctx, system, msgs, true)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}

	return pipeFrames(a.model, resp.Body, func(emit func(string) error) error {
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				return fmt.Errorf("error reading response: %w", err)
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					return fmt.Errorf("error unmarshaling error: %w", err)
				}
				return fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message)
			case "message_stop":
				return nil
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					a.logger.Warn("Skipping event",
						slog.String("event", ev.Data),
						slog.String(errLoggerKey, err.Error()))
					continue
				}
				if res.Delta.Text == "" {
					continue
				}
				if err := emit(res.Delta.Text); err != nil {
					return err
				}
			default:
				continue
			}
		}
		return nil
	}), nil
}

// GenerateTitle asks the model for a short title of message, following instruction.
func (a Anthropic) GenerateTitle(ctx context.Context, instruction, message string) (string, error) {
	msgs := []anthropicMessage{
		{
			Role:    string(models.RoleUser),
			Content: []anthropicContentBlock{{Type: "text", Text: message}},
		},
	}

	resp, err := a.doRequest(ctx, instruction, msgs, false)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	var res anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}

	for _, block := range res.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", errors.New("no text content found")
}

func (a Anthropic) doRequest(
	ctx context.Context,
	system string,
	msgs []anthropicMessage,
	stream bool,
) (*http.Response, error) {
	maxTokens := anthropicDefaultMaxTokens
	if a.params.MaxTokens != nil {
		maxTokens = *a.params.MaxTokens
	}

	reqBody := anthropicChatRequest{
		Model:         a.model,
		Messages:      msgs,
		System:        system,
		MaxTokens:     maxTokens,
		Temperature:   a.params.Temperature,
		TopP:          a.params.TopP,
		TopK:          a.params.TopK,
		StopSequences: a.params.Stop,
		Stream:        stream,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.endpoint+"/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	if !isSuccess(resp) {
		return nil, statusError(resp)
	}

	return resp, nil
}
