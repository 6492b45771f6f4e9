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

	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// OpenRouter streams chat completions from the OpenRouter API. The server-sent events are re-encoded as
// Ollama chat frames.
type OpenRouter struct {
	apiKey   string
	model    string
	params   LLMParameters
	endpoint string

	client *http.Client

	logger *slog.Logger
}

type openRouterChatRequest struct {
	Model            string              `json:"model"`
	Messages         []openRouterMessage `json:"messages"`
	Stream           bool                `json:"stream"`
	Temperature      *float32            `json:"temperature,omitempty"`
	TopP             *float32            `json:"top_p,omitempty"`
	TopK             *int                `json:"top_k,omitempty"`
	MaxTokens        *int                `json:"max_tokens,omitempty"`
	Stop             []string            `json:"stop,omitempty"`
	Seed             *int                `json:"seed,omitempty"`
	PresencePenalty  *float32            `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float32            `json:"frequency_penalty,omitempty"`
}

// openRouterMessage content is either a string or a list of openRouterContentPart.
type openRouterMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openRouterContentPart struct {
	Type     string              `json:"type"`
	Text     string              `json:"text,omitempty"`
	ImageURL *openRouterImageURL `json:"image_url,omitempty"`
}

type openRouterImageURL struct {
	URL string `json:"url"`
}

type openRouterStreamingResponse struct {
	Choices []openRouterStreamingChoice `json:"choices"`
	Error   *openRouterError            `json:"error"`
}

type openRouterStreamingChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
}

type openRouterResponse struct {
	Choices []openRouterChoice `json:"choices"`
}

type openRouterChoice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

type openRouterError struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
}

type openRouterModels struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

const (
	openRouterAPIEndpoint = "https://openrouter.ai/api/v1"
)

// NewOpenRouter creates a new OpenRouter instance with the specified API key and model name.
func NewOpenRouter(apiKey, model string, params LLMParameters, logger *slog.Logger) OpenRouter {
	return OpenRouter{
		apiKey:   apiKey,
		model:    model,
		params:   params,
		endpoint: openRouterAPIEndpoint,
		client:   &http.Client{},
		logger:   logger.With(slog.String("module", "openrouter")),
	}
}

// WithEndpoint returns a copy of o that talks to endpoint instead of the public API.
func (o OpenRouter) WithEndpoint(endpoint string) OpenRouter {
	o.endpoint = endpoint
	return o
}

// Stream posts the conversation with streaming enabled and returns the events re-encoded as Ollama
// chat frames.
func (o OpenRouter) Stream(ctx context.Context, messages []models.Message) (io.ReadCloser, error) {
	resp, err := o.doRequest(ctx, openRouterMessages(messages), true)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}

	return pipeFrames(o.model, resp.Body, func(emit func(string) error) error {
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				return fmt.Errorf("error reading response: %w", err)
			}

			if ev.Data == "[DONE]" {
				return nil
			}

			var res openRouterStreamingResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				o.logger.Warn("Skipping event",
					slog.String("event", ev.Data),
					slog.String(errLoggerKey, err.Error()))
				continue
			}
			if res.Error != nil {
				return fmt.Errorf("openrouter error %v: %s", res.Error.Code, res.Error.Message)
			}

			if len(res.Choices) == 0 {
				continue
			}
			if content := res.Choices[0].Delta.Content; content != "" {
				if err := emit(content); err != nil {
					return err
				}
			}
		}
		return nil
	}), nil
}

// Models lists the models OpenRouter serves.
func (o OpenRouter) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if !isSuccess(resp) {
		return nil, statusError(resp)
	}
	defer resp.Body.Close()

	var res openRouterModels
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}

	ids := make([]string, len(res.Data))
	for i, m := range res.Data {
		ids[i] = m.ID
	}
	return ids, nil
}

// GenerateTitle generates a title for a given message using the OpenRouter API. It sends a single message to the
// OpenRouter API and returns the first response content as the title. The context can be used to cancel ongoing
// requests.
func (o OpenRouter) GenerateTitle(ctx context.Context, instruction, message string) (string, error) {
	msgs := []openRouterMessage{
		{Role: string(models.RoleSystem), Content: instruction},
		{Role: string(models.RoleUser), Content: message},
	}

	resp, err := o.doRequest(ctx, msgs, false)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	var res openRouterResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}

	if len(res.Choices) == 0 {
		return "", errors.New("no choices found")
	}

	return res.Choices[0].Message.Content, nil
}

func openRouterMessages(messages []models.Message) []openRouterMessage {
	msgs := make([]openRouterMessage, 0, len(messages))
	for _, msg := range messages {
		text := msg.Text()
		if text == "" && len(msg.Images) == 0 {
			continue
		}

		if len(msg.Images) == 0 {
			msgs = append(msgs, openRouterMessage{
				Role:    string(msg.Role),
				Content: text,
			})
			continue
		}

		parts := make([]openRouterContentPart, 0, len(msg.Images)+1)
		if text != "" {
			parts = append(parts, openRouterContentPart{Type: "text", Text: text})
		}
		for _, img := range msg.Images {
			parts = append(parts, openRouterContentPart{
				Type:     "image_url",
				ImageURL: &openRouterImageURL{URL: dataURL(img)},
			})
		}
		msgs = append(msgs, openRouterMessage{
			Role:    string(msg.Role),
			Content: parts,
		})
	}
	return msgs
}

func (o OpenRouter) doRequest(ctx context.Context, msgs []openRouterMessage, stream bool) (*http.Response, error) {
	reqBody := openRouterChatRequest{
		Model:            o.model,
		Messages:         msgs,
		Stream:           stream,
		Temperature:      o.params.Temperature,
		TopP:             o.params.TopP,
		TopK:             o.params.TopK,
		MaxTokens:        o.params.MaxTokens,
		Stop:             o.params.Stop,
		Seed:             o.params.Seed,
		PresencePenalty:  o.params.PresencePenalty,
		FrequencyPenalty: o.params.FrequencyPenalty,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	o.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.endpoint+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/MegaGrindStone/nova-chat/")
	req.Header.Set("X-Title", "Nova Chat")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	if !isSuccess(resp) {
		return nil, statusError(resp)
	}

	return resp, nil
}
