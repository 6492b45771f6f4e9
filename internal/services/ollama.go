package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama streams chat completions from an Ollama server. Stream hands the raw response body to the
// caller, so the newline-delimited frames are decoded by the session rather than by the client library.
type Ollama struct {
	host   *url.URL
	model  string
	params LLMParameters

	httpClient *http.Client
	client     *api.Client

	logger *slog.Logger
}

// NewOllama creates a new Ollama instance with the specified host URL and model name. The host
// parameter should be a valid URL pointing to an Ollama server.
func NewOllama(host, model string, params LLMParameters, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: missing scheme or host", host)
	}

	httpClient := &http.Client{}
	return Ollama{
		host:       u,
		model:      model,
		params:     params,
		httpClient: httpClient,
		client:     api.NewClient(u, httpClient),
		logger:     logger.With(slog.String("module", "ollama")),
	}, nil
}

func ollamaMessages(messages []models.Message) ([]api.Message, error) {
	msgs := make([]api.Message, 0, len(messages))
	for _, msg := range messages {
		text := msg.Text()
		if text == "" && len(msg.Images) == 0 {
			continue
		}

		var images []api.ImageData
		for _, img := range msg.Images {
			data, err := base64.StdEncoding.DecodeString(img.Data)
			if err != nil {
				return nil, fmt.Errorf("error decoding image %s: %w", img.FileName, err)
			}
			images = append(images, api.ImageData(data))
		}

		msgs = append(msgs, api.Message{
			Role:    string(msg.Role),
			Content: text,
			Images:  images,
		})
	}
	return msgs, nil
}

// Stream posts the conversation to /api/chat and returns the streaming response body. It fails before
// any byte is read when the request cannot be sent or the server answers with a non-2xx status.
func (o Ollama) Stream(ctx context.Context, messages []models.Message) (io.ReadCloser, error) {
	msgs, err := ollamaMessages(messages)
	if err != nil {
		return nil, err
	}

	t := true
	req := api.ChatRequest{
		Model:    o.model,
		Messages: msgs,
		Stream:   &t,
		Options:  o.params.ollamaOptions(),
	}

	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.host.JoinPath("api", "chat").String(), bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	o.logger.Debug("Sending chat request",
		slog.String("model", o.model),
		slog.Int("messages", len(msgs)))

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if !isSuccess(resp) {
		return nil, statusError(resp)
	}

	return resp.Body, nil
}

// Models lists the models available on the server.
func (o Ollama) Models(ctx context.Context) ([]string, error) {
	res, err := o.client.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing models: %w", err)
	}

	names := make([]string, len(res.Models))
	for i, m := range res.Models {
		names[i] = m.Name
	}
	return names, nil
}

// GenerateTitle asks the model for a short title of message, following instruction.
func (o Ollama) GenerateTitle(ctx context.Context, instruction, message string) (string, error) {
	f := false
	req := api.ChatRequest{
		Model: o.model,
		Messages: []api.Message{
			{
				Role:    string(models.RoleSystem),
				Content: instruction,
			},
			{
				Role:    string(models.RoleUser),
				Content: message,
			},
		},
		Stream: &f,
	}

	var title string

	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		title += res.Message.Content
		return nil
	}); err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	return title, nil
}
