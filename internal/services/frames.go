package services

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/ollama/ollama/api"
)

type closerFunc func() error

const (
	// maxErrorBody bounds how much of a failed response ends up in an error.
	maxErrorBody = 4096

	errLoggerKey = "err"
)

func (f closerFunc) Close() error {
	return f()
}

// pipeFrames runs produce in its own goroutine and returns the read side of a pipe that carries every
// token passed to emit as one newline-terminated Ollama chat frame. A final done frame is written when
// produce returns nil; otherwise the reader gets produce's error. upstream is closed once produce
// returns. Closing the returned reader makes the next emit fail, which ends produce.
func pipeFrames(model string, upstream io.Closer, produce func(emit func(string) error) error) io.ReadCloser {
	pr, pw := io.Pipe()

	go func() {
		defer upstream.Close()

		enc := json.NewEncoder(pw)
		emit := func(content string) error {
			return enc.Encode(api.ChatResponse{
				Model:     model,
				CreatedAt: time.Now(),
				Message: api.Message{
					Role:    string(models.RoleAssistant),
					Content: content,
				},
			})
		}

		err := produce(emit)
		if err == nil {
			err = enc.Encode(api.ChatResponse{
				Model:      model,
				CreatedAt:  time.Now(),
				Message:    api.Message{Role: string(models.RoleAssistant)},
				Done:       true,
				DoneReason: "stop",
			})
		}
		// A nil error closes the pipe with io.EOF.
		pw.CloseWithError(err)
	}()

	return pr
}

// statusError reads the body of a non-2xx response into an error and closes it.
func statusError(resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
}

func isSuccess(resp *http.Response) bool {
	return resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices
}

// dataURL renders an attachment the way OpenAI-compatible APIs expect inline images.
func dataURL(a models.Attachment) string {
	return "data:" + a.MimeType + ";base64," + a.Data
}
