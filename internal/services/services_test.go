package services_test

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/MegaGrindStone/nova-chat/internal/stream"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// readFrames drains body and returns the concatenated content of its frames and whether a done frame
// was seen.
func readFrames(t *testing.T, body io.ReadCloser) (string, bool) {
	t.Helper()
	defer body.Close()

	b, err := io.ReadAll(body)
	require.NoError(t, err)

	var dec stream.Decoder
	candidates := dec.Feed(b)
	if rest := dec.Flush(); rest != nil {
		candidates = append(candidates, rest)
	}

	var (
		sb   strings.Builder
		done bool
	)
	for _, c := range candidates {
		f, err := stream.ParseFrame(c)
		require.NoError(t, err)
		sb.WriteString(f.Message.Content)
		done = done || f.Done
	}
	return sb.String(), done
}

func conversation() []models.Message {
	return []models.Message{
		models.NewSystemMessage("Be brief."),
		models.NewUserMessage("Hello", nil),
		models.NewAssistantPlaceholder(),
		models.NewUserMessage("What is this?", []models.Attachment{
			{Data: "aGVsbG8=", MimeType: "image/png", FileName: "hello.png"},
		}),
	}
}

func ptr[T any](v T) *T {
	return &v
}
