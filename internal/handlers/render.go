package handlers

import (
	"bytes"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	chromahtml "github.com/alecthomas/chroma/formatters/html"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

type chat struct {
	ID    string
	Title string

	Active bool
}

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Images    []image
	Timestamp time.Time

	StreamingState string
}

type image struct {
	URL      template.URL
	FileName string
}

type homePageData struct {
	Chats         []chat
	CurrentChatID string
	Messages      []message
}

const (
	streamingStateLoading = "loading"
	streamingStateEnded   = "ended"
)

func newMarkdown() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(
				highlighting.WithStyle("dracula"),
				highlighting.WithFormatOptions(
					chromahtml.WithLineNumbers(false),
				),
			),
		),
	)
}

func newPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").OnElements("code", "pre", "span")
	// Inline styles come from the highlighter.
	p.AllowAttrs("style").OnElements("pre", "span")
	return p
}

// renderMarkdown converts model or user text to sanitized HTML. Raw HTML in the source is dropped.
func (m *Main) renderMarkdown(src string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := m.md.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}
	return template.HTML(m.policy.SanitizeBytes(buf.Bytes())), nil
}

func (m *Main) messageView(msg models.Message, streamingState string) (message, error) {
	content, err := m.renderMarkdown(msg.Text())
	if err != nil {
		return message{}, err
	}

	images := make([]image, 0, len(msg.Images))
	for _, img := range msg.Images {
		images = append(images, image{
			// Data URLs are not trusted by html/template, and the payload is our own base64 encoding.
			URL:      template.URL("data:" + img.MimeType + ";base64," + img.Data),
			FileName: img.FileName,
		})
	}

	return message{
		ID:             msg.ID,
		Role:           string(msg.Role),
		Content:        content,
		Images:         images,
		Timestamp:      msg.Timestamp,
		StreamingState: streamingState,
	}, nil
}

// messageViews renders a transcript. When streaming is set, the last message is marked as loading.
func (m *Main) messageViews(msgs []models.Message, streaming bool) ([]message, error) {
	views := make([]message, len(msgs))
	for i, msg := range msgs {
		state := streamingStateEnded
		if streaming && i == len(msgs)-1 {
			state = streamingStateLoading
		}
		v, err := m.messageView(msg, state)
		if err != nil {
			return nil, err
		}
		views[i] = v
	}
	return views, nil
}

func (m *Main) executeTemplate(w http.ResponseWriter, name string, data any) {
	var buf bytes.Buffer
	if err := m.templates.ExecuteTemplate(&buf, name, data); err != nil {
		m.logger.Error("Failed to execute template",
			slog.String("template", name),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}
