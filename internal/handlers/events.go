package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/MegaGrindStone/nova-chat/internal/session"
	"github.com/tmaxmax/go-sse"
)

// SSE event types for real-time updates.
var (
	chatsSSEType    = sse.Type("chats")
	messagesSSEType = sse.Type("messages")
)

// JSON event names.
const (
	transcriptEvent = "transcript"
	turnEvent       = "turn"
)

type turnResult struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Cancelled bool   `json:"cancelled"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Malformed int    `json:"malformed"`
	Persisted bool   `json:"persisted"`
	SaveError string `json:"save_error,omitempty"`
}

// publishSessionEvent forwards session events to the SSE clients watching the chat or its last message.
func (m *Main) publishSessionEvent(ev session.Event) {
	if len(ev.Messages) == 0 {
		return
	}
	last := ev.Messages[len(ev.Messages)-1]

	if last.Role == models.RoleAssistant {
		m.publishMessage(last)
	}
	m.publishJSON(transcriptEvent, ev.Messages, chatIDTopic(ev.ConversationID))

	if ev.Kind != session.EventTurnEnded || ev.Result == nil {
		return
	}

	res := ev.Result
	te := turnResult{
		ChatID:    ev.ConversationID,
		MessageID: res.AssistantID,
		Cancelled: res.Cancelled,
		Malformed: res.Malformed,
		Persisted: res.Persisted,
	}
	if res.Err != nil {
		te.Error = res.Err.Error()
		te.ErrorKind = session.KindOf(res.Err).String()
	}
	if res.PersistErr != nil {
		te.SaveError = res.PersistErr.Error()
	}
	m.publishJSON(turnEvent, te, chatIDTopic(ev.ConversationID), messageIDTopic(res.AssistantID))

	// The chat moved to the top of the list once it was saved.
	if res.Persisted {
		m.publishChats(ev.ConversationID)
	}
}

func (m *Main) publishMessage(msg models.Message) {
	content, err := m.renderMarkdown(msg.Text())
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	e := sse.Message{Type: messagesSSEType}
	e.AppendData(string(content))
	if err := m.sseSrv.Publish(&e, messageIDTopic(msg.ID)); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m *Main) publishJSON(name string, v any, topics ...string) {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("Failed to marshal event",
			slog.String("type", name),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	e := sse.Message{Type: sse.Type(name)}
	e.AppendData(string(data))
	if err := m.sseSrv.Publish(&e, topics...); err != nil {
		m.logger.Error("Failed to publish event",
			slog.String("type", name),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m *Main) publishChats(activeID string) {
	divs, err := m.chatDivs(context.Background(), activeID)
	if err != nil {
		m.logger.Error("Failed to generate chat divs",
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{
		Type: chatsSSEType,
	}
	msg.AppendData(divs)
	if err := m.sseSrv.Publish(&msg, chatsSSETopic); err != nil {
		m.logger.Error("Failed to publish chats",
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m *Main) chatDivs(ctx context.Context, activeID string) (string, error) {
	chats, err := m.store.Chats(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get chats: %w", err)
	}

	var sb strings.Builder
	for _, ch := range chats {
		err := m.templates.ExecuteTemplate(&sb, "chat_title", chatView(ch, activeID))
		if err != nil {
			return "", fmt.Errorf("failed to execute chat_title template: %w", err)
		}
	}
	return sb.String(), nil
}

func chatView(ch models.Chat, activeID string) chat {
	title := ch.Title
	if title == "" {
		title = "New chat"
	}
	return chat{
		ID:     ch.ID,
		Title:  title,
		Active: ch.ID == activeID,
	}
}
