package handlers

import (
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/MegaGrindStone/nova-chat/internal/session"
)

// HandleHome renders the chat list and, when the chat_id query parameter names a chat, its transcript.
// A chat with a reply in flight is rendered with the reply marked as loading, so the page picks up the
// stream where it is.
func (m *Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")

	chats, err := m.store.Chats(r.Context())
	if err != nil {
		m.logger.Error("Failed to get chats", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := homePageData{
		Chats:         make([]chat, len(chats)),
		CurrentChatID: chatID,
	}
	for i, ch := range chats {
		data.Chats[i] = chatView(ch, chatID)
	}

	if chatID != "" {
		var (
			messages  []models.Message
			streaming bool
		)
		if sess, ok := m.existingSession(chatID); ok {
			messages = sess.Messages()
			streaming = sess.State() == session.StateStreaming
		} else {
			messages, err = m.store.Messages(r.Context(), chatID)
			if err != nil {
				m.logger.Error("Failed to get messages",
					slog.String("chatID", chatID),
					slog.String(errLoggerKey, err.Error()))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}

		data.Messages, err = m.messageViews(messages, streaming)
		if err != nil {
			m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	m.executeTemplate(w, "home.html", data)
}
