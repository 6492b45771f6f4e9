package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/MegaGrindStone/nova-chat/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	maxUploadSize = 32 << 20

	titleTimeout  = 30 * time.Second
	maxTitleRunes = 48
)

var errNotImage = errors.New("attachment is not an image")

// HandleChats processes chat interactions through HTTP POST requests, managing both new chat creation
// and message handling. It accepts user messages through form data, optionally with image files, and
// submits them to the session of the chat, which streams the AI response in the background.
//
// The handler expects a "message" form field, an optional "chat_id" field and optional "images" files.
// If no chat_id is provided, it creates a new chat and generates its title asynchronously. The AI
// response is streamed to clients through Server-Sent Events (SSE).
//
// A chat that is still streaming its previous reply answers with 409 Conflict and is left untouched.
// For successful requests, it renders either a complete chatbox template for new chats or the user and
// AI message templates for existing chats.
func (m *Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			http.Error(w, "Invalid multipart form", http.StatusBadRequest)
			return
		}
	}

	msg := strings.TrimSpace(r.FormValue("message"))
	images, err := formImages(r)
	if err != nil {
		m.logger.Error("Failed to read attachments", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if msg == "" && len(images) == 0 {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	chatID := r.FormValue("chat_id")
	// We track if this is a new chat to determine the appropriate template rendering strategy
	isNewChat := false
	if chatID == "" {
		chatID, err = m.newChat(r.Context())
		if err != nil {
			m.logger.Error("Failed to create new chat", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		isNewChat = true
	} else if _, err := m.store.Chat(r.Context(), chatID); err != nil {
		if errors.Is(err, models.ErrChatNotFound) {
			http.Error(w, "Chat not found", http.StatusNotFound)
			return
		}
		m.logger.Error("Failed to get chat", slog.String("chatID", chatID), slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	sess, err := m.session(r.Context(), chatID)
	if err != nil {
		m.logger.Error("Failed to open session", slog.String("chatID", chatID), slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := sess.Submit(msg, images); err != nil {
		switch {
		case errors.Is(err, session.ErrBusy):
			http.Error(w, "A reply is still streaming, cancel it or wait for it to finish", http.StatusConflict)
		case errors.Is(err, session.ErrEmptyMessage):
			http.Error(w, "Message is required", http.StatusBadRequest)
		default:
			m.logger.Error("Failed to submit message", slog.String("chatID", chatID), slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	messages := sess.Messages()

	if isNewChat {
		go m.generateChatTitle(chatID, msg)

		// For new chats, we render the whole transcript with the AI message marked as loading
		msgs, err := m.messageViews(messages, true)
		if err != nil {
			m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		m.executeTemplate(w, "chatbox", homePageData{
			CurrentChatID: chatID,
			Messages:      msgs,
		})
		return
	}

	// The submitted turn always ends with the user message and the AI placeholder.
	msgs, err := m.messageViews(messages[len(messages)-2:], true)
	if err != nil {
		m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m.executeTemplate(w, "turn", msgs)
}

// HandleCancel stops the reply streaming in a chat. The content received so far is kept.
func (m *Main) HandleCancel(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if sess, ok := m.existingSession(chatID); ok {
		sess.Cancel()
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleMessages responds with the JSON transcript of a chat, including a reply still streaming.
func (m *Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	var messages []models.Message
	if sess, ok := m.existingSession(chatID); ok {
		messages = sess.Messages()
	} else {
		if _, err := m.store.Chat(r.Context(), chatID); err != nil {
			if errors.Is(err, models.ErrChatNotFound) {
				http.Error(w, "Chat not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		var err error
		messages, err = m.store.Messages(r.Context(), chatID)
		if err != nil {
			m.logger.Error("Failed to get messages", slog.String("chatID", chatID), slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	if messages == nil {
		messages = []models.Message{}
	}

	writeJSON(w, messages)
}

// HandleModels responds with the JSON list of models the LLM serves.
func (m *Main) HandleModels(w http.ResponseWriter, r *http.Request) {
	lister, ok := m.llm.(ModelLister)
	if !ok {
		http.Error(w, "Model listing is not supported by this provider", http.StatusNotImplemented)
		return
	}

	names, err := lister.Models(r.Context())
	if err != nil {
		m.logger.Error("Failed to list models", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	writeJSON(w, names)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func formImages(r *http.Request) ([]models.Attachment, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}

	headers := r.MultipartForm.File["images"]
	images := make([]models.Attachment, 0, len(headers))
	for _, fh := range headers {
		img, err := readImage(fh)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", fh.Filename, err)
		}
		images = append(images, img)
	}
	return images, nil
}

func readImage(fh *multipart.FileHeader) (models.Attachment, error) {
	f, err := fh.Open()
	if err != nil {
		return models.Attachment{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return models.Attachment{}, err
	}

	mimeType := http.DetectContentType(data)
	if !strings.HasPrefix(mimeType, "image/") {
		return models.Attachment{}, errNotImage
	}

	return models.Attachment{
		Data:     base64.StdEncoding.EncodeToString(data),
		MimeType: mimeType,
		FileName: fh.Filename,
	}, nil
}

func (m *Main) newChat(ctx context.Context) (string, error) {
	now := time.Now()
	newChat := models.Chat{
		ID:        uuid.New().String(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.AddChat(ctx, newChat); err != nil {
		return "", fmt.Errorf("failed to add chat: %w", err)
	}

	m.publishChats(newChat.ID)

	return newChat.ID, nil
}

func (m *Main) generateChatTitle(chatID string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	title := ""
	if m.titleGenerator != nil && message != "" {
		var err error
		title, err = m.titleGenerator.GenerateTitle(ctx, m.cfg.TitlePrompt, message)
		if err != nil {
			m.logger.Error("Error generating chat title",
				slog.String("message", message),
				slog.String(errLoggerKey, err.Error()))
		}
	}
	title = cleanTitle(title)
	if title == "" {
		title = titleFrom(message)
	}

	chat, err := m.store.Chat(ctx, chatID)
	if err != nil {
		m.logger.Error("Failed to get chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	chat.Title = title
	if err := m.store.UpdateChat(ctx, chat); err != nil {
		m.logger.Error("Failed to update chat title",
			slog.String(errLoggerKey, err.Error()))
		return
	}

	m.publishChats(chatID)
}

// cleanTitle strips the quotes and trailing punctuation models like to wrap titles in.
func cleanTitle(title string) string {
	title = strings.TrimSpace(title)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.Trim(title, "\"'` ")
	title = strings.TrimRight(title, ".")
	return clip(title, maxTitleRunes)
}

// titleFrom derives a title from the first words of a message.
func titleFrom(message string) string {
	fields := strings.Fields(message)
	if len(fields) == 0 {
		return "Image chat"
	}
	if len(fields) > 8 {
		fields = fields[:8]
	}
	return clip(strings.Join(fields, " "), maxTitleRunes)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}
