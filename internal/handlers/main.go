package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"sync"
	"time"

	novachat "github.com/MegaGrindStone/nova-chat"
	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/MegaGrindStone/nova-chat/internal/session"
	"github.com/microcosm-cc/bluemonday"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
)

// LLM streams completions for a conversation, see session.Transport.
type LLM interface {
	session.Transport
}

// TitleGenerator produces a short title for a new chat from its first message.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, instruction, message string) (string, error)
}

// ModelLister is implemented by LLMs that can list the models they serve.
type ModelLister interface {
	Models(ctx context.Context) ([]string, error)
}

// Store defines the interface for managing chat and message persistence. Sessions save their
// transcripts through SaveConversation; the remaining methods serve the chat list and seed sessions
// from stored history.
type Store interface {
	session.Persister

	Chats(ctx context.Context) ([]models.Chat, error)
	Chat(ctx context.Context, chatID string) (models.Chat, error)
	AddChat(ctx context.Context, chat models.Chat) error
	UpdateChat(ctx context.Context, chat models.Chat) error

	Messages(ctx context.Context, chatID string) ([]models.Message, error)
}

// Config carries the per-conversation settings applied to every session Main creates.
type Config struct {
	SystemPrompt       string
	TitlePrompt        string
	IdleTimeout        time.Duration
	PersistInterrupted bool
	// SessionTTL is how long an idle session stays in memory after its last use. The next request for
	// the chat reloads it from the Store.
	SessionTTL time.Duration
}

const defaultSessionTTL = 30 * time.Minute

type sessionEntry struct {
	session  *session.Session
	lastUsed time.Time
}

// Main handles the core functionality of the chat application, managing server-sent events,
// HTML templates, and the sessions that stream replies from the LLM into the Store.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	md        goldmark.Markdown
	policy    *bluemonday.Policy

	llm            LLM
	titleGenerator TitleGenerator
	store          Store
	cfg            Config

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	closed   bool

	logger *slog.Logger
}

const (
	chatsSSETopic = "chats"

	errLoggerKey = "err"
)

var errShuttingDown = errors.New("server is shutting down")

// NewMain creates a new Main instance with the provided LLM, title generator and Store implementations.
// It initializes the SSE server and parses the required HTML templates from the embedded filesystem.
// titleGen may be nil, in which case chats are titled after their first message.
func NewMain(llm LLM, titleGen TitleGenerator, store Store, cfg Config, logger *slog.Logger) (*Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		novachat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}

	return &Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				// We start with default topics that all clients should subscribe to
				topics := []string{sse.DefaultTopic, chatsSSETopic}

				if chatID := s.Req.URL.Query().Get("chat_id"); chatID != "" {
					topics = append(topics, chatIDTopic(chatID))
				}
				// We create a message-specific topic if the client requests updates for a particular message
				if messageID := s.Req.URL.Query().Get("message_id"); messageID != "" {
					topics = append(topics, messageIDTopic(messageID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates:      tmpl,
		md:             newMarkdown(),
		policy:         newPolicy(),
		llm:            llm,
		titleGenerator: titleGen,
		store:          store,
		cfg:            cfg,
		sessions:       make(map[string]*sessionEntry),
		logger:         logger.With(slog.String("module", "main")),
	}, nil
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

func chatIDTopic(chatID string) string {
	return fmt.Sprintf("chat-%s", chatID)
}

// session returns the session of a chat, creating it from the stored messages on first use.
func (m *Main) session(ctx context.Context, chatID string) (*session.Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errShuttingDown
	}
	if s, ok := m.touchLocked(chatID); ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	// The history is loaded without holding mu, so a slow chat does not hold up the others.
	history, err := m.store.Messages(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errShuttingDown
	}
	// Another request may have created it while the history loaded.
	if s, ok := m.touchLocked(chatID); ok {
		return s, nil
	}

	s := session.New(m.llm, m.store, session.Config{
		ConversationID:     chatID,
		SystemPrompt:       m.cfg.SystemPrompt,
		History:            history,
		IdleTimeout:        m.cfg.IdleTimeout,
		PersistInterrupted: m.cfg.PersistInterrupted,
	}, m.logger)
	s.Subscribe(m.publishSessionEvent)

	now := time.Now()
	m.evictLocked(now)
	m.sessions[chatID] = &sessionEntry{session: s, lastUsed: now}

	return s, nil
}

// existingSession returns the session of a chat if one is in memory.
func (m *Main) existingSession(chatID string) (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(time.Now())
	return m.touchLocked(chatID)
}

func (m *Main) touchLocked(chatID string) (*session.Session, bool) {
	e, ok := m.sessions[chatID]
	if !ok {
		return nil, false
	}
	e.lastUsed = time.Now()
	return e.session, true
}

// evictLocked drops the idle sessions unused for longer than SessionTTL. An interrupted turn that was
// not saved is lost with its session.
func (m *Main) evictLocked(now time.Time) {
	for chatID, e := range m.sessions {
		if now.Sub(e.lastUsed) > m.cfg.SessionTTL && e.session.State() == session.StateIdle {
			delete(m.sessions, chatID)
			m.logger.Debug("Evicted idle session", slog.String("chatID", chatID))
		}
	}
}

// Shutdown stops every turn in flight, waits for their final saves, and then gracefully terminates
// the SSE server. It broadcasts a close message to all connected clients and waits up to 5 seconds
// for connections to terminate. After the timeout, any remaining connections are forcefully closed.
func (m *Main) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*session.Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		sessions = append(sessions, e.session)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Cancel()
		if _, err := s.Wait(ctx); err != nil {
			m.logger.Warn("Session did not stop in time",
				slog.String("chatID", s.ConversationID()),
				slog.String(errLoggerKey, err.Error()))
		}
	}

	e := &sse.Message{Type: sse.Type("closeChat")}
	// SSE messages need a data field, even an empty one
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
