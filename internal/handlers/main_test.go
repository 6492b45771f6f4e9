package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/handlers"
	"github.com/MegaGrindStone/nova-chat/internal/models"
)

type mockLLM struct {
	responses []string
	err       error

	// block holds every stream open until it is closed or the turn is cancelled.
	block chan struct{}
}

type mockLister struct {
	*mockLLM
	models []string
}

type mockTitleGenerator struct {
	title string
	err   error
}

type mockStore struct {
	mu       sync.Mutex
	chats    []models.Chat
	messages map[string][]models.Message
	saves    int
	err      error

	// Messages of holdChat waits for release.
	holdChat string
	release  chan struct{}
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMain(t *testing.T, llm handlers.LLM, titleGen handlers.TitleGenerator, store handlers.Store) *handlers.Main {
	t.Helper()
	return newMainWithConfig(t, llm, titleGen, store, handlers.Config{
		SystemPrompt: "You are a helpful assistant.",
		TitlePrompt:  "Generate a title.",
		IdleTimeout:  5 * time.Second,
	})
}

func newMainWithConfig(
	t *testing.T,
	llm handlers.LLM,
	titleGen handlers.TitleGenerator,
	store handlers.Store,
	cfg handlers.Config,
) *handlers.Main {
	t.Helper()
	main, err := handlers.NewMain(llm, titleGen, store, cfg, testLogger())
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = main.Shutdown(ctx)
	})
	return main
}

func seededStore() *mockStore {
	return &mockStore{
		chats: []models.Chat{
			{ID: "1", Title: "Test Chat"},
		},
		messages: map[string][]models.Message{
			"1": {models.NewUserMessage("Hello", nil), assistantMessage("Hi! How can I help?")},
		},
	}
}

func assistantMessage(text string) models.Message {
	msg := models.NewAssistantPlaceholder()
	msg.AppendText(text)
	return msg
}

func postForm(handler http.Handler, values url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/chats", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewMain(t *testing.T) {
	main, err := handlers.NewMain(&mockLLM{}, nil, &mockStore{}, handlers.Config{}, testLogger())
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}

	if main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandleHome(t *testing.T) {
	main := newMain(t, &mockLLM{}, nil, seededStore())
	router := main.Router()

	tests := []struct {
		name       string
		url        string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Home page without chat",
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody:   "Test Chat", // Should contain chat title
		},
		{
			name:       "Home page with chat",
			url:        "/?chat_id=1",
			wantStatus: http.StatusOK,
			wantBody:   "How can I help?", // Should contain message content
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleHome() status = %v, want %v", w.Code, tt.wantStatus)
			}

			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleHome() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandleHomeStoreError(t *testing.T) {
	store := seededStore()
	store.err = errors.New("db closed")
	main := newMain(t, &mockLLM{}, nil, store)

	w := httptest.NewRecorder()
	main.HandleHome(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("HandleHome() status = %v, want %v", w.Code, http.StatusInternalServerError)
	}
}

func TestHandleChats(t *testing.T) {
	llm := &mockLLM{responses: []string{"AI response"}}

	tests := []struct {
		name       string
		method     string
		message    string
		chatID     string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Empty message",
			method:     http.MethodPost,
			message:    "   ",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "New chat",
			method:     http.MethodPost,
			message:    "Hello",
			wantStatus: http.StatusOK,
			wantBody:   `id="chatbox"`,
		},
		{
			name:       "Existing chat",
			method:     http.MethodPost,
			message:    "Hello again",
			chatID:     "1",
			wantStatus: http.StatusOK,
			wantBody:   "Hello again",
		},
		{
			name:       "Unknown chat",
			method:     http.MethodPost,
			message:    "Hello",
			chatID:     "missing",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := newMain(t, llm, nil, seededStore())

			form := strings.NewReader(url.Values{"message": {tt.message}, "chat_id": {tt.chatID}}.Encode())
			req := httptest.NewRequest(tt.method, "/chats", form)
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()

			main.HandleChats(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleChats() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleChats() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandleChatsStreamsReplyIntoStore(t *testing.T) {
	store := seededStore()
	main := newMain(t, &mockLLM{responses: []string{"AI ", "response"}}, nil, store)

	w := postForm(main.Router(), url.Values{"message": {"Tell me more"}, "chat_id": {"1"}})
	if w.Code != http.StatusOK {
		t.Fatalf("HandleChats() status = %v, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "/sse/messages?message_id=") {
		t.Errorf("HandleChats() body should subscribe to the reply stream, got %s", w.Body.String())
	}

	waitFor(t, "the reply to be saved", func() bool {
		msgs := store.stored("1")
		return len(msgs) == 4 && msgs[3].Text() == "AI response"
	})

	msgs := store.stored("1")
	if msgs[2].Role != models.RoleUser || msgs[2].Text() != "Tell me more" {
		t.Errorf("stored user message = %+v", msgs[2])
	}
}

func TestHandleChatsBusyAndCancel(t *testing.T) {
	store := seededStore()
	llm := &mockLLM{responses: []string{"never"}, block: make(chan struct{})}
	main := newMain(t, llm, nil, store)
	router := main.Router()

	w := postForm(router, url.Values{"message": {"first"}, "chat_id": {"1"}})
	if w.Code != http.StatusOK {
		t.Fatalf("first HandleChats() status = %v, body = %s", w.Code, w.Body.String())
	}

	w = postForm(router, url.Values{"message": {"second"}, "chat_id": {"1"}})
	if w.Code != http.StatusConflict {
		t.Errorf("second HandleChats() status = %v, want %v", w.Code, http.StatusConflict)
	}

	req := httptest.NewRequest(http.MethodPost, "/chats/1/cancel", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("HandleCancel() status = %v, want %v", w.Code, http.StatusNoContent)
	}

	msgs := getMessages(t, router, "1")
	if len(msgs) != 4 {
		t.Fatalf("transcript length = %d, want 4", len(msgs))
	}
	if msgs[2].Text() != "first" || msgs[3].Text() != "" {
		t.Errorf("transcript after cancel = %+v", msgs[2:])
	}

	// The chat accepts a new message once the cancelled turn ended.
	close(llm.block)
	waitFor(t, "the chat to accept a new message", func() bool {
		return postForm(router, url.Values{"message": {"third"}, "chat_id": {"1"}}).Code == http.StatusOK
	})
}

func TestHandleChatsWithImages(t *testing.T) {
	store := seededStore()
	main := newMain(t, &mockLLM{responses: []string{"A picture."}}, nil, store)
	router := main.Router()

	tests := []struct {
		name       string
		file       []byte
		wantStatus int
	}{
		{
			name:       "Image",
			file:       pngHeader,
			wantStatus: http.StatusOK,
		},
		{
			name:       "Not an image",
			file:       []byte("plain text"),
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body bytes.Buffer
			mw := multipart.NewWriter(&body)
			_ = mw.WriteField("chat_id", "1")
			fw, err := mw.CreateFormFile("images", "picture.png")
			if err != nil {
				t.Fatal(err)
			}
			_, _ = fw.Write(tt.file)
			_ = mw.Close()

			req := httptest.NewRequest(http.MethodPost, "/chats", &body)
			req.Header.Set("Content-Type", mw.FormDataContentType())
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("HandleChats() status = %v, want %v, body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}

	waitFor(t, "the image message to be saved", func() bool {
		msgs := store.stored("1")
		return len(msgs) == 4 && msgs[3].Text() == "A picture."
	})
	img := store.stored("1")[2].Images
	if len(img) != 1 || img[0].MimeType != "image/png" || img[0].FileName != "picture.png" {
		t.Errorf("stored images = %+v", img)
	}
}

func TestHandleMessages(t *testing.T) {
	main := newMain(t, &mockLLM{}, nil, seededStore())
	router := main.Router()

	msgs := getMessages(t, router, "1")
	if len(msgs) != 2 || msgs[0].Text() != "Hello" {
		t.Errorf("HandleMessages() = %+v", msgs)
	}

	req := httptest.NewRequest(http.MethodGet, "/chats/missing/messages", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("HandleMessages() status = %v, want %v", w.Code, http.StatusNotFound)
	}
}

func TestHandleModels(t *testing.T) {
	tests := []struct {
		name       string
		llm        handlers.LLM
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Provider without model listing",
			llm:        &mockLLM{},
			wantStatus: http.StatusNotImplemented,
		},
		{
			name:       "Provider with model listing",
			llm:        mockLister{mockLLM: &mockLLM{}, models: []string{"phi3", "llava"}},
			wantStatus: http.StatusOK,
			wantBody:   `["phi3","llava"]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := newMain(t, tt.llm, nil, seededStore())

			req := httptest.NewRequest(http.MethodGet, "/models", nil)
			w := httptest.NewRecorder()
			main.Router().ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleModels() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleModels() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestChatTitle(t *testing.T) {
	tests := []struct {
		name      string
		generator handlers.TitleGenerator
		message   string
		wantTitle string
	}{
		{
			name:      "Generated title is cleaned",
			generator: mockTitleGenerator{title: "\"Friendly Greeting.\"\n"},
			message:   "Hello there",
			wantTitle: "Friendly Greeting",
		},
		{
			name:      "Falls back to the message",
			generator: mockTitleGenerator{err: errors.New("model not found")},
			message:   "How do I bake bread at home without a proper oven or any yeast",
			wantTitle: "How do I bake bread at home without",
		},
		{
			name:      "No generator",
			message:   "Hi",
			wantTitle: "Hi",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockStore{messages: map[string][]models.Message{}}
			main := newMain(t, &mockLLM{responses: []string{"ok"}}, tt.generator, store)

			w := postForm(main.Router(), url.Values{"message": {tt.message}})
			if w.Code != http.StatusOK {
				t.Fatalf("HandleChats() status = %v, body = %s", w.Code, w.Body.String())
			}

			waitFor(t, "the chat title", func() bool {
				chats, _ := store.Chats(context.Background())
				return len(chats) == 1 && chats[0].Title == tt.wantTitle
			})
		})
	}
}

func TestSlowChatDoesNotBlockOthers(t *testing.T) {
	store := seededStore()
	store.chats = append(store.chats, models.Chat{ID: "slow", Title: "Slow Chat"})
	store.holdChat = "slow"
	store.release = make(chan struct{})
	main := newMain(t, &mockLLM{responses: []string{"ok"}}, nil, store)
	router := main.Router()

	slowDone := make(chan int)
	go func() {
		slowDone <- postForm(router, url.Values{"message": {"Hello"}, "chat_id": {"slow"}}).Code
	}()

	// Give the slow request time to start loading its history.
	time.Sleep(20 * time.Millisecond)

	fastDone := make(chan int)
	go func() {
		fastDone <- postForm(router, url.Values{"message": {"Hello"}, "chat_id": {"1"}}).Code
	}()

	select {
	case code := <-fastDone:
		if code != http.StatusOK {
			t.Errorf("HandleChats() status = %v, want %v", code, http.StatusOK)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("a chat was blocked by another chat loading its history")
	}

	close(store.release)
	if code := <-slowDone; code != http.StatusOK {
		t.Errorf("slow HandleChats() status = %v, want %v", code, http.StatusOK)
	}
}

func TestIdleSessionsAreEvicted(t *testing.T) {
	store := seededStore()
	main := newMainWithConfig(t, &mockLLM{responses: []string{"AI response"}}, nil, store, handlers.Config{
		SessionTTL: 20 * time.Millisecond,
	})
	router := main.Router()

	w := postForm(router, url.Values{"message": {"Tell me more"}, "chat_id": {"1"}})
	if w.Code != http.StatusOK {
		t.Fatalf("HandleChats() status = %v, body = %s", w.Code, w.Body.String())
	}
	waitFor(t, "the reply to be saved", func() bool {
		return len(store.stored("1")) == 4
	})

	// Replace the stored transcript; only a reloaded session sees it.
	store.mu.Lock()
	store.messages["1"] = []models.Message{models.NewUserMessage("Stored elsewhere", nil)}
	store.mu.Unlock()

	time.Sleep(50 * time.Millisecond)

	msgs := getMessages(t, router, "1")
	if len(msgs) != 1 || msgs[0].Text() != "Stored elsewhere" {
		t.Errorf("HandleMessages() after eviction = %+v", msgs)
	}
}

func TestHealthz(t *testing.T) {
	main := newMain(t, &mockLLM{}, nil, seededStore())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	main.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Errorf("healthz = %v %q", w.Code, w.Body.String())
	}
	if w.Header().Get("Content-Type") == "" {
		t.Error("healthz should set a content type")
	}
}

func getMessages(t *testing.T, router http.Handler, chatID string) []models.Message {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/chats/"+chatID+"/messages", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("HandleMessages() status = %v, body = %s", w.Code, w.Body.String())
	}

	var msgs []models.Message
	if err := json.Unmarshal(w.Body.Bytes(), &msgs); err != nil {
		t.Fatalf("HandleMessages() invalid JSON: %v", err)
	}
	return msgs
}

func (m *mockLLM) Stream(ctx context.Context, _ []models.Message) (io.ReadCloser, error) {
	if m.err != nil {
		return nil, m.err
	}

	var sb strings.Builder
	for _, resp := range m.responses {
		b, _ := json.Marshal(map[string]any{"message": map[string]string{"role": "assistant", "content": resp}})
		sb.Write(b)
		sb.WriteByte('\n')
	}
	sb.WriteString(`{"message":{"role":"assistant","content":""},"done":true}`)

	if m.block == nil {
		return io.NopCloser(strings.NewReader(sb.String())), nil
	}

	pr, pw := io.Pipe()
	go func() {
		select {
		case <-m.block:
			_, _ = pw.Write([]byte(sb.String()))
			_ = pw.Close()
		case <-ctx.Done():
			_ = pw.CloseWithError(ctx.Err())
		}
	}()
	return pr, nil
}

func (m mockLister) Models(context.Context) ([]string, error) {
	return m.models, nil
}

func (m mockTitleGenerator) GenerateTitle(context.Context, string, string) (string, error) {
	return m.title, m.err
}

func (m *mockStore) stored(chatID string) []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.messages[chatID])
}

func (m *mockStore) Chats(_ context.Context) ([]models.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return slices.Clone(m.chats), nil
}

func (m *mockStore) Chat(_ context.Context, chatID string) (models.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return models.Chat{}, m.err
	}
	idx := slices.IndexFunc(m.chats, func(c models.Chat) bool { return c.ID == chatID })
	if idx == -1 {
		return models.Chat{}, models.ErrChatNotFound
	}
	return m.chats[idx], nil
}

func (m *mockStore) AddChat(_ context.Context, chat models.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.chats = append(m.chats, chat)
	return nil
}

func (m *mockStore) UpdateChat(_ context.Context, chat models.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := slices.IndexFunc(m.chats, func(c models.Chat) bool { return c.ID == chat.ID })
	if idx == -1 {
		return fmt.Errorf("chat not found")
	}
	m.chats[idx] = chat
	return m.err
}

func (m *mockStore) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	m.mu.Lock()
	hold, release := m.holdChat, m.release
	m.mu.Unlock()
	if hold == chatID && release != nil {
		<-release
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return slices.Clone(m.messages[chatID]), nil
}

func (m *mockStore) SaveConversation(_ context.Context, chatID string, messages []models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages[chatID] = slices.Clone(messages)
	m.saves++
	return nil
}
