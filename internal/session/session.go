// Package session drives request/response cycles between a conversation transcript and a streaming
// completion endpoint.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/MegaGrindStone/nova-chat/internal/stream"
	"github.com/MegaGrindStone/nova-chat/internal/transcript"
)

// Transport opens a streaming completion for a conversation. The returned body is a byte stream of
// concatenated Ollama-compatible JSON objects. Stream returns an error, before any byte is read, when
// the request cannot be sent or the server does not answer with a 2xx status. The request must be
// bound to ctx.
type Transport interface {
	Stream(ctx context.Context, messages []models.Message) (io.ReadCloser, error)
}

// Persister saves the full message list of a conversation.
type Persister interface {
	SaveConversation(ctx context.Context, conversationID string, messages []models.Message) error
}

// State is the streaming state of a session.
type State int

const (
	// StateIdle accepts a new submission.
	StateIdle State = iota
	// StateStreaming has a turn in flight.
	StateStreaming
)

func (s State) String() string {
	if s == StateStreaming {
		return "streaming"
	}
	return "idle"
}

// Config configures a Session.
type Config struct {
	ConversationID string
	// SystemPrompt is sent ahead of the transcript on every turn when not empty.
	SystemPrompt string
	// History seeds the transcript, in order.
	History []models.Message

	// IdleTimeout ends a turn with KindTimeout when no byte arrives for that long. Zero disables it.
	IdleTimeout time.Duration
	// ReadBufferSize is the size of a single read from the stream.
	ReadBufferSize int

	// PersistInterrupted also saves turns that were cancelled, timed out or failed. Completed turns are
	// always saved.
	PersistInterrupted bool
	// PersistTimeout bounds a single save.
	PersistTimeout time.Duration
}

const (
	defaultReadBufferSize = 4096
	defaultPersistTimeout = 10 * time.Second

	errLoggerKey = "err"
)

// EventKind identifies what an Event reports.
type EventKind int

const (
	// EventTranscript carries the transcript after a mutation.
	EventTranscript EventKind = iota + 1
	// EventTurnEnded carries the transcript and the result of a finished turn.
	EventTurnEnded
)

// Event is delivered to subscribers.
type Event struct {
	Kind           EventKind
	ConversationID string
	Messages       []models.Message

	// Result is set for EventTurnEnded.
	Result *TurnResult
}

// TurnResult describes how a turn ended.
type TurnResult struct {
	AssistantID string
	Cancelled   bool
	// Err is a *Error of KindTransportFailure or KindTimeout when the turn failed.
	Err error
	// Malformed counts the stream objects that were discarded.
	Malformed int

	Persisted bool
	// PersistErr is a *Error of KindPersistenceFailure when saving failed.
	PersistErr error
}

// Session owns the transcript of one conversation and streams assistant replies into it. At most one
// turn is in flight at a time; Submit, Cancel and the read accessors are safe for concurrent use.
type Session struct {
	cfg       Config
	transport Transport
	persister Persister
	logger    *slog.Logger

	store *transcript.Store

	mu      sync.Mutex
	state   State
	current *turn
	last    *turn

	subsMu  sync.Mutex
	subs    map[uint64]func(Event)
	nextSub uint64

	emitMu    sync.Mutex
	persistMu sync.Mutex
}

type turn struct {
	assistantID string
	cancel      context.CancelCauseFunc
	done        chan struct{}

	// stopped fences the transcript against this turn, guarded by Session.mu.
	stopped bool

	result TurnResult
}

// New creates an idle session. persister may be nil, in which case nothing is saved.
func New(transport Transport, persister Persister, cfg Config, logger *slog.Logger) *Session {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = defaultReadBufferSize
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}

	return &Session{
		cfg:       cfg,
		transport: transport,
		persister: persister,
		logger: logger.With(
			slog.String("module", "session"),
			slog.String("conversationID", cfg.ConversationID),
		),
		store: transcript.NewStore(cfg.History...),
		subs:  make(map[uint64]func(Event)),
	}
}

// ConversationID returns the ID of the conversation the session belongs to.
func (s *Session) ConversationID() string {
	return s.cfg.ConversationID
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a snapshot of the transcript.
func (s *Session) Messages() []models.Message {
	return s.store.All()
}

// Subscribe registers fn to receive every event of the session and returns a function that removes
// it. Callbacks run synchronously on the goroutine that produced the event, one at a time, so they must
// not block for long and must not call Submit.
func (s *Session) Subscribe(fn func(Event)) func() {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

// Submit appends a user message and an empty assistant placeholder to the transcript, then streams the
// reply into the placeholder in the background. It fails with ErrEmptyMessage when both text and
// attachments are empty, and with a KindBusy error while another turn is in flight; in both cases the
// transcript is left untouched.
func (s *Session) Submit(text string, attachments []models.Attachment) error {
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	if s.state == StateStreaming {
		s.mu.Unlock()
		return &Error{Kind: KindBusy, Err: fmt.Errorf("conversation %s has a turn in flight", s.cfg.ConversationID)}
	}

	s.store.Append(models.NewUserMessage(text, attachments))
	history := s.requestMessages()

	placeholder := models.NewAssistantPlaceholder()
	s.store.Append(placeholder)

	ctx, cancel := context.WithCancelCause(context.Background())
	t := &turn{
		assistantID: placeholder.ID,
		cancel:      cancel,
		done:        make(chan struct{}),
		result:      TurnResult{AssistantID: placeholder.ID},
	}
	s.state = StateStreaming
	s.current = t
	s.last = t
	s.mu.Unlock()

	s.emit(EventTranscript, nil)

	s.logger.Debug("Turn started",
		slog.String("assistantID", placeholder.ID),
		slog.Int("historyLen", len(history)))

	go s.run(ctx, t, history)
	return nil
}

// Cancel stops the turn in flight, if any. Once Cancel returns the transcript is no longer mutated by
// that turn; the assistant message keeps the content received so far. Calling Cancel again, or with no
// turn in flight, does nothing.
func (s *Session) Cancel() {
	s.mu.Lock()
	t := s.current
	if t == nil {
		s.mu.Unlock()
		return
	}
	t.stopped = true
	s.current = nil
	s.state = StateIdle
	s.mu.Unlock()

	t.cancel(errCancelled)
	s.logger.Info("Turn cancelled", slog.String("assistantID", t.assistantID))
}

// Wait blocks until the latest turn has ended and returns its result. It returns immediately with a
// zero result when no turn was ever submitted.
func (s *Session) Wait(ctx context.Context) (TurnResult, error) {
	s.mu.Lock()
	t := s.last
	s.mu.Unlock()

	if t == nil {
		return TurnResult{}, nil
	}

	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return TurnResult{}, ctx.Err()
	}
}

// requestMessages returns the system preamble followed by the transcript. Callers hold s.mu.
func (s *Session) requestMessages() []models.Message {
	msgs := s.store.All()
	if s.cfg.SystemPrompt == "" {
		return msgs
	}
	return slices.Insert(msgs, 0, models.NewSystemMessage(s.cfg.SystemPrompt))
}

func (s *Session) run(ctx context.Context, t *turn, history []models.Message) {
	defer t.cancel(nil)

	err := s.stream(ctx, t, history)
	s.finish(t, err)
}

// stream reads the response body until it ends, the turn is cancelled or it times out. It returns nil
// on completion, the cancellation cause when the context ended, or a *Error.
func (s *Session) stream(ctx context.Context, t *turn, history []models.Message) error {
	// The idle window also covers waiting for the response headers.
	var idle *time.Timer
	if s.cfg.IdleTimeout > 0 {
		timeout := &Error{Kind: KindTimeout, Err: fmt.Errorf("no data received for %s", s.cfg.IdleTimeout)}
		idle = time.AfterFunc(s.cfg.IdleTimeout, func() { t.cancel(timeout) })
		defer idle.Stop()
	}

	body, err := s.transport.Stream(ctx, history)
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return &Error{Kind: KindTransportFailure, Err: err}
	}
	defer body.Close()

	// A blocked Read only returns once the body is closed.
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stop()

	var dec stream.Decoder
	buf := make([]byte, s.cfg.ReadBufferSize)
	for {
		n, rerr := body.Read(buf)
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		if n > 0 {
			if idle != nil {
				idle.Reset(s.cfg.IdleTimeout)
			}
			for _, candidate := range dec.Feed(buf[:n]) {
				done, err := s.apply(t, candidate)
				if err != nil {
					return err
				}
				if done {
					return s.flush(t, &dec)
				}
			}
		}

		if errors.Is(rerr, io.EOF) {
			return s.flush(t, &dec)
		}
		if rerr != nil {
			return &Error{Kind: KindTransportFailure, Err: fmt.Errorf("error reading stream: %w", rerr)}
		}
	}
}

// flush applies whatever is left in the decoder as one final object.
func (s *Session) flush(t *turn, dec *stream.Decoder) error {
	rest := dec.Flush()
	if rest == nil {
		return nil
	}
	_, err := s.apply(t, rest)
	return err
}

// apply parses one candidate and appends its token to the assistant message. It reports whether the
// frame marks the end of the stream. Malformed candidates are logged and skipped.
func (s *Session) apply(t *turn, candidate []byte) (bool, error) {
	f, err := stream.ParseFrame(candidate)
	if err != nil {
		t.result.Malformed++
		s.logger.Warn("Discarding stream object",
			slog.String("assistantID", t.assistantID),
			slog.String(errLoggerKey, (&Error{Kind: KindMalformedChunk, Err: err}).Error()))
		return false, nil
	}

	if f.Error != "" {
		return false, &Error{Kind: KindTransportFailure, Err: fmt.Errorf("server reported error: %s", f.Error)}
	}

	if f.Message.Content != "" {
		s.appendToken(t, f.Message.Content)
	}
	return f.Done, nil
}

func (s *Session) appendToken(t *turn, token string) {
	s.mu.Lock()
	if t.stopped {
		s.mu.Unlock()
		return
	}
	s.store.UpdateByID(t.assistantID, func(m models.Message) models.Message {
		m.AppendText(token)
		return m
	})
	s.mu.Unlock()

	s.emit(EventTranscript, nil)
}

func (s *Session) finish(t *turn, err error) {
	s.mu.Lock()
	if t.stopped && err == nil {
		// Cancel won the race against the end of the stream.
		err = errCancelled
	}
	t.stopped = true
	if s.current == t {
		s.current = nil
		s.state = StateIdle
	}
	s.mu.Unlock()

	switch {
	case err == nil:
		s.logger.Debug("Turn completed",
			slog.String("assistantID", t.assistantID),
			slog.Int("malformed", t.result.Malformed))
	case errors.Is(err, errCancelled):
		t.result.Cancelled = true
	default:
		t.result.Err = err
		s.logger.Error("Turn failed",
			slog.String("assistantID", t.assistantID),
			slog.String(errLoggerKey, err.Error()))
	}

	if s.persister != nil && (err == nil || s.cfg.PersistInterrupted) {
		if perr := s.persist(); perr != nil {
			t.result.PersistErr = &Error{Kind: KindPersistenceFailure, Err: perr}
			s.logger.Error("Failed to save conversation",
				slog.String(errLoggerKey, perr.Error()))
		} else {
			t.result.Persisted = true
		}
	}

	result := t.result
	s.emit(EventTurnEnded, &result)
	close(t.done)
}

func (s *Session) persist() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
	defer cancel()

	// The snapshot is taken under persistMu so a later save always carries a superset.
	return s.persister.SaveConversation(ctx, s.cfg.ConversationID, s.store.All())
}

// emit delivers an event carrying the transcript as of delivery. The snapshot is taken under emitMu,
// so subscribers never receive a transcript older than one they already saw.
func (s *Session) emit(kind EventKind, result *TurnResult) {
	s.subsMu.Lock()
	fns := slices.Collect(maps.Values(s.subs))
	s.subsMu.Unlock()

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	ev := Event{
		Kind:           kind,
		ConversationID: s.cfg.ConversationID,
		Messages:       s.store.All(),
		Result:         result,
	}
	for _, fn := range fns {
		fn(ev)
	}
}
