// Package conversation owns the ordered message log and the turn-taking with
// the remote assistant.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bosley/hearth/assistant"
	"github.com/bosley/hearth/metrics"
	"github.com/google/uuid"
)

const (
	DefaultGreeting     = "Hello! I'm your smart home assistant. How can I help you today?"
	DefaultErrorReply   = "Sorry, I encountered an error. Please try again."
	DefaultRefreshDelay = 500 * time.Millisecond
)

var (
	ErrBlankMessage = errors.New("message is blank")
	ErrBusy         = errors.New("a message is already being sent")
	ErrClearFailed  = errors.New("failed to clear chat history")
)

// Message is one immutable entry of the log.
type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	IsUser    bool      `json:"isUser"`
	Timestamp time.Time `json:"timestamp"`
}

type Backend interface {
	History(ctx context.Context) ([]assistant.HistoryEntry, error)
	Chat(ctx context.Context, message string, useTools bool) (string, error)
	ClearHistory(ctx context.Context) (assistant.StatusResult, error)
}

type Config struct {
	Greeting     string
	ErrorReply   string
	RefreshDelay time.Duration
	UseTools     bool
}

func DefaultConfig() Config {
	return Config{
		Greeting:     DefaultGreeting,
		ErrorReply:   DefaultErrorReply,
		RefreshDelay: DefaultRefreshDelay,
		UseTools:     true,
	}
}

type Session struct {
	backend          Backend
	config           Config
	logger           *slog.Logger
	onChange         func([]Message)
	onDevicesChanged func()

	// Held across a change and its delivery so handlers see changes in order.
	// Taken before mu.
	notifyMu sync.Mutex

	mu       sync.Mutex
	messages []Message
	sending  bool
	loading  bool
	epoch    int
	closed   bool
	timers   map[*time.Timer]struct{}
}

type Option func(*Session)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

func WithConfig(cfg Config) Option {
	return func(s *Session) { s.config = cfg }
}

// WithChangeHandler is called with a snapshot after every change to the log.
func WithChangeHandler(fn func([]Message)) Option {
	return func(s *Session) { s.onChange = fn }
}

// WithDevicesChanged is called once per successful reply, after the
// configured refresh delay, on its own goroutine.
func WithDevicesChanged(fn func()) Option {
	return func(s *Session) { s.onDevicesChanged = fn }
}

func NewSession(backend Backend, opts ...Option) *Session {
	s := &Session{
		backend: backend,
		config:  DefaultConfig(),
		logger:  slog.Default(),
		timers:  make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.config.Greeting == "" {
		s.config.Greeting = DefaultGreeting
	}
	if s.config.ErrorReply == "" {
		s.config.ErrorReply = DefaultErrorReply
	}
	if s.config.RefreshDelay <= 0 {
		s.config.RefreshDelay = DefaultRefreshDelay
	}
	s.logger = s.logger.With("component", "conversation")
	return s
}

// LoadHistory replaces the log with the stored history. Any failure, and an
// empty history, leave a single greeting in the log instead. A load that
// completes after a confirmed clear is discarded.
func (s *Session) LoadHistory(ctx context.Context) {
	s.mu.Lock()
	s.loading = true
	epoch := s.epoch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
	}()

	entries, err := s.backend.History(ctx)
	if err != nil {
		s.logger.Warn("Failed to load chat history, showing greeting", "error", err)
	}

	loaded := make([]Message, 0, len(entries))
	for _, entry := range entries {
		if entry.Role != "user" && entry.Role != "assistant" {
			continue
		}
		loaded = append(loaded, newMessage(entry.Content, entry.Role == "user"))
	}
	if len(loaded) == 0 {
		loaded = append(loaded, newMessage(s.config.Greeting, false))
	}

	applied := s.commit(func() bool {
		if s.epoch != epoch {
			return false
		}
		s.messages = loaded
		return true
	})
	if !applied {
		s.logger.Debug("Dropping history loaded before a clear")
		return
	}
	s.logger.Info("Chat history loaded", "messages", len(loaded))
}

// SendMessage appends the user's message, asks the assistant and appends
// exactly one reply. A failed round trip appends the canned error reply and
// returns the cause.
func (s *Session) SendMessage(ctx context.Context, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrBlankMessage
	}

	var epoch int
	started := s.commit(func() bool {
		if s.sending || s.loading {
			return false
		}
		s.sending = true
		epoch = s.epoch
		s.messages = append(s.messages, newMessage(text, true))
		return true
	})
	if !started {
		return Message{}, ErrBusy
	}

	defer func() {
		s.mu.Lock()
		s.sending = false
		s.mu.Unlock()
	}()

	begin := time.Now()
	reply, err := s.backend.Chat(ctx, text, s.config.UseTools)
	metrics.TurnLatency.Observe(time.Since(begin).Seconds())

	replyText := reply
	if err != nil {
		metrics.Turns.WithLabelValues("error").Inc()
		s.logger.Error("Failed to send message", "error", err)
		replyText = s.config.ErrorReply
	} else {
		metrics.Turns.WithLabelValues("reply").Inc()
	}

	msg := newMessage(replyText, false)
	appended := s.commit(func() bool {
		// History was cleared while the turn was in flight.
		if s.epoch != epoch {
			return false
		}
		s.messages = append(s.messages, msg)
		return true
	})
	if !appended {
		s.logger.Debug("Dropping reply for cleared history", "messageID", msg.ID)
		return msg, err
	}

	if err != nil {
		return msg, err
	}
	s.scheduleDevicesChanged()
	return msg, nil
}

// ClearHistory empties the log only when the backend confirms success.
func (s *Session) ClearHistory(ctx context.Context) (string, error) {
	res, err := s.backend.ClearHistory(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrClearFailed, err)
	}
	if !res.Succeeded() {
		return "", fmt.Errorf("%w: backend returned status %q: %s", ErrClearFailed, res.Status, res.Message)
	}

	s.commit(func() bool {
		s.messages = nil
		s.epoch++
		return true
	})
	s.logger.Info("Chat history cleared")
	return res.Message, nil
}

func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Message looks up a log entry by id.
func (s *Session) Message(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.messages {
		if msg.ID == id {
			return msg, true
		}
	}
	return Message{}, false
}

func (s *Session) Sending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending
}

func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Close cancels pending device refresh signals.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for timer := range s.timers {
		timer.Stop()
	}
	clear(s.timers)
}

func (s *Session) scheduleDevicesChanged() {
	if s.onDevicesChanged == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(s.config.RefreshDelay, func() {
		s.mu.Lock()
		_, pending := s.timers[timer]
		delete(s.timers, timer)
		s.mu.Unlock()
		if pending {
			s.onDevicesChanged()
		}
	})
	s.timers[timer] = struct{}{}
}

func (s *Session) snapshotLocked() []Message {
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// commit runs apply under mu and, when it reports a change, hands the new
// log to the change handler before any later change can be applied.
func (s *Session) commit(apply func() bool) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	changed := apply()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if changed && s.onChange != nil {
		s.onChange(snapshot)
	}
	return changed
}

func newMessage(text string, isUser bool) Message {
	return Message{
		ID:        uuid.New().String(),
		Text:      text,
		IsUser:    isUser,
		Timestamp: time.Now(),
	}
}
