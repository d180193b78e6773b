package conversation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bosley/hearth/assistant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu          sync.Mutex
	history     []assistant.HistoryEntry
	historyErr  error
	historyGate chan struct{}
	reply       string
	chatErr     error
	chatGate    chan struct{}
	chatCalls   []string
	clear       assistant.StatusResult
	clearErr    error
}

func (b *fakeBackend) History(ctx context.Context) ([]assistant.HistoryEntry, error) {
	if b.historyGate != nil {
		<-b.historyGate
	}
	return b.history, b.historyErr
}

func (b *fakeBackend) Chat(ctx context.Context, message string, useTools bool) (string, error) {
	b.mu.Lock()
	b.chatCalls = append(b.chatCalls, message)
	gate := b.chatGate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return b.reply, b.chatErr
}

func (b *fakeBackend) ClearHistory(ctx context.Context) (assistant.StatusResult, error) {
	return b.clear, b.clearErr
}

func (b *fakeBackend) calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.chatCalls...)
}

func texts(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func TestSendAppendsUserThenReply(t *testing.T) {
	backend := &fakeBackend{reply: "It is on."}
	s := NewSession(backend)

	reply, err := s.SendMessage(context.Background(), "  turn on kitchen lamp ")
	require.NoError(t, err)
	assert.Equal(t, "It is on.", reply.Text)

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "turn on kitchen lamp", msgs[0].Text)
	assert.True(t, msgs[0].IsUser)
	assert.False(t, msgs[1].IsUser)
	assert.NotEqual(t, msgs[0].ID, msgs[1].ID)
	assert.False(t, s.Sending())
}

func TestOverlappingSendIsRejected(t *testing.T) {
	backend := &fakeBackend{reply: "ok", chatGate: make(chan struct{})}
	s := NewSession(backend)

	done := make(chan error, 1)
	go func() {
		_, err := s.SendMessage(context.Background(), "first")
		done <- err
	}()
	require.Eventually(t, s.Sending, time.Second, time.Millisecond)

	_, err := s.SendMessage(context.Background(), "second")
	assert.ErrorIs(t, err, ErrBusy)

	close(backend.chatGate)
	require.NoError(t, <-done)

	assert.Equal(t, []string{"first"}, backend.calls())
	assert.Equal(t, []string{"first", "ok"}, texts(s.Messages()))
}

func TestBlankSendIsNoop(t *testing.T) {
	backend := &fakeBackend{reply: "ok"}
	s := NewSession(backend)

	_, err := s.SendMessage(context.Background(), "   \n\t")
	assert.ErrorIs(t, err, ErrBlankMessage)
	assert.Empty(t, s.Messages())
	assert.Empty(t, backend.calls())
}

func TestFailedSendAppendsErrorReply(t *testing.T) {
	for name, backend := range map[string]*fakeBackend{
		"network":   {chatErr: assistant.ErrNetwork},
		"malformed": {chatErr: assistant.ErrMalformedResponse},
	} {
		t.Run(name, func(t *testing.T) {
			var refreshed atomic.Int32
			s := NewSession(backend,
				WithConfig(Config{RefreshDelay: time.Millisecond}),
				WithDevicesChanged(func() { refreshed.Add(1) }))

			_, err := s.SendMessage(context.Background(), "lights off")
			assert.Error(t, err)
			assert.Equal(t, []string{"lights off", DefaultErrorReply}, texts(s.Messages()))
			assert.False(t, s.Sending())

			time.Sleep(20 * time.Millisecond)
			assert.Zero(t, refreshed.Load())
		})
	}
}

func TestDevicesChangedAfterReply(t *testing.T) {
	signalled := make(chan time.Time, 1)
	s := NewSession(&fakeBackend{reply: "done"},
		WithConfig(Config{RefreshDelay: 30 * time.Millisecond}),
		WithDevicesChanged(func() { signalled <- time.Now() }))

	start := time.Now()
	_, err := s.SendMessage(context.Background(), "open blinds")
	require.NoError(t, err)

	select {
	case at := <-signalled:
		assert.GreaterOrEqual(t, at.Sub(start), 30*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("devices changed signal not delivered")
	}
}

func TestCloseCancelsPendingDevicesSignal(t *testing.T) {
	var refreshed atomic.Int32
	s := NewSession(&fakeBackend{reply: "done"},
		WithConfig(Config{RefreshDelay: 20 * time.Millisecond}),
		WithDevicesChanged(func() { refreshed.Add(1) }))

	_, err := s.SendMessage(context.Background(), "open blinds")
	require.NoError(t, err)
	s.Close()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, refreshed.Load())
}

func TestLoadHistoryFiltersRoles(t *testing.T) {
	s := NewSession(&fakeBackend{history: []assistant.HistoryEntry{
		{Role: "system", Content: "you are helpful"},
		{Role: "user", Content: "hi"},
		{Role: "tool", Content: "{}"},
		{Role: "assistant", Content: "hello"},
	}})

	s.LoadHistory(context.Background())

	msgs := s.Messages()
	assert.Equal(t, []string{"hi", "hello"}, texts(msgs))
	assert.True(t, msgs[0].IsUser)
	assert.False(t, msgs[1].IsUser)
	assert.False(t, s.Loading())
}

func TestLoadHistoryFallsBackToGreeting(t *testing.T) {
	for name, backend := range map[string]*fakeBackend{
		"unreachable": {historyErr: errors.New("dial tcp: connection refused")},
		"empty":       {history: []assistant.HistoryEntry{}},
	} {
		t.Run(name, func(t *testing.T) {
			s := NewSession(backend)
			s.LoadHistory(context.Background())

			msgs := s.Messages()
			require.Len(t, msgs, 1)
			assert.Equal(t, DefaultGreeting, msgs[0].Text)
			assert.False(t, msgs[0].IsUser)
			assert.False(t, s.Loading())
		})
	}
}

func TestClearHistory(t *testing.T) {
	seed := func(s *Session) {
		_, err := s.SendMessage(context.Background(), "hello")
		require.NoError(t, err)
	}

	t.Run("success empties the log", func(t *testing.T) {
		s := NewSession(&fakeBackend{reply: "hi", clear: assistant.StatusResult{Status: "success", Message: "Chat history cleared"}})
		seed(s)

		msg, err := s.ClearHistory(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Chat history cleared", msg)
		assert.Empty(t, s.Messages())
	})

	t.Run("error status keeps the log", func(t *testing.T) {
		s := NewSession(&fakeBackend{reply: "hi", clear: assistant.StatusResult{Status: "error"}})
		seed(s)

		_, err := s.ClearHistory(context.Background())
		assert.ErrorIs(t, err, ErrClearFailed)
		assert.Len(t, s.Messages(), 2)
	})

	t.Run("network failure keeps the log", func(t *testing.T) {
		s := NewSession(&fakeBackend{reply: "hi", clearErr: assistant.ErrNetwork})
		seed(s)

		_, err := s.ClearHistory(context.Background())
		assert.ErrorIs(t, err, ErrClearFailed)
		assert.ErrorIs(t, err, assistant.ErrNetwork)
		assert.Len(t, s.Messages(), 2)
	})
}

func TestChangeHandlerSeesEveryAppend(t *testing.T) {
	var sizes []int
	s := NewSession(&fakeBackend{reply: "ok"}, WithChangeHandler(func(msgs []Message) {
		sizes = append(sizes, len(msgs))
	}))

	_, err := s.SendMessage(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, sizes)
}

func TestChangesAreDeliveredInOrder(t *testing.T) {
	held := make(chan struct{})
	release := make(chan struct{})

	var mu sync.Mutex
	var last []Message
	s := NewSession(&fakeBackend{reply: "hi", clear: assistant.StatusResult{Status: "success"}},
		WithChangeHandler(func(msgs []Message) {
			if len(msgs) == 2 {
				close(held)
				<-release
			}
			mu.Lock()
			last = msgs
			mu.Unlock()
		}))

	sent := make(chan struct{})
	go func() {
		defer close(sent)
		s.SendMessage(context.Background(), "hello")
	}()
	<-held

	cleared := make(chan struct{})
	go func() {
		defer close(cleared)
		_, err := s.ClearHistory(context.Background())
		assert.NoError(t, err)
	}()

	// Give the clear a chance to overtake the held delivery.
	time.Sleep(20 * time.Millisecond)
	close(release)
	<-sent
	<-cleared

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, s.Messages())
	assert.Empty(t, last)
}

func TestHistoryLoadedAfterClearIsDiscarded(t *testing.T) {
	backend := &fakeBackend{
		history: []assistant.HistoryEntry{
			{Role: "user", Content: "old"},
			{Role: "assistant", Content: "stale"},
		},
		historyGate: make(chan struct{}),
		clear:       assistant.StatusResult{Status: "success"},
	}
	s := NewSession(backend)

	loaded := make(chan struct{})
	go func() {
		defer close(loaded)
		s.LoadHistory(context.Background())
	}()
	require.Eventually(t, s.Loading, time.Second, time.Millisecond)

	_, err := s.ClearHistory(context.Background())
	require.NoError(t, err)

	close(backend.historyGate)
	<-loaded

	assert.Empty(t, s.Messages())
	assert.False(t, s.Loading())
}
