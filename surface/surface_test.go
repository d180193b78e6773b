package surface

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bosley/hearth/assistant"
	"github.com/bosley/hearth/audio"
	"github.com/bosley/hearth/conversation"
	"github.com/bosley/hearth/notify"
	"github.com/bosley/hearth/wake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu       sync.Mutex
	chats    []string
	reply    string
	chatGate chan struct{}
	clear    assistant.StatusResult
}

func (b *fakeBackend) History(ctx context.Context) ([]assistant.HistoryEntry, error) {
	return []assistant.HistoryEntry{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}}, nil
}

func (b *fakeBackend) Chat(ctx context.Context, message string, useTools bool) (string, error) {
	b.mu.Lock()
	b.chats = append(b.chats, message)
	gate := b.chatGate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return b.reply, nil
}

func (b *fakeBackend) ClearHistory(ctx context.Context) (assistant.StatusResult, error) {
	return b.clear, nil
}

func (b *fakeBackend) Chats() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.chats...)
}

type nopCloser struct{ closed int }

func (c *nopCloser) Close() error { c.closed++; return nil }

type fakeMic struct {
	mu       sync.Mutex
	onChunk  func([]byte)
	track    *nopCloser
	err      error
	openGate chan struct{}
}

func (m *fakeMic) Open(profile audio.Profile, onChunk func([]byte)) (io.Closer, error) {
	m.mu.Lock()
	gate := m.openGate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.onChunk = onChunk
	m.track = &nopCloser{}
	return m.track, nil
}

func (m *fakeMic) speak(chunk []byte) {
	m.mu.Lock()
	fn := m.onChunk
	m.mu.Unlock()
	fn(chunk)
}

type fakeUploader struct {
	mu    sync.Mutex
	calls int
	res   assistant.TranscriptionResult
	err   error
}

func (u *fakeUploader) Transcribe(ctx context.Context, clip []byte, filename string) (assistant.TranscriptionResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	return u.res, u.err
}

type fakeSynth struct {
	mu    sync.Mutex
	texts []string
}

func (s *fakeSynth) Synthesize(ctx context.Context, text, voice string) (assistant.SynthesisResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return assistant.SynthesisResult{Status: "success", AudioFilename: "a.wav"}, nil
}

func (s *fakeSynth) Download(ctx context.Context, filename string) ([]byte, error) {
	return []byte("wav"), nil
}

func (s *fakeSynth) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type instantSink struct{}

func (instantSink) Play(ctx context.Context, clip []byte) error { return nil }

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Publish(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(t EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type noteLog struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (l *noteLog) Notify(n notify.Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notes = append(l.notes, n)
}

func (l *noteLog) titles() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, n := range l.notes {
		out = append(out, n.Title)
	}
	return out
}

type harness struct {
	surface  *Surface
	backend  *fakeBackend
	mic      *fakeMic
	uploader *fakeUploader
	synth    *fakeSynth
	events   *eventLog
	notes    *noteLog
}

func newHarness(t *testing.T, cfg Config, recognizer wake.Recognizer) *harness {
	t.Helper()
	h := &harness{
		backend:  &fakeBackend{reply: "Kitchen lamp is on.", clear: assistant.StatusResult{Status: "success"}},
		mic:      &fakeMic{},
		uploader: &fakeUploader{res: assistant.TranscriptionResult{Status: "success", Transcription: "turn on kitchen lamp"}},
		synth:    &fakeSynth{},
		events:   &eventLog{},
		notes:    &noteLog{},
	}
	h.surface = New(Dependencies{
		Backend:     h.backend,
		Microphone:  h.mic,
		Uploader:    h.uploader,
		Synthesizer: h.synth,
		Sink:        instantSink{},
		Recognizer:  recognizer,
		Notifier:    h.notes,
		Publisher:   h.events,
	}, cfg)
	require.NoError(t, h.surface.Mount(context.Background()))
	t.Cleanup(h.surface.Unmount)
	return h
}

func userTexts(msgs []conversation.Message) []string {
	var out []string
	for _, m := range msgs {
		if m.IsUser {
			out = append(out, m.Text)
		}
	}
	return out
}

func TestTranscriptIsAutoSubmittedOnce(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	require.NoError(t, h.surface.StartRecording(ctx))
	assert.Equal(t, StateRecording, h.surface.State())

	h.mic.speak([]byte{1, 0, 2, 0})
	require.NoError(t, h.surface.StopRecording(ctx))

	assert.Equal(t, []string{"turn on kitchen lamp"}, h.backend.Chats())
	assert.Equal(t, []string{"hi", "turn on kitchen lamp"}, userTexts(h.surface.Messages()))
	assert.Equal(t, StateIdle, h.surface.State())
	assert.Equal(t, "", h.surface.Draft())
	assert.Equal(t, 1, h.mic.track.closed)

	require.NoError(t, h.surface.StopRecording(ctx))
	assert.Len(t, h.backend.Chats(), 1)
	assert.Equal(t, 1, h.uploader.calls)
}

func TestTranscriptionFailureNotifiesAndResets(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.uploader.res = assistant.TranscriptionResult{Status: "error"}
	ctx := context.Background()

	require.NoError(t, h.surface.StartRecording(ctx))
	h.mic.speak([]byte{1, 0})
	assert.Error(t, h.surface.StopRecording(ctx))

	assert.Equal(t, []string{"Voice Input Error"}, h.notes.titles())
	assert.Empty(t, h.backend.Chats())
	assert.Equal(t, StateIdle, h.surface.State())
}

func TestEmptyRecordingIsNotTranscribed(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	require.NoError(t, h.surface.ToggleVoice(ctx))
	require.NoError(t, h.surface.ToggleVoice(ctx))

	assert.Zero(t, h.uploader.calls)
	assert.Equal(t, StateIdle, h.surface.State())
}

func TestRecordingAndSendingAreExclusive(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.backend.chatGate = make(chan struct{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- h.surface.Submit(ctx, "dim the lights") }()
	require.Eventually(t, func() bool { return h.surface.State() == StateSending }, time.Second, time.Millisecond)

	assert.ErrorIs(t, h.surface.StartRecording(ctx), ErrUnavailable)

	close(h.backend.chatGate)
	require.NoError(t, <-done)

	require.NoError(t, h.surface.StartRecording(ctx))
	assert.ErrorIs(t, h.surface.Submit(ctx, "hello"), ErrUnavailable)
	require.NoError(t, h.surface.StopRecording(ctx))
}

func TestSurfaceStaysResponsiveWhileMicrophoneOpens(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.mic.openGate = make(chan struct{})
	ctx := context.Background()

	started := make(chan error, 1)
	go func() { started <- h.surface.StartRecording(ctx) }()

	require.Eventually(t, func() bool { return h.surface.State() == StateRecording }, time.Second, time.Millisecond)

	assert.ErrorIs(t, h.surface.Submit(ctx, "hello"), ErrUnavailable)
	require.NoError(t, h.surface.StartRecording(ctx))

	close(h.mic.openGate)
	require.NoError(t, <-started)
	assert.Equal(t, StateRecording, h.surface.State())
	require.NoError(t, h.surface.StopRecording(ctx))
	assert.Equal(t, StateIdle, h.surface.State())
}

func TestMicrophoneDeniedNotifies(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.mic.err = errors.New("permission denied by user")

	err := h.surface.StartRecording(context.Background())
	assert.Error(t, err)
	assert.Equal(t, []string{"Microphone Error"}, h.notes.titles())
	assert.Equal(t, StateIdle, h.surface.State())
}

func TestBootstrapWithUnreachableBackendShowsGreeting(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	client := assistant.New(assistant.Config{BaseURL: srv.URL})

	s := New(Dependencies{
		Backend:     client,
		Microphone:  &fakeMic{},
		Uploader:    client,
		Synthesizer: client,
		Sink:        instantSink{},
	}, Config{})
	require.NoError(t, s.Mount(context.Background()))
	defer s.Unmount()

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, conversation.DefaultGreeting, msgs[0].Text)
	assert.False(t, msgs[0].IsUser)
	assert.False(t, s.Snapshot().LoadingHistory)
}

func TestClearHistoryNotifiesOutcome(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	require.NoError(t, h.surface.ClearHistory(ctx))
	assert.Empty(t, h.surface.Messages())

	require.NoError(t, h.surface.Submit(ctx, "hello"))
	h.backend.clear = assistant.StatusResult{Status: "error"}
	assert.Error(t, h.surface.ClearHistory(ctx))
	assert.Len(t, h.surface.Messages(), 2)

	assert.Equal(t, []string{"Success", "Error"}, h.notes.titles())
}

func TestPlayOnlyAssistantMessages(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	msgs := h.surface.Messages()

	assert.ErrorIs(t, h.surface.Play(ctx, "missing"), ErrUnknownMessage)
	assert.ErrorIs(t, h.surface.Play(ctx, msgs[0].ID), ErrUnavailable)
	require.NoError(t, h.surface.Play(ctx, msgs[1].ID))
	assert.Equal(t, []string{"hello"}, h.synth.Texts())
}

func TestReadRepliesPlaysEachReply(t *testing.T) {
	h := newHarness(t, Config{ReadReplies: true}, nil)

	require.NoError(t, h.surface.Submit(context.Background(), "status"))
	require.Eventually(t, func() bool { return len(h.synth.Texts()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "Kitchen lamp is on.", h.synth.Texts()[0])
}

type oneShotRecognizer struct{ once sync.Once }

func (r *oneShotRecognizer) Run(ctx context.Context, emit func(wake.Result)) error {
	r.once.Do(func() { emit(wake.Result{Transcript: "hey jarvis", Final: true}) })
	<-ctx.Done()
	return nil
}

func TestWakeSpeaksGreetingAndPublishes(t *testing.T) {
	h := newHarness(t, Config{WakePhrase: "jarvis", WakeGreeting: "Hello, I'm your smart home assistant"}, &oneShotRecognizer{})

	require.Eventually(t, func() bool { return h.events.count(EventWake) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"Hello, I'm your smart home assistant"}, h.synth.Texts())
	assert.True(t, h.surface.Snapshot().Wake.Active)
}

func TestUnmountReleasesMicrophone(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	require.NoError(t, h.surface.StartRecording(context.Background()))

	h.surface.Unmount()
	assert.Equal(t, 1, h.mic.track.closed)
	assert.Equal(t, StateIdle, h.surface.State())
}
