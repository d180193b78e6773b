// Package surface is the conversation surface: it mounts the wake listener,
// the recorder, the conversation and playback, and runs the turn state machine
// between them.
package surface

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bosley/hearth/capture"
	"github.com/bosley/hearth/conversation"
	"github.com/bosley/hearth/notify"
	"github.com/bosley/hearth/playback"
	"github.com/bosley/hearth/transcribe"
	"github.com/bosley/hearth/wake"
)

type State string

const (
	StateIdle         State = "idle"
	StateRecording    State = "recording"
	StateTranscribing State = "transcribing"
	StateSending      State = "sending"
)

const greetingID = "wake-greeting"

var (
	ErrUnavailable    = errors.New("operation not available in the current state")
	ErrUnknownMessage = errors.New("unknown message")
)

type EventType string

const (
	EventState          EventType = "state"
	EventMessages       EventType = "messages"
	EventPlayback       EventType = "playback"
	EventDraft          EventType = "draft"
	EventWake           EventType = "wake"
	EventDevicesChanged EventType = "devices_changed"
)

type Event struct {
	Type    EventType
	Payload any
}

// Publisher receives surface events. Publish must not block.
type Publisher interface {
	Publish(Event)
}

type Config struct {
	WakePhrase string
	// WakeGreeting is spoken when the wake phrase is heard. Empty disables it.
	WakeGreeting string
	// ReadReplies reads each assistant reply aloud.
	ReadReplies bool
	// AutoStop ends a recording after speech followed by silence.
	AutoStop         bool
	SilenceThreshold float64
	SilenceWindow    time.Duration
	History          conversation.Config
	Voice            string
	// WakeRestartDelay paces recognizer restarts; zero keeps the listener default.
	WakeRestartDelay time.Duration
}

type Dependencies struct {
	Backend     conversation.Backend
	Microphone  capture.Microphone
	Uploader    transcribe.Uploader
	Synthesizer playback.Synthesizer
	Sink        playback.Sink
	// Recognizer may be nil when continuous recognition is unavailable.
	Recognizer wake.Recognizer
	// Prober may be nil; it is only used to log microphone availability.
	Prober    Prober
	Notifier  notify.Notifier
	Publisher Publisher
	Logger    *slog.Logger
}

type Prober interface {
	Probe(ctx context.Context) error
}

type Snapshot struct {
	State          State                  `json:"state"`
	Playing        string                 `json:"playing,omitempty"`
	Draft          string                 `json:"draft"`
	LoadingHistory bool                   `json:"loadingHistory"`
	Wake           wake.State             `json:"wake"`
	Messages       []conversation.Message `json:"messages"`
}

type Surface struct {
	conv        *conversation.Session
	recorder    *capture.Recorder
	transcriber *transcribe.Transcriber
	player      *playback.Controller
	listener    *wake.Listener
	prober      Prober
	notifier    notify.Notifier
	publisher   Publisher
	logger      *slog.Logger

	publishMu    sync.Mutex
	mu           sync.Mutex
	config       Config
	mounted      bool
	// Set while the microphone is being opened outside mu.
	acquiring    bool
	transcribing bool
	submitting   int
	draft        string
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

func New(deps Dependencies, cfg Config) *Surface {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Log{Logger: logger}
	}

	s := &Surface{
		prober:    deps.Prober,
		notifier:  notifier,
		publisher: deps.Publisher,
		logger:    logger.With("component", "surface"),
		config:    cfg,
	}

	s.conv = conversation.NewSession(deps.Backend,
		conversation.WithLogger(logger),
		conversation.WithConfig(cfg.History),
		conversation.WithChangeHandler(func(msgs []conversation.Message) {
			s.publish(EventMessages, msgs)
			s.publishState()
		}),
		conversation.WithDevicesChanged(func() {
			s.publish(EventDevicesChanged, nil)
		}),
	)

	recOpts := []capture.Option{capture.WithLogger(logger)}
	if cfg.AutoStop {
		recOpts = append(recOpts, capture.WithSilenceStop(cfg.SilenceThreshold, cfg.SilenceWindow, s.stopOnSilence))
	}
	s.recorder = capture.NewRecorder(deps.Microphone, recOpts...)
	s.transcriber = transcribe.New(deps.Uploader, logger)

	s.player = playback.NewController(deps.Synthesizer, deps.Sink,
		playback.WithLogger(logger),
		playback.WithNotifier(notifier),
		playback.WithVoice(cfg.Voice),
		playback.WithChangeHandler(func(id string) {
			s.publish(EventPlayback, id)
		}),
	)
	wakeOpts := []wake.Option{wake.WithLogger(logger)}
	if cfg.WakeRestartDelay > 0 {
		wakeOpts = append(wakeOpts, wake.WithRestartDelay(cfg.WakeRestartDelay))
	}
	s.listener = wake.NewListener(deps.Recognizer, wakeOpts...)
	return s
}

// Mount runs the session bootstrap once: it probes the microphone in the
// background, starts the wake listener and loads the chat history.
func (s *Surface) Mount(ctx context.Context) error {
	s.mu.Lock()
	if s.mounted {
		s.mu.Unlock()
		return nil
	}
	s.mounted = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	phrase := s.config.WakePhrase
	s.mu.Unlock()

	if s.prober != nil {
		s.goBackground(func(ctx context.Context) {
			if err := s.prober.Probe(ctx); err != nil {
				s.logger.Warn("Microphone not available", "error", err)
				return
			}
			s.logger.Debug("Microphone permission granted")
		})
	}

	if err := s.listener.Start(s.ctx, phrase, s.onWake); err != nil {
		s.logger.Error("Failed to start wake listener", "error", err)
	}

	s.conv.LoadHistory(ctx)
	s.publishState()
	s.logger.Info("Surface mounted")
	return nil
}

// Unmount stops listening, releases the microphone, interrupts playback and
// waits for background work.
func (s *Surface) Unmount() {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return
	}
	s.mounted = false
	cancel := s.cancel
	s.mu.Unlock()

	s.listener.Stop()
	s.recorder.Abort()
	s.player.Stop()
	s.conv.Close()
	cancel()
	s.wg.Wait()
	s.logger.Info("Surface unmounted")
}

// Submit sends typed text as a user message. It is refused while a voice
// clip is being recorded or transcribed.
func (s *Surface) Submit(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.acquiring || s.recorder.Active() || s.transcribing {
		state := s.stateLocked()
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnavailable, state)
	}
	s.submitting++
	s.mu.Unlock()

	return s.submit(ctx, text)
}

// submit expects the caller to have counted itself in s.submitting.
func (s *Surface) submit(ctx context.Context, text string) error {
	defer func() {
		s.mu.Lock()
		s.submitting--
		s.mu.Unlock()
		s.publishState()
	}()

	reply, err := s.conv.SendMessage(ctx, text)
	switch {
	case errors.Is(err, conversation.ErrBlankMessage), errors.Is(err, conversation.ErrBusy):
		s.logger.Debug("Message not sent", "reason", err)
		return err
	}

	s.setDraft("")
	if err != nil {
		s.logger.Warn("Assistant turn failed", "error", err)
		return nil
	}

	s.mu.Lock()
	readReplies := s.config.ReadReplies
	s.mu.Unlock()
	if readReplies {
		s.goBackground(func(ctx context.Context) {
			s.player.Play(ctx, reply.Text, reply.ID)
		})
	}
	return nil
}

// StartRecording acquires the microphone for a voice clip. It is refused
// while a message is being sent or a clip is being transcribed, and ignored
// while another start is still opening the device.
func (s *Surface) StartRecording(ctx context.Context) error {
	s.mu.Lock()
	if s.acquiring {
		s.mu.Unlock()
		return nil
	}
	if s.transcribing || s.submitting > 0 || s.conv.Sending() || s.conv.Loading() {
		state := s.stateLocked()
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnavailable, state)
	}
	s.acquiring = true
	s.mu.Unlock()

	started, err := s.recorder.Start(ctx)

	s.mu.Lock()
	s.acquiring = false
	s.mu.Unlock()

	if err != nil {
		switch {
		case errors.Is(err, capture.ErrPermissionDenied):
			s.notifier.Notify(notify.Error("Microphone Error", "Microphone permission denied"))
		default:
			s.notifier.Notify(notify.Error("Microphone Error", "Could not access the microphone"))
		}
		s.logger.Error("Failed to start recording", "error", err)
		s.publishState()
		return err
	}
	if started {
		s.publishState()
	}
	return nil
}

// StopRecording ends the recording, transcribes it and submits the text.
// Stopping when nothing is recording does nothing.
func (s *Surface) StopRecording(ctx context.Context) error {
	s.mu.Lock()
	if s.transcribing {
		s.mu.Unlock()
		return nil
	}
	clip, err := s.recorder.Stop()
	if err == nil {
		s.transcribing = true
	}
	s.mu.Unlock()

	switch {
	case errors.Is(err, capture.ErrNotRecording):
		return nil
	case errors.Is(err, capture.ErrEmptyClip):
		s.publishState()
		return nil
	case err != nil:
		s.publishState()
		s.notifier.Notify(notify.Error("Voice Input Error", "Voice input failed"))
		return err
	}

	s.publishState()
	text, err := s.transcriber.Transcribe(ctx, clip)

	s.mu.Lock()
	s.transcribing = false
	if err == nil {
		// Counted before transcribing clears so the state goes straight to sending.
		s.submitting++
	}
	s.mu.Unlock()

	if err != nil {
		s.publishState()
		s.logger.Error("Failed to transcribe recording", "error", err)
		s.notifier.Notify(notify.Error("Voice Input Error", "Voice input failed"))
		return err
	}

	s.setDraft(text)
	return s.submit(ctx, text)
}

// ToggleVoice starts a recording when idle and stops it when recording.
func (s *Surface) ToggleVoice(ctx context.Context) error {
	if s.recorder.Active() {
		return s.StopRecording(ctx)
	}
	return s.StartRecording(ctx)
}

// Play reads an assistant message aloud. It blocks until playback ends.
func (s *Surface) Play(ctx context.Context, messageID string) error {
	msg, ok := s.conv.Message(messageID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	if msg.IsUser {
		return fmt.Errorf("%w: only assistant messages can be played", ErrUnavailable)
	}
	return s.player.Play(ctx, msg.Text, msg.ID)
}

func (s *Surface) StopPlayback() {
	s.player.Stop()
}

// ClearHistory clears the remote and local history and reports the outcome
// as a notification.
func (s *Surface) ClearHistory(ctx context.Context) error {
	message, err := s.conv.ClearHistory(ctx)
	if err != nil {
		s.logger.Error("Failed to clear chat history", "error", err)
		s.notifier.Notify(notify.Error("Error", "Failed to clear chat history"))
		return err
	}
	if message == "" {
		message = "Chat history cleared"
	}
	s.notifier.Notify(notify.Info("Success", message))
	return nil
}

func (s *Surface) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Surface) stateLocked() State {
	switch {
	case s.acquiring || s.recorder.Active():
		return StateRecording
	case s.transcribing:
		return StateTranscribing
	case s.submitting > 0 || s.conv.Sending():
		return StateSending
	default:
		return StateIdle
	}
}

func (s *Surface) Snapshot() Snapshot {
	return Snapshot{
		State:          s.State(),
		Playing:        s.player.Playing(),
		Draft:          s.Draft(),
		LoadingHistory: s.conv.Loading(),
		Wake:           s.listener.State(),
		Messages:       s.conv.Messages(),
	}
}

func (s *Surface) Messages() []conversation.Message {
	return s.conv.Messages()
}

func (s *Surface) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// SetDraft replaces the pending input text.
func (s *Surface) SetDraft(text string) {
	s.setDraft(text)
}

// Reconfigure applies settings that can change while mounted.
func (s *Surface) Reconfigure(cfg Config) {
	s.mu.Lock()
	s.config.WakePhrase = cfg.WakePhrase
	s.config.WakeGreeting = cfg.WakeGreeting
	s.config.ReadReplies = cfg.ReadReplies
	s.config.Voice = cfg.Voice
	s.mu.Unlock()

	s.listener.SetPhrase(cfg.WakePhrase)
	s.player.SetVoice(cfg.Voice)
	s.logger.Info("Surface reconfigured", "wakePhrase", cfg.WakePhrase, "readReplies", cfg.ReadReplies)
}

func (s *Surface) onWake() {
	s.mu.Lock()
	greeting := s.config.WakeGreeting
	ctx := s.ctx
	s.mu.Unlock()

	if greeting != "" && ctx != nil {
		if err := s.player.Play(ctx, greeting, greetingID); err != nil {
			s.logger.Warn("Failed to play wake greeting", "error", err)
		}
	}
	s.publish(EventWake, nil)
}

func (s *Surface) stopOnSilence() {
	s.goBackground(func(ctx context.Context) {
		if err := s.StopRecording(ctx); err != nil {
			s.logger.Debug("Auto-stop finished with error", "error", err)
		}
	})
}

func (s *Surface) setDraft(text string) {
	s.mu.Lock()
	changed := s.draft != text
	s.draft = text
	s.mu.Unlock()
	if changed {
		s.publish(EventDraft, text)
	}
}

// goBackground runs fn on the surface's lifetime context.
func (s *Surface) goBackground(fn func(ctx context.Context)) {
	s.mu.Lock()
	ctx := s.ctx
	if !s.mounted || ctx == nil {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}

// publishState reads and publishes under publishMu so a stale state is never
// published after a newer one.
func (s *Surface) publishState() {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	s.publish(EventState, s.State())
}

func (s *Surface) publish(t EventType, payload any) {
	if s.publisher != nil {
		s.publisher.Publish(Event{Type: t, Payload: payload})
	}
}
