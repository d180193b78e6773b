// Package wake listens continuously for a trigger phrase.
package wake

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bosley/hearth/metrics"
)

var (
	// ErrUnsupported is returned by a recognizer that cannot run in this
	// environment. The listener stops supervising when it sees it.
	ErrUnsupported    = errors.New("continuous speech recognition not supported")
	ErrAlreadyStarted = errors.New("wake listener already started")
)

const DefaultRestartDelay = 250 * time.Millisecond

// Result is one recognition hypothesis.
type Result struct {
	Transcript string
	Final      bool
}

// Recognizer runs one continuous recognition session, emitting results until
// the session ends. A nil return is a natural end.
type Recognizer interface {
	Run(ctx context.Context, emit func(Result)) error
}

type State struct {
	Active       bool `json:"active"`
	RestartCount int  `json:"restartCount"`
}

type Listener struct {
	recognizer   Recognizer
	logger       *slog.Logger
	restartDelay time.Duration

	mu         sync.Mutex
	active     bool
	generation int
	phrase     string
	onWake     func()
	restarts   int
	cancel     context.CancelFunc
	done       chan struct{}
}

type Option func(*Listener)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) { l.logger = logger }
}

// WithRestartDelay sets the pause before restarting after a failed session.
// Natural ends restart immediately.
func WithRestartDelay(d time.Duration) Option {
	return func(l *Listener) { l.restartDelay = d }
}

func NewListener(recognizer Recognizer, opts ...Option) *Listener {
	l := &Listener{
		recognizer:   recognizer,
		logger:       slog.Default(),
		restartDelay: DefaultRestartDelay,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "wake")
	return l
}

// Start begins supervised listening for phrase. onWake runs on its own
// goroutine once per matching final result. Without a recognizer Start logs a
// warning and does nothing.
func (l *Listener) Start(ctx context.Context, phrase string, onWake func()) error {
	if l.recognizer == nil {
		l.logger.Warn("Speech recognition not available, wake word disabled")
		return nil
	}

	l.mu.Lock()
	if l.active {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	l.active = true
	l.generation++
	l.phrase = normalize(phrase)
	l.onWake = onWake
	l.cancel = cancel
	l.done = make(chan struct{})
	gen, done := l.generation, l.done
	l.mu.Unlock()

	l.logger.Info("Wake listener started", "phrase", phrase)
	go l.supervise(ctx, gen, done)
	return nil
}

// Stop detaches the callback and halts the recognizer, waiting for the
// supervisor to exit.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.active {
		l.mu.Unlock()
		return
	}
	l.active = false
	l.onWake = nil
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	<-done
	l.logger.Info("Wake listener stopped")
}

func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{Active: l.active, RestartCount: l.restarts}
}

// SetPhrase changes the trigger phrase without restarting recognition.
func (l *Listener) SetPhrase(phrase string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.phrase = normalize(phrase)
}

func (l *Listener) supervise(ctx context.Context, gen int, done chan struct{}) {
	defer close(done)

	emit := func(res Result) { l.handle(gen, res) }
	for {
		err := l.recognizer.Run(ctx, emit)
		if errors.Is(err, ErrUnsupported) {
			l.logger.Warn("Speech recognition not supported, wake word disabled", "error", err)
			l.deactivate(gen)
			return
		}
		if !l.current(gen) || ctx.Err() != nil {
			return
		}

		if err != nil {
			l.logger.Error("Speech recognition error", "error", err)
		}

		l.mu.Lock()
		l.restarts++
		restarts := l.restarts
		l.mu.Unlock()
		metrics.RecognizerRestarts.Inc()
		l.logger.Debug("Restarting speech recognition", "restarts", restarts)

		if err != nil && l.restartDelay > 0 {
			select {
			case <-time.After(l.restartDelay):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (l *Listener) handle(gen int, res Result) {
	if !res.Final {
		return
	}

	l.mu.Lock()
	if !l.active || l.generation != gen {
		l.mu.Unlock()
		return
	}
	phrase, onWake := l.phrase, l.onWake
	l.mu.Unlock()

	transcript := normalize(res.Transcript)
	l.logger.Debug("Speech recognized", "transcript", transcript)
	if phrase == "" || !strings.Contains(transcript, phrase) {
		return
	}

	metrics.WakeDetections.Inc()
	l.logger.Info("Wake word detected", "phrase", phrase)
	if onWake != nil {
		go onWake()
	}
}

func (l *Listener) current(gen int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active && l.generation == gen
}

func (l *Listener) deactivate(gen int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.generation == gen {
		l.active = false
		l.onWake = nil
		l.cancel()
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
