// Package playback reads assistant messages aloud through remote speech
// synthesis and the local audio output.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bosley/hearth/assistant"
	"github.com/bosley/hearth/metrics"
	"github.com/bosley/hearth/notify"
)

var ErrSynthesisFailed = errors.New("speech synthesis failed")

const DefaultVoice = "default"

type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (assistant.SynthesisResult, error)
	Download(ctx context.Context, filename string) ([]byte, error)
}

// Sink plays an audio payload and returns when it has finished or ctx ends.
type Sink interface {
	Play(ctx context.Context, clip []byte) error
}

type activePlay struct {
	id     string
	cancel context.CancelFunc
}

type Controller struct {
	synth    Synthesizer
	sink     Sink
	notifier notify.Notifier
	logger   *slog.Logger
	onChange func(playingID string)

	// Held across a marker change and its delivery. Taken before mu.
	notifyMu sync.Mutex

	mu      sync.Mutex
	voice   string
	current *activePlay
}

type Option func(*Controller)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

func WithNotifier(n notify.Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

func WithVoice(voice string) Option {
	return func(c *Controller) { c.voice = voice }
}

// WithChangeHandler is called with the playing id when playback starts and
// with "" when it ends.
func WithChangeHandler(fn func(playingID string)) Option {
	return func(c *Controller) { c.onChange = fn }
}

func NewController(synth Synthesizer, sink Sink, opts ...Option) *Controller {
	c := &Controller{
		synth:    synth,
		sink:     sink,
		notifier: notify.Discard,
		logger:   slog.Default(),
		voice:    DefaultVoice,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "playback")
	return c
}

// Play synthesizes text and plays it, blocking until playback ends. A request
// for the id already playing is ignored. A request for a different id
// interrupts the current playback.
func (c *Controller) Play(ctx context.Context, text, messageID string) error {
	c.notifyMu.Lock()
	c.mu.Lock()
	if c.current != nil && c.current.id == messageID {
		c.mu.Unlock()
		c.notifyMu.Unlock()
		metrics.Playbacks.WithLabelValues("duplicate").Inc()
		c.logger.Debug("Message already playing", "messageID", messageID)
		return nil
	}
	if c.current != nil {
		c.logger.Debug("Interrupting playback", "messageID", c.current.id)
		c.current.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	play := &activePlay{id: messageID, cancel: cancel}
	c.current = play
	voice := c.voice
	c.mu.Unlock()
	c.changed(messageID)
	c.notifyMu.Unlock()

	defer c.finish(play)

	err := c.run(ctx, text, voice)
	switch {
	case err == nil:
		metrics.Playbacks.WithLabelValues("played").Inc()
		return nil
	case ctx.Err() != nil:
		metrics.Playbacks.WithLabelValues("interrupted").Inc()
		c.logger.Debug("Playback interrupted", "messageID", messageID)
		return nil
	default:
		metrics.Playbacks.WithLabelValues("failed").Inc()
		c.logger.Error("Failed to play message", "error", err, "messageID", messageID)
		c.notifier.Notify(notify.Error("TTS Error", "Failed to play audio"))
		return err
	}
}

func (c *Controller) run(ctx context.Context, text, voice string) error {
	res, err := c.synth.Synthesize(ctx, text, voice)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}
	if res.Status != assistant.StatusSuccess || res.AudioFilename == "" {
		return fmt.Errorf("%w: status %q", ErrSynthesisFailed, res.Status)
	}

	clip, err := c.synth.Download(ctx, res.AudioFilename)
	if err != nil {
		return fmt.Errorf("failed to download audio: %w", err)
	}

	if err := c.sink.Play(ctx, clip); err != nil {
		return fmt.Errorf("failed to play audio: %w", err)
	}
	return nil
}

// finish clears the marker only if it still belongs to this request.
func (c *Controller) finish(play *activePlay) {
	play.cancel()

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	mine := c.current == play
	if mine {
		c.current = nil
	}
	c.mu.Unlock()

	if mine {
		c.changed("")
	}
}

// Playing returns the id being read aloud, or "".
func (c *Controller) Playing() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.current.id
}

// Stop interrupts the current playback, if any.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.cancel()
	}
}

func (c *Controller) SetVoice(voice string) {
	if voice == "" {
		voice = DefaultVoice
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voice = voice
}

func (c *Controller) changed(id string) {
	if c.onChange != nil {
		c.onChange(id)
	}
}
