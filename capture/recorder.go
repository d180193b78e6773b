// Package capture records push-to-talk voice clips from the microphone.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bosley/hearth/audio"
	"github.com/bosley/hearth/metrics"
)

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrDeviceError      = errors.New("microphone device error")
	ErrNotRecording     = errors.New("not recording")
	ErrEmptyClip        = errors.New("no audio captured")
)

// ClipFilename is the name clips are uploaded under.
const ClipFilename = "recording.wav"

// Microphone opens an input track that delivers PCM16 fragments to onChunk
// until the returned closer is called.
type Microphone interface {
	Open(profile audio.Profile, onChunk func([]byte)) (io.Closer, error)
}

// Clip is one finished recording.
type Clip struct {
	Data     []byte
	Filename string
	Duration time.Duration
}

type session struct {
	track   io.Closer
	chunks  [][]byte
	started time.Time
	silence *SilenceDetector
}

type Recorder struct {
	mic       Microphone
	profile   audio.Profile
	logger    *slog.Logger
	autoStop  bool
	threshold float64
	window    time.Duration
	onSilence func()

	mu      sync.Mutex
	current *session
}

type Option func(*Recorder)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

// WithSilenceStop calls onSilence once per recording when speech is followed
// by window of silence. The callback runs on its own goroutine.
func WithSilenceStop(threshold float64, window time.Duration, onSilence func()) Option {
	return func(r *Recorder) {
		r.autoStop = true
		r.threshold = threshold
		r.window = window
		r.onSilence = onSilence
	}
}

func NewRecorder(mic Microphone, opts ...Option) *Recorder {
	r := &Recorder{
		mic:     mic,
		profile: audio.DefaultProfile(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "capture")
	return r
}

// Start acquires the microphone. It reports false without error when a
// recording is already active.
func (r *Recorder) Start(ctx context.Context) (bool, error) {
	r.mu.Lock()
	if r.current != nil {
		r.mu.Unlock()
		r.logger.Debug("Recording already active, ignoring start")
		return false, nil
	}
	sess := &session{started: time.Now()}
	if r.autoStop && r.onSilence != nil {
		sess.silence = NewSilenceDetector(r.threshold, r.window)
		sess.silence.logger = r.logger
	}
	r.current = sess
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		r.release(sess)
		return false, err
	}

	track, err := r.mic.Open(r.profile, func(chunk []byte) { r.append(sess, chunk) })
	if err != nil {
		r.release(sess)
		return false, classify(err)
	}

	r.mu.Lock()
	if r.current != sess {
		// Stopped or aborted while the device was being acquired.
		r.mu.Unlock()
		r.closeTrack(track)
		return false, nil
	}
	sess.track = track
	r.mu.Unlock()

	metrics.RecordingActive.Set(1)
	r.logger.Info("Recording started")
	return true, nil
}

// Stop releases the microphone and returns the clip. Calling Stop with no
// active recording returns ErrNotRecording.
func (r *Recorder) Stop() (Clip, error) {
	sess := r.detach()
	if sess == nil {
		return Clip{}, ErrNotRecording
	}
	r.closeTrack(sess.track)

	chunks := sess.chunks
	sess.chunks = nil
	if len(chunks) == 0 {
		r.logger.Info("Recording stopped with no audio")
		return Clip{}, ErrEmptyClip
	}

	pcm := bytes.Join(chunks, nil)
	data, err := audio.EncodeWAV(pcm, r.profile.SampleRate, r.profile.Channels)
	if err != nil {
		return Clip{}, fmt.Errorf("%w: %v", ErrDeviceError, err)
	}

	clip := Clip{
		Data:     data,
		Filename: ClipFilename,
		Duration: time.Since(sess.started),
	}
	r.logger.Info("Recording stopped", "chunks", len(chunks), "bytes", len(pcm), "duration", clip.Duration)
	return clip, nil
}

// Abort discards the active recording, if any.
func (r *Recorder) Abort() {
	sess := r.detach()
	if sess == nil {
		return
	}
	r.closeTrack(sess.track)
	sess.chunks = nil
	r.logger.Info("Recording aborted")
}

func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

func (r *Recorder) detach() *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.current
	r.current = nil
	if sess != nil {
		metrics.RecordingActive.Set(0)
	}
	return sess
}

func (r *Recorder) release(sess *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == sess {
		r.current = nil
	}
}

func (r *Recorder) append(sess *session, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	// The device may reuse its buffer.
	data := make([]byte, len(chunk))
	copy(data, chunk)

	r.mu.Lock()
	if r.current != sess {
		r.mu.Unlock()
		return
	}
	sess.chunks = append(sess.chunks, data)
	silent := sess.silence != nil && sess.silence.Feed(data)
	r.mu.Unlock()

	if silent {
		r.logger.Info("Silence detected, stopping recording")
		go r.onSilence()
	}
}

func (r *Recorder) closeTrack(track io.Closer) {
	if track == nil {
		return
	}
	if err := track.Close(); err != nil {
		r.logger.Error("Failed to release microphone", "error", err)
	}
}

func classify(err error) error {
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceError, err)
}
