// Package transcribe turns a recorded clip into text using the remote
// speech-to-text endpoint.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bosley/hearth/assistant"
	"github.com/bosley/hearth/capture"
	"github.com/bosley/hearth/metrics"
)

var ErrTranscriptionFailed = errors.New("transcription failed")

type Uploader interface {
	Transcribe(ctx context.Context, clip []byte, filename string) (assistant.TranscriptionResult, error)
}

type Transcriber struct {
	uploader Uploader
	logger   *slog.Logger
}

func New(uploader Uploader, logger *slog.Logger) *Transcriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcriber{
		uploader: uploader,
		logger:   logger.With("component", "transcribe"),
	}
}

// Transcribe uploads the clip as captured and returns the recognized text.
// Every failure wraps ErrTranscriptionFailed.
func (t *Transcriber) Transcribe(ctx context.Context, clip capture.Clip) (string, error) {
	filename := clip.Filename
	if filename == "" {
		filename = capture.ClipFilename
	}

	res, err := t.uploader.Transcribe(ctx, clip.Data, filename)
	if err != nil {
		metrics.Transcriptions.WithLabelValues("error").Inc()
		return "", fmt.Errorf("%w: %w", ErrTranscriptionFailed, err)
	}

	text := strings.TrimSpace(res.Transcription)
	if res.Status != assistant.StatusSuccess || text == "" {
		metrics.Transcriptions.WithLabelValues("rejected").Inc()
		return "", fmt.Errorf("%w: status %q with %d characters of text", ErrTranscriptionFailed, res.Status, len(text))
	}

	metrics.Transcriptions.WithLabelValues("success").Inc()
	t.logger.Debug("Transcription received", "characters", len(text), "clipBytes", len(clip.Data))
	return text, nil
}
