package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// Speaker plays WAV clips on the default output device.
type Speaker struct {
	FramesPerBuffer int
	Logger          *slog.Logger
}

// Play blocks until the clip has been played or ctx is cancelled.
func (s *Speaker) Play(ctx context.Context, clip []byte) error {
	format, samples, err := DecodeWAV(clip)
	if err != nil {
		return fmt.Errorf("failed to decode audio: %w", err)
	}

	// Initialize PortAudio
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	frames := s.FramesPerBuffer
	if frames <= 0 {
		frames = framesPerBuffer
	}

	var (
		pos      int
		done     = make(chan struct{})
		doneOnce sync.Once
	)

	stream, err := portaudio.OpenDefaultStream(
		0,
		format.NumChannels,
		float64(format.SampleRate),
		frames,
		func(out []int16) {
			n := copy(out, samples[pos:])
			pos += n
			// Fill remaining buffer with silence if needed
			for i := n; i < len(out); i++ {
				out[i] = 0
			}
			if pos >= len(samples) {
				doneOnce.Do(func() { close(done) })
			}
		},
	)
	if err != nil {
		return fmt.Errorf("failed to open audio stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("failed to start audio stream: %w", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		if err := stream.Abort(); err != nil {
			s.logger().Error("Failed to abort audio stream", "error", err)
		}
		return ctx.Err()
	}

	return stream.Stop()
}

func (s *Speaker) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
