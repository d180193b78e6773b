package capture

import (
	"encoding/binary"
	"log/slog"
	"math"
	"time"
)

const (
	DefaultSilenceWindow    = 1 * time.Second
	DefaultVADThreshold     = 2.22
	backgroundBufferSize    = 50
	defaultCalibrationChunk = 5
)

// SilenceDetector is an energy VAD that reports when speech has been
// followed by a window of silence. The background level is a rolling
// average of recent chunk amplitudes; the first few chunks only calibrate it.
type SilenceDetector struct {
	threshold        float64
	window           time.Duration
	calibration      int
	now              func() time.Time
	logger           *slog.Logger
	backgroundNoise  float64
	backgroundBuffer []float64
	seen             int
	speaking         bool
	fired            bool
	lastNoiseTime    time.Time
}

func NewSilenceDetector(threshold float64, window time.Duration) *SilenceDetector {
	if threshold <= 0 {
		threshold = DefaultVADThreshold
	}
	if window <= 0 {
		window = DefaultSilenceWindow
	}
	return &SilenceDetector{
		threshold:        threshold,
		window:           window,
		calibration:      defaultCalibrationChunk,
		now:              time.Now,
		logger:           slog.Default(),
		backgroundBuffer: make([]float64, 0, backgroundBufferSize),
	}
}

// Feed consumes one PCM16 chunk and returns true exactly once, on the chunk
// that completes the silence window after speech.
func (d *SilenceDetector) Feed(chunk []byte) bool {
	if d.fired || len(chunk) < 2 {
		return false
	}

	chunkAmplitude := calculateChunkAmplitude(chunk)
	d.updateBackgroundNoise(chunkAmplitude)

	d.seen++
	if d.seen <= d.calibration || d.backgroundNoise == 0 {
		return false
	}

	energyRatio := chunkAmplitude / d.backgroundNoise
	if energyRatio > d.threshold {
		if !d.speaking {
			d.logger.Debug("Speech detected",
				"chunkAmplitude", chunkAmplitude,
				"backgroundNoise", d.backgroundNoise,
				"ratio", energyRatio)
		}
		d.speaking = true
		d.lastNoiseTime = d.now()
		return false
	}

	if d.speaking && d.now().Sub(d.lastNoiseTime) > d.window {
		d.fired = true
		d.logger.Debug("Extended silence detected", "silence", d.now().Sub(d.lastNoiseTime))
		return true
	}
	return false
}

func (d *SilenceDetector) updateBackgroundNoise(amplitude float64) {
	if len(d.backgroundBuffer) >= backgroundBufferSize {
		d.backgroundBuffer = d.backgroundBuffer[1:]
	}
	d.backgroundBuffer = append(d.backgroundBuffer, amplitude)

	var sum float64
	for _, a := range d.backgroundBuffer {
		sum += a
	}
	d.backgroundNoise = sum / float64(len(d.backgroundBuffer))
}

func calculateChunkAmplitude(chunk []byte) float64 {
	n := len(chunk) / 2
	var totalAmplitude float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(chunk[i*2:]))
		totalAmplitude += math.Abs(float64(sample))
	}
	return totalAmplitude / float64(n)
}
