package audio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
)

const framesPerBuffer = 1024

// Profile is the capture configuration requested from the input device.
type Profile struct {
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
}

// DefaultProfile is 16 kHz mono with echo cancellation and noise
// suppression requested.
func DefaultProfile() Profile {
	return Profile{
		SampleRate:       CaptureSampleRate,
		Channels:         CaptureChannels,
		EchoCancellation: true,
		NoiseSuppression: true,
	}
}

// DefaultDevice selects the host's default input device.
const DefaultDevice = -1

// Microphone opens PortAudio input streams. DeviceID indexes the list from
// ListInputDevices; DefaultDevice (or any negative value) selects the host's
// default input device.
type Microphone struct {
	DeviceID        int
	FramesPerBuffer int
	Logger          *slog.Logger
}

func (m *Microphone) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// Probe checks that an input device can be resolved without opening it.
func (m *Microphone) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	device, err := m.device()
	if err != nil {
		return err
	}
	m.logger().Debug("Microphone available", "deviceName", device.Name)
	return nil
}

// Open starts streaming PCM16 fragments to onChunk. The returned closer stops
// the stream and releases the device; it is safe to call more than once.
func (m *Microphone) Open(profile Profile, onChunk func([]byte)) (io.Closer, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, classifyDeviceError("failed to initialize PortAudio", err)
	}

	device, err := m.device()
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	frames := m.FramesPerBuffer
	if frames <= 0 {
		frames = framesPerBuffer
	}

	if profile.EchoCancellation || profile.NoiseSuppression {
		m.logger().Debug("Host audio API does not expose echo cancellation or noise suppression",
			"deviceName", device.Name)
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: profile.Channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(profile.SampleRate),
		FramesPerBuffer: frames,
	}

	stream, err := portaudio.OpenStream(params, func(in []int16) {
		onChunk(PCMFromSamples(in))
	})
	if err != nil {
		portaudio.Terminate()
		return nil, classifyDeviceError("failed to open audio stream", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, classifyDeviceError("failed to start audio stream", err)
	}

	m.logger().Debug("Microphone opened",
		"deviceName", device.Name,
		"sampleRate", profile.SampleRate,
		"channels", profile.Channels)

	return &inputTrack{stream: stream, logger: m.logger()}, nil
}

func (m *Microphone) device() (*portaudio.DeviceInfo, error) {
	if m.DeviceID >= 0 {
		devices, err := portaudio.Devices()
		if err != nil {
			return nil, fmt.Errorf("failed to get audio devices: %w", err)
		}
		return inputDeviceAt(devices, m.DeviceID)
	}

	device, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, classifyDeviceError("failed to get default input device", err)
	}
	return device, nil
}

func inputDeviceAt(devices []*portaudio.DeviceInfo, id int) (*portaudio.DeviceInfo, error) {
	if id < 0 || id >= len(devices) {
		return nil, fmt.Errorf("invalid device ID %d", id)
	}
	device := devices[id]
	if device.MaxInputChannels < 1 {
		return nil, fmt.Errorf("device %d (%s) has no input channels", id, device.Name)
	}
	return device, nil
}

type inputTrack struct {
	stream *portaudio.Stream
	logger *slog.Logger
	once   sync.Once
	err    error
}

func (t *inputTrack) Close() error {
	t.once.Do(func() {
		if err := t.stream.Stop(); err != nil {
			t.logger.Error("Failed to stop audio stream", "error", err)
		}
		t.err = t.stream.Close()
		portaudio.Terminate()
	})
	return t.err
}

// classifyDeviceError marks host refusals so callers can tell a permission
// problem from a missing or broken device.
func classifyDeviceError(msg string, err error) error {
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "permission") || strings.Contains(lower, "not allowed") {
		return fmt.Errorf("%s: %w: %v", msg, os.ErrPermission, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// DeviceInfo describes an input device for listing.
type DeviceInfo struct {
	ID                int
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
}

// ListInputDevices returns the devices that can capture audio, indexed the
// same way Microphone.DeviceID is.
func ListInputDevices() ([]DeviceInfo, error) {
	err := portaudio.Initialize()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to get devices: %w", err)
	}

	// Filter to only input devices
	inputDevices := make([]DeviceInfo, 0)
	for i, device := range devices {
		if device.MaxInputChannels > 0 {
			inputDevices = append(inputDevices, DeviceInfo{
				ID:                i,
				Name:              device.Name,
				MaxInputChannels:  device.MaxInputChannels,
				DefaultSampleRate: device.DefaultSampleRate,
			})
		}
	}

	return inputDevices, nil
}
