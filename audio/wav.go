package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/youpy/go-wav"
)

const (
	CaptureSampleRate = 16000 // Rate the remote transcriber expects
	CaptureChannels   = 1     // Mono audio
	bitsPerSample     = 16    // Using int16 for samples
	wavHeaderSize     = 44
)

type WavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// NewWavHeader describes dataSize bytes of 16-bit PCM.
func NewWavHeader(dataSize uint32, sampleRate uint32, channels uint16) WavHeader {
	return WavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     dataSize + 36,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   channels,
		SampleRate:    sampleRate,
		ByteRate:      sampleRate * uint32(channels) * bitsPerSample / 8,
		BlockAlign:    channels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

func WriteWavHeader(w io.Writer, header WavHeader) error {
	return binary.Write(w, binary.LittleEndian, header)
}

// EncodeWAV wraps little-endian 16-bit PCM in a WAV container. The samples are
// not resampled or re-encoded.
func EncodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid wav format: rate=%d channels=%d", sampleRate, channels)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm data is not 16-bit aligned: %d bytes", len(pcm))
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	header := NewWavHeader(uint32(len(pcm)), uint32(sampleRate), uint16(channels))
	if err := WriteWavHeader(buf, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	buf.Write(pcm)
	return buf.Bytes(), nil
}

// Format is the subset of a WAV fmt chunk the speaker needs.
type Format struct {
	SampleRate  int
	NumChannels int
}

// DecodeWAV reads all samples of a WAV payload as interleaved int16 values.
func DecodeWAV(data []byte) (Format, []int16, error) {
	reader := wav.NewReader(bytes.NewReader(data))

	format, err := reader.Format()
	if err != nil {
		return Format{}, nil, fmt.Errorf("failed to read WAV format: %w", err)
	}
	if format.NumChannels == 0 {
		return Format{}, nil, fmt.Errorf("WAV payload declares zero channels")
	}

	channels := int(format.NumChannels)
	samples := make([]int16, 0, len(data)/2)
	for {
		batch, err := reader.ReadSamples(framesPerBuffer)
		if err == io.EOF {
			break
		}
		if err != nil {
			return Format{}, nil, fmt.Errorf("failed to read WAV samples: %w", err)
		}
		for _, s := range batch {
			for ch := 0; ch < channels && ch < len(s.Values); ch++ {
				samples = append(samples, int16(reader.IntValue(s, uint(ch))))
			}
		}
		if len(batch) == 0 {
			break
		}
	}

	return Format{SampleRate: int(format.SampleRate), NumChannels: channels}, samples, nil
}

// PCMFromSamples converts int16 samples to little-endian bytes.
func PCMFromSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sample))
	}
	return out
}
