package audio

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWAVKeepsCaptureFormat(t *testing.T) {
	samples := []int16{0, 1200, -1200, 32767, -32768, 7}

	clip, err := EncodeWAV(PCMFromSamples(samples), CaptureSampleRate, CaptureChannels)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(clip[0:4]))
	assert.Equal(t, "WAVE", string(clip[8:12]))
	assert.Len(t, clip, wavHeaderSize+len(samples)*2)

	format, decoded, err := DecodeWAV(clip)
	require.NoError(t, err)
	assert.Equal(t, CaptureSampleRate, format.SampleRate)
	assert.Equal(t, CaptureChannels, format.NumChannels)
	assert.Equal(t, samples, decoded)
}

func TestEncodeWAVRejectsOddPCM(t *testing.T) {
	_, err := EncodeWAV([]byte{1, 2, 3}, CaptureSampleRate, CaptureChannels)
	assert.Error(t, err)

	_, err = EncodeWAV([]byte{1, 2}, 0, CaptureChannels)
	assert.Error(t, err)
}

func TestEncodeWAVHeaderDescribesClip(t *testing.T) {
	clip, err := EncodeWAV(make([]byte, 320), CaptureSampleRate, CaptureChannels)
	require.NoError(t, err)

	var header WavHeader
	require.NoError(t, binary.Read(bytes.NewReader(clip), binary.LittleEndian, &header))
	assert.Equal(t, uint32(356), header.ChunkSize)
	assert.Equal(t, uint32(320), header.Subchunk2Size)
	assert.Equal(t, uint32(CaptureSampleRate*2), header.ByteRate)
	assert.Equal(t, uint16(CaptureChannels), header.NumChannels)
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	_, _, err := DecodeWAV([]byte("definitely not a wav file"))
	assert.Error(t, err)
}
