package assistant

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL})
}

func TestChatSendsMessageAndUseTools(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "turn on kitchen lamp", body["message"])
		assert.Equal(t, true, body["use_tools"])

		json.NewEncoder(w).Encode(map[string]string{"response": "Kitchen lamp is on."})
	})

	client := newTestClient(t, mux)
	reply, err := client.Chat(context.Background(), "turn on kitchen lamp", true)
	require.NoError(t, err)
	assert.Equal(t, "Kitchen lamp is on.", reply)
}

func TestChatMissingResponseIsMalformed(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"detail":"nothing"}`))
	}))

	_, err := client.Chat(context.Background(), "hi", true)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestNonSuccessStatusIsNetworkError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	_, err := client.History(context.Background())
	assert.ErrorIs(t, err, ErrNetwork)

	_, err = client.ClearHistory(context.Background())
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestUnreachableBackendIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	client := New(Config{BaseURL: srv.URL})
	_, err := client.History(context.Background())
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestHistoryRequiresField(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"history":[{"role":"user","content":"hi"},{"role":"system","content":"x"}]}`))
	})
	mux.HandleFunc("/llm/history", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	client := newTestClient(t, mux)
	entries, err := client.History(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []HistoryEntry{{Role: "user", Content: "hi"}, {Role: "system", Content: "x"}}, entries)

	srv := httptest.NewServer(mux)
	defer srv.Close()
	legacy := New(Config{BaseURL: srv.URL, Paths: Paths{History: "/llm/history"}})
	_, err = legacy.History(context.Background())
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestTranscribeUploadsMultipartClip(t *testing.T) {
	clip := []byte("RIFF....WAVEfmt ")
	mux := http.NewServeMux()
	mux.HandleFunc("/stt/transcribe", func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("audio_file")
		require.NoError(t, err)
		defer file.Close()
		data, err := io.ReadAll(file)
		require.NoError(t, err)

		assert.Equal(t, "recording.wav", header.Filename)
		assert.Equal(t, clip, data)
		w.Write([]byte(`{"status":"success","transcription":"turn on kitchen lamp"}`))
	})

	client := newTestClient(t, mux)
	res, err := client.Transcribe(context.Background(), clip, "recording.wav")
	require.NoError(t, err)
	assert.Equal(t, TranscriptionResult{Status: "success", Transcription: "turn on kitchen lamp"}, res)
}

func TestSynthesizeAndDownload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tts/synthesize", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello there", body["text"])
		assert.Equal(t, "default", body["voice"])
		w.Write([]byte(`{"status":"success","audio_filename":"out 1.wav"}`))
	})
	mux.HandleFunc("/files/download", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "out 1.wav", r.URL.Query().Get("filename"))
		w.Write([]byte("audio-bytes"))
	})

	client := newTestClient(t, mux)
	res, err := client.Synthesize(context.Background(), "hello there", "default")
	require.NoError(t, err)
	assert.Equal(t, "out 1.wav", res.AudioFilename)

	data, err := client.Download(context.Background(), res.AudioFilename)
	require.NoError(t, err)
	assert.Equal(t, []byte("audio-bytes"), data)
}

func TestDevicesAcceptsBothShapes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/devices", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"devices":[{"id":"lamp-1","name":"Kitchen Lamp","state":{"on":true}}]}`))
	})
	mux.HandleFunc("/devices/control", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "lamp-1", body["device_id"])
		assert.Equal(t, "toggle", body["action"])
		w.Write([]byte(`{"status":"success"}`))
	})

	client := newTestClient(t, mux)
	devices, err := client.Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "Kitchen Lamp", devices[0].Name)

	res, err := client.ControlDevice(context.Background(), "lamp-1", "toggle")
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
}

func TestTokenIsSentAsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		w.Write([]byte(`{"status":"ok","message":"up"}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL + "/", Token: "s3cret"})
	res, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "up", res.Message)
}
