// Package assistant is the HTTP client for the remote smart-home assistant
// service: chat, history, speech synthesis, transcription and devices.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bosley/hearth/metrics"
)

var (
	// ErrNetwork covers transport failures and non-2xx responses.
	ErrNetwork = errors.New("network error")
	// ErrMalformedResponse is returned when a 2xx response lacks an expected field.
	ErrMalformedResponse = errors.New("malformed response")
)

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 60 * time.Second

	StatusSuccess = "success"
)

type Paths struct {
	History       string `mapstructure:"history"`
	Chat          string `mapstructure:"chat"`
	ClearHistory  string `mapstructure:"clear_history"`
	Synthesize    string `mapstructure:"synthesize"`
	Download      string `mapstructure:"download"`
	Transcribe    string `mapstructure:"transcribe"`
	Devices       string `mapstructure:"devices"`
	DeviceControl string `mapstructure:"device_control"`
	Health        string `mapstructure:"health"`
}

func DefaultPaths() Paths {
	return Paths{
		History:       "/history",
		Chat:          "/chat",
		ClearHistory:  "/clear-history",
		Synthesize:    "/tts/synthesize",
		Download:      "/files/download",
		Transcribe:    "/stt/transcribe",
		Devices:       "/devices",
		DeviceControl: "/devices/control",
		Health:        "/health",
	}
}

// withDefaults fills unset paths so a partial config file still works.
func (p Paths) withDefaults() Paths {
	d := DefaultPaths()
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&p.History, d.History)
	fill(&p.Chat, d.Chat)
	fill(&p.ClearHistory, d.ClearHistory)
	fill(&p.Synthesize, d.Synthesize)
	fill(&p.Download, d.Download)
	fill(&p.Transcribe, d.Transcribe)
	fill(&p.Devices, d.Devices)
	fill(&p.DeviceControl, d.DeviceControl)
	fill(&p.Health, d.Health)
	return p
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	// Token, when set, is sent as a bearer token on every request.
	Token  string
	Paths  Paths
	Logger *slog.Logger
}

type Client struct {
	baseURL    string
	token      string
	paths      Paths
	httpClient *http.Client
	logger     *slog.Logger
}

func New(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL: baseURL,
		token:   cfg.Token,
		paths:   cfg.Paths.withDefaults(),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("component", "assistant"),
	}
}

type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// History returns the stored conversation turns in server order.
func (c *Client) History(ctx context.Context) ([]HistoryEntry, error) {
	var resp struct {
		History *[]HistoryEntry `json:"history"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.paths.History, nil, &resp); err != nil {
		return nil, err
	}
	if resp.History == nil {
		return nil, fmt.Errorf("%w: history field missing", ErrMalformedResponse)
	}
	return *resp.History, nil
}

// Chat sends one user message and returns the assistant's reply text.
func (c *Client) Chat(ctx context.Context, message string, useTools bool) (string, error) {
	req := struct {
		Message  string `json:"message"`
		UseTools bool   `json:"use_tools"`
	}{Message: message, UseTools: useTools}

	var resp struct {
		Response string `json:"response"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.paths.Chat, req, &resp); err != nil {
		return "", err
	}
	if resp.Response == "" {
		return "", fmt.Errorf("%w: response field missing", ErrMalformedResponse)
	}
	return resp.Response, nil
}

// StatusResult is the common {status, message} envelope.
type StatusResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (r StatusResult) Succeeded() bool { return r.Status == StatusSuccess }

func (c *Client) ClearHistory(ctx context.Context) (StatusResult, error) {
	var resp StatusResult
	if err := c.doJSON(ctx, http.MethodPost, c.paths.ClearHistory, nil, &resp); err != nil {
		return StatusResult{}, err
	}
	return resp, nil
}

type SynthesisResult struct {
	Status        string `json:"status"`
	AudioFilename string `json:"audio_filename,omitempty"`
}

func (c *Client) Synthesize(ctx context.Context, text, voice string) (SynthesisResult, error) {
	req := struct {
		Text  string `json:"text"`
		Voice string `json:"voice"`
	}{Text: text, Voice: voice}

	var resp SynthesisResult
	if err := c.doJSON(ctx, http.MethodPost, c.paths.Synthesize, req, &resp); err != nil {
		return SynthesisResult{}, err
	}
	return resp, nil
}

// Download fetches a synthesized audio file by the name Synthesize returned.
func (c *Client) Download(ctx context.Context, filename string) ([]byte, error) {
	query := url.Values{"filename": []string{filename}}
	req, err := c.newRequest(ctx, http.MethodGet, c.paths.Download+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(req, c.paths.Download)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read audio: %v", ErrNetwork, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty audio payload", ErrMalformedResponse)
	}
	return data, nil
}

type TranscriptionResult struct {
	Status        string `json:"status"`
	Transcription string `json:"transcription,omitempty"`
}

// Transcribe uploads a clip as the multipart field "audio_file".
func (c *Client) Transcribe(ctx context.Context, clip []byte, filename string) (TranscriptionResult, error) {
	// Prepare multipart form data
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("audio_file", filename)
	if err != nil {
		return TranscriptionResult{}, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(clip); err != nil {
		return TranscriptionResult{}, fmt.Errorf("failed to write audio data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return TranscriptionResult{}, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.paths.Transcribe, body)
	if err != nil {
		return TranscriptionResult{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var resp TranscriptionResult
	if err := c.do(req, c.paths.Transcribe, &resp); err != nil {
		return TranscriptionResult{}, err
	}
	return resp, nil
}

// Device is one smart-home device as reported by the backend. Fields beyond
// the id, name and state are kept raw.
type Device struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Type   string          `json:"type,omitempty"`
	Room   string          `json:"room,omitempty"`
	State  json.RawMessage `json:"state,omitempty"`
	Online *bool           `json:"online,omitempty"`
}

func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, c.paths.Devices, nil, &raw); err != nil {
		return nil, err
	}

	// Accept either a bare list or {devices: [...]}.
	var devices []Device
	if err := json.Unmarshal(raw, &devices); err == nil {
		return devices, nil
	}
	var wrapped struct {
		Devices *[]Device `json:"devices"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil || wrapped.Devices == nil {
		return nil, fmt.Errorf("%w: devices list missing", ErrMalformedResponse)
	}
	return *wrapped.Devices, nil
}

func (c *Client) ControlDevice(ctx context.Context, deviceID, action string) (StatusResult, error) {
	req := struct {
		DeviceID string `json:"device_id"`
		Action   string `json:"action"`
	}{DeviceID: deviceID, Action: action}

	var resp StatusResult
	if err := c.doJSON(ctx, http.MethodPost, c.paths.DeviceControl, req, &resp); err != nil {
		return StatusResult{}, err
	}
	return resp, nil
}

func (c *Client) Health(ctx context.Context) (StatusResult, error) {
	var resp StatusResult
	if err := c.doJSON(ctx, http.MethodGet, c.paths.Health, nil, &resp); err != nil {
		return StatusResult{}, err
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, path, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, endpoint string, out any) error {
	resp, err := c.send(req, endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode %s response: %v", ErrMalformedResponse, endpoint, err)
	}
	return nil
}

// send performs the request and maps transport failures and non-2xx
// statuses to ErrNetwork. The caller closes the body on success.
func (c *Client) send(req *http.Request, endpoint string) (*http.Response, error) {
	c.logger.Debug("Sending request", "method", req.Method, "endpoint", endpoint)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.BackendRequests.WithLabelValues(endpoint, "error").Inc()
		return nil, fmt.Errorf("%w: %s %s: %v", ErrNetwork, req.Method, endpoint, err)
	}
	metrics.BackendRequests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s %s returned status %d: %s",
			ErrNetwork, req.Method, endpoint, resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return resp, nil
}
