package wake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// WebSocketRecognizer streams recognition results from a speech service over
// a websocket. After connecting it sends a start message; the service answers
// with {"type":"result","transcript":...,"is_final":...} messages and may send
// {"type":"end"} to finish the session.
type WebSocketRecognizer struct {
	URL      string
	Language string
	Dialer   *websocket.Dialer
	Logger   *slog.Logger
}

type recognizerMessage struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript,omitempty"`
	IsFinal    bool   `json:"is_final,omitempty"`
	Error      string `json:"error,omitempty"`
}

type startMessage struct {
	Type           string `json:"type"`
	Language       string `json:"language,omitempty"`
	Continuous     bool   `json:"continuous"`
	InterimResults bool   `json:"interim_results"`
}

func (r *WebSocketRecognizer) Run(ctx context.Context, emit func(Result)) error {
	if r.URL == "" {
		return ErrUnsupported
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := r.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, r.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to recognizer: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(startMessage{
		Type:       "start",
		Language:   r.Language,
		Continuous: true,
	}); err != nil {
		return fmt.Errorf("failed to send recognizer config: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("recognizer read failed: %w", err)
		}

		var msg recognizerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Error("Failed to parse recognizer message", "error", err)
			continue
		}

		switch msg.Type {
		case "result":
			emit(Result{Transcript: msg.Transcript, Final: msg.IsFinal})
		case "error":
			logger.Error("Recognizer reported an error", "error", errors.New(msg.Error))
		case "end":
			return nil
		default:
			logger.Debug("Ignoring recognizer message", "type", msg.Type)
		}
	}
}
