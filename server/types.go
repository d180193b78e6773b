package server

import (
	"context"
	"time"
)

// WebSocketMessage is the envelope for every event pushed to subscribers.
type WebSocketMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

type submitRequest struct {
	Text string `json:"text"`
}

type draftRequest struct {
	Text string `json:"text"`
}

type controlRequest struct {
	Action string `json:"action"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type acceptedResponse struct {
	Status string `json:"status"`
	Job    string `json:"job"`
}

// job is one queued surface operation.
type job struct {
	Name      string
	Timestamp time.Time
	Run       func(ctx context.Context) error
}
