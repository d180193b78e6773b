// Package notify delivers transient user-facing notices such as "TTS Error".
package notify

import (
	"context"
	"log/slog"
	"time"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

type Notification struct {
	Level     Level     `json:"level"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a plain function to a Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

func Info(title, message string) Notification {
	return Notification{Level: LevelInfo, Title: title, Message: message, Timestamp: time.Now()}
}

func Error(title, message string) Notification {
	return Notification{Level: LevelError, Title: title, Message: message, Timestamp: time.Now()}
}

// Log writes notifications to a structured logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(n Notification) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if n.Level == LevelError {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "Notification", "title", n.Title, "message", n.Message)
}

// Multi fans a notification out to every non-nil notifier in order.
type Multi []Notifier

func (m Multi) Notify(n Notification) {
	for _, notifier := range m {
		if notifier != nil {
			notifier.Notify(n)
		}
	}
}

// Discard drops every notification.
var Discard Notifier = NotifierFunc(func(Notification) {})
