// Package console is a line-oriented terminal front end for the conversation
// surface.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/bosley/hearth/assistant"
	"github.com/bosley/hearth/conversation"
	"github.com/bosley/hearth/notify"
	"github.com/bosley/hearth/surface"
	"github.com/charmbracelet/lipgloss"
	"github.com/peterh/liner"
)

const prompt = "hearth> "

var (
	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("6")).
			Bold(true)

	assistantStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5"))

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")).
			Bold(true)
)

var errUsage = errors.New("usage")

// Surface is the part of the conversation surface the console drives.
type Surface interface {
	Submit(ctx context.Context, text string) error
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error
	Play(ctx context.Context, messageID string) error
	StopPlayback()
	ClearHistory(ctx context.Context) error
	Messages() []conversation.Message
	Snapshot() surface.Snapshot
}

type DeviceLister interface {
	Devices(ctx context.Context) ([]assistant.Device, error)
}

type Console struct {
	surface     Surface
	devices     DeviceLister
	out         io.Writer
	historyFile string
	logger      *slog.Logger

	// Guards writes to out; notifications arrive from other goroutines.
	mu        sync.Mutex
	line      *liner.State
	closeOnce sync.Once

	playback sync.WaitGroup
}

type Option func(*Console)

func WithOutput(w io.Writer) Option {
	return func(c *Console) { c.out = w }
}

func WithHistoryFile(path string) Option {
	return func(c *Console) { c.historyFile = path }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Console) { c.logger = logger }
}

func New(s Surface, devices DeviceLister, opts ...Option) *Console {
	c := &Console{
		surface: s,
		devices: devices,
		out:     os.Stdout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "console")
	return c
}

// Run reads commands until /quit, Ctrl+C, EOF or ctx is cancelled.
func (c *Console) Run(ctx context.Context) error {
	c.line = liner.NewLiner()
	c.line.SetCtrlCAborts(true)
	defer c.Close()

	if c.historyFile != "" {
		if f, err := os.Open(c.historyFile); err == nil {
			c.line.ReadHistory(f)
			f.Close()
		}
	}

	c.printf("%s\n", infoStyle.Render("Type a message, or /help for commands."))
	for _, msg := range c.surface.Messages() {
		c.printMessage(msg)
	}

	for ctx.Err() == nil {
		input, err := c.line.Prompt(promptStyle.Render(prompt))
		if err != nil {
			if !errors.Is(err, liner.ErrPromptAborted) && !errors.Is(err, io.EOF) {
				return fmt.Errorf("failed to read input: %w", err)
			}
			c.printf("\n")
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		c.line.AppendHistory(input)

		more, err := c.execute(ctx, input)
		if err != nil {
			c.printf("%s %v\n", errorStyle.Render("[Error]"), err)
		}
		if !more {
			return nil
		}
	}
	return ctx.Err()
}

// Close stops playback started from the console and waits for it, then saves
// input history and restores the terminal.
func (c *Console) Close() {
	c.closeOnce.Do(func() {
		c.surface.StopPlayback()
		c.playback.Wait()
		if c.line == nil {
			return
		}
		if c.historyFile != "" {
			if f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
				c.line.WriteHistory(f)
				f.Close()
			} else {
				c.logger.Debug("Failed to save input history", "error", err)
			}
		}
		c.line.Close()
	})
}

// Notify prints a notification above the prompt.
func (c *Console) Notify(n notify.Notification) {
	style := infoStyle
	if n.Level == notify.LevelError {
		style = errorStyle
	}
	c.printf("%s %s\n", style.Render("["+n.Title+"]"), n.Message)
}

// execute runs one line of input and reports whether the console should keep
// reading.
func (c *Console) execute(ctx context.Context, input string) (bool, error) {
	if !strings.HasPrefix(input, "/") {
		return true, c.send(func() error { return c.surface.Submit(ctx, input) })
	}

	fields := strings.Fields(input)
	switch strings.ToLower(fields[0]) {
	case "/quit", "/exit":
		return false, nil

	case "/help":
		c.printHelp()

	case "/rec":
		if err := c.surface.StartRecording(ctx); err != nil {
			return true, err
		}
		c.printf("%s\n", infoStyle.Render("Recording... /stop to send."))

	case "/stop":
		if c.surface.Snapshot().State == surface.StateRecording {
			c.printf("%s\n", infoStyle.Render("Transcribing..."))
			return true, c.send(func() error { return c.surface.StopRecording(ctx) })
		}
		c.surface.StopPlayback()

	case "/play":
		if len(fields) != 2 {
			return true, fmt.Errorf("%w: /play N", errUsage)
		}
		msg, err := c.messageAt(fields[1])
		if err != nil {
			return true, err
		}
		if msg.IsUser {
			return true, fmt.Errorf("message %s is not an assistant reply", fields[1])
		}
		c.playback.Add(1)
		go func() {
			defer c.playback.Done()
			// Failures already reach the user as notifications.
			if err := c.surface.Play(ctx, msg.ID); err != nil {
				c.logger.Debug("Playback ended with error", "messageID", msg.ID, "error", err)
			}
		}()

	case "/clear":
		if err := c.surface.ClearHistory(ctx); err != nil {
			return true, err
		}
		for _, msg := range c.surface.Messages() {
			c.printMessage(msg)
		}

	case "/messages":
		for i, msg := range c.surface.Messages() {
			c.printf("%3d ", i+1)
			c.printMessage(msg)
		}

	case "/state":
		snap := c.surface.Snapshot()
		c.printf("state=%s playing=%q wake=%t restarts=%d messages=%d\n",
			snap.State, snap.Playing, snap.Wake.Active, snap.Wake.RestartCount, len(snap.Messages))

	case "/devices":
		if c.devices == nil {
			return true, errors.New("device control not configured")
		}
		devices, err := c.devices.Devices(ctx)
		if err != nil {
			return true, err
		}
		for _, d := range devices {
			c.printf("%-20s %-24s %-12s %s\n", d.ID, d.Name, d.Room, string(d.State))
		}

	default:
		return true, fmt.Errorf("unknown command %s, try /help", fields[0])
	}
	return true, nil
}

// send runs a turn and prints whatever it appended to the log.
func (c *Console) send(turn func() error) error {
	before := len(c.surface.Messages())
	err := turn()

	msgs := c.surface.Messages()
	if before > len(msgs) {
		before = 0
	}
	for _, msg := range msgs[before:] {
		c.printMessage(msg)
	}
	return err
}

// messageAt resolves a 1-based index as printed by /messages.
func (c *Console) messageAt(arg string) (conversation.Message, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return conversation.Message{}, fmt.Errorf("%w: /play N", errUsage)
	}
	msgs := c.surface.Messages()
	if n < 1 || n > len(msgs) {
		return conversation.Message{}, fmt.Errorf("no message %d", n)
	}
	return msgs[n-1], nil
}

func (c *Console) printMessage(msg conversation.Message) {
	if msg.IsUser {
		c.printf("you: %s\n", msg.Text)
		return
	}
	c.printf("%s %s\n", assistantStyle.Render("assistant:"), msg.Text)
}

func (c *Console) printHelp() {
	c.printf("%s\n", strings.Join([]string{
		"  /rec        start recording",
		"  /stop       stop recording and send, or stop playback",
		"  /play N     read message N aloud",
		"  /messages   list the conversation",
		"  /clear      clear the conversation history",
		"  /devices    list smart-home devices",
		"  /state      show the surface state",
		"  /quit       exit",
	}, "\n"))
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
