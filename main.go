package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bosley/hearth/assistant"
	"github.com/bosley/hearth/audio"
	"github.com/bosley/hearth/config"
	"github.com/bosley/hearth/console"
	"github.com/bosley/hearth/conversation"
	"github.com/bosley/hearth/notify"
	"github.com/bosley/hearth/server"
	"github.com/bosley/hearth/surface"
	"github.com/bosley/hearth/wake"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default ./hearth.yaml)")
	backendURL := flag.String("server", "", "Assistant backend base URL")
	listenAddr := flag.String("listen", "", "Control server address (host:port)")
	certFile := flag.String("cert", "", "Path to control server certificate file")
	keyFile := flag.String("key", "", "Path to control server key file")
	deviceID := flag.Int("device", audio.DefaultDevice, "Audio input device ID to use (see -list-devices)")
	listDevices := flag.Bool("list-devices", false, "List available audio input devices")
	playFile := flag.String("play", "", "Play audio file")
	smartDevices := flag.Bool("devices", false, "List smart-home devices known to the assistant")
	noConsole := flag.Bool("no-console", false, "Run without the interactive console")
	noServer := flag.Bool("no-server", false, "Run without the control server")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	level := cfg.Log.SlogLevel()
	if *verbose {
		level = slog.LevelDebug
	}
	// The console owns stdout while it runs.
	logOut := os.Stdout
	if !*noConsole {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	applyFlags(cfg, *backendURL, *listenAddr, *certFile, *keyFile, *deviceID, *noServer)

	speaker := &audio.Speaker{FramesPerBuffer: cfg.Audio.FramesPerBuffer, Logger: logger}

	if *playFile != "" {
		data, err := os.ReadFile(*playFile)
		if err != nil {
			slog.Error("Failed to read audio file", "error", err)
			os.Exit(1)
		}
		if err := speaker.Play(context.Background(), data); err != nil {
			slog.Error("Failed to play audio file", "error", err)
			os.Exit(1)
		}
		return
	}

	if *listDevices {
		devices, err := audio.ListInputDevices()
		if err != nil {
			slog.Error("Failed to list audio devices", "error", err)
			os.Exit(1)
		}

		fmt.Println("Available audio input devices:")
		for _, device := range devices {
			fmt.Printf("[%d] %s\n", device.ID, device.Name)
			fmt.Printf("    Max Input Channels: %d\n", device.MaxInputChannels)
			fmt.Printf("    Default Sample Rate: %f\n", device.DefaultSampleRate)
			fmt.Println()
		}
		return
	}

	client := assistant.New(assistant.Config{
		BaseURL: cfg.Assistant.BaseURL,
		Timeout: cfg.Assistant.Timeout,
		Token:   cfg.Assistant.Token,
		Paths:   cfg.Assistant.Paths,
		Logger:  logger,
	})

	if *smartDevices {
		devices, err := client.Devices(context.Background())
		if err != nil {
			slog.Error("Failed to list smart-home devices", "error", err)
			os.Exit(1)
		}
		for _, d := range devices {
			fmt.Printf("%-20s %-24s %-12s %s\n", d.ID, d.Name, d.Room, string(d.State))
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Debug("Received shutdown signal")
		cancel()
	}()

	probeBackend(ctx, client)

	mic := &audio.Microphone{
		DeviceID:        cfg.Audio.InputDevice,
		FramesPerBuffer: cfg.Audio.FramesPerBuffer,
		Logger:          logger,
	}

	var recognizer wake.Recognizer
	if cfg.Wake.RecognizerURL != "" {
		recognizer = &wake.WebSocketRecognizer{
			URL:      cfg.Wake.RecognizerURL,
			Language: cfg.Wake.Language,
			Logger:   logger,
		}
	} else {
		slog.Warn("No speech recognizer configured, wake phrase detection disabled")
	}

	hub := server.NewHub(logger)

	var con *console.Console
	notifiers := notify.Multi{notify.Log{Logger: logger}, hub}
	if !*noConsole {
		notifiers = append(notifiers, notify.NotifierFunc(func(n notify.Notification) {
			if con != nil {
				con.Notify(n)
			}
		}))
	}

	surf := surface.New(surface.Dependencies{
		Backend:     client,
		Microphone:  mic,
		Uploader:    client,
		Synthesizer: client,
		Sink:        speaker,
		Recognizer:  recognizer,
		Prober:      mic,
		Notifier:    notifiers,
		Publisher:   hub,
		Logger:      logger,
	}, surfaceConfig(cfg))

	if !*noConsole {
		con = console.New(surf, client, console.WithLogger(logger), console.WithHistoryFile(".hearth_history"))
	}

	if err := surf.Mount(ctx); err != nil {
		slog.Error("Failed to mount conversation surface", "error", err)
		os.Exit(1)
	}
	defer surf.Unmount()

	if cfg.Server.Enabled {
		srv, err := server.New(server.Config{
			Addr:      cfg.Server.Addr,
			CertFile:  cfg.Server.CertFile,
			KeyFile:   cfg.Server.KeyFile,
			Workers:   cfg.Server.Workers,
			QueueSize: cfg.Server.QueueSize,
		}, surf, client, hub, logger)
		if err != nil {
			slog.Error("Failed to initialize control server", "error", err)
			os.Exit(1)
		}

		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("Control server failed", "error", err)
				cancel()
			}
		}()
	}

	if path := watchedConfigPath(*configPath); path != "" {
		watcher, err := config.NewWatcher(path, func(next *config.Config) {
			surf.Reconfigure(surfaceConfig(next))
		}, logger)
		if err != nil {
			slog.Warn("Config hot reload disabled", "error", err)
		} else {
			go watcher.Run(ctx)
		}
	}

	if con != nil {
		go func() {
			if err := con.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Console failed", "error", err)
			}
			cancel()
		}()
		defer con.Close()
	}

	<-ctx.Done()
	slog.Debug("Program exiting")
}

// applyFlags lets command line flags override file and environment values.
func applyFlags(cfg *config.Config, backendURL, listenAddr, certFile, keyFile string, deviceID int, noServer bool) {
	if backendURL != "" {
		cfg.Assistant.BaseURL = backendURL
	}
	if listenAddr != "" {
		cfg.Server.Addr = listenAddr
	}
	if certFile != "" {
		cfg.Server.CertFile = certFile
	}
	if keyFile != "" {
		cfg.Server.KeyFile = keyFile
	}
	if deviceID >= 0 {
		cfg.Audio.InputDevice = deviceID
	}
	if noServer {
		cfg.Server.Enabled = false
	}
}

func surfaceConfig(cfg *config.Config) surface.Config {
	return surface.Config{
		WakePhrase:       cfg.Wake.Phrase,
		WakeGreeting:     cfg.Wake.Greeting,
		WakeRestartDelay: cfg.Wake.RestartDelay,
		ReadReplies:      cfg.Chat.ReadReplies,
		AutoStop:         cfg.Audio.AutoStop,
		SilenceThreshold: cfg.Audio.VADThreshold,
		SilenceWindow:    cfg.Audio.SilenceWindow,
		Voice:            cfg.Assistant.Voice,
		History: conversation.Config{
			Greeting:     cfg.Chat.Greeting,
			ErrorReply:   cfg.Chat.ErrorReply,
			RefreshDelay: cfg.Chat.RefreshDelay,
			UseTools:     cfg.Assistant.UseTools,
		},
	}
}

// watchedConfigPath returns the file to watch, or "" when there is none.
func watchedConfigPath(explicit string) string {
	path := explicit
	if path == "" {
		path = "hearth.yaml"
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func probeBackend(ctx context.Context, client *assistant.Client) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := client.Health(ctx)
	if err != nil {
		slog.Warn("Assistant backend unreachable", "error", err)
		return
	}
	slog.Info("Assistant backend reachable", "status", res.Status, "message", res.Message)
}
