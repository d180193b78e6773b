// Package config loads hearth settings from a YAML file, .env and HEARTH_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bosley/hearth/assistant"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "HEARTH"

type Config struct {
	Assistant AssistantConfig `mapstructure:"assistant"`
	Wake      WakeConfig      `mapstructure:"wake"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
}

type AssistantConfig struct {
	BaseURL  string          `mapstructure:"base_url"`
	Timeout  time.Duration   `mapstructure:"timeout"`
	Token    string          `mapstructure:"token"`
	UseTools bool            `mapstructure:"use_tools"`
	Voice    string          `mapstructure:"voice"`
	Paths    assistant.Paths `mapstructure:"paths"`
}

type WakeConfig struct {
	Phrase        string        `mapstructure:"phrase"`
	Greeting      string        `mapstructure:"greeting"`
	RecognizerURL string        `mapstructure:"recognizer_url"`
	Language      string        `mapstructure:"language"`
	RestartDelay  time.Duration `mapstructure:"restart_delay"`
}

type AudioConfig struct {
	InputDevice     int           `mapstructure:"input_device"`
	FramesPerBuffer int           `mapstructure:"frames_per_buffer"`
	AutoStop        bool          `mapstructure:"auto_stop"`
	VADThreshold    float64       `mapstructure:"vad_threshold"`
	SilenceWindow   time.Duration `mapstructure:"silence_window"`
}

type ChatConfig struct {
	ReadReplies  bool          `mapstructure:"read_replies"`
	Greeting     string        `mapstructure:"greeting"`
	ErrorReply   string        `mapstructure:"error_reply"`
	RefreshDelay time.Duration `mapstructure:"refresh_delay"`
}

type ServerConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	CertFile  string `mapstructure:"cert_file"`
	KeyFile   string `mapstructure:"key_file"`
	Workers   int    `mapstructure:"workers"`
	QueueSize int    `mapstructure:"queue_size"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func Default() *Config {
	return &Config{
		Assistant: AssistantConfig{
			BaseURL:  assistant.DefaultBaseURL,
			Timeout:  assistant.DefaultTimeout,
			UseTools: true,
			Voice:    "default",
			Paths:    assistant.DefaultPaths(),
		},
		Wake: WakeConfig{
			Phrase:       "jarvis",
			Greeting:     "Hello, I'm your smart home assistant",
			Language:     "en-US",
			RestartDelay: 250 * time.Millisecond,
		},
		Audio: AudioConfig{
			InputDevice:     -1, // host default
			FramesPerBuffer: 1024,
			VADThreshold:    2.22,
			SilenceWindow:   1 * time.Second,
		},
		Chat: ChatConfig{
			Greeting:     "Hello! I'm your smart home assistant. How can I help you today?",
			ErrorReply:   "Sorry, I encountered an error. Please try again.",
			RefreshDelay: 500 * time.Millisecond,
		},
		Server: ServerConfig{
			Enabled:   true,
			Addr:      "127.0.0.1:8090",
			Workers:   2,
			QueueSize: 16,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path (or ./hearth.yaml when path is empty) over the defaults.
// A missing default file is not an error; a missing explicit file is.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		slog.Debug("Loaded environment from .env")
	}

	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("hearth")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so env overrides work without a file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("assistant.base_url", d.Assistant.BaseURL)
	v.SetDefault("assistant.timeout", d.Assistant.Timeout)
	v.SetDefault("assistant.token", d.Assistant.Token)
	v.SetDefault("assistant.use_tools", d.Assistant.UseTools)
	v.SetDefault("assistant.voice", d.Assistant.Voice)
	v.SetDefault("assistant.paths.history", d.Assistant.Paths.History)
	v.SetDefault("assistant.paths.chat", d.Assistant.Paths.Chat)
	v.SetDefault("assistant.paths.clear_history", d.Assistant.Paths.ClearHistory)
	v.SetDefault("assistant.paths.synthesize", d.Assistant.Paths.Synthesize)
	v.SetDefault("assistant.paths.download", d.Assistant.Paths.Download)
	v.SetDefault("assistant.paths.transcribe", d.Assistant.Paths.Transcribe)
	v.SetDefault("assistant.paths.devices", d.Assistant.Paths.Devices)
	v.SetDefault("assistant.paths.device_control", d.Assistant.Paths.DeviceControl)
	v.SetDefault("assistant.paths.health", d.Assistant.Paths.Health)

	v.SetDefault("wake.phrase", d.Wake.Phrase)
	v.SetDefault("wake.greeting", d.Wake.Greeting)
	v.SetDefault("wake.recognizer_url", d.Wake.RecognizerURL)
	v.SetDefault("wake.language", d.Wake.Language)
	v.SetDefault("wake.restart_delay", d.Wake.RestartDelay)

	v.SetDefault("audio.input_device", d.Audio.InputDevice)
	v.SetDefault("audio.frames_per_buffer", d.Audio.FramesPerBuffer)
	v.SetDefault("audio.auto_stop", d.Audio.AutoStop)
	v.SetDefault("audio.vad_threshold", d.Audio.VADThreshold)
	v.SetDefault("audio.silence_window", d.Audio.SilenceWindow)

	v.SetDefault("chat.read_replies", d.Chat.ReadReplies)
	v.SetDefault("chat.greeting", d.Chat.Greeting)
	v.SetDefault("chat.error_reply", d.Chat.ErrorReply)
	v.SetDefault("chat.refresh_delay", d.Chat.RefreshDelay)

	v.SetDefault("server.enabled", d.Server.Enabled)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.cert_file", d.Server.CertFile)
	v.SetDefault("server.key_file", d.Server.KeyFile)
	v.SetDefault("server.workers", d.Server.Workers)
	v.SetDefault("server.queue_size", d.Server.QueueSize)

	v.SetDefault("log.level", d.Log.Level)
}

// SlogLevel maps the configured level name, defaulting to info.
func (c LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}
