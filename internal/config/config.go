package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	Ollama    OllamaConfig
	Retrieval RetrievalConfig
	Chat      ChatConfig
	Ingest    IngestConfig
	Client    ClientConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type StorageConfig struct {
	DataDir string
	// UploadDir holds uploads until the worker has processed them. Empty
	// means <DataDir>/uploads.
	UploadDir string
}

type LogConfig struct {
	Level string
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type RetrievalConfig struct {
	TopK int
	// RerankTimeout bounds model-based reranking of agentic search results.
	// Zero disables reranking.
	RerankTimeout time.Duration
}

type ChatConfig struct {
	TokenDelay time.Duration
}

type IngestConfig struct {
	Timeout     time.Duration
	StaleAfter  time.Duration
	Retention   time.Duration
	MaxUploadMB int
}

type ClientConfig struct {
	// BaseURL of the server the CLI talks to. Empty means the local server
	// described by Server.
	BaseURL      string
	TrackTimeout time.Duration
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{Level: "info"},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "llama3.2",
			EmbedModel: "nomic-embed-text",
		},
		Retrieval: RetrievalConfig{TopK: 3},
		Ingest: IngestConfig{
			Timeout:     5 * time.Minute,
			StaleAfter:  30 * time.Second,
			Retention:   60 * time.Second,
			MaxUploadMB: 50,
		},
		Client: ClientConfig{
			TrackTimeout: 10 * time.Minute,
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/finrag/config.json, then applies FINRAG_* environment
// overrides on top.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if cfg.Storage.UploadDir == "" {
		cfg.Storage.UploadDir = filepath.Join(cfg.Storage.DataDir, "uploads")
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("invalid config: retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	}
	if c.Retrieval.RerankTimeout < 0 {
		return fmt.Errorf("invalid config: retrieval.rerank_timeout must not be negative, got %s", c.Retrieval.RerankTimeout)
	}
	if c.Ingest.MaxUploadMB <= 0 {
		return fmt.Errorf("invalid config: ingest.max_upload_mb must be positive, got %d", c.Ingest.MaxUploadMB)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Addr is the listen address of the server.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// ServerURL is where the CLI reaches the server.
func (c Config) ServerURL() string {
	if c.Client.BaseURL != "" {
		return strings.TrimRight(c.Client.BaseURL, "/")
	}
	host := c.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(c.Server.Port))
}

// MaxUploadBytes converts Ingest.MaxUploadMB to bytes.
func (c Config) MaxUploadBytes() int64 {
	return int64(c.Ingest.MaxUploadMB) << 20
}

// LogLevel returns the slog level named by Log.Level.
func (c Config) LogLevel() slog.Level {
	l, _ := parseLevel(c.Log.Level)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s)))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q: %w", s, err)
	}
	return l, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "finrag-data"
		}
	}
	return filepath.Join(dir, "finrag")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "finrag", "config.json")
}

// FilePath returns the location of the config file.
func FilePath() string { return configFilePath() }
