package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "FINRAG_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "FINRAG_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "FINRAG_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.upload_dir", typ: kString, env: "FINRAG_STORAGE_UPLOAD_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.UploadDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.UploadDir },
	},
	{
		key: "log.level", typ: kString, env: "FINRAG_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "ollama.base_url", typ: kString, env: "FINRAG_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "FINRAG_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "FINRAG_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "FINRAG_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.rerank_timeout", typ: kDuration, env: "FINRAG_RETRIEVAL_RERANK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RerankTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retrieval.RerankTimeout },
	},
	{
		key: "chat.token_delay", typ: kDuration, env: "FINRAG_CHAT_TOKEN_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Chat.TokenDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Chat.TokenDelay },
	},
	{
		key: "ingest.timeout", typ: kDuration, env: "FINRAG_INGEST_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.Timeout },
	},
	{
		key: "ingest.stale_after", typ: kDuration, env: "FINRAG_INGEST_STALE_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Ingest.StaleAfter = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.StaleAfter },
	},
	{
		key: "ingest.retention", typ: kDuration, env: "FINRAG_INGEST_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Retention = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.Retention },
	},
	{
		key: "ingest.max_upload_mb", typ: kInt, env: "FINRAG_INGEST_MAX_UPLOAD_MB",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxUploadMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxUploadMB },
	},
	{
		key: "client.base_url", typ: kString, env: "FINRAG_CLIENT_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Client.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Client.BaseURL },
	},
	{
		key: "client.track_timeout", typ: kDuration, env: "FINRAG_CLIENT_TRACK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Client.TrackTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Client.TrackTimeout },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			d, err := s.parse(v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] ignoring %s in config file: %v\n", s.key, err)
				continue
			}
			s.apply(cfg, d)
		}
	}
	return nil
}

// parse converts a raw string to the key's value type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%s expects an integer: %w", s.key, err)
		}
		return i, nil
	case kDuration:
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%s expects a duration like 30s or 5m: %w", s.key, err)
		}
		return d, nil
	default:
		return raw, nil
	}
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if s.env == "" || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] ignoring %s: %v\n", s.env, err)
			continue
		}
		s.apply(cfg, v)
	}
}
