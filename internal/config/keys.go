package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
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
		key: "server.port", typ: kInt, env: "COMPANION_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "COMPANION_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "COMPANION_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "media.default_ttl_hours", typ: kInt, env: "COMPANION_MEDIA_DEFAULT_TTL_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Media.DefaultTTLHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Media.DefaultTTLHours },
	},
	{
		key: "media.gc_interval", typ: kDuration, env: "COMPANION_MEDIA_GC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Media.GCInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Media.GCInterval },
	},
	{
		key: "training.backend_url", typ: kString, env: "COMPANION_TRAINING_BACKEND_URL",
		apply:   func(cfg *Config, v any) { cfg.Training.BackendURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Training.BackendURL },
	},
	{
		key: "training.poll_interval", typ: kDuration, env: "COMPANION_TRAINING_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Training.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Training.PollInterval },
	},
	{
		key: "training.concurrency", typ: kInt, env: "COMPANION_TRAINING_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Training.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Training.Concurrency },
	},
	{
		key: "training.vram_budget_mb", typ: kInt, env: "COMPANION_TRAINING_VRAM_BUDGET_MB",
		apply:   func(cfg *Config, v any) { cfg.Training.VRAMBudgetMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Training.VRAMBudgetMB },
	},
	{
		key: "training.image_model", typ: kString, env: "COMPANION_TRAINING_IMAGE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Training.ImageModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Training.ImageModel },
	},
	{
		key: "training.voice_model", typ: kString, env: "COMPANION_TRAINING_VOICE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Training.VoiceModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Training.VoiceModel },
	},
	{
		key: "security.platform_encryption", typ: kBool, env: "COMPANION_SECURITY_PLATFORM_ENCRYPTION",
		apply:   func(cfg *Config, v any) { cfg.Security.PlatformEncryption = v.(bool) },
		extract: func(cfg Config) any { return cfg.Security.PlatformEncryption },
	},
	{
		key: "security.probe_timeout", typ: kDuration, env: "COMPANION_SECURITY_PROBE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Security.ProbeTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Security.ProbeTimeout },
	},
}

// parse converts a raw string to the key's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err == nil && d <= 0 {
			return nil, fmt.Errorf("duration must be positive")
		}
		return d, err
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
