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
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "PLATEWISE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.auth_token", typ: kString, env: "PLATEWISE_SERVER_AUTH_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.AuthToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.AuthToken },
	},
	{
		key: "search.api_key", typ: kString, env: "PLATEWISE_SERPAPI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Search.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Search.APIKey },
	},
	{
		key: "search.min_interval", typ: kDuration, env: "PLATEWISE_SEARCH_MIN_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Search.MinInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Search.MinInterval },
	},
	{
		key: "search.max_retries", typ: kInt, env: "PLATEWISE_SEARCH_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Search.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.MaxRetries },
	},
	{
		key: "search.backoff_factor", typ: kFloat, env: "PLATEWISE_SEARCH_BACKOFF_FACTOR",
		apply:   func(cfg *Config, v any) { cfg.Search.BackoffFactor = v.(float64) },
		extract: func(cfg Config) any { return cfg.Search.BackoffFactor },
	},
	{
		key: "search.cache_size", typ: kInt, env: "PLATEWISE_SEARCH_CACHE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Search.CacheSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.CacheSize },
	},
	{
		key: "generation.api_key", typ: kString, env: "PLATEWISE_GEMINI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Generation.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.APIKey },
	},
	{
		key: "generation.base_url", typ: kString, env: "PLATEWISE_GENERATION_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Generation.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.BaseURL },
	},
	{
		key: "generation.models", typ: kString, env: "PLATEWISE_GENERATION_MODELS",
		apply:   func(cfg *Config, v any) { cfg.Generation.Models = splitModels(v.(string)) },
		extract: func(cfg Config) any { return strings.Join(cfg.Generation.Models, ",") },
	},
	{
		key: "local.models_dir", typ: kString, env: "PLATEWISE_LOCAL_MODELS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Local.ModelsDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Local.ModelsDir },
	},
	{
		key: "local.hub_base_url", typ: kString, env: "PLATEWISE_LOCAL_HUB_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Local.HubBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Local.HubBaseURL },
	},
	{
		key: "local.runner_bin", typ: kString, env: "PLATEWISE_LOCAL_RUNNER_BIN",
		apply:   func(cfg *Config, v any) { cfg.Local.RunnerBin = v.(string) },
		extract: func(cfg Config) any { return cfg.Local.RunnerBin },
	},
	{
		key: "local.light_repo", typ: kString, env: "PLATEWISE_LOCAL_LIGHT_REPO",
		apply:   func(cfg *Config, v any) { cfg.Local.LightRepo = v.(string) },
		extract: func(cfg Config) any { return cfg.Local.LightRepo },
	},
	{
		key: "local.light_file", typ: kString, env: "PLATEWISE_LOCAL_LIGHT_FILE",
		apply:   func(cfg *Config, v any) { cfg.Local.LightFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Local.LightFile },
	},
	{
		key: "local.heavy_repo", typ: kString, env: "PLATEWISE_LOCAL_HEAVY_REPO",
		apply:   func(cfg *Config, v any) { cfg.Local.HeavyRepo = v.(string) },
		extract: func(cfg Config) any { return cfg.Local.HeavyRepo },
	},
	{
		key: "local.heavy_file", typ: kString, env: "PLATEWISE_LOCAL_HEAVY_FILE",
		apply:   func(cfg *Config, v any) { cfg.Local.HeavyFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Local.HeavyFile },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PLATEWISE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "pipeline.timeout", typ: kDuration, env: "PLATEWISE_PIPELINE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.Timeout },
	},
	{
		key: "log.level", typ: kString, env: "PLATEWISE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func splitModels(raw string) []string {
	var models []string
	for _, m := range strings.Split(raw, ",") {
		if m = strings.TrimSpace(m); m != "" {
			models = append(models, m)
		}
	}
	return models
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
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
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
