package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Search     SearchConfig
	Generation GenerationConfig
	Local      LocalConfig
	Storage    StorageConfig
	Pipeline   PipelineConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port      int
	AuthToken string
}

type SearchConfig struct {
	APIKey        string
	MinInterval   time.Duration
	MaxRetries    int
	BackoffFactor float64
	CacheSize     int
}

type GenerationConfig struct {
	APIKey  string
	BaseURL string
	Models  []string
}

type LocalConfig struct {
	ModelsDir  string
	HubBaseURL string
	RunnerBin  string
	LightRepo  string
	LightFile  string
	HeavyRepo  string
	HeavyFile  string
}

type StorageConfig struct {
	DataDir string
}

type PipelineConfig struct {
	Timeout time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 8000,
		},
		Search: SearchConfig{
			MinInterval:   time.Second,
			MaxRetries:    3,
			BackoffFactor: 2.0,
			CacheSize:     128,
		},
		Generation: GenerationConfig{
			Models: []string{
				"gemini-2.0-flash-exp",
				"gemini-1.5-flash",
				"gemini-1.5-pro",
			},
		},
		Local: LocalConfig{
			ModelsDir: filepath.Join(dataDir, "models"),
			RunnerBin: "llama-server",
			LightRepo: "ggml-org/SmolVLM-500M-Instruct-GGUF",
			LightFile: "SmolVLM-500M-Instruct-Q8_0.gguf",
			HeavyRepo: "ggml-org/SmolVLM2-2.2B-Instruct-GGUF",
			HeavyFile: "SmolVLM2-2.2B-Instruct-Q4_K_M.gguf",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Pipeline: PipelineConfig{
			Timeout: 2 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.platewise.app) and
// secrets fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/platewise/config.json
// and secrets live in a mode-0600 secrets file.
//
// Environment variables (PLATEWISE_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try the platform keychain for secrets still unset.
	if cfg.Generation.APIKey == "" {
		if key, err := kc.Get("platewise", "gemini_api_key"); err == nil && key != "" {
			cfg.Generation.APIKey = key
		}
	}
	if cfg.Search.APIKey == "" {
		if key, err := kc.Get("platewise", "serpapi_api_key"); err == nil && key != "" {
			cfg.Search.APIKey = key
		}
	}

	// The search key is optional: a missing key surfaces per-fetch so the
	// rest of the pipeline keeps working. The generation key is not.
	if cfg.Generation.APIKey == "" {
		msg := "missing required config: Gemini API key. " +
			"Set it via environment variable PLATEWISE_GEMINI_API_KEY" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	return cfg, nil
}

// keychainReader reads from macOS Keychain via the security CLI.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
