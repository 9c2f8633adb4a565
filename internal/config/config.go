package config

import "time"

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Log      LogConfig
	Media    MediaConfig
	Training TrainingConfig
	Security SecurityConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type MediaConfig struct {
	DefaultTTLHours int
	GCInterval      time.Duration
}

type TrainingConfig struct {
	BackendURL   string
	PollInterval time.Duration
	Concurrency  int
	VRAMBudgetMB int
	ImageModel   string
	VoiceModel   string
}

type SecurityConfig struct {
	PlatformEncryption bool
	ProbeTimeout       time.Duration
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Media: MediaConfig{
			DefaultTTLHours: 24,
			GCInterval:      10 * time.Minute,
		},
		Training: TrainingConfig{
			BackendURL:   "http://127.0.0.1:4180",
			PollInterval: 2 * time.Second,
			Concurrency:  1,
			VRAMBudgetMB: 8192,
			ImageModel:   "flux-lora",
			VoiceModel:   "gpt_sovits_v2",
		},
		Security: SecurityConfig{
			PlatformEncryption: true,
			ProbeTimeout:       1500 * time.Millisecond,
		},
	}
}

// Load reads configuration from the platform-native backend and
// environment variables.
//
// On macOS the backend is UserDefaults (domain: com.kalambet.companion).
// Elsewhere it is a JSON file at $XDG_CONFIG_HOME/companion/config.json.
//
// Environment variables (COMPANION_*) override backend values on all
// platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}
