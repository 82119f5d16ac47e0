package config

import (
	"fmt"
)

type Config struct {
	Server    ServerConfig
	Engine    EngineConfig
	Storage   StorageConfig
	Vector    VectorConfig
	Retrieval RetrievalConfig
	Monitor   MonitorConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
}

type EngineConfig struct {
	Backend    string // "ollama" or "openai"
	BaseURL    string
	APIKey     string
	EmbedModel string
	EmbedDim   int
}

type StorageConfig struct {
	DataDir string
}

type VectorConfig struct {
	Backend      string // "sqlite" or "qdrant"
	QdrantURL    string
	QdrantAPIKey string
}

type RetrievalConfig struct {
	TopK           int
	ScoreThreshold float64
}

type MonitorConfig struct {
	Enabled  bool
	Schedule string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4000,
			MCPPort: 4001,
		},
		Engine: EngineConfig{
			Backend:    "ollama",
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
			EmbedDim:   768,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Vector: VectorConfig{
			Backend:   "sqlite",
			QdrantURL: "http://localhost:6333",
		},
		Retrieval: RetrievalConfig{
			TopK:           5,
			ScoreThreshold: 0.3,
		},
		Monitor: MonitorConfig{
			Enabled:  true,
			Schedule: "*/15 * * * *",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/strand/config.json, then applies STRAND_* environment
// variable overrides. Secrets (API keys) come from the environment only.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Engine.Backend == "openai" && cfg.Engine.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: engine API key. Set it via environment variable STRAND_ENGINE_API_KEY")
	}

	return cfg, nil
}
