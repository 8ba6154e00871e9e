// Package config loads the pipeline's YAML configuration and exposes
// hot-reload via watcher.go's fsnotify loop. The surface covers the
// ingest/persistence roots, per-stage timeouts, session-refresh
// thresholds, and the games currently being produced.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration surface.
type Config struct {
	IngestRoot      string       `yaml:"ingest_root" json:"ingest_root"`
	PersistenceRoot string       `yaml:"persistence_root" json:"persistence_root"`
	Games           []GameConfig `yaml:"games" json:"games"`

	SnapshotCadenceSeconds int `yaml:"snapshot_cadence_seconds" json:"snapshot_cadence_seconds"`

	ContextSoftTokens int `yaml:"context_soft_tokens" json:"context_soft_tokens"`
	ContextHardTokens int `yaml:"context_hard_tokens" json:"context_hard_tokens"`
	RefreshEveryN     int `yaml:"refresh_every_n_snapshots" json:"refresh_every_n_snapshots"`

	StagePoolSize       int     `yaml:"stage_pool_size" json:"stage_pool_size"`
	PerSubscriberQueue  int     `yaml:"per_subscriber_queue" json:"per_subscriber_queue"`
	SkipAfterMultiplier float64 `yaml:"skip_after_multiplier" json:"skip_after_multiplier"`

	LLMTimeoutSeconds int `yaml:"llm_timeout_seconds" json:"llm_timeout_seconds"`
	TTSTimeoutSeconds int `yaml:"tts_timeout_seconds" json:"tts_timeout_seconds"`
	FSTimeoutSeconds  int `yaml:"fs_timeout_seconds" json:"fs_timeout_seconds"`

	AudioFormat string `yaml:"audio_format" json:"audio_format"`

	LLM   LLMConfig   `yaml:"llm" json:"llm"`
	Web   WebConfig   `yaml:"web" json:"web"`
	Admin AdminConfig `yaml:"admin" json:"admin"`
}

// GameConfig describes one live game the pipeline should ingest and
// narrate, including its static context (teams, rosters, starting
// goalies) known before the first snapshot arrives.
type GameConfig struct {
	GameID     string   `yaml:"game_id" json:"game_id"`
	HomeTeam   string   `yaml:"home_team" json:"home_team"`
	AwayTeam   string   `yaml:"away_team" json:"away_team"`
	Venue      string   `yaml:"venue" json:"venue"`
	RosterHome []Player `yaml:"roster_home" json:"roster_home"`
	RosterAway []Player `yaml:"roster_away" json:"roster_away"`
	GoalieHome string   `yaml:"goalie_home" json:"goalie_home"`
	GoalieAway string   `yaml:"goalie_away" json:"goalie_away"`
	Language   string   `yaml:"language" json:"language"`
}

// Player is one roster-lock entry: an opaque id plus its display name.
type Player struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// LLMConfig configures the Gemini-backed Analyze/Narrate collaborator.
type LLMConfig struct {
	Provider      string `yaml:"provider" json:"provider"`
	APIKey        string `yaml:"api_key" json:"api_key"`
	Model         string `yaml:"model" json:"model"`
	FallbackModel string `yaml:"fallback_model" json:"fallback_model"`
}

// WebConfig configures the websocket broadcast listener.
type WebConfig struct {
	Port int `yaml:"port" json:"port"`
}

// AdminConfig configures the authenticated control-plane listener.
type AdminConfig struct {
	Port          int    `yaml:"port" json:"port"`
	DBPath        string `yaml:"db_path" json:"db_path"`
	BootstrapUser string `yaml:"bootstrap_user" json:"bootstrap_user"`
	BootstrapPass string `yaml:"bootstrap_pass" json:"bootstrap_pass"`
}

// Load reads and parses a YAML config file, applying defaults for every
// field not present on disk.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.IngestRoot != "" && !filepath.IsAbs(cfg.IngestRoot) {
		cfg.IngestRoot = filepath.Join(filepath.Dir(path), cfg.IngestRoot)
	}
	if cfg.PersistenceRoot != "" && !filepath.IsAbs(cfg.PersistenceRoot) {
		cfg.PersistenceRoot = filepath.Join(filepath.Dir(path), cfg.PersistenceRoot)
	}
	if cfg.Admin.DBPath != "" && !filepath.IsAbs(cfg.Admin.DBPath) {
		cfg.Admin.DBPath = filepath.Join(filepath.Dir(path), cfg.Admin.DBPath)
	}

	for i := range cfg.Games {
		if cfg.Games[i].Language == "" {
			cfg.Games[i].Language = "en-US"
		}
	}

	return cfg, nil
}

// defaults returns a Config seeded with every numeric default of the
// recognized configuration surface.
func defaults() *Config {
	return &Config{
		IngestRoot:             "./ingest",
		PersistenceRoot:        "./data",
		SnapshotCadenceSeconds: 5,
		ContextSoftTokens:      30000,
		ContextHardTokens:      48000,
		RefreshEveryN:          15,
		StagePoolSize:          3,
		PerSubscriberQueue:     64,
		SkipAfterMultiplier:    2.0,
		LLMTimeoutSeconds:      12,
		TTSTimeoutSeconds:      8,
		FSTimeoutSeconds:       2,
		AudioFormat:            "wav_pcm16_24k_mono",
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
		},
		Web:   WebConfig{Port: 8765},
		Admin: AdminConfig{Port: 8766, DBPath: "./admin.db"},
	}
}

// Save writes cfg back to path, preserving the operator's ability to edit
// the YAML directly and have Watch pick the change up.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// FindGame returns the configured GameConfig for gameID, if any.
func (c *Config) FindGame(gameID string) *GameConfig {
	for i := range c.Games {
		if c.Games[i].GameID == gameID {
			return &c.Games[i]
		}
	}
	return nil
}
