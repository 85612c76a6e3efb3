package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rendis/flowengine/internal/plugins"
)

// Config holds all flowengine configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr        string `json:"listen_addr"`
	DBPath            string `json:"db_path"`
	LogLevel          string `json:"log_level"`
	PoolSize          int    `json:"pool_size"`
	MaxSteps          int    `json:"max_steps"`
	MaxLoopIterations int    `json:"max_loop_iterations"`
	FlowDir           string `json:"flow_dir"`
	RedisAddr         string `json:"redis_addr"`
	RedisPrefix       string `json:"redis_prefix"`
	HistoryLimit      int    `json:"history_limit"`
	OpenAIAPIKey      string `json:"openai_api_key"`
	OpenAIBaseURL     string `json:"openai_base_url"`
	Model             string `json:"model"`
	VisionModel       string `json:"vision_model"`

	// ToolSets are external MCP servers whose tools LLM nodes can bind.
	// Only settings.json can declare them.
	ToolSets []plugins.ToolSetConfig `json:"tool_sets,omitempty"`

	// Knowledge maps dataset names to directories of .txt and .md files
	// searched by KnowledgeSearch nodes. Only settings.json can declare them.
	Knowledge map[string]string `json:"knowledge,omitempty"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:        ":4200",
		DBPath:            filepath.Join(flowengineDir(), "flowengine.db"),
		LogLevel:          "info",
		PoolSize:          10,
		MaxSteps:          1000,
		MaxLoopIterations: 100,
		FlowDir:           filepath.Join(flowengineDir(), "flows"),
		RedisPrefix:       "flowengine:",
		HistoryLimit:      1000,
	}
}

func flowengineDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowengine"
	}
	return filepath.Join(home, ".flowengine")
}

func settingsPath() string {
	return filepath.Join(flowengineDir(), "settings.json")
}

func loadConfig() Config {
	return loadConfigFrom(settingsPath(), os.Getenv)
}

func loadConfigFrom(path string, getenv func(string) string) Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing, warn and skip if malformed).
	if data, err := os.ReadFile(path); err == nil {
		parsed := cfg
		if err := json.Unmarshal(data, &parsed); err != nil {
			slog.Warn("ignoring malformed settings file", slog.String("path", path), slog.String("error", err.Error()))
		} else {
			cfg = parsed
		}
	}

	// Layer 3: env vars override.
	strs := map[string]*string{
		"FLOWENGINE_LISTEN_ADDR":     &cfg.ListenAddr,
		"FLOWENGINE_DB_PATH":         &cfg.DBPath,
		"FLOWENGINE_LOG_LEVEL":       &cfg.LogLevel,
		"FLOWENGINE_FLOW_DIR":        &cfg.FlowDir,
		"FLOWENGINE_REDIS_ADDR":      &cfg.RedisAddr,
		"FLOWENGINE_REDIS_PREFIX":    &cfg.RedisPrefix,
		"FLOWENGINE_OPENAI_API_KEY":  &cfg.OpenAIAPIKey,
		"FLOWENGINE_OPENAI_BASE_URL": &cfg.OpenAIBaseURL,
		"FLOWENGINE_MODEL":           &cfg.Model,
		"FLOWENGINE_VISION_MODEL":    &cfg.VisionModel,
	}
	for key, dst := range strs {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	ints := map[string]*int{
		"FLOWENGINE_POOL_SIZE":           &cfg.PoolSize,
		"FLOWENGINE_MAX_STEPS":           &cfg.MaxSteps,
		"FLOWENGINE_MAX_LOOP_ITERATIONS": &cfg.MaxLoopIterations,
		"FLOWENGINE_HISTORY_LIMIT":       &cfg.HistoryLimit,
	}
	for key, dst := range ints {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	// The standard OpenAI variable is honoured when nothing else set a key.
	if cfg.OpenAIAPIKey == "" {
		cfg.OpenAIAPIKey = getenv("OPENAI_API_KEY")
	}
	return cfg
}
