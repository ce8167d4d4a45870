package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Type:    "opencode",
			Command: "opencode",
		},
		Defaults: DefaultsConfig{
			Provider: "anthropic",
			Model:    "claude-sonnet-4-5",
		},
		Controller: ControllerConfig{
			StateDir: "~/.local/share/telegram_controller",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "teleclaw",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("TELEGRAM_BOT_TOKEN", &c.Telegram.Token)
	envStr("TELECLAW_STATE_DIR", &c.Controller.StateDir)
	envStr("TELECLAW_PROVIDER", &c.Defaults.Provider)
	envStr("TELECLAW_MODEL", &c.Defaults.Model)
	envStr("TELECLAW_AGENT_COMMAND", &c.Agent.Command)
	envStr("TELECLAW_AGENT_TYPE", &c.Agent.Type)

	if v := os.Getenv("TELEGRAM_FAVOURITE_MODELS"); v != "" {
		c.Controller.FavouriteModels = splitCSV(v)
	}
	if v := os.Getenv("TELECLAW_ALLOWED_CHATS"); v != "" {
		var ids []int64
		for _, part := range splitCSV(v) {
			if id, err := strconv.ParseInt(part, 10, 64); err == nil {
				ids = append(ids, id)
			}
		}
		c.Telegram.AllowedChats = ids
	}

	envStr("TELECLAW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("TELECLAW_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("TELECLAW_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("TELECLAW_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TELECLAW_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Save writes the config to path as indented JSON (valid JSON5).
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
