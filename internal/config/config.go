// Package config holds the controller configuration: a JSON5 file overlaid
// with environment variables, of which a small subset can be hot-reloaded.
package config

import (
	"strings"
	"sync"
)

// FileName is the config file name inside the state directory.
const FileName = "config.json5"

// Config is the root configuration object. The mutex guards the reloadable
// subset (favourite models, chat allow-list); everything else is read once
// at startup.
type Config struct {
	mu sync.RWMutex

	Telegram   TelegramConfig   `json:"telegram"`
	Agent      AgentConfig      `json:"agent"`
	Defaults   DefaultsConfig   `json:"defaults"`
	Controller ControllerConfig `json:"controller"`
	Telemetry  TelemetryConfig  `json:"telemetry"`
}

// TelegramConfig carries the bot credentials and the chat allow-list.
type TelegramConfig struct {
	Token        string  `json:"token"`
	AllowedChats []int64 `json:"allowed_chats"`
}

// AgentConfig selects how agent subprocesses are spawned.
type AgentConfig struct {
	// Type names the spawn strategy registered for an instance kind.
	Type string `json:"type"`
	// Command overrides the agent binary looked up on PATH.
	Command string `json:"command"`
}

// DefaultsConfig is the provider/model pair used when a chat has no
// preference of its own.
type DefaultsConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// ControllerConfig tunes daemon behaviour.
type ControllerConfig struct {
	StateDir        string   `json:"state_dir"`
	AutoOpenBrowser bool     `json:"auto_open_browser"`
	FavouriteModels []string `json:"favourite_models"`
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	Protocol    string `json:"protocol"`
	ServiceName string `json:"service_name"`
	Insecure    bool   `json:"insecure"`
}

// ModelRef is a parsed "provider/model" pair.
type ModelRef struct {
	Provider string
	Model    string
}

// ParseModelRef splits "provider/model". The model part may itself contain
// slashes (openrouter-style ids), so only the first separator counts.
func ParseModelRef(s string) (ModelRef, bool) {
	s = strings.TrimSpace(s)
	i := strings.Index(s, "/")
	if i <= 0 || i == len(s)-1 {
		return ModelRef{}, false
	}
	return ModelRef{Provider: s[:i], Model: s[i+1:]}, true
}

// FavouriteModels returns the parsed favourite list, skipping malformed
// entries.
func (c *Config) FavouriteModels() []ModelRef {
	c.mu.RLock()
	raw := c.Controller.FavouriteModels
	c.mu.RUnlock()

	refs := make([]ModelRef, 0, len(raw))
	for _, s := range raw {
		if ref, ok := ParseModelRef(s); ok {
			refs = append(refs, ref)
		}
	}
	return refs
}

// ChatAllowed reports whether the controller serves this chat. An empty
// allow-list means every chat is served.
func (c *Config) ChatAllowed(chatID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.Telegram.AllowedChats) == 0 {
		return true
	}
	for _, id := range c.Telegram.AllowedChats {
		if id == chatID {
			return true
		}
	}
	return false
}

// ApplyReloadable copies the hot-reloadable subset from a freshly loaded
// config. Called by the file watcher; everything else requires a restart.
func (c *Config) ApplyReloadable(fresh *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Controller.FavouriteModels = fresh.Controller.FavouriteModels
	c.Telegram.AllowedChats = fresh.Telegram.AllowedChats
}
