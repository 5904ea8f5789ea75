package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration. Environment variables provide the
// baseline; an optional YAML file overlays them for deployments that prefer
// checked-in config over env wrangling.
type Config struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	FrontendDir    string   `yaml:"frontendDir"`
	DBPath         string   `yaml:"dbPath"`
	ChatHistory    int      `yaml:"chatHistory"`
	SaveTimeoutSec int      `yaml:"saveTimeoutSec"`
}

const (
	defaultPort           = "8080"
	defaultAllowedOrigin  = "*"
	defaultFrontendDir    = "dist"
	defaultDBPath         = "data/vtt.db"
	defaultChatHistory    = 200
	defaultSaveTimeoutSec = 10
)

// LoadConfig builds a Config instance using environment variables when present.
func LoadConfig() Config {
	cfg := Config{
		Port:           getEnv("PORT", defaultPort),
		AllowedOrigins: parseAllowedOrigins(getEnv("ALLOWED_ORIGINS", defaultAllowedOrigin)),
		FrontendDir:    getEnv("FRONTEND_DIR", defaultFrontendDir),
		DBPath:         getEnv("DB_PATH", defaultDBPath),
		ChatHistory:    defaultChatHistory,
		SaveTimeoutSec: defaultSaveTimeoutSec,
	}

	if raw := os.Getenv("CHAT_HISTORY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.ChatHistory = v
		}
	}

	if raw := os.Getenv("SAVE_TIMEOUT_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.SaveTimeoutSec = v
		}
	}

	return cfg
}

// ApplyFile overlays a YAML config file onto the receiver. Unset fields in
// the file keep their current values.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func parseAllowedOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	var origins []string
	for _, origin := range parts {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		origins = []string{defaultAllowedOrigin}
	}
	return origins
}
