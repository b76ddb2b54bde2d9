package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"birdbridge/internal/logging"
	"birdbridge/internal/models"
)

const defaultServiceURL = "https://bsky.social"

// Config holds the application configuration.
type Config struct {
	DatabasePath string
	// CheckInterval is the time between incremental checks.
	CheckInterval time.Duration
	ListenAddr    string // Address for the admin API (e.g., ":8080")
	MappingsPath  string
	LogLevel      string
	// LegacyHistoryPath points at an older JSON history file to import on startup.
	LegacyHistoryPath string
	// PostLangs are attached to every destination post.
	PostLangs []string

	ItemDelayMin     time.Duration
	ItemDelayMax     time.Duration
	ChunkDelay       time.Duration
	PageDelay        time.Duration
	IncrementalLimit int
	MaxChunkLength   int
	SourceRPS        float64
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	// Load .env file if it exists (useful for development)
	_ = godotenv.Load()

	cfg := &Config{
		DatabasePath:      getEnv("DATABASE_PATH", "birdbridge.db"),
		CheckInterval:     time.Duration(getEnvInt("CHECK_INTERVAL_MINUTES", 30)) * time.Minute,
		ListenAddr:        getEnv("LISTEN_ADDR", ":8080"),
		MappingsPath:      getEnv("MAPPINGS_PATH", "mappings.yaml"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LegacyHistoryPath: getEnv("LEGACY_HISTORY_PATH", ""),
		PostLangs:         splitList(getEnv("POST_LANGS", "en")),
		ItemDelayMin:      time.Duration(getEnvInt("ITEM_DELAY_MIN_MS", 1000)) * time.Millisecond,
		ItemDelayMax:      time.Duration(getEnvInt("ITEM_DELAY_MAX_MS", 5000)) * time.Millisecond,
		ChunkDelay:        time.Duration(getEnvInt("CHUNK_DELAY_MS", 1500)) * time.Millisecond,
		PageDelay:         time.Duration(getEnvInt("PAGE_DELAY_MS", 2000)) * time.Millisecond,
		IncrementalLimit:  getEnvInt("INCREMENTAL_LIMIT", 20),
		MaxChunkLength:    getEnvInt("MAX_CHUNK_LENGTH", 300),
		SourceRPS:         getEnvFloat("SOURCE_RPS", 1),
	}

	if cfg.ItemDelayMax < cfg.ItemDelayMin {
		logging.Warn("ITEM_DELAY_MAX_MS is below ITEM_DELAY_MIN_MS, using the minimum for both")
		cfg.ItemDelayMax = cfg.ItemDelayMin
	}
	return cfg
}

type mappingsFile struct {
	Mappings []models.AccountMapping `yaml:"mappings"`
}

// LoadMappings reads the account mapping file. ${VAR} references are expanded
// from the environment before parsing.
func LoadMappings(path string) ([]models.AccountMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mappings file: %w", err)
	}
	return ParseMappings([]byte(os.ExpandEnv(string(data))))
}

// ParseMappings parses and validates mapping YAML.
func ParseMappings(data []byte) ([]models.AccountMapping, error) {
	var f mappingsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse mappings: %w", err)
	}

	seen := make(map[string]bool)
	for i := range f.Mappings {
		m := &f.Mappings[i]
		if m.Name == "" {
			m.Name = m.Destination.Identifier
		}
		if len(m.Source.Identities) == 0 {
			return nil, fmt.Errorf("mapping %q: no source identities", m.Name)
		}
		if m.Destination.Identifier == "" || m.Destination.Password == "" {
			return nil, fmt.Errorf("mapping %q: destination identifier and password are required", m.Name)
		}
		if m.Destination.ServiceURL == "" {
			m.Destination.ServiceURL = defaultServiceURL
		}
		if m.Source.Kind == "" {
			m.Source.Kind = "twitter"
		}
		if seen[m.Account()] {
			return nil, fmt.Errorf("mapping %q: destination %s is mapped twice", m.Name, m.Account())
		}
		seen[m.Account()] = true
	}
	return f.Mappings, nil
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		logging.Warn("Invalid %s '%s', using default %d", key, raw, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		logging.Warn("Invalid %s '%s', using default %v", key, raw, fallback)
		return fallback
	}
	return f
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
