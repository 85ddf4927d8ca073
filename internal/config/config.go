// Package config handles termind configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/termind/config.yaml, /etc/termind/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "termind", "config.yaml"))
	}

	paths = append(paths, "/etc/termind/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all termind configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Models     ModelsConfig     `yaml:"models"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	Ollama     OllamaConfig     `yaml:"ollama"`
	Memory     MemoryConfig     `yaml:"memory"`
	Calendar   CalendarConfig   `yaml:"calendar"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Family     FamilyConfig     `yaml:"family"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Reflection ReflectionConfig `yaml:"reflection"`
	DataDir    string           `yaml:"data_dir"`
	ProfileDir string           `yaml:"profile_dir"`
	LogLevel   string           `yaml:"log_level"`
}

// ListenConfig defines the admin HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// AnthropicConfig defines Anthropic API settings (primary extraction provider).
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// OllamaConfig defines a local/self-hosted fallback provider.
type OllamaConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// ModelsConfig names which models back which cascade slots.
type ModelsConfig struct {
	Extraction string `yaml:"extraction"` // model used by the primary cascade entry
	Fallback   string `yaml:"fallback"`   // model used by the fallback cascade entry
	Reflection string `yaml:"reflection"` // long-context model for periodic reflection
}

// MemoryConfig configures the external semantic-memory service client.
type MemoryConfig struct {
	Enabled          bool   `yaml:"enabled"`
	URL              string `yaml:"url"`
	RecallTimeoutS   int    `yaml:"recall_timeout_s"`
	MemorizeWorkers  int    `yaml:"memorize_workers"`
	MemorizeQueueCap int    `yaml:"memorize_queue_cap"`
}

// CalendarConfig configures the CalDAV calendar sink.
type CalendarConfig struct {
	URL               string `yaml:"url"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	ConfirmedName     string `yaml:"confirmed_calendar"`
	SuggestedName     string `yaml:"suggested_calendar"`
	ReminderAppointMin []int `yaml:"reminder_appointment_minutes"` // negative offsets in minutes
	ReminderTaskMin    []int `yaml:"reminder_task_minutes"`
}

// MQTTConfig configures the ingest bridge's MQTT subscription.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// FamilyConfig names the household members referenced by prompts and
// person detection. No names are hard-coded in the extractor itself;
// everything flows through here and through PersonStore.
type FamilyConfig struct {
	UserName      string   `yaml:"user_name"`
	PartnerName   string   `yaml:"partner_name"`
	ChildrenNames []string `yaml:"children_names"`
	Timezone      string   `yaml:"timezone"`
}

// ExtractionConfig holds the tunable thresholds from spec §6.
type ExtractionConfig struct {
	ConfidenceAutoThreshold       float64 `yaml:"confidence_auto_threshold"`
	DuplicateThreshold            float64 `yaml:"duplicate_threshold"`
	DuplicateSuppressThreshold    float64 `yaml:"duplicate_suppress_threshold"`
	ConversationWindowSize        int     `yaml:"conversation_window_size"`
	ExistingAppointmentsWindowDays int    `yaml:"existing_appointments_window_days"`
	MaxExisting                   int     `yaml:"max_existing"`
}

// ReflectionConfig controls the periodic self-reflection agent.
type ReflectionConfig struct {
	IntervalMin int `yaml:"interval_min"`
	LockTTLMin  int `yaml:"lock_ttl_min"`
}

// Load reads configuration from a YAML file, expanding environment
// variables, and fills in defaults for anything left zero.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every spec §6 default applied.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8090},
		Memory: MemoryConfig{
			RecallTimeoutS:   3,
			MemorizeWorkers:  16,
			MemorizeQueueCap: 512,
		},
		Calendar: CalendarConfig{
			ConfirmedName:      "WhatsOrga",
			SuggestedName:      "WhatsOrga ?",
			ReminderAppointMin: []int{-7200, -2880, -1440, -120}, // -5d, -2d, -1d, -2h
			ReminderTaskMin:    []int{-1440, -60},
		},
		Family: FamilyConfig{
			Timezone: "Europe/Berlin",
		},
		Extraction: ExtractionConfig{
			ConfidenceAutoThreshold:        0.85,
			DuplicateThreshold:             0.7,
			DuplicateSuppressThreshold:     0.9,
			ConversationWindowSize:         10,
			ExistingAppointmentsWindowDays: 60,
			MaxExisting:                    30,
		},
		Reflection: ReflectionConfig{
			IntervalMin: 30,
			LockTTLMin:  30,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "termind",
			ClientID:    "termind-ingest",
		},
		DataDir:    "./data",
		ProfileDir: "./data/persons",
	}
}
