package config

import (
	_ "embed"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Record keys shared with the on-disk config.json.
const (
	KeySimThreshold  = "SIM_THRESHOLD"
	KeyTopK          = "TOPK"
	KeyUnknownDupSim = "UNKNOWN_DUP_SIM"
	KeyEmbedDim      = "EMBED_DIM"
	KeyLogLevel      = "LOG_LEVEL"
)

type Config struct {
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	Match     MatchConfig     `yaml:"match"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Web       WebConfig       `yaml:"web"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Enroll    EnrollConfig    `yaml:"enroll"`
}

type MatchConfig struct {
	SimThreshold  float64 `yaml:"sim_threshold"`   // minimum similarity for a known match
	TopK          int     `yaml:"top_k"`           // neighbors retrieved per face
	UnknownDupSim float64 `yaml:"unknown_dup_sim"` // similarity at which an unknown counts as a duplicate
	EmbedDim      int     `yaml:"embed_dim"`       // dimension of a fresh catalog
	StrictDim     bool    `yaml:"strict_dim"`      // report dimension mismatches on add instead of skipping
}

type EmbeddingConfig struct {
	URL string `yaml:"url"` // defaults to http://localhost:8000
}

type WebConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"` // CORS whitelist in addition to localhost
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. tcp://localhost:1883, empty disables MQTT
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

type EnrollConfig struct {
	Concurrency int `yaml:"concurrency"` // parallel embedder requests
}

// CatalogDir holds the index, labels, persons and vectors files.
func (c *Config) CatalogDir() string {
	return filepath.Join(c.DataDir, "catalog")
}

// ImagesDir holds one enrollment folder per person.
func (c *Config) ImagesDir() string {
	return filepath.Join(c.DataDir, "Images")
}

// UnknownDir holds crops of unidentified faces.
func (c *Config) UnknownDir() string {
	return filepath.Join(c.ImagesDir(), "unknown")
}

// RecordPath is the JSON record shared with the catalog (EMBED_DIM and thresholds).
func (c *Config) RecordPath() string {
	return filepath.Join(c.DataDir, "config.json")
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a float.
// Returns the default value if the env var is unset, empty, or invalid.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// Load builds the configuration from the embedded defaults, then the
// config.json record under the data directory, then environment variables.
func Load() *Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}

	cfg.DataDir = envString("DATA_DIR", cfg.DataDir)

	// An unreadable record is ignored, matching a missing one.
	if record, err := ReadRecord(cfg.RecordPath()); err == nil {
		cfg.applyRecord(record)
	}

	cfg.Match.SimThreshold = envFloat("SIM_THRESHOLD", cfg.Match.SimThreshold)
	cfg.Match.TopK = envInt("TOPK", cfg.Match.TopK)
	cfg.Match.UnknownDupSim = envFloat("UNKNOWN_DUP_SIM", cfg.Match.UnknownDupSim)
	cfg.Match.EmbedDim = envInt("EMBED_DIM", cfg.Match.EmbedDim)
	cfg.Match.StrictDim = envBool("STRICT_DIM", cfg.Match.StrictDim)
	cfg.LogLevel = strings.ToUpper(envString("LOG_LEVEL", cfg.LogLevel))
	cfg.Embedding.URL = envString("EMBEDDING_URL", cfg.Embedding.URL)
	cfg.Web.Host = envString("WEB_HOST", cfg.Web.Host)
	cfg.Web.Port = envInt("WEB_PORT", cfg.Web.Port)
	if env := os.Getenv("WEB_ALLOWED_ORIGINS"); env != "" {
		cfg.Web.AllowedOrigins = splitList(env)
	}
	cfg.MQTT.Broker = envString("MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.TopicPrefix = envString("MQTT_TOPIC_PREFIX", cfg.MQTT.TopicPrefix)
	cfg.MQTT.Username = envString("MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = envString("MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.Enroll.Concurrency = envInt("ENROLL_CONCURRENCY", cfg.Enroll.Concurrency)

	return &cfg
}

func (c *Config) applyRecord(record map[string]any) {
	if v, ok := recordFloat(record, KeySimThreshold); ok {
		c.Match.SimThreshold = v
	}
	if v, ok := recordFloat(record, KeyTopK); ok && v >= 1 {
		c.Match.TopK = int(v)
	}
	if v, ok := recordFloat(record, KeyUnknownDupSim); ok {
		c.Match.UnknownDupSim = v
	}
	if v, ok := recordFloat(record, KeyEmbedDim); ok && v >= 1 {
		c.Match.EmbedDim = int(v)
	}
	if s, ok := record[KeyLogLevel].(string); ok && s != "" {
		c.LogLevel = strings.ToUpper(s)
	}
}

// recordFloat accepts JSON numbers and numeric strings.
func recordFloat(record map[string]any, key string) (float64, bool) {
	switch v := record[key].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// splitList splits a comma-separated value, dropping empty items.
func splitList(s string) []string {
	var out []string
	for item := range strings.SplitSeq(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
