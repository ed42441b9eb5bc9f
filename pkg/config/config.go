// Package config loads a node's configuration from YAML, .env and KBNET_* variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"kbnet/pkg/model"
)

// Config is one node's configuration.
type Config struct {
	NodeType           string `yaml:"node_type"`
	Name               string `yaml:"name"`
	Owner              string `yaml:"owner"`
	OwnerEmail         string `yaml:"owner_email"`
	Description        string `yaml:"description"`
	ScientificResearch bool   `yaml:"scientific_research"`

	// ListenAddr is the local bind address; ListenURL is how others reach it.
	ListenAddr   string `yaml:"listen_addr"`
	ListenURL    string `yaml:"listen_url"`
	ParentHubURL string `yaml:"parent_hub_url"`
	JoinToken    string `yaml:"join_token"`
	JoinSecret   string `yaml:"join_secret"`
	AdminToken   string `yaml:"admin_token"`

	ShareDir       string        `yaml:"share_dir"`
	KeyFile        string        `yaml:"key_file"`
	IndexDB        string        `yaml:"index_db"`
	WatchInterval  time.Duration `yaml:"watch_interval"`
	WatchPacing    time.Duration `yaml:"watch_pacing"`
	ReportInterval time.Duration `yaml:"report_interval"`

	ConsulAddr string `yaml:"consul_addr"`
	AuditDSN   string `yaml:"audit_dsn"`

	TLSCert     string `yaml:"tls_cert"`
	TLSKey      string `yaml:"tls_key"`
	TLSClientCA string `yaml:"tls_client_ca"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		NodeType:       string(model.NodeTypeShare),
		ListenAddr:     ":2000",
		KeyFile:        "kbnode.key",
		WatchInterval:  3 * time.Second,
		WatchPacing:    time.Millisecond,
		ReportInterval: 30 * time.Second,
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

// Load reads path (optional), then .env, then KBNET_* variables, then applies
// overrides (command-line flags) and validates.
func Load(path string, overrides ...func(*Config)) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := loadDotEnv(); err != nil {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	for _, o := range overrides {
		o(&cfg)
	}
	return cfg, cfg.Validate()
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"KBNET_NODE_TYPE":      &c.NodeType,
		"KBNET_NAME":           &c.Name,
		"KBNET_OWNER":          &c.Owner,
		"KBNET_OWNER_EMAIL":    &c.OwnerEmail,
		"KBNET_DESCRIPTION":    &c.Description,
		"KBNET_LISTEN_ADDR":    &c.ListenAddr,
		"KBNET_LISTEN_URL":     &c.ListenURL,
		"KBNET_PARENT_HUB_URL": &c.ParentHubURL,
		"KBNET_JOIN_TOKEN":     &c.JoinToken,
		"KBNET_JOIN_SECRET":    &c.JoinSecret,
		"KBNET_ADMIN_TOKEN":    &c.AdminToken,
		"KBNET_SHARE_DIR":      &c.ShareDir,
		"KBNET_KEY_FILE":       &c.KeyFile,
		"KBNET_INDEX_DB":       &c.IndexDB,
		"KBNET_CONSUL_ADDR":    &c.ConsulAddr,
		"KBNET_AUDIT_DSN":      &c.AuditDSN,
		"KBNET_TLS_CERT":       &c.TLSCert,
		"KBNET_TLS_KEY":        &c.TLSKey,
		"KBNET_TLS_CLIENT_CA":  &c.TLSClientCA,
		"KBNET_LOG_LEVEL":      &c.LogLevel,
		"KBNET_LOG_FORMAT":     &c.LogFormat,
	}
	for key, dst := range str {
		*dst = getenv(key, *dst)
	}
	durations := map[string]*time.Duration{
		"KBNET_WATCH_INTERVAL":  &c.WatchInterval,
		"KBNET_WATCH_PACING":    &c.WatchPacing,
		"KBNET_REPORT_INTERVAL": &c.ReportInterval,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	if v := os.Getenv("KBNET_SCIENTIFIC_RESEARCH"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("KBNET_SCIENTIFIC_RESEARCH: %w", err)
		}
		c.ScientificResearch = b
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Validate checks the fields every node needs.
func (c Config) Validate() error {
	t, err := model.ParseNodeType(c.NodeType)
	if err != nil {
		return err
	}
	if t != model.NodeTypeHub && c.ShareDir == "" {
		return fmt.Errorf("%s node needs share_dir", t)
	}
	if c.KeyFile == "" {
		return fmt.Errorf("key_file is required")
	}
	if c.WatchInterval <= 0 {
		return fmt.Errorf("watch_interval must be positive")
	}
	if c.WatchPacing < 0 {
		return fmt.Errorf("watch_pacing must not be negative")
	}
	return nil
}

// Type is the validated node type.
func (c Config) Type() model.NodeType { return model.NodeType(c.NodeType) }

// NodeInfo is the public metadata the config describes. The node id is filled in
// from the key.
func (c Config) NodeInfo() model.NodeInfo {
	return model.NodeInfo{
		NodeType:           c.Type(),
		Name:               c.Name,
		Owner:              c.Owner,
		OwnerEmail:         c.OwnerEmail,
		Description:        c.Description,
		ScientificResearch: c.ScientificResearch,
		ListenURL:          c.ListenURL,
	}
}
