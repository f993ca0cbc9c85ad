package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Plugin names accepted in ILP_PLUGIN_NAME. They all select the built-in BTP plugin.
var btpPluginNames = map[string]bool{
	"btp":                                 true,
	"ilp-plugin-btp":                      true,
	"ilp-plugin-payment-channel-framework": true,
}

// Config application configuration structure
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	ILP      ILPConfig      `yaml:"ilp"`
	Receiver ReceiverConfig `yaml:"receiver"`
	NATS     NATSConfig     `yaml:"nats"`
	Log      LogConfig      `yaml:"log"`
	CORS     CORSConfig     `yaml:"cors"`
	Admin    AdminConfig    `yaml:"admin"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr is the listen address of the HTTP server.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// ILPConfig ledger connection configuration
type ILPConfig struct {
	BTPServerURL string `yaml:"btpServerUrl"`
	// Credentials is the raw ILP_CREDENTIALS JSON document, e.g. {"server": "btp+wss://..."}
	Credentials   string `yaml:"credentials"`
	PluginName    string `yaml:"pluginName"`
	SPSPServerURL string `yaml:"spspServerUrl"`

	// Prefix, CurrencyCode and CurrencyScale skip the info request when Prefix is set
	Prefix        string `yaml:"prefix"`
	CurrencyCode  string `yaml:"currencyCode"`
	CurrencyScale int    `yaml:"currencyScale"`
	Account       string `yaml:"account"`

	HandshakeTimeout int `yaml:"handshakeTimeout"` // seconds
	PingInterval     int `yaml:"pingInterval"`     // seconds, 0 disables keepalive pings
	ReconnectWait    int `yaml:"reconnectWait"`    // seconds

	// server is the BTP URL resolved by Validate
	server string
}

// ILPCredentials is the JSON shape of ILP_CREDENTIALS.
type ILPCredentials struct {
	Server string `json:"server"`
}

// ServerURL returns the BTP server URL resolved by Validate.
func (c ILPConfig) ServerURL() string { return c.server }

func (c ILPConfig) HandshakeTimeoutDuration() time.Duration {
	return time.Duration(c.HandshakeTimeout) * time.Second
}

func (c ILPConfig) PingIntervalDuration() time.Duration {
	return time.Duration(c.PingInterval) * time.Second
}

func (c ILPConfig) ReconnectWaitDuration() time.Duration {
	return time.Duration(c.ReconnectWait) * time.Second
}

// ReceiverConfig receiver details advertised in SPSP responses
type ReceiverConfig struct {
	Name          string `yaml:"name"`
	ImageURL      string `yaml:"imageUrl"`
	Identifier    string `yaml:"identifier"`
	MaximumAmount uint64 `yaml:"maximumAmount"`
	MinimumAmount uint64 `yaml:"minimumAmount"`
	// Retention is how long settled transfer ids are remembered (minutes)
	Retention int `yaml:"retention"`
}

// NATSConfig payment notification configuration; disabled when URL is empty
type NATSConfig struct {
	URL           string `yaml:"url"`
	Timeout       int    `yaml:"timeout"`
	ReconnectWait int    `yaml:"reconnect_wait"`
	MaxReconnects int    `yaml:"max_reconnects"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// LogConfig logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// CORSConfig CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"` // List of allowed origins
	MaxAge         int      `yaml:"maxAge"`         // Max age for preflight requests (seconds)
}

// AdminConfig Admin API access control configuration
type AdminConfig struct {
	AllowedIPs []string `yaml:"allowedIPs"` // List of allowed IP addresses or CIDR ranges
}

// ConfigurationError is a missing or malformed setting. It is fatal at start-up.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 3000},
		ILP: ILPConfig{
			HandshakeTimeout: 10,
			PingInterval:     30,
			ReconnectWait:    5,
		},
		Receiver: ReceiverConfig{
			Name:          "Cicada",
			ImageURL:      "https://i.imgur.com/fGrYkX6.jpg",
			MaximumAmount: 99999999,
			MinimumAmount: 1,
			Retention:     60,
		},
		NATS: NATSConfig{
			Timeout:       10,
			ReconnectWait: 5,
			MaxReconnects: -1,
			SubjectPrefix: "cicada.payments",
		},
		Log:  LogConfig{Level: "info", Format: "text"},
		CORS: CORSConfig{AllowedOrigins: []string{"*"}, MaxAge: 3600},
	}
}

// LoadConfig Load configuration file, apply environment overrides and validate.
// An empty path prefers config.local.yaml over config.yaml; a missing default
// file is not an error since the environment alone can configure the service.
func LoadConfig(configPath string) (*Config, error) {
	explicit := configPath != ""
	if !explicit {
		configPath = "config.yaml"
		if _, err := os.Stat("config.local.yaml"); err == nil {
			configPath = "config.local.yaml"
			log.Printf("🔧 Using local configuration file: config.local.yaml")
		}
	}

	cfg := Default()
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	case explicit || !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	overrideFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overrideFromEnv Override configuration from the environment
func overrideFromEnv(config *Config) {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		} else {
			log.Printf("⚠️ Ignoring invalid PORT %q", port)
		}
	}

	if v := os.Getenv("BTP_SERVER_URL"); v != "" {
		config.ILP.BTPServerURL = v
	}
	if v := os.Getenv("ILP_CREDENTIALS"); v != "" {
		config.ILP.Credentials = v
	}
	if v := os.Getenv("ILP_PLUGIN_NAME"); v != "" {
		config.ILP.PluginName = v
	}
	if v := os.Getenv("SPSP_SERVER_URL"); v != "" {
		config.ILP.SPSPServerURL = v
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		config.NATS.URL = natsURL
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}

	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		config.CORS.AllowedOrigins = splitList(corsOrigins)
	}
	if adminIPs := os.Getenv("ADMIN_ALLOWED_IPS"); adminIPs != "" {
		config.Admin.AllowedIPs = splitList(adminIPs)
	}
}

// splitList splits a comma-separated list, dropping empty entries.
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate checks required settings and resolves the BTP server URL. The
// credentials document takes precedence over BTP_SERVER_URL.
func (c *Config) Validate() error {
	ilp := &c.ILP
	switch {
	case ilp.Credentials != "":
		if ilp.PluginName != "" && !btpPluginNames[ilp.PluginName] {
			return &ConfigurationError{Field: "ILP_PLUGIN_NAME", Reason: fmt.Sprintf("unsupported plugin %q, only the BTP plugin is built in", ilp.PluginName)}
		}
		var creds ILPCredentials
		if err := json.Unmarshal([]byte(ilp.Credentials), &creds); err != nil {
			return &ConfigurationError{Field: "ILP_CREDENTIALS", Reason: fmt.Sprintf("invalid syntax (%v): %s", err, ilp.Credentials)}
		}
		if creds.Server == "" {
			return &ConfigurationError{Field: "ILP_CREDENTIALS", Reason: `missing "server"`}
		}
		ilp.server = creds.Server
	case ilp.BTPServerURL != "":
		ilp.server = ilp.BTPServerURL
	default:
		return &ConfigurationError{Field: "BTP_SERVER_URL", Reason: "a BTP_SERVER_URL or ILP_PLUGIN_NAME and ILP_CREDENTIALS are required"}
	}
	if u, err := url.Parse(ilp.server); err != nil || u.Host == "" {
		return &ConfigurationError{Field: "BTP_SERVER_URL", Reason: fmt.Sprintf("invalid URL %q", ilp.server)}
	}

	if ilp.SPSPServerURL == "" {
		return &ConfigurationError{Field: "SPSP_SERVER_URL", Reason: "required so the receiver knows where it is served"}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &ConfigurationError{Field: "PORT", Reason: fmt.Sprintf("invalid port %d", c.Server.Port)}
	}
	if c.Receiver.MinimumAmount > c.Receiver.MaximumAmount {
		return &ConfigurationError{Field: "receiver.minimumAmount", Reason: "exceeds receiver.maximumAmount"}
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return &ConfigurationError{Field: "LOG_LEVEL", Reason: err.Error()}
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return &ConfigurationError{Field: "log.format", Reason: fmt.Sprintf("unknown format %q", c.Log.Format)}
	}
	return nil
}

// NewLogger builds the process logger from the log section.
func (l LogConfig) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if l.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
