package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the webphone process
type Config struct {
	Port           string
	AllowedOrigins []string
	LogLevel       string
	AuditBuffer    int
	StatusInterval time.Duration

	Feed     FeedConfig
	SIP      SIPConfig
	Identity IdentityConfig
	Devices  DevicesConfig
	Dynamo   DynamoConfig
}

// FeedConfig configures the change-feed socket
type FeedConfig struct {
	URL              string
	ConnectTimeout   time.Duration
	LivenessInterval time.Duration
	StaleAfter       time.Duration
	PruneFlushed     bool
}

// SIPConfig configures the signaling agent and its timers
type SIPConfig struct {
	WSURL              string
	Domain             string
	Username           string
	Password           string
	DisplayName        string
	ConnectTimeout     time.Duration
	KeepaliveInterval  time.Duration
	KeepaliveTimeout   time.Duration
	DisconnectDebounce time.Duration
	MaxFailures        int
	RegisterExpires    int
	STUNURLs           []string
}

// IdentityConfig configures how the bearer token is resolved into an identity
type IdentityConfig struct {
	Token    string
	JWKSURL  string
	MemberID string
}

// DevicesConfig describes the locally available audio devices
type DevicesConfig struct {
	Input      string
	Output     string
	Permission string
}

// DynamoMode represents the DynamoDB connection mode
type DynamoMode string

const (
	DynamoModeLocal DynamoMode = "local"
	DynamoModeAWS   DynamoMode = "aws"
	DynamoModeNone  DynamoMode = "none"
)

// DynamoConfig holds audit persistence configuration
type DynamoConfig struct {
	Mode        DynamoMode
	Endpoint    string // for local mode
	Region      string
	TablePrefix string
}

// AuditTable is the table holding action records
func (c DynamoConfig) AuditTable() string { return c.TablePrefix + "webphone_audit" }

// CallsTable is the table holding finished calls
func (c DynamoConfig) CallsTable() string { return c.TablePrefix + "webphone_calls" }

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Port:           getEnv("PORT", "8090"),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:5173")),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		Feed: FeedConfig{
			URL: getEnv("FEED_URL", "ws://localhost:8080/ws"),
		},
		SIP: SIPConfig{
			WSURL:       getEnv("SIP_WS_URL", "wss://localhost:7443/ws"),
			Domain:      getEnv("SIP_DOMAIN", "localhost"),
			Username:    getEnv("SIP_USERNAME", ""),
			Password:    getEnv("SIP_PASSWORD", ""),
			DisplayName: getEnv("SIP_DISPLAY_NAME", ""),
			STUNURLs:    splitList(getEnv("STUN_URLS", "stun:stun.l.google.com:19302")),
		},
		Identity: IdentityConfig{
			Token:    getEnv("AUTH_TOKEN", ""),
			JWKSURL:  getEnv("JWKS_URL", ""),
			MemberID: getEnv("MEMBER_ID", ""),
		},
		Devices: DevicesConfig{
			Input:      getEnv("DEVICE_INPUT", "default"),
			Output:     getEnv("DEVICE_OUTPUT", "default"),
			Permission: getEnv("DEVICE_PERMISSION", "granted"),
		},
		Dynamo: DynamoConfig{
			Mode:        DynamoMode(getEnv("DYNAMO_MODE", "none")),
			Endpoint:    getEnv("DYNAMO_ENDPOINT", "http://localhost:8000"),
			Region:      getEnv("DYNAMO_REGION", "eu-central-1"),
			TablePrefix: getEnv("DYNAMO_TABLE_PREFIX", ""),
		},
	}
	if m := config.Dynamo.Mode; m != DynamoModeLocal && m != DynamoModeAWS {
		config.Dynamo.Mode = DynamoModeNone
	}

	var err error
	if config.AuditBuffer, err = getInt("AUDIT_BUFFER", "500"); err != nil {
		return nil, err
	}

	if config.StatusInterval, err = getSeconds("STATUS_INTERVAL", "5"); err != nil {
		return nil, err
	}

	// Change feed timings
	if config.Feed.ConnectTimeout, err = getSeconds("FEED_CONNECT_TIMEOUT", "15"); err != nil {
		return nil, err
	}
	if config.Feed.LivenessInterval, err = getSeconds("FEED_LIVENESS_INTERVAL", "3"); err != nil {
		return nil, err
	}
	if config.Feed.StaleAfter, err = getSeconds("FEED_STALE_AFTER", "40"); err != nil {
		return nil, err
	}
	if config.Feed.PruneFlushed, err = strconv.ParseBool(getEnv("FEED_PRUNE_FLUSHED", "false")); err != nil {
		return nil, fmt.Errorf("invalid FEED_PRUNE_FLUSHED: %w", err)
	}

	// Signaling timings
	if config.SIP.ConnectTimeout, err = getSeconds("SIP_CONNECT_TIMEOUT", "10"); err != nil {
		return nil, err
	}
	if config.SIP.KeepaliveInterval, err = getSeconds("SIP_KEEPALIVE_INTERVAL", "5"); err != nil {
		return nil, err
	}
	if config.SIP.KeepaliveTimeout, err = getSeconds("SIP_KEEPALIVE_TIMEOUT", "120"); err != nil {
		return nil, err
	}
	debounce, err := getInt("SIP_DISCONNECT_DEBOUNCE_MS", "500")
	if err != nil {
		return nil, err
	}
	config.SIP.DisconnectDebounce = time.Duration(debounce) * time.Millisecond
	if config.SIP.MaxFailures, err = getInt("SIP_MAX_FAILURES", "3"); err != nil {
		return nil, err
	}
	if config.SIP.RegisterExpires, err = getInt("SIP_REGISTER_EXPIRES", "600"); err != nil {
		return nil, err
	}

	// Keepalive must fire well inside the liveness window
	if config.SIP.KeepaliveInterval >= config.SIP.KeepaliveTimeout {
		return nil, fmt.Errorf("SIP_KEEPALIVE_INTERVAL (%v) must be shorter than SIP_KEEPALIVE_TIMEOUT (%v)",
			config.SIP.KeepaliveInterval, config.SIP.KeepaliveTimeout)
	}

	return config, nil
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key, defaultValue string) (int, error) {
	n, err := strconv.Atoi(getEnv(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getSeconds(key, defaultValue string) (time.Duration, error) {
	n, err := getInt(key, defaultValue)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

// splitList splits a comma separated value and trims each entry
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
