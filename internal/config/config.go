package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ストアのバックエンド種別
const (
	BackendMemory   = "memory"
	BackendFirebase = "firebase"
	BackendPostgres = "postgres"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// OAuth
	OAuthClientID     string
	OAuthClientSecret string
	OAuthAuthURL      string
	OAuthTokenURL     string
	OAuthUserInfoURL  string
	OAuthRedirectURL  string
	UserEmail         string

	// Document store
	StoreBackend        string
	FirebaseDatabaseURL string
	FirebaseAuth        string
	DatabaseURL         string

	// MQTT
	MQTTBrokerURL            string
	MQTTUsername             string
	MQTTPassword             string
	MQTTKeepAlive            time.Duration
	MQTTReconnectDelay       time.Duration
	MQTTReconnectMaxDelay    time.Duration
	MQTTReconnectMaxAttempts int

	// Static data
	DeviceRegistryPath string
	ProductCatalogPath string

	// Keyring
	KeyringService  string
	KeyringBackend  string
	KeyringFileDir  string
	KeyringPassword string

	// Rate Limit
	RateLimitControl int

	// Server
	ServerPort   string
	CookieSecure bool

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は、未設定の変数名をすべて含むエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.OAuthClientID = os.Getenv("OAUTH_CLIENT_ID")
	if cfg.OAuthClientID == "" {
		missing = append(missing, "OAUTH_CLIENT_ID")
	}

	cfg.OAuthClientSecret = os.Getenv("OAUTH_CLIENT_SECRET")
	if cfg.OAuthClientSecret == "" {
		missing = append(missing, "OAUTH_CLIENT_SECRET")
	}

	// Backend-specific required fields
	cfg.StoreBackend = strings.ToLower(getEnvString("STORE_BACKEND", BackendMemory))
	cfg.FirebaseDatabaseURL = strings.TrimRight(os.Getenv("FIREBASE_DATABASE_URL"), "/")
	cfg.FirebaseAuth = os.Getenv("FIREBASE_AUTH")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	switch cfg.StoreBackend {
	case BackendMemory:
	case BackendFirebase:
		if cfg.FirebaseDatabaseURL == "" {
			missing = append(missing, "FIREBASE_DATABASE_URL")
		}
		if cfg.FirebaseAuth == "" {
			missing = append(missing, "FIREBASE_AUTH")
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	default:
		return nil, fmt.Errorf("unsupported STORE_BACKEND %q (memory, firebase, postgres)", cfg.StoreBackend)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.OAuthAuthURL = getEnvString("OAUTH_AUTH_URL", "https://oauth.yandex.ru/authorize")
	cfg.OAuthTokenURL = getEnvString("OAUTH_TOKEN_URL", "https://oauth.yandex.ru/token")
	cfg.OAuthUserInfoURL = getEnvString("OAUTH_USERINFO_URL", "https://login.yandex.ru/info?format=json")
	cfg.OAuthRedirectURL = getEnvString("OAUTH_REDIRECT_URL", "http://localhost:8080/auth/callback")
	cfg.UserEmail = getEnvString("USER_EMAIL", "")
	cfg.MQTTBrokerURL = getEnvString("MQTT_BROKER_URL", "")
	cfg.MQTTUsername = getEnvString("MQTT_USERNAME", "")
	cfg.MQTTPassword = getEnvString("MQTT_PASSWORD", "")
	cfg.MQTTKeepAlive = getEnvDuration("MQTT_KEEPALIVE", 60*time.Second)
	cfg.MQTTReconnectDelay = getEnvDuration("MQTT_RECONNECT_DELAY", 5*time.Second)
	cfg.MQTTReconnectMaxDelay = getEnvDuration("MQTT_RECONNECT_MAX_DELAY", 5*time.Minute)
	cfg.MQTTReconnectMaxAttempts = getEnvInt("MQTT_RECONNECT_MAX_ATTEMPTS", 0)
	cfg.DeviceRegistryPath = getEnvString("DEVICE_REGISTRY_PATH", "")
	cfg.ProductCatalogPath = getEnvString("PRODUCT_CATALOG_PATH", "")
	cfg.KeyringService = getEnvString("KEYRING_SERVICE", "tasksync")
	cfg.KeyringBackend = getEnvString("KEYRING_BACKEND", "")
	cfg.KeyringFileDir = getEnvString("KEYRING_FILE_DIR", "")
	cfg.KeyringPassword = getEnvString("KEYRING_PASSWORD", "")
	cfg.RateLimitControl = getEnvInt("RATE_LIMIT_CONTROL", 30)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.OAuthRedirectURL, "https://")
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))

	return cfg, nil
}

// DeviceChannelEnabled はブローカーが設定されているかどうかを返す。
func (c *Config) DeviceChannelEnabled() bool {
	return c.MQTTBrokerURL != ""
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
