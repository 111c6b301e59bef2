package config

import (
	"strings"
	"testing"
	"time"
)

func setRequiredEnvVars(t *testing.T) {
	t.Helper()
	t.Setenv("OAUTH_CLIENT_ID", "test-client-id")
	t.Setenv("OAUTH_CLIENT_SECRET", "test-client-secret")
}

func TestLoad_AllRequiredVarsSet_ReturnsConfig(t *testing.T) {
	setRequiredEnvVars(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.OAuthClientID != "test-client-id" {
		t.Errorf("OAuthClientID = %q, want %q", cfg.OAuthClientID, "test-client-id")
	}
	if cfg.OAuthClientSecret != "test-client-secret" {
		t.Errorf("OAuthClientSecret = %q, want %q", cfg.OAuthClientSecret, "test-client-secret")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	setRequiredEnvVars(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// OAuth defaults
	if cfg.OAuthAuthURL != "https://oauth.yandex.ru/authorize" {
		t.Errorf("OAuthAuthURL = %q", cfg.OAuthAuthURL)
	}
	if cfg.OAuthTokenURL != "https://oauth.yandex.ru/token" {
		t.Errorf("OAuthTokenURL = %q", cfg.OAuthTokenURL)
	}
	if cfg.OAuthRedirectURL != "http://localhost:8080/auth/callback" {
		t.Errorf("OAuthRedirectURL = %q", cfg.OAuthRedirectURL)
	}
	if cfg.CookieSecure {
		t.Error("CookieSecure should be false for http redirect URL")
	}

	// Store defaults
	if cfg.StoreBackend != BackendMemory {
		t.Errorf("StoreBackend = %q, want %q", cfg.StoreBackend, BackendMemory)
	}

	// MQTT defaults
	if cfg.DeviceChannelEnabled() {
		t.Error("device channel should be disabled without MQTT_BROKER_URL")
	}
	if cfg.MQTTKeepAlive != 60*time.Second {
		t.Errorf("MQTTKeepAlive = %v, want %v", cfg.MQTTKeepAlive, 60*time.Second)
	}
	if cfg.MQTTReconnectDelay != 5*time.Second {
		t.Errorf("MQTTReconnectDelay = %v, want %v", cfg.MQTTReconnectDelay, 5*time.Second)
	}
	if cfg.MQTTReconnectMaxDelay != 5*time.Minute {
		t.Errorf("MQTTReconnectMaxDelay = %v, want %v", cfg.MQTTReconnectMaxDelay, 5*time.Minute)
	}
	if cfg.MQTTReconnectMaxAttempts != 0 {
		t.Errorf("MQTTReconnectMaxAttempts = %d, want 0", cfg.MQTTReconnectMaxAttempts)
	}

	// Keyring defaults
	if cfg.KeyringService != "tasksync" {
		t.Errorf("KeyringService = %q, want %q", cfg.KeyringService, "tasksync")
	}

	// Server defaults
	if cfg.ServerPort != "8080" {
		t.Errorf("ServerPort = %q, want %q", cfg.ServerPort, "8080")
	}
	if cfg.RateLimitControl != 30 {
		t.Errorf("RateLimitControl = %d, want 30", cfg.RateLimitControl)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestLoad_CustomValues(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("OAUTH_REDIRECT_URL", "https://tasks.example.com/auth/callback")
	t.Setenv("USER_EMAIL", "user@example.com")
	t.Setenv("MQTT_BROKER_URL", "tcp://broker.example.com:1883")
	t.Setenv("MQTT_RECONNECT_DELAY", "2s")
	t.Setenv("MQTT_RECONNECT_MAX_ATTEMPTS", "5")
	t.Setenv("RATE_LIMIT_CONTROL", "10")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if !cfg.CookieSecure {
		t.Error("CookieSecure should be true for https redirect URL")
	}
	if cfg.UserEmail != "user@example.com" {
		t.Errorf("UserEmail = %q", cfg.UserEmail)
	}
	if !cfg.DeviceChannelEnabled() {
		t.Error("device channel should be enabled")
	}
	if cfg.MQTTReconnectDelay != 2*time.Second {
		t.Errorf("MQTTReconnectDelay = %v, want 2s", cfg.MQTTReconnectDelay)
	}
	if cfg.MQTTReconnectMaxAttempts != 5 {
		t.Errorf("MQTTReconnectMaxAttempts = %d, want 5", cfg.MQTTReconnectMaxAttempts)
	}
	if cfg.RateLimitControl != 10 {
		t.Errorf("RateLimitControl = %d, want 10", cfg.RateLimitControl)
	}
	if cfg.ServerPort != "9090" {
		t.Errorf("ServerPort = %q, want 9090", cfg.ServerPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoad_InvalidValues_FallBackToDefaults(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("MQTT_RECONNECT_DELAY", "soon")
	t.Setenv("MQTT_RECONNECT_MAX_ATTEMPTS", "many")
	t.Setenv("RATE_LIMIT_CONTROL", "abc")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.MQTTReconnectDelay != 5*time.Second {
		t.Errorf("MQTTReconnectDelay = %v, want default 5s", cfg.MQTTReconnectDelay)
	}
	if cfg.MQTTReconnectMaxAttempts != 0 {
		t.Errorf("MQTTReconnectMaxAttempts = %d, want default 0", cfg.MQTTReconnectMaxAttempts)
	}
	if cfg.RateLimitControl != 30 {
		t.Errorf("RateLimitControl = %d, want default 30", cfg.RateLimitControl)
	}
}

func TestLoad_MissingRequiredVars_ListsAll(t *testing.T) {
	t.Setenv("OAUTH_CLIENT_ID", "")
	t.Setenv("OAUTH_CLIENT_SECRET", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing required vars")
	}
	for _, name := range []string{"OAUTH_CLIENT_ID", "OAUTH_CLIENT_SECRET"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error should mention %s: %v", name, err)
		}
	}
}

func TestLoad_BackendRequirements(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "firebase without url and auth",
			env:     map[string]string{"STORE_BACKEND": "firebase"},
			wantErr: "FIREBASE_DATABASE_URL FIREBASE_AUTH",
		},
		{
			name:    "postgres without database url",
			env:     map[string]string{"STORE_BACKEND": "postgres"},
			wantErr: "DATABASE_URL",
		},
		{
			name:    "unknown backend",
			env:     map[string]string{"STORE_BACKEND": "redis"},
			wantErr: "unsupported STORE_BACKEND",
		},
		{
			name: "firebase configured",
			env: map[string]string{
				"STORE_BACKEND":         "Firebase",
				"FIREBASE_DATABASE_URL": "https://example.firebaseio.com/",
				"FIREBASE_AUTH":         "secret",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnvVars(t)
			t.Setenv("FIREBASE_DATABASE_URL", "")
			t.Setenv("FIREBASE_AUTH", "")
			t.Setenv("DATABASE_URL", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				if cfg.StoreBackend != BackendFirebase || cfg.FirebaseDatabaseURL != "https://example.firebaseio.com" {
					t.Errorf("backend = %q, url = %q", cfg.StoreBackend, cfg.FirebaseDatabaseURL)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
