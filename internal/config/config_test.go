package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPM)
	assert.Equal(t, 4, cfg.WorkerCount)
}

func TestLoad_InvalidPort(t *testing.T) {
	setEnv(t, "PORT", "not-a-port")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "PORT must be a number")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				Port:               "8080",
				RateLimitRPM:       100,
				DBStatementTimeout: 30000,
				WorkerCount:        4,
			},
			wantErr: "",
		},
		{
			name: "port out of range",
			config: Config{
				Port:               "70000",
				RateLimitRPM:       100,
				DBStatementTimeout: 30000,
				WorkerCount:        4,
			},
			wantErr: "PORT must be a number",
		},
		{
			name: "rate limit too low",
			config: Config{
				Port:               "8080",
				RateLimitRPM:       0,
				DBStatementTimeout: 30000,
				WorkerCount:        4,
			},
			wantErr: "RATE_LIMIT_RPM must be at least 1",
		},
		{
			name: "statement timeout too low",
			config: Config{
				Port:               "8080",
				RateLimitRPM:       100,
				DBStatementTimeout: 500,
				WorkerCount:        4,
			},
			wantErr: "POSTGRES_STATEMENT_TIMEOUT must be at least 1000ms",
		},
		{
			name: "write timeout below request timeout",
			config: Config{
				Port:               "8080",
				RateLimitRPM:       100,
				DBStatementTimeout: 30000,
				WorkerCount:        4,
				HTTPWriteTimeout:   1,
				RequestTimeout:     2,
			},
			wantErr: "must be >= REQUEST_TIMEOUT",
		},
		{
			name: "no worker units",
			config: Config{
				Port:               "8080",
				RateLimitRPM:       100,
				DBStatementTimeout: 30000,
				WorkerCount:        0,
			},
			wantErr: "WORKER_COUNT must be at least 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}
