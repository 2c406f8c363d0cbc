// internal/common/config/config_test.go
package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	cfg := &Config{}
	cfg.Database.Postgres.Host = "localhost"
	cfg.Database.Postgres.Database = "notifications"
	cfg.Push.Subject = "mailto:ops@example.com"
	return cfg
}

func TestApplyDefaults(t *testing.T) {
	cfg := validTestConfig()
	applyDefaults(cfg)

	assert.Equal(t, "notification-engine", cfg.App.Name)
	assert.Equal(t, ":8080", cfg.App.ListenAddr)
	assert.Equal(t, 5432, cfg.Database.Postgres.Port)
	assert.Equal(t, "disable", cfg.Database.Postgres.SSLMode)
	assert.Equal(t, "https://graph.facebook.com", cfg.WhatsApp.APIHost)
	assert.Equal(t, "v18.0", cfg.WhatsApp.APIVersion)
	assert.Equal(t, 30*time.Second, cfg.Queue.SweepInterval)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, 30, cfg.Queue.RetentionDays)
	assert.Equal(t, time.Minute, cfg.Scheduler.SweepInterval)
	assert.Equal(t, 10, cfg.Scheduler.ReminderDays)
	assert.Equal(t, 86400, cfg.Push.TTL)
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	cfg := validTestConfig()
	cfg.Queue.MaxRetries = 5
	cfg.Scheduler.ReminderDays = 30
	applyDefaults(cfg)

	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, 30, cfg.Scheduler.ReminderDays)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "missing postgres host",
			mutate:  func(cfg *Config) { cfg.Database.Postgres.Host = "" },
			wantErr: "database.postgres.host",
		},
		{
			name:    "missing postgres database",
			mutate:  func(cfg *Config) { cfg.Database.Postgres.Database = "" },
			wantErr: "database.postgres.database",
		},
		{
			name:    "missing push subject",
			mutate:  func(cfg *Config) { cfg.Push.Subject = "" },
			wantErr: "push.subject",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)
			err := validateConfig(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{
		Host:     "db.internal",
		Port:     5433,
		User:     "svc",
		Password: "secret",
		Database: "notifications",
		SSLMode:  "require",
	}
	assert.Equal(t,
		"host=db.internal port=5433 user=svc password=secret dbname=notifications sslmode=require",
		p.GetDSN())
}

func TestWhatsAppConfigured(t *testing.T) {
	var w WhatsAppConfig
	assert.False(t, w.Configured())

	w.PhoneNumberID = "1234567890"
	assert.False(t, w.Configured())

	w.AccessToken = "token"
	assert.True(t, w.Configured())
}
