package config

import (
	"fmt"
	"time"
)

// Config is the main application configuration struct.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Database  DatabaseConfig  `mapstructure:"database"`
	WhatsApp  WhatsAppConfig  `mapstructure:"whatsapp"`
	Push      PushConfig      `mapstructure:"push"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	ListenAddr  string `mapstructure:"listen_addr"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string.
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// --- Channel Configuration ---

// WhatsAppConfig holds the business-messaging platform sender settings.
type WhatsAppConfig struct {
	APIHost       string `mapstructure:"api_host"`
	APIVersion    string `mapstructure:"api_version"`
	PhoneNumberID string `mapstructure:"phone_number_id"`
	AccessToken   string `mapstructure:"access_token"`
	Timeout       int    `mapstructure:"timeout"` // milliseconds
}

// Configured reports whether an active sender identity is available.
func (w WhatsAppConfig) Configured() bool {
	return w.PhoneNumberID != "" && w.AccessToken != ""
}

// PushConfig holds Web Push settings. VAPID keys are stored, not configured;
// Subject is the contact claim attached to generated keys.
type PushConfig struct {
	Subject string `mapstructure:"subject"`
	TTL     int    `mapstructure:"ttl"` // seconds
}

// --- Engine Configuration ---

// QueueConfig drives the dispatcher sweeps.
type QueueConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetentionDays int           `mapstructure:"retention_days"`
}

// SchedulerConfig drives the recurring-job runtime.
type SchedulerConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	ReminderDays  int           `mapstructure:"reminder_days"` // default contract-expiry window
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
