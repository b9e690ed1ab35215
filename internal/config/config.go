package config

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Port     string
	LogLevel string
	JWT      JWTConfig
	Argon2   Argon2Config
	Ledger   *LedgerConfig
}

// JWTConfig configures the trusted identity middleware.
type JWTConfig struct {
	SecretKey   string
	ExpiryHours int
}

// Argon2Config holds the PIN hashing cost parameters.
type Argon2Config struct {
	Time       uint32
	Memory     uint32
	Threads    uint8
	KeyLength  uint32
	SaltLength int
}

// LedgerConfig holds the business parameters of the ledger engine.
type LedgerConfig struct {
	ServerSecret     string
	MasterSalt       string
	CommissionRate   decimal.Decimal
	PlatformUserID   string
	PinMaxAttempts   uint32
	PinLockout       time.Duration
	QRDefaultExpiry  time.Duration
	ReconcileEpsilon decimal.Decimal
	EventsQueue      string
}

// Load reads .env and the process environment into a Config.
func Load() *Config {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	bindEnv()
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		logrus.WithError(err).Warn("Config file not found, using defaults")
	}

	return &Config{
		Port:     viper.GetString("port"),
		LogLevel: viper.GetString("log.level"),
		JWT: JWTConfig{
			SecretKey:   viper.GetString("jwt.secret_key"),
			ExpiryHours: viper.GetInt("jwt.expiry_hours"),
		},
		Argon2: LoadArgon2(),
		Ledger: LoadLedger(),
	}
}

func bindEnv() {
	viper.BindEnv("port", "PORT")
	viper.BindEnv("log.level", "LOG_LEVEL")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	viper.BindEnv("ledger.server_secret", "LEDGER_SERVER_SECRET")
	viper.BindEnv("ledger.master_salt", "LEDGER_MASTER_SALT")
	viper.BindEnv("ledger.commission_rate", "LEDGER_COMMISSION_RATE")
	viper.BindEnv("ledger.platform_user_id", "LEDGER_PLATFORM_USER_ID")
	viper.BindEnv("ledger.pin_max_attempts", "LEDGER_PIN_MAX_ATTEMPTS")
	viper.BindEnv("ledger.pin_lockout", "LEDGER_PIN_LOCKOUT")
	viper.BindEnv("ledger.qr_default_expiry", "LEDGER_QR_DEFAULT_EXPIRY")
	viper.BindEnv("ledger.events_queue", "LEDGER_EVENTS_QUEUE")
}

func setDefaults() {
	viper.SetDefault("port", "8080")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("jwt.expiry_hours", 24)

	viper.SetDefault("argon2.time", 1)
	viper.SetDefault("argon2.memory", 64*1024)
	viper.SetDefault("argon2.threads", 4)
	viper.SetDefault("argon2.key_length", 32)
	viper.SetDefault("argon2.salt_length", 16)

	viper.SetDefault("ledger.commission_rate", "15.00")
	viper.SetDefault("ledger.platform_user_id", "platform")
	viper.SetDefault("ledger.pin_max_attempts", 5)
	viper.SetDefault("ledger.pin_lockout", 15*time.Minute)
	viper.SetDefault("ledger.qr_default_expiry", 30*time.Minute)
	viper.SetDefault("ledger.events_queue", "ledger_events")
}

// LoadArgon2 returns the PIN hashing parameters.
func LoadArgon2() Argon2Config {
	return Argon2Config{
		Time:       uint32(viper.GetInt("argon2.time")),
		Memory:     uint32(viper.GetInt("argon2.memory")),
		Threads:    uint8(viper.GetInt("argon2.threads")),
		KeyLength:  uint32(viper.GetInt("argon2.key_length")),
		SaltLength: viper.GetInt("argon2.salt_length"),
	}
}

// LoadLedger returns the ledger parameters, falling back to the documented defaults.
func LoadLedger() *LedgerConfig {
	cfg := DefaultLedgerConfig()

	if v := viper.GetString("ledger.server_secret"); v != "" {
		cfg.ServerSecret = v
	}
	if v := viper.GetString("ledger.master_salt"); v != "" {
		cfg.MasterSalt = v
	}
	if v := viper.GetString("ledger.commission_rate"); v != "" {
		if rate, err := decimal.NewFromString(v); err == nil {
			cfg.CommissionRate = rate
		} else {
			logrus.WithError(err).Warnf("Invalid ledger.commission_rate %q, using %s", v, cfg.CommissionRate)
		}
	}
	if v := viper.GetString("ledger.platform_user_id"); v != "" {
		cfg.PlatformUserID = v
	}
	if v := viper.GetInt("ledger.pin_max_attempts"); v > 0 {
		cfg.PinMaxAttempts = uint32(v)
	}
	if v := viper.GetDuration("ledger.pin_lockout"); v > 0 {
		cfg.PinLockout = v
	}
	if v := viper.GetDuration("ledger.qr_default_expiry"); v > 0 {
		cfg.QRDefaultExpiry = v
	}
	if v := viper.GetString("ledger.events_queue"); v != "" {
		cfg.EventsQueue = v
	}
	return cfg
}

// DefaultLedgerConfig returns the ledger parameters without consulting viper.
func DefaultLedgerConfig() *LedgerConfig {
	return &LedgerConfig{
		ServerSecret:     "change-me",
		MasterSalt:       "ledger-master-salt",
		CommissionRate:   decimal.RequireFromString("15.00"),
		PlatformUserID:   "platform",
		PinMaxAttempts:   5,
		PinLockout:       15 * time.Minute,
		QRDefaultExpiry:  30 * time.Minute,
		ReconcileEpsilon: decimal.RequireFromString("0.01"),
		EventsQueue:      "ledger_events",
	}
}
