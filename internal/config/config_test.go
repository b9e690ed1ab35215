package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestLoadLedger(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		viper.Reset()
		setDefaults()

		cfg := LoadLedger()
		assert.Equal(t, "15", cfg.CommissionRate.String())
		assert.Equal(t, uint32(5), cfg.PinMaxAttempts)
		assert.Equal(t, 15*time.Minute, cfg.PinLockout)
		assert.Equal(t, 30*time.Minute, cfg.QRDefaultExpiry)
		assert.Equal(t, "ledger_events", cfg.EventsQueue)
		assert.Equal(t, "platform", cfg.PlatformUserID)
	})

	t.Run("overrides", func(t *testing.T) {
		viper.Reset()
		setDefaults()
		viper.Set("ledger.commission_rate", "12.50")
		viper.Set("ledger.pin_max_attempts", 3)
		viper.Set("ledger.server_secret", "s3cret")

		cfg := LoadLedger()
		assert.Equal(t, "12.5", cfg.CommissionRate.String())
		assert.Equal(t, uint32(3), cfg.PinMaxAttempts)
		assert.Equal(t, "s3cret", cfg.ServerSecret)
	})

	t.Run("invalid commission rate keeps default", func(t *testing.T) {
		viper.Reset()
		setDefaults()
		viper.Set("ledger.commission_rate", "fifteen")

		cfg := LoadLedger()
		assert.Equal(t, "15", cfg.CommissionRate.String())
	})
}

func TestLoadArgon2(t *testing.T) {
	viper.Reset()
	setDefaults()

	params := LoadArgon2()
	assert.Equal(t, uint32(1), params.Time)
	assert.Equal(t, uint32(64*1024), params.Memory)
	assert.Equal(t, uint8(4), params.Threads)
	assert.Equal(t, uint32(32), params.KeyLength)
	assert.Equal(t, 16, params.SaltLength)
}
