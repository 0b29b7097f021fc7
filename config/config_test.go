package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, 15, cfg.SmsMaxRetries)
	assert.True(t, cfg.AutoRespondKeyExchange)
	assert.Equal(t, 5*time.Minute, cfg.ReassemblyTimeout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SMSECURE_POOL_SIZE", "8")
	t.Setenv("SMSECURE_SMS_MAX_RETRIES", "3")
	t.Setenv("SMSECURE_AUTO_RESPOND_KEY_EXCHANGE", "false")
	t.Setenv("SMSECURE_REASSEMBLY_TIMEOUT", "90s")
	t.Setenv("SMSECURE_MESSAGE_DB", "  /tmp/messages.db  ")

	cfg := Load()

	assert.Equal(t, 8, cfg.PoolSize)
	assert.Equal(t, 3, cfg.SmsMaxRetries)
	assert.False(t, cfg.AutoRespondKeyExchange)
	assert.Equal(t, 90*time.Second, cfg.ReassemblyTimeout)
	assert.Equal(t, "/tmp/messages.db", cfg.MessageDBPath)
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("SMSECURE_POOL_SIZE", "not-a-number")
	t.Setenv("SMSECURE_AUTO_DOWNLOAD_MMS", "maybe")

	cfg := Load()

	assert.Equal(t, 4, cfg.PoolSize)
	assert.True(t, cfg.AutoDownloadMms)
}
