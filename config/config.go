// Package config loads pipeline settings from the environment, with an
// optional .env file for development setups.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// DataDir holds the master-secret salt and session files.
	DataDir string
	// MessageDBPath and JobDBPath are sqlite files; empty means in-memory.
	MessageDBPath string
	JobDBPath     string

	// PoolSize bounds concurrently running jobs.
	PoolSize int
	// SmsMaxRetries bounds re-enqueues of transient SMS send failures.
	SmsMaxRetries int
	// SubscriptionID selects the carrier subscription for outgoing traffic.
	SubscriptionID int

	// AutoRespondKeyExchange answers incoming key exchanges without user
	// action. When false, exchanges are stored for manual handling.
	AutoRespondKeyExchange bool
	// AutoDownloadMms retrieves MMS bodies as soon as a notification
	// arrives instead of waiting for a manual download.
	AutoDownloadMms bool

	// ReassemblyTimeout evicts incomplete multipart buffers.
	ReassemblyTimeout time.Duration

	// MaxAttachmentSize bounds one MMS attachment in bytes; oversize
	// attachments are scaled or rejected. Zero disables the bound.
	MaxAttachmentSize int64

	// MaxAutoDownloadSize bounds the advertised size of an MMS that is
	// retrieved automatically; larger messages wait for a manual download.
	// Zero disables the bound.
	MaxAutoDownloadSize int64
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		DataDir:                getEnvString("SMSECURE_DATA_DIR", "."),
		MessageDBPath:          getEnvString("SMSECURE_MESSAGE_DB", ""),
		JobDBPath:              getEnvString("SMSECURE_JOB_DB", ""),
		PoolSize:               getEnvInt("SMSECURE_POOL_SIZE", 4),
		SmsMaxRetries:          getEnvInt("SMSECURE_SMS_MAX_RETRIES", 15),
		SubscriptionID:         getEnvInt("SMSECURE_SUBSCRIPTION_ID", 0),
		AutoRespondKeyExchange: getEnvBool("SMSECURE_AUTO_RESPOND_KEY_EXCHANGE", true),
		AutoDownloadMms:        getEnvBool("SMSECURE_AUTO_DOWNLOAD_MMS", true),
		ReassemblyTimeout:      getEnvDuration("SMSECURE_REASSEMBLY_TIMEOUT", 5*time.Minute),
		MaxAttachmentSize:      int64(getEnvInt("SMSECURE_MAX_ATTACHMENT_SIZE", 1024*1024)),
		MaxAutoDownloadSize:    int64(getEnvInt("SMSECURE_MAX_AUTO_DOWNLOAD_SIZE", 5*1024*1024)),
	}
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}
