// Package config loads kbcore's environment-driven configuration, following
// the resolution-order-with-descriptive-errors pattern of
// services/trace/agent/providers/config.go (LoadRoleConfig / ResolveOllamaURL).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every environment-derived setting named in spec.md §6.6.
type Config struct {
	// Storage
	CogneeStoragePath  string
	CogneeGlobalDataset string

	// Refresh API basic-auth credentials (§6.2).
	RefreshUser     string
	RefreshPassword string

	// Ask-AI / Plan / Diet dedup and retry tuning (§6.5, §4.I).
	AIQADedupTTL       time.Duration
	AIQAMaxRetries     int
	AIQARetryBackoffS  time.Duration
	AIPlanDedupTTL     time.Duration
	AICoachTimeout     time.Duration

	// Chat projection debounce (§4.G), in minutes per env var name.
	KBChatProjectDebounceMin time.Duration

	// GDrive loader tuning (§4.H).
	GDriveMaxRetries      int
	GDriveInitialDelay    time.Duration
	GDriveBackoffFactor   float64
	GDriveMaxDelay        time.Duration
	MaxFileSizeMB         int64
	GDriveFolderID            string
	GoogleApplicationCredentials string
	GDriveSummaryTTLDays      int

	// Retention.
	BackupRetentionDays int

	// Redis.
	RedisURL string

	// Internal HMAC signing (§6.1, §6.2).
	InternalKeyID  string
	InternalAPIKey string

	// Profile service (§4.J CreditLedger, §6.1 bot callback target).
	ProfileAPIBaseURL string
	BotCallbackBaseURL string
	HMACSecret          string
}

// Load reads Config from the process environment. It fails closed: any
// required-but-missing value produces a descriptive error rather than a
// silently empty secret, mirroring loadSingleRoleConfig's validation.
func Load() (*Config, error) {
	c := &Config{
		CogneeStoragePath:   getEnv("COGNEE_STORAGE_PATH", "/var/lib/kbcore/content"),
		CogneeGlobalDataset: getEnv("COGNEE_GLOBAL_DATASET", "kb_global"),
		RefreshUser:         os.Getenv("AI_COACH_REFRESH_USER"),
		RefreshPassword:     os.Getenv("AI_COACH_REFRESH_PASSWORD"),
		RedisURL:            getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		InternalKeyID:       os.Getenv("INTERNAL_KEY_ID"),
		InternalAPIKey:      os.Getenv("INTERNAL_API_KEY"),
		ProfileAPIBaseURL:   getEnv("PROFILE_API_BASE_URL", "http://profile-service.internal"),
		BotCallbackBaseURL:  getEnv("BOT_CALLBACK_BASE_URL", "http://bot-service.internal"),
		HMACSecret:          os.Getenv("INTERNAL_API_KEY"),
		GDriveFolderID:      os.Getenv("KNOWLEDGE_BASE_FOLDER_ID"),
		GoogleApplicationCredentials: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
	}

	var err error
	if c.AIQADedupTTL, err = getDuration("AI_QA_DEDUP_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if c.AIPlanDedupTTL, err = getDuration("AI_PLAN_DEDUP_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if c.AICoachTimeout, err = getDuration("AI_COACH_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if c.AIQAMaxRetries, err = getInt("AI_QA_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if c.AIQARetryBackoffS, err = getDuration("AI_QA_RETRY_BACKOFF_S", 2*time.Second); err != nil {
		return nil, err
	}
	if debounceMin, derr := getInt("KB_CHAT_PROJECT_DEBOUNCE_MIN", 2); derr != nil {
		return nil, derr
	} else {
		c.KBChatProjectDebounceMin = time.Duration(debounceMin) * time.Minute
	}
	if c.GDriveMaxRetries, err = getInt("GDRIVE_DOWNLOAD_MAX_RETRIES", 5); err != nil {
		return nil, err
	}
	if c.GDriveInitialDelay, err = getDuration("GDRIVE_DOWNLOAD_INITIAL_DELAY", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if c.GDriveMaxDelay, err = getDuration("GDRIVE_DOWNLOAD_MAX_DELAY", 30*time.Second); err != nil {
		return nil, err
	}
	if c.GDriveBackoffFactor, err = getFloat("GDRIVE_DOWNLOAD_BACKOFF_FACTOR", 2.0); err != nil {
		return nil, err
	}
	if c.MaxFileSizeMB, err = getInt64("MAX_FILE_SIZE_MB", 25); err != nil {
		return nil, err
	}
	if c.BackupRetentionDays, err = getInt("BACKUP_RETENTION_DAYS", 30); err != nil {
		return nil, err
	}
	if c.GDriveSummaryTTLDays, err = getInt("COGNEE_GDRIVE_SUMMARY_TTL_DAYS", 7); err != nil {
		return nil, err
	}

	if c.CogneeStoragePath == "" {
		return nil, fmt.Errorf("COGNEE_STORAGE_PATH must not be empty")
	}
	required := []struct{ key, val string }{
		{"AI_COACH_REFRESH_USER", c.RefreshUser},
		{"AI_COACH_REFRESH_PASSWORD", c.RefreshPassword},
		{"INTERNAL_KEY_ID", c.InternalKeyID},
		{"INTERNAL_API_KEY", c.InternalAPIKey},
	}
	for _, r := range required {
		if r.val == "" {
			return nil, fmt.Errorf("%s must be set", r.key)
		}
	}
	return c, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	// Bare numbers are seconds, matching the Python source's float-seconds
	// env vars (e.g. AI_QA_RETRY_BACKOFF_S=2.5).
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, v, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, v, err)
	}
	return n, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, v, err)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid float %q: %w", key, v, err)
	}
	return f, nil
}
