package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// DuplicatePolicy decides what happens when a principal opens a second live
// subscription for the same thread (e.g. a duplicated browser tab).
type DuplicatePolicy string

const (
	// DuplicateReplace closes the stale handle and adopts the new one.
	DuplicateReplace DuplicatePolicy = "replace"
	// DuplicateReject refuses the new handle, forcing one session per thread.
	DuplicateReject DuplicatePolicy = "reject"
)

type Config struct {
	DBFile     string
	APIAddr    string
	AuthSecret string

	TokenExpiry time.Duration

	// TypingExpiry bounds how long a typing indicator survives without a
	// heartbeat. TypingHeartbeat is the minimum interval between heartbeats
	// a client emits while actively typing.
	TypingExpiry    time.Duration
	TypingHeartbeat time.Duration

	BacklogLimit   int
	BacklogTimeout time.Duration

	DuplicatePolicy DuplicatePolicy

	// Optional VAPID keys for the web-push alerter. Push stays disabled
	// when they are empty.
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	PushContact     string
}

func Load() (*Config, error) {
	// Local overrides; the file is optional.
	_ = godotenv.Load()

	tokenExpiry, err := getDuration("TOKEN_EXPIRY", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	typingExpiry, err := getDuration("TYPING_EXPIRY", 3*time.Second)
	if err != nil {
		return nil, err
	}
	typingHeartbeat, err := getDuration("TYPING_HEARTBEAT", time.Second)
	if err != nil {
		return nil, err
	}
	backlogTimeout, err := getDuration("BACKLOG_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	backlogLimit, err := getInt("BACKLOG_LIMIT", 50)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DBFile:          getEnv("VERANDA_DB", "veranda.db"),
		APIAddr:         getEnv("API_ADDR", ":8080"),
		AuthSecret:      os.Getenv("AUTH_SECRET"),
		TokenExpiry:     tokenExpiry,
		TypingExpiry:    typingExpiry,
		TypingHeartbeat: typingHeartbeat,
		BacklogLimit:    backlogLimit,
		BacklogTimeout:  backlogTimeout,
		DuplicatePolicy: DuplicatePolicy(getEnv("DUPLICATE_POLICY", string(DuplicateReplace))),
		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		PushContact:     os.Getenv("PUSH_CONTACT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.AuthSecret == "" {
		return errors.New("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return errors.New("TOKEN_EXPIRY must be greater than 0")
	}

	if c.TypingExpiry <= 0 {
		return errors.New("TYPING_EXPIRY must be greater than 0")
	}

	if c.TypingHeartbeat <= 0 || c.TypingHeartbeat >= c.TypingExpiry {
		return errors.New("TYPING_HEARTBEAT must be greater than 0 and less than TYPING_EXPIRY")
	}

	if c.BacklogLimit <= 0 {
		return errors.New("BACKLOG_LIMIT must be greater than 0")
	}

	if c.BacklogTimeout <= 0 {
		return errors.New("BACKLOG_TIMEOUT must be greater than 0")
	}

	switch c.DuplicatePolicy {
	case DuplicateReplace, DuplicateReject:
	default:
		return fmt.Errorf("DUPLICATE_POLICY must be %q or %q", DuplicateReplace, DuplicateReject)
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return errors.New("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
