package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	KiB = 1 << 10
	MiB = 1 << 20
	GiB = 1 << 30

	// Minimum size of every multipart part except the last one.
	MinPartSize = 5 * MiB
)

type Config struct {
	Addr     string
	CertFile string
	KeyFile  string

	S3Endpoint       string
	S3Bucket         string
	S3AccessKey      string
	S3SecretKey      string
	S3Region         string
	S3ForcePathStyle bool
	PublicURL        string // Defaults to {S3_ENDPOINT}/{S3_BUCKET}.
	SignedURLs       bool
	SignedURLTTL     time.Duration
	KeyPrefix        string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	StateNamespace string
	SessionTTL     time.Duration
	JobTTL         time.Duration

	TelegramToken  string
	TelegramAPIURL string

	VideoTable string

	PartSize           int64
	ReadSize           int64
	SmallFileThreshold int64
	DeferThreshold     int64
	MaxFileSize        int64
	MaxChunkSize       int64
	MaxPresignExpiry   time.Duration

	NetworkTimeout time.Duration
	SourceTimeout  time.Duration

	Workers        int
	ReaperInterval time.Duration
	ProgressEvery  int64

	LogLevel  string
	LogFormat string
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	var errs []error
	cfg := &Config{
		Addr:     env("ADDR", ":4443"),
		CertFile: env("CERT_FILE", ""),
		KeyFile:  env("CERT_KEY", ""),

		S3Endpoint:       strings.TrimRight(env("S3_ENDPOINT", ""), "/"),
		S3Bucket:         env("S3_BUCKET", ""),
		S3AccessKey:      env("S3_ACCESS", ""),
		S3SecretKey:      env("S3_SECRET", ""),
		S3Region:         env("S3_REGION", "auto"),
		S3ForcePathStyle: envBool("S3_FORCE_PATH_STYLE", true, &errs),
		PublicURL:        strings.TrimRight(env("S3_PUBLIC_URL", ""), "/"),
		SignedURLs:       envBool("SIGNED_URLS", false, &errs),
		SignedURLTTL:     envDuration("SIGNED_URL_TTL", 7*24*time.Hour, &errs),
		KeyPrefix:        strings.Trim(env("KEY_PREFIX", "videos"), "/"),

		RedisAddr:      env("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  env("REDIS_PASSWORD", ""),
		RedisDB:        int(envInt("REDIS_DB", 0, &errs)),
		StateNamespace: env("STATE_NAMESPACE", "relay"),
		SessionTTL:     envDuration("SESSION_TTL", 24*time.Hour, &errs),
		JobTTL:         envDuration("JOB_TTL", time.Hour, &errs),

		TelegramToken:  env("TELEGRAM_TOKEN", ""),
		TelegramAPIURL: strings.TrimRight(env("TELEGRAM_API_URL", "https://api.telegram.org"), "/"),

		VideoTable: env("VIDEO_TABLE", ""),

		PartSize:           envInt("PART_SIZE", MinPartSize, &errs),
		ReadSize:           envInt("READ_SIZE", MiB, &errs),
		SmallFileThreshold: envInt("SMALL_FILE_THRESHOLD", 50*MiB, &errs),
		DeferThreshold:     envInt("DEFER_THRESHOLD", 500*MiB, &errs),
		MaxFileSize:        envInt("MAX_FILE_SIZE", 2*GiB, &errs),
		MaxChunkSize:       envInt("MAX_CHUNK_SIZE", 64*MiB, &errs),
		MaxPresignExpiry:   envDuration("MAX_PRESIGN_EXPIRY", 7200*time.Second, &errs),

		NetworkTimeout: envDuration("NETWORK_TIMEOUT", 5*time.Minute, &errs),
		SourceTimeout:  envDuration("SOURCE_TIMEOUT", 30*time.Minute, &errs),

		Workers:        int(envInt("WORKERS", 2, &errs)),
		ReaperInterval: envDuration("REAPER_INTERVAL", 15*time.Minute, &errs),
		ProgressEvery:  envInt("PROGRESS_EVERY", 10, &errs),

		LogLevel:  env("LOG_LEVEL", "info"),
		LogFormat: env("LOG_FORMAT", "json"),
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, cfg.Validate()
}

// Validate checks that the thresholds are consistent with each other and
// with the object store's multipart rules.
func (c *Config) Validate() error {
	var errs []error
	if c.S3Bucket == "" {
		errs = append(errs, errors.New("S3_BUCKET must be set"))
	}
	if c.S3Endpoint == "" && c.PublicURL == "" {
		errs = append(errs, errors.New("S3_ENDPOINT or S3_PUBLIC_URL must be set"))
	}
	if c.TelegramToken == "" {
		errs = append(errs, errors.New("TELEGRAM_TOKEN must be set"))
	}
	if c.PartSize < MinPartSize {
		errs = append(errs, fmt.Errorf("PART_SIZE must be at least %d bytes", MinPartSize))
	}
	if c.ReadSize <= 0 || c.ReadSize > c.PartSize {
		errs = append(errs, fmt.Errorf("READ_SIZE must be between 1 and PART_SIZE (%d)", c.PartSize))
	}
	if c.SmallFileThreshold > c.DeferThreshold {
		errs = append(errs, errors.New("SMALL_FILE_THRESHOLD must not exceed DEFER_THRESHOLD"))
	}
	if c.MaxFileSize <= 0 {
		errs = append(errs, errors.New("MAX_FILE_SIZE must be positive"))
	}
	if c.SessionTTL <= 0 || c.JobTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL and JOB_TTL must be positive"))
	}
	if c.Workers < 1 {
		errs = append(errs, errors.New("WORKERS must be at least 1"))
	}
	return errors.Join(errs...)
}

// BaseURL is the public base of the bucket that object URLs are built on.
func (c *Config) BaseURL() string {
	if c.PublicURL != "" {
		return c.PublicURL
	}
	return c.S3Endpoint + "/" + c.S3Bucket
}

// Get the value of environment variables.
func env(key string, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func envInt(key string, def int64, errs *[]error) int64 {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	i, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("cannot parse %s: %w", key, err))
		return def
	}
	return i
}

func envBool(key string, def bool, errs *[]error) bool {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("cannot parse %s: %w", key, err))
		return def
	}
	return b
}

func envDuration(key string, def time.Duration, errs *[]error) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("cannot parse %s: %w", key, err))
		return def
	}
	return d
}
