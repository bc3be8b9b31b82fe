package cfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

type Cfg struct {
	Port                     string
	Environment              string
	LogLevel                 string
	Log                      LogCfg
	DatabaseURL              string
	DatabaseDriver           string
	DatabaseDSN              string
	DBMaxOpenConns           int
	DBMaxIdleConns           int
	DBQueryTimeout           time.Duration
	RedisURL                 string
	RedisTLS                 bool
	RedisUsername            string
	RedisPassword            Secret
	RedisTimeout             time.Duration
	SessionTTL               time.Duration
	SessionStoreSize         int
	SessionCookieSecure      bool
	InviteCode               Secret
	AdminUsername            string
	AdminPassword            Secret
	AdminPasswordFromSecrets bool
	Argon2Time               uint32
	Argon2Memory             uint32
	Argon2Parallelism        uint8
	HasherWorkerCount        int
	Pepper                   Secret
	PepperFromSecrets        bool
	MaxPasteSize             int
	MaxTitleLength           int
	ContextTimeout           time.Duration
	AllowedOrigins           []string
	MetricsUser              string
	MetricsPass              Secret
	AnalyticsConcurrency     int
}

type LogCfg struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Load reads configuration from the environment. A .env file in the working directory is
// applied first without overriding variables that are already set.
func Load() (*Cfg, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, errors.Wrap(err, "load .env")
		}
	}
	c := &Cfg{}
	var err error
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.Log.File = getEnv("LOG_FILE", "")
	if c.Log.MaxSizeMB, err = getInt("LOG_MAX_SIZE_MB", 100); err != nil {
		return nil, err
	}
	if c.Log.MaxBackups, err = getInt("LOG_MAX_BACKUPS", 5); err != nil {
		return nil, err
	}
	if c.Log.MaxAgeDays, err = getInt("LOG_MAX_AGE_DAYS", 30); err != nil {
		return nil, err
	}
	c.DatabaseURL = getEnv("DATABASE_URL", "snipserve.db")
	c.DatabaseDriver, c.DatabaseDSN = ParseDatabaseURL(c.DatabaseURL)
	if c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 25); err != nil {
		return nil, err
	}
	if c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 10); err != nil {
		return nil, err
	}
	if c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	if c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.SessionTTL, err = getDuration("SESSION_TTL", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if c.SessionStoreSize, err = getInt("SESSION_STORE_SIZE", 10000); err != nil {
		return nil, err
	}
	c.SessionCookieSecure = getEnv("SESSION_COOKIE_SECURE", "true") == "true"
	c.InviteCode = NewSecret(getEnv("INVITE_CODE", "test"))
	c.AdminUsername = getEnv("ADMIN_USERNAME", "admin")
	c.AdminPassword = NewSecret(getEnv("ADMIN_PASSWORD", ""))
	c.AdminPasswordFromSecrets = getEnv("ADMIN_PASSWORD_FROM_SECRETS", "false") == "true"
	if c.Argon2Time, err = getUint32("ARGON2_TIME", 3); err != nil {
		return nil, err
	}
	if c.Argon2Memory, err = getUint32("ARGON2_MEMORY", 64*1024); err != nil {
		return nil, err
	}
	p, err := getUint32("ARGON2_PARALLELISM", 2)
	if err != nil {
		return nil, err
	}
	if p > 255 {
		return nil, errors.New("ARGON2_PARALLELISM must be <= 255")
	}
	c.Argon2Parallelism = uint8(p)
	if c.HasherWorkerCount, err = getInt("HASHER_WORKER_COUNT", 4); err != nil {
		return nil, err
	}
	c.Pepper = NewSecret(getEnv("PEPPER", ""))
	c.PepperFromSecrets = getEnv("PEPPER_FROM_SECRETS", "false") == "true"
	if c.MaxPasteSize, err = getInt("MAX_PASTE_SIZE", 512*1024); err != nil {
		return nil, err
	}
	if c.MaxTitleLength, err = getInt("MAX_TITLE_LENGTH", 255); err != nil {
		return nil, err
	}
	if c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{"http://localhost:5173"})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	if c.AnalyticsConcurrency, err = getInt("ANALYTICS_CONCURRENCY", 1); err != nil {
		return nil, err
	}
	return c, nil
}

// ParseDatabaseURL maps DATABASE_URL onto a database/sql driver name and DSN.
// postgres:// and postgresql:// select pgx; everything else is a SQLite path,
// optionally written as sqlite:///path.
func ParseDatabaseURL(url string) (driver, dsn string) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return DriverPostgres, url
	case strings.HasPrefix(url, "sqlite:///"):
		return DriverSQLite, strings.TrimPrefix(url, "sqlite:///")
	case strings.HasPrefix(url, "sqlite://"):
		return DriverSQLite, strings.TrimPrefix(url, "sqlite://")
	default:
		return DriverSQLite, url
	}
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if c.DatabaseDSN == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.DatabaseDriver == DriverSQLite && c.DatabaseDSN != ":memory:" {
		workDir, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		absWorkDir, err := filepath.Abs(workDir)
		if err != nil {
			return fmt.Errorf("failed to resolve working directory: %w", err)
		}
		absDBPath, err := filepath.Abs(c.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
		if !strings.HasPrefix(absDBPath, absWorkDir+string(filepath.Separator)) && absDBPath != absWorkDir {
			return fmt.Errorf("sqlite database must be within working directory %s", absWorkDir)
		}
	}
	if c.DBMaxOpenConns <= 0 {
		return errors.New("DB_MAX_OPEN_CONNS must be positive")
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.SessionTTL < time.Minute {
		return errors.New("SESSION_TTL must be at least 1 minute")
	}
	if c.SessionTTL > 90*24*time.Hour {
		return errors.New("SESSION_TTL cannot exceed 90 days")
	}
	if c.RedisURL == "" && c.SessionStoreSize <= 0 {
		return errors.New("SESSION_STORE_SIZE must be positive")
	}
	if c.InviteCode.Value() == "" {
		return errors.New("INVITE_CODE must not be empty")
	}
	if c.Argon2Time < 1 {
		return errors.New("ARGON2_TIME must be >= 1")
	}
	if c.Argon2Memory < 19*1024 {
		return errors.New("ARGON2_MEMORY must be >= 19456 (19MB)")
	}
	if c.Argon2Parallelism < 1 {
		return errors.New("ARGON2_PARALLELISM must be at least 1")
	}
	if c.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	if c.MaxPasteSize > 10*1024*1024 {
		return errors.New("MAX_PASTE_SIZE cannot exceed 10MB")
	}
	if c.MaxTitleLength <= 0 {
		return errors.New("MAX_TITLE_LENGTH must be positive")
	}
	if c.AnalyticsConcurrency < 1 {
		return errors.New("ANALYTICS_CONCURRENCY must be at least 1")
	}
	if c.IsProduction() {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
		if c.InviteCode.Value() == "test" {
			return errors.New("INVITE_CODE must be changed from its default in production")
		}
		if !c.SessionCookieSecure {
			return errors.New("SESSION_COOKIE_SECURE must be true in production")
		}
	}
	if !c.PepperFromSecrets {
		if len(c.Pepper.Value()) == 0 {
			return errors.New("PEPPER is required if PEPPER_FROM_SECRETS is false")
		}
		if len(c.Pepper.Value()) < 32 {
			return errors.New("PEPPER must be at least 32 bytes")
		}
	}
	return nil
}
func (c *Cfg) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.Pepper.Wipe()
	c.AdminPassword.Wipe()
	c.InviteCode.Wipe()
}
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getUint32(key string, fallback uint32) (uint32, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid uint32 for %s: %w", key, err)
	}
	return uint32(v), nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
