package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Dispatch  DispatchConfig
	Hours     HoursConfig
	Gateway   GatewayConfig
	Audit     AuditConfig
	Redis     RedisConfig
	AMQP      AMQPConfig
	Scheduler SchedulerConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	Driver string
	URL    string
}

// SecondsRange is an inclusive range of whole seconds.
type SecondsRange struct {
	Min int
	Max int
}

type DispatchConfig struct {
	BusinessUnitID string
	BatchSize      int
	Actor          string
	Pacing         SecondsRange
	FinalDelay     SecondsRange
}

type HoursConfig struct {
	Start    int
	End      int
	Location *time.Location
}

type GatewayConfig struct {
	URL           string
	SessionID     string
	APIKey        string
	Timeout       time.Duration
	RatePerMinute int
	ReadyTimeout  time.Duration
	SessionFile   string
}

type AuditConfig struct {
	Dir string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
	LockTTL  time.Duration
}

type AMQPConfig struct {
	Enabled  bool
	URL      string
	Exchange string
}

type SchedulerConfig struct {
	Interval time.Duration
	Cron     string
}

type LogConfig struct {
	Level  string
	Format string
}

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// LoadAll reads the whole configuration from the environment. Every missing
// or malformed variable is reported in the returned error.
func LoadAll() (*Config, error) {
	var errs []error
	str := func(key string) string {
		v, err := requireEnv(key)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	num := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	secs := func(key string, def int) time.Duration {
		return time.Duration(num(key, def)) * time.Second
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			Driver: getEnv("DB_DRIVER", DriverPostgres),
			URL:    str("DATABASE_URL"),
		},
		Dispatch: DispatchConfig{
			BusinessUnitID: str("DISPATCH_BUSINESS_UNIT_ID"),
			BatchSize:      num("DISPATCH_BATCH_SIZE", 5),
			Actor:          getEnv("DISPATCH_ACTOR", "ENVIO"),
			Pacing: SecondsRange{
				Min: num("PACING_MIN_SECONDS", 5),
				Max: num("PACING_MAX_SECONDS", 15),
			},
			FinalDelay: SecondsRange{
				Min: num("FINAL_DELAY_MIN_SECONDS", 2),
				Max: num("FINAL_DELAY_MAX_SECONDS", 5),
			},
		},
		Hours: HoursConfig{
			Start: num("BUSINESS_HOURS_START", 8),
			End:   num("BUSINESS_HOURS_END", 21),
		},
		Gateway: GatewayConfig{
			URL:           str("GATEWAY_URL"),
			SessionID:     getEnv("GATEWAY_SESSION_ID", "default"),
			APIKey:        os.Getenv("GATEWAY_API_KEY"),
			Timeout:       secs("GATEWAY_TIMEOUT_SECONDS", 30),
			RatePerMinute: num("SEND_RATE_PER_MINUTE", 20),
			ReadyTimeout:  secs("READY_TIMEOUT_SECONDS", 300),
			SessionFile:   getEnv("SESSION_FILE", "./session.json"),
		},
		Audit: AuditConfig{
			Dir: getEnv("AUDIT_LOG_DIR", "logs"),
		},
		Scheduler: SchedulerConfig{
			Interval: secs("SCHED_INTERVAL_SECONDS", 120),
			Cron:     os.Getenv("SCHED_CRON"),
		},
		AMQP: AMQPConfig{
			URL:      os.Getenv("AMQP_URL"),
			Exchange: getEnv("AMQP_EXCHANGE", "dispatch.outcomes"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "INFO"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
	cfg.AMQP.Enabled = cfg.AMQP.URL != ""

	if tz := os.Getenv("BUSINESS_TZ"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid BUSINESS_TZ %q: %w", tz, err))
		}
		cfg.Hours.Location = loc
	}

	redisCfg, err := loadRedisConfig()
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Redis = redisCfg

	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDatabase reads only the store settings, for commands that never touch
// the channel.
func LoadDatabase() (DatabaseConfig, error) {
	cfg := DatabaseConfig{Driver: getEnv("DB_DRIVER", DriverPostgres)}
	url, err := requireEnv("DATABASE_URL")
	if err != nil {
		return cfg, err
	}
	cfg.URL = url
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	var errs []error
	db, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		errs = append(errs, err)
	}
	ttl, err := getEnvInt("REDIS_TTL_SECONDS", 86400)
	if err != nil {
		errs = append(errs, err)
	}
	lockTTL, err := getEnvInt("CYCLE_LOCK_TTL_SECONDS", 300)
	if err != nil {
		errs = append(errs, err)
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
		LockTTL:  time.Duration(lockTTL) * time.Second,
	}, joinErrors(errs)
}

func validate(cfg *Config) error {
	var errs []error
	if cfg.Database.Driver != DriverPostgres && cfg.Database.Driver != DriverSQLite {
		errs = append(errs, fmt.Errorf("DB_DRIVER must be %q or %q", DriverPostgres, DriverSQLite))
	}
	if cfg.Dispatch.BatchSize <= 0 {
		errs = append(errs, errors.New("DISPATCH_BATCH_SIZE must be > 0"))
	}
	if err := validateRange("PACING", cfg.Dispatch.Pacing); err != nil {
		errs = append(errs, err)
	}
	if err := validateRange("FINAL_DELAY", cfg.Dispatch.FinalDelay); err != nil {
		errs = append(errs, err)
	}
	if cfg.Hours.Start < 0 || cfg.Hours.End > 24 || cfg.Hours.Start >= cfg.Hours.End {
		errs = append(errs, errors.New("BUSINESS_HOURS_START/BUSINESS_HOURS_END must satisfy 0 <= start < end <= 24"))
	}
	if cfg.Gateway.Timeout <= 0 {
		errs = append(errs, errors.New("GATEWAY_TIMEOUT_SECONDS must be > 0"))
	}
	if cfg.Gateway.RatePerMinute <= 0 {
		errs = append(errs, errors.New("SEND_RATE_PER_MINUTE must be > 0"))
	}
	if cfg.Gateway.ReadyTimeout <= 0 {
		errs = append(errs, errors.New("READY_TIMEOUT_SECONDS must be > 0"))
	}
	if cfg.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("SCHED_INTERVAL_SECONDS must be > 0"))
	}
	if cfg.Redis.Enabled {
		if cfg.Redis.LockTTL <= 0 {
			errs = append(errs, errors.New("CYCLE_LOCK_TTL_SECONDS must be > 0"))
		} else if longest := cfg.MaxCycleDuration(); cfg.Redis.LockTTL <= longest {
			errs = append(errs, fmt.Errorf("CYCLE_LOCK_TTL_SECONDS must exceed the longest possible cycle (%s)", longest))
		}
	}
	return joinErrors(errs)
}

// MaxCycleDuration bounds one full batch: every send waits for the rate
// limiter and times out, then paces at the maximum, then the final delay.
func (c *Config) MaxCycleDuration() time.Duration {
	perSend := c.Gateway.Timeout + time.Duration(c.Dispatch.Pacing.Max)*time.Second
	if c.Gateway.RatePerMinute > 0 {
		perSend += time.Minute / time.Duration(c.Gateway.RatePerMinute)
	}
	return time.Duration(c.Dispatch.BatchSize)*perSend + time.Duration(c.Dispatch.FinalDelay.Max)*time.Second
}

func validateRange(prefix string, r SecondsRange) error {
	if r.Min < 0 || r.Max < r.Min {
		return fmt.Errorf("%s_MIN_SECONDS/%s_MAX_SECONDS must satisfy 0 <= min <= max", prefix, prefix)
	}
	return nil
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
