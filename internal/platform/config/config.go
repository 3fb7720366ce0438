// Package config loads auditd settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full auditd configuration.
type Config struct {
	Server   Server
	Log      Log
	Executor Executor
	Sinks    []string
	Database Database
	Redis    RedisConfig
	Kafka    Kafka
	Buffer   Buffer

	// DefinitionsFile holds YAML operation definitions.
	DefinitionsFile string
	// PolicyFile is watched for live rejection policy changes.
	PolicyFile string
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr          string
	JWTSigningKey string
	JWTIssuer     string
	AdminToken    string
	RequireAuth   bool
}

type Log struct {
	Level  string
	Format string
}

type Database struct {
	URL string
}

// RedisConfig configures the go-redis client. An empty URL disables Redis.
type RedisConfig struct {
	URL          string
	Stream       string
	MaxLen       int64
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Kafka struct {
	Brokers []string
	Topic   string
	Group   string
	// Consume starts the consumer that replays the topic into the memory store.
	Consume bool
}

// Buffer configures the buffered sink placed in front of slow stores.
type Buffer struct {
	Capacity      int
	BatchSize     int
	FlushInterval time.Duration
}

// Sink names accepted in AUDIT_SINK.
const (
	SinkConsole  = "console"
	SinkLog      = "log"
	SinkMemory   = "memory"
	SinkPostgres = "postgres"
	SinkRedis    = "redis"
	SinkKafka    = "kafka"
)

var knownSinks = []string{SinkConsole, SinkLog, SinkMemory, SinkPostgres, SinkRedis, SinkKafka}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Load reads envFile into the process environment when it exists and then
// builds the configuration. Variables already set win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	cfg, err := FromEnv()
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() (Config, error) {
	var p parser
	cfg := Config{
		Server: Server{
			Addr: envString("AUDIT_ADDR", ":8080"),
			// Use a default for development - should be overridden in production
			JWTSigningKey: envString("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
			JWTIssuer:     envString("JWT_ISSUER", "auditd"),
			AdminToken:    os.Getenv("ADMIN_API_TOKEN"),
			RequireAuth:   p.bool("AUDIT_REQUIRE_AUTH", false),
		},
		Log: Log{
			Level:  envString("AUDIT_LOG_LEVEL", "info"),
			Format: envString("AUDIT_LOG_FORMAT", "json"),
		},
		Executor: Executor{
			QueueCapacity: p.int("AUDIT_QUEUE_CAPACITY", math.MaxInt32),
			CoreSize:      p.int("AUDIT_POOL_CORE_SIZE", DefaultCoreSize),
			MaxSize:       p.int("AUDIT_POOL_MAX_SIZE", DefaultMaxSize),
			IdleTimeout:   p.duration("AUDIT_POOL_IDLE_TIMEOUT", DefaultIdleTimeout),
			Policy:        envString("AUDIT_REJECTION_POLICY", DefaultPolicy),
			MetricsPrefix: envString("AUDIT_METRICS_PREFIX", DefaultMetricsPrefix),
			Name:          envString("AUDIT_EXECUTOR_NAME", DefaultExecutorName),
		},
		Sinks:    splitList(envString("AUDIT_SINK", SinkConsole)),
		Database: Database{URL: os.Getenv("DATABASE_URL")},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			Stream:       envString("REDIS_STREAM", "audit:records"),
			MaxLen:       int64(p.int("REDIS_STREAM_MAXLEN", 100000)),
			PoolSize:     p.int("REDIS_POOL_SIZE", 10),
			MinIdleConns: p.int("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  p.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  p.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: p.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: Kafka{
			Brokers: splitList(os.Getenv("KAFKA_BROKERS")),
			Topic:   envString("KAFKA_TOPIC", "audit.records"),
			Group:   envString("KAFKA_GROUP", "auditd"),
			Consume: p.bool("KAFKA_CONSUME", false),
		},
		Buffer: Buffer{
			Capacity:      p.int("AUDIT_BUFFER_CAPACITY", 10000),
			BatchSize:     p.int("AUDIT_BUFFER_BATCH_SIZE", 100),
			FlushInterval: p.duration("AUDIT_BUFFER_FLUSH_INTERVAL", time.Second),
		},
		DefinitionsFile: os.Getenv("AUDIT_DEFINITIONS_FILE"),
		PolicyFile:      os.Getenv("AUDIT_POLICY_FILE"),
	}
	if p.err != nil {
		return Config{}, p.err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the parsers cannot see.
func (c Config) Validate() error {
	if err := c.Executor.Validate(); err != nil {
		return err
	}
	if len(c.Sinks) == 0 {
		return fmt.Errorf("%w: AUDIT_SINK is empty", ErrInvalid)
	}
	for _, s := range c.Sinks {
		if !c.knownSink(s) {
			return fmt.Errorf("%w: unknown sink %q (want one of %s)", ErrInvalid, s, strings.Join(knownSinks, ", "))
		}
	}
	switch {
	case c.HasSink(SinkPostgres) && c.Database.URL == "":
		return fmt.Errorf("%w: postgres sink requires DATABASE_URL", ErrInvalid)
	case c.HasSink(SinkRedis) && c.Redis.URL == "":
		return fmt.Errorf("%w: redis sink requires REDIS_URL", ErrInvalid)
	case (c.HasSink(SinkKafka) || c.Kafka.Consume) && len(c.Kafka.Brokers) == 0:
		return fmt.Errorf("%w: kafka requires KAFKA_BROKERS", ErrInvalid)
	}
	return nil
}

func (c Config) knownSink(name string) bool {
	for _, s := range knownSinks {
		if s == name {
			return true
		}
	}
	return false
}

// HasSink reports whether name is among the configured sinks.
func (c Config) HasSink(name string) bool {
	for _, s := range c.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// parser keeps the first conversion error so FromEnv reads top to bottom.
type parser struct {
	err error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: %s=%q: %v", ErrInvalid, key, value, err)
	}
}

func (p *parser) int(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return n
}

func (p *parser) bool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return b
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
