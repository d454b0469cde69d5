package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the grader service.
type Config struct {
	AppName        string
	AppEnv         string
	AppPort        string
	LogLevel       string
	AllowOrigins   []string
	DatabaseURL    string
	RedisURL       string
	NATSURL        string
	ChannelPrefix  string
	JWTSecret      string
	DockerHost     string
	WorkspaceRoot  string
	QuestionDir    string
	Execution      ExecutionConfig
	Grading        GradingConfig
	Resilience     ResilienceConfig
	RateLimit      RateLimitConfig
	ExpectedTTL    time.Duration
	RequestTimeout time.Duration
}

// ExecutionConfig holds the default container limits. Questions may override them per case.
type ExecutionConfig struct {
	Timeout        time.Duration
	MemoryMB       int64
	CPUShares      int64
	PidsLimit      int64
	MaxOutputBytes int64
}

// GradingConfig tunes the grading pipeline.
type GradingConfig struct {
	Concurrency    int
	MaxSourceBytes int
	MaxInFlight    int64
}

// ResilienceConfig tunes the protection in front of the container runtime.
type ResilienceConfig struct {
	MaxConcurrent int
	MaxQueue      int
	QueueTimeout  time.Duration
	FailureTrip   int
	OpenTimeout   time.Duration
	RetryAttempts int
}

// RateLimitConfig bounds grading requests per caller.
type RateLimitConfig struct {
	Max    int
	Window time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables, an optional .env file and an
// optional config file named by GEMA_CONFIG_FILE.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "GEMA Grader")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("channel_prefix", "gema:grader")
	v.SetDefault("question_dir", "./questions")
	v.SetDefault("execution.timeout", "5s")
	v.SetDefault("execution.memory_mb", 256)
	v.SetDefault("execution.cpu_shares", 512)
	v.SetDefault("execution.pids_limit", 64)
	v.SetDefault("execution.max_output_bytes", 1<<20)
	v.SetDefault("grading.concurrency", 4)
	v.SetDefault("grading.max_source_bytes", 64*1024)
	v.SetDefault("grading.max_in_flight", 4)
	v.SetDefault("grading.request_timeout", "2m")
	v.SetDefault("expected_cache.ttl", "24h")
	v.SetDefault("sandbox.max_concurrent", 8)
	v.SetDefault("sandbox.max_queue", 32)
	v.SetDefault("sandbox.queue_timeout", "30s")
	v.SetDefault("sandbox.failure_trip", 5)
	v.SetDefault("sandbox.open_timeout", "30s")
	v.SetDefault("sandbox.retry_attempts", 2)
	v.SetDefault("rate_limit.max", 30)
	v.SetDefault("rate_limit.window", "1m")
}

func fromViper(v *viper.Viper) (Config, error) {
	durations := map[string]*time.Duration{}
	var (
		execTimeout, expectedTTL, requestTimeout time.Duration
		queueTimeout, openTimeout, rateWindow    time.Duration
	)
	durations["execution.timeout"] = &execTimeout
	durations["expected_cache.ttl"] = &expectedTTL
	durations["grading.request_timeout"] = &requestTimeout
	durations["sandbox.queue_timeout"] = &queueTimeout
	durations["sandbox.open_timeout"] = &openTimeout
	durations["rate_limit.window"] = &rateWindow

	for key, target := range durations {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", key)
		}
		*target = parsed
	}

	cfg := Config{
		AppName:       v.GetString("app.name"),
		AppEnv:        v.GetString("app.env"),
		AppPort:       v.GetString("app.port"),
		LogLevel:      strings.ToLower(v.GetString("log.level")),
		AllowOrigins:  splitList(v.GetString("cors.allow_origins")),
		DatabaseURL:   v.GetString("database.url"),
		RedisURL:      v.GetString("redis.url"),
		NATSURL:       v.GetString("nats.url"),
		ChannelPrefix: v.GetString("channel_prefix"),
		JWTSecret:     v.GetString("jwt.secret"),
		DockerHost:    v.GetString("docker_host"),
		WorkspaceRoot: v.GetString("workspace_root"),
		QuestionDir:   v.GetString("question_dir"),
		Execution: ExecutionConfig{
			Timeout:        execTimeout,
			MemoryMB:       v.GetInt64("execution.memory_mb"),
			CPUShares:      v.GetInt64("execution.cpu_shares"),
			PidsLimit:      v.GetInt64("execution.pids_limit"),
			MaxOutputBytes: v.GetInt64("execution.max_output_bytes"),
		},
		Grading: GradingConfig{
			Concurrency:    v.GetInt("grading.concurrency"),
			MaxSourceBytes: v.GetInt("grading.max_source_bytes"),
			MaxInFlight:    v.GetInt64("grading.max_in_flight"),
		},
		Resilience: ResilienceConfig{
			MaxConcurrent: v.GetInt("sandbox.max_concurrent"),
			MaxQueue:      v.GetInt("sandbox.max_queue"),
			QueueTimeout:  queueTimeout,
			FailureTrip:   v.GetInt("sandbox.failure_trip"),
			OpenTimeout:   openTimeout,
			RetryAttempts: v.GetInt("sandbox.retry_attempts"),
		},
		RateLimit: RateLimitConfig{
			Max:    v.GetInt("rate_limit.max"),
			Window: rateWindow,
		},
		ExpectedTTL:    expectedTTL,
		RequestTimeout: requestTimeout,
	}

	if cfg.Execution.MemoryMB <= 0 || cfg.Execution.CPUShares <= 0 || cfg.Execution.MaxOutputBytes <= 0 {
		return Config{}, fmt.Errorf("execution limits must be positive")
	}
	if cfg.Grading.Concurrency <= 0 {
		return Config{}, fmt.Errorf("grading concurrency must be positive")
	}
	if cfg.AppEnv == "production" && cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided in production")
	}

	return cfg, nil
}

func splitList(value string) []string {
	var items []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
