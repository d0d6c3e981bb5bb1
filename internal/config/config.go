package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml"

	"github.com/Chichichkin/logshipper/internal/logging"
)

const (
	TransportLoki      = "loki"
	TransportLoggly    = "loggly"
	TransportFile      = "file"
	TransportWebsocket = "websocket"
	TransportRedis     = "redis"
	TransportAMQP      = "amqp"

	FormatLine = "line"
	FormatJSON = "json"
)

type Config struct {
	Transport string `toml:"transport"`
	Format    string `toml:"format"`
	LogLevel  string `toml:"log_level"`
	LogPretty bool   `toml:"log_pretty"`
	AdminAddr string `toml:"admin_addr"`
	NodeName  string `toml:"node_name"`

	Pipeline  PipelineConfig  `toml:"pipeline"`
	Daemon    DaemonConfig    `toml:"daemon"`
	Loki      LokiConfig      `toml:"loki"`
	Loggly    LogglyConfig    `toml:"loggly"`
	File      FileConfig      `toml:"file"`
	Websocket WebsocketConfig `toml:"websocket"`
	Redis     RedisConfig     `toml:"redis"`
	AMQP      AMQPConfig      `toml:"amqp"`
}

type PipelineConfig struct {
	QueueCapacity    int           `toml:"queue_capacity"`
	BatchSize        int           `toml:"batch_size"`
	BatchBytes       int           `toml:"batch_bytes"`
	BatchTimeout     time.Duration `toml:"batch_timeout"`
	MaxRetries       int           `toml:"max_retries"`
	RetryBackoff     time.Duration `toml:"retry_backoff"`
	RetryMaxBackoff  time.Duration `toml:"retry_max_backoff"`
	DropOnExhaustion bool          `toml:"drop_on_exhaustion"`
	ShutdownRetries  int           `toml:"shutdown_retries"`
	SendTimeout      time.Duration `toml:"send_timeout"`
	ShutdownTimeout  time.Duration `toml:"shutdown_timeout"`
	OverflowCapacity int           `toml:"overflow_capacity"`
	OverflowCooldown time.Duration `toml:"overflow_cooldown"`
}

type DaemonConfig struct {
	Enabled            bool          `toml:"enabled"`
	LogRootPath        string        `toml:"log_path"`
	ScanInterval       time.Duration `toml:"scan_interval"`
	MinWorkers         int           `toml:"min_workers"`
	MaxWorkers         int           `toml:"max_workers"`
	FileQueueSize      int           `toml:"queue_size"`
	ScaleUpThreshold   float64       `toml:"scale_up_threshold"`
	ScaleDownThreshold float64       `toml:"scale_down_threshold"`
	ScaleCheckInterval time.Duration `toml:"scale_check_interval"`
	FileIdleTimeout    time.Duration `toml:"file_idle_timeout"`
	ReadFromStart      bool          `toml:"read_from_start"`
}

type LokiConfig struct {
	URL    string            `toml:"url"`
	Tenant string            `toml:"tenant"`
	Gzip   bool              `toml:"gzip"`
	Labels map[string]string `toml:"labels"`
}

type LogglyConfig struct {
	URL   string   `toml:"url"`
	Token string   `toml:"token"`
	Tags  []string `toml:"tags"`
}

type FileConfig struct {
	Path       string `toml:"path"`
	MaxSize    int64  `toml:"max_size"`
	MaxBackups int    `toml:"max_backups"`
	Compress   bool   `toml:"compress"`
	Sync       bool   `toml:"sync"`
}

type WebsocketConfig struct {
	URL string `toml:"url"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	PoolSize int    `toml:"pool_size"`
	Stream   string `toml:"stream"`
	MaxLen   int64  `toml:"max_len"`
}

type AMQPConfig struct {
	URL        string `toml:"url"`
	Exchange   string `toml:"exchange"`
	RoutingKey string `toml:"routing_key"`
	Queue      string `toml:"queue"`
}

func Default() Config {
	return Config{
		Transport: TransportLoki,
		Format:    FormatLine,
		LogLevel:  "info",
		AdminAddr: ":8080",
		NodeName:  "unknown",
		Pipeline: PipelineConfig{
			QueueCapacity:    10000,
			BatchSize:        500,
			BatchBytes:       1 << 20,
			BatchTimeout:     5 * time.Second,
			MaxRetries:       3,
			RetryBackoff:     time.Second,
			RetryMaxBackoff:  30 * time.Second,
			ShutdownRetries:  2,
			SendTimeout:      10 * time.Second,
			ShutdownTimeout:  15 * time.Second,
			OverflowCapacity: 4,
			OverflowCooldown: 30 * time.Second,
		},
		Daemon: DaemonConfig{
			Enabled:            true,
			LogRootPath:        "/var/log/pods",
			ScanInterval:       30 * time.Second,
			MinWorkers:         2,
			MaxWorkers:         10,
			FileQueueSize:      50,
			ScaleUpThreshold:   0.9,
			ScaleDownThreshold: 0.3,
			ScaleCheckInterval: 15 * time.Second,
			FileIdleTimeout:    5 * time.Minute,
		},
		Loki: LokiConfig{
			URL: "http://loki:3100",
		},
		File: FileConfig{
			Path:       "/var/log/logshipper/batches.log",
			MaxSize:    100 << 20,
			MaxBackups: 9,
		},
		Redis: RedisConfig{
			PoolSize: 10,
			Stream:   "logs",
		},
		AMQP: AMQPConfig{
			Queue: "logs",
		},
	}
}

// Load builds the configuration from defaults, an optional TOML file, an
// optional .env file and finally the process environment. Later sources win.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := LoadTomlFile(&cfg, path); err != nil {
			return cfg, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return cfg, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func LoadTomlFile(dest interface{}, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewDecoder(f).Decode(dest)
}

func applyEnv(cfg *Config) {
	cfg.Transport = getEnv("TRANSPORT", cfg.Transport)
	cfg.Format = getEnv("FORMAT", cfg.Format)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = getEnvAsBool("LOG_PRETTY", cfg.LogPretty)
	cfg.AdminAddr = getEnv("ADMIN_ADDR", cfg.AdminAddr)
	cfg.NodeName = getEnv("NODE_NAME", cfg.NodeName)

	p := &cfg.Pipeline
	p.QueueCapacity = getEnvAsInt("RECORD_QUEUE_SIZE", p.QueueCapacity)
	p.BatchSize = getEnvAsInt("BATCH_SIZE", p.BatchSize)
	p.BatchBytes = getEnvAsInt("BATCH_BYTES", p.BatchBytes)
	p.BatchTimeout = getEnvAsDuration("BATCH_TIMEOUT", p.BatchTimeout)
	p.MaxRetries = getEnvAsInt("MAX_RETRIES", p.MaxRetries)
	p.RetryBackoff = getEnvAsDuration("RETRY_BACKOFF", p.RetryBackoff)
	p.RetryMaxBackoff = getEnvAsDuration("RETRY_MAX_BACKOFF", p.RetryMaxBackoff)
	p.DropOnExhaustion = getEnvAsBool("DROP_ON_EXHAUSTION", p.DropOnExhaustion)
	p.ShutdownRetries = getEnvAsInt("SHUTDOWN_RETRIES", p.ShutdownRetries)
	p.SendTimeout = getEnvAsDuration("SEND_TIMEOUT", p.SendTimeout)
	p.ShutdownTimeout = getEnvAsDuration("SHUTDOWN_TIMEOUT", p.ShutdownTimeout)
	p.OverflowCapacity = getEnvAsInt("OVERFLOW_CAPACITY", p.OverflowCapacity)
	p.OverflowCooldown = getEnvAsDuration("OVERFLOW_COOLDOWN", p.OverflowCooldown)

	d := &cfg.Daemon
	d.Enabled = getEnvAsBool("DAEMON_ENABLED", d.Enabled)
	d.LogRootPath = getEnv("LOG_PATH", d.LogRootPath)
	d.ScanInterval = getEnvAsDuration("SCAN_INTERVAL", d.ScanInterval)
	d.MinWorkers = getEnvAsInt("MIN_WORKERS", d.MinWorkers)
	d.MaxWorkers = getEnvAsInt("MAX_WORKERS", d.MaxWorkers)
	d.FileQueueSize = getEnvAsInt("QUEUE_SIZE", d.FileQueueSize)
	d.ScaleUpThreshold = getEnvAsFloat("SCALE_UP_THRESHOLD", d.ScaleUpThreshold)
	d.ScaleDownThreshold = getEnvAsFloat("SCALE_DOWN_THRESHOLD", d.ScaleDownThreshold)
	d.ScaleCheckInterval = getEnvAsDuration("SCALE_CHECK_INTERVAL", d.ScaleCheckInterval)
	d.FileIdleTimeout = getEnvAsDuration("FILE_IDLE_TIMEOUT", d.FileIdleTimeout)
	d.ReadFromStart = getEnvAsBool("READ_FROM_START", d.ReadFromStart)

	cfg.Loki.URL = getEnv("LOKI_URL", cfg.Loki.URL)
	cfg.Loki.Tenant = getEnv("LOKI_TENANT", cfg.Loki.Tenant)
	cfg.Loki.Gzip = getEnvAsBool("LOKI_GZIP", cfg.Loki.Gzip)

	cfg.Loggly.URL = getEnv("LOGGLY_URL", cfg.Loggly.URL)
	cfg.Loggly.Token = getEnv("LOGGLY_TOKEN", cfg.Loggly.Token)
	cfg.Loggly.Tags = getEnvAsList("LOGGLY_TAGS", cfg.Loggly.Tags)

	cfg.File.Path = getEnv("FILE_PATH", cfg.File.Path)
	cfg.File.MaxSize = int64(getEnvAsInt("FILE_MAX_SIZE", int(cfg.File.MaxSize)))
	cfg.File.MaxBackups = getEnvAsInt("FILE_MAX_BACKUPS", cfg.File.MaxBackups)
	cfg.File.Compress = getEnvAsBool("FILE_COMPRESS", cfg.File.Compress)
	cfg.File.Sync = getEnvAsBool("FILE_SYNC", cfg.File.Sync)

	cfg.Websocket.URL = getEnv("WS_URL", cfg.Websocket.URL)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvAsInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.PoolSize = getEnvAsInt("REDIS_POOL_SIZE", cfg.Redis.PoolSize)
	cfg.Redis.Stream = getEnv("REDIS_STREAM", cfg.Redis.Stream)
	cfg.Redis.MaxLen = int64(getEnvAsInt("REDIS_MAX_LEN", int(cfg.Redis.MaxLen)))

	cfg.AMQP.URL = getEnv("AMQP_URL", cfg.AMQP.URL)
	cfg.AMQP.Exchange = getEnv("AMQP_EXCHANGE", cfg.AMQP.Exchange)
	cfg.AMQP.RoutingKey = getEnv("AMQP_ROUTING_KEY", cfg.AMQP.RoutingKey)
	cfg.AMQP.Queue = getEnv("AMQP_QUEUE", cfg.AMQP.Queue)
}

// LoggingConfig converts the settings into the batching pipeline configuration.
func (c Config) LoggingConfig() logging.Config {
	p := c.Pipeline
	lc := logging.DefaultConfig()
	lc.QueueCapacity = p.QueueCapacity
	lc.Threshold = logging.FlushThreshold{
		MaxRecords:  p.BatchSize,
		MaxBytes:    p.BatchBytes,
		MaxInterval: p.BatchTimeout,
	}
	lc.Retry = logging.RetryPolicy{
		MaxAttempts:      p.MaxRetries,
		Backoff:          logging.ExponentialBackoff(p.RetryBackoff, p.RetryMaxBackoff),
		DropOnExhaustion: p.DropOnExhaustion,
	}
	lc.ShutdownRetry.MaxAttempts = p.ShutdownRetries
	lc.SendTimeout = p.SendTimeout
	lc.ShutdownTimeout = p.ShutdownTimeout
	lc.OverflowCapacity = p.OverflowCapacity
	lc.OverflowCooldown = p.OverflowCooldown
	return lc
}

func (c Config) Validate() error {
	var errs []error

	switch c.Transport {
	case TransportLoki:
		if c.Loki.URL == "" {
			errs = append(errs, errors.New("loki url is required"))
		}
	case TransportLoggly:
		if c.Loggly.Token == "" {
			errs = append(errs, errors.New("loggly token is required"))
		}
	case TransportFile:
		if c.File.Path == "" {
			errs = append(errs, errors.New("file path is required"))
		}
	case TransportWebsocket:
		if c.Websocket.URL == "" {
			errs = append(errs, errors.New("websocket url is required"))
		}
	case TransportRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis addr is required"))
		}
	case TransportAMQP:
		if c.AMQP.URL == "" {
			errs = append(errs, errors.New("amqp url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}

	if c.Format != FormatLine && c.Format != FormatJSON {
		errs = append(errs, fmt.Errorf("unknown format %q", c.Format))
	}
	if c.Pipeline.RetryBackoff < 0 || c.Pipeline.RetryMaxBackoff < c.Pipeline.RetryBackoff {
		errs = append(errs, fmt.Errorf("retry backoff %s must not exceed max backoff %s",
			c.Pipeline.RetryBackoff, c.Pipeline.RetryMaxBackoff))
	}
	if err := c.LoggingConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Daemon.Enabled {
		if c.Daemon.LogRootPath == "" {
			errs = append(errs, errors.New("daemon log path is required"))
		}
		if c.Daemon.ScanInterval <= 0 || c.Daemon.ScaleCheckInterval <= 0 {
			errs = append(errs, errors.New("daemon scan and scale check intervals must be positive"))
		}
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseFloat(value, 64); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if result, err := time.ParseDuration(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseBool(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
