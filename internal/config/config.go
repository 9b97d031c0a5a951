package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// NATS configuration
	NATS NATSConfig

	// Observability configuration
	Observability ObservabilityConfig

	// Storage configuration (cloudoffline adapter's S3-compatible bucket)
	Storage StorageConfig

	// Download holds per-adapter downloader tuning knobs.
	Download DownloadConfig

	// Scheduler holds the supervisor and subscription worker's tick intervals.
	Scheduler SchedulerConfig
}

// AdapterConfig tunes one registered downloader adapter.
type AdapterConfig struct {
	Enabled                bool
	Priority               int
	RetryMinInterval       time.Duration
	RetryMaxInterval       time.Duration
	DownloadTimeout        time.Duration
	MaxRetryCount          int
	DeleteTaskOnCompletion bool
	DownloadDir            string
}

// DownloadConfig holds every adapter's connection details and tuning
// knobs, plus the engine-wide defaults new adapters fall back to.
type DownloadConfig struct {
	NativeBT    AdapterConfig
	DataDir     string
	QBittorrent struct {
		AdapterConfig
		BaseURL  string
		Username string
		Password string
	}
	Transmission struct {
		AdapterConfig
		Address     string
		Username    string
		Password    string
		DownloadDir string
	}
	Alist struct {
		AdapterConfig
		BaseURL   string
		Token     string
		TargetDir string
	}
	CloudOffline struct {
		AdapterConfig
		Bucket string
	}
}

// SchedulerConfig tunes the Supervisor's background loops.
type SchedulerConfig struct {
	RetryTickInterval time.Duration
	ReconcileInterval time.Duration
	CollectInterval   time.Duration
	MetadataInterval  time.Duration
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	GRPCPort     int
	HTTPPort     int
	Environment  string
	ServiceName  string
	LogLevel     string
	ShutdownTime time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// NATSConfig holds NATS configuration. Enabled keeps the in-process
// InMemoryEventBus as the engine's own bus and additionally relays
// TaskUpdated/Subscribed/Unsubscribed/EpisodeDownloaded notifications
// onto a NATS-backed bus (pkg/events.NATSEventBus) so they reach other
// processes.
type NATSConfig struct {
	Enabled       bool
	URL           string
	Subject       string
	ClusterID     string
	ClientID      string
	DurableName   string
	MaxReconnect  int
	ReconnectWait time.Duration
}

// ObservabilityConfig holds observability configuration
type ObservabilityConfig struct {
	TracingEnabled    bool
	TracingEndpoint   string
	MetricsEnabled    bool
	MetricsPort       int
	LogLevel          string
	LogFormat         string // json or text
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type      string // local, s3, minio
	LocalPath string
	S3Config  S3Config
}

// S3Config holds S3/MinIO configuration
type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	UseSSL          bool
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			GRPCPort:     getEnvAsInt("GRPC_PORT", 9090),
			HTTPPort:     getEnvAsInt("HTTP_PORT", 8080),
			Environment:  getEnv("ENVIRONMENT", "development"),
			ServiceName:  serviceName,
			LogLevel:     getEnv("LOG_LEVEL", "info"),
			ShutdownTime: getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "fetchd"),
			Password:     getEnv("DB_PASSWORD", "fetchd"),
			Database:     getEnv("DB_NAME", "fetchd"),
			SSLMode:      getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			MaxLifetime:  getEnvAsDuration("DB_MAX_LIFETIME", 5*time.Minute),
		},
		NATS: NATSConfig{
			Enabled:       getEnvAsBool("NATS_ENABLED", false),
			URL:           getEnv("NATS_URL", "nats://localhost:4222"),
			Subject:       getEnv("NATS_SUBJECT", "fetchd.events"),
			ClusterID:     getEnv("NATS_CLUSTER_ID", "fetchd-cluster"),
			ClientID:      fmt.Sprintf("%s-%s", serviceName, getEnv("HOSTNAME", "local")),
			DurableName:   fmt.Sprintf("%s-durable", serviceName),
			MaxReconnect:  getEnvAsInt("NATS_MAX_RECONNECT", 60),
			ReconnectWait: getEnvAsDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		},
		Observability: ObservabilityConfig{
			TracingEnabled:  getEnvAsBool("TRACING_ENABLED", true),
			TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4317"),
			MetricsEnabled:  getEnvAsBool("METRICS_ENABLED", true),
			MetricsPort:     getEnvAsInt("METRICS_PORT", 9091),
			LogLevel:        getEnv("LOG_LEVEL", "info"),
			LogFormat:       getEnv("LOG_FORMAT", "json"),
		},
		Storage: StorageConfig{
			Type:      getEnv("STORAGE_TYPE", "local"),
			LocalPath: getEnv("STORAGE_LOCAL_PATH", "/var/fetchd/media"),
			S3Config: S3Config{
				Endpoint:        getEnv("S3_ENDPOINT", ""),
				AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
				SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
				Bucket:          getEnv("S3_BUCKET", "fetchd-media"),
				Region:          getEnv("S3_REGION", "us-east-1"),
				UseSSL:          getEnvAsBool("S3_USE_SSL", true),
			},
		},
		Download: DownloadConfig{
			NativeBT: loadAdapterConfig("NATIVEBT", true, 10),
			DataDir:  getEnv("NATIVEBT_DATA_DIR", "/var/fetchd/torrents"),
		},
		Scheduler: SchedulerConfig{
			RetryTickInterval: getEnvAsDuration("SCHEDULER_RETRY_TICK_INTERVAL", 30*time.Second),
			ReconcileInterval: getEnvAsDuration("SCHEDULER_RECONCILE_INTERVAL", time.Minute),
			CollectInterval:   getEnvAsDuration("SCHEDULER_COLLECT_INTERVAL", 30*time.Minute),
			MetadataInterval:  getEnvAsDuration("SCHEDULER_METADATA_INTERVAL", 24*time.Hour),
		},
	}

	cfg.Download.QBittorrent.AdapterConfig = loadAdapterConfig("QBITTORRENT", false, 5)
	cfg.Download.QBittorrent.BaseURL = getEnv("QBITTORRENT_BASE_URL", "http://localhost:8081")
	cfg.Download.QBittorrent.Username = getEnv("QBITTORRENT_USERNAME", "admin")
	cfg.Download.QBittorrent.Password = getEnv("QBITTORRENT_PASSWORD", "")

	cfg.Download.Transmission.AdapterConfig = loadAdapterConfig("TRANSMISSION", false, 5)
	cfg.Download.Transmission.Address = getEnv("TRANSMISSION_ADDRESS", "http://localhost:9091/transmission/rpc")
	cfg.Download.Transmission.Username = getEnv("TRANSMISSION_USERNAME", "")
	cfg.Download.Transmission.Password = getEnv("TRANSMISSION_PASSWORD", "")
	cfg.Download.Transmission.DownloadDir = getEnv("TRANSMISSION_DOWNLOAD_DIR", "")

	cfg.Download.Alist.AdapterConfig = loadAdapterConfig("ALIST", false, 1)
	cfg.Download.Alist.BaseURL = getEnv("ALIST_BASE_URL", "")
	cfg.Download.Alist.Token = getEnv("ALIST_TOKEN", "")
	cfg.Download.Alist.TargetDir = getEnv("ALIST_TARGET_DIR", "/")

	cfg.Download.CloudOffline.AdapterConfig = loadAdapterConfig("CLOUDOFFLINE", false, 1)
	cfg.Download.CloudOffline.Bucket = getEnv("CLOUDOFFLINE_BUCKET", "fetchd-offline")

	return cfg, nil
}

// loadAdapterConfig reads the common AdapterConfig knobs for one
// downloader adapter, namespaced by prefix (e.g. "QBITTORRENT" reads
// QBITTORRENT_ENABLED, QBITTORRENT_PRIORITY, …).
func loadAdapterConfig(prefix string, defaultEnabled bool, defaultPriority int) AdapterConfig {
	return AdapterConfig{
		Enabled:                getEnvAsBool(prefix+"_ENABLED", defaultEnabled),
		Priority:               getEnvAsInt(prefix+"_PRIORITY", defaultPriority),
		RetryMinInterval:       getEnvAsDuration(prefix+"_RETRY_MIN_INTERVAL", 30*time.Second),
		RetryMaxInterval:       getEnvAsDuration(prefix+"_RETRY_MAX_INTERVAL", 30*time.Minute),
		DownloadTimeout:        getEnvAsDuration(prefix+"_DOWNLOAD_TIMEOUT", 2*time.Hour),
		MaxRetryCount:          getEnvAsInt(prefix+"_MAX_RETRY_COUNT", 5),
		DeleteTaskOnCompletion: getEnvAsBool(prefix+"_DELETE_TASK_ON_COMPLETION", false),
		DownloadDir:            getEnv(prefix+"_DOWNLOAD_DIR", ""),
	}
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	strValue := getEnv(key, "")
	if strValue == "" {
		return defaultValue
	}
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	strValue := getEnv(key, "")
	if strValue == "" {
		return defaultValue
	}
	if value, err := strconv.ParseBool(strValue); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if strValue == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return defaultValue
}

// DSN returns the database connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode)
}