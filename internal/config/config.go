package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all service configuration
type Config struct {
	Service  ServiceConfig
	Server   ServerConfig
	GRPC     GRPCConfig
	Database DatabaseConfig
	Storage  StorageConfig
	Sequence SequenceConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Render   RenderConfig
	Auth     AuthConfig
	Finalize FinalizeConfig
	Log      LogConfig
}

// ServiceConfig identifies the running service
type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
}

// GRPCConfig holds gRPC server settings
type GRPCConfig struct {
	Port       int
	Reflection bool
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnTime time.Duration
	MaxIdleTime time.Duration
	HealthCheck time.Duration
	AutoMigrate bool
}

// DSN returns a postgres:// connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// StorageConfig selects and configures the document store backend
type StorageConfig struct {
	Backend      string // fs | s3
	Root         string // filesystem root, must not be publicly served
	Bucket       string
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// SequenceConfig selects the invoice number counter backend
type SequenceConfig struct {
	Backend       string // postgres | redis
	DefaultPrefix string
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NATSConfig holds event publishing settings; an empty URL disables publishing
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// RenderConfig configures the HTML to PDF renderer
type RenderConfig struct {
	Timeout   time.Duration
	ChromeURL string
	NoSandbox bool
}

// AuthConfig configures bearer token verification
type AuthConfig struct {
	JWTSecret    string
	AllowHeaders bool // trust X-Issuer-ID / X-User-ID, development only
	TokenIssuer  string
}

// FinalizeConfig tunes the finalization workflow
type FinalizeConfig struct {
	// AwaitTimeout bounds how long a losing finalize waits for the winner
	AwaitTimeout time.Duration
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string
}

// Load reads configuration. Priority (highest first): AR_* environment
// variables, config.yaml, .env, built-in defaults.
func Load() (*Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ar-invoices")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("AR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "be-ar-invoices")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")

	v.SetDefault("server.port", 8086)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("grpc.port", 9086)
	v.SetDefault("grpc.reflection", true)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.database", "ar_invoices")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_time", time.Hour)
	v.SetDefault("database.max_idle_time", 30*time.Minute)
	v.SetDefault("database.health_check", time.Minute)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("storage.backend", "fs")
	v.SetDefault("storage.root", "/var/lib/ar-invoices/documents")
	v.SetDefault("storage.region", "eu-west-3")
	v.SetDefault("storage.use_path_style", true)

	v.SetDefault("sequence.backend", "postgres")
	v.SetDefault("sequence.default_prefix", "FAC")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.subject_prefix", "invoices")

	v.SetDefault("render.timeout", 30*time.Second)
	v.SetDefault("render.no_sandbox", false)

	v.SetDefault("auth.allow_headers", false)

	v.SetDefault("finalize.await_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        v.GetString("service.name"),
			Version:     v.GetString("service.version"),
			Environment: v.GetString("service.environment"),
		},
		Server: ServerConfig{
			Port:            v.GetInt("server.port"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			IdleTimeout:     v.GetDuration("server.idle_timeout"),
			RequestTimeout:  v.GetDuration("server.request_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
			CORSOrigins:     v.GetStringSlice("server.cors_origins"),
		},
		GRPC: GRPCConfig{
			Port:       v.GetInt("grpc.port"),
			Reflection: v.GetBool("grpc.reflection"),
		},
		Database: DatabaseConfig{
			Host:        v.GetString("database.host"),
			Port:        v.GetInt("database.port"),
			User:        v.GetString("database.user"),
			Password:    v.GetString("database.password"),
			Database:    v.GetString("database.database"),
			SSLMode:     v.GetString("database.sslmode"),
			MaxConns:    v.GetInt32("database.max_conns"),
			MinConns:    v.GetInt32("database.min_conns"),
			MaxConnTime: v.GetDuration("database.max_conn_time"),
			MaxIdleTime: v.GetDuration("database.max_idle_time"),
			HealthCheck: v.GetDuration("database.health_check"),
			AutoMigrate: v.GetBool("database.auto_migrate"),
		},
		Storage: StorageConfig{
			Backend:      v.GetString("storage.backend"),
			Root:         v.GetString("storage.root"),
			Bucket:       v.GetString("storage.bucket"),
			Endpoint:     v.GetString("storage.endpoint"),
			Region:       v.GetString("storage.region"),
			AccessKey:    v.GetString("storage.access_key"),
			SecretKey:    v.GetString("storage.secret_key"),
			UsePathStyle: v.GetBool("storage.use_path_style"),
		},
		Sequence: SequenceConfig{
			Backend:       v.GetString("sequence.backend"),
			DefaultPrefix: v.GetString("sequence.default_prefix"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		NATS: NATSConfig{
			URL:           v.GetString("nats.url"),
			SubjectPrefix: v.GetString("nats.subject_prefix"),
		},
		Render: RenderConfig{
			Timeout:   v.GetDuration("render.timeout"),
			ChromeURL: v.GetString("render.chrome_url"),
			NoSandbox: v.GetBool("render.no_sandbox"),
		},
		Auth: AuthConfig{
			JWTSecret:    v.GetString("auth.jwt_secret"),
			AllowHeaders: v.GetBool("auth.allow_headers"),
			TokenIssuer:  v.GetString("auth.token_issuer"),
		},
		Finalize: FinalizeConfig{
			AwaitTimeout: v.GetDuration("finalize.await_timeout"),
		},
		Log: LogConfig{
			Level: v.GetString("log.level"),
		},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "fs":
		if c.Storage.Root == "" {
			return fmt.Errorf("storage.root is required for the fs backend")
		}
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}

	switch c.Sequence.Backend {
	case "postgres", "redis":
	default:
		return fmt.Errorf("unknown sequence.backend %q", c.Sequence.Backend)
	}

	if c.Render.Timeout <= 0 {
		return fmt.Errorf("render.timeout must be positive")
	}
	if c.Auth.JWTSecret == "" && !c.Auth.AllowHeaders {
		return fmt.Errorf("auth.jwt_secret is required unless auth.allow_headers is enabled")
	}
	return nil
}
