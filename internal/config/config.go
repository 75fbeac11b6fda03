package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	Server        struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	NATS struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"nats"`
	Queue struct {
		// Driver is "redis" or "nats".
		Driver       string `mapstructure:"driver"`
		Workers      int    `mapstructure:"workers"`
		Attempts     int    `mapstructure:"attempts"`
		BackoffMS    int    `mapstructure:"backoff_ms"`
		MaxBackoffMS int    `mapstructure:"max_backoff_ms"`
	} `mapstructure:"queue"`
	Engine struct {
		MaxDepth            int  `mapstructure:"max_depth"`
		PartialOnTruncation bool `mapstructure:"partial_on_truncation"`
		HTTPTimeoutSeconds  int  `mapstructure:"http_timeout_seconds"`
		DispatchPoolSize    int  `mapstructure:"dispatch_pool_size"`
	} `mapstructure:"engine"`
	AI struct {
		OpenAI struct {
			APIKey  string `mapstructure:"api_key"`
			BaseURL string `mapstructure:"base_url"`
			Model   string `mapstructure:"model"`
		} `mapstructure:"openai"`
		Gemini struct {
			APIKey string `mapstructure:"api_key"`
			Model  string `mapstructure:"model"`
		} `mapstructure:"gemini"`
	} `mapstructure:"ai"`
	Messaging struct {
		URL   string `mapstructure:"url"`
		Token string `mapstructure:"token"`
	} `mapstructure:"messaging"`
	MLSidecar struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"ml_sidecar"`
	Auth struct {
		OktaDomain      string `mapstructure:"okta_domain"`
		ClientID        string `mapstructure:"client_id"`
		ClientSecret    string `mapstructure:"client_secret"`
		RedirectURL     string `mapstructure:"redirect_url"`
		SwaggerClientID string `mapstructure:"swagger_client_id"`
	} `mapstructure:"auth"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Telemetry struct {
		ServiceName string `mapstructure:"service_name"`
	} `mapstructure:"telemetry"`
}

// HTTPTimeout is the default timeout of outbound calls made by nodes.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Engine.HTTPTimeoutSeconds) * time.Second
}

// Backoff returns the base and maximum queue retry delays.
func (c *Config) Backoff() (time.Duration, time.Duration) {
	return time.Duration(c.Queue.BackoffMS) * time.Millisecond, time.Duration(c.Queue.MaxBackoffMS) * time.Millisecond
}

// LoadConfig loads the configuration from a file and the environment. An
// empty path searches for config.yaml in the working directory and ./config;
// a missing file is not an error so the service can run on environment
// variables alone (AUTOMATION_DB_HOST and so on).
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("AUTOMATION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// normalize OKTA issuer url (strip trailing slash if any)
	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "DEV")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.name", "automation")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("queue.driver", "redis")
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.attempts", 3)
	v.SetDefault("queue.backoff_ms", 1000)
	v.SetDefault("queue.max_backoff_ms", 60000)
	v.SetDefault("engine.max_depth", 50)
	v.SetDefault("engine.http_timeout_seconds", 30)
	v.SetDefault("engine.dispatch_pool_size", 16)
	v.SetDefault("ai.openai.model", "gpt-4o-mini")
	v.SetDefault("ai.gemini.model", "gemini-1.5-flash")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("telemetry.service_name", "automation-engine")
}

// normalizeOktaIssuer ensures the provided Okta issuer string is in a
// predictable form. It removes any trailing slash and leaves the scheme and
// path intact.
func normalizeOktaIssuer(input string) string {
	iss := strings.TrimSpace(input)
	return strings.TrimRight(iss, "/")
}
