package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Salesforce SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
	Export     ExportConfig     `yaml:"export" mapstructure:"export"`
	Publish    PublishConfig    `yaml:"publish" mapstructure:"publish"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// FetchConfig configures HTTP source acquisition and PDF extraction.
type FetchConfig struct {
	TimeoutSecs   int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRedirects  int     `yaml:"max_redirects" mapstructure:"max_redirects"`
	MaxBodyMB     int     `yaml:"max_body_mb" mapstructure:"max_body_mb"`
	UserAgent     string  `yaml:"user_agent" mapstructure:"user_agent"`
	PerHostRPS    float64 `yaml:"per_host_rps" mapstructure:"per_host_rps"`
	PerHostBurst  int     `yaml:"per_host_burst" mapstructure:"per_host_burst"`
	RetryAttempts int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	PdfToTextPath string  `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
}

// WorkerConfig configures the job worker loop and durable retry limits.
type WorkerConfig struct {
	SleepSecs         int    `yaml:"sleep_secs" mapstructure:"sleep_secs"`
	Concurrency       int    `yaml:"concurrency" mapstructure:"concurrency"`
	JobMaxAttempts    int    `yaml:"job_max_attempts" mapstructure:"job_max_attempts"`
	StepMaxAttempts   int    `yaml:"step_max_attempts" mapstructure:"step_max_attempts"`
	SourceMaxAttempts int    `yaml:"source_max_attempts" mapstructure:"source_max_attempts"`
	ID                string `yaml:"id" mapstructure:"id"`
}

// IngestConfig configures list-file ingestion sources.
type IngestConfig struct {
	FTP FTPConfig `yaml:"ftp" mapstructure:"ftp"`
}

// FTPConfig holds credentials for ftp:// list sources.
type FTPConfig struct {
	User        string `yaml:"user" mapstructure:"user"`
	Password    string `yaml:"password" mapstructure:"password"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// NotionConfig holds Notion API credentials and database IDs.
type NotionConfig struct {
	Token      string `yaml:"token" mapstructure:"token"`
	ProspectDB string `yaml:"prospect_db" mapstructure:"prospect_db"`
}

// SalesforceConfig holds Salesforce JWT auth settings.
type SalesforceConfig struct {
	ClientID string `yaml:"client_id" mapstructure:"client_id"`
	Username string `yaml:"username" mapstructure:"username"`
	KeyPath  string `yaml:"key_path" mapstructure:"key_path"`
	LoginURL string `yaml:"login_url" mapstructure:"login_url"`
}

// ExportConfig configures ranked prospect export output.
type ExportConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// PublishConfig tunes retry and circuit breaking for publish sinks.
type PublishConfig struct {
	RetryAttempts    int `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoffMs   int `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	BreakerThreshold int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// ServerConfig configures the read-only HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_redirects", 5)
	v.SetDefault("fetch.max_body_mb", 10)
	v.SetDefault("fetch.user_agent", "research-pipeline/1.0")
	v.SetDefault("fetch.per_host_rps", 2.0)
	v.SetDefault("fetch.per_host_burst", 4)
	v.SetDefault("fetch.retry_attempts", 2)
	v.SetDefault("fetch.pdftotext_path", "pdftotext")
	v.SetDefault("worker.sleep_secs", 5)
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.job_max_attempts", 10)
	v.SetDefault("worker.step_max_attempts", 5)
	v.SetDefault("worker.source_max_attempts", 3)
	v.SetDefault("ingest.ftp.user", "anonymous")
	v.SetDefault("ingest.ftp.password", "anonymous")
	v.SetDefault("ingest.ftp.timeout_secs", 30)
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("export.dir", "exports")
	v.SetDefault("publish.retry_attempts", 3)
	v.SetDefault("publish.retry_backoff_ms", 500)
	v.SetDefault("publish.breaker_threshold", 5)
	v.SetDefault("publish.breaker_reset_secs", 30)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the fields required for the given mode are present
// and within bounds. Mode is one of "worker", "serve", "export", "notion",
// "salesforce". All problems are reported at once.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "worker":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
		if c.Worker.JobMaxAttempts < 1 || c.Worker.JobMaxAttempts > 100 {
			problems = append(problems, "worker.job_max_attempts must be between 1 and 100")
		}
		if c.Worker.StepMaxAttempts < 1 || c.Worker.StepMaxAttempts > 100 {
			problems = append(problems, "worker.step_max_attempts must be between 1 and 100")
		}
		if c.Worker.SourceMaxAttempts < 1 || c.Worker.SourceMaxAttempts > 100 {
			problems = append(problems, "worker.source_max_attempts must be between 1 and 100")
		}
		if c.Worker.Concurrency < 1 || c.Worker.Concurrency > 64 {
			problems = append(problems, "worker.concurrency must be between 1 and 64")
		}
		if c.Fetch.TimeoutSecs < 1 || c.Fetch.TimeoutSecs > 300 {
			problems = append(problems, "fetch.timeout_secs must be between 1 and 300")
		}
		if c.Fetch.MaxBodyMB < 1 {
			problems = append(problems, "fetch.max_body_mb must be >= 1")
		}
	case "serve":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "export":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
		if c.Export.Dir == "" {
			problems = append(problems, "export.dir is required")
		}
	case "notion":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
		if c.Notion.Token == "" {
			problems = append(problems, "notion.token is required")
		}
		if c.Notion.ProspectDB == "" {
			problems = append(problems, "notion.prospect_db is required")
		}
	case "salesforce":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
		if c.Salesforce.ClientID == "" {
			problems = append(problems, "salesforce.client_id is required")
		}
		if c.Salesforce.Username == "" {
			problems = append(problems, "salesforce.username is required")
		}
		if c.Salesforce.KeyPath == "" {
			problems = append(problems, "salesforce.key_path is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
