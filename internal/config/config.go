// Package config loads and validates jenkins-dump configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/jenkins-dump/internal/crawler"
)

// EnvPrefix prefixes every environment override, e.g. JENKINS_DUMP_JENKINS_PASSWORD.
const EnvPrefix = "JENKINS_DUMP"

// Storage providers.
const (
	ProviderLocal  = "local"
	ProviderGCS    = "gcs"
	ProviderMemory = "memory"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Jenkins JenkinsConfig `mapstructure:"jenkins"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	Output  OutputConfig  `mapstructure:"output"`
	Storage StorageConfig `mapstructure:"storage"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// JenkinsConfig identifies the server and the credential pair.
type JenkinsConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Insecure bool   `mapstructure:"insecure"`
}

// HTTPConfig configures the Jenkins HTTP client.
type HTTPConfig struct {
	UserAgent      string  `mapstructure:"user_agent"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// CrawlConfig governs the job walk and the build dump.
type CrawlConfig struct {
	JobConcurrency   int  `mapstructure:"job_concurrency"`
	BuildConcurrency int  `mapstructure:"build_concurrency"`
	LastOnly         bool `mapstructure:"last_only"`
	FailFast         bool `mapstructure:"fail_fast"`
	Recover          bool `mapstructure:"recover"`
}

// OutputConfig sets where dumps are written and where a jobs snapshot is read.
type OutputConfig struct {
	Dir string `mapstructure:"dir"`
	// JobsFile is a jobs.json to read instead of crawling.
	JobsFile string `mapstructure:"jobs_file"`
}

// StorageConfig selects the artifact backend.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for build notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig toggles the status server. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	Verbose     bool `mapstructure:"verbose"`
}

// FlagKeys maps command-line flag names onto configuration keys.
var FlagKeys = map[string]string{
	"username": "jenkins.username",
	"password": "jenkins.password",
	"insecure": "jenkins.insecure",
	"recover":  "crawl.recover",
	"last":     "crawl.last_only",
	"output":   "output.dir",
	"jobs":     "output.jobs_file",
	"verbose":  "logging.verbose",
}

// LoadOptions controls Load.
type LoadOptions struct {
	// Path is an optional config file.
	Path string
	// Flags are bound through FlagKeys; only flags set on the command line
	// override file and environment values.
	Flags *pflag.FlagSet
	// Overrides are applied last, e.g. positional arguments.
	Overrides map[string]any
}

// Load builds a Config from defaults, file, environment, flags and overrides.
func Load(opts LoadOptions) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if opts.Path != "" {
		v.SetConfigFile(opts.Path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if opts.Flags != nil {
		for name, key := range FlagKeys {
			if flag := opts.Flags.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}
	for key, value := range opts.Overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("jenkins.url", "")
	v.SetDefault("jenkins.username", "")
	v.SetDefault("jenkins.password", "")
	v.SetDefault("jenkins.insecure", false)
	v.SetDefault("http.user_agent", "jenkins-dump/1.0")
	v.SetDefault("http.timeout_seconds", 60)
	v.SetDefault("http.rate_limit_rps", 0)
	v.SetDefault("http.rate_limit_burst", 1)
	v.SetDefault("crawl.job_concurrency", 16)
	v.SetDefault("crawl.build_concurrency", 20)
	v.SetDefault("crawl.last_only", false)
	v.SetDefault("crawl.fail_fast", false)
	v.SetDefault("crawl.recover", false)
	v.SetDefault("output.dir", "dumps")
	v.SetDefault("output.jobs_file", "")
	v.SetDefault("storage.provider", ProviderLocal)
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.verbose", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Jenkins.URL == "" {
		return fmt.Errorf("jenkins.url is required")
	}
	u, err := url.Parse(c.Jenkins.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("jenkins.url must be an absolute http(s) url, got %q", c.Jenkins.URL)
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.RateLimitRPS < 0 {
		return fmt.Errorf("http.rate_limit_rps must be >= 0")
	}
	if c.Crawl.JobConcurrency <= 0 {
		return fmt.Errorf("crawl.job_concurrency must be > 0")
	}
	if c.Crawl.BuildConcurrency <= 0 {
		return fmt.Errorf("crawl.build_concurrency must be > 0")
	}
	switch c.Storage.Provider {
	case ProviderLocal:
		if strings.TrimSpace(c.Output.Dir) == "" {
			return fmt.Errorf("output.dir is required for the local storage provider")
		}
	case ProviderGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs storage provider")
		}
	case ProviderMemory:
	default:
		return fmt.Errorf("storage.provider must be one of local, gcs, memory; got %q", c.Storage.Provider)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// Timeout is the per-request HTTP timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// Policy is the build selection policy implied by crawl.last_only.
func (c Config) Policy() crawler.BuildPolicy {
	return crawler.PolicyFor(c.Crawl.LastOnly)
}
