package config

import (
	"fmt"

	"github.com/spf13/viper"
)

const (
	AgentName    = "seetrace"
	AgentVersion = "0.3.0"

	// ContextHeaderName carries "<traceId>/<spanId>;o=<options>" between processes.
	ContextHeaderName = "x-cloud-trace-context"

	// MaxLabelValueSizeCeiling is enforced by the collection service regardless of
	// what the user configures.
	MaxLabelValueSizeCeiling = 16 * 1024
)

// for root
var (
	Debug = false
)

// Behaviors on an uncaught fatal error.
const (
	UncaughtIgnore       = "ignore"
	UncaughtFlush        = "flush"
	UncaughtFlushAndExit = "flushAndExit"
)

// Publisher kinds.
const (
	PublisherHTTP   = "http"
	PublisherOTLP   = "otlp"
	PublisherStdout = "stdout"
	PublisherOlap   = "olap"
)

// Metadata resolver kinds.
const (
	MetadataGCE    = "gce"
	MetadataStatic = "static"
)

// for DB
var (
	// 测试账号
	SEETRACE_DEFAULT_DSN = "root:@tcp(127.0.0.1:9030)/seetrace"

	// DATE6 = "2006-01-02 15:04:05.000000" 的长度
	L_DATE6 = 26
)

type ServiceContext struct {
	Service      string `mapstructure:"service"`
	Version      string `mapstructure:"version"`
	MinorVersion string `mapstructure:"minorVersion"`
}

type PublisherConfig struct {
	Kind           string `mapstructure:"kind"`
	Endpoint       string `mapstructure:"endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
	DSN            string `mapstructure:"dsn"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
}

type MetadataConfig struct {
	Kind       string `mapstructure:"kind"`
	Endpoint   string `mapstructure:"endpoint"`
	Hostname   string `mapstructure:"hostname"`
	InstanceID string `mapstructure:"instanceId"`
}

// Config is the full set of recognized agent options.
type Config struct {
	Enabled                   bool            `mapstructure:"enabled"`
	LogLevel                  int             `mapstructure:"logLevel"`
	SamplingRate              float64         `mapstructure:"samplingRate"`
	IgnoreURLs                []string        `mapstructure:"ignoreUrls"`
	BufferSize                int             `mapstructure:"bufferSize"`
	FlushDelaySeconds         int             `mapstructure:"flushDelaySeconds"`
	StackTraceLimit           int             `mapstructure:"stackTraceLimit"`
	MaximumLabelValueSize     int             `mapstructure:"maximumLabelValueSize"`
	OnUncaughtException       string          `mapstructure:"onUncaughtException"`
	EnhancedDatabaseReporting bool            `mapstructure:"enhancedDatabaseReporting"`
	IgnoreContextHeader       bool            `mapstructure:"ignoreContextHeader"`
	ProjectID                 string          `mapstructure:"projectId"`
	ServiceContext            ServiceContext  `mapstructure:"serviceContext"`
	Publisher                 PublisherConfig `mapstructure:"publisher"`
	Metadata                  MetadataConfig  `mapstructure:"metadata"`

	// ForceNew allows an agent to be started twice, only for tests.
	ForceNew bool `mapstructure:"forceNew"`
}

// Default returns the options applied when nothing else is configured.
func Default() *Config {
	return &Config{
		Enabled:               true,
		LogLevel:              1,
		SamplingRate:          10,
		IgnoreURLs:            []string{"/_ah/health"},
		BufferSize:            1000,
		FlushDelaySeconds:     30,
		StackTraceLimit:       10,
		MaximumLabelValueSize: 512,
		OnUncaughtException:   UncaughtIgnore,
		Publisher: PublisherConfig{
			Kind:           PublisherHTTP,
			Endpoint:       "https://cloudtrace.googleapis.com/v1",
			TimeoutSeconds: 10,
		},
		Metadata: MetadataConfig{
			Kind:     MetadataGCE,
			Endpoint: "http://metadata.google.internal",
		},
	}
}

// Normalize clamps values into their accepted ranges.
func (c *Config) Normalize() {
	if c.LogLevel < 0 {
		c.LogLevel = 0
	} else if c.LogLevel > 4 {
		c.LogLevel = 4
	}
	if c.MaximumLabelValueSize > MaxLabelValueSizeCeiling || c.MaximumLabelValueSize <= 0 {
		c.MaximumLabelValueSize = MaxLabelValueSizeCeiling
	}
	if c.StackTraceLimit < 0 {
		c.StackTraceLimit = 0
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1
	}
	// cron schedules are second-granular
	if c.FlushDelaySeconds < 1 {
		c.FlushDelaySeconds = 1
	}
	if c.Publisher.TimeoutSeconds <= 0 {
		c.Publisher.TimeoutSeconds = 10
	}
}

// Validate reports configuration errors that must stop the agent from starting.
func (c *Config) Validate() error {
	switch c.OnUncaughtException {
	case UncaughtIgnore, UncaughtFlush, UncaughtFlushAndExit:
	default:
		return fmt.Errorf("invalid value for onUncaughtException: %q", c.OnUncaughtException)
	}
	switch c.Publisher.Kind {
	case PublisherHTTP, PublisherOTLP, PublisherStdout, PublisherOlap:
	default:
		return fmt.Errorf("invalid publisher kind: %q", c.Publisher.Kind)
	}
	switch c.Metadata.Kind {
	case MetadataGCE, MetadataStatic:
	default:
		return fmt.Errorf("invalid metadata kind: %q", c.Metadata.Kind)
	}
	return nil
}

// Load builds a Config from defaults, the viper sources and the well-known
// environment variables of the hosting platform.
func Load(vp *viper.Viper) (*Config, error) {
	cfg := Default()
	if vp == nil {
		vp = viper.New()
	}
	bindEnv(vp)
	if err := vp.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if Debug {
		cfg.LogLevel = 4
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// env vars win over the config file, first name wins among aliases
func bindEnv(vp *viper.Viper) {
	_ = vp.BindEnv("projectId", "GCLOUD_PROJECT")
	_ = vp.BindEnv("logLevel", "GCLOUD_TRACE_LOGLEVEL")
	_ = vp.BindEnv("serviceContext.service", "GAE_SERVICE", "GAE_MODULE_NAME")
	_ = vp.BindEnv("serviceContext.version", "GAE_VERSION", "GAE_MODULE_VERSION")
	_ = vp.BindEnv("serviceContext.minorVersion", "GAE_MINOR_VERSION")
}
