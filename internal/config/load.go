package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"vigil/internal/errors"
)

// Option customizes Load behavior.
type Option func(*loadOptions)

type loadOptions struct {
	path      string
	overrides map[string]any
}

// WithPath pins the config file instead of searching default locations.
func WithPath(path string) Option {
	return func(o *loadOptions) { o.path = path }
}

// WithOverride forces a single key to a value, taking precedence over
// file and environment. Keys use dotted viper notation.
func WithOverride(key string, value any) Option {
	return func(o *loadOptions) {
		if o.overrides == nil {
			o.overrides = make(map[string]any)
		}
		o.overrides[key] = value
	}
}

// Load reads configuration from file, environment (VIGIL_ prefix) and
// overrides, fills defaults, and validates the result.
func Load(opts ...Option) (*Config, error) {
	options := loadOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if options.path != "" {
		v.SetConfigFile(options.path)
	} else {
		v.SetConfigName("vigil")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.vigil")
		v.AddConfigPath("/etc/vigil")
	}

	v.SetEnvPrefix("VIGIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// A missing file is fine when no explicit path was given;
		// defaults plus environment still form a runnable config.
		if options.path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(errors.KindValidation, err, "read config")
		}
	}

	for key, value := range options.overrides {
		v.Set(key, value)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "decode config")
	}
	normalize(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate runs struct validation over a config tree.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return errors.Wrap(errors.KindValidation, err, "invalid config")
	}
	if cfg.Pipeline.QueueLowWater >= cfg.Pipeline.QueueHighWater {
		return errors.Validation("pipeline queue_low_water (%d) must be below queue_high_water (%d)",
			cfg.Pipeline.QueueLowWater, cfg.Pipeline.QueueHighWater)
	}
	seen := make(map[string]struct{}, len(cfg.Sources))
	for _, s := range cfg.Sources {
		if _, dup := seen[s.ID]; dup {
			return errors.Validation("duplicate source id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.postgres.max_open_conns", 10)
	v.SetDefault("store.postgres.max_idle_conns", 5)
	v.SetDefault("store.postgres.slow_query_millis", 1000)

	v.SetDefault("index.collection", "regulatory-documents")
	v.SetDefault("index.top_k", 5)
	v.SetDefault("index.score_threshold", 0.7)
	v.SetDefault("index.embedder.kind", "hash")
	v.SetDefault("index.embedder.cache_size", 512)

	v.SetDefault("poller.max_concurrent_workers", 16)
	v.SetDefault("poller.http_timeout_seconds", 30)
	v.SetDefault("poller.degraded_threshold", 5)
	v.SetDefault("poller.stop_grace_seconds", 10)

	v.SetDefault("pipeline.max_file_bytes", 50*1024*1024)
	v.SetDefault("pipeline.download_timeout_seconds", 60)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_high_water", 256)
	v.SetDefault("pipeline.queue_low_water", 64)

	v.SetDefault("scheduler.max_concurrent", 8)
	v.SetDefault("scheduler.tick_seconds", 15)
	v.SetDefault("scheduler.default_timeout_seconds", 300)

	v.SetDefault("workflow.failure_behavior", "stop")
	v.SetDefault("workflow.max_acceptable_failures", 0)
	v.SetDefault("workflow.max_duration_seconds", 0)
	v.SetDefault("workflow.handler_grace_seconds", 5)

	v.SetDefault("orchestrator.default_cooldown_seconds", 60)
	v.SetDefault("orchestrator.similar_top_k", 5)
	v.SetDefault("orchestrator.similar_score_threshold", 0.7)

	v.SetDefault("apm.resource_sample_seconds", 30)
	v.SetDefault("apm.cpu_alert_percent", 80)
	v.SetDefault("apm.memory_alert_percent", 85)
	v.SetDefault("apm.fd_alert_count", 1000)
	v.SetDefault("apm.regression_threshold_pct", 20)
	v.SetDefault("apm.slow_query_millis", 1000)
	v.SetDefault("apm.tracing.exporter", "none")
	v.SetDefault("apm.tracing.sample_rate", 1.0)

	v.SetDefault("dr.backup_validation_cron", "@every 30m")
	v.SetDefault("dr.recovery_test_cron", "@every 24h")
	v.SetDefault("dr.auto_resolve_after_hours", 24)
	v.SetDefault("dr.event_retention", 1000)
	v.SetDefault("dr.backup_stale_grace_factor", 1.0)

	v.SetDefault("notify.sink", "log")
	v.SetDefault("notify.timeout_seconds", 10)
	v.SetDefault("notify.dedup_window_minutes", 60)

	v.SetDefault("ops.enabled", true)
	v.SetDefault("ops.listen_addr", ":9090")
}

func normalize(cfg *Config) {
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	cfg.Index.Embedder.Kind = strings.ToLower(strings.TrimSpace(cfg.Index.Embedder.Kind))
	cfg.Notify.Sink = strings.ToLower(strings.TrimSpace(cfg.Notify.Sink))
	cfg.APM.Tracing.Exporter = strings.ToLower(strings.TrimSpace(cfg.APM.Tracing.Exporter))
	for i := range cfg.Sources {
		cfg.Sources[i].ID = strings.TrimSpace(cfg.Sources[i].ID)
		cfg.Sources[i].Kind = strings.ToLower(strings.TrimSpace(cfg.Sources[i].Kind))
		cfg.Sources[i].Endpoint = strings.TrimSpace(cfg.Sources[i].Endpoint)
	}
	for i := range cfg.DR.Objectives {
		cfg.DR.Objectives[i].Component = strings.TrimSpace(cfg.DR.Objectives[i].Component)
	}
}
