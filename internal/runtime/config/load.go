package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment variable, e.g. PREDICTFLOW_QUEUE_NAME.
const EnvPrefix = "PREDICTFLOW"

// legacyEnv lists unprefixed variables still honoured for older deployments.
var legacyEnv = map[string][]string{
	"queue_name": {"QUEUENAME"},
}

// RegisterFlags adds one flag per configuration key, using the defaults as
// flag defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "optional YAML configuration file")
	fs.String("queue_name", d.QueueName, "work queue name")
	fs.String("broker_host", d.BrokerHost, "RabbitMQ host")
	fs.Int("broker_port", d.BrokerPort, "RabbitMQ port")
	fs.String("broker_user", d.BrokerUser, "RabbitMQ user")
	fs.String("broker_password", d.BrokerPassword, "RabbitMQ password")
	fs.String("broker_vhost", d.BrokerVHost, "RabbitMQ virtual host")
	fs.String("broker_url", "", "full AMQP URL, overrides host/port/credentials")
	fs.Int("prefetch_count", d.PrefetchCount, "maximum unacknowledged deliveries")
	fs.String("publisher", d.Publisher, "producer publisher: rabbitmq or channel")
	fs.String("codec", d.Codec, "message codec: json or protowire")
	fs.String("sink_kind", d.SinkKind, "record sink: csv, postgres or sqlite")
	fs.String("sink_path", d.SinkPath, "CSV output file")
	fs.String("sink_dsn", "", "database DSN for SQL sinks")
	fs.Bool("sink_fsync", d.SinkFsync, "fsync the CSV file after every row")
	fs.String("poison_queue", "", `dead-letter queue (default "<queue>.poison", "-" disables)`)
	fs.Int("max_delivery_attempts", d.MaxDeliveryAttempts, "attempts before an undecodable message is dead-lettered")
	fs.Int("retry_max_retries", d.RetryMaxRetries, "sink write retries per message")
	fs.Duration("retry_initial_interval", d.RetryInitialInterval, "initial retry backoff")
	fs.Duration("retry_max_interval", d.RetryMaxInterval, "maximum retry backoff")
	fs.Duration("drain_timeout", d.DrainTimeout, "time to wait for in-flight tasks on shutdown")
	fs.String("http_address", d.HTTPAddress, "producer listen address")
	fs.String("ops_address", d.OpsAddress, "consumer health/stats/metrics listen address")
	fs.Bool("metrics_enabled", d.MetricsEnabled, "expose Prometheus metrics")
	fs.StringSlice("cors_allowed_origins", nil, "origins allowed to call the stats API")
	fs.String("log_format", d.LogFormat, "log format: json, text or logrus")
	fs.String("log_level", d.LogLevel, "log level")
}

// Load resolves the configuration from flags, environment variables and the
// optional file named by the "config" flag, in that order of precedence.
func Load(v *viper.Viper, fs *pflag.FlagSet) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		args := append([]string{key, EnvPrefix + "_" + strings.ToUpper(key)}, names...)
		if err := v.BindEnv(args...); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
