// Package config loads process configuration from the environment.
package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/delaywatch"
)

// Config is the hosting-process configuration. Zero values mean "use the
// library default".
type Config struct {
	PrimaryDSN  string
	MirrorDSNs  []string
	RunStoreDSN string
	QueueDSN    string

	TaskQueue string
	Namespace string
	BuildID   string

	GoogleMapsAPIKey  string
	MapboxAccessToken string
	OpenAIAPIKey      string
	OpenAIModel       string

	SESFromEmail     string
	AWSRegion        string
	SNSSenderID      string
	KafkaBrokers     string
	KafkaNotifyTopic string

	HTTPAddr        string
	MetricsAddr     string
	UnlimitedCutoff time.Duration
	SignalPoll      time.Duration

	WorkerConcurrency int
	WorkerAttempts    int
	WorkerBackoff     time.Duration

	// RecoverOnStart resumes RUNNING runs at startup. Only one process per
	// run store should do this.
	RecoverOnStart bool

	LogLevel slog.Level
}

// Load reads Config from the environment. Malformed numeric or duration
// values are logged and replaced by their fallback.
func Load() Config {
	return Config{
		PrimaryDSN:  envOr("DELAYWATCH_PRIMARY_DSN", "sqlite://delaywatch.db"),
		MirrorDSNs:  splitCSV(os.Getenv("DELAYWATCH_MIRROR_DSNS")),
		RunStoreDSN: envOr("DELAYWATCH_RUNSTORE_DSN", "sqlite://delaywatch-runs.db"),
		QueueDSN:    envOr("DELAYWATCH_QUEUE_DSN", "sqlite://delaywatch-queue.db"),

		TaskQueue: envOr("DELAYWATCH_TASK_QUEUE", "delivery-monitoring"),
		Namespace: envOr("DELAYWATCH_NAMESPACE", "default"),
		BuildID:   envOr("DELAYWATCH_BUILD_ID", "dev"),

		GoogleMapsAPIKey:  strings.TrimSpace(os.Getenv("GOOGLE_MAPS_API_KEY")),
		MapboxAccessToken: strings.TrimSpace(os.Getenv("MAPBOX_ACCESS_TOKEN")),
		OpenAIAPIKey:      strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIModel:       strings.TrimSpace(os.Getenv("OPENAI_MODEL")),

		SESFromEmail:     strings.TrimSpace(os.Getenv("SES_FROM_EMAIL")),
		AWSRegion:        strings.TrimSpace(os.Getenv("AWS_REGION")),
		SNSSenderID:      strings.TrimSpace(os.Getenv("SNS_SENDER_ID")),
		KafkaBrokers:     strings.TrimSpace(os.Getenv("KAFKA_BROKERS")),
		KafkaNotifyTopic: envOr("KAFKA_NOTIFY_TOPIC", "delivery-notifications"),

		HTTPAddr:        envOr("DELAYWATCH_HTTP_ADDR", ":8080"),
		MetricsAddr:     strings.TrimSpace(os.Getenv("DELAYWATCH_METRICS_ADDR")),
		UnlimitedCutoff: durationEnv("DELAYWATCH_UNLIMITED_CUTOFF", 0),
		SignalPoll:      durationEnv("DELAYWATCH_SIGNAL_POLL", 0),

		WorkerConcurrency: intEnv("DELAYWATCH_WORKER_CONCURRENCY", 4),
		WorkerAttempts:    intEnv("DELAYWATCH_WORKER_ATTEMPTS", 0),
		WorkerBackoff:     durationEnv("DELAYWATCH_WORKER_BACKOFF", 0),
		RecoverOnStart:    boolEnv("DELAYWATCH_RECOVER_ON_START", true),

		LogLevel: levelEnv("LOG_LEVEL", slog.LevelInfo),
	}
}

// Logger returns a JSON logger at the configured level, tagged with the
// namespace and task queue.
func (c Config) Logger(w io.Writer) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: c.LogLevel})
	return slog.New(h).With(
		slog.String("namespace", c.Namespace),
		slog.String("task_queue", c.TaskQueue),
	)
}

// Options converts the configuration into delaywatch.Options.
func (c Config) Options(logger *slog.Logger) delaywatch.Options {
	return delaywatch.Options{
		PrimaryDSN:        c.PrimaryDSN,
		MirrorDSNs:        c.MirrorDSNs,
		RunStoreDSN:       c.RunStoreDSN,
		QueueDSN:          c.QueueDSN,
		BuildID:           c.BuildID,
		GoogleMapsAPIKey:  c.GoogleMapsAPIKey,
		MapboxAccessToken: c.MapboxAccessToken,
		OpenAIAPIKey:      c.OpenAIAPIKey,
		OpenAIModel:       c.OpenAIModel,
		AWSRegion:         c.AWSRegion,
		SESFromEmail:      c.SESFromEmail,
		SNSSenderID:       c.SNSSenderID,
		KafkaBrokers:      c.KafkaBrokers,
		KafkaNotifyTopic:  c.KafkaNotifyTopic,
		UnlimitedCutoff:   c.UnlimitedCutoff,
		SignalPoll:        c.SignalPoll,
		WorkerAttempts:    c.WorkerAttempts,
		WorkerBackoff:     c.WorkerBackoff,
		Logger:            logger,
	}
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("config_invalid_value", slog.String("key", name), slog.String("value", raw), slog.Int("fallback", fallback))
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("config_invalid_value", slog.String("key", name), slog.String("value", raw), slog.Duration("fallback", fallback))
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("config_invalid_value", slog.String("key", name), slog.String("value", raw), slog.Bool("fallback", fallback))
		return fallback
	}
	return value
}

func levelEnv(name string, fallback slog.Level) slog.Level {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		slog.Warn("config_invalid_value", slog.String("key", name), slog.String("value", raw), slog.String("fallback", fallback.String()))
		return fallback
	}
	return level
}
