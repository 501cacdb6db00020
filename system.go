package delaywatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/petrijr/delaywatch/internal/activity"
	"github.com/petrijr/delaywatch/internal/chain"
	"github.com/petrijr/delaywatch/internal/engine"
	"github.com/petrijr/delaywatch/internal/message"
	"github.com/petrijr/delaywatch/internal/metrics"
	"github.com/petrijr/delaywatch/internal/notify"
	"github.com/petrijr/delaywatch/internal/persistence"
	"github.com/petrijr/delaywatch/internal/taskqueue"
	"github.com/petrijr/delaywatch/internal/textgen"
	"github.com/petrijr/delaywatch/internal/traffic"
	"github.com/petrijr/delaywatch/pkg/api"
	workerpkg "github.com/petrijr/delaywatch/pkg/worker"
)

// Options configures Open. DSNs default to memory://. Providers whose
// credentials are empty are left out of their chain; every chain still ends
// in its offline fallback (synthetic traffic, template text, mock sender).
type Options struct {
	PrimaryDSN  string
	MirrorDSNs  []string
	RunStoreDSN string
	QueueDSN    string

	BuildID string

	GoogleMapsAPIKey  string
	MapboxAccessToken string
	OpenAIAPIKey      string
	OpenAIModel       string

	AWSRegion        string
	SESFromEmail     string
	SNSSenderID      string
	KafkaBrokers     string
	KafkaNotifyTopic string

	UnlimitedCutoff time.Duration
	SignalPoll      time.Duration

	WorkerAttempts int
	WorkerBackoff  time.Duration

	// Observer receives engine events in addition to logging and metrics.
	Observer api.Observer
	Clock    api.Clock
	Logger   *slog.Logger
}

// System wires persistence, provider chains, the engine, a task queue and
// a worker consuming it.
type System struct {
	Engine      *engine.Engine
	Persistence *persistence.Persistence
	Queue       taskqueue.Queue
	Worker      *workerpkg.Worker
	Metrics     *metrics.Metrics

	relay  *notify.KafkaRelay
	logger *slog.Logger
}

// Open builds a System from opts. Anything opened before a failure is
// closed again.
func Open(ctx context.Context, opts Options) (*System, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts.PrimaryDSN = orMemory(opts.PrimaryDSN)
	opts.RunStoreDSN = orMemory(opts.RunStoreDSN)
	opts.QueueDSN = orMemory(opts.QueueDSN)

	m := metrics.New()
	chainOpts := []chain.Option{chain.WithLogger(logger), chain.WithAttemptHook(m.AttemptHook())}

	trafficChain, err := trafficProviders(opts, chainOpts)
	if err != nil {
		return nil, err
	}
	notifyChain, relay, err := notifyProviders(ctx, opts, chainOpts)
	if err != nil {
		return nil, err
	}
	textChain := textgen.NewChain([]textgen.Provider{
		textgen.NewOpenAI(textgen.OpenAIConfig{APIKey: opts.OpenAIAPIKey, Model: opts.OpenAIModel, Priority: 1}),
	}, chainOpts...)

	p, err := persistence.Open(ctx, opts.PrimaryDSN, opts.MirrorDSNs, opts.RunStoreDSN, logger)
	if err != nil {
		_ = relay.Close()
		return nil, err
	}
	q, err := taskqueue.Open(ctx, opts.QueueDSN)
	if err != nil {
		_ = p.Close()
		_ = relay.Close()
		return nil, fmt.Errorf("open task queue: %w", err)
	}

	acts := activity.New(activity.Config{
		Data:     p.Data,
		Traffic:  trafficChain,
		Composer: message.NewComposer(textChain),
		Notify:   notifyChain,
		Clock:    opts.Clock,
		Logger:   logger,
	})
	eng, err := engine.New(engine.Config{
		Persistence:     p,
		Activities:      acts,
		Observer:        api.NewCompositeObserver(api.NewLoggingObserver(logger), m, opts.Observer),
		Clock:           opts.Clock,
		Logger:          logger,
		BuildID:         opts.BuildID,
		UnlimitedCutoff: opts.UnlimitedCutoff,
		SignalPoll:      opts.SignalPoll,
	})
	if err != nil {
		_ = q.Close()
		_ = p.Close()
		_ = relay.Close()
		return nil, err
	}

	w := workerpkg.NewWithConfig(eng, q, workerpkg.Config{
		MaxAttempts: opts.WorkerAttempts,
		Backoff:     opts.WorkerBackoff,
		Logger:      logger,
	})

	return &System{
		Engine:      eng,
		Persistence: p,
		Queue:       q,
		Worker:      w,
		Metrics:     m,
		relay:       relay,
		logger:      logger,
	}, nil
}

// Close stops local runs at their last checkpoint and closes the queue, the
// stores and the Kafka writer. Runs left RUNNING are picked up by Recover on
// the next start.
func (s *System) Close(ctx context.Context) error {
	shutdownErr := s.Engine.Shutdown(ctx)
	if shutdownErr != nil {
		s.logger.WarnContext(ctx, "shutdown_incomplete", slog.Any("error", shutdownErr))
	}
	var relayErr error
	if s.relay != nil {
		relayErr = s.relay.Close()
	}
	return errors.Join(shutdownErr, s.Queue.Close(), s.Persistence.Close(), relayErr)
}

func orMemory(dsn string) string {
	if dsn == "" {
		return "memory://"
	}
	return dsn
}

func trafficProviders(opts Options, chainOpts []chain.Option) (*traffic.Chain, error) {
	google, err := traffic.NewGoogleMaps(opts.GoogleMapsAPIKey, 1)
	if err != nil {
		return nil, err
	}
	return traffic.NewChain([]traffic.Provider{
		google,
		traffic.NewMapbox(opts.MapboxAccessToken, "", 2),
	}, chainOpts...), nil
}

// notifyProviders also returns the Kafka relay, which owns a writer the
// System must close.
func notifyProviders(ctx context.Context, opts Options, chainOpts []chain.Option) (*notify.Chain, *notify.KafkaRelay, error) {
	var providers []notify.Provider
	if opts.SESFromEmail != "" || opts.SNSSenderID != "" {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if opts.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(opts.AWSRegion))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		if opts.SESFromEmail != "" {
			providers = append(providers, notify.NewSES(awsCfg, opts.SESFromEmail, 1))
		}
		if opts.SNSSenderID != "" {
			providers = append(providers, notify.NewSNS(awsCfg, opts.SNSSenderID, 1))
		}
	}
	relay := notify.NewKafkaRelay(opts.KafkaBrokers, opts.KafkaNotifyTopic, 5)
	providers = append(providers, relay)
	return notify.NewChain(providers, chainOpts...), relay, nil
}
