package authpipe

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MrEthical07/authpipe/audit"
	"github.com/MrEthical07/authpipe/authapi"
	"github.com/MrEthical07/authpipe/gateway"
	"github.com/MrEthical07/authpipe/metrics"
	"github.com/MrEthical07/authpipe/monitor"
	"github.com/MrEthical07/authpipe/stepup"
	"github.com/MrEthical07/authpipe/store"
	"github.com/MrEthical07/authpipe/tenant"
)

// Builder assembles a [Pipeline]. A Builder is single-use.
type Builder struct {
	config     Config
	kv         store.KV
	redis      redis.UniversalClient
	httpClient *http.Client
	logger     *zap.Logger
	auditSink  audit.Sink
	notifier   monitor.Notifier
	now        func() time.Time

	built bool
}

// New returns a Builder holding [DefaultConfig].
func New() *Builder {
	return &Builder{config: DefaultConfig()}
}

// WithConfig replaces the configuration with a copy of cfg.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithBaseURL sets Config.BaseURL.
func (b *Builder) WithBaseURL(u string) *Builder {
	b.config.BaseURL = u
	return b
}

// WithKV stores credentials in kv. It takes precedence over WithRedis.
func (b *Builder) WithKV(kv store.KV) *Builder {
	b.kv = kv
	return b
}

// WithRedis stores credentials in Redis under Config.Store.RedisPrefix.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithHTTPClient sets the client used for network I/O, including refresh.
func (b *Builder) WithHTTPClient(c *http.Client) *Builder {
	b.httpClient = c
	return b
}

func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// WithAuditSink enables audit delivery to sink through an async dispatcher.
func (b *Builder) WithAuditSink(sink audit.Sink) *Builder {
	b.auditSink = sink
	b.config.Audit.Enabled = sink != nil
	return b
}

// WithNotifier receives idle warnings and session-end notices.
func (b *Builder) WithNotifier(n monitor.Notifier) *Builder {
	b.notifier = n
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// WithClock overrides time.Now for the gateway and the idle monitor.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build validates the configuration and wires the pipeline. It performs
// no network I/O.
func (b *Builder) Build() (*Pipeline, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := b.httpClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	// -------- CREDENTIAL STORE --------
	kv := b.kv
	if kv == nil && b.redis != nil {
		kv = store.NewRedisKV(b.redis, cfg.Store.RedisPrefix, cfg.Store.RedisTTL)
	}
	if kv == nil {
		kv = store.NewMemoryKV()
	}
	creds := store.NewCredentials(kv, cfg.Store.Keys)

	// -------- OBSERVABILITY --------
	m := metrics.New(cfg.Metrics)
	dispatcher := audit.NewDispatcher(cfg.Audit, b.auditSink)
	var sink audit.Sink
	if dispatcher != nil {
		sink = dispatcher
	}

	// -------- AUTH API --------
	// The refresh client talks to the network directly; everything else
	// goes through the gateway.
	direct, err := authapi.NewClient(cfg.BaseURL, httpClient, cfg.Paths)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:        cfg,
		log:        logger.Named("pipeline"),
		creds:      creds,
		resolver:   tenant.NewResolver(cfg.Tenant),
		metrics:    m,
		dispatcher: dispatcher,
		audit:      sink,
		notifier:   b.notifier,
		hub:        monitor.NewHub(),
		ctx:        ctx,
		cancel:     cancel,
	}

	// -------- GATEWAY --------
	gw, err := gateway.New(gateway.Options{
		Config:         cfg.Gateway,
		Credentials:    creds,
		Resolver:       p.resolver,
		Refresher:      direct,
		Next:           httpClient,
		Logger:         logger,
		Metrics:        m,
		Audit:          sink,
		OnSessionEnded: p.sessionEnded,
		Now:            b.now,
	})
	if err != nil {
		cancel()
		dispatcher.Close()
		return nil, err
	}
	p.gateway = gw

	p.api, err = authapi.NewClient(cfg.BaseURL, gw, cfg.Paths)
	if err != nil {
		cancel()
		dispatcher.Close()
		return nil, err
	}

	// -------- STEP-UP --------
	p.stepup, err = stepup.New(stepup.Options{
		Config:  cfg.StepUp,
		API:     p.api,
		Logger:  logger,
		Metrics: m,
		Audit:   sink,
	})
	if err != nil {
		cancel()
		dispatcher.Close()
		return nil, err
	}

	// -------- IDLE MONITOR --------
	if cfg.Monitor.Enabled {
		p.monitor, err = monitor.New(monitor.Options{
			Config:     cfg.Monitor.Config,
			Notifier:   b.notifier,
			Terminator: idleTerminator{p: p},
			Refresher:  gw,
			Logger:     logger,
			Metrics:    m,
			Audit:      sink,
			Now:        b.now,
		})
		if err != nil {
			cancel()
			dispatcher.Close()
			return nil, err
		}
		p.monitor.Attach(p.hub)
	}

	b.built = true
	return p, nil
}
