// Package agent composes the job store, polling engine, retention sweeper
// and status server into one long-running process.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/parsekit/internal/config"
	"github.com/3leaps/parsekit/internal/server"
	"github.com/3leaps/parsekit/internal/server/handlers"
	"github.com/3leaps/parsekit/pkg/archive"
	"github.com/3leaps/parsekit/pkg/deviceid"
	"github.com/3leaps/parsekit/pkg/jobstore"
	"github.com/3leaps/parsekit/pkg/metrics"
	"github.com/3leaps/parsekit/pkg/poller"
	"github.com/3leaps/parsekit/pkg/retention"
	"github.com/3leaps/parsekit/pkg/settings"
	"github.com/3leaps/parsekit/pkg/submit"
	"github.com/3leaps/parsekit/pkg/transport"
)

// ErrPollerStopped is reported by the poller health check.
var ErrPollerStopped = errors.New("poller is not running")

// Option configures an Agent.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	version   string
	store     jobstore.Store
	settings  settings.Provider
	processor poller.Processor
	archiver  archive.Archiver
}

// WithLogger sets the agent logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithVersion sets the version reported by the status server and sent
// in the transport User-Agent.
func WithVersion(version string) Option {
	return func(o *options) { o.version = version }
}

// WithStore uses store instead of opening the configured database. The
// agent takes ownership and closes it on Stop.
func WithStore(store jobstore.Store) Option {
	return func(o *options) { o.store = store }
}

// WithSettings overrides the settings provider.
func WithSettings(p settings.Provider) Option {
	return func(o *options) { o.settings = p }
}

// WithProcessor replaces the HTTP transport.
func WithProcessor(p poller.Processor) Option {
	return func(o *options) { o.processor = p }
}

// WithArchiver replaces the configured S3 archiver.
func WithArchiver(a archive.Archiver) Option {
	return func(o *options) { o.archiver = a }
}

// Agent owns every long-running component.
type Agent struct {
	cfg      *config.Config
	logger   *zap.Logger
	clientID string

	store     *jobstore.Observed
	engine    *poller.Engine
	sweeper   *retention.Sweeper
	submitter *submit.Submitter
	health    *handlers.HealthManager
	server    *server.Server

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	serveCh chan error
}

// New builds an agent from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Agent, error) {
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	clientID, err := deviceid.ClientID(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("device identity: %w", err)
	}

	inner := o.store
	if inner == nil {
		inner, err = jobstore.OpenSQLite(ctx, cfg.LocalDB())
		if err != nil {
			return nil, err
		}
	}
	store := jobstore.NewObserved(inner, o.logger.Named("store"))

	provider := o.settings
	if provider == nil {
		provider = settingsFor(cfg)
	}

	processor := o.processor
	if processor == nil {
		processor = transport.New(provider, cfg.TransportConfig("parsekit/"+o.version),
			transport.WithLogger(o.logger.Named("transport")))
	}

	engine := poller.New(store, processor, cfg.EngineConfig(), poller.WithLogger(o.logger.Named("poller")))

	archiver := o.archiver
	if archiver == nil && cfg.Archive.Enabled {
		s3, err := archive.New(ctx, cfg.Archive.Config)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		archiver = s3
	}
	sweepOpts := []retention.Option{retention.WithLogger(o.logger.Named("retention"))}
	if archiver != nil {
		sweepOpts = append(sweepOpts, retention.WithArchiver(archiver))
	}
	sweeper := retention.New(store, cfg.SweeperConfig(), sweepOpts...)

	a := &Agent{
		cfg:      cfg,
		logger:   o.logger,
		clientID: clientID,
		store:    store,
		engine:   engine,
		sweeper:  sweeper,
	}

	a.submitter = submit.New(store, clientID,
		submit.WithSettings(provider),
		submit.WithLogger(o.logger.Named("submit")),
		submit.WithNotify(func(int64) { engine.Wake() }),
	)

	a.health = handlers.NewHealthManager(o.version)
	if cfg.Health.Enabled {
		a.health.RegisterChecker("store", handlers.HealthCheckerFunc(a.checkStore))
		if cfg.Poller.Enabled {
			a.health.RegisterChecker("poller", handlers.HealthCheckerFunc(a.checkPoller))
		}
	}

	if cfg.Server.Enabled {
		a.server = server.New(cfg.Server.Host, cfg.Server.Port,
			server.WithLogger(o.logger.Named("server")),
			server.WithJobs(store, store),
			server.WithMetrics(cfg.Metrics.Enabled),
			server.WithHealthManager(a.health),
			server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		)
	}

	return a, nil
}

// settingsFor reads remote settings from the loaded viper instance so file
// edits apply live. Configs built without Load get a private instance.
func settingsFor(cfg *config.Config) settings.Provider {
	if v := config.Viper(); v != nil {
		return settings.NewViper(v)
	}
	v := viper.New()
	v.Set(settings.KeyBaseURL, cfg.Remote.BaseURL)
	v.Set(settings.KeyPublicKey, cfg.Remote.PublicKey)
	v.Set(settings.KeyPublicKeyPath, cfg.Remote.PublicKeyPath)
	return settings.NewViper(v)
}

// ClientID is this device's client id.
func (a *Agent) ClientID() string { return a.clientID }

// Store is the observed job store.
func (a *Agent) Store() *jobstore.Observed { return a.store }

// Submitter queues jobs and wakes the engine.
func (a *Agent) Submitter() *submit.Submitter { return a.submitter }

// Engine is the polling engine.
func (a *Agent) Engine() *poller.Engine { return a.engine }

// Health is the health manager behind the status server's probes.
func (a *Agent) Health() *handlers.HealthManager { return a.health }

// Server is the status server, or nil when disabled.
func (a *Agent) Server() *server.Server { return a.server }

// Run starts the agent and blocks until ctx ends or SIGINT/SIGTERM
// arrives, then stops it.
func (a *Agent) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutdown requested")
	case serveErr = <-a.serveCh:
		a.logger.Error("Status server failed", zap.Error(serveErr))
	}

	return errors.Join(serveErr, a.Stop())
}

// Start launches every enabled component. It returns once they are running.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.serveCh = make(chan error, 1)

	a.logger.Info("Agent starting",
		zap.String("client_id", a.clientID),
		zap.Bool("poller", a.cfg.Poller.Enabled),
		zap.Bool("retention", a.cfg.Retention.Enabled),
		zap.Bool("server", a.server != nil))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.trackStatusCounts(runCtx)
	}()

	if a.cfg.Poller.Enabled {
		a.engine.Start(runCtx)
	}

	if a.cfg.Retention.Enabled {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.sweeper.Run(runCtx)
		}()
	}

	if a.server != nil {
		go func() {
			if err := a.server.Start(); err != nil {
				a.serveCh <- err
			}
		}()
	}
	return nil
}

// Stop shuts down the server, the engine and the sweeper, then closes the
// store. A status write in progress completes first.
func (a *Agent) Stop() error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	var errs []error
	if a.server != nil && cancel != nil {
		ctx, done := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown status server: %w", err))
		}
		done()
	}

	a.engine.Stop()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()

	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	a.logger.Info("Agent stopped")
	return errors.Join(errs...)
}

// trackStatusCounts keeps the jobs_by_status gauge in step with the store.
func (a *Agent) trackStatusCounts(ctx context.Context) {
	for snap := range a.store.Observe(ctx) {
		counts := jobstore.CountByStatus(snap)
		for _, st := range jobstore.Statuses {
			metrics.UpdateJobsByStatus(string(st), counts[st])
		}
	}
}

func (a *Agent) checkStore(ctx context.Context) error {
	_, err := a.store.ListByStatus(ctx, jobstore.StatusPending)
	return err
}

func (a *Agent) checkPoller(context.Context) error {
	if !a.engine.Running() {
		return ErrPollerStopped
	}
	_, err := a.engine.LastRun()
	if err != nil && transport.IsConfigError(err) {
		return err
	}
	return nil
}
