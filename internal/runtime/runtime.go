package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/szaher/phoneagent/internal/adapters"
	_ "github.com/szaher/phoneagent/internal/adapters/adb"
	_ "github.com/szaher/phoneagent/internal/adapters/static"
	"github.com/szaher/phoneagent/internal/auth"
	"github.com/szaher/phoneagent/internal/controller"
	"github.com/szaher/phoneagent/internal/discovery"
	"github.com/szaher/phoneagent/internal/events"
	"github.com/szaher/phoneagent/internal/memory"
	"github.com/szaher/phoneagent/internal/process"
	"github.com/szaher/phoneagent/internal/router"
	"github.com/szaher/phoneagent/internal/secrets"
	"github.com/szaher/phoneagent/internal/state"
	"github.com/szaher/phoneagent/internal/telemetry"
)

// shutdownGrace bounds Run's own shutdown once its context is cancelled.
const shutdownGrace = 10 * time.Second

// Runtime manages the full lifecycle of the service.
type Runtime struct {
	config     *Config
	logger     *slog.Logger
	redactor   *secrets.RedactFilter
	metrics    *telemetry.Metrics
	bus        *events.Bus
	devices    *discovery.Registry
	scheduler  *discovery.Scheduler
	controller *controller.Controller
	server     *Server
	ledger     state.Backend
	credFile   *secrets.FileStore

	watchCancel context.CancelFunc
	watchDone   chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

// Options overrides the components New would otherwise build from config.
type Options struct {
	Logger *slog.Logger
	// Redactor, when set, learns every credential so logs never carry it.
	Redactor    *secrets.RedactFilter
	Spawner     process.Spawner
	Enumerator  discovery.Enumerator
	Credentials secrets.Store
	Ledger      state.Backend
	// ServerKey overrides the control API key read from server.api_key_env.
	ServerKey string
}

// New builds the runtime from cfg. Nothing runs until Start.
func New(cfg *Config, opts Options) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rt := &Runtime{
		config:   cfg,
		logger:   logger,
		redactor: opts.Redactor,
		metrics:  telemetry.NewMetrics(),
		bus:      events.NewBus(),
	}
	rt.metrics.ObserveDroppedEvents(rt.bus.Dropped)

	enumerator := opts.Enumerator
	if enumerator == nil {
		var err error
		enumerator, err = adapters.New(cfg.Discovery.Enumerator, cfg.EnumeratorConfig())
		if err != nil {
			return nil, fmt.Errorf("create enumerator: %w", err)
		}
	}
	rt.devices = discovery.NewRegistry(enumerator,
		discovery.WithLogger(logger),
		discovery.WithEmitter(rt.bus),
		discovery.WithMetrics(rt.metrics),
	)
	rt.scheduler = discovery.NewScheduler(rt.devices, cfg.Discovery.Interval, cfg.Discovery.Timeout, logger)

	credentials := opts.Credentials
	if credentials == nil {
		path, err := cfg.CredentialsPath()
		if err != nil {
			return nil, err
		}
		rt.credFile = secrets.NewFileStore(path)
		credentials = secrets.Chain{secrets.NewEnvStore(cfg.Credentials.EnvVar), rt.credFile}
	}

	rt.ledger = opts.Ledger
	if rt.ledger == nil {
		path, err := cfg.LedgerPath()
		if err != nil {
			return nil, err
		}
		rt.ledger = state.NewLocalBackend(path)
	}

	classifier, err := buildClassifier(cfg.Router, logger)
	if err != nil {
		return nil, err
	}

	spawner := opts.Spawner
	if spawner == nil {
		spawner = process.NewExecSpawner(cfg.Agent.Allowlist, logger)
	}

	rt.controller, err = controller.New(controller.Options{
		Spawner:       spawner,
		Launch:        cfg.LaunchConfig(),
		Credentials:   credentials,
		Devices:       rt.devices,
		Transcript:    memory.NewTranscript(cfg.Session.MaxEntries),
		Classifier:    classifier,
		Emitter:       rt.bus,
		Metrics:       rt.metrics,
		Ledger:        rt.ledger,
		Logger:        logger,
		SendTimeout:   cfg.Session.SendTimeout,
		SettleTimeout: cfg.Session.SettleTimeout,
	})
	if err != nil {
		return nil, err
	}

	serverKey := opts.ServerKey
	if serverKey == "" {
		serverKey = auth.KeyFromEnv(cfg.Server.APIKeyEnv)
	}
	switch {
	case cfg.Server.NoAuth:
		logger.Warn("control API starting WITHOUT authentication (server.no_auth is set)")
	case serverKey == "":
		logger.Warn("no control API key configured: all API requests will be rejected", "env", cfg.Server.APIKeyEnv)
	}
	rt.remember(serverKey)

	rt.server = NewServer(rt.controller, rt.devices, rt.bus,
		WithAPIKey(serverKey),
		WithNoAuth(cfg.Server.NoAuth),
		WithLogger(logger),
		WithMetrics(rt.metrics),
	)
	return rt, nil
}

// buildClassifier drops the configured prompt prefixes and, when set, lines
// matching the drop rule.
func buildClassifier(cfg RouterConfig, logger *slog.Logger) (router.Classifier, error) {
	chain := router.Chain{router.NewPrefixClassifier(cfg.PromptPrefixes...)}
	if cfg.DropRule != "" {
		rule, err := router.NewExprClassifier(cfg.DropRule, logger)
		if err != nil {
			return nil, fmt.Errorf("router.drop_rule: %w", err)
		}
		chain = append(chain, rule)
	}
	return chain, nil
}

// Start reaps agents orphaned by a previous run, performs the first device
// refresh, schedules the rest and starts watching the credentials file.
func (rt *Runtime) Start(ctx context.Context) error {
	if n, err := state.Reap(rt.ledger, rt.logger); err != nil {
		rt.logger.Warn("reap orphaned agents failed", "error", err)
	} else if n > 0 {
		rt.logger.Info("reaped orphaned agents", "count", n)
	}

	if err := rt.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}

	if rt.credFile != nil {
		if key, err := rt.credFile.Get(ctx); err == nil {
			rt.remember(key)
		}
		watchCtx, cancel := context.WithCancel(ctx)
		rt.watchCancel = cancel
		rt.watchDone = make(chan struct{})
		go func() {
			defer close(rt.watchDone)
			if err := rt.credFile.Watch(watchCtx, rt.logger, rt.credentialChanged); err != nil {
				rt.logger.Warn("credential watch stopped", "error", err)
			}
		}()
	}
	return nil
}

func (rt *Runtime) credentialChanged(key string) {
	rt.remember(key)
	rt.logger.Info("agent credential changed", "configured", key != "")
	rt.bus.Emit(events.New(events.CredentialChanged, "").WithData("configured", key != ""))
}

func (rt *Runtime) remember(secret string) {
	if rt.redactor != nil && secret != "" {
		rt.redactor.AddSecret(secret)
	}
}

// Run starts the runtime and serves the control API until ctx is done,
// then shuts everything down.
func (rt *Runtime) Run(ctx context.Context) error {
	if err := rt.Start(ctx); err != nil {
		_ = rt.Shutdown(context.Background())
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := rt.server.ListenAndServe(rt.config.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve control API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return rt.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops the API, discovery and the credential watch, then tears
// down every agent session. It is safe to call more than once.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.shutdownOnce.Do(func() {
		rt.logger.Info("shutting down")
		var errs []error
		if err := rt.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
		}
		rt.scheduler.Stop()
		if rt.watchCancel != nil {
			rt.watchCancel()
			<-rt.watchDone
		}
		if err := rt.controller.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown controller: %w", err))
		}
		rt.bus.Close()
		rt.shutdownErr = errors.Join(errs...)
	})
	return rt.shutdownErr
}

// Controller returns the session controller.
func (rt *Runtime) Controller() *controller.Controller { return rt.controller }

// Devices returns the device registry.
func (rt *Runtime) Devices() *discovery.Registry { return rt.devices }

// Bus returns the event bus observers subscribe to.
func (rt *Runtime) Bus() *events.Bus { return rt.bus }

// Server returns the control API server.
func (rt *Runtime) Server() *Server { return rt.server }

// Metrics returns the service metrics.
func (rt *Runtime) Metrics() *telemetry.Metrics { return rt.metrics }
