// Package orchestrator assembles the bot session orchestrator from its
// configuration and runs it: the HTTP surface (admin API and observer
// websocket), the gateway event loop and the periodic jobs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/jurisbot/internal/admin"
	"github.com/stellarlinkco/jurisbot/internal/broadcast"
	"github.com/stellarlinkco/jurisbot/internal/bus"
	"github.com/stellarlinkco/jurisbot/internal/catalog"
	"github.com/stellarlinkco/jurisbot/internal/channel"
	"github.com/stellarlinkco/jurisbot/internal/config"
	"github.com/stellarlinkco/jurisbot/internal/conversation"
	"github.com/stellarlinkco/jurisbot/internal/credit"
	"github.com/stellarlinkco/jurisbot/internal/cron"
	"github.com/stellarlinkco/jurisbot/internal/identity"
	"github.com/stellarlinkco/jurisbot/internal/llm"
	"github.com/stellarlinkco/jurisbot/internal/pacing"
	"github.com/stellarlinkco/jurisbot/internal/session"
	"github.com/stellarlinkco/jurisbot/internal/store"
)

const (
	JobSnapshot    = "status-snapshot"
	JobCreditAudit = "credit-audit"

	shutdownTimeout = 10 * time.Second
)

// Channel is a messaging gateway the orchestrator owns.
type Channel interface {
	session.Gateway
	Close() error
}

type ChannelFactory func(cfg config.WhatsAppConfig, b *bus.MessageBus, logger *zap.Logger) (Channel, error)

func DefaultChannelFactory(cfg config.WhatsAppConfig, b *bus.MessageBus, logger *zap.Logger) (Channel, error) {
	return channel.NewWhatsApp(cfg, b, logger)
}

type Options struct {
	ChannelFactory ChannelFactory
	Logger         *zap.Logger
	// Listener replaces listening on the configured address.
	Listener   net.Listener
	SignalChan chan os.Signal // for testing signal handling
}

type Orchestrator struct {
	cfg    *config.Config
	logger *zap.Logger

	bus         *bus.MessageBus
	store       store.Store
	identity    *identity.JWTProvider
	credits     credit.Allocator
	redis       redis.UniversalClient
	channel     Channel
	registry    *session.Registry
	broadcaster *broadcast.Broadcaster
	cron        *cron.Service
	server      *http.Server

	listener   net.Listener
	signalChan chan os.Signal
	closeOnce  sync.Once
	closeErr   error
}

func New(ctx context.Context, cfg *config.Config, opts Options) (*Orchestrator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return nil, errors.New("auth.jwtSecret is required (or set JURISBOT_JWT_SECRET)")
	}

	cat, err := loadCatalog(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	profile, err := cfg.Pacing.Profile()
	if err != nil {
		return nil, fmt.Errorf("pacing profile: %w", err)
	}

	o := &Orchestrator{
		cfg:        cfg,
		logger:     logger.Named("orchestrator"),
		listener:   opts.Listener,
		signalChan: opts.SignalChan,
	}

	o.store, err = store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	o.identity = identity.NewJWTProvider(cfg.Auth.JWTSecret, o.store)

	if err := o.initCredits(ctx); err != nil {
		o.store.Close()
		return nil, err
	}

	o.bus = bus.NewMessageBus(cfg.Session.BusSize)
	factory := opts.ChannelFactory
	if factory == nil {
		factory = DefaultChannelFactory
	}
	o.channel, err = factory(cfg.WhatsApp, o.bus, logger)
	if err != nil {
		o.closeBackends()
		return nil, fmt.Errorf("create channel: %w", err)
	}

	classifier, composer := languageCollaborators(cfg, cat)
	o.broadcaster = broadcast.New(cfg.Broadcast.ObserverBuffer, logger)
	o.registry = session.New(session.Deps{
		Store:      o.store,
		Credits:    o.credits,
		Gateway:    o.channel,
		Catalog:    cat,
		Classifier: classifier,
		Composer:   composer,
		Pacer:      pacing.NewEngine(profile, pacing.WithLogger(logger.Named("pacing"))),
		Publisher:  o.broadcaster,
	},
		session.WithReconnectGrace(cfg.Session.ReconnectGrace.Duration),
		session.WithLogger(logger))

	o.cron = cron.NewService(logger)
	if err := o.registerJobs(); err != nil {
		o.closeBackends()
		return nil, err
	}

	o.server = &http.Server{
		Addr:              cfg.Gateway.Addr(),
		Handler:           o.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return o, nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return catalog.Default()
	}
	return catalog.LoadFile(path)
}

// languageCollaborators picks model-backed collaborators when a provider is
// configured and the deterministic ones otherwise.
func languageCollaborators(cfg *config.Config, cat *catalog.Catalog) (conversation.Classifier, llm.Composer) {
	provider := llm.NewProvider(cfg)
	if provider == nil {
		return llm.NewKeywordClassifier(cat), llm.TemplateComposer{}
	}
	return llm.NewModelClassifier(provider, cat, cfg.Provider.MaxTokens),
		llm.NewModelComposer(provider, cfg.Provider.MaxTokens)
}

func (o *Orchestrator) initCredits(ctx context.Context) error {
	switch strings.ToLower(o.cfg.Credits.Backend) {
	case "", "memory":
		o.credits = credit.NewMemoryAllocator(o.identity)
		return nil
	case "redis":
		opt, err := redis.ParseURL(o.cfg.Credits.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return fmt.Errorf("ping redis: %w", err)
		}
		o.redis = rdb
		o.credits = credit.NewRedisAllocator(rdb, o.identity, o.cfg.Credits.Prefix)
		return nil
	}
	return fmt.Errorf("unknown credit backend %q", o.cfg.Credits.Backend)
}

func (o *Orchestrator) registerJobs() error {
	snapshot := o.cfg.Broadcast.SnapshotSchedule
	if snapshot == "" {
		snapshot = config.DefaultSnapshotCron
	}
	audit := o.cfg.Credits.AuditSchedule
	if audit == "" {
		audit = config.DefaultAuditCron
	}
	if err := o.cron.Add(cron.Job{Name: JobSnapshot, Schedule: snapshot, Run: o.publishSnapshots}); err != nil {
		return err
	}
	return o.cron.Add(cron.Job{Name: JobCreditAudit, Schedule: audit, Run: o.auditCredits})
}

// Handler serves the admin API under /api and the observer websocket at /ws.
func (o *Orchestrator) Handler() http.Handler {
	router := mux.NewRouter()
	router.Handle("/ws", o.broadcaster.Handler(o.identity, o.registry))
	api := router.PathPrefix("/api").Subrouter()
	admin.NewHandler(o.registry, o.store, o.identity, o.logger).RegisterRoutes(api)
	return router
}

func (o *Orchestrator) Registry() *session.Registry { return o.registry }

func (o *Orchestrator) Store() store.Store { return o.store }

func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := o.registry.Restore(ctx); err != nil {
		o.logger.Warn("restore sessions failed", zap.Error(err))
	}
	if err := o.cron.Start(ctx); err != nil {
		o.logger.Warn("cron start failed", zap.Error(err))
	}

	ln := o.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", o.server.Addr)
		if err != nil {
			o.Shutdown()
			return fmt.Errorf("listen %s: %w", o.server.Addr, err)
		}
	}

	sigCh := o.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := o.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		o.dispatch(gctx)
		return nil
	})
	g.Go(func() error {
		select {
		case <-sigCh:
			o.logger.Info("shutting down")
		case <-gctx.Done():
		}
		cancel()
		return o.Shutdown()
	})

	o.logger.Info("running", zap.String("addr", ln.Addr().String()))
	return g.Wait()
}

// dispatch hands gateway events to the registry's per-session queues until
// ctx is done.
func (o *Orchestrator) dispatch(ctx context.Context) {
	for {
		select {
		case evt := <-o.bus.Events:
			o.logger.Debug("gateway event",
				zap.String("kind", string(evt.Kind)),
				zap.String("session", evt.SessionID))
			o.registry.Dispatch(evt)
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) publishSnapshots(ctx context.Context) error {
	for _, tenant := range o.registry.Tenants() {
		o.broadcaster.Publish(o.registry.Snapshot(tenant))
	}
	return nil
}

// auditCredits retries lease releases that failed earlier and checks that
// the allocator still holds every lease this replica's sessions hold. Leases
// of other replicas sharing the allocator are not this replica's concern.
func (o *Orchestrator) auditCredits(ctx context.Context) error {
	parked, err := o.registry.RetryReleases(ctx)
	if err != nil {
		o.logger.Warn("parked lease releases failed", zap.Int("parked", parked), zap.Error(err))
	}
	lost, err := o.registry.AuditLeases(ctx)
	if err != nil {
		return fmt.Errorf("audit leases: %w", err)
	}
	if len(lost) > 0 {
		o.logger.Warn("credit ledger mismatch",
			zap.Strings("sessions", lost),
			zap.Any("held", o.registry.Leases()))
		return fmt.Errorf("credit ledger mismatch: allocator lost the leases of %s", strings.Join(lost, ", "))
	}
	if parked > 0 {
		return fmt.Errorf("%d lease releases still pending", parked)
	}
	return nil
}

// Shutdown stops every component in reverse dependency order. It is safe
// to call more than once.
func (o *Orchestrator) Shutdown() error {
	o.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		o.cron.Stop()
		o.broadcaster.Close()
		if err := o.server.Shutdown(ctx); err != nil {
			o.logger.Warn("http shutdown", zap.Error(err))
		}
		if err := o.registry.Shutdown(ctx); err != nil {
			o.closeErr = errors.Join(o.closeErr, err)
		}
		o.closeBackends()
		o.logger.Info("stopped")
	})
	return o.closeErr
}

func (o *Orchestrator) closeBackends() {
	if o.channel != nil {
		if err := o.channel.Close(); err != nil {
			o.closeErr = errors.Join(o.closeErr, fmt.Errorf("close channel: %w", err))
		}
	}
	if o.redis != nil {
		if err := o.redis.Close(); err != nil {
			o.closeErr = errors.Join(o.closeErr, fmt.Errorf("close redis: %w", err))
		}
	}
	if o.store != nil {
		if err := o.store.Close(); err != nil {
			o.closeErr = errors.Join(o.closeErr, fmt.Errorf("close store: %w", err))
		}
	}
}
