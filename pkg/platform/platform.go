package platform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq" // postgres driver
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-experience/pkg/background"
	"github.com/txn2/mcp-experience/pkg/database/migrate"
	"github.com/txn2/mcp-experience/pkg/embedding"
	"github.com/txn2/mcp-experience/pkg/health"
	"github.com/txn2/mcp-experience/pkg/metrics"
	"github.com/txn2/mcp-experience/pkg/protocol"
	"github.com/txn2/mcp-experience/pkg/ranking"
	"github.com/txn2/mcp-experience/pkg/session"
	"github.com/txn2/mcp-experience/pkg/toolkits/experience"
	"github.com/txn2/mcp-experience/pkg/transport"
)

// MCPPath is where the MCP endpoint is mounted.
const MCPPath = "/mcp"

const readHeaderTimeout = 10 * time.Second

// Platform is the assembled experience server.
type Platform struct {
	config *Config
	logger *slog.Logger
	clock  clockwork.Clock

	lifecycle *Lifecycle

	// Storage
	db     *sql.DB
	ownsDB bool
	repo   experience.Repository

	// Core components
	embeddings *embedding.Service
	queue      *background.Queue
	sessions   *session.MemoryStore
	toolkit    *experience.Toolkit
	dispatcher *protocol.Dispatcher
	transport  *transport.Handler

	// Operations
	metrics *metrics.Metrics
	health  *health.Checker
	handler http.Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	served   chan struct{}
	serveErr error
}

// New creates a new platform instance. Nothing is started until Start.
func New(opts ...Option) (*Platform, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	if options.Config == nil {
		return nil, errors.New("config is required")
	}
	if err := options.Config.Validate(); err != nil {
		return nil, err
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Clock == nil {
		options.Clock = clockwork.NewRealClock()
	}

	p := &Platform{
		config:    options.Config,
		logger:    options.Logger,
		clock:     options.Clock,
		lifecycle: NewLifecycle(options.Logger),
		served:    make(chan struct{}),
	}

	if err := p.initializeComponents(options); err != nil {
		if p.ownsDB && p.db != nil {
			_ = p.db.Close()
		}
		return nil, fmt.Errorf("initializing components: %w", err)
	}
	return p, nil
}

// initializeComponents builds every component bottom-up and registers
// lifecycle hooks in start order.
func (p *Platform) initializeComponents(opts *Options) error {
	if err := p.initDatabase(opts); err != nil {
		return err
	}
	if err := p.initRepository(opts); err != nil {
		return err
	}
	p.initOperations()
	p.initEmbeddings(opts)
	p.initQueue()
	if err := p.initProtocol(); err != nil {
		return err
	}
	p.initRoutes()
	p.registerHooks()
	return nil
}

// needsDB reports whether any configured component reads PostgreSQL.
func (p *Platform) needsDB() bool {
	return p.config.Storage.Provider == StoragePostgres ||
		p.config.Embedding.Source == EmbeddingSourceDatabase
}

func (p *Platform) initDatabase(opts *Options) error {
	if opts.DB != nil {
		p.db = opts.DB
		return nil
	}
	if !p.needsDB() {
		return nil
	}

	db, err := sql.Open("postgres", p.config.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(p.config.Database.MaxOpenConns)
	p.db = db
	p.ownsDB = true
	return nil
}

func (p *Platform) initRepository(opts *Options) error {
	if opts.Repository != nil {
		p.repo = opts.Repository
		return nil
	}

	switch p.config.Storage.Provider {
	case StoragePostgres:
		if p.db == nil {
			return errors.New("postgres storage requires a database")
		}
		p.repo = experience.NewPostgresStore(p.db)
	default:
		p.repo = experience.NewMemoryStore()
	}
	return nil
}

func (p *Platform) initOperations() {
	p.metrics = metrics.New()
	p.health = health.NewChecker()
	if p.db != nil {
		p.health.AddCheck("database", p.db.PingContext)
	}
}

func (p *Platform) initEmbeddings(opts *Options) {
	var source embedding.SettingsSource
	if p.config.Embedding.Source == EmbeddingSourceDatabase && p.db != nil {
		source = embedding.NewPostgresSource(p.db)
	} else {
		source = embedding.StaticSource{
			Enabled: p.config.Embedding.Enabled,
			BaseURL: p.config.Embedding.BaseURL,
			Model:   p.config.Embedding.Model,
			APIKey:  p.config.Embedding.APIKey,
		}
	}

	p.embeddings = embedding.NewService(source, embedding.Options{
		TTL:     p.config.Embedding.SettingsTTL,
		Factory: opts.EmbedderFactory,
		Logger:  p.logger,
	})
}

func (p *Platform) initQueue() {
	p.queue = background.New(background.Config{
		Size:        p.config.Background.QueueSize,
		Workers:     p.config.Background.Workers,
		TaskTimeout: p.config.Background.TaskTimeout,
		Logger:      p.logger,
		Observer:    p.metrics,
	})
}

func (p *Platform) initProtocol() error {
	policy, err := experience.ParseLimitPolicy(p.config.Query.LimitPolicy)
	if err != nil {
		return err
	}

	updater := ranking.NewUpdater(p.repo, p.clock, p.logger)
	query := experience.NewQueryEngine(p.repo, p.embeddings, updater, p.queue, experience.QueryConfig{
		DefaultLimit: p.config.Query.DefaultLimit,
		MaxLimit:     p.config.Query.MaxLimit,
		LimitPolicy:  policy,
	}, p.logger)
	submit := experience.NewSubmitEngine(p.repo, p.embeddings, updater, p.queue, p.clock, p.logger)
	p.toolkit = experience.New(query, submit)

	p.sessions = session.NewMemoryStore(
		session.WithTTL(p.config.Session.TTL),
		session.WithClock(p.clock),
		session.WithLogger(p.logger),
	)

	p.dispatcher = protocol.NewDispatcher(p.sessions, p.toolkit, protocol.Config{
		ServerInfo: &mcp.Implementation{
			Name:    p.config.Server.Name,
			Version: p.config.Server.Version,
		},
		Instructions: p.config.Server.Instructions,
		Logger:       p.logger,
		Observer:     p.metrics,
	})

	p.transport = transport.NewHandler(p.dispatcher, p.sessions, transport.Config{
		AllowedOrigins: p.config.Server.AllowedOrigins,
		KeepAlive:      p.config.Session.KeepAliveInterval,
		Clock:          p.clock,
		Logger:         p.logger,
	})
	p.sessions.OnRemove(p.transport.Streams().CloseSession)

	p.metrics.RegisterGauges(metrics.Gauges{
		Sessions:    p.sessions.Len,
		Streams:     p.transport.Streams().Len,
		QueueLength: p.queue.Pending,
	})
	return nil
}

func (p *Platform) initRoutes() {
	mux := http.NewServeMux()
	mux.Handle(MCPPath, p.transport)
	mux.Handle("GET /health", p.health.LivenessHandler())
	mux.Handle("GET /ready", p.health.ReadinessHandler())
	mux.Handle("GET /metrics", p.metrics.Handler())
	p.handler = mux
}

// registerHooks registers start/stop hooks. Stop runs them in reverse, so
// the listener closes before the queue drains and the database closes last.
func (p *Platform) registerHooks() {
	p.lifecycle.Append(Hook{
		Name:    "database",
		OnStart: p.startDatabase,
		OnStop: func(context.Context) error {
			if p.ownsDB {
				return p.db.Close()
			}
			return nil
		},
	})
	p.lifecycle.Append(Hook{
		Name: "sessions",
		OnStart: func(context.Context) error {
			p.sessions.StartSweepRoutine(p.config.Session.SweepInterval)
			return nil
		},
		OnStop: func(context.Context) error {
			return p.sessions.Close()
		},
	})
	p.lifecycle.OnStop("background", func(ctx context.Context) error {
		drainErr := p.queue.Drain(ctx)
		return errors.Join(drainErr, p.queue.Close())
	})
	p.lifecycle.Append(Hook{
		Name:    "http",
		OnStart: p.startHTTP,
		OnStop:  p.stopHTTP,
	})
}

func (p *Platform) startDatabase(ctx context.Context) error {
	if p.db == nil {
		return nil
	}
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	if p.config.Database.Migrate {
		if err := migrate.Run(p.db, p.logger); err != nil {
			return err
		}
	}
	return nil
}

func (p *Platform) startHTTP(_ context.Context) error {
	p.mu.Lock()
	used := p.server != nil
	p.mu.Unlock()
	if used {
		return errors.New("platform cannot be restarted")
	}

	ln, err := net.Listen("tcp", p.config.Server.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", p.config.Server.Address, err)
	}

	srv := &http.Server{
		Handler:           p.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	// Open event streams never go idle on their own.
	srv.RegisterOnShutdown(p.transport.Streams().CloseAll)

	p.mu.Lock()
	p.server = srv
	p.listener = ln
	p.mu.Unlock()

	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		p.mu.Lock()
		p.serveErr = err
		p.mu.Unlock()
		close(p.served)
	}()

	p.health.SetReady()
	p.logger.Info("mcp-experience listening", "address", ln.Addr().String())
	return nil
}

func (p *Platform) stopHTTP(ctx context.Context) error {
	p.health.SetDraining()

	p.mu.Lock()
	srv := p.server
	p.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	p.transport.Streams().CloseAll()
	if err != nil {
		_ = srv.Close()
		return fmt.Errorf("shutting down http server: %w", err)
	}
	<-p.served
	return nil
}

// Start runs the start hooks and begins serving. On failure every started
// component is stopped again.
func (p *Platform) Start(ctx context.Context) error {
	if p.lifecycle.IsStarted() {
		return errors.New("platform already started")
	}
	if err := p.lifecycle.Start(ctx); err != nil {
		if p.ownsDB {
			_ = p.db.Close()
		}
		return err
	}
	return nil
}

// Stop drains and releases every component.
func (p *Platform) Stop(ctx context.Context) error {
	return p.lifecycle.Stop(ctx)
}

// Done is closed when the HTTP server stops serving, whether through Stop or
// a listener failure. Err reports the failure.
func (p *Platform) Done() <-chan struct{} {
	return p.served
}

// Err returns the error that stopped the HTTP server, if any.
func (p *Platform) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.serveErr
}

// Addr returns the bound listener address, or nil before Start.
func (p *Platform) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Handler returns the root HTTP handler.
func (p *Platform) Handler() http.Handler {
	return p.handler
}

// Config returns the platform configuration.
func (p *Platform) Config() *Config {
	return p.config
}

// Repository returns the experience repository.
func (p *Platform) Repository() experience.Repository {
	return p.repo
}

// Queue returns the background task queue.
func (p *Platform) Queue() *background.Queue {
	return p.queue
}

// Sessions returns the session store.
func (p *Platform) Sessions() *session.MemoryStore {
	return p.sessions
}

// Metrics returns the metrics collector.
func (p *Platform) Metrics() *metrics.Metrics {
	return p.metrics
}
