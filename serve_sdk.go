package jitterm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/jitterm/internal/api"
	"pkt.systems/jitterm/internal/audit"
	"pkt.systems/jitterm/internal/config"
	"pkt.systems/jitterm/internal/db"
	"pkt.systems/jitterm/internal/identity"
	"pkt.systems/jitterm/internal/policy"
	"pkt.systems/jitterm/internal/server"
	"pkt.systems/jitterm/internal/session"
	"pkt.systems/jitterm/internal/store"
	"pkt.systems/jitterm/internal/terminal"
	"pkt.systems/jitterm/internal/tlsmgr"
	"pkt.systems/jitterm/internal/token"
	"pkt.systems/pslog"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions configures the API server run.
type ServeOptions struct {
	Config Config
	Logger pslog.Logger
}

// runtime is the wired subsystem behind one server.
type runtime struct {
	handler  http.Handler
	sessions *session.Manager
	tokens   *token.Service
	users    *identity.UserStore
	audit    *audit.Log
	closers  []func() error
}

func (rt *runtime) close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	return errors.Join(errs...)
}

// newRuntime wires storage, audit, policy, sessions, terminals and the
// API for cfg. The returned runtime must be closed.
func newRuntime(ctx context.Context, cfg Config, logger pslog.Logger) (_ *runtime, err error) {
	rt := &runtime{}
	defer func() {
		if err != nil {
			_ = rt.close()
		}
	}()

	var database *sql.DB
	if cfg.Server.Storage == config.StoragePostgres {
		if err := db.Migrate(cfg.Server.PostgresDSN, "up"); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		if database, err = db.Open(ctx, cfg.Server.PostgresDSN); err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, database.Close)
	}

	var sinks []audit.Sink
	if database != nil {
		sinks = append(sinks, db.AuditSink{DB: database})
	}
	if cfg.Server.AuditFile != "" {
		fileSink, err := audit.OpenFileSink(cfg.Server.AuditFile)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, fileSink.Close)
		sinks = append(sinks, fileSink)
	}
	rt.audit = audit.New(audit.Options{Sinks: sinks, Logger: logger})
	if err := rt.audit.Resume(ctx); err != nil {
		return nil, fmt.Errorf("resume audit chain: %w", err)
	}

	var (
		backend      policy.Backend
		tokenTable   store.Table[token.Record]
		sessionTable store.Table[session.Session]
	)
	switch cfg.Server.Storage {
	case config.StorageMemory:
		backend = &policy.MemoryBackend{}
		tokenTable = store.NewMemory[token.Record]()
		sessionTable = store.NewMemory[session.Session]()
	case config.StorageFile, config.StoragePostgres:
		backend = policy.FileBackend{Path: filepath.Join(cfg.Server.DataDir, "policy.yaml")}
		if database != nil {
			backend = db.PolicyBackend{DB: database}
		}
		if tokenTable, err = store.OpenFile[token.Record](filepath.Join(cfg.Server.DataDir, "tokens.json")); err != nil {
			return nil, err
		}
		if sessionTable, err = store.OpenFile[session.Session](filepath.Join(cfg.Server.DataDir, "sessions.json")); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown storage %q", cfg.Server.Storage)
	}

	policies, err := policy.NewStore(ctx, policy.StoreOptions{
		Backend: backend,
		Seed:    policy.FromConfig(cfg.JIT),
		Audit:   rt.audit,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	if rt.users, err = identity.LoadUserStore(cfg.Server.UsersFile); err != nil {
		return nil, err
	}
	auth := identity.NewAuthenticator(rt.users)

	rt.tokens = token.NewService(token.Options{Table: tokenTable, Audit: rt.audit, Logger: logger})
	terminals := terminal.NewManager(terminal.Options{
		Spawner:      terminal.PTYSpawner{Shell: cfg.JIT.Shell, Term: cfg.JIT.Term},
		SpawnRetries: cfg.JIT.SpawnRetries,
		Audit:        rt.audit,
		Logger:       logger,
	})
	rt.sessions, err = session.NewManager(session.Options{
		Table:       sessionTable,
		Policy:      policies,
		Environment: policy.NamedEnvironment(cfg.Server.Environment),
		Verifier:    auth,
		Terminals:   terminals,
		Audit:       rt.audit,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	var resolver identity.Resolver = identity.NoResolver{}
	if cfg.Server.TrustedProxyAuth {
		resolver = identity.HeaderResolver{}
	}
	apiServer, err := api.New(api.Options{
		Sessions:   rt.sessions,
		Terminals:  terminals,
		Tokens:     rt.tokens,
		Policy:     policies,
		Audit:      rt.audit,
		AuditFile:  cfg.Server.AuditFile,
		Auth:       auth,
		Resolver:   resolver,
		TrustProxy: cfg.Server.TrustedProxyAuth,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	base, err := server.CleanMountPath(cfg.Server.BasePath)
	if err != nil {
		return nil, err
	}
	rt.handler = server.AccessLog(logger.With("component", "access"), server.Mount(base, apiServer.Handler()))
	return rt, nil
}

// run starts the background loops. They stop with ctx.
func (rt *runtime) run(ctx context.Context, cfg Config, logger pslog.Logger) {
	if _, err := rt.sessions.Sweep(ctx); err != nil {
		logger.Warn("session.sweep", "err", err)
	}
	go rt.sessions.Run(ctx, config.DefaultSessionSweepInterval)
	go rt.tokens.Run(ctx, cfg.JIT.SweepInterval)
	if err := identity.StartUserReloadLoop(ctx, cfg.Server.UsersFile, rt.users, logger.With("component", "user-watch")); err != nil {
		logger.Warn("user reload loop disabled", "err", err)
	}
}

// Serve runs the JIT API server until ctx is cancelled, then terminates
// every active session.
func Serve(ctx context.Context, opts ServeOptions) error {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.LoggerFromEnv()
	}

	tlsCfg, err := tlsmgr.BuildServerTLSConfig(ctx, tlsmgr.Config{
		Mode:        tlsmgr.Mode(strings.ToLower(cfg.Server.TLS.Mode)),
		BundleFiles: cfg.Server.TLS.Bundle,
		Hostname:    cfg.Server.TLS.Hostname,
		Dir:         cfg.Server.TLS.Dir,
		CacheDir:    cfg.Server.TLS.CacheDir,
	}, logger)
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = rt.close() }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	rt.run(runCtx, cfg, logger)

	srv := server.NewServer(server.Config{
		ListenAddr: cfg.Server.Listen,
		TLSConfig:  tlsCfg,
		Logger:     logger.With("component", "http"),
		// No read or write timeout; terminal websockets are long lived.
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}, rt.handler)

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "listen", ln.Addr().String(), "base", cfg.Server.BasePath, "tls", tlsCfg != nil, "storage", cfg.Server.Storage)
		errCh <- srv.Serve(ln)
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := rt.sessions.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session shutdown", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}
