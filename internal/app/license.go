package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"giro/internal/config"
	"giro/internal/giro"
	"giro/internal/license"
)

// ErrArchiveDisabled is returned by Archive when no archive is configured.
var ErrArchiveDisabled = errors.New("audit archive is not configured")

// LicenseServerApp wires the License & Hardware Authority from config:
// repository, service, admin tokens, rate limiter, audit archive and router.
type LicenseServerApp struct {
	cfg     *config.Config
	op      *Operation
	clock   giro.Clock
	logger  *slogAdapter
	logFile *os.File

	repo         license.Repository
	svc          *license.Service
	tokens       *license.AdminTokens
	limiter      license.Limiter
	closeLimiter func() error
	archiver     *license.AuditArchiver
	handler      http.Handler
}

// NewLicenseServerApp creates a fully wired LicenseServerApp. Environment
// overrides (DATABASE_URL, REDIS_URL, JWT_SECRET, RATE_LIMIT_*) must already
// be applied to cfg. The caller must call Close when done.
func NewLicenseServerApp(ctx context.Context, cfg *config.Config, command string) (*LicenseServerApp, error) {
	clock := giro.RealClock{}
	op := NewOperation(command, clock.Now())

	logger, logFile, err := newLogger(cfg.LogDir, op.RunID, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	a := &LicenseServerApp{cfg: cfg, op: op, clock: clock, logger: &slogAdapter{l: logger}, logFile: logFile}
	if err := a.build(ctx, os.LookupEnv); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *LicenseServerApp) build(ctx context.Context, lookup func(string) (string, bool)) error {
	ls := a.cfg.LicenseServer

	// Tokens first: a missing secret should fail before any connection is made.
	tokens, err := license.NewAdminTokens(ls.JWTSecret, license.DefaultAdminTokenTTL, a.clock)
	if err != nil {
		return err
	}
	a.tokens = tokens

	repo, err := license.NewRepositoryFromConfig(ctx, ls)
	if err != nil {
		return fmt.Errorf("creating license repository: %w", err)
	}
	a.repo = repo

	a.svc = license.NewService(repo,
		license.WithClock(a.clock),
		license.WithLogger(a.logger.with("license")),
		license.WithDriftThreshold(config.Seconds(ls.DriftThresholdSecs, license.DefaultDriftThreshold)),
	)

	a.limiter, a.closeLimiter, err = license.NewLimiterFromConfig(ctx, ls, a.clock)
	if err != nil {
		return fmt.Errorf("creating rate limiter: %w", err)
	}

	a.archiver, err = license.NewArchiverFromConfig(ctx, ls.Archive, repo, lookup, a.clock, a.logger.with("archive"))
	if err != nil {
		return fmt.Errorf("creating audit archive: %w", err)
	}

	a.handler = license.NewRouter(a.svc, a.tokens, a.limiter, a.logger.with("http"))
	return nil
}

// Handler exposes the HTTP API, mainly for tests.
func (a *LicenseServerApp) Handler() http.Handler { return a.handler }

// Run serves the API on listen_addr until ctx ends.
func (a *LicenseServerApp) Run(ctx context.Context) error {
	addr := a.cfg.LicenseServer.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *LicenseServerApp) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	a.logger.Info("license server listening", "addr", ln.Addr().String(), "database", a.cfg.LicenseServer.Database)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down license server: %w", err)
		}
		a.logger.Info("license server stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving license api: %w", err)
	}
}

// Token mints an admin bearer token.
func (a *LicenseServerApp) Token(adminID string) (string, error) {
	return a.tokens.Sign(adminID)
}

// Create issues n pending licenses for adminID.
func (a *LicenseServerApp) Create(ctx context.Context, adminID string, plan license.Plan, n int) ([]*license.License, error) {
	if n < 1 {
		n = 1
	}
	out := make([]*license.License, 0, n)
	for range n {
		l, err := a.svc.Create(ctx, adminID, plan)
		if err != nil {
			return out, err
		}
		out = append(out, l)
	}
	return out, nil
}

// List returns the admin's licenses, newest first.
func (a *LicenseServerApp) List(ctx context.Context, adminID string) ([]license.License, error) {
	return a.svc.List(ctx, adminID)
}

// Archive uploads the audit log and returns the object key and line count.
func (a *LicenseServerApp) Archive(ctx context.Context) (string, int, error) {
	if a.archiver == nil {
		return "", 0, ErrArchiveDisabled
	}
	return a.archiver.Archive(ctx)
}

// Finish records the outcome of the command in the log.
func (a *LicenseServerApp) Finish(err error) {
	d := a.op.Finish(err, a.clock.Now())
	if err != nil {
		a.logger.Error("command failed", "command", a.op.Command, "duration", d, "error", err)
		return
	}
	a.logger.Info("command finished", "command", a.op.Command, "duration", d)
}

// Close releases the limiter, the repository and the log file.
func (a *LicenseServerApp) Close() error {
	var firstErr error
	if a.closeLimiter != nil {
		if err := a.closeLimiter(); err != nil {
			firstErr = fmt.Errorf("closing rate limiter: %w", err)
		}
	}
	if c, ok := a.repo.(io.Closer); ok {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing license repository: %w", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
