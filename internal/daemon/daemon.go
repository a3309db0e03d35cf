package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/proofwork/proofwork/internal/api"
	"github.com/proofwork/proofwork/internal/app/ledger"
	"github.com/proofwork/proofwork/internal/app/proof"
	"github.com/proofwork/proofwork/internal/domain"
	"github.com/proofwork/proofwork/internal/infra/blobstore"
	"github.com/proofwork/proofwork/internal/infra/postgres"
	"github.com/proofwork/proofwork/internal/infra/sqlite"
)

// Daemon holds the wired services of one process.
type Daemon struct {
	Config   Config
	Logger   *slog.Logger
	Store    domain.Store
	Blobs    *blobstore.FS
	Appender *ledger.Appender
	Verifier *ledger.Verifier
	Repairer *ledger.Repairer
	Proofs   *proof.Service
}

// New opens storage and wires every service. Close releases the store.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := OpenStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	blobs, err := blobstore.NewFS(cfg.Blobs.Dir)
	if err != nil {
		store.Close()
		return nil, err
	}

	appender := ledger.NewAppender(store, ledger.Config{
		MaxAttempts:        cfg.Ledger.MaxAppendAttempts,
		CheckpointInterval: cfg.Ledger.CheckpointInterval,
	}, logger)

	return &Daemon{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Blobs:    blobs,
		Appender: appender,
		Verifier: ledger.NewVerifier(store, logger),
		Repairer: ledger.NewRepairer(appender, logger),
		Proofs: proof.NewService(store, appender, blobs, proof.Config{
			MaxConcurrent:  cfg.Uploads.MaxConcurrent,
			MaxUploadBytes: cfg.MaxUploadBytes(),
		}, logger),
	}, nil
}

// OpenStore opens the configured store and applies its migrations.
func OpenStore(ctx context.Context, cfg StorageConfig) (domain.Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return sqlite.Open(cfg.DataDir)
	case "postgres":
		return postgres.Open(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Close releases the store.
func (d *Daemon) Close() error { return d.Store.Close() }

// Handler returns the HTTP handler for this daemon.
func (d *Daemon) Handler() http.Handler {
	srv := api.NewServer(d.Proofs, d.Store, d.Verifier, d.Logger)
	srv.EnableMetrics()
	srv.SetFingerprintSalt(d.Config.Fingerprint.Salt)
	return srv.Handler()
}

// Serve listens on the configured address until ctx is cancelled, then
// drains in-flight requests.
func (d *Daemon) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.Config.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.Config.Addr(), err)
	}
	return d.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is cancelled.
func (d *Daemon) ServeListener(ctx context.Context, ln net.Listener) error {
	if d.Config.Fingerprint.Salt == "" {
		d.Logger.Warn("fingerprint salt is empty; client hashes are unsalted")
	}
	httpSrv := &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		d.Logger.Info("proofwork listening", "addr", ln.Addr().String(), "driver", d.Config.Storage.Driver)
		errCh <- httpSrv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	d.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
