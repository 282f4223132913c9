package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Kdotu/2025-web-testing-mcp-sub002/cmd/internal/config"
	"github.com/Kdotu/2025-web-testing-mcp-sub002/framework"
	"github.com/Kdotu/2025-web-testing-mcp-sub002/persistence"
	"github.com/Kdotu/2025-web-testing-mcp-sub002/server"
	"github.com/Kdotu/2025-web-testing-mcp-sub002/supervisor"
	"github.com/Kdotu/2025-web-testing-mcp-sub002/tools"
)

// shutdownTimeout bounds teardown after the command's context ends.
const shutdownTimeout = 15 * time.Second

// stack is the supervisor, the engine suite and, when a store is requested,
// the test service over it.
type stack struct {
	cfg     *config.Config
	logger  *zap.Logger
	sup     *supervisor.Supervisor
	suite   *tools.Suite
	store   persistence.ResultStore
	service *server.Service

	lock    *flock.Flock
	closers []io.Closer
}

type stackOptions struct {
	// withStore opens the result store, takes the workspace lock and builds
	// the service.
	withStore bool
}

func openStack(cfg *config.Config, logger *zap.Logger, opts stackOptions) (_ *stack, err error) {
	st := &stack{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = st.release()
		}
	}()

	if opts.withStore {
		if err := st.acquireLock(); err != nil {
			return nil, err
		}
	}

	sinks := []framework.Telemetry{framework.LoggerTelemetry{Logger: logger.Named("supervisor")}}
	if cfg.EventLog != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.EventLog), 0o755); err != nil {
			return nil, err
		}
		events, err := framework.NewJSONFileTelemetry(cfg.EventLog)
		if err != nil {
			return nil, fmt.Errorf("open event log: %w", err)
		}
		st.closers = append(st.closers, events)
		sinks = append(sinks, events)
	}

	st.sup = supervisor.New(
		supervisor.WithLogger(logger),
		supervisor.WithTelemetry(framework.MultiplexTelemetry{Sinks: sinks}),
		supervisor.WithCommandTimeout(cfg.CommandTimeout),
		supervisor.WithHealthThreshold(cfg.HealthThreshold),
		supervisor.WithGracePeriod(cfg.GracePeriod),
		supervisor.WithMemoryEstimate(cfg.MemoryPerProcessMB),
	)
	suite, err := tools.BuildSuite(st.sup, cfg.Selector(), logger)
	if err != nil {
		return nil, err
	}
	st.suite = suite

	if opts.withStore {
		store, err := openStore(cfg)
		if err != nil {
			return nil, err
		}
		st.store = store
		st.service = server.NewService(suite, store, st.sup, logger)
	}
	return st, nil
}

func (st *stack) acquireLock() error {
	path := st.cfg.LockFile()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring workspace lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("webtestd already running in %s (lock held by another process)", st.cfg.Workspace)
	}
	st.lock = lock
	return nil
}

func openStore(cfg *config.Config) (persistence.ResultStore, error) {
	switch cfg.StoreDriver {
	case config.StoreFile:
		return persistence.NewFileResultStore(cfg.StorePath)
	case config.StoreSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o755); err != nil {
			return nil, err
		}
		return persistence.NewSQLiteResultStore(cfg.StorePath)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// Close stops background runs and every supervised process, then releases
// the store, the event log and the lock.
func (st *stack) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var err error
	if st.service != nil {
		err = multierr.Append(err, st.service.Close(ctx))
	} else if st.suite != nil {
		err = multierr.Append(err, st.suite.Cleanup(ctx))
	}
	if st.sup != nil {
		err = multierr.Append(err, st.sup.Shutdown(ctx))
	}
	return multierr.Append(err, st.release())
}

func (st *stack) release() error {
	var err error
	if st.store != nil {
		err = multierr.Append(err, st.store.Close())
		st.store = nil
	}
	for _, c := range st.closers {
		err = multierr.Append(err, c.Close())
	}
	st.closers = nil
	if st.lock != nil {
		err = multierr.Append(err, st.lock.Unlock())
		st.lock = nil
	}
	return err
}

// ignoreCanceled treats a signal-driven shutdown as success.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
