// Package app wires the Plugin Registry, Config Store, Flow Orchestrator,
// and HTTP Control Plane into a runnable process and owns graceful
// shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/brackenfield/flowgate/connectors/destinations/elasticsearch"
	destkafka "github.com/brackenfield/flowgate/connectors/destinations/kafka"
	destmysql "github.com/brackenfield/flowgate/connectors/destinations/mysql"
	destpostgres "github.com/brackenfield/flowgate/connectors/destinations/postgres"
	srckafka "github.com/brackenfield/flowgate/connectors/sources/kafka"
	"github.com/brackenfield/flowgate/connectors/sources/nats"
	srcpostgres "github.com/brackenfield/flowgate/connectors/sources/postgres"
	"github.com/brackenfield/flowgate/internal/config"
	"github.com/brackenfield/flowgate/internal/httpapi"
	"github.com/brackenfield/flowgate/internal/telemetry"
	"github.com/brackenfield/flowgate/pkg/configstore"
	"github.com/brackenfield/flowgate/pkg/orchestrator"
	"github.com/brackenfield/flowgate/pkg/registry"
)

// ErrPluginRegistration wraps any error raised while registering
// connector/destination factories into the Plugin Registry, so the
// caller can map it to a distinct process exit code.
var ErrPluginRegistration = errors.New("plugin registration failed")

// Run builds the dependency graph from cfg, starts the HTTP listener,
// and blocks until ctx is cancelled, then drains in-flight flows and
// the listener before returning. The returned error is nil on a clean
// shutdown.
func Run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg, err := buildRegistry()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPluginRegistration, err)
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("config store: %w", err)
	}
	defer store.Close()

	tracer := telemetry.Tracer("flowgate")
	orch := orchestrator.New(reg, store, tracer)

	if err := restoreAutoStartFlows(ctx, orch, store, log); err != nil {
		log.Warn("auto-start restore encountered errors", "error", err)
	}

	srv := httpapi.New(reg, store, orch, log, cfg.CORSEnabled)

	addr := net.JoinHostPort(cfg.APIHost, fmt.Sprintf("%d", cfg.APIPort))
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown did not complete cleanly", "error", err)
	}
	drainFlows(shutdownCtx, orch, log)

	return <-errCh
}

// drainFlows stops every running flow so in-flight batches finish
// writing before the process exits.
func drainFlows(ctx context.Context, orch *orchestrator.Orchestrator, log *slog.Logger) {
	for _, view := range orch.List() {
		name := view.Status.Name
		if err := orch.Stop(ctx, name); err != nil {
			log.Warn("failed to stop flow during shutdown", "flow", name, "error", err)
		}
	}
}

func buildRegistry() (*registry.Registry, error) {
	b := registry.NewBuilder()

	if err := b.RegisterConnector(nats.Factory{}); err != nil {
		return nil, err
	}
	if err := b.RegisterConnector(srckafka.Factory{}); err != nil {
		return nil, err
	}
	if err := b.RegisterConnector(srcpostgres.Factory{}); err != nil {
		return nil, err
	}

	if err := b.RegisterDestination(destpostgres.Factory{}); err != nil {
		return nil, err
	}
	if err := b.RegisterDestination(destmysql.Factory{}); err != nil {
		return nil, err
	}
	if err := b.RegisterDestination(elasticsearch.Factory{}); err != nil {
		return nil, err
	}
	if err := b.RegisterDestination(destkafka.Factory{}); err != nil {
		return nil, err
	}

	return b.Build(), nil
}

func buildStore(ctx context.Context, cfg config.Config) (configstore.Store, error) {
	switch cfg.ConfigStorage {
	case config.StoragePostgres:
		return configstore.NewPostgresStore(ctx, cfg.DatabaseURL)
	default:
		return configstore.NewFileStore(cfg.ConfigDir)
	}
}

// restoreAutoStartFlows re-creates every persisted flow whose spec asks
// for AutoStart, so a process restart resumes the flows it was running.
func restoreAutoStartFlows(ctx context.Context, orch *orchestrator.Orchestrator, store configstore.Store, log *slog.Logger) error {
	specs, err := store.ListFlows(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, spec := range specs {
		if !spec.AutoStart {
			continue
		}
		if err := orch.Create(ctx, spec); err != nil {
			log.Error("failed to restore flow", "flow", spec.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
