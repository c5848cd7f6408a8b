package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"auditlog/internal/demo"
	"auditlog/internal/platform/auditlog"
	"auditlog/internal/platform/config"
	"auditlog/internal/platform/httpserver"
	"auditlog/internal/platform/logger"
	"auditlog/internal/platform/metrics"
	audit "auditlog/pkg/platform/audit"
)

func newServeCommand(load func() (config.Config, error)) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the demo host HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

// serve wires the audit log stack into the demo host and blocks until ctx is
// done. The outbox is drained after the listener stops so events of requests
// that committed during shutdown are still delivered.
func serve(ctx context.Context, cfg config.Config) error {
	log := logger.New(cfg.LogLevel)
	m := metrics.New()
	seq := &demo.Sequence{}

	stack, err := auditlog.New(ctx, cfg.AuditLog,
		auditlog.WithLogger(log),
		auditlog.WithRegisterer(m.Registry),
		auditlog.WithDecorator(func(t audit.Transport) audit.Transport {
			return demo.NewRecorder(t, seq)
		}),
	)
	if err != nil {
		return fmt.Errorf("build audit log stack: %w", err)
	}

	handler := demo.New(stack.Gateway, stack.Tx, seq, log, nil)
	srv := httpserver.New(cfg.Server.Addr, demo.NewRouter(handler, m))

	log.Info("starting audit log demo host",
		"addr", cfg.Server.Addr,
		"kind", stack.Transport.Kind(),
		"outbox", cfg.AuditLog.Outbox,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var errs []error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			errs = append(errs, fmt.Errorf("server error: %w", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("graceful shutdown failed: %w", err))
	}
	if err := stack.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("audit log drain failed: %w", err))
	}
	log.Info("stopped")
	return errors.Join(errs...)
}
