package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/mapo80/cie-middleware-mobile/server"
	"github.com/mapo80/cie-middleware-mobile/verify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCommand(o *options, version string) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the verification HTTP API",
		Long: `Serve the HTTP API:

  GET  /healthz     liveness
  POST /v1/verify   PDF or XML body, JSON verification report
  POST /v1/fields   PDF body, JSON list of signature fields`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("listen") {
				o.cfg.Listen = listen
			}
			roots, err := o.cfg.Roots()
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr: o.cfg.Listen,
				Handler: server.New(server.Config{
					Logger:  o.logger,
					Version: version,
					Verify:  verify.Options{Roots: roots, ExternalRevocation: o.cfg.Verify.Online},
				}),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, srv, o.logger)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from configuration)")
	return cmd
}

// run serves until ctx is done, then shuts srv down.
func run(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("server stopped")
	return nil
}
