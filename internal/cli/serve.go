package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-tryon-backend/internal/app"
	httpapi "github.com/tbourn/go-tryon-backend/internal/http"
	"github.com/tbourn/go-tryon-backend/internal/observability"
)

const shutdownGrace = 30 * time.Second

func newServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts, nil)
		},
	}
}

// serve runs until ctx is done or the listener fails. When ln is nil it
// listens on the configured port.
func serve(ctx context.Context, opts *RootOptions, ln net.Listener) error {
	cfg, log, err := opts.setup()
	if err != nil {
		return err
	}

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, Version)
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, log, opts.App)
	if err != nil {
		_ = shutdownOTel(context.Background())
		return err
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{Bus: a.Bus, Log: log, Ready: a.Ready}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", Version).Msg("http server listening")
		if ln != nil {
			errCh <- srv.Serve(ln)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	stopAll := observability.Chain(shutdownOTel, a.Close, srv.Shutdown)
	return errors.Join(serveErr, stopAll(sctx))
}
