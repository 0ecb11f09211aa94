package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	httpapi "github.com/tbourn/go-site-agent/internal/http"
	"github.com/tbourn/go-site-agent/internal/ratelimit"
)

func newServeCmd() *cobra.Command {
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook gate (and, unless --no-worker, an embedded worker pool)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, cfg, "serve")
			if err != nil {
				return err
			}
			defer a.close()

			gin.SetMode(cfg.GinMode)
			r := gin.New()
			httpapi.RegisterRoutes(r, a.db, ratelimit.NewSlidingWindow(a.rdb, cfg.RateMax, cfg.RateWindow), a.queue, cfg)

			srv := &http.Server{
				Addr:              ":" + cfg.Port,
				Handler:           r,
				ReadTimeout:       cfg.ReadTimeout,
				ReadHeaderTimeout: cfg.ReadHeaderTimeout,
				WriteTimeout:      cfg.WriteTimeout,
				IdleTimeout:       cfg.IdleTimeout,
			}

			var wg sync.WaitGroup
			if !noWorker {
				wg.Add(1)
				go func() {
					defer wg.Done()
					a.runWorker(ctx)
				}()
			}

			errCh := make(chan error, 1)
			go func() {
				a.log.Info().Str("addr", srv.Addr).Bool("worker", !noWorker).Msg("http server listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					stop()
					wg.Wait()
					return err
				}
			case <-ctx.Done():
			}

			a.log.Info().Msg("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				a.log.Error().Err(err).Msg("http shutdown")
			}
			wg.Wait()
			return nil
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not start the embedded worker pool")
	return cmd
}
