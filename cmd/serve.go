package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audiolibrelab/micclip/internal/config"
	"github.com/audiolibrelab/micclip/internal/server"
	"github.com/audiolibrelab/micclip/internal/service"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the micclip web server to control recording over HTTP.

The consumer tick loop runs alongside the server and logs every finished
clip. Prometheus metrics are served on /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen := cfg.Service.Listen
		if cmd.Flags().Changed("listen") {
			listen, _ = cmd.Flags().GetString("listen")
		}
		watch, _ := cmd.Flags().GetBool("watch")

		svc := service.New(cfg, cfgFile, subprocessLogWriter())
		srv := server.New(svc, cfgFile, listen)

		if watch {
			if _, err := os.Stat(cfgFile); err == nil {
				err := config.Watch(cfgFile, profile, func(newCfg *config.Config, err error) {
					if err != nil {
						slog.Warn("Ignoring invalid configuration change", "error", err)
						return
					}
					if err := svc.ApplyConfig(newCfg); err != nil {
						slog.Warn("Failed to apply configuration change", "error", err)
					}
				})
				if err != nil {
					return err
				}
				slog.Info("Watching configuration for changes", "config", cfgFile)
			} else {
				slog.Warn("Config file does not exist, not watching", "config", cfgFile)
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(srv.ListenAndServe)
		g.Go(func() error {
			return svc.Run(gctx)
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		slog.Info("micclip web server starting", "listen", listen, "config", cfgFile)

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address (overrides service.listen)")
	serveCmd.Flags().Bool("watch", true, "reload the configuration when the file changes")
}
