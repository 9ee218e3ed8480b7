package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	chatspace "github.com/chatspace-app/chatspace/sdk/golang"
)

var (
	bridgeAddr    string
	bridgeOrigins []string
)

func init() {
	bridgeCmd.Flags().StringVar(&bridgeAddr, "addr", "127.0.0.1:8787", "Listen address")
	bridgeCmd.Flags().StringSliceVar(&bridgeOrigins, "origin", nil, "Allowed browser origins (default localhost)")
	rootCmd.AddCommand(bridgeCmd)
}

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Serve the session's conversation state over WebSocket",
	Long:  "Run a synchronization engine for the stored session and expose it to browser renderers at /ws,\nwith /state, /healthz and /metrics alongside.",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics := chatspace.NewMetrics(reg)

		a, err := openApp(metrics)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		bootCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		err = a.engine.Bootstrap(bootCtx)
		cancel()
		if err != nil {
			// the cached view is still served; renderers can retry with "bootstrap"
			a.logger.Warn("initial load failed", zap.Error(err))
		}

		bridge := chatspace.NewBridge(a.engine, &chatspace.BridgeConfig{
			AllowedOrigins: bridgeOrigins,
			MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			Logger:         a.logger,
		})
		defer bridge.Close()

		return serve(ctx, cmd, bridgeAddr, bridge, a.logger)
	},
}

// serve runs handler on addr until ctx is done, then shuts down gracefully.
func serve(ctx context.Context, cmd *cobra.Command, addr string, handler http.Handler, log *zap.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on http://%s\n", addr)
	log.Info("server started", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info("shutting down")
	return server.Shutdown(shutdownCtx)
}
