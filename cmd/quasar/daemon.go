package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/quasar/internal/acklog"
	"github.com/oriys/quasar/internal/client"
	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/journal"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/memory"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/redelivery"
	"github.com/oriys/quasar/internal/sendlog"
	"github.com/oriys/quasar/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			return runDaemon(cfg)
		},
	}
	addBrokerFlags(cmd)
	return cmd
}

func runDaemon(cfg *config.Config) error {
	logging.SetLevelFromString(cfg.LogLevel)
	logging.InitStructured(cfg.LogFormat, cfg.LogLevel)
	metrics.Init("quasar")

	sendJournal, err := journal.OpenSend(cfg.SendDBFile)
	if err != nil {
		return err
	}
	defer sendJournal.Close()

	ackJournal, err := journal.OpenAck(cfg.AckDBFile)
	if err != nil {
		return err
	}
	defer ackJournal.Close()

	store := memory.NewStore()
	sendWorker := sendlog.New(sendJournal)
	ackWorker := acklog.New(ackJournal)

	srv := server.New(server.Config{
		Addr:        cfg.Addr(),
		MaxConn:     cfg.MaxConn,
		UserName:    cfg.UserName,
		Passwd:      cfg.Passwd,
		IdleTimeout: time.Duration(cfg.Timeout) * time.Second,
	}, store, sendWorker, ackWorker)
	if err := srv.Listen(); err != nil {
		return err
	}

	pool := client.NewPool(srv.Addr(), cfg.UserName, cfg.Passwd, cfg.MaxConn)
	pool.SetTimeout(time.Duration(cfg.Timeout) * time.Second)
	defer pool.Close()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Op().Error("metrics server failed", "err", err)
			}
		}()
		logging.Op().Info("metrics endpoint up", "addr", cfg.MetricsAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Workers outlive the signal context: they keep flushing journal events
	// while open connections drain, and stop only after the broker is down.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	var g errgroup.Group
	g.Go(func() error {
		err := srv.Serve()
		if err != nil {
			stop()
		}
		return err
	})
	g.Go(func() error { return sendWorker.Run(workerCtx) })
	g.Go(func() error { return ackWorker.Run(workerCtx) })
	g.Go(func() error {
		// Replay both journals before the first redelivery sweep, so the
		// sweep sees a fully restored in-flight set.
		if err := sendWorker.Replay(ctx, pool); err != nil {
			logging.Op().Error("send journal replay failed", "err", err)
			return err
		}
		if err := ackWorker.Replay(ctx, pool); err != nil {
			logging.Op().Error("ack journal replay failed", "err", err)
			return err
		}
		red := redelivery.New(ackJournal, pool, time.Duration(cfg.ResendInterval)*time.Second)
		return red.Run(workerCtx)
	})

	<-ctx.Done()
	logging.Op().Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Op().Warn("connections force-closed", "err", err)
	}
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}
	cancelWorkers()
	return g.Wait()
}
