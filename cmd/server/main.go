package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ember/api/grpcserver"
	"ember/config"
	"ember/engine"
	"ember/jobs/broadcaster"
)

func main() {
	var configPath string
	var metricsAddr string

	root := &cobra.Command{
		Use:   "ember-server",
		Short: "ember in-memory OLTP engine with snapshotting",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, metricsAddr)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", "", "prometheus metrics listen address")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string, metricsAddr string) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	eng := engine.New(cfg.Engine, registry, logger)
	if err := eng.Initialize(); err != nil {
		return err
	}
	defer func() {
		if err := eng.Uninitialize(); err != nil {
			logger.WithError(err).Error("engine uninitialize failed")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if len(cfg.KafkaBrokers) > 0 {
		bc, err := broadcaster.New(eng.Snapshot, cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		if err != nil {
			return err
		}
		bc.Start(ctx)
		defer bc.Close()
	}

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.WithError(err).Error("metrics server exited")
			}
		}()
	}

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	grpcSrv := grpcserver.NewGRPCServer(grpcserver.NewServer(eng.Snapshot, logger))

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutdown signal received")
		grpcSrv.GracefulStop()
	}()

	logger.WithField("addr", cfg.ListenAddr).Info("ember engine serving")
	return grpcSrv.Serve(lis)
}
