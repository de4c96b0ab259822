package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/zmlAEQ/odis-domains/internal/combiner"
	"github.com/zmlAEQ/odis-domains/internal/config"
	"github.com/zmlAEQ/odis-domains/internal/monitoring"
	"github.com/zmlAEQ/odis-domains/pkg/bus"
	"github.com/zmlAEQ/odis-domains/pkg/lifecycle"
	"github.com/zmlAEQ/odis-domains/pkg/logger"
)

func main() {
	var (
		cfgPath string
		apiAddr string
		monAddr string
	)
	flag.StringVar(&cfgPath, "config", "", "Path to YAML config file")
	flag.StringVar(&apiAddr, "api", "", "Combiner API listen address (overrides config)")
	flag.StringVar(&monAddr, "monitoring", "", "Monitoring listen address (overrides config)")
	flag.Parse()

	cfg, err := config.LoadCombiner(cfgPath)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(2)
	}
	if apiAddr != "" {
		cfg.API = apiAddr
	}
	if monAddr != "" {
		cfg.Monitoring = monAddr
	}
	if err := cfg.Validate(); err != nil {
		logger.Error(err.Error())
		os.Exit(2)
	}
	cc, err := cfg.Build()
	if err != nil {
		logger.Error(err.Error())
		os.Exit(2)
	}
	logger.Init(cfg.Logging.Options("odis-combiner"))
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b := bus.New(256)
	c, err := combiner.New(cc, combiner.WithBus(b))
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}

	var sinks []combiner.Sink
	if cfg.Report.WebhookURL != "" {
		sinks = append(sinks, combiner.WebhookSink{URL: cfg.Report.WebhookURL})
	}
	if len(cfg.Report.Kafka.Brokers) > 0 {
		ks, err := combiner.NewKafkaSink(combiner.KafkaConfig{Brokers: cfg.Report.Kafka.Brokers, Topic: cfg.Report.Kafka.Topic})
		if err != nil {
			logger.Error(err.Error())
			os.Exit(2)
		}
		sinks = append(sinks, ks)
	}

	m := lifecycle.New()
	m.Add(combiner.NewReporter(b, sinks...))
	m.Add(lifecycle.NewHTTPServer("combiner_api", cfg.API, combiner.NewHandler(c).Routes()))
	if cfg.Monitoring != "" {
		m.Add(monitoring.New(cfg.Monitoring, nil))
	}
	if err := m.StartAll(ctx); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	logger.InfoJ("combiner_start", map[string]any{"result": "ok", "signers": len(cc.Signers), "threshold": cc.Threshold, "key_version": cc.KeyVersion})
	<-ctx.Done()
	_ = m.StopAll(context.Background())
}
