package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zmlAEQ/odis-domains/internal/config"
	"github.com/zmlAEQ/odis-domains/internal/monitoring"
	"github.com/zmlAEQ/odis-domains/internal/signer"
	"github.com/zmlAEQ/odis-domains/internal/store"
	"github.com/zmlAEQ/odis-domains/internal/tss/keys"
	"github.com/zmlAEQ/odis-domains/pkg/lifecycle"
	"github.com/zmlAEQ/odis-domains/pkg/logger"
)

func main() {
	var (
		cfgPath string
		apiAddr string
		monAddr string
		backend string
		walPath string
		keyDir  string
	)
	flag.StringVar(&cfgPath, "config", "", "Path to YAML config file")
	flag.StringVar(&apiAddr, "api", "", "Signer API listen address (overrides config)")
	flag.StringVar(&monAddr, "monitoring", "", "Monitoring listen address (overrides config)")
	flag.StringVar(&backend, "store", "", "State store backend: memory|redis|postgres")
	flag.StringVar(&walPath, "wal", "", "Memory store WAL path")
	flag.StringVar(&keyDir, "keys", "", "Key store directory")
	flag.Parse()

	cfg, err := config.LoadSigner(cfgPath)
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
	if backend != "" {
		cfg.Store.Backend = backend
	}
	if walPath != "" {
		cfg.Store.WALPath = walPath
	}
	if keyDir != "" {
		cfg.Keys.Dir = keyDir
	}
	if err := cfg.Validate(); err != nil {
		logger.Error(err.Error())
		os.Exit(2)
	}
	logger.Init(cfg.Logging.Options("odis-signer"))
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ks, err := keys.NewKeyStoreFromEnv(cfg.Keys.Dir)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	kp, err := keys.NewProvider(ks, cfg.Keys.LatestVersion, cfg.Keys.CacheSize)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	if _, err := kp.Share(ctx, cfg.Keys.LatestVersion); err != nil {
		logger.ErrorJ("signer_start", map[string]any{"result": "error", "key_version": cfg.Keys.LatestVersion, "err": err.Error()})
		os.Exit(1)
	}
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		logger.ErrorJ("signer_start", map[string]any{"result": "error", "backend": cfg.Store.Backend, "err": err.Error()})
		os.Exit(1)
	}
	defer st.Close()

	svc := signer.New(cfg.Service(), st, kp)
	checks := map[string]monitoring.Check{
		"store": func(ctx context.Context) error {
			_, err := st.Get(ctx, common.Hash{})
			return err
		},
		"keys": func(ctx context.Context) error {
			_, err := kp.Share(ctx, kp.LatestVersion())
			return err
		},
	}

	m := lifecycle.New()
	m.Add(lifecycle.NewHTTPServer("signer_api", cfg.API, signer.NewHandler(svc, cfg.AdmissionLimits()).Routes()))
	if cfg.Monitoring != "" {
		m.Add(monitoring.New(cfg.Monitoring, checks))
	}
	if err := m.StartAll(ctx); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	logger.InfoJ("signer_start", map[string]any{"result": "ok", "signer_id": cfg.ID, "backend": cfg.Store.Backend, "key_version": cfg.Keys.LatestVersion})
	<-ctx.Done()
	_ = m.StopAll(context.Background())
}
