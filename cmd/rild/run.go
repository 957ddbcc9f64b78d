package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/protei/rild/internal/logger"
	"github.com/protei/rild/pkg/config"
	"github.com/protei/rild/pkg/metrics"
	"github.com/protei/rild/pkg/slotmgr"
	"github.com/protei/rild/pkg/store"
	"github.com/protei/rild/pkg/upward"
)

var (
	logPath  string
	logLevel string
)

func init() {
	serveCmd.Flags().StringVar(&logPath, "log-path", "/var/log/rild/rild.log", "log file path")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon",
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("rild: loading config: %w", err)
	}

	if err := logger.Init(logger.Config{
		Path:       logPath,
		Level:      logLevel,
		Format:     "json",
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 28,
		Compress:   true,
	}); err != nil {
		return fmt.Errorf("rild: initializing logger: %w", err)
	}
	log := logger.Get()
	log.Info("rild starting", "version", version, "slots", len(cfg.Slots))

	if err := slotmgr.SwitchIdentity(cfg.Settings); err != nil {
		return fmt.Errorf("rild: switching identity: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := slotmgr.New(log)

	var reg *metrics.Registry
	if cfg.Settings.MetricsAddr != "" {
		reg = metrics.NewRegistry()
		go serveMetrics(ctx, log, cfg.Settings.MetricsAddr, reg)
	}

	var st *store.Store
	if cfg.Settings.StoreHost != "" {
		st, err = store.Open(store.Config{
			Host:          cfg.Settings.StoreHost,
			Port:          cfg.Settings.StorePort,
			Database:      cfg.Settings.StoreDatabase,
			User:          cfg.Settings.StoreUser,
			Password:      cfg.Settings.StorePassword,
			SSLMode:       cfg.Settings.StoreSSLMode,
			RetentionDays: cfg.Settings.StoreRetentionDays,
		})
		if err != nil {
			return fmt.Errorf("rild: opening store: %w", err)
		}
		defer st.Close()
		log.Info("history store connected", "host", cfg.Settings.StoreHost)
	}

	var up *upward.Server
	if cfg.Settings.UpwardAddr != "" {
		up = upward.New(upward.Config{
			Addr:      cfg.Settings.UpwardAddr,
			JWTSecret: cfg.Settings.UpwardJWTSecret,
		}, log, mgr, mgr.Data)
	}

	mgr.OnStarted(func(m *slotmgr.Manager) {
		log.Info("start barrier resolved")
		for _, sl := range m.Slots() {
			if reg != nil {
				metrics.Observe(metrics.NewSlotMetrics(reg, sl.Index()), sl)
			}
			if up != nil {
				up.Attach(sl)
			}
		}
	})

	if up != nil {
		go func() {
			log.Info("upward interface listening", "addr", cfg.Settings.UpwardAddr)
			if err := up.Serve(ctx); err != nil {
				log.Error("upward interface stopped", err)
			}
		}()
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	mgr.Run(ctx, cfg.Slots)
	log.Info("rild stopped")
	return nil
}

func serveMetrics(ctx context.Context, log *logger.Logger, addr string, reg *metrics.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("metrics server stopped", err)
	}
}
