// Command controlplane is the fleet control-plane server: it loads the
// fleet, containers, and alerting plugins into the Plugin Host, then serves
// the HTTP API until signaled to shut down.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetops/control-plane/internal/executor"
	"github.com/fleetops/control-plane/internal/httpapi"
	"github.com/fleetops/control-plane/internal/plugins"
	"github.com/fleetops/control-plane/internal/system"
	"github.com/fleetops/control-plane/internal/vault"
	"github.com/fleetops/control-plane/pkg/config"
	"github.com/fleetops/control-plane/pkg/logging"
	"github.com/fleetops/control-plane/pkg/metrics"
)

func main() {
	cfg := config.FromEnv()
	log := logging.New("controlplane", cfg.LogLevel, cfg.LogFormat)
	m := metrics.New("controlplane")

	v, err := loadVault(cfg.VaultDataKey, log)
	if err != nil {
		log.WithError(err).Error("failed to initialize vault")
		os.Exit(1)
	}

	fleetPlugin := plugins.NewFleetPlugin(plugins.FleetPluginConfig{
		Log: log, Metrics: m,
		DatabaseURL:            cfg.DatabaseURL,
		RedisAddr:              cfg.RedisAddr,
		RedisPassword:          cfg.RedisPassword,
		RedisDB:                cfg.RedisDB,
		ExecutorIdleTTL:        cfg.ExecutorIdleTTL,
		MonitorDefaultInterval: cfg.MonitorDefaultInterval,
		MonitorMinInterval:     cfg.MonitorMinInterval,
		HostKeyPolicy:          executor.NewTrustOnFirstUse(),
		Vault:                  v,
	})
	containersPlugin := plugins.NewContainersPlugin(plugins.ContainersPluginConfig{
		Log: log, Metrics: m,
		DatabaseURL:   cfg.DatabaseURL,
		StatsInterval: cfg.ContainerStatsInterval,
	})
	alertingPlugin := plugins.NewAlertingPlugin(plugins.AlertingPluginConfig{
		Log: log, Metrics: m,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		EvalInterval:  cfg.AlertEvalInterval,
		Sinks:         sinksFromEnv(),
	})

	host := system.NewHost(log)
	mustRegister(host, fleetPlugin, log)
	mustRegister(host, containersPlugin, log)
	mustRegister(host, alertingPlugin, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := host.Load(ctx); err != nil {
		log.WithError(err).Error("plugin host load failed")
		os.Exit(1)
	}
	if err := host.Start(ctx); err != nil {
		log.WithError(err).Error("plugin host start failed")
		os.Exit(1)
	}

	api := httpapi.New(httpapi.Deps{
		Registry:  fleetPlugin.Registry(),
		Loop:      fleetPlugin.Loop(),
		Exec:      fleetPlugin.Executor(),
		Engine:    containersPlugin.Engine(),
		Tasks:     containersPlugin.StatsTasks(),
		Orch:      containersPlugin.Orchestrator(),
		Evaluator: alertingPlugin.Evaluator(),
		Notifier:  alertingPlugin.Notifier(),
		Log:       log,
		Metrics:   m,
	}, bearerTokenFromEnv(), cfg.RateLimitPerMinute)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: api}
	go func() {
		log.WithFields(map[string]interface{}{"addr": cfg.HTTPAddr}).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if err := host.Stop(context.Background(), 30*time.Second); err != nil {
		log.WithError(err).Error("plugin host stop encountered errors")
	}
}

func mustRegister(host *system.Host, p system.Plugin, log *logging.Logger) {
	if err := host.Register(system.Entry{Plugin: p, Config: map[string]any{}}); err != nil {
		log.WithError(err).Error("failed to register plugin")
		os.Exit(1)
	}
}

// loadVault builds the secrets vault from VAULT_DATA_KEY, generating a
// fresh key and logging it once when unset — acceptable only for local
// development, since a restart without persisting the generated key makes
// every previously sealed credential unrecoverable.
func loadVault(key string, log *logging.Logger) (*vault.Vault, error) {
	if key == "" {
		generated, err := vault.GenerateKey()
		if err != nil {
			return nil, err
		}
		log.WithFields(map[string]interface{}{"vault_data_key": generated}).
			Warn("VAULT_DATA_KEY unset; generated an ephemeral key for this process only")
		return vault.New(generated)
	}
	return vault.New(key)
}

func bearerTokenFromEnv() string {
	return config.GetEnv("API_BEARER_TOKEN", "")
}

func sinksFromEnv() plugins.SinkConfig {
	return plugins.SinkConfig{
		WebhookURL:    config.GetEnv("NOTIFY_WEBHOOK_URL", ""),
		WebhookSecret: config.GetEnv("NOTIFY_WEBHOOK_SECRET", ""),
		SlackURL:      config.GetEnv("NOTIFY_SLACK_URL", ""),
		EmailFrom:     config.GetEnv("NOTIFY_EMAIL_FROM", "alerts@fleetops.local"),
		EmailTo:       []string{config.GetEnv("NOTIFY_EMAIL_TO", "oncall@fleetops.local")},
	}
}
