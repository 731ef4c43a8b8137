package plugins

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/fleetops/control-plane/internal/alert"
	"github.com/fleetops/control-plane/internal/notify"
	"github.com/fleetops/control-plane/internal/system"
	"github.com/fleetops/control-plane/internal/timeseries"
	"github.com/fleetops/control-plane/pkg/logging"
	"github.com/fleetops/control-plane/pkg/metrics"
)

// Capability names published by the alerting plugin.
const (
	CapAlertEvaluator = "alert.evaluator"
	CapNotifier       = "notify.notifier"
)

// SinkConfig configures the Notifier's sinks.
type SinkConfig struct {
	WebhookURL    string
	WebhookSecret string
	SlackURL      string
	EmailFrom     string
	EmailTo       []string
}

// AlertingPlugin wraps the Alert Evaluator and Notifier (C8+C9).
type AlertingPlugin struct {
	log *logging.Logger
	m   *metrics.Metrics

	redisAddr     string
	redisPassword string
	redisDB       int
	evalInterval  time.Duration
	sinks         SinkConfig

	rdb       *redis.Client
	alertRepo *alert.RedisStore
	evaluator *alert.Evaluator
	notifier  *notify.Notifier

	cancel context.CancelFunc
}

// AlertingPluginConfig collects the constructor parameters for AlertingPlugin.
type AlertingPluginConfig struct {
	Log           *logging.Logger
	Metrics       *metrics.Metrics
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	EvalInterval  time.Duration
	Sinks         SinkConfig
}

// NewAlertingPlugin creates the alerting plugin from its startup configuration.
func NewAlertingPlugin(cfg AlertingPluginConfig) *AlertingPlugin {
	return &AlertingPlugin{
		log: cfg.Log, m: cfg.Metrics,
		redisAddr: cfg.RedisAddr, redisPassword: cfg.RedisPassword, redisDB: cfg.RedisDB,
		evalInterval: cfg.EvalInterval, sinks: cfg.Sinks,
	}
}

func (p *AlertingPlugin) Descriptor() system.Descriptor {
	return system.Descriptor{
		Name: "alerting", Version: "1.0.0",
		Description:  "Alert Evaluator and Notifier (C8+C9)",
		Dependencies: []string{"fleet"},
	}
}

func (p *AlertingPlugin) Init(ctx context.Context, config map[string]any, deps system.Registry, pub system.Publisher) error {
	tsCap, ok := deps.Get(CapTimeSeries)
	if !ok {
		return missingDependency("alerting", CapTimeSeries)
	}
	ts := tsCap.(*timeseries.Store)

	p.rdb = redis.NewClient(&redis.Options{Addr: p.redisAddr, Password: p.redisPassword, DB: p.redisDB})
	p.alertRepo = alert.NewRedisStore(p.rdb)
	notifyStore := notify.NewRedisStore(p.rdb)

	sinks := map[string]notify.Sink{}
	if p.sinks.WebhookURL != "" {
		sinks["webhook"] = notify.NewWebhookSink(p.sinks.WebhookURL, p.sinks.WebhookSecret)
	}
	if p.sinks.SlackURL != "" {
		sinks["slack"] = notify.NewSlackSink(p.sinks.SlackURL)
	}
	sinks["email"] = notify.NewEmailSink(p.sinks.EmailFrom, p.sinks.EmailTo, p.log)

	p.notifier = notify.New(notifyStore, sinks, p.log, p.m)
	p.evaluator = alert.New(p.alertRepo, p.alertRepo, ts, p.notifier, p.log, p.m, p.evalInterval)

	pub.Publish(CapAlertEvaluator, p.evaluator)
	pub.Publish(CapNotifier, p.notifier)
	return nil
}

func (p *AlertingPlugin) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.evaluator.Run(runCtx)
	go p.notifier.Run(runCtx)
	return nil
}

func (p *AlertingPlugin) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.rdb != nil {
		return p.rdb.Close()
	}
	return nil
}

// Evaluator exposes the Alert Evaluator for the HTTP surface.
func (p *AlertingPlugin) Evaluator() *alert.Evaluator { return p.evaluator }

// Notifier exposes the Notifier for the HTTP surface.
func (p *AlertingPlugin) Notifier() *notify.Notifier { return p.notifier }
