package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"salescoach-server/pkg/attention"
	"salescoach-server/pkg/coaching"
	"salescoach-server/pkg/config"
	httpserver "salescoach-server/pkg/http"
	"salescoach-server/pkg/messaging"
	"salescoach-server/pkg/metrics"
	"salescoach-server/pkg/pipeline"
	"salescoach-server/pkg/realtime"
	"salescoach-server/pkg/session"
)

var (
	logger = logrus.New()

	appConfig    *config.Config
	amqpClient   *messaging.Publisher
	registry     *session.Registry
	engine       *attention.Engine
	hub          *realtime.Hub
	orchestrator *pipeline.Orchestrator
	server       *httpserver.Server

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

// alertAuditSink delivers attention events to the realtime hub and mirrors
// raised alerts onto the AMQP audit queue for offline reporting.
type alertAuditSink struct {
	hub       *realtime.Hub
	publisher *messaging.Publisher
}

func (s *alertAuditSink) BroadcastToOrg(orgID, eventType string, payload interface{}) {
	s.hub.BroadcastToOrg(orgID, eventType, payload)

	alert, ok := payload.(*attention.Alert)
	if !ok || eventType != "attention_alert" || !s.publisher.IsConnected() {
		return
	}
	if err := s.publisher.PublishAlertEvent(eventType, alert); err != nil {
		logger.WithError(err).WithField("call_uuid", alert.CallUUID).Warn("Failed to publish alert audit event")
	}
}

func main() {
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetOutput(os.Stdout)

	rootCtx, rootCancel = context.WithCancel(context.Background())
	defer rootCancel()

	if err := initialize(); err != nil {
		logger.WithError(err).Fatal("Failed to initialize application")
	}

	go hub.Run(rootCtx)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Received shutdown signal, cleaning up...")
	case err := <-serverErr:
		logger.WithError(err).Error("HTTP server failed, shutting down")
	}

	shutdown()
	logger.Info("Application shut down gracefully")
}

func initialize() error {
	appConfig = config.Load(logger)
	logger.SetLevel(appConfig.LogLevel)
	appConfig.LogStartup(logger)

	metrics.Init(logger)

	// A missing broker degrades persistence to logged drops; the live
	// pipeline keeps working.
	amqpClient = messaging.NewPublisher(logger, messaging.Config{
		URL:       appConfig.AMQPURL,
		QueueName: appConfig.AMQPQueueName,
	})
	if err := amqpClient.Connect(); err != nil {
		logger.WithError(err).Warn("AMQP unavailable, call records will not be persisted")
	}

	registry = session.NewRegistry(logger)

	orgConfigs := coaching.NewHTTPOrgConfigService(logger, appConfig.OrgConfigURL, appConfig.OrgConfigTTL)
	coach := coaching.NewClient(logger, appConfig.InferenceURL, appConfig.InferenceAPIKey, appConfig.InferenceTimeout)

	orchestrator = pipeline.NewOrchestrator(pipeline.Deps{
		Logger:     logger,
		Config:     appConfig,
		Registry:   registry,
		Engine:     nil, // set below, the hub must exist first
		Sink:       nil,
		Coach:      coach,
		OrgConfigs: orgConfigs,
		Publisher:  amqpClient,
	})

	hub = realtime.NewHub(logger, orchestrator, appConfig.PingInterval)
	engine = attention.NewEngine(logger, &alertAuditSink{hub: hub, publisher: amqpClient})
	orchestrator.Bind(engine, hub)

	server = httpserver.NewServer(logger, appConfig.HTTPListenAddr, orchestrator, engine, registry, hub)
	return nil
}

func shutdown() {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Error shutting down HTTP server")
		}
	}

	if orchestrator != nil {
		orchestrator.Shutdown(10 * time.Second)
	}

	rootCancel()

	if amqpClient != nil {
		amqpClient.Disconnect()
	}
}
