package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sonnylloyd/siprelay/pkg/config"
	"github.com/sonnylloyd/siprelay/pkg/events"
	http_server "github.com/sonnylloyd/siprelay/pkg/http"
	"github.com/sonnylloyd/siprelay/pkg/media"
	"github.com/sonnylloyd/siprelay/pkg/metrics"
	"github.com/sonnylloyd/siprelay/pkg/proxy"
	"github.com/sonnylloyd/siprelay/pkg/registration"
	"github.com/sonnylloyd/siprelay/pkg/registry"
)

var logger = logrus.New()

func main() {
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(os.Stdout)

	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	cfg.SetupLogger(logger)
	metrics.Init(logger)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Lifecycle events fan out to the dashboard feed and, when configured,
	// the message queue.
	hub := http_server.NewEventHub(logger)
	publisher := events.MultiPublisher{hub}
	if cfg.Messaging.AMQPUrl != "" {
		amqpPublisher, err := events.NewAMQPPublisher(logger, events.AMQPConfig{
			URL:       cfg.Messaging.AMQPUrl,
			QueueName: cfg.Messaging.AMQPQueueName,
		})
		if err != nil {
			logger.WithError(err).Warn("AMQP event publishing disabled")
		} else {
			publisher = append(publisher, amqpPublisher)
		}
	}
	defer publisher.Close()

	// Backend routes come from the configured watcher; the first sync runs
	// inline so the proxies never start with an empty table.
	backendRegistry := registry.NewMemoryRegistry()
	watcher, err := registry.NewWatcher(cfg, backendRegistry, publisher, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create service watcher")
	}
	if err := watcher.Update(); err != nil {
		logger.WithError(err).Fatal("Failed to load backend routes")
	}
	go watcher.Watch(rootCtx)

	registrations := registration.NewStore()
	registrations.StartSweeper(rootCtx, cfg.SIP.SweepInterval)

	regService := registration.NewService(registrations, logger, publisher, cfg.SIP.RegistrationTTL)
	regService.StartSweeper(rootCtx, cfg.SIP.SweepInterval)

	var mediaManager *media.Manager
	if cfg.Media.Mode == config.MediaModeProxy {
		mediaManager = media.NewManager(cfg.SIP.ProxyIP, cfg.Media.PortMin, cfg.Media.PortMax, cfg.Media.InactivityTimeout, logger)
		mediaManager.StartSweeper(rootCtx, cfg.SIP.SweepInterval)
		defer mediaManager.Shutdown()
	}

	udpProxy := proxy.NewUDPProxy(cfg, backendRegistry, registrations, regService, mediaManager, logger)
	if err := udpProxy.Start(rootCtx); err != nil {
		logger.WithError(err).Fatal("Failed to start UDP proxy")
	}

	// A missing key pair degrades the relay to UDP-only instead of failing.
	tlsProxy, err := proxy.NewTLSProxy(cfg, backendRegistry, registrations, regService, mediaManager, logger)
	if err != nil {
		logger.WithError(err).Warn("TLS proxy disabled")
	} else if err := tlsProxy.Start(rootCtx); err != nil {
		logger.WithError(err).Fatal("Failed to start TLS proxy")
	}

	httpServer := http_server.NewServer(cfg.HTTP, backendRegistry, registrations, hub, logger)
	httpServer.Start(rootCtx)

	logger.WithFields(logrus.Fields{
		"proxy_ip":   cfg.SIP.ProxyIP,
		"media_mode": cfg.Media.Mode,
	}).Info("siprelay is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.WithField("signal", sig.String()).Info("Shutting down")
	rootCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
}
