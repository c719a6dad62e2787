// Command stream scores transactions from a Kafka topic and publishes the
// verdicts to an output topic. Undecodable or unscorable messages go to the
// dead-letter topic.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/entropy/internal/artifacts"
	"github.com/mbd888/entropy/internal/config"
	"github.com/mbd888/entropy/internal/features"
	"github.com/mbd888/entropy/internal/logging"
	"github.com/mbd888/entropy/internal/metrics"
	"github.com/mbd888/entropy/internal/scoring"
	"github.com/mbd888/entropy/internal/stream"
	"github.com/mbd888/entropy/internal/traces"
)

var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	if !cfg.KafkaEnabled() {
		logger.Error("KAFKA_BROKERS is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, "entropy-stream", Version, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	policy, err := features.ParseCollisionPolicy(cfg.FlattenCollisions)
	if err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}
	loader := artifacts.NewLoader(artifacts.Paths{
		FeatureOrder: cfg.FeatureOrderPath,
		EncodingMaps: cfg.EncodingMapsPath,
		GroupKeys:    cfg.GroupKeysPath,
		Categories:   cfg.CategoriesPath,
		ModelsDir:    cfg.ModelsDir,
	}, policy, logger)
	art, err := loader.Load()
	if err != nil {
		logger.Error("failed to load artifacts", "error", err)
		os.Exit(1)
	}
	engine := scoring.NewEngine(art, scoring.Config{
		Threshold:   cfg.Threshold,
		TopK:        cfg.TopK,
		ReviewScore: cfg.ReviewScore,
		BlockScore:  cfg.BlockScore,
	}, scoring.WithLogger(logger))

	if err := stream.EnsureTopics(ctx, cfg.KafkaBrokers, logger,
		cfg.KafkaInputTopic, cfg.KafkaOutputTopic, cfg.KafkaDLQTopic); err != nil {
		logger.Error("failed to create topics", "error", err)
		os.Exit(1)
	}

	consumer, err := stream.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, cfg.KafkaInputTopic, logger)
	if err != nil {
		logger.Error("failed to start consumer", "error", err)
		os.Exit(1)
	}
	producer, err := stream.NewKafkaProducer(cfg.KafkaBrokers)
	if err != nil {
		_ = consumer.Close()
		logger.Error("failed to start producer", "error", err)
		os.Exit(1)
	}

	// SIGHUP swaps in freshly loaded artifacts; failures keep the old ones.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if a, err := loader.Load(); err != nil {
					logger.Error("artifact reload failed", "error", err)
				} else {
					engine.Swap(a)
					logger.Info("artifacts reloaded", "models", engine.Info().ModelsLoaded)
				}
			}
		}
	}()

	metricsSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           metricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	worker := stream.NewWorker(consumer, producer, engine, stream.Config{
		OutputTopic: cfg.KafkaOutputTopic,
		DLQTopic:    cfg.KafkaDLQTopic,
	}, logger)
	runErr := worker.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	if err := producer.Close(); err != nil {
		logger.Error("failed to flush producer", "error", err)
	}
	if err := consumer.Close(); err != nil {
		logger.Error("failed to close kafka consumer", "error", err)
	}

	if runErr != nil {
		logger.Error("stream worker failed", "error", runErr)
		os.Exit(1)
	}
	logger.Info("stream worker exited")
}

func metricsMux() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.GET("/metrics", metrics.Handler())
	return r
}
