package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ddsrecorder/mcaprecorder/internal/config"
	"github.com/ddsrecorder/mcaprecorder/internal/handler"
	"github.com/ddsrecorder/mcaprecorder/internal/mcap"
	"github.com/ddsrecorder/mcaprecorder/internal/metrics"
	"github.com/ddsrecorder/mcaprecorder/pkg/ddsrecorder"
	"github.com/ddsrecorder/mcaprecorder/pkg/natsutil"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

// schemaEnvelope is the wire shape the DDS-pipe bridge publishes on the
// schema subject whenever it discovers a new dynamic type.
type schemaEnvelope struct {
	TypeName   string `json:"type_name"`
	Encoding   string `json:"encoding"`
	Body       []byte `json:"body"`
	Identifier []byte `json:"identifier"`
}

// dataEnvelope is the wire shape published on the data subject for every
// sample the DDS pipe receives.
type dataEnvelope struct {
	Topic           string `json:"topic"`
	TypeName        string `json:"type_name"`
	MessageEncoding string `json:"message_encoding"`
	QoS             string `json:"qos"`
	Payload         []byte `json:"payload"`
	LogTimeUnixNano int64  `json:"log_time_unix_nano"`
	PubTimeUnixNano int64  `json:"pub_time_unix_nano"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ddsrecorder %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rec, err := ddsrecorder.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("building recorder: %w", err)
	}
	defer rec.Close()

	if err := rec.Start(); err != nil {
		return fmt.Errorf("starting recorder: %w", err)
	}

	// Connect to NATS as the DDS-pipe stand-in: the real system sits
	// behind a DDS transport (out of scope per the handler's external
	// collaborator boundary), so this demo drives add_schema/add_data off
	// subjects carrying schema and sample envelopes instead.
	nc, err := natsutil.Connect(cfg.NATS, logger.Named("nats"))
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer nc.Close()

	g, gctx := errgroup.WithContext(ctx)

	schemaSub, err := nc.QueueSubscribe(cfg.Ingest.SchemaSubject, cfg.Ingest.QueueGroup, func(msg *nats.Msg) {
		handleSchemaMessage(rec, logger, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribing to schema subject: %w", err)
	}
	defer schemaSub.Unsubscribe()

	dataSub, err := nc.QueueSubscribe(cfg.Ingest.DataSubject, cfg.Ingest.QueueGroup, func(msg *nats.Msg) {
		handleDataMessage(rec, logger, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribing to data subject: %w", err)
	}
	defer dataSub.Unsubscribe()

	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	if cfg.Observability.Health.Enabled {
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, rec.HealthChecker())
		})
	}

	logger.Info("ddsrecorder started",
		zap.String("version", version),
		zap.String("nats_url", cfg.NATS.URL),
		zap.String("schema_subject", cfg.Ingest.SchemaSubject),
		zap.String("data_subject", cfg.Ingest.DataSubject),
		zap.String("state", rec.State().String()),
	)

	// Keep the group alive until a signal arrives, even when neither the
	// metrics nor the health server is enabled.
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutting down, stopping recorder...")
	if err := rec.Stop(true); err != nil {
		logger.Error("error stopping recorder", zap.Error(err))
	}

	return nil
}

func handleSchemaMessage(rec *ddsrecorder.Recorder, logger *zap.Logger, msg *nats.Msg) {
	var env schemaEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		logger.Warn("discarding malformed schema message", zap.Error(err))
		return
	}

	rec.AddSchema(handler.DynamicType{
		TypeName:   env.TypeName,
		Encoding:   mcap.Encoding(env.Encoding),
		Body:       env.Body,
		Identifier: env.Identifier,
	})
}

func handleDataMessage(rec *ddsrecorder.Recorder, logger *zap.Logger, msg *nats.Msg) {
	var env dataEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		logger.Warn("discarding malformed data message", zap.Error(err))
		return
	}

	topic := handler.Topic{
		Name:            env.Topic,
		TypeName:        env.TypeName,
		MessageEncoding: env.MessageEncoding,
		QoS:             env.QoS,
	}

	logTime := time.Unix(0, env.LogTimeUnixNano)
	pubTime := time.Unix(0, env.PubTimeUnixNano)
	rec.AddData(topic, env.Payload, logTime, pubTime)
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	return zapCfg.Build()
}
