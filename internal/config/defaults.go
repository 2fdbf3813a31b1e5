package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			ConnectionName: "ddsrecorder",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
		},
		Ingest: IngestConfig{
			SchemaSubject: "dds.schema.>",
			DataSubject:   "dds.data.>",
			QueueGroup:    "ddsrecorder",
		},
		Output: OutputSettings{
			OutputDir:    "/var/lib/ddsrecorder/mcap",
			FilePrefix:   "output",
			MaxFileSize:  ByteSize(256 * 1024 * 1024),
			MaxSize:      ByteSize(10 * 1024 * 1024 * 1024),
			SafetyMargin: ByteSize(4 * 1024 * 1024),
			RecordTypes:  true,
		},
		Handler: HandlerConfig{
			InitialState:      "RUNNING",
			BufferSize:        64,
			EventWindow:       Duration(20 * time.Second),
			CleanupPeriod:     Duration(1 * time.Second),
			MaxPendingSamples: -1,
			OnlyWithSchema:    false,
		},
		Archive: ArchiveConfig{
			Enabled: false,
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}
