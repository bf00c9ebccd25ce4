package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SteelMorgan/timeline-indexer/internal/checkpoint"
	"github.com/SteelMorgan/timeline-indexer/internal/clickhouse"
	"github.com/SteelMorgan/timeline-indexer/internal/config"
	"github.com/SteelMorgan/timeline-indexer/internal/elastic"
	"github.com/SteelMorgan/timeline-indexer/internal/mapping"
	"github.com/SteelMorgan/timeline-indexer/internal/metrics"
	"github.com/SteelMorgan/timeline-indexer/internal/observability"
	"github.com/SteelMorgan/timeline-indexer/internal/retry"
	"github.com/SteelMorgan/timeline-indexer/internal/service"
	"github.com/SteelMorgan/timeline-indexer/internal/timestamp"
	"github.com/SteelMorgan/timeline-indexer/internal/writer"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "tlingest",
	Short:        "Index filesystem timelines into Elasticsearch or ClickHouse",
	SilenceUsage: true,
}

// loadConfig reads the config and applies command line overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Backend, _ = flags.GetString("backend")
	}
	if flags.Changed("index") {
		cfg.ElasticIndex, _ = flags.GetString("index")
	}
	if flags.Changed("workers") {
		cfg.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("cache-size") {
		cfg.CacheSize, _ = flags.GetInt("cache-size")
	}
	if flags.Changed("timezone") {
		cfg.DefaultTimezone, _ = flags.GetString("timezone")
	}
	if flags.Changed("zone-map") {
		cfg.ZoneMapPath, _ = flags.GetString("zone-map")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogFile)
	return cfg, nil
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [source...]",
	Short: "Ingest JSON-lines timeline records (\"-\" reads stdin)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		sources := args
		if len(sources) == 0 {
			sources = cfg.Sources
		}
		if len(sources) == 0 {
			return fmt.Errorf("no sources given")
		}

		log.Info().
			Str("version", version).
			Str("backend", cfg.Backend).
			Msg("Starting timeline ingest")

		shutdown, err := observability.InitTracer(observability.TracerConfig{
			ServiceVersion: version,
			Endpoint:       cfg.TracingEndpoint,
			Protocol:       cfg.TracingProtocol,
			Enabled:        cfg.TracingEnabled,
			Backend:        cfg.Backend,
			Index:          cfg.TargetIndex(),
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize tracer")
		} else {
			defer shutdown(context.Background())
		}

		// Setup graceful shutdown
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		go func() {
			select {
			case <-sigChan:
				log.Info().Msg("Received shutdown signal, flushing buffered documents")
				cancel()
			case <-ctx.Done():
			}
		}()

		if cfg.MetricsAddr != "" {
			metrics.NewServer(cfg.MetricsAddr).Start(ctx)
		}

		retryCfg := retry.FromMillis(cfg.RetryMaxAttempts, cfg.RetryInitialDelayMs, cfg.RetryMaxDelayMs)

		sink, index, closeSink, err := newSink(ctx, cfg, retryCfg)
		if err != nil {
			return err
		}
		defer closeSink()

		var store checkpoint.Store
		noCheckpoint, _ := cmd.Flags().GetBool("no-checkpoint")
		if !noCheckpoint {
			boltStore, err := checkpoint.NewBoltDBStore(cfg.CheckpointPath)
			if err != nil {
				return err
			}
			defer boltStore.Close()
			store = boltStore
		}

		zones, err := timestamp.NewZoneCache(0)
		if err != nil {
			return err
		}
		defaultZone, err := zones.LoadZone(cfg.DefaultTimezone)
		if err != nil {
			return err
		}

		var zoneMap *mapping.ZoneMap
		if cfg.ZoneMapPath != "" {
			zoneMap, err = mapping.LoadZoneMap(cfg.ZoneMapPath)
			if err != nil {
				return err
			}
		}

		svc, err := service.NewIngestService(sink, store, service.Options{
			Index: index,
			Batch: writer.BatchConfig{
				Capacity:     cfg.CacheSize,
				FlushTimeout: cfg.FlushTimeout(),
			},
			Workers:     cfg.Workers,
			Retry:       retryCfg,
			DefaultZone: defaultZone,
			ZoneMap:     zoneMap,
			Zones:       zones,
		})
		if err != nil {
			return err
		}

		summary, err := svc.Run(ctx, sources)
		if summary != nil {
			printSummary(cmd, summary)
		}
		if err != nil {
			return err
		}
		return summary.Err()
	},
}

// newSink connects to the configured backend. The returned index names the
// target in logs, metrics and bulk requests.
func newSink(ctx context.Context, cfg *config.Config, retryCfg retry.Config) (writer.BulkSink, string, func() error, error) {
	switch cfg.Backend {
	case config.BackendClickHouse:
		client, err := clickhouse.NewClientWithRetry(ctx, clickhouse.Config{
			Host:     cfg.ClickHouseHost,
			Port:     cfg.ClickHousePort,
			Database: cfg.ClickHouseDB,
			Table:    cfg.ClickHouseTable,
			Username: cfg.ClickHouseUsername,
			Password: cfg.ClickHousePassword,
		}, retryCfg)
		if err != nil {
			return nil, "", nil, err
		}
		return client.Sink(), cfg.TargetIndex(), client.Close, nil

	default:
		client, err := elastic.NewClient(elastic.Config{
			Host:           cfg.ElasticHost,
			Port:           cfg.ElasticPort,
			UseTLS:         cfg.ElasticTLS,
			Username:       cfg.ElasticUsername,
			Password:       cfg.ElasticPassword,
			SkipCertVerify: cfg.ElasticSkipCertVerify,
			CACertPath:     cfg.ElasticCACert,
		})
		if err != nil {
			return nil, "", nil, err
		}
		return client, cfg.TargetIndex(), func() error { return nil }, nil
	}
}

func printSummary(cmd *cobra.Command, summary *service.Summary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s finished in %s\n", summary.RunID, summary.Duration.Round(time.Millisecond))
	for _, src := range summary.Sources {
		status := "ok"
		if src.Err != nil {
			status = "error: " + src.Err.Error()
		}
		fmt.Fprintf(out, "  %s: records=%d resumed=%d documents=%d created=%d existing=%d failed=%d dropped_fields=%d skipped=%d (%s)\n",
			src.Source, src.Records, src.Resumed, src.Documents, src.Created, src.Existing, src.Failed,
			src.DroppedFields, src.SkippedRecords, status)
	}
}

// checkpoints command
var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect or reset ingest progress",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List committed record counts per source",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		store, err := checkpoint.NewBoltDBStore(cfg.CheckpointPath)
		if err != nil {
			return err
		}
		defer store.Close()

		list, err := store.List(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "No checkpoints.")
			return nil
		}
		for _, cp := range list {
			fmt.Fprintf(out, "%10d  %s  %s\n", cp.Records, cp.UpdatedAt.Format(time.RFC3339), cp.Source)
		}
		return nil
	},
}

var checkpointsResetCmd = &cobra.Command{
	Use:   "reset [source...]",
	Short: "Forget progress so sources are ingested from the beginning",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if len(args) == 0 && !all {
			return fmt.Errorf("name the sources to reset or pass --all")
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		store, err := checkpoint.NewBoltDBStore(cfg.CheckpointPath)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		keys := make([]string, 0, len(args))
		if all {
			list, err := store.List(ctx)
			if err != nil {
				return err
			}
			for _, cp := range list {
				keys = append(keys, cp.Source)
			}
		} else {
			for _, path := range args {
				key, err := service.CheckpointKey(path)
				if err != nil {
					return err
				}
				if key != "" {
					keys = append(keys, key)
				}
			}
		}

		for _, key := range keys {
			if err := store.Delete(ctx, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset %s\n", key)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (env variables override it)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")

	ingestCmd.Flags().String("backend", "", "backend: elasticsearch or clickhouse")
	ingestCmd.Flags().String("index", "", "Elasticsearch index name")
	ingestCmd.Flags().Int("workers", 0, "sources ingested in parallel")
	ingestCmd.Flags().Int("cache-size", 0, "documents per bulk request")
	ingestCmd.Flags().String("timezone", "", "timezone of records without their own")
	ingestCmd.Flags().String("zone-map", "", "YAML map of source patterns to timezones")
	ingestCmd.Flags().Bool("no-checkpoint", false, "neither resume from nor record progress")

	checkpointsResetCmd.Flags().Bool("all", false, "reset every source")

	checkpointsCmd.AddCommand(checkpointsListCmd, checkpointsResetCmd)
	rootCmd.AddCommand(ingestCmd, checkpointsCmd)
}
