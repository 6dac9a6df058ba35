package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/edfi-tools/publisher/internal/pipeline"
	"github.com/edfi-tools/publisher/pkg/clients"
	"github.com/edfi-tools/publisher/pkg/config"
	"github.com/edfi-tools/publisher/pkg/connections"
	"github.com/edfi-tools/publisher/pkg/logger"
	"github.com/edfi-tools/publisher/pkg/observability"
	"github.com/edfi-tools/publisher/pkg/watermark"
)

var version = "0.1.0"

// Exit codes: 0 = completed, 2 = completed with errors recorded,
// 1 = aborted or cancelled.
const (
	exitOK         = 0
	exitAborted    = 1
	exitWithErrors = 2
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "edfipub",
		Short: "Incremental resource replication between Ed-Fi style APIs",
		Long: `edfipub replicates changed resources from a source API to a target API.
It pages each resource's change stream within a fixed change version window and
applies upserts, key changes, and deletes to the target in dependency order.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("edfipub v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var manifestFile string
	resourcesCmd := &cobra.Command{
		Use:   "resources",
		Short: "Show the resources of a manifest in processing order",
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest, err := config.LoadManifest(manifestFile)
			if err != nil {
				return err
			}
			proc, err := pipeline.NewProcessingContext(descriptorsFromManifest(manifest), pipeline.ChangeWindow{}, &manifest.Options)
			if err != nil {
				return err
			}
			for _, desc := range proc.Resources {
				fmt.Printf("%3d  %s", desc.Rank, desc.Path)
				if len(desc.DependsOn) > 0 {
					fmt.Printf("  (after %s)", strings.Join(desc.DependsOn, ", "))
				}
				fmt.Println()
			}
			return nil
		},
	}
	resourcesCmd.Flags().StringVar(&manifestFile, "manifest", "", "run manifest file (required)")
	_ = resourcesCmd.MarkFlagRequired("manifest")
	root.AddCommand(resourcesCmd)

	var (
		runManifestFile string
		connectionsFile string
		connectionsS3   string
		watermarkFile   string
		watermarkDSN    string
		metricsAddr     string
		enableTracing   bool
	)
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a replication",
		Long: `Run a replication described by a manifest. Connection details are
resolved by name from a local JSON document or an S3 object.

Example:
  edfipub run --manifest run.yaml --connections connections.json --watermarks watermarks.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := runReplication(cmd.Context(), runOptions{
				manifestFile:    runManifestFile,
				connectionsFile: connectionsFile,
				connectionsS3:   connectionsS3,
				watermarkFile:   watermarkFile,
				watermarkDSN:    watermarkDSN,
				metricsAddr:     metricsAddr,
				enableTracing:   enableTracing,
			})
			if err != nil {
				return err
			}
			if code != exitOK {
				os.Exit(code)
			}
			return nil
		},
	}
	runCmd.Flags().StringVar(&runManifestFile, "manifest", "", "run manifest file (required)")
	runCmd.Flags().StringVar(&connectionsFile, "connections", "", "connections JSON file")
	runCmd.Flags().StringVar(&connectionsS3, "connections-s3", "", "connections object as s3://bucket/key")
	runCmd.Flags().StringVar(&watermarkFile, "watermarks", "", "watermark JSON file")
	runCmd.Flags().StringVar(&watermarkDSN, "watermarks-dsn", "", "watermark Postgres DSN")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (e.g. :9090)")
	runCmd.Flags().BoolVar(&enableTracing, "trace", false, "export stage spans to stdout")
	_ = runCmd.MarkFlagRequired("manifest")
	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitAborted)
	}
}

type runOptions struct {
	manifestFile    string
	connectionsFile string
	connectionsS3   string
	watermarkFile   string
	watermarkDSN    string
	metricsAddr     string
	enableTracing   bool
}

func runReplication(parent context.Context, opts runOptions) (int, error) {
	manifest, err := config.LoadManifest(opts.manifestFile)
	if err != nil {
		return exitAborted, fmt.Errorf("failed to load manifest: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:       manifest.Options.Logging.Level,
		Encoding:    manifest.Options.Logging.Encoding,
		Development: manifest.Options.Logging.Development,
	}); err != nil {
		return exitAborted, err
	}
	log := logger.Get()
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracingCfg := observability.DefaultTracingConfig()
	tracingCfg.Enabled = opts.enableTracing
	if err := observability.Initialize(tracingCfg); err != nil {
		return exitAborted, err
	}
	defer func() { _ = observability.Shutdown(context.Background()) }()

	if opts.metricsAddr != "" {
		go serveMetrics(opts.metricsAddr, log)
	}

	reader, err := buildConnectionReader(ctx, opts)
	if err != nil {
		return exitAborted, err
	}

	sourceCfg, err := reader.GetConnection(ctx, manifest.SourceConnection)
	if err != nil {
		return exitAborted, err
	}
	targetCfg, err := reader.GetConnection(ctx, manifest.TargetConnection)
	if err != nil {
		return exitAborted, err
	}

	sourceClient, err := clients.NewRESTClient(ctx, sourceCfg, log)
	if err != nil {
		return exitAborted, fmt.Errorf("failed to create source client: %w", err)
	}
	defer sourceClient.Close()

	targetClient, err := clients.NewRESTClient(ctx, targetCfg, log)
	if err != nil {
		return exitAborted, fmt.Errorf("failed to create target client: %w", err)
	}
	defer targetClient.Close()

	store, err := buildWatermarkStore(ctx, opts)
	if err != nil {
		return exitAborted, err
	}
	if store != nil {
		defer func() { _ = store.Close(context.Background()) }()
	}

	descriptors := descriptorsFromManifest(manifest)
	window, err := pipeline.AcquireChangeWindow(ctx, sourceClient, store, descriptors, manifest.MaxChangeVersion)
	if err != nil {
		if ctx.Err() != nil {
			return exitAborted, nil
		}
		return exitAborted, fmt.Errorf("failed to acquire change window: %w", err)
	}

	proc, err := pipeline.NewProcessingContext(descriptors, window, &manifest.Options)
	if err != nil {
		return exitAborted, err
	}

	var limiter clients.RateLimiter
	if manifest.Options.RateLimit.Enabled {
		limiter = clients.NewTokenBucketRateLimiter(
			manifest.Options.RateLimit.RequestsPerSecond,
			manifest.Options.RateLimit.Burst)
	}

	var watermarks pipeline.WatermarkWriter
	if store != nil {
		watermarks = store
	}

	orch := pipeline.NewOrchestrator(proc, pipeline.OrchestratorConfig{
		Source:     pipeline.NewRESTSource(sourceClient),
		Target:     pipeline.NewRESTTarget(targetClient),
		Limiter:    limiter,
		Watermarks: watermarks,
	}, log)

	log.Info("replication starting",
		zap.String("source", manifest.SourceConnection),
		zap.String("target", manifest.TargetConnection),
		zap.Int("resources", len(descriptors)))

	result, err := orch.Run(ctx)
	if err != nil {
		return exitAborted, err
	}

	printSummary(result)

	switch result.Status {
	case pipeline.RunCompleted:
		return exitOK, nil
	case pipeline.RunCompletedWithErrors:
		return exitWithErrors, nil
	default:
		return exitAborted, nil
	}
}

func buildConnectionReader(ctx context.Context, opts runOptions) (connections.Reader, error) {
	switch {
	case opts.connectionsS3 != "":
		bucket, key, err := splitS3URI(opts.connectionsS3)
		if err != nil {
			return nil, err
		}
		return connections.NewS3Reader(ctx, bucket, key)
	case opts.connectionsFile != "":
		return connections.NewPlaintextReader(opts.connectionsFile)
	default:
		return nil, fmt.Errorf("either --connections or --connections-s3 is required")
	}
}

func buildWatermarkStore(ctx context.Context, opts runOptions) (watermark.Store, error) {
	switch {
	case opts.watermarkDSN != "":
		return watermark.NewPostgresStore(ctx, opts.watermarkDSN)
	case opts.watermarkFile != "":
		return watermark.NewFileStore(opts.watermarkFile)
	default:
		return nil, nil
	}
}

func splitS3URI(uri string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(uri, "s3://")
	if trimmed == uri {
		return "", "", fmt.Errorf("invalid S3 URI %q: must start with s3://", uri)
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid S3 URI %q: expected s3://bucket/key", uri)
	}
	return parts[0], parts[1], nil
}

func descriptorsFromManifest(manifest *config.RunManifest) []pipeline.ResourceDescriptor {
	descriptors := make([]pipeline.ResourceDescriptor, 0, len(manifest.Resources))
	for _, r := range manifest.Resources {
		descriptors = append(descriptors, pipeline.ResourceDescriptor{
			Path:               r.Path,
			DependsOn:          r.DependsOn,
			SupportsDeletes:    r.SupportsDeletes,
			SupportsKeyChanges: r.SupportsKeyChanges,
			UsesReversePaging:  r.UseReversePaging || manifest.Options.Paging.UseReversePaging,
		})
	}
	return descriptors
}

func serveMetrics(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info("serving metrics", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn("metrics server stopped", zap.Error(err))
	}
}

func printSummary(result *pipeline.RunResult) {
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return
	}
	fmt.Println(string(out))
}
