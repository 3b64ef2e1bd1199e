// dancap captions danbooru images in bulk through Gemini on Vertex AI.
//
// One work selector is required: --key (one 100k-id shard, optionally
// narrowed by --start-id/--end-id offsets within the shard),
// --start-id/--end-id (a half-open absolute range), or --id (a single
// image, optionally with --url to bypass URL synthesis).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"dancap/internal/batch"
	"dancap/internal/character"
	"dancap/internal/config"
	"dancap/internal/fetch"
	"dancap/internal/logging"
	"dancap/internal/model"
	"dancap/internal/store"
	"dancap/internal/worker"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Work selectors
	shardKey int64
	startID  int64
	endID    int64
	singleID int64
	imageURL string

	// Overrides
	mongoURI          string
	maxConcurrency    int
	modelID           string
	projectID         string
	language          string
	outputDir         string
	saveImage         bool
	skipExistingCheck bool
	hfRepo            string
	hfCacheDir        string
	useHFPicsFirst    bool
	useWget           bool
	logLevel          string
	logFile           string

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "dancap",
	Short: "Bulk image captioning for the danbooru corpus via Gemini",
	Long: `dancap reads image metadata from MongoDB, downloads the images from the
HuggingFace archive or the CDN, and asks Gemini on Vertex AI for structured
captions. Outcomes are written back to sharded MongoDB collections, so
interrupted runs resume where they left off.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; real env vars win over it.
		_ = godotenv.Load()

		zapConfig := zap.NewProductionConfig()
		if verbose {
			zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapConfig.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.Close()
	},
	RunE: run,
}

func init() {
	flags := rootCmd.Flags()

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	flags.Int64Var(&shardKey, "key", -1, "Process one shard: ids [key*100000, (key+1)*100000)")
	flags.Int64Var(&startID, "start-id", -1, "First id of the range (inclusive); with --key, an offset within the shard")
	flags.Int64Var(&endID, "end-id", -1, "End of the range (exclusive); with --key, an offset within the shard")
	flags.Int64Var(&singleID, "id", -1, "Process a single id")
	flags.StringVar(&imageURL, "url", "", "Explicit image URL for --id, bypassing URL synthesis")

	flags.StringVar(&mongoURI, "mongodb-uri", "", "MongoDB connection URI")
	flags.IntVar(&maxConcurrency, "max-concurrency", 0, "Concurrent caption workers")
	flags.StringVar(&modelID, "model-id", "", "Gemini model id")
	flags.StringVar(&projectID, "project-id", "", "Google Cloud project id")
	flags.StringVar(&language, "language", "", "Caption language (zh or en)")
	flags.StringVar(&outputDir, "output-dir", "", "Write per-id result JSON files into this directory")
	flags.BoolVar(&saveImage, "save-image", false, "Persist downloaded image bytes under --output-dir")
	flags.BoolVar(&skipExistingCheck, "skip-existing-check", false, "Reprocess ids even when a successful caption is stored")
	flags.StringVar(&hfRepo, "hf-repo", "", "HuggingFace dataset repo for the image archive")
	flags.StringVar(&hfCacheDir, "hf-cache-dir", "", "Local cache directory for archive downloads")
	flags.BoolVar(&useHFPicsFirst, "use-hfpics-first", false, "Try the HuggingFace archive before the CDN")
	flags.BoolVar(&useWget, "use-wget", true, "Prefer the system wget binary for CDN downloads")
	flags.StringVar(&logLevel, "log-level", "", "Category log level (debug, info, warn, error)")
	flags.StringVar(&logFile, "log-file", "", "Redirect category logs to a file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if err := validateSelectors(); err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := logging.Initialize(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logging.Boot("configuration: %s", cfg)

	if err := cfg.InitializeCredentials(); err != nil {
		return fmt.Errorf("failed to initialize credentials: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	client, err := store.Connect(ctx, cfg.MongoURI)
	if err != nil {
		return fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	defer func() {
		_ = client.Disconnect(context.Background())
	}()

	orchestrator := buildPipeline(cfg, client)

	if singleID >= 0 {
		report := orchestrator.ProcessSingleID(ctx, singleID, imageURL)
		printOutcome(report)
		return nil
	}

	var stats *batch.Stats
	switch {
	case shardKey >= 0 && startID >= 0:
		stats, err = orchestrator.RunByKeyWithRange(ctx, shardKey, startID, endID)
	case shardKey >= 0:
		stats, err = orchestrator.RunByKey(ctx, shardKey)
	default:
		stats, err = orchestrator.RunRange(ctx, startID, endID)
	}
	if err != nil {
		return err
	}

	logger.Info("Run finished",
		zap.Int("total", stats.Total),
		zap.Int("success", stats.Success),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped),
		zap.Float64("seconds", stats.TotalTime))
	fmt.Println(stats)
	return nil
}

// validateSelectors enforces one work selector: --id alone, --key
// (optionally narrowed by a range), or --start-id/--end-id.
func validateSelectors() error {
	haveKey := shardKey >= 0
	haveRange := startID >= 0 || endID >= 0
	haveSingle := singleID >= 0

	switch {
	case haveSingle:
		if haveKey || haveRange {
			return fmt.Errorf("--id cannot be combined with --key or --start-id/--end-id")
		}
	case haveKey, haveRange:
	default:
		return fmt.Errorf("one of --key, --start-id/--end-id, or --id is required")
	}
	if haveRange && (startID < 0 || endID < 0) {
		return fmt.Errorf("--start-id and --end-id must be given together")
	}
	if haveRange && endID < startID {
		return fmt.Errorf("--end-id must not be less than --start-id")
	}
	if imageURL != "" && !haveSingle {
		return fmt.Errorf("--url requires --id")
	}
	if saveImage && outputDir == "" {
		return fmt.Errorf("--save-image requires --output-dir")
	}
	return nil
}

// loadConfig reads the YAML config and applies explicit flag overrides on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("mongodb-uri") {
		cfg.MongoURI = mongoURI
	}
	if flags.Changed("max-concurrency") {
		cfg.MaxConcurrency = maxConcurrency
	}
	if flags.Changed("model-id") {
		cfg.ModelID = modelID
	}
	if flags.Changed("project-id") {
		cfg.ProjectID = projectID
	}
	if flags.Changed("language") {
		cfg.Language = language
	}
	if flags.Changed("hf-repo") {
		cfg.HFRepo = hfRepo
	}
	if flags.Changed("hf-cache-dir") {
		cfg.HFCacheDir = hfCacheDir
	}
	if flags.Changed("use-hfpics-first") {
		cfg.UseHFPicsFirst = useHFPicsFirst
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if flags.Changed("log-file") {
		cfg.Logging.File = logFile
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	// Flags are the last override layer; clamp again so an out-of-domain
	// flag value cannot slip past the load-time normalization.
	cfg.Normalize()
	return cfg, nil
}

// buildPipeline wires gateways, fetcher, model client, worker, and
// orchestrator together.
func buildPipeline(cfg *config.Config, client *mongo.Client) *batch.Orchestrator {
	pics := store.NewPicsGateway(client)
	captions := store.NewCaptionsGateway(client)
	tags := store.NewTagsGateway(client)

	var archive *fetch.HFPicsClient
	if cfg.UseHFPicsFirst {
		archive = fetch.NewHFPicsClient(cfg.HFRepo, cfg.HFCacheDir)
	}
	acquirer := fetch.NewAcquirer(fetch.Options{
		Archive:      archive,
		ArchiveFirst: cfg.UseHFPicsFirst,
		UseWget:      useWget,
	})

	captioner := model.NewClient(cfg.ModelID, cfg.ProjectID, cfg.Regions)
	treeBuilder := character.NewBuilder(tags, pics, pics)

	imageDir := ""
	if saveImage {
		imageDir = outputDir
	}
	w := worker.New(captions, pics, acquirer, captioner, treeBuilder.TreeText, worker.Options{
		Language:          cfg.Language,
		OutputDir:         outputDir,
		ImageDir:          imageDir,
		SkipExistingCheck: skipExistingCheck,
	})

	return batch.New(captions, pics, w, cfg.MaxConcurrency)
}

func printOutcome(report *worker.Report) {
	if report.Skipped {
		fmt.Printf("id %d: caption already exists\n", report.Outcome.ID)
		return
	}
	data, err := json.MarshalIndent(report.Outcome, "", "  ")
	if err != nil {
		fmt.Printf("id %d: status %d\n", report.Outcome.ID, report.Outcome.StatusCode)
		return
	}
	fmt.Println(string(data))
}
