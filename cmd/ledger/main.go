package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-ledger/internal/api"
	"github.com/zombor/receipt-ledger/internal/extraction"
	"github.com/zombor/receipt-ledger/internal/pipeline"
	"github.com/zombor/receipt-ledger/internal/receipt"
	"github.com/zombor/receipt-ledger/pkg/logger"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("ledger")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		environment = fs.StringLong("env", "dev", "Environment: dev, staging or production")
		logLevel    = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		logFormat   = fs.StringLong("log-format", "json", "Log format: json or text")

		dbBackend   = fs.StringLong("db", "bolt", "Database backend: bolt, postgres or sqlite")
		boltPath    = fs.StringLong("bolt-path", "ledger.db", "Bolt database file path")
		sqlitePath  = fs.StringLong("sqlite-path", "ledger.sqlite", "SQLite database file path")
		postgresDSN = fs.StringLong("postgres-dsn", "", "Postgres connection string")

		storageBackend = fs.StringLong("storage", "local", "Image storage: local or s3")
		storagePath    = fs.StringLong("storage-path", "./receipts", "Local storage directory path")
		s3Bucket       = fs.StringLong("s3-bucket", "", "S3 bucket for receipt images")
		s3Region       = fs.StringLong("s3-region", "us-east-1", "S3 region")
		s3Prefix       = fs.StringLong("s3-prefix", "receipts", "S3 key prefix")
		s3Endpoint     = fs.StringLong("s3-endpoint", "", "S3-compatible endpoint URL (optional)")
		s3AccessKey    = fs.StringLong("s3-access-key", "", "S3 access key (optional, default credential chain otherwise)")
		s3SecretKey    = fs.StringLong("s3-secret-key", "", "S3 secret key")

		ocrBackend       = fs.StringLong("ocr", "gemini", "OCR backend: gemini or ollama")
		inferenceBackend = fs.StringLong("inference", "gemini", "Inference backend: gemini, ollama, vertex or rules")
		geminiKey        = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel      = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL        = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaVision     = fs.StringLong("ollama-vision-model", "llava", "Ollama model used for OCR")
		ollamaText       = fs.StringLong("ollama-text-model", "llama3.1", "Ollama model used for inference")
		vertexProject    = fs.StringLong("vertex-project", "", "Google Cloud project for Vertex AI")
		vertexRegion     = fs.StringLong("vertex-region", "us-central1", "Vertex AI region")
		vertexModel      = fs.StringLong("vertex-model", "gemini-2.5-flash", "Vertex AI model name")

		retryAttempts  = fs.IntLong("retry-attempts", 3, "Tries per external call, including the first")
		initialBackoff = fs.StringLong("initial-backoff", "500ms", "Wait before the first retry")
		maxBackoff     = fs.StringLong("max-backoff", "8s", "Longest wait between retries")
		attemptTimeout = fs.StringLong("attempt-timeout", "30s", "Timeout of a single external call")
		staleAfter     = fs.StringLong("stale-after", "5m", "Time after which a pending receipt is reclaimed")
		sweepInterval  = fs.StringLong("sweep-interval", "1m", "Interval of the stale receipt sweep (0 disables it)")

		futureHorizon   = fs.StringLong("future-horizon", "24h", "How far in the future a receipt date may be")
		pastHorizon     = fs.StringLong("past-horizon", "87600h", "Receipt dates older than this are suspicious")
		defaultCurrency = fs.StringLong("default-currency", "USD", "Currency used when a receipt shows none")
		reviewThreshold = fs.StringLong("review-threshold", "0.8", "Confidence below which a record needs review")
		categoriesFile  = fs.StringLong("categories", "", "YAML file with categories and synonyms (optional)")
		maxUploadMB     = fs.IntLong("max-upload-mb", 10, "Maximum upload size in MB (1-100)")
		allowedTypes    = fs.StringLong("allowed-types", strings.Join(receipt.DefaultAllowedTypes, ","), "Comma separated upload content types")
		frontendURL     = fs.StringLong("frontend-url", "", "Browser origin allowed to call the API (localhost is also allowed in dev)")

		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("LEDGER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	log, err := logger.New(*logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(log.With("env", *environment, "version", version))

	settings, err := parseSettings(rawSettings{
		Environment:     *environment,
		MaxUploadMB:     *maxUploadMB,
		FrontendURL:     *frontendURL,
		AllowedTypes:    *allowedTypes,
		RetryAttempts:   *retryAttempts,
		InitialBackoff:  *initialBackoff,
		MaxBackoff:      *maxBackoff,
		AttemptTimeout:  *attemptTimeout,
		StaleAfter:      *staleAfter,
		SweepInterval:   *sweepInterval,
		FutureHorizon:   *futureHorizon,
		PastHorizon:     *pastHorizon,
		DefaultCurrency: *defaultCurrency,
		ReviewThreshold: *reviewThreshold,
		CategoriesFile:  *categoriesFile,
	})
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	slog.Info("Initializing database...", "backend", *dbBackend)
	db, err := openDatabase(*dbBackend, *boltPath, *sqlitePath, *postgresDSN)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize storage
	slog.Info("Initializing storage...", "backend", *storageBackend)
	store, err := openStorage(ctx, *storageBackend, *storagePath, receipt.S3Config{
		Bucket:    *s3Bucket,
		Region:    *s3Region,
		Prefix:    *s3Prefix,
		Endpoint:  *s3Endpoint,
		AccessKey: *s3AccessKey,
		SecretKey: *s3SecretKey,
	})
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	apiKey := *geminiKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	backends := backendConfig{
		GeminiKey:     apiKey,
		GeminiModel:   *geminiModel,
		OllamaURL:     *ollamaURL,
		OllamaVision:  *ollamaVision,
		OllamaText:    *ollamaText,
		VertexProject: *vertexProject,
		VertexRegion:  *vertexRegion,
		VertexModel:   *vertexModel,
	}

	slog.Info("Initializing OCR...", "backend", *ocrBackend)
	ocr, err := openRecognizer(ctx, *ocrBackend, backends)
	if err != nil {
		slog.Error("Failed to initialize OCR", "error", err)
		os.Exit(1)
	}
	defer ocr.Close()

	slog.Info("Initializing inference...", "backend", *inferenceBackend)
	inferrer, err := openInferrer(ctx, *inferenceBackend, backends)
	if err != nil {
		slog.Error("Failed to initialize inference", "error", err)
		os.Exit(1)
	}
	defer inferrer.Close()

	extractor := extraction.NewExtractor(inferrer, extraction.ReceiptSchema(settings.Validator.Taxonomy().Categories))

	orchestrator, err := pipeline.New(db, store, ocr, extractor, settings.Validator, settings.Pipeline)
	if err != nil {
		slog.Error("Failed to initialize pipeline", "error", err)
		os.Exit(1)
	}

	receiptService := receipt.NewService(db, store, settings.Validator, settings.MaxUpload).
		WithAllowedTypes(settings.AllowedTypes)

	if settings.SweepInterval > 0 {
		go sweep(ctx, orchestrator, settings.SweepInterval)
	}

	// Initialize server
	basicAuth := api.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := api.NewServer(receiptService, orchestrator, basicAuth).WithCORS(settings.CORS)

	addr := fmt.Sprintf(":%d", *port)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	if err := server.Start(ctx, addr); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shut down")
}

// sweep periodically reclaims receipts whose processing was abandoned.
func sweep(ctx context.Context, orchestrator *pipeline.Orchestrator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := orchestrator.ReclaimStale(ctx)
			if err != nil {
				slog.Error("Stale receipt sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("Reclaimed stale receipts", "count", n)
			}
		}
	}
}
