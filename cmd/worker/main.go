package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dante-gpu/asset-worker/internal/config"
	"github.com/dante-gpu/asset-worker/internal/discovery"
	"github.com/dante-gpu/asset-worker/internal/executor"
	"github.com/dante-gpu/asset-worker/internal/gpu"
	"github.com/dante-gpu/asset-worker/internal/jobstate"
	"github.com/dante-gpu/asset-worker/internal/pipeline"
	"github.com/dante-gpu/asset-worker/internal/publisher"
	"github.com/dante-gpu/asset-worker/internal/queue"
	"github.com/dante-gpu/asset-worker/internal/server"
	"github.com/dante-gpu/asset-worker/internal/status"
	"github.com/dante-gpu/asset-worker/internal/storage"
	"github.com/dante-gpu/asset-worker/internal/sysinfo"
	"github.com/dante-gpu/asset-worker/internal/tasks"
	"github.com/dante-gpu/asset-worker/internal/workspace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var (
	Version   = "dev"     // Injected at build time
	BuildDate = "unknown" // Injected at build time
)

// CLI flags
var (
	configPath            = flag.String("config", filepath.Join("configs", "config.yaml"), "Path to the configuration file")
	getGpusJSON           = flag.Bool("get-gpus-json", false, "Detect GPUs, print their allocation scores as JSON, then exit")
	getSystemOverviewJSON = flag.Bool("get-system-overview-json", false, "Get system overview (CPU, RAM, workspace disk, uptime) as JSON, then exit")
	getJobStateJSON       = flag.String("get-job-state-json", "", "Print the state record of the given job's workspace as JSON, then exit")
)

func main() {
	flag.Parse()

	tempLogger, _ := setupLogger("info")
	cfg, err := config.LoadConfig(*configPath, tempLogger)
	if err != nil {
		tempLogger.Fatal("Failed to load configuration", zap.Error(err), zap.String("path", *configPath))
	}

	logger, err := setupLogger(cfg.LogLevel)
	if err != nil {
		tempLogger.Fatal("Failed to setup logger with config level", zap.Error(err))
	}
	defer logger.Sync()
	cfg.Logger = logger

	detector := gpu.NewNvidiaSMI(cfg.GPUConfig.NvidiaSmiPath, cfg.GPUConfig.LegacyScaling(), logger)
	allocator := gpu.NewAllocator(detector, cfg.GPUConfig.MemoryWeight, cfg.GPUConfig.ComputeWeight, logger)

	// --- Handle CLI Commands ---
	if *getGpusJSON {
		handleGetGpusJSON(detector, allocator, logger)
		return
	}
	if *getSystemOverviewJSON {
		handleGetSystemOverviewJSON(cfg, logger)
		return
	}
	if *getJobStateJSON != "" {
		handleGetJobStateJSON(cfg, *getJobStateJSON, logger)
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	logger.Info("Starting asset worker",
		zap.String("version", Version),
		zap.String("buildDate", BuildDate),
		zap.String("instanceID", cfg.InstanceID),
		zap.String("executor", cfg.ExecutorConfig.Type),
		zap.String("storage", cfg.StorageConfig.Backend),
		zap.Bool("legacyMemoryScaling", cfg.GPUConfig.LegacyScaling()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, allocator, logger); err != nil {
		logger.Fatal("Asset worker stopped with error", zap.Error(err))
	}
	logger.Info("Asset worker stopped")
}

// run wires the worker together and blocks until ctx is cancelled or a
// consumer fails.
func run(ctx context.Context, cfg *config.Config, allocator *gpu.Allocator, logger *zap.Logger) error {
	store := storage.NewHTTPStore(cfg.StorageRoot, cfg.StorageConfig.UploadPath, cfg.RequestTimeout, cfg.RetryConfig, logger)
	var uploader storage.Uploader = store
	if cfg.StorageConfig.Backend == "minio" {
		objectStore, err := storage.NewMinioUploader(ctx, cfg.StorageConfig.Minio, logger)
		if err != nil {
			return err
		}
		if err := objectStore.EnsureBucket(ctx); err != nil {
			return err
		}
		uploader = objectStore
	}

	workspaces, err := workspace.NewManager(cfg.WorkspaceDir, store, uploader, cfg.MinFreeDiskGB, logger)
	if err != nil {
		return err
	}

	modelsDir, err := filepath.Abs(cfg.ExecutorConfig.ModelsDir)
	if err != nil {
		return fmt.Errorf("resolve models dir: %w", err)
	}

	exec, closeExec, err := newExecutor(ctx, cfg, workspaces.Root(), modelsDir, logger)
	if err != nil {
		return err
	}
	defer closeExec()

	tracker := status.NewTracker()
	pub := publisher.New(cfg.APIRoot, cfg.StorageRoot, cfg.RequestTimeout, cfg.RetryConfig, logger)
	seq := pipeline.NewSequencer(exec, allocator, pub, modelsDir, logger).WithObserver(tracker.Observe)
	handler := tasks.NewHandler(workspaces, seq, tracker,
		pipeline.CatalogOptions{DevicesPerStage: cfg.GPUConfig.DevicesPerStage},
		cfg.PurgeWorkspace, logger)

	nc, err := queue.Connect(cfg.NatsConfig, cfg.InstanceID, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := nc.Drain(); err != nil {
			logger.Warn("Failed to drain NATS connection", zap.Error(err))
		}
	}()

	js, err := queue.ConnectJetStream(nc, logger)
	if err != nil {
		return err
	}
	if err := queue.EnsureStream(js, cfg.NatsConfig.StreamName, queue.StreamSubjects(cfg.NatsConfig), logger); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if !cfg.NatsConfig.Reconstruction.Disabled {
		c := queue.NewConsumer(tasks.QueueReconstruction, cfg.InstanceID, cfg.NatsConfig.Reconstruction, cfg.NatsConfig, js, handler.HandleReconstruction, logger)
		g.Go(func() error { return c.Run(gctx) })
	}
	if !cfg.NatsConfig.Segmentation.Disabled {
		c := queue.NewConsumer(tasks.QueueSegment, cfg.InstanceID, cfg.NatsConfig.Segmentation, cfg.NatsConfig, js, handler.HandleSegment, logger)
		g.Go(func() error { return c.Run(gctx) })
	}
	if cfg.StatusAddr != "" {
		h := server.NewHandlers(cfg.InstanceID, tracker, allocator, workspaces.Root(), logger)
		srv := server.NewServer(cfg.StatusAddr, h.Routes(), logger)
		g.Go(func() error { return server.Serve(gctx, srv, logger) })

		if cfg.ConsulConfig.Address != "" {
			deregister, err := registerWithConsul(cfg, logger)
			if err != nil {
				logger.Warn("Consul registration failed, continuing without it", zap.Error(err))
			} else {
				defer deregister()
			}
		}
	}

	logger.Info("Asset worker is running. Waiting for jobs...")
	return g.Wait()
}

func registerWithConsul(cfg *config.Config, logger *zap.Logger) (func(), error) {
	client, err := discovery.Connect(cfg.ConsulConfig.Address, logger)
	if err != nil {
		return nil, err
	}
	reg, err := discovery.Registration(cfg.ConsulConfig, cfg.InstanceID, cfg.StatusAddr)
	if err != nil {
		return nil, err
	}
	return discovery.Register(client, reg, logger)
}

// newExecutor builds the configured executor and a func releasing it.
func newExecutor(ctx context.Context, cfg *config.Config, workspaceRoot, modelsDir string, logger *zap.Logger) (executor.Executor, func(), error) {
	ec := cfg.ExecutorConfig
	switch ec.Type {
	case "docker":
		de, err := executor.NewDockerExecutor(ctx, executor.DockerOptions{
			Endpoint:     ec.Docker.Endpoint,
			Images:       ec.Docker.Images,
			Mounts:       []string{workspaceRoot, modelsDir},
			StageTimeout: ec.StageTimeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return de, func() {
			if err := de.Close(); err != nil {
				logger.Warn("Failed to close docker client", zap.Error(err))
			}
		}, nil
	default:
		mode := executor.ModeConda
		if ec.Type == "direct" {
			mode = executor.ModeDirect
		}
		se := executor.NewShellExecutor(executor.ShellOptions{
			Mode:         mode,
			Shell:        ec.Shell,
			CondaSource:  ec.CondaSource,
			StageTimeout: ec.StageTimeout,
			StreamOutput: ec.StreamOutput,
		}, logger)
		return se, func() {}, nil
	}
}

func handleGetGpusJSON(detector *gpu.NvidiaSMI, allocator *gpu.Allocator, logger *zap.Logger) {
	logger.Info("CLI command: --get-gpus-json")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	gpus, err := detector.Detect(ctx)
	if err != nil {
		outputJSONError(fmt.Sprintf("failed to detect GPUs: %v", err), os.Stderr, logger)
		return
	}
	scores, err := allocator.Scores(ctx)
	if err != nil {
		outputJSONError(fmt.Sprintf("failed to score GPUs: %v", err), os.Stderr, logger)
		return
	}
	outputJSON(struct {
		GPUs   []gpu.GPUInfo `json:"gpus"`
		Scores []gpu.Score   `json:"scores"`
	}{GPUs: gpus, Scores: scores}, logger)
}

func handleGetSystemOverviewJSON(cfg *config.Config, logger *zap.Logger) {
	logger.Info("CLI command: --get-system-overview-json")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	outputJSON(sysinfo.Collect(ctx, cfg.WorkspaceDir, logger), logger)
}

func handleGetJobStateJSON(cfg *config.Config, jobID string, logger *zap.Logger) {
	logger.Info("CLI command: --get-job-state-json", zap.String("job_id", jobID))
	record, err := jobstate.Read(cfg.WorkspaceDir, jobID)
	if err != nil {
		outputJSONError(fmt.Sprintf("failed to read job state of %s: %v", jobID, err), os.Stderr, logger)
		return
	}
	outputJSON(record, logger)
}

func outputJSON(data interface{}, logger *zap.Logger) {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		logger.Error("Failed to marshal data to JSON for CLI output", zap.Error(err))
		fmt.Fprintf(os.Stdout, "{\"error\": \"Failed to marshal data to JSON: %s\"}\n", err.Error())
		os.Exit(1)
	}
	fmt.Println(string(jsonData))
	os.Exit(0)
}

func outputJSONError(message string, writer *os.File, logger *zap.Logger) {
	logger.Error("CLI command error", zap.String("error_message", message))
	jsonData, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		fmt.Fprintf(writer, "{\"error\": \"Failed to marshal error message to JSON. Original error: %s\"}\n", message)
		os.Exit(1)
	}
	fmt.Fprintln(writer, string(jsonData))
	os.Exit(1)
}

func setupLogger(levelString string) (*zap.Logger, error) {
	var logLevel zapcore.Level
	if err := logLevel.Set(levelString); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level specified: %s. Defaulting to info.\n", levelString)
		logLevel = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	consoleEncoderCfg := zap.NewDevelopmentEncoderConfig()
	consoleEncoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleEncoderCfg.TimeKey = "ts"
	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(consoleEncoderCfg),
		zapcore.AddSync(os.Stderr),
		logLevel,
	)

	logDir := filepath.Join(".", "logs", "asset-worker")
	if err := os.MkdirAll(logDir, os.ModePerm); err != nil {
		logger := zap.New(consoleCore, zap.AddCaller())
		logger.Error("Failed to create log directory, logging to console only", zap.String("directory", logDir), zap.Error(err))
		return logger, nil
	}

	logFile, err := os.OpenFile(filepath.Join(logDir, "worker.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger := zap.New(consoleCore, zap.AddCaller())
		logger.Error("Failed to open log file, logging to console only", zap.Error(err))
		return logger, nil
	}

	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(zapcore.Lock(logFile)),
		logLevel,
	)

	teeCore := zapcore.NewTee(fileCore, consoleCore)
	return zap.New(teeCore, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}
