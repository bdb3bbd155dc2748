// clipcast orchestrator — runs the ingestion gate, pipeline stage
// workers, upload scheduler and worker, retry controller, and the
// manual/admin HTTP API for one channel.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/clipcast/clipcast/pkg/api"
	"github.com/clipcast/clipcast/pkg/bus"
	"github.com/clipcast/clipcast/pkg/claim"
	"github.com/clipcast/clipcast/pkg/collab"
	"github.com/clipcast/clipcast/pkg/config"
	"github.com/clipcast/clipcast/pkg/ingest"
	"github.com/clipcast/clipcast/pkg/llm"
	"github.com/clipcast/clipcast/pkg/notify"
	"github.com/clipcast/clipcast/pkg/pipeline"
	"github.com/clipcast/clipcast/pkg/retry"
	"github.com/clipcast/clipcast/pkg/scheduler"
	"github.com/clipcast/clipcast/pkg/store"
	"github.com/clipcast/clipcast/pkg/upload"
	"github.com/clipcast/clipcast/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// subscribe registers a handler for a topic and its retry tier, wrapped
// in the shared retry policy. onDeadLetter may be nil.
func subscribe(k *bus.Kafka, policy bus.RetryPolicy, topic, group string,
	handler bus.Handler, onDeadLetter func(ctx context.Context, msg bus.Message, reason string)) {
	retrier := bus.NewRetrier(k, policy)
	if onDeadLetter != nil {
		retrier.OnDeadLetter(onDeadLetter)
	}
	wrapped := retrier.Wrap(handler)
	k.Subscribe(topic, group, wrapped)
	k.Subscribe(bus.RetryTopic(topic), group, wrapped)
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Channel behavior, resolved once. The "renderer" role runs only
	// the render worker and serves every channel.
	behavior, err := config.ResolveFromEnv()
	if err != nil {
		slog.Error("Failed to resolve channel behavior", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting clipcast", "version", version.Full(), "channel", behavior.ChannelID)

	// 2. Job store.
	dbConfig, err := store.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	st, err := store.Open(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to open job store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing job store", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL job store")

	// 3. Event bus.
	kafka, err := bus.NewKafka(config.BusBrokersFromEnv())
	if err != nil {
		slog.Error("Failed to create kafka bus", "error", err)
		os.Exit(1)
	}
	defer kafka.Close()

	// Warn-and-above records also go to the system-logs topic for
	// out-of-band inspection.
	logShipper := bus.NewLogShipper(slog.Default().Handler(), kafka, "clipcast-"+behavior.ChannelID)
	logShipper.Start(ctx)
	slog.SetDefault(slog.New(logShipper))

	policy := bus.DefaultRetryPolicy()
	claims := claim.NewService(st)
	workerCfg := config.LoadWorkerConfigFromEnv()
	schedCfg := config.LoadSchedulerConfigFromEnv()

	// 4. Render worker — every role runs it; renderer boxes join the
	// same consumer group and share the partition load.
	renderClient, err := collab.NewRenderClientFromEnv(behavior)
	if err != nil {
		slog.Error("Failed to configure render client", "error", err)
		os.Exit(1)
	}
	renderWorker := pipeline.NewRenderWorker(st, claims, kafka, behavior, renderClient, workerCfg)
	subscribe(kafka, policy, renderWorker.Topic(), renderWorker.Group(),
		renderWorker.Handle, renderWorker.DeadLetter)

	if behavior.ShouldSkipGeneration() {
		runRenderer(ctx, kafka)
		return
	}

	// 5. LLM client and generation workers.
	llmClient, err := llm.NewClientFromEnv()
	if err != nil {
		slog.Error("Failed to configure LLM client", "error", err)
		os.Exit(1)
	}
	assetClient, err := collab.NewAssetClientFromEnv(behavior)
	if err != nil {
		slog.Error("Failed to configure asset client", "error", err)
		os.Exit(1)
	}

	scriptWorker := pipeline.NewScriptingWorker(st, claims, kafka, behavior,
		pipeline.NewLLMScriptWriter(llmClient, st, behavior), workerCfg)
	assetsWorker := pipeline.NewAssetsWorker(st, claims, kafka, behavior, assetClient, workerCfg)
	for _, w := range []*pipeline.StageWorker{scriptWorker, assetsWorker} {
		subscribe(kafka, policy, w.Topic(), w.Group(), w.Handle, w.DeadLetter)
	}

	// 6. Ingestion gate with LLM-backed similarity and safety filters and
	// the optional platform title index.
	classifier := ingest.NewLLMClassifier(llmClient)
	var platform ingest.PlatformIndex
	if idx := collab.NewPlatformIndexClientFromEnv(); idx != nil {
		platform = idx
	}
	gate := ingest.NewGate(st, st, kafka, behavior, classifier, classifier, platform)
	subscribe(kafka, policy, bus.TopicBundle, "ingest-gate", gate.HandleBundle, nil)
	subscribe(kafka, policy, bus.TopicRegenerationRequested, "ingest-regen",
		gate.HandleRegeneration, nil)

	// 7. Upload worker, consuming the new trigger and the legacy
	// video-created topic in the same group.
	uploadClient, err := collab.NewUploadClientFromEnv()
	if err != nil {
		slog.Error("Failed to configure upload client", "error", err)
		os.Exit(1)
	}
	notifier := notify.NewSlackNotifierFromEnv()
	uploadWorker := upload.New(st, st, claims, kafka, behavior, uploadClient, notifier, schedCfg)
	subscribe(kafka, policy, bus.TopicUploadRequested, "upload-worker", uploadWorker.Handle, nil)
	subscribe(kafka, policy, bus.TopicVideoCreated, "upload-worker", uploadWorker.Handle, nil)

	// 8. Retry controller.
	retryCtl := retry.New(st, kafka, behavior, policy)
	subscribe(kafka, policy, bus.TopicUploadFailed, "retry-controller", retryCtl.Handle, nil)

	// 9. Upload scheduler and retention janitor.
	sched := scheduler.New(st, st, st, claims, kafka, behavior, schedCfg)
	go sched.Run(ctx)

	janitor := scheduler.NewJanitor(st, config.LoadRetentionConfigFromEnv())
	janitor.Start(ctx)
	defer janitor.Stop()

	// 10. HTTP API with the synchronous pipeline runner.
	runner := pipeline.NewRunner(st, scriptWorker, assetsWorker, renderWorker)
	apiServer := api.NewServer(st, runner, behavior, sched, janitor, st, st, st)
	apiServer.Start(ctx)
	defer apiServer.Stop()

	httpServer := &http.Server{
		Addr:    ":" + getEnv("HTTP_PORT", "8080"),
		Handler: apiServer.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// 11. Start consuming.
	if err := kafka.Start(ctx); err != nil {
		slog.Error("Failed to start kafka bus", "error", err)
		os.Exit(1)
	}
	slog.Info("clipcast started", "channel", behavior.ChannelID)

	// 12. Wait for shutdown signal or server error, then shut down in
	// reverse order of startup.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server error triggered shutdown", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		workerCfg.GracefulShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown incomplete", "error", err)
	}
	// Deferred: API queue drain, janitor, kafka, store.
}

// runRenderer blocks a renderer-role process on its render subscription.
func runRenderer(ctx context.Context, kafka *bus.Kafka) {
	if err := kafka.Start(ctx); err != nil {
		slog.Error("Failed to start kafka bus", "error", err)
		os.Exit(1)
	}
	slog.Info("clipcast renderer started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig)
}
