// Command kbcored starts the knowledge-base core daemon: the HTTP
// maintenance API (refresh/sync/cleanup/prune), the task worker pool
// driving the Plan/Diet/Ask pipeline, and the chat-projection scheduler.
//
// Usage:
//
//	go run ./cmd/kbcored
//	go run ./cmd/kbcored -port 8090 -debug
//
// Weaviate connection settings (WEAVIATE_SCHEME, WEAVIATE_HOST,
// WEAVIATE_API_KEY) are read directly from the environment rather than
// through internal/config.Config, which is scoped to the settings
// spec.md §6.6 names explicitly.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/aicoach/kbcore/internal/app"
	"github.com/aicoach/kbcore/internal/config"
	"github.com/aicoach/kbcore/internal/engine"
	weaviateadapter "github.com/aicoach/kbcore/internal/engine/weaviate"
	"github.com/aicoach/kbcore/internal/httpapi"
	"github.com/aicoach/kbcore/internal/idempotency"
	"github.com/aicoach/kbcore/internal/kb/chatscheduler"
	"github.com/aicoach/kbcore/internal/kb/contentstore"
	"github.com/aicoach/kbcore/internal/kb/dataset"
	"github.com/aicoach/kbcore/internal/kb/gdrive"
	"github.com/aicoach/kbcore/internal/kb/hashstore"
	"github.com/aicoach/kbcore/internal/kb/ingest"
	"github.com/aicoach/kbcore/internal/kb/projection"
	"github.com/aicoach/kbcore/internal/kb/search"
	"github.com/aicoach/kbcore/internal/kb/storage"
	"github.com/aicoach/kbcore/internal/lock"
	"github.com/aicoach/kbcore/internal/notify"
	"github.com/aicoach/kbcore/internal/task/credit"
	"github.com/aicoach/kbcore/internal/task/orchestrator"
	"github.com/aicoach/kbcore/internal/task/queue"
	"github.com/aicoach/kbcore/internal/task/upstream"
)

// systemUser is the internal actor background maintenance (refresh,
// GDrive ingest, chat re-projection) runs as, mirroring
// original_source's knowledge base singleton's own system credential.
var systemUser = engine.UserContext{ProfileID: "system", SessionID: "kbcored"}

func main() {
	port := flag.Int("port", 8090, "Port to listen on")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading configuration", "error", err.Error())
		os.Exit(1)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr(cfg.RedisURL)})
	defer rdb.Close()

	engineAdapter, err := weaviateadapter.New(weaviateadapter.Config{
		Scheme: envOr("WEAVIATE_SCHEME", "http"),
		Host:   envOr("WEAVIATE_HOST", "localhost:8080"),
		APIKey: os.Getenv("WEAVIATE_API_KEY"),
	})
	if err != nil {
		slog.Error("connecting to weaviate", "error", err.Error())
		os.Exit(1)
	}
	setupCtx, setupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := engineAdapter.Setup(setupCtx); err != nil {
		slog.Error("weaviate schema setup", "error", err.Error())
		setupCancel()
		os.Exit(1)
	}
	setupCancel()

	content := contentstore.New(cfg.CogneeStoragePath)
	hashes := hashstore.New(rdb, hashstore.WithTTL(time.Duration(cfg.BackupRetentionDays)*24*time.Hour))
	registry := dataset.New(engineAdapter, engineAdapter)
	storageSvc := storage.New(hashes, content)
	ingestSvc := ingest.New(content, hashes, engineAdapter)
	locks := lock.NewCache()
	redisLock := lock.NewRedisLock(rdb)
	projector := projection.New(registry, storageSvc, engineAdapter, locks)
	idem := idempotency.New(rdb)
	syncDedup := idempotency.New(rdb, idempotency.WithTTL(10*time.Minute))
	memifyDedup := idempotency.New(rdb, idempotency.WithTTL(time.Hour))
	taskQueue := queue.NewChannel(queue.WithWorkers(4))

	searchSvc := search.New(engineAdapter, projector, registry, hashes, syncDedup, memifyDedup, taskQueue, cfg.CogneeGlobalDataset)

	var loader *gdrive.Loader
	if cfg.GoogleApplicationCredentials != "" && cfg.GDriveFolderID != "" {
		driveClient, clientErr := gdrive.NewClient(context.Background(), cfg.GoogleApplicationCredentials)
		if clientErr != nil {
			slog.Warn("gdrive client unavailable, loader disabled", "error", clientErr.Error())
		} else {
			gdriveCache := gdrive.NewCache(rdb)
			loader = gdrive.New(driveClient, driveClient, ingestSvc, hashes, projector, gdriveCache, redisLock, cfg.CogneeGlobalDataset, gdrive.Config{
				FolderID:      cfg.GDriveFolderID,
				MaxFileSizeMB: cfg.MaxFileSizeMB,
				MaxRetries:    cfg.GDriveMaxRetries,
				InitialDelay:  cfg.GDriveInitialDelay,
				BackoffFactor: cfg.GDriveBackoffFactor,
				MaxDelay:      cfg.GDriveMaxDelay,
				SummaryTTL:    time.Duration(cfg.GDriveSummaryTTLDays) * 24 * time.Hour,
			}, systemUser)
		}
	}

	var kbOpts []app.Option
	if loader != nil {
		kbOpts = append(kbOpts, app.WithLoader(loader))
	}
	kb := app.New(registry, projector, searchSvc, hashes, storageSvc, cfg.CogneeGlobalDataset, systemUser, kbOpts...)

	scheduler := chatscheduler.New(projectionProcessor{projector}, cfg.KBChatProjectDebounceMin, systemUser)
	runCtx, runCancel := context.WithCancel(context.Background())
	scheduler.Start(runCtx)

	creditLedger := credit.New(cfg.ProfileAPIBaseURL)
	notifier := notify.New(cfg.BotCallbackBaseURL, cfg.InternalKeyID, cfg.HMACSecret)
	upstreamClient := upstream.New(cfg.ProfileAPIBaseURL)
	taskOrchestrator := orchestrator.New(idem, creditLedger, notifier, upstreamClient,
		orchestrator.WithMaxRetries(cfg.AIQAMaxRetries),
		orchestrator.WithRetryBackoff(cfg.AIQARetryBackoffS),
	)
	registerTaskHandlers(taskQueue, taskOrchestrator)
	taskQueue.Start(runCtx)

	handlers := httpapi.NewHandlers(kb, slog.Default())
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("kbcore"))
	if *debug {
		router.Use(gin.Logger())
	}
	httpapi.RegisterRoutes(router.Group("/"), handlers, cfg.RefreshUser, cfg.RefreshPassword, cfg.InternalKeyID, cfg.InternalAPIKey)

	printBanner(*port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		slog.Info("shutting down kbcored")
		runCancel()
		scheduler.Close()
		taskQueue.Close()
		os.Exit(0)
	}()

	addr := fmt.Sprintf(":%d", *port)
	slog.Info("starting kbcored", "address", addr)
	if err := router.Run(addr); err != nil {
		slog.Error("server exited", "error", err.Error())
		os.Exit(1)
	}
}

// projectionProcessor adapts ProjectionService.Project to
// chatscheduler.Processor: a debounced re-projection request never wants
// the aggressive full-engine rebuild path, so allowRebuild is always
// false here.
type projectionProcessor struct {
	projector *projection.Service
}

func (p projectionProcessor) ProcessDataset(ctx context.Context, alias string, user engine.UserContext) error {
	return p.projector.Project(ctx, alias, user, false)
}

// registerTaskHandlers wires the Plan/Diet/Ask flows' queue.Task kinds to
// the shared TaskOrchestrator, per spec.md §4.I.
func registerTaskHandlers(q *queue.Channel, o *orchestrator.Orchestrator) {
	flows := map[string]orchestrator.Flow{
		"kb.plan": orchestrator.FlowPlan,
		"kb.diet": orchestrator.FlowDiet,
		"kb.ask":  orchestrator.FlowAsk,
	}
	for kind, flow := range flows {
		flow := flow
		q.RegisterHandler(kind, func(ctx context.Context, t queue.Task) error {
			req, ok := t.Payload.(orchestrator.Request)
			if !ok {
				return fmt.Errorf("kbcored: unexpected payload type %T for %s", t.Payload, flow)
			}
			return o.Execute(ctx, flow, req, t.Attempt)
		})
	}
}

func redisAddr(rawURL string) string {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return "127.0.0.1:6379"
	}
	return opts.Addr
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printBanner(port int) {
	banner := `
╔═══════════════════════════════════════════════════════════╗
║                        KBCORED                             ║
╠═══════════════════════════════════════════════════════════╣
║  AI fitness-coach knowledge base core                      ║
║                                                             ║
║  Maintenance API:                                          ║
║    POST /knowledge/refresh/            (Basic auth)        ║
║    POST /internal/knowledge/profiles/:id/sync/    (HMAC)   ║
║    POST /internal/knowledge/profiles/:id/cleanup/  (HMAC)  ║
║    POST /internal/knowledge/prune/                 (HMAC)  ║
║                                                             ║
║    curl -u user:pass -X POST http://localhost:%-5d/knowledge/refresh/
║                                                             ║
║  Press Ctrl+C to stop                                      ║
╚═══════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner, port)
}
