package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rs/cors"

	"github.com/sdrelay/dispatcher/internal/adapters/backendhttp"
	"github.com/sdrelay/dispatcher/internal/adapters/duckdb"
	"github.com/sdrelay/dispatcher/internal/adapters/imagefetch"
	"github.com/sdrelay/dispatcher/internal/config"
	"github.com/sdrelay/dispatcher/internal/core/domain"
	"github.com/sdrelay/dispatcher/internal/core/services"
	"github.com/sdrelay/dispatcher/internal/queue"
	"github.com/sdrelay/dispatcher/pkg/kernel"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting sdrelay dispatcher")

	if err := run(logger); err != nil {
		logger.Error("dispatcher startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	// Chat front-end API key. Its absence does not bring the dispatcher
	// down — the chat adapter itself is out of scope here (spec.md §1) —
	// but spec.md §6 calls this out explicitly, so we surface it loudly.
	if os.Getenv("SDRELAY_CHAT_API_KEY") == "" {
		logger.Warn("SDRELAY_CHAT_API_KEY not set: chat front-end would refuse to start; serving core API only")
	}

	models := splitEnvList(os.Getenv("SDRELAY_MODELS"), []string{"anythingV5"})
	refiners := splitEnvList(os.Getenv("SDRELAY_REFINERS"), nil)
	backendURLs := splitEnvList(os.Getenv("SDRELAY_BACKEND_URLS"), nil)

	surfacesPath := os.Getenv("SDRELAY_SURFACE_CONFIG")
	var surfaces *config.SurfaceConfig
	if surfacesPath != "" {
		loaded, err := config.LoadSurfaceConfig(surfacesPath)
		if err != nil {
			return fmt.Errorf("failed to load surface config: %w", err)
		}
		surfaces = loaded
	} else {
		logger.Warn("SDRELAY_SURFACE_CONFIG not set: starting with an empty surface config, no channel is supported")
		surfaces = &config.SurfaceConfig{
			Channels:        map[string]config.SurfaceRecord{},
			Categories:      map[string]config.SurfaceRecord{},
			Guilds:          map[string]config.SurfaceRecord{},
			UserInFlightCap: map[string]int{},
		}
	}

	params := config.NewDefaultParamConfig(models, refiners)

	dbPath := os.Getenv("SDRELAY_DB_PATH")
	if dbPath == "" {
		dbPath = "sdrelay.db"
	}
	repo, err := duckdb.NewRepository(dbPath)
	if err != nil {
		return fmt.Errorf("failed to init generation log: %w", err)
	}
	defer repo.Close()

	prefsPath := os.Getenv("SDRELAY_PREFS_PATH")
	if prefsPath == "" {
		prefsPath = "preferences.json"
	}
	prefs := services.NewPreferences(prefsPath)
	if err := prefs.Load(); err != nil {
		return fmt.Errorf("failed to load preferences: %w", err)
	}

	submission := queue.New[*domain.WorkItem]()
	result := queue.New[*domain.WorkItem]()

	fetcher := imagefetch.New()
	admission := services.NewAdmission(surfaces, params, prefs, submission, fetcher,
		os.Getenv("SDRELAY_PROMPT_PREFIX"), os.Getenv("SDRELAY_NEGATIVE_PREFIX"))

	scheduler := services.NewScheduler(logger, submission, result, models, time.Duration(config.SoftDeadline)*time.Second)

	if len(backendURLs) == 0 {
		logger.Warn("SDRELAY_BACKEND_URLS not set: starting with zero backend workers, queues will accumulate")
	}
	var workers []*services.BackendWorker
	for _, url := range backendURLs {
		client := backendhttp.New(url)
		worker := services.NewBackendWorker(client, result, models, logger)
		scheduler.RegisterWorker(worker)
		workers = append(workers, worker)
	}

	typing := &loggingTypingIndicator{logger: logger}
	handler := loggingResultHandler(logger)
	fanout := services.NewResultFanout(logger, result, admission, surfaces, handler, typing)
	fanout.SetUsageRepository(repo)
	admission.SetChannelStartHook(fanout.NoteChannelStarted)

	loraDir := os.Getenv("SDRELAY_LORA_DIR")
	loras, err := config.DiscoverLoras(loraDir)
	if err != nil {
		logger.Warn("lora discovery failed", "dir", loraDir, "error", err)
	}
	embeddingDir := os.Getenv("SDRELAY_EMBEDDING_DIR")
	embeddings, err := config.DiscoverEmbeddings(embeddingDir)
	if err != nil {
		logger.Warn("embedding discovery failed", "dir", embeddingDir, "error", err)
	}

	codec := services.NewAckCodec()
	apiServer := kernel.NewServer(logger, admission, codec, scheduler, prefs, params, loras, embeddings, repo)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	})

	addr := os.Getenv("SDRELAY_ADDR")
	if addr == "" {
		addr = ":8090"
	}
	httpServer := &http.Server{
		Addr:    addr,
		Handler: c.Handler(apiServer.Handler()),
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return scheduler.Run(gCtx)
	})

	for _, w := range workers {
		w := w
		g.Go(func() error {
			return w.Run(gCtx)
		})
	}

	g.Go(func() error {
		return fanout.Run(gCtx)
	})

	g.Go(func() error {
		return runPreferencesAutosave(gCtx, logger, prefs)
	})

	g.Go(func() error {
		logger.Info("starting dispatcher api server", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// preferencesAutosaveInterval matches spec.md §5's "periodic autosave"
// requirement for the preferences store.
const preferencesAutosaveInterval = 30 * time.Second

func runPreferencesAutosave(ctx context.Context, logger *slog.Logger, prefs *services.Preferences) error {
	ticker := time.NewTicker(preferencesAutosaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := prefs.Save(); err != nil {
				logger.Error("final preferences save failed", "error", err)
			}
			return nil
		case <-ticker.C:
			if err := prefs.Save(); err != nil {
				logger.Error("preferences autosave failed", "error", err)
			}
		}
	}
}

// loggingResultHandler stands in for the out-of-scope chat-adapter reply
// path (spec.md §1): it only logs the outcome. A real deployment swaps
// this for a Discord/Slack/etc. delivery function with the same signature.
func loggingResultHandler(logger *slog.Logger) services.ResultHandler {
	return func(item *domain.WorkItem, spoiler bool) {
		if item.ErrorMessage != "" {
			logger.Warn("generation failed", "context_handle", item.ContextHandle, "user_id", item.UserID, "error", item.ErrorMessage)
			return
		}
		logger.Info("generation complete", "context_handle", item.ContextHandle, "user_id", item.UserID, "images", len(item.Images), "spoiler", spoiler)
	}
}

// loggingTypingIndicator stands in for the chat adapter's per-channel
// typing signal (spec.md §4.6, §9).
type loggingTypingIndicator struct {
	logger *slog.Logger
}

func (t *loggingTypingIndicator) Start(channelID string) {
	t.logger.Debug("typing indicator started", "channel_id", channelID)
}

func (t *loggingTypingIndicator) Stop(channelID string) {
	t.logger.Debug("typing indicator stopped", "channel_id", channelID)
}

func splitEnvList(raw string, fallback []string) []string {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
