package services

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sdrelay/dispatcher/internal/adapters/backendhttp"
	"github.com/sdrelay/dispatcher/internal/core/domain"
	"github.com/sdrelay/dispatcher/internal/queue"
)

// Poll/retry cadences per spec.md §4.2/§5.
const (
	workerIdlePoll    = 100 * time.Millisecond
	optionsPollRetry  = backendhttp.OptionsPollRetry
)

// BackendWorker drives one backend HTTP endpoint: a long-lived actor bound
// to one base URL, pulling from whatever ModelQueue it is currently
// attached to. Grounded on the original's StableDiffusionWebClient.run
// loop and the teacher's WorkerLifecycle ticker/select shape.
type BackendWorker struct {
	client *backendhttp.Client
	result *queue.LockedQueue[*domain.WorkItem]
	logger *slog.Logger

	supportedModels []string

	mu             sync.Mutex
	attached       *ModelQueue
	loadedModel    string
	health         domain.HealthStatus
}

// ID is the worker's identity: its backend base URL.
func (w *BackendWorker) ID() string { return w.client.BaseURL() }

// NewBackendWorker constructs a BackendWorker bound to client, delivering
// completed items to result and reporting friendly model names drawn from
// supportedModels (spec.md §4.2's substring-match rule).
func NewBackendWorker(client *backendhttp.Client, result *queue.LockedQueue[*domain.WorkItem], supportedModels []string, logger *slog.Logger) *BackendWorker {
	return &BackendWorker{
		client:          client,
		result:          result,
		logger:          logger,
		supportedModels: supportedModels,
		health:          domain.HealthUnknown,
	}
}

// Health reports the worker's current readiness.
func (w *BackendWorker) Health() domain.HealthStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.health
}

// LoadedModel reports the worker's cached friendly checkpoint name. Until
// the worker is ready this is empty, which the Scheduler treats as
// "unknown" and never assigns.
func (w *BackendWorker) LoadedModel() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loadedModel
}

// CurrentQueue returns the ModelQueue this worker is attached to, or nil.
func (w *BackendWorker) CurrentQueue() *ModelQueue {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attached
}

// Attach rebinds the worker to q. The worker observes the change on its
// next main-loop iteration; this does not itself touch q's bound-worker
// set (the Scheduler owns that transactional rebind — see scheduler.go).
func (w *BackendWorker) Attach(q *ModelQueue) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attached = q
}

// Detach clears the worker's attachment.
func (w *BackendWorker) Detach() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attached = nil
}

// Run drives the worker's full lifecycle: the startup options-poll wait
// loop, then the main pop/switch/dispatch/decode loop, until ctx is
// cancelled (spec.md §4.2).
func (w *BackendWorker) Run(ctx context.Context) error {
	if err := w.awaitReady(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		w.runOnce(ctx)
	}
}

func (w *BackendWorker) awaitReady(ctx context.Context) error {
	w.mu.Lock()
	w.health = domain.HealthStarting
	w.mu.Unlock()

	ticker := time.NewTicker(optionsPollRetry)
	defer ticker.Stop()
	for {
		opts, err := w.client.GetOptions(ctx)
		if err == nil && opts.SDModelCheckpoint != "" {
			w.mu.Lock()
			w.loadedModel = backendhttp.MatchFriendlyModel(opts.SDModelCheckpoint, w.supportedModels)
			w.health = domain.HealthReady
			w.mu.Unlock()
			return nil
		}
		if err != nil {
			w.logger.Debug("backend not ready", "worker", w.ID(), "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runOnce executes one iteration of the main loop described in
// spec.md §4.2 steps 1-7.
func (w *BackendWorker) runOnce(ctx context.Context) {
	q := w.CurrentQueue()
	if q == nil {
		time.Sleep(workerIdlePoll)
		return
	}
	item, ok := q.Items.Pop()
	if !ok {
		time.Sleep(workerIdlePoll)
		return
	}

	if !modelNameIsPrefixOf(item.Model, w.LoadedModel()) {
		if err := w.client.SetModelCheckpoint(ctx, item.Model); err != nil {
			item.ErrorMessage = domain.ErrModelSwitchFailed.Error()
			w.logger.Warn("model switch failed", "worker", w.ID(), "model", item.Model, "err", err)
			w.result.Push(item)
			return
		}
		w.mu.Lock()
		w.loadedModel = item.Model
		w.mu.Unlock()
	}

	images, err := w.dispatch(ctx, item)
	if err != nil {
		if item.ErrorMessage == "" {
			item.ErrorMessage = domain.ErrGenerationFailed.Error()
		}
		w.logger.Warn("generation failed", "worker", w.ID(), "err", err)
	} else {
		item.Images = images
	}
	w.result.Push(item)
}

func (w *BackendWorker) dispatch(ctx context.Context, item *domain.WorkItem) ([][]byte, error) {
	req := backendhttp.GenerateRequest{
		Prompt:         item.Prompt,
		NegativePrompt: item.NegPrompt,
		Steps:          item.Steps,
		CFGScale:       item.CFG,
		SamplerName:    item.Sampler,
		Seed:           item.Seed,
		Width:          item.Width,
		Height:         item.Height,
		BatchSize:      item.BatchSize,
		OverrideSettings: backendhttp.OverrideSettings{
			SDVAE: item.VAE,
		},
		OverrideSettingsRestoreAfterwards: true,
	}

	if item.Refiner != "" {
		req.RefinerCheckpoint = item.Refiner
		req.RefinerSwitchAt = item.RefinerSwitchAt
	}

	if item.HighRes != nil {
		req.EnableHR = true
		req.HRUpscaler = item.HighRes.Upscaler
		req.HRScale = item.HighRes.Scale
		req.HRSecondPassSteps = item.HighRes.HighResSteps
		req.DenoisingStrength = item.HighRes.DenoisingStr
	}

	if item.Img2Img != nil {
		req.ResizeMode = item.Img2Img.ResizeMode
		req.DenoisingStrength = item.Img2Img.DenoisingStr
		req.InitImages = []string{encodeDataURL(item.Img2Img.SourceImage)}
		return w.client.Img2Img(ctx, req)
	}
	return w.client.Txt2Img(ctx, req)
}

func encodeDataURL(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}

// modelNameIsPrefixOf reports whether wantModel is a prefix-match of
// loadedModel, spec.md §4.2 step 3's switch-needed test: a worker with no
// cached checkpoint yet always needs a switch.
func modelNameIsPrefixOf(wantModel, loadedModel string) bool {
	if loadedModel == "" {
		return false
	}
	return strings.HasPrefix(loadedModel, wantModel)
}
