package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sdrelay/dispatcher/internal/adapters/duckdb"
	"github.com/sdrelay/dispatcher/internal/config"
	"github.com/sdrelay/dispatcher/internal/core/domain"
	"github.com/sdrelay/dispatcher/internal/queue"
)

// ResultHandler is the chat-adapter callback invoked once per terminal
// WorkItem: either images (spoiler-wrapped per Config) or an error
// message. The chat-layer delivery mechanism itself is out of scope
// (spec.md §1); ResultFanout only owns the counters and the typing-task
// lifecycle around this call.
type ResultHandler func(item *domain.WorkItem, spoiler bool)

// TypingIndicator starts/stops a per-channel "typing" signal on the chat
// surface. Start is called on the 0->1 transition of a channel's active
// count, Stop when it returns to zero (spec.md §4.6, §9).
type TypingIndicator interface {
	Start(channelID string)
	Stop(channelID string)
}

// ResultFanout is the single consumer draining the result queue: for each
// item it releases the admission counters, toggles the channel's typing
// indicator, and invokes the chat reply handler. Grounded on the
// original's _send_responses/_handle_typing coroutines; the per-channel
// "task keyed by channel, exits when counter hits zero" model follows
// spec.md §9's design note directly.
type ResultFanout struct {
	logger    *slog.Logger
	result    *queue.LockedQueue[*domain.WorkItem]
	admission *Admission
	surfaces  *config.SurfaceConfig
	handler   ResultHandler
	typing    TypingIndicator

	mu          sync.Mutex
	channelOpen map[string]bool
	usage       *duckdb.Repository
}

// SetUsageRepository wires the generation-log repository backing the
// info.usage command (SPEC_FULL.md §5). Optional — when unset, terminal
// items are delivered without an accounting row, matching the "usage may
// be nil" degraded mode kernel.NewServer already tolerates.
func (f *ResultFanout) SetUsageRepository(repo *duckdb.Repository) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage = repo
}

const resultPoll = 100 * time.Millisecond

// NewResultFanout constructs a ResultFanout consumer.
func NewResultFanout(logger *slog.Logger, result *queue.LockedQueue[*domain.WorkItem], admission *Admission, surfaces *config.SurfaceConfig, handler ResultHandler, typing TypingIndicator) *ResultFanout {
	return &ResultFanout{
		logger:      logger,
		result:      result,
		admission:   admission,
		surfaces:    surfaces,
		handler:     handler,
		typing:      typing,
		channelOpen: make(map[string]bool),
	}
}

// Run drains the result queue until ctx is cancelled.
func (f *ResultFanout) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		item, ok := f.result.Pop()
		if !ok {
			time.Sleep(resultPoll)
			continue
		}
		f.deliver(item)
	}
}

func (f *ResultFanout) deliver(item *domain.WorkItem) {
	if item.ErrorMessage == "" && len(item.Images) == 0 {
		item.ErrorMessage = "unknown error"
	}

	channelEmpty := f.admission.ReleaseOne(item.UserID, item.ChannelID)

	f.recordUsage(item)

	spoiler := f.surfaces.RequiresSpoilerTag(item.ChannelID)
	if f.handler != nil {
		f.handler(item, spoiler)
	}

	if channelEmpty {
		f.stopTyping(item.ChannelID)
	}
}

// recordUsage writes one generation_log row per terminal item when a
// usage repository is configured (SPEC_FULL.md §5).
func (f *ResultFanout) recordUsage(item *domain.WorkItem) {
	f.mu.Lock()
	repo := f.usage
	f.mu.Unlock()
	if repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := duckdb.GenerationRecord{
		ContextHandle: item.ContextHandle,
		UserID:        item.UserID,
		ChannelID:     item.ChannelID,
		Model:         item.Model,
		Seed:          item.Seed,
		BatchSize:     item.BatchSize,
		SubmittedAt:   item.CreationTime,
		CompletedAt:   time.Now(),
		Succeeded:     item.ErrorMessage == "",
	}
	if err := repo.RecordGeneration(ctx, rec); err != nil {
		f.logger.Warn("failed to record generation usage", "context_handle", item.ContextHandle, "error", err)
	}
}

// NoteChannelStarted records that a channel's active count transitioned
// 0->1, starting its typing indicator. Admission calls this immediately
// after incrementing the channel counter on the first outstanding item
// (spec.md §4.4 step 9).
func (f *ResultFanout) NoteChannelStarted(channelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channelOpen[channelID] {
		return
	}
	f.channelOpen[channelID] = true
	if f.typing != nil {
		f.typing.Start(channelID)
	}
}

func (f *ResultFanout) stopTyping(channelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.channelOpen[channelID] {
		return
	}
	delete(f.channelOpen, channelID)
	if f.typing != nil {
		f.typing.Stop(channelID)
	}
}
