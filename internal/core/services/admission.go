package services

import (
	"context"
	"fmt"
	"image"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/go-catrate"

	"github.com/sdrelay/dispatcher/internal/config"
	"github.com/sdrelay/dispatcher/internal/core/domain"
	"github.com/sdrelay/dispatcher/internal/queue"
)

// imageFetcher is the subset of imagefetch.Fetcher Admission depends on,
// accepted as an interface so tests can substitute a fake source without
// hitting the network (*imagefetch.Fetcher satisfies this as-is).
type imageFetcher interface {
	FetchAndDecode(ctx context.Context, rawURL string) (image.Image, []byte, error)
}

func parseInt(s string) (int, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	return int(v), err
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

// GenerationRequest is the caller-supplied shape Admission validates and
// turns into a WorkItem. Fields left nil are resolved from the user's
// stored preference, then from ParamConfig's declared default, and numeric
// and enum values are checked against ParamConfig (spec.md §4.4 step 4).
// Exceptions: a nil BatchSize is derived from the pixel count and a nil
// (or -1) Seed is randomized; neither reads stored preferences. Autosize,
// AutosizeMaxSize and ResizeScale are not read by Submit: an img2img
// request keeps the resolved Width/Height unchanged.
type GenerationRequest struct {
	UserID     string
	ChannelID  string
	CategoryID string
	GuildID    string

	Prompt         *string
	NegPrompt      *string
	SkipPrefix     bool
	SkipNegPrefix  bool
	Model          *string
	VAE            *string
	Width          *int
	Height         *int
	Steps          *int
	CFG            *float64
	Sampler        *string
	Seed           *int64
	BatchSize      *int
	Scale          *float64
	Upscaler       *string
	HighResSteps   *int
	DenoisingStr   *float64
	Refiner        *string
	RefinerSwitchAt *float64

	// img2img.
	ImageURL                  *string
	Autosize                  *bool
	AutosizeMaxSize           *int
	ResizeMode                *string
	ResizeScale               *float64
	DenoisingStrengthImg2Img  *float64
}

// Admission is the single entry point for generation requests: surface
// check, in-flight cap, queue-depth cap, parameter resolution/validation,
// image fetch, batch-size derivation, seed randomization, prompt prefixing
// (spec.md §4.4).
type Admission struct {
	surfaces    *config.SurfaceConfig
	params      config.ParamConfig
	prefs       *Preferences
	submission  *queue.LockedQueue[*domain.WorkItem]
	fetcher     imageFetcher
	cooldown    *catrate.Limiter

	prefix    string
	negPrefix string

	mu        sync.Mutex
	inFlight  map[string]int // userID -> count
	channelActive map[string]int

	onChannelStart func(channelID string)
}

// SetChannelStartHook registers the callback invoked on a channel's 0->1
// active-count transition (spec.md §4.4 step 9's typing-indicator start).
// Wired to ResultFanout.NoteChannelStarted once both are constructed.
func (a *Admission) SetChannelStartHook(hook func(channelID string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onChannelStart = hook
}

// NewAdmission constructs an Admission pipeline. prefix/negPrefix are the
// operator-configured strings prepended to prompts unless the caller opts
// out (spec.md §4.4 step 8).
func NewAdmission(surfaces *config.SurfaceConfig, params config.ParamConfig, prefs *Preferences, submission *queue.LockedQueue[*domain.WorkItem], fetcher imageFetcher, prefix, negPrefix string) *Admission {
	return &Admission{
		surfaces:      surfaces,
		params:        params,
		prefs:         prefs,
		submission:    submission,
		fetcher:       fetcher,
		cooldown:      catrate.NewLimiter(map[time.Duration]int{time.Second: 1}),
		prefix:        prefix,
		negPrefix:     negPrefix,
		inFlight:      make(map[string]int),
		channelActive: make(map[string]int),
	}
}

// InFlightCount returns the requester's current in-flight count, for
// tests verifying spec.md §8's "counter returns to pre-state" property.
func (a *Admission) InFlightCount(userID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inFlight[userID]
}

// ChannelActiveCount returns the channel's outstanding-request count,
// used by the typing-indicator task model (spec.md §4.6, §9).
func (a *Admission) ChannelActiveCount(channelID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channelActive[channelID]
}

// ReleaseOne decrements a requester's in-flight counter and the owning
// channel's active counter; called by ResultFanout on each terminal item.
func (a *Admission) ReleaseOne(userID, channelID string) (channelNowEmpty bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inFlight[userID] > 0 {
		a.inFlight[userID]--
	}
	if a.channelActive[channelID] > 0 {
		a.channelActive[channelID]--
	}
	return a.channelActive[channelID] == 0
}

// Submit runs the full admission pipeline and, on success, pushes a
// WorkItem onto the submission queue.
func (a *Admission) Submit(ctx context.Context, req GenerationRequest) (*domain.WorkItem, AckFields, error) {
	var zero AckFields

	if !a.surfaces.IsSupported(req.ChannelID) {
		return nil, zero, domain.ErrUnsupportedSurface
	}

	inFlightCap := a.surfaces.InFlightCap(req.UserID, req.ChannelID, req.CategoryID, req.GuildID)
	a.mu.Lock()
	if a.inFlight[req.UserID] >= inFlightCap {
		a.mu.Unlock()
		return nil, zero, domain.ErrUserInFlightExceeded
	}
	a.mu.Unlock()

	if a.submission.Size() > config.QueueMaxSize {
		return nil, zero, domain.ErrGlobalQueueFull
	}

	if _, ok := a.cooldown.Allow(req.UserID); !ok {
		return nil, zero, domain.ErrCooldownActive
	}

	item := &domain.WorkItem{
		ContextHandle: uuid.NewString(),
		UserID:        req.UserID,
		ChannelID:     req.ChannelID,
		CreationTime:  time.Now(),
		ErrorMessage:  "",
	}

	item.Prompt = a.resolveString(req.UserID, "prompt", req.Prompt)
	item.NegPrompt = a.resolveString(req.UserID, "negative_prompt", req.NegPrompt)
	item.Model = a.resolveEnum(req.UserID, "model", req.Model)
	item.VAE = a.resolveEnum(req.UserID, "vae", req.VAE)
	item.Width = a.resolveInt(req.UserID, "width", req.Width)
	item.Height = a.resolveInt(req.UserID, "height", req.Height)
	item.Steps = a.resolveInt(req.UserID, "steps", req.Steps)
	item.CFG = a.resolveFloat(req.UserID, "cfg", req.CFG)
	item.Sampler = a.resolveEnum(req.UserID, "sampler", req.Sampler)
	item.Refiner = a.resolveEnum(req.UserID, "refiner", req.Refiner)
	item.RefinerSwitchAt = a.resolveFloat(req.UserID, "refiner_switch_at", req.RefinerSwitchAt)

	if !req.SkipPrefix {
		item.Prompt = a.prefix + item.Prompt
	}
	if !req.SkipNegPrefix {
		item.NegPrompt = a.negPrefix + item.NegPrompt
	}

	var img2img *domain.Img2ImgSpec
	if req.ImageURL != nil {
		_, raw, err := a.fetcher.FetchAndDecode(ctx, *req.ImageURL)
		if err != nil {
			return nil, zero, fmt.Errorf("%w: %v", domain.ErrBadImage, err)
		}
		resizeMode := a.resolveEnum(req.UserID, "resize_mode", req.ResizeMode)
		denoising := a.resolveFloat(req.UserID, "denoising_strength_img2img", req.DenoisingStrengthImg2Img)
		img2img = &domain.Img2ImgSpec{
			SourceImage:  raw,
			DenoisingStr: denoising,
			ResizeMode:   resizeModeIndex(resizeMode),
		}
		item.Img2Img = img2img
	}

	var highRes *domain.HighResSpec
	if img2img == nil {
		if hrScale := a.resolveFloat(req.UserID, "scale", req.Scale); hrScale > 1 {
			highRes = &domain.HighResSpec{
				Scale:        hrScale,
				Upscaler:     a.resolveEnum(req.UserID, "upscaler", req.Upscaler),
				HighResSteps: a.resolveInt(req.UserID, "highres_steps", req.HighResSteps),
				DenoisingStr: a.resolveFloat(req.UserID, "denoising_strength", req.DenoisingStr),
			}
			item.HighRes = highRes
		}
	}

	scale := 1.0
	upscaler := "Latent"
	if highRes != nil {
		scale = highRes.Scale
		upscaler = highRes.Upscaler
	}

	batchSize := req.BatchSize
	derived := deriveBatchSize(item.Width, item.Height)
	wantBatch := derived
	if batchSize != nil {
		wantBatch = *batchSize
	}
	ceiling := config.MaxBatchSize(item.Width, item.Height, scale, upscaler)
	if ceiling == 0 {
		return nil, zero, domain.ErrOOMPredicted
	}
	if wantBatch > ceiling {
		wantBatch = ceiling
	}
	if wantBatch < 1 {
		wantBatch = 1
	}
	item.BatchSize = wantBatch

	seed := a.resolveSeed(req.Seed)
	item.Seed = seed

	a.mu.Lock()
	a.inFlight[req.UserID]++
	a.channelActive[req.ChannelID]++
	wasEmpty := a.channelActive[req.ChannelID] == 1
	hook := a.onChannelStart
	a.mu.Unlock()
	if wasEmpty && hook != nil {
		hook(req.ChannelID)
	}

	a.submission.Push(item)

	ack := AckFields{
		BatchSize: item.BatchSize,
		Prompt:    item.Prompt,
		NegPrompt: item.NegPrompt,
		Model:     item.Model,
		VAE:       item.VAE,
		Width:     item.Width,
		Height:    item.Height,
		Steps:     item.Steps,
		CFG:       item.CFG,
		Sampler:   item.Sampler,
		Seed:      item.Seed,
	}
	if item.Refiner != "" {
		ack.Refiner = item.Refiner
		ack.RefinerSwitchAt = item.RefinerSwitchAt
	}
	if highRes != nil {
		ack.Scale = highRes.Scale
		ack.Upscaler = highRes.Upscaler
		ack.HighResSteps = highRes.HighResSteps
		ack.DenoisingStr = highRes.DenoisingStr
	}
	if img2img != nil && req.ImageURL != nil {
		ack.ImageURL = *req.ImageURL
		ack.ResizeMode = a.resolveEnum(req.UserID, "resize_mode", req.ResizeMode)
		ack.DenoisingStrImg2Img = img2img.DenoisingStr
	}

	return item, ack, nil
}

// deriveBatchSize is the coarse pixel-count heuristic of spec.md §4.4
// step 6, applied before the memory-derived ceiling clamp.
func deriveBatchSize(width, height int) int {
	if width*height <= 768*768 {
		return 4
	}
	return 2
}

func resizeModeIndex(name string) int {
	for i, m := range config.DefaultResizeModes {
		if m == name {
			return i
		}
	}
	return 0
}

func (a *Admission) resolveSeed(requested *int64) int64 {
	if requested != nil && *requested != -1 {
		return clampInt64(*requested, 0, 4294967294)
	}
	return rand.Int63n(4294967295)
}

func clampInt64(v, min, max int64) int64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func (a *Admission) resolveString(userID, param string, requested *string) string {
	if requested != nil {
		return *requested
	}
	if v, ok := a.prefs.Get(userID, param); ok {
		return v
	}
	if spec, ok := a.params[param]; ok {
		if s, ok := spec.Default.(string); ok {
			return s
		}
	}
	return ""
}

func (a *Admission) resolveEnum(userID, param string, requested *string) string {
	spec, known := a.params[param]
	candidate := ""
	if requested != nil {
		candidate = *requested
	} else if v, ok := a.prefs.Get(userID, param); ok {
		candidate = v
	} else if known {
		if s, ok := spec.Default.(string); ok {
			candidate = s
		}
	}
	if !known || len(spec.AllowedValues) == 0 {
		return candidate
	}
	for _, allowed := range spec.AllowedValues {
		if allowed == candidate {
			return candidate
		}
	}
	if s, ok := spec.Default.(string); ok {
		return s
	}
	return candidate
}

func (a *Admission) resolveInt(userID, param string, requested *int) int {
	spec, known := a.params[param]
	var v int
	switch {
	case requested != nil:
		v = *requested
	default:
		if pref, ok := a.prefs.Get(userID, param); ok {
			if parsed, err := parseInt(pref); err == nil {
				v = parsed
			} else if known {
				v, _ = spec.Default.(int)
			}
		} else if known {
			v, _ = spec.Default.(int)
		}
	}
	if known && (spec.Kind == config.KindInt) {
		if v < int(spec.Min) {
			v = int(spec.Min)
		}
		if v > int(spec.Max) {
			v = int(spec.Max)
		}
	}
	return v
}

func (a *Admission) resolveFloat(userID, param string, requested *float64) float64 {
	spec, known := a.params[param]
	var v float64
	switch {
	case requested != nil:
		v = *requested
	default:
		if pref, ok := a.prefs.Get(userID, param); ok {
			if parsed, err := parseFloat(pref); err == nil {
				v = parsed
			} else if known {
				v, _ = spec.Default.(float64)
			}
		} else if known {
			v, _ = spec.Default.(float64)
		}
	}
	if known && spec.Kind == config.KindFloat {
		if v < spec.Min {
			v = spec.Min
		}
		if v > spec.Max {
			v = spec.Max
		}
	}
	return v
}
