// Package config holds the statically-loaded, read-only-for-process-lifetime
// configuration: the declared parameter table and the surface (channel/
// category/guild) policy map.
package config

import (
	"os"
	"path/filepath"
	"strings"
)

// ParamKind identifies how a declared parameter is validated and coerced.
type ParamKind int

const (
	KindInt ParamKind = iota
	KindFloat
	KindString
	KindEnum
	KindBool
)

// ParamSpec is one entry of the declared parameter table: the Go analogue
// of the original's PARAM_CONFIG dict entry. Numeric bounds apply to
// KindInt/KindFloat; AllowedValues applies to KindEnum.
type ParamSpec struct {
	Kind          ParamKind
	Default       any
	Min           float64
	Max           float64
	AllowedValues []string
}

// ParamConfig is the full declared parameter table, keyed by parameter
// name exactly as named in the chat surface contract.
type ParamConfig map[string]ParamSpec

// DefaultSamplers is the declared sampler allow-list.
var DefaultSamplers = []string{
	"Euler", "Euler a", "LMS", "Heun", "DPM2", "DPM2 a",
	"DPM++ 2S a", "DPM++ 2M", "DPM++ SDE", "DPM++ 2M SDE",
	"DPM fast", "DPM adaptive", "LMS Karras", "DPM2 Karras",
	"DPM2 a Karras", "DPM++ 2S a Karras", "DPM++ 2M Karras", "DDIM",
}

// DefaultUpscalers is the declared highres-upscaler allow-list. "Latent"
// is the cheap latent-space upscaler the batch-size ceiling treats
// specially (see MaxBatchSize).
var DefaultUpscalers = []string{"Latent", "R-ESRGAN 4x+", "R-ESRGAN 4x+ Anime6B"}

// DefaultResizeModes is the declared img2img resize-mode allow-list.
var DefaultResizeModes = []string{"Just resize", "Crop and resize", "Resize and fill"}

// DefaultVAEs is the declared VAE allow-list.
var DefaultVAEs = []string{"Automatic", "None"}

// LoraEntry and EmbeddingEntry back the info.loras / info.embeddings
// commands (SPEC_FULL.md §6) — a name plus its trigger words, discovered
// from disk by DiscoverLoras/DiscoverEmbeddings below.
type LoraEntry struct {
	Name         string
	TriggerWords []string
}

type EmbeddingEntry struct {
	Name         string
	TriggerWords []string
}

// DiscoverLoras scans dir for ".safetensors" checkpoints and pairs each
// with an optional sidecar "<name>.words" file of newline-separated
// trigger words, backing the info.loras command (SPEC_FULL.md §6).
// Grounded on original_source/modules/consts.py's update_loras; a missing
// directory is not an error — it simply yields an empty catalog, matching
// the zero-backends-at-startup degraded-start precedent elsewhere.
func DiscoverLoras(dir string) ([]LoraEntry, error) {
	return discoverEntries(dir, ".safetensors")
}

// DiscoverEmbeddings scans dir for ".pt"/".safetensors" embeddings,
// backing the info.embeddings command. Grounded on
// original_source/modules/consts.py's update_embeddings, which seeds the
// embedding's own name as an implicit trigger word in addition to any
// ".words" sidecar file.
func DiscoverEmbeddings(dir string) ([]EmbeddingEntry, error) {
	loras, err := discoverEntries(dir, ".pt", ".safetensors")
	if err != nil {
		return nil, err
	}
	out := make([]EmbeddingEntry, 0, len(loras))
	for _, l := range loras {
		words := append([]string{l.Name}, l.TriggerWords...)
		out = append(out, EmbeddingEntry{Name: l.Name, TriggerWords: words})
	}
	return out, nil
}

func discoverEntries(dir string, extensions ...string) ([]LoraEntry, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []LoraEntry
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := matchExtension(name, extensions)
		if ext == "" {
			continue
		}
		base := strings.TrimSuffix(name, ext)
		out = append(out, LoraEntry{Name: base, TriggerWords: readWordsFile(dir, base)})
	}
	return out, nil
}

func matchExtension(name string, extensions []string) string {
	for _, ext := range extensions {
		if strings.HasSuffix(name, ext) {
			return ext
		}
	}
	return ""
}

func readWordsFile(dir, base string) []string {
	raw, err := os.ReadFile(filepath.Join(dir, base+".words"))
	if err != nil {
		return []string{}
	}
	var words []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			words = append(words, line)
		}
	}
	return words
}

// NewDefaultParamConfig builds the declared parameter table per spec.md §6.
// models and refiners are supplied by the operator at startup (the set of
// checkpoints actually present on the configured backends is out of scope
// for this table — see SPEC_FULL.md).
func NewDefaultParamConfig(models, refiners []string) ParamConfig {
	return ParamConfig{
		"prompt":           {Kind: KindString, Default: ""},
		"negative_prompt":  {Kind: KindString, Default: ""},
		"prefix":           {Kind: KindString, Default: ""},
		"neg_prefix":       {Kind: KindString, Default: ""},
		"steps":            {Kind: KindInt, Default: 28, Min: 0, Max: 50},
		"cfg":              {Kind: KindFloat, Default: 8.0, Min: 0, Max: 30},
		"sampler":          {Kind: KindEnum, Default: "DPM++ 2M", AllowedValues: DefaultSamplers},
		"seed":             {Kind: KindInt, Default: int64(-1), Min: -1, Max: 4294967294},
		"width":            {Kind: KindInt, Default: 512, Min: 256, Max: 1024},
		"height":           {Kind: KindInt, Default: 512, Min: 256, Max: 1024},
		"vae":              {Kind: KindEnum, Default: "Automatic", AllowedValues: DefaultVAEs},
		"model":            {Kind: KindEnum, Default: firstOr(models, "anythingV5"), AllowedValues: models},
		"refiner":          {Kind: KindEnum, Default: firstOr(refiners, ""), AllowedValues: refiners},
		"refiner_switch_at": {Kind: KindFloat, Default: 0.8, Min: 0, Max: 1},
		"scale":            {Kind: KindFloat, Default: 1.0, Min: 1, Max: 2},
		"denoising_strength": {Kind: KindFloat, Default: 0.7, Min: 0, Max: 1},
		"highres_steps":    {Kind: KindInt, Default: 10, Min: 1, Max: 20},
		"upscaler":         {Kind: KindEnum, Default: "Latent", AllowedValues: DefaultUpscalers},
		"autosize":         {Kind: KindBool, Default: true},
		"autosize_maxsize": {Kind: KindInt, Default: 512, Min: 256, Max: 1024},
		"denoising_strength_img2img": {Kind: KindFloat, Default: 0.55, Min: 0, Max: 1},
		"resize_mode":      {Kind: KindEnum, Default: "Crop and resize", AllowedValues: DefaultResizeModes},
		"resize_scale":     {Kind: KindFloat, Default: 1.0, Min: 0.5, Max: 2},
		"batch_size":       {Kind: KindInt, Default: 0, Min: 1, Max: 4},
	}
}

func firstOr(vals []string, fallback string) string {
	if len(vals) > 0 {
		return vals[0]
	}
	return fallback
}

// Pixel-count ceilings used by MaxBatchSize, per spec.md §4.4 and the
// scenario-7 worked example ((512,512,2,Latent) -> 2, (512,512,2,R-ESRGAN 4x+)
// -> 1). Named after the original's MAX_PIXEL_COUNT_LATENT /
// MAX_PIXEL_COUNT_ESRGAN constants.
const (
	MaxPixelCountLatent = 512 * 512 * 2 * 2 * 2 // 2097152
	MaxPixelCountESRGAN = 512 * 512 * 2 * 2 * 3 / 2 // 1572864
)

// MaxBatchSize implements spec.md's batch-size ceiling:
//
//	max_batch_size(w,h,scale,upscaler) = min(floor(M / (w*h*scale^2)), 4)
//
// where M is MaxPixelCountLatent if upscaler is the latent upscaler, else
// MaxPixelCountESRGAN. scale <= 1 (no highres pass) behaves as scale = 1.
func MaxBatchSize(width, height int, scale float64, upscaler string) int {
	if scale < 1 {
		scale = 1
	}
	m := MaxPixelCountESRGAN
	if upscaler == "Latent" {
		m = MaxPixelCountLatent
	}
	denom := float64(width) * float64(height) * scale * scale
	if denom <= 0 {
		return 0
	}
	n := int(float64(m) / denom)
	if n > 4 {
		n = 4
	}
	if n < 0 {
		n = 0
	}
	return n
}

// QueueMaxSize bounds total pending items across all per-model queues
// (spec.md §3, §4.3, §4.4).
const QueueMaxSize = 10

// SoftDeadline is the constant D named throughout spec.md §4.3/§9: the
// queued-item age above which the scheduler considers a queue "late".
const SoftDeadline = 30 // seconds
