package services

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sdrelay/dispatcher/internal/core/domain"
)

// AckFields is the flat dict the codec renders from and parses into,
// matching spec.md §4.5's "WorkItem-like dict" framing — WorkItem's request
// parameters plus the img2img source URL, in typed form, validated/coerced
// by Admission after parse.
type AckFields struct {
	BatchSize int
	Prompt    string
	NegPrompt string
	Model     string
	VAE       string
	Width     int
	Height    int
	Steps     int
	CFG       float64
	Sampler   string
	Seed      int64

	// img2img (mutually exclusive with HighRes).
	ResizeMode       string
	DenoisingStrImg2Img float64
	ImageURL         string

	// highres (mutually exclusive with img2img).
	Scale        float64
	Upscaler     string
	HighResSteps int
	DenoisingStr float64

	// refiner (orthogonal, may follow either).
	Refiner          string
	RefinerSwitchAt  float64
}

// AckCodec renders and parses the ack message: the canonical serialization
// of a submitted request, used both as the user-visible acknowledgement
// and as the payload the "again" command re-parses (spec.md §4.5).
type AckCodec struct {
	lineRegexes []*regexp.Regexp
}

// NewAckCodec compiles the per-line regexes once, grounded on the
// original's parse_message per-keyword `^%s:([^\n]*)` pattern.
func NewAckCodec() *AckCodec {
	return &AckCodec{
		lineRegexes: []*regexp.Regexp{
			regexp.MustCompile(`(?m)^Generating (\d+) images for prompt: (.*)$`),
			regexp.MustCompile(`(?m)^negative prompt: (.*)$`),
			regexp.MustCompile(`(?m)^Using model: (.*), vae: (.*), image size: (\d+)x(\d+)$`),
			regexp.MustCompile(`(?m)^Using steps: (\d+), cfg: ([\d.]+), sampler: (.*), seed (-?\d+)$`),
			regexp.MustCompile(`(?m)^img2img resize mode: (.*), denoising str ([\d.]+), url: (.*)$`),
			regexp.MustCompile(`(?m)^Upscaling by ([\d.]+) using highres upscaler (.*), (\d+) steps\. Denoising str ([\d.]+)$`),
			regexp.MustCompile(`(?m)^Using refiner model: (.*), refiner switch at value: ([\d.]+)$`),
		},
	}
}

// Render produces the canonical ack string for v, following the exact
// line grammar and f-string formatting of the original's
// sd_generation_commands._process_request.
func (c *AckCodec) Render(v AckFields) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generating %d images for prompt: %s\n", v.BatchSize, v.Prompt)
	fmt.Fprintf(&b, "negative prompt: %s\n", v.NegPrompt)
	fmt.Fprintf(&b, "Using model: %s, vae: %s, image size: %dx%d\n", v.Model, v.VAE, v.Width, v.Height)
	fmt.Fprintf(&b, "Using steps: %d, cfg: %.2f, sampler: %s, seed %d\n", v.Steps, v.CFG, v.Sampler, v.Seed)

	if v.ImageURL != "" {
		fmt.Fprintf(&b, "img2img resize mode: %s, denoising str %.2f, url: %s\n", v.ResizeMode, v.DenoisingStrImg2Img, v.ImageURL)
	} else if v.Scale > 1 {
		fmt.Fprintf(&b, "Upscaling by %.2f using highres upscaler %s, %d steps. Denoising str %.2f\n", v.Scale, v.Upscaler, v.HighResSteps, v.DenoisingStr)
	}

	if v.Refiner != "" {
		fmt.Fprintf(&b, "Using refiner model: %s, refiner switch at value: %.2f\n", v.Refiner, v.RefinerSwitchAt)
	}

	return b.String()
}

// Parse reverses Render. It returns domain.ErrParseMalformed if any
// mandatory line is missing or does not match the expected template.
func (c *AckCodec) Parse(text string) (AckFields, error) {
	var v AckFields

	m := c.lineRegexes[0].FindStringSubmatch(text)
	if m == nil {
		return v, fmt.Errorf("%w: missing generating line", domain.ErrParseMalformed)
	}
	batchSize, err := strconv.Atoi(m[1])
	if err != nil {
		return v, fmt.Errorf("%w: bad batch_size", domain.ErrParseMalformed)
	}
	v.BatchSize = batchSize
	v.Prompt = m[2]

	m = c.lineRegexes[1].FindStringSubmatch(text)
	if m == nil {
		return v, fmt.Errorf("%w: missing negative prompt line", domain.ErrParseMalformed)
	}
	v.NegPrompt = m[1]

	m = c.lineRegexes[2].FindStringSubmatch(text)
	if m == nil {
		return v, fmt.Errorf("%w: missing model/vae/size line", domain.ErrParseMalformed)
	}
	v.Model = m[1]
	v.VAE = m[2]
	v.Width, _ = strconv.Atoi(m[3])
	v.Height, _ = strconv.Atoi(m[4])

	m = c.lineRegexes[3].FindStringSubmatch(text)
	if m == nil {
		return v, fmt.Errorf("%w: missing steps/cfg/sampler/seed line", domain.ErrParseMalformed)
	}
	v.Steps, _ = strconv.Atoi(m[1])
	v.CFG, _ = strconv.ParseFloat(m[2], 64)
	v.Sampler = m[3]
	v.Seed, _ = strconv.ParseInt(m[4], 10, 64)

	if m := c.lineRegexes[4].FindStringSubmatch(text); m != nil {
		v.ResizeMode = m[1]
		v.DenoisingStrImg2Img, _ = strconv.ParseFloat(m[2], 64)
		v.ImageURL = m[3]
	} else if m := c.lineRegexes[5].FindStringSubmatch(text); m != nil {
		v.Scale, _ = strconv.ParseFloat(m[1], 64)
		v.Upscaler = m[2]
		v.HighResSteps, _ = strconv.Atoi(m[3])
		v.DenoisingStr, _ = strconv.ParseFloat(m[4], 64)
	}

	if m := c.lineRegexes[6].FindStringSubmatch(text); m != nil {
		v.Refiner = m[1]
		v.RefinerSwitchAt, _ = strconv.ParseFloat(m[2], 64)
	}

	return v, nil
}
