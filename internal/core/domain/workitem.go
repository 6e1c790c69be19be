package domain

import "time"

// WorkItem is a single image-generation request moving through the
// dispatcher: admitted by Admission, queued under its model, claimed and
// executed by one BackendWorker, then handed to the result fan-out.
type WorkItem struct {
	ContextHandle string
	UserID        string
	ChannelID     string

	Model  string
	VAE    string
	Prompt string
	NegPrompt string

	Width  int
	Height int
	Steps  int
	CFG    float64
	Sampler string
	Seed   int64
	BatchSize int

	HighRes *HighResSpec
	Img2Img *Img2ImgSpec

	// Refiner is the secondary checkpoint applied to the tail end of
	// sampling, orthogonal to HighRes/Img2Img (spec.md §9). Empty means
	// no refiner.
	Refiner         string
	RefinerSwitchAt float64

	CreationTime time.Time

	Images       [][]byte
	ErrorMessage string
}

// HighResSpec carries the second-pass upscale parameters. A WorkItem never
// has both HighRes and Img2Img set — admission resolves the conflict
// silently in img2img's favor (spec.md §9), so only Img2Img survives.
type HighResSpec struct {
	Scale         float64
	Upscaler      string
	HighResSteps  int
	DenoisingStr  float64
}

// Img2ImgSpec carries the source image for an img2img request.
type Img2ImgSpec struct {
	SourceImage  []byte
	DenoisingStr float64
	ResizeMode   int
}

// Done reports whether the item has left the backend worker, either with
// images or with an error message.
func (w *WorkItem) Done() bool {
	return len(w.Images) > 0 || w.ErrorMessage != ""
}
