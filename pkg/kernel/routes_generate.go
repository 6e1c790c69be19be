package kernel

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sdrelay/dispatcher/internal/core/domain"
	"github.com/sdrelay/dispatcher/internal/core/services"
)

// generateRequestBody is the wire shape of a submit request. Optional
// fields use pointers so Admission can distinguish "not supplied" from
// the zero value, per spec.md §4.4 step 4's resolution chain.
type generateRequestBody struct {
	UserID     string `json:"user_id"`
	ChannelID  string `json:"channel_id"`
	CategoryID string `json:"category_id"`
	GuildID    string `json:"guild_id"`

	Prompt        *string  `json:"prompt"`
	NegPrompt     *string  `json:"negative_prompt"`
	SkipPrefix    bool     `json:"skip_prefix"`
	SkipNegPrefix bool     `json:"skip_neg_prefix"`
	Model         *string  `json:"model"`
	VAE           *string  `json:"vae"`
	Width         *int     `json:"width"`
	Height        *int     `json:"height"`
	Steps         *int     `json:"steps"`
	CFG           *float64 `json:"cfg"`
	Sampler       *string  `json:"sampler"`
	Seed          *int64   `json:"seed"`
	BatchSize     *int     `json:"batch_size"`
	Scale         *float64 `json:"scale"`
	Upscaler      *string  `json:"upscaler"`
	HighResSteps  *int     `json:"highres_steps"`
	DenoisingStr  *float64 `json:"denoising_strength"`

	Refiner         *string  `json:"refiner"`
	RefinerSwitchAt *float64 `json:"refiner_switch_at"`

	ImageURL                 *string  `json:"image_url"`
	ResizeMode               *string  `json:"resize_mode"`
	DenoisingStrengthImg2Img *float64 `json:"denoising_strength_img2img"`
}

type generateResponseBody struct {
	ContextHandle string `json:"context_handle"`
	AckMessage    string `json:"ack_message"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body generateRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	req := services.GenerationRequest{
		UserID:                   body.UserID,
		ChannelID:                body.ChannelID,
		CategoryID:               body.CategoryID,
		GuildID:                  body.GuildID,
		Prompt:                   body.Prompt,
		NegPrompt:                body.NegPrompt,
		SkipPrefix:               body.SkipPrefix,
		SkipNegPrefix:            body.SkipNegPrefix,
		Model:                    body.Model,
		VAE:                      body.VAE,
		Width:                    body.Width,
		Height:                   body.Height,
		Steps:                    body.Steps,
		CFG:                      body.CFG,
		Sampler:                  body.Sampler,
		Seed:                     body.Seed,
		BatchSize:                body.BatchSize,
		Scale:                    body.Scale,
		Upscaler:                 body.Upscaler,
		HighResSteps:             body.HighResSteps,
		DenoisingStr:             body.DenoisingStr,
		Refiner:                  body.Refiner,
		RefinerSwitchAt:          body.RefinerSwitchAt,
		ImageURL:                 body.ImageURL,
		ResizeMode:               body.ResizeMode,
		DenoisingStrengthImg2Img: body.DenoisingStrengthImg2Img,
	}

	item, ack, err := s.admission.Submit(r.Context(), req)
	if err != nil {
		writeError(w, admissionStatusCode(err), err)
		return
	}

	writeJSON(w, http.StatusAccepted, generateResponseBody{
		ContextHandle: item.ContextHandle,
		AckMessage:    s.codec.Render(ack),
	})
}

type againRequestBody struct {
	UserID     string `json:"user_id"`
	ChannelID  string `json:"channel_id"`
	CategoryID string `json:"category_id"`
	GuildID    string `json:"guild_id"`
	RawText    string `json:"raw_text"`
}

// handleAgain re-parses a prior ack message's raw text and resubmits it.
// The chat adapter resolves *how* it obtained raw_text (message-id lookup
// or a raw reference hop); the core only cares about the text itself
// (spec.md §9's open question).
func (s *Server) handleAgain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body againRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	fields, err := s.codec.Parse(body.RawText)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	req := services.GenerationRequest{
		UserID:     body.UserID,
		ChannelID:  body.ChannelID,
		CategoryID: body.CategoryID,
		GuildID:    body.GuildID,
		Prompt:     &fields.Prompt,
		NegPrompt:  &fields.NegPrompt,
		Model:      &fields.Model,
		VAE:        &fields.VAE,
		Width:      &fields.Width,
		Height:     &fields.Height,
		Steps:      &fields.Steps,
		CFG:        &fields.CFG,
		Sampler:    &fields.Sampler,
		Seed:       &fields.Seed,
		BatchSize:  &fields.BatchSize,
	}
	if fields.ImageURL != "" {
		req.ImageURL = &fields.ImageURL
		req.ResizeMode = &fields.ResizeMode
		req.DenoisingStrengthImg2Img = &fields.DenoisingStrImg2Img
	} else if fields.Scale > 1 {
		req.Scale = &fields.Scale
		req.Upscaler = &fields.Upscaler
		req.HighResSteps = &fields.HighResSteps
		req.DenoisingStr = &fields.DenoisingStr
	}
	if fields.Refiner != "" {
		req.Refiner = &fields.Refiner
		req.RefinerSwitchAt = &fields.RefinerSwitchAt
	}

	item, ack, err := s.admission.Submit(r.Context(), req)
	if err != nil {
		writeError(w, admissionStatusCode(err), err)
		return
	}

	writeJSON(w, http.StatusAccepted, generateResponseBody{
		ContextHandle: item.ContextHandle,
		AckMessage:    s.codec.Render(ack),
	})
}

// admissionStatusCode maps the admission error taxonomy (spec.md §7) to
// HTTP status codes for the ephemeral, user-visible rejections.
func admissionStatusCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnsupportedSurface):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrUserInFlightExceeded), errors.Is(err, domain.ErrGlobalQueueFull), errors.Is(err, domain.ErrCooldownActive):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrBadImage), errors.Is(err, domain.ErrOOMPredicted):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
