// Package backendhttp is the transport adapter for one backend
// image-generation engine's REST surface (/sdapi/v1/*).
package backendhttp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Timeouts per spec.md §5.
const (
	OptionsTimeout    = 60 * time.Second
	GenerateTimeout   = 5 * time.Minute
	OptionsPollRetry  = 1 * time.Second
)

// Client is a thin adapter wrapping net/http for one backend base URL.
// Identity is the base URL; the client carries no other state.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a Client bound to baseURL. Its one http.Client has no
// blanket Client.Timeout; each call sets its own context timeout instead,
// since options and generate calls have very different budgets.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// BaseURL returns the backend's identity.
func (c *Client) BaseURL() string { return c.baseURL }

// Options is the subset of /sdapi/v1/options this dispatcher cares about.
type Options struct {
	SDModelCheckpoint string `json:"sd_model_checkpoint"`
	SDVAE             string `json:"sd_vae,omitempty"`
}

// GetOptions issues GET /sdapi/v1/options.
func (c *Client) GetOptions(ctx context.Context) (*Options, error) {
	ctx, cancel := context.WithTimeout(ctx, OptionsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sdapi/v1/options", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backendhttp: GET options: status %d", resp.StatusCode)
	}
	var opts Options
	if err := json.NewDecoder(resp.Body).Decode(&opts); err != nil {
		return nil, fmt.Errorf("backendhttp: decode options: %w", err)
	}
	return &opts, nil
}

// SetModelCheckpoint issues POST /sdapi/v1/options {sd_model_checkpoint}.
func (c *Client) SetModelCheckpoint(ctx context.Context, checkpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, OptionsTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"sd_model_checkpoint": checkpoint})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sdapi/v1/options", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backendhttp: POST options: status %d", resp.StatusCode)
	}
	return nil
}

// GenerateRequest is the wire body shared by txt2img and img2img, matching
// spec.md §6's field-for-field mapping.
type GenerateRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Steps          int     `json:"steps"`
	CFGScale       float64 `json:"cfg_scale"`
	SamplerName    string  `json:"sampler_name"`
	Seed           int64   `json:"seed"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	BatchSize      int     `json:"batch_size"`

	EnableHR          bool    `json:"enable_hr,omitempty"`
	HRUpscaler        string  `json:"hr_upscaler,omitempty"`
	HRScale           float64 `json:"hr_scale,omitempty"`
	HRSecondPassSteps int     `json:"hr_second_pass_steps,omitempty"`
	DenoisingStrength float64 `json:"denoising_strength,omitempty"`

	RefinerCheckpoint string  `json:"refiner_checkpoint,omitempty"`
	RefinerSwitchAt   float64 `json:"refiner_switch_at,omitempty"`

	OverrideSettings                 OverrideSettings `json:"override_settings"`
	OverrideSettingsRestoreAfterwards bool             `json:"override_settings_restore_afterwards"`

	// img2img only.
	ResizeMode int      `json:"resize_mode,omitempty"`
	InitImages []string `json:"init_images,omitempty"`
}

type OverrideSettings struct {
	SDVAE string `json:"sd_vae,omitempty"`
}

// GenerateResponse is the shared response shape of txt2img/img2img.
type GenerateResponse struct {
	Images []string `json:"images"`
}

// Txt2Img issues POST /sdapi/v1/txt2img and returns decoded PNG bytes.
func (c *Client) Txt2Img(ctx context.Context, req GenerateRequest) ([][]byte, error) {
	return c.generate(ctx, "/sdapi/v1/txt2img", req)
}

// Img2Img issues POST /sdapi/v1/img2img and returns decoded PNG bytes.
func (c *Client) Img2Img(ctx context.Context, req GenerateRequest) ([][]byte, error) {
	return c.generate(ctx, "/sdapi/v1/img2img", req)
}

func (c *Client) generate(ctx context.Context, path string, req GenerateRequest) ([][]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, GenerateTimeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("backendhttp: %s: status %d: %s", path, resp.StatusCode, string(b))
	}
	var gr GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("backendhttp: decode %s: %w", path, err)
	}
	images := make([][]byte, 0, len(gr.Images))
	for _, raw := range gr.Images {
		if idx := strings.Index(raw, ","); idx != -1 && strings.HasPrefix(raw, "data:") {
			raw = raw[idx+1:]
		}
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("backendhttp: decode image: %w", err)
		}
		images = append(images, decoded)
	}
	return images, nil
}

// MatchFriendlyModel searches supported for any value that appears as a
// substring of checkpoint, per spec.md §4.2's model-matching rule. Returns
// the raw checkpoint string if no match is found.
func MatchFriendlyModel(checkpoint string, supported []string) string {
	for _, name := range supported {
		if strings.Contains(checkpoint, name) {
			return name
		}
	}
	return checkpoint
}
