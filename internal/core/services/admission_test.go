package services

import (
	"context"
	"image"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdrelay/dispatcher/internal/adapters/imagefetch"
	"github.com/sdrelay/dispatcher/internal/config"
	"github.com/sdrelay/dispatcher/internal/core/domain"
	"github.com/sdrelay/dispatcher/internal/queue"
)

// fakeFetcher stands in for imagefetch.Fetcher in tests that submit an
// img2img request, avoiding a real network round-trip.
type fakeFetcher struct {
	raw []byte
	err error
}

func (f *fakeFetcher) FetchAndDecode(_ context.Context, _ string) (image.Image, []byte, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return image.NewRGBA(image.Rect(0, 0, 1, 1)), f.raw, nil
}

func newTestAdmission(t *testing.T) *Admission {
	t.Helper()
	return newTestAdmissionWithFetcher(t, imagefetch.New())
}

func newTestAdmissionWithFetcher(t *testing.T, fetcher imageFetcher) *Admission {
	t.Helper()
	surfaces := &config.SurfaceConfig{
		Channels: map[string]config.SurfaceRecord{
			"chan-1": {Supported: true},
		},
		UserInFlightCap: map[string]int{},
	}
	params := config.NewDefaultParamConfig([]string{"anythingV5"}, nil)
	prefs := NewPreferences(filepath.Join(t.TempDir(), "prefs.json"))
	require.NoError(t, prefs.Load())
	submission := queue.New[*domain.WorkItem]()
	return NewAdmission(surfaces, params, prefs, submission, fetcher, "", "")
}

func strp(s string) *string   { return &s }
func intp2(i int) *int        { return &i }

func TestAdmission_RejectsUnsupportedSurface(t *testing.T) {
	a := newTestAdmission(t)
	_, _, err := a.Submit(context.Background(), GenerationRequest{
		UserID: "u1", ChannelID: "not-configured", Prompt: strp("a cat"),
	})
	assert.ErrorIs(t, err, domain.ErrUnsupportedSurface)
}

// TestAdmission_Img2ImgWinsOverHighRes covers spec.md §9's "Refiner vs.
// img2img vs. high-res" note: submitting both an image_url and scale>1
// silently drops the highres pass rather than rejecting the request.
func TestAdmission_Img2ImgWinsOverHighRes(t *testing.T) {
	a := newTestAdmissionWithFetcher(t, &fakeFetcher{raw: []byte{1, 2, 3}})
	url := "https://example.com/x.png"
	scale := 2.0
	item, ack, err := a.Submit(context.Background(), GenerationRequest{
		UserID: "u1", ChannelID: "chan-1", Prompt: strp("a cat"),
		ImageURL: &url, Scale: &scale,
	})
	require.NoError(t, err)
	require.NotNil(t, item.Img2Img)
	assert.Nil(t, item.HighRes)
	assert.Equal(t, url, ack.ImageURL)
	assert.Zero(t, ack.Scale)
}

func TestAdmission_SubmitAssignsDefaultsAndPushesWorkItem(t *testing.T) {
	a := newTestAdmission(t)
	item, ack, err := a.Submit(context.Background(), GenerationRequest{
		UserID: "u1", ChannelID: "chan-1", Prompt: strp("a cat"),
	})
	require.NoError(t, err)
	assert.Equal(t, "a cat", item.Prompt)
	assert.Equal(t, 28, item.Steps)
	assert.Equal(t, 8.0, item.CFG)
	assert.Equal(t, "DPM++ 2M", item.Sampler)
	assert.GreaterOrEqual(t, item.Seed, int64(0))
	assert.LessOrEqual(t, item.Seed, int64(4294967294))
	assert.Equal(t, item.BatchSize, ack.BatchSize)
	assert.Equal(t, 1, a.InFlightCount("u1"))
	assert.Equal(t, 1, a.ChannelActiveCount("chan-1"))
}

func TestAdmission_RejectsOverInFlightCap(t *testing.T) {
	a := newTestAdmission(t)
	a.surfaces.UserInFlightCap["default"] = 1
	ctx := context.Background()
	_, _, err := a.Submit(ctx, GenerationRequest{UserID: "u1", ChannelID: "chan-1", Prompt: strp("a")})
	require.NoError(t, err)

	_, _, err = a.Submit(ctx, GenerationRequest{UserID: "u1", ChannelID: "chan-1", Prompt: strp("b")})
	assert.ErrorIs(t, err, domain.ErrUserInFlightExceeded)
}

func TestAdmission_ReleaseOneDecrementsCounters(t *testing.T) {
	a := newTestAdmission(t)
	_, _, err := a.Submit(context.Background(), GenerationRequest{UserID: "u1", ChannelID: "chan-1", Prompt: strp("a")})
	require.NoError(t, err)
	require.Equal(t, 1, a.InFlightCount("u1"))

	empty := a.ReleaseOne("u1", "chan-1")
	assert.True(t, empty)
	assert.Equal(t, 0, a.InFlightCount("u1"))
	assert.Equal(t, 0, a.ChannelActiveCount("chan-1"))
}

func TestAdmission_InvalidEnumFallsBackToDefault(t *testing.T) {
	a := newTestAdmission(t)
	item, _, err := a.Submit(context.Background(), GenerationRequest{
		UserID: "u1", ChannelID: "chan-1", Prompt: strp("a cat"),
		Sampler: strp("not-a-real-sampler"),
	})
	require.NoError(t, err)
	assert.Equal(t, "DPM++ 2M", item.Sampler)
}

func TestAdmission_ClampsOutOfRangeNumeric(t *testing.T) {
	a := newTestAdmission(t)
	item, _, err := a.Submit(context.Background(), GenerationRequest{
		UserID: "u1", ChannelID: "chan-1", Prompt: strp("a cat"),
		Steps: intp2(9999),
	})
	require.NoError(t, err)
	assert.Equal(t, 50, item.Steps)
}
