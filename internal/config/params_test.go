package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaxBatchSize(t *testing.T) {
	cases := []struct {
		w, h     int
		scale    float64
		upscaler string
		want     int
	}{
		{512, 512, 2, "Latent", 2},
		{512, 512, 2, "R-ESRGAN 4x+", 1},
		{1024, 1024, 2, "Latent", 0},
		{512, 512, 1, "Latent", 4},
	}
	for _, c := range cases {
		got := MaxBatchSize(c.w, c.h, c.scale, c.upscaler)
		assert.Equal(t, c.want, got, "MaxBatchSize(%d,%d,%v,%q)", c.w, c.h, c.scale, c.upscaler)
	}
}

func TestMaxBatchSize_NeverExceedsFour(t *testing.T) {
	got := MaxBatchSize(256, 256, 1, "Latent")
	assert.LessOrEqual(t, got, 4)
}

func TestNewDefaultParamConfig_AllowListsAndDefaults(t *testing.T) {
	pc := NewDefaultParamConfig([]string{"anythingV5", "other"}, nil)
	steps := pc["steps"]
	assert.Equal(t, 28, steps.Default)
	assert.Equal(t, float64(0), steps.Min)
	assert.Equal(t, float64(50), steps.Max)

	sampler := pc["sampler"]
	assert.Contains(t, sampler.AllowedValues, "DPM++ 2M")
	assert.Equal(t, "DPM++ 2M", sampler.Default)

	model := pc["model"]
	assert.Equal(t, "anythingV5", model.Default)
}

func TestDiscoverLoras_ReadsSidecarWordsFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "add_detail.safetensors"), []byte{}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "add_detail.words"), []byte("detailed\nintricate\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("ignored"), 0o644))

	loras, err := DiscoverLoras(dir)
	require.NoError(t, err)
	require.Len(t, loras, 1)
	assert.Equal(t, "add_detail", loras[0].Name)
	assert.Equal(t, []string{"detailed", "intricate"}, loras[0].TriggerWords)
}

func TestDiscoverLoras_MissingDirIsNotAnError(t *testing.T) {
	loras, err := DiscoverLoras(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.Empty(t, loras)
}

func TestDiscoverEmbeddings_IncludesOwnNameAsTriggerWord(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "easynegative.pt"), []byte{}, 0o644))

	embeddings, err := DiscoverEmbeddings(dir)
	require.NoError(t, err)
	require.Len(t, embeddings, 1)
	assert.Equal(t, "easynegative", embeddings[0].Name)
	assert.Contains(t, embeddings[0].TriggerWords, "easynegative")
}
