package backendhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_GetOptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sdapi/v1/options", r.URL.Path)
		require.Equal(t, http.MethodGet, r.Method)
		_ = json.NewEncoder(w).Encode(Options{SDModelCheckpoint: "anythingV5_v50.safetensors"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	opts, err := c.GetOptions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "anythingV5_v50.safetensors", opts.SDModelCheckpoint)
}

func TestClient_SetModelCheckpoint(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.SetModelCheckpoint(context.Background(), "newModel")
	require.NoError(t, err)
	assert.Equal(t, "newModel", gotBody["sd_model_checkpoint"])
}

func TestClient_Txt2Img_DecodesImagesAndStripsDataPrefix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sdapi/v1/txt2img", r.URL.Path)
		_ = json.NewEncoder(w).Encode(GenerateResponse{
			Images: []string{"data:image/png;base64,aGVsbG8=", "d29ybGQ="},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	images, err := c.Txt2Img(context.Background(), GenerateRequest{Prompt: "a cat"})
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, "hello", string(images[0]))
	assert.Equal(t, "world", string(images[1]))
}

func TestClient_Generate_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Txt2Img(context.Background(), GenerateRequest{})
	assert.Error(t, err)
}

func TestMatchFriendlyModel(t *testing.T) {
	supported := []string{"anythingV5", "deliberate"}
	assert.Equal(t, "anythingV5", MatchFriendlyModel("anythingV5_v50-pruned.safetensors [abc123]", supported))
	assert.Equal(t, "raw-checkpoint.safetensors", MatchFriendlyModel("raw-checkpoint.safetensors", supported))
}
