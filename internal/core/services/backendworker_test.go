package services

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdrelay/dispatcher/internal/adapters/backendhttp"
	"github.com/sdrelay/dispatcher/internal/core/domain"
	"github.com/sdrelay/dispatcher/internal/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBackendWorker_ProcessesOneItemEndToEnd(t *testing.T) {
	var switched string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/sdapi/v1/options":
			_ = json.NewEncoder(w).Encode(backendhttp.Options{SDModelCheckpoint: "anythingV5_v50.safetensors"})
		case r.Method == http.MethodPost && r.URL.Path == "/sdapi/v1/options":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			switched = body["sd_model_checkpoint"]
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/sdapi/v1/txt2img":
			_ = json.NewEncoder(w).Encode(backendhttp.GenerateResponse{Images: []string{"aGVsbG8="}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := backendhttp.New(srv.URL)
	result := queue.New[*domain.WorkItem]()
	worker := NewBackendWorker(client, result, []string{"anythingV5"}, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, worker.awaitReady(ctx))
	assert.Equal(t, domain.HealthReady, worker.Health())
	assert.Equal(t, "anythingV5", worker.LoadedModel())

	mq := NewModelQueue("otherModel")
	item := &domain.WorkItem{Model: "otherModel", Prompt: "a cat", CreationTime: time.Now()}
	mq.Items.Push(item)
	worker.Attach(mq)

	worker.runOnce(ctx)

	assert.Equal(t, "otherModel", switched)
	got, ok := result.Pop()
	require.True(t, ok)
	assert.Empty(t, got.ErrorMessage)
	require.Len(t, got.Images, 1)
	assert.Equal(t, "hello", string(got.Images[0]))
}

func TestBackendWorker_ModelSwitchFailureSetsErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode(backendhttp.Options{SDModelCheckpoint: "anythingV5"})
			return
		}
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := backendhttp.New(srv.URL)
	result := queue.New[*domain.WorkItem]()
	worker := NewBackendWorker(client, result, []string{"anythingV5"}, discardLogger())

	ctx := context.Background()
	require.NoError(t, worker.awaitReady(ctx))

	mq := NewModelQueue("deliberate")
	mq.Items.Push(&domain.WorkItem{Model: "deliberate", CreationTime: time.Now()})
	worker.Attach(mq)
	worker.runOnce(ctx)

	got, ok := result.Pop()
	require.True(t, ok)
	assert.Equal(t, domain.ErrModelSwitchFailed.Error(), got.ErrorMessage)
	assert.Empty(t, got.Images)
}
