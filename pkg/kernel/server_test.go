package kernel

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sdrelay/dispatcher/internal/adapters/imagefetch"
	"github.com/sdrelay/dispatcher/internal/config"
	"github.com/sdrelay/dispatcher/internal/core/domain"
	"github.com/sdrelay/dispatcher/internal/core/services"
	"github.com/sdrelay/dispatcher/internal/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	surfaces := &config.SurfaceConfig{
		Channels:        map[string]config.SurfaceRecord{"chan-1": {Supported: true}},
		UserInFlightCap: map[string]int{},
	}
	params := config.NewDefaultParamConfig([]string{"anythingV5"}, nil)
	prefs := services.NewPreferences(filepath.Join(t.TempDir(), "prefs.json"))
	require.NoError(t, prefs.Load())
	submission := queue.New[*domain.WorkItem]()
	result := queue.New[*domain.WorkItem]()
	admission := services.NewAdmission(surfaces, params, prefs, submission, imagefetch.New(), "", "")
	codec := services.NewAckCodec()
	scheduler := services.NewScheduler(discardLogger(), submission, result, []string{"anythingV5"}, 30_000_000_000)

	return NewServer(discardLogger(), admission, codec, scheduler, prefs, params, nil, nil, nil)
}

func TestHandleGenerate_SuccessReturnsAckMessage(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(map[string]any{
		"user_id": "u1", "channel_id": "chan-1", "prompt": "a cat",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/generate", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp generateResponseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ContextHandle)
	require.Contains(t, resp.AckMessage, "Generating")
	require.Contains(t, resp.AckMessage, "a cat")
}

func TestHandleGenerate_UnsupportedSurfaceRejected(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"user_id": "u1", "channel_id": "nope", "prompt": "x"})
	req := httptest.NewRequest(http.MethodPost, "/v1/generate", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandlePreferences_SetThenGet(t *testing.T) {
	srv := newTestServer(t)

	setBody, _ := json.Marshal(map[string]string{"steps": "40"})
	req := httptest.NewRequest(http.MethodPut, "/v1/preferences/u1", bytes.NewReader(setBody))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/preferences/u1", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "40", got["steps"])
}

func TestHandleInfoModels(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/info/models", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Contains(t, got, "anythingV5")
}

func TestHandleAgain_RoundTripsAckMessage(t *testing.T) {
	srv := newTestServer(t)
	genBody, _ := json.Marshal(map[string]any{"user_id": "u1", "channel_id": "chan-1", "prompt": "a dog"})
	req := httptest.NewRequest(http.MethodPost, "/v1/generate", bytes.NewReader(genBody))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var gen generateResponseBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &gen))

	// Use a distinct user for the redo so the 1-action/second cooldown
	// from the first submission doesn't reject this one.
	againBody, _ := json.Marshal(map[string]any{
		"user_id": "u2", "channel_id": "chan-1", "raw_text": gen.AckMessage,
	})
	req = httptest.NewRequest(http.MethodPost, "/v1/again", bytes.NewReader(againBody))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHandleListQueuesAndWorkers(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/queues", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/workers", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
