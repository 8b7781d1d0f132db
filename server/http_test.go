package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sigcache "github.com/wolfeidau/sigcache"
	"github.com/wolfeidau/sigcache/backend"
	"github.com/wolfeidau/sigcache/importer"
	"github.com/wolfeidau/sigcache/signature"
)

func testServer(t *testing.T) *Server {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := signature.New(signature.Config{
		Backend: backend.NewMemory(),
		Logger:  logger,
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return New(svc, Config{Logger: logger})
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestServerHealth(t *testing.T) {
	s := testServer(t)

	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServerCheckAndStore(t *testing.T) {
	s := testServer(t)
	hash := sigcache.HashBytes([]byte("artifact")).String()

	rec := doJSON(t, s, http.MethodPost, "/v1/signatures/check", map[string]string{"hash": hash})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[existsResponse](t, rec).Exists)

	rec = doJSON(t, s, http.MethodPost, "/v1/signatures", map[string]string{"hash": hash})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/v1/signatures/check", map[string]string{"hash": hash})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[existsResponse](t, rec).Exists)
}

func TestServerCheckRejectsInvalidHash(t *testing.T) {
	s := testServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/signatures/check", map[string]string{"hash": "garbage"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/v1/signatures/check", map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerCheckBatch(t *testing.T) {
	s := testServer(t)

	stored := sigcache.HashBytes([]byte("stored")).String()
	missing := sigcache.HashBytes([]byte("missing")).String()

	rec := doJSON(t, s, http.MethodPost, "/v1/signatures/store-batch", map[string]any{"hashes": []string{stored}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/v1/signatures/check-batch", map[string]any{"hashes": []string{stored, missing}})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[checkBatchResponse](t, rec)
	assert.True(t, resp.Complete)
	assert.True(t, resp.Results[stored])
	assert.False(t, resp.Results[missing])
}

func TestServerCheckBatchRejectsEmptyAndInvalid(t *testing.T) {
	s := testServer(t)

	rec := doJSON(t, s, http.MethodPost, "/v1/signatures/check-batch", map[string]any{"hashes": []string{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/v1/signatures/check-batch", map[string]any{"hashes": []string{"nope"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerDelete(t *testing.T) {
	s := testServer(t)
	hash := sigcache.HashBytes([]byte("deleted")).String()

	rec := doJSON(t, s, http.MethodPost, "/v1/signatures", map[string]string{"hash": hash})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodDelete, "/v1/signatures?hash="+url.QueryEscape(hash), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/v1/signatures/check", map[string]string{"hash": hash})
	assert.False(t, decodeBody[existsResponse](t, rec).Exists)

	// Deleting again still succeeds.
	rec = doJSON(t, s, http.MethodDelete, "/v1/signatures?hash="+url.QueryEscape(hash), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, s, http.MethodDelete, "/v1/signatures?hash=bad", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerImportLifecycle(t *testing.T) {
	s := testServer(t)

	hashes := make([]string, 30)
	for i := range hashes {
		hashes[i] = sigcache.HashBytes([]byte(fmt.Sprintf("import-%d", i))).String()
	}

	rec := doJSON(t, s, http.MethodPost, "/v1/imports", map[string]any{"hashes": hashes})
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decodeBody[importResponse](t, rec).JobID
	require.NotEmpty(t, jobID)

	deadline := time.Now().Add(5 * time.Second)
	var job importer.Job
	for {
		rec = doJSON(t, s, http.MethodGet, "/v1/imports/"+jobID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		job = decodeBody[importer.Job](t, rec)
		if job.Status == importer.StatusCompleted {
			break
		}
		require.True(t, time.Now().Before(deadline), "job never completed")
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1.0, job.Progress)

	rec = doJSON(t, s, http.MethodGet, "/v1/imports", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]importer.Job](t, rec), 1)

	// Imported hashes are now visible on the check endpoint.
	rec = doJSON(t, s, http.MethodPost, "/v1/signatures/check", map[string]string{"hash": hashes[0]})
	assert.True(t, decodeBody[existsResponse](t, rec).Exists)

	// Cancelling a completed job conflicts.
	rec = doJSON(t, s, http.MethodDelete, "/v1/imports/"+jobID, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/v1/imports/no-such-job", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, http.MethodDelete, "/v1/imports/no-such-job", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerStats(t *testing.T) {
	s := testServer(t)
	hash := sigcache.HashBytes([]byte("counted")).String()

	doJSON(t, s, http.MethodPost, "/v1/signatures/check", map[string]string{"hash": hash})

	rec := doJSON(t, s, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stats := decodeBody[map[string]signature.OperationStats](t, rec)
	require.Contains(t, stats, "contains")
	assert.Equal(t, int64(1), stats["contains"].Calls)
}

func TestServerRejectsOversizedBody(t *testing.T) {
	s := testServer(t)

	body := bytes.Repeat([]byte("a"), maxRequestBody+1)
	req := httptest.NewRequest(http.MethodPost, "/v1/signatures/check", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
