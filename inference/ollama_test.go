package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/codyrs82/edgecoder/testutil/assert"
	"github.com/codyrs82/edgecoder/testutil/require"
)

func TestOllama_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		var req ollamaGenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "qwen:7b", req.Model)
		assert.Equal(t, false, req.Stream)
		resp := ollamaGenerateResponse{Response: "1", EvalDuration: 2_000_000_000}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	b := NewOllamaBackend(srv.URL)
	out, cpuSeconds, err := b.Generate(context.Background(), "qwen:7b", "print(1)", GenerateParams{})
	require.NoError(t, err)
	assert.Equal(t, "1", out)
	assert.Equal(t, 2.0, cpuSeconds)
}

func TestOllama_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		_, err := w.Write([]byte(`{"models":[
			{"name":"qwen:7b","size":4000000000,"details":{"parameter_size":"7.2B"}},
			{"name":"tiny:860m","size":500000000,"details":{}}
		]}`))
		require.NoError(t, err)
	}))
	defer srv.Close()

	b := NewOllamaBackend(srv.URL)
	models, err := b.ListModels(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, len(models))
	assert.Equal(t, 7.2, models[0].ParamSize)
	assert.Equal(t, 0.86, models[1].ParamSize)
}

func TestOllama_Health(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	b := NewOllamaBackend(srv.URL)
	assert.Equal(t, true, b.Health(context.Background()))

	srv.Close()
	assert.Equal(t, false, b.Health(context.Background()))
}

func TestParseParamSize(t *testing.T) {
	assert.Equal(t, 7.2, ParseParamSize("7.2B", ""))
	assert.Equal(t, 0.86, ParseParamSize("860M", ""))
	assert.Equal(t, 7.0, ParseParamSize("", "qwen:7b"))
	assert.Equal(t, 1.5, ParseParamSize("", "qwen:1.5b"))
	assert.Equal(t, 0.0, ParseParamSize("", "plainname"))
}
