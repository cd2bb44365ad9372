package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DefaultOllamaHost is used when OLLAMA_HOST is unset.
const DefaultOllamaHost = "http://127.0.0.1:11434"

// OllamaBackend talks to a local Ollama server over its HTTP API.
type OllamaBackend struct {
	host   string
	client *http.Client
}

// NewOllamaBackend creates a backend for the given host; an empty host falls
// back to OLLAMA_HOST then the default port.
func NewOllamaBackend(host string) *OllamaBackend {
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = DefaultOllamaHost
	}
	host = strings.TrimRight(host, "/")
	return &OllamaBackend{
		host:   host,
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response      string `json:"response"`
	EvalDuration  int64  `json:"eval_duration"`  // nanoseconds
	TotalDuration int64  `json:"total_duration"` // nanoseconds
}

// Generate runs one completion. cpuSeconds is taken from the server's eval
// duration so it reflects actual model time, not queueing.
func (b *OllamaBackend) Generate(ctx context.Context, model, prompt string, p GenerateParams) (string, float64, error) {
	reqBody := ollamaGenerateRequest{Model: model, Prompt: prompt, Stream: false}
	if p.Temperature != 0 || p.MaxTokens != 0 {
		reqBody.Options = map[string]interface{}{}
		if p.Temperature != 0 {
			reqBody.Options["temperature"] = p.Temperature
		}
		if p.MaxTokens != 0 {
			reqBody.Options["num_predict"] = p.MaxTokens
		}
	}
	var resp ollamaGenerateResponse
	if err := b.post(ctx, "/api/generate", reqBody, &resp); err != nil {
		return "", 0, err
	}
	cpuSeconds := float64(resp.EvalDuration) / float64(time.Second)
	if cpuSeconds == 0 {
		cpuSeconds = float64(resp.TotalDuration) / float64(time.Second)
	}
	return resp.Response, cpuSeconds, nil
}

type ollamaTagsResponse struct {
	Models []struct {
		Name    string `json:"name"`
		Size    int64  `json:"size"`
		Details struct {
			ParameterSize string `json:"parameter_size"` // e.g. "7.2B"
		} `json:"details"`
	} `json:"models"`
}

// ListModels returns the local model catalog from /api/tags.
func (b *OllamaBackend) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.host+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(ErrBackendUnavailable, err.Error())
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Debug("Could not close response body")
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("ollama returned status %d", resp.StatusCode)
	}
	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, errors.Wrap(err, "could not decode model list")
	}
	out := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		out = append(out, ModelInfo{
			Name:      m.Name,
			ParamSize: ParseParamSize(m.Details.ParameterSize, m.Name),
			SizeBytes: m.Size,
		})
	}
	return out, nil
}

// Health reports whether the server answers at all.
func (b *OllamaBackend) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Debug("Could not close response body")
		}
	}()
	return resp.StatusCode == http.StatusOK
}

func (b *OllamaBackend) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.host+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return errors.Wrap(ErrBackendUnavailable, err.Error())
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Debug("Could not close response body")
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("ollama returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ParseParamSize extracts a parameter count in billions from Ollama's
// parameter_size detail ("7.2B", "860M") or, failing that, from a model tag
// like "qwen:7b".
func ParseParamSize(detail, name string) float64 {
	if v := parseSizeToken(detail); v > 0 {
		return v
	}
	if i := strings.LastIndexByte(name, ':'); i >= 0 {
		if v := parseSizeToken(name[i+1:]); v > 0 {
			return v
		}
	}
	return 0
}

func parseSizeToken(tok string) float64 {
	tok = strings.TrimSpace(strings.ToUpper(tok))
	if tok == "" {
		return 0
	}
	div := 1.0
	switch tok[len(tok)-1] {
	case 'B':
		tok = tok[:len(tok)-1]
	case 'M':
		div = 1000
		tok = tok[:len(tok)-1]
	default:
		return 0
	}
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0
	}
	return v / div
}
