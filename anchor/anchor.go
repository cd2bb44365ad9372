// Package anchor defines the external checkpoint-anchoring facade. The core
// only submits checkpoint hashes and looks up their status; Bitcoin
// OP_RETURN mechanics live behind the proxy.
package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Adapter anchors ledger checkpoints externally. Submit is idempotent on the
// checkpoint hash.
type Adapter interface {
	Submit(ctx context.Context, checkpointHash string) (anchorRef string, err error)
	Lookup(ctx context.Context, anchorRef string) (status string, err error)
}

// HTTPAdapter talks to an anchor proxy service.
type HTTPAdapter struct {
	baseURL string
	client  *http.Client

	lock      sync.Mutex
	submitted map[string]string // checkpointHash -> anchorRef
}

// NewHTTPAdapter creates an adapter against the given proxy base URL.
func NewHTTPAdapter(baseURL string) *HTTPAdapter {
	return &HTTPAdapter{
		baseURL:   baseURL,
		client:    &http.Client{Timeout: 30 * time.Second},
		submitted: make(map[string]string),
	}
}

// Submit pushes a checkpoint hash to the proxy. Repeat submissions of the
// same hash return the original anchor reference without a network call.
func (a *HTTPAdapter) Submit(ctx context.Context, checkpointHash string) (string, error) {
	a.lock.Lock()
	if ref, ok := a.submitted[checkpointHash]; ok {
		a.lock.Unlock()
		return ref, nil
	}
	a.lock.Unlock()

	body, err := json.Marshal(map[string]string{"checkpointHash": checkpointHash})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/anchor/submit", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "anchor proxy unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", errors.Errorf("anchor proxy returned status %d", resp.StatusCode)
	}
	var out struct {
		AnchorRef string `json:"anchorRef"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "could not decode anchor response")
	}

	a.lock.Lock()
	a.submitted[checkpointHash] = out.AnchorRef
	a.lock.Unlock()
	return out.AnchorRef, nil
}

// Lookup queries the status of a previously submitted anchor.
func (a *HTTPAdapter) Lookup(ctx context.Context, anchorRef string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/anchor/status/"+anchorRef, nil)
	if err != nil {
		return "", err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "anchor proxy unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", errors.Errorf("anchor proxy returned status %d", resp.StatusCode)
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "could not decode anchor status")
	}
	return out.Status, nil
}
