package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"vodnotes/internal/config"
	"vodnotes/internal/retry"
)

// HTTPEmbedder calls an embedding service that accepts text and returns a
// fixed-length vector.
type HTTPEmbedder struct {
	baseURL    string
	dim        int
	httpClient *http.Client
}

func NewHTTPEmbedder(cfg config.Config) *HTTPEmbedder {
	dim := cfg.EmbedDim
	if dim == 0 {
		dim = 1536
	}
	return &HTTPEmbedder{
		baseURL:    strings.TrimSuffix(cfg.EmbedAddr, "/"),
		dim:        dim,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("embed request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, retry.Transient(fmt.Errorf("embed service status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed service status %d", resp.StatusCode)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, retry.Transient(fmt.Errorf("decode embed response: %w", err))
	}
	if len(parsed.Embedding) != e.dim {
		return nil, fmt.Errorf("embedding dimension %d, want %d", len(parsed.Embedding), e.dim)
	}
	return parsed.Embedding, nil
}
