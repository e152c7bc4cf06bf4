package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"orbo-violence/internal/model"
)

// HTTPConfig configures the HTTP-backed Classifier Client.
type HTTPConfig struct {
	Endpoint string
	Timeout  time.Duration
}

// HTTPClient calls an external inference service's `/classify` endpoint
// with a 16-frame window and parses back a violence score. Health of
// the backend is probed lazily and cached for 30s.
type HTTPClient struct {
	endpoint string
	client   *http.Client

	healthMu   sync.Mutex
	healthy    bool
	lastHealth time.Time
}

// NewHTTPClient creates a Classifier Client backed by an HTTP inference
// service. If cfg.Timeout is zero, DefaultTimeout is used.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type classifyRequest struct {
	StreamID   string   `json:"stream_id"`
	FrameCount int      `json:"frame_count"`
	Width      int      `json:"width"`
	Height     int      `json:"height"`
	Frames     [][]byte `json:"frames"`
}

type classifyResponse struct {
	ViolenceScore    float32 `json:"violence_score"`
	NonViolenceScore float32 `json:"non_violence_score"`
	InferenceMs      float32 `json:"inference_ms"`
}

// Classify POSTs the 16-frame window to {endpoint}/classify and parses
// the response. Respects ctx's deadline; the caller (inference
// scheduler) is expected to apply ml_service_timeout via ctx.
func (c *HTTPClient) Classify(ctx context.Context, frames []*model.FramePacket) (Result, error) {
	if len(frames) == 0 {
		return Result{}, fmt.Errorf("classify: empty frame window")
	}

	req := classifyRequest{
		StreamID:   frames[0].StreamID,
		FrameCount: len(frames),
		Width:      frames[0].Width,
		Height:     frames[0].Height,
		Frames:     make([][]byte, len(frames)),
	}
	for i, f := range frames {
		req.Frames[i] = f.Frame
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("classify: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/classify", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("classify: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.setHealthy(false)
		return Result{}, fmt.Errorf("classify: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("classify: service returned status %d", resp.StatusCode)
	}

	var out classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("classify: decode response: %w", err)
	}

	c.setHealthy(true)

	score := Clamp(out.ViolenceScore)
	return Result{
		ViolenceScore:    score,
		NonViolenceScore: 1 - score,
		InferenceMs:      out.InferenceMs,
	}, nil
}

// Healthy reports the result of the last call, cached for 30s via an
// explicit health-check ping when stale.
func (c *HTTPClient) Healthy() bool {
	c.healthMu.Lock()
	fresh := time.Since(c.lastHealth) < 30*time.Second
	healthy := c.healthy
	c.healthMu.Unlock()
	if fresh {
		return healthy
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		c.setHealthy(false)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.setHealthy(false)
		return false
	}
	defer resp.Body.Close()

	ok := resp.StatusCode == http.StatusOK
	c.setHealthy(ok)
	return ok
}

func (c *HTTPClient) setHealthy(ok bool) {
	c.healthMu.Lock()
	c.healthy = ok
	c.lastHealth = time.Now()
	c.healthMu.Unlock()
}

// Close is a no-op for the HTTP client; http.Client needs no teardown.
func (c *HTTPClient) Close() error { return nil }

var _ Client = (*HTTPClient)(nil)
