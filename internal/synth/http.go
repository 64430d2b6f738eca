package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/narration"
)

// HeaderDuration carries the audio duration when the backend answers with raw
// audio instead of JSON.
const HeaderDuration = "X-Audio-Duration-Seconds"

type httpBackend struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPBackend posts each chunk as JSON to endpoint.
func NewHTTPBackend(endpoint, apiKey string, timeout time.Duration) Backend {
	return &httpBackend{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (h *httpBackend) Synthesize(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(newWireRequest(req))
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		httpReq.Header.Set("x-api-key", h.apiKey)
	}

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", narration.ErrBackendError, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: read response: %v", narration.ErrBackendError, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{}, fmt.Errorf("%w: backend returned %d", narration.ErrBackendThrottled, resp.StatusCode)
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return Result{}, fmt.Errorf("%w: backend returned %d", narration.ErrPayloadTooLarge, resp.StatusCode)
	case resp.StatusCode >= 500:
		return Result{}, fmt.Errorf("%w: backend returned %d", narration.ErrBackendError, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Result{}, fmt.Errorf("%w: backend returned %d: %s", narration.ErrBackendError, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if isJSON(resp.Header.Get("Content-Type")) {
		var wr wireResponse
		if err := json.Unmarshal(data, &wr); err != nil {
			return Result{}, fmt.Errorf("%w: decode response: %v", narration.ErrBackendError, err)
		}
		return wr.result()
	}
	if len(data) == 0 {
		return Result{}, fmt.Errorf("%w: backend returned empty audio", narration.ErrBackendError)
	}
	res := Result{Audio: data}
	if v := resp.Header.Get(HeaderDuration); v != "" {
		if d, err := strconv.ParseFloat(v, 64); err == nil {
			res.DurationSeconds = d
		}
	}
	return res, nil
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}
