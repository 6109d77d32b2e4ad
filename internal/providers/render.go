package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ---------------------------------------------------------------------------
// HTTP render service adapter
// Follows a deferred request pattern: submit the assembled timeline, get an
// opaque render ID back, observe completion by polling. The polling loop
// itself lives in the orchestrator so its clock and ceiling are injectable.
// ---------------------------------------------------------------------------

// HTTPRenderProvider talks to the render service REST API.
type HTTPRenderProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ RenderProvider = (*HTTPRenderProvider)(nil)

func NewHTTPRenderProvider(baseURL, apiKey string) *HTTPRenderProvider {
	return &HTTPRenderProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type renderSubmitResponse struct {
	RenderID string `json:"render_id"`
}

// renderStatusResponse is a poll result. The service reports
// "pending" | "succeeded" | "failed"; url is set only on success.
type renderStatusResponse struct {
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Submit sends the timeline for rendering and returns the opaque render ID.
func (p *HTTPRenderProvider) Submit(ctx context.Context, timeline *Timeline) (string, error) {
	jsonData, err := json.Marshal(timeline)
	if err != nil {
		return "", fmt.Errorf("failed to marshal timeline: %w", err)
	}

	var renderID string
	err = withRetry(ctx, defaultMaxRetries, func() error {
		req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/renders", bytes.NewReader(jsonData))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+p.apiKey)

		resp, err := p.client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
			return fmt.Errorf("render service returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
		}

		var submitResp renderSubmitResponse
		if err := json.Unmarshal(body, &submitResp); err != nil {
			return fmt.Errorf("failed to parse submit response: %w", err)
		}
		if submitResp.RenderID == "" {
			return fmt.Errorf("no render_id in response: %s", truncate(string(body), 200))
		}
		renderID = submitResp.RenderID
		return nil
	})
	if err != nil {
		return "", &ProviderError{Provider: "render", Message: "render submission failed", Err: err}
	}

	return renderID, nil
}

// PollStatus fetches the current state of a render. One poll, no looping.
func (p *HTTPRenderProvider) PollStatus(ctx context.Context, renderID string) (*RenderStatus, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/v1/renders/%s", p.baseURL, renderID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: "render", Message: "poll failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Provider: "render", Message: "failed to read poll response", Err: err}
	}

	// 202 with a pending status is a normal in-progress answer.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, &ProviderError{
			Provider: "render",
			Message:  fmt.Sprintf("poll returned status %d: %s", resp.StatusCode, truncate(string(body), 200)),
		}
	}

	var statusResp renderStatusResponse
	if err := json.Unmarshal(body, &statusResp); err != nil {
		return nil, &ProviderError{Provider: "render", Message: "failed to parse poll response", Err: err}
	}

	return &RenderStatus{
		State: statusResp.Status,
		URL:   statusResp.URL,
		Error: statusResp.Error,
	}, nil
}
