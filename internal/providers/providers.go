package providers

import (
	"context"
	"fmt"
)

// ---------------------------------------------------------------------------
// Provider adapters — one uniform interface per external generation service.
// Adapters normalize provider errors into ProviderError, apply per-call
// timeouts, and retry transient failures internally with bounded attempts.
// They are constructed once at process start and passed in explicitly so
// tests can substitute fakes.
// ---------------------------------------------------------------------------

// ScenePlan is one planned scene from the script stage.
type ScenePlan struct {
	Text        string `json:"text"`
	ImagePrompt string `json:"image_prompt"`
}

// ScriptResult is the script stage output: full narration plus the ordered
// scene breakdown.
type ScriptResult struct {
	Narration string      `json:"narration"`
	Scenes    []ScenePlan `json:"scenes"`
}

// ScriptProvider turns a topic into narration and scene plans.
type ScriptProvider interface {
	Generate(ctx context.Context, topic string, durationSeconds int) (*ScriptResult, error)
}

// ImageProvider generates one scene image and returns its public URL.
// Each call is independent — safe for parallel execution across scenes.
type ImageProvider interface {
	Generate(ctx context.Context, prompt, stylePreset string) (string, error)
}

// VoiceProvider synthesizes the narration and returns the audio's public URL.
type VoiceProvider interface {
	Synthesize(ctx context.Context, text, voiceID string) (string, error)
}

// TimelineScene is one timed segment of the assembled render timeline.
type TimelineScene struct {
	ImageURL string  `json:"image_url"`
	Caption  string  `json:"caption"`
	Seconds  float64 `json:"seconds"`
	Animated bool    `json:"animated"`
}

// Timeline is the full render submission: scenes plus the voiceover track.
type Timeline struct {
	Scenes       []TimelineScene `json:"scenes"`
	AudioURL     string          `json:"audio_url"`
	TotalSeconds int             `json:"total_seconds"`
}

// Render states reported by PollStatus.
const (
	RenderStatePending   = "pending"
	RenderStateSucceeded = "succeeded"
	RenderStateFailed    = "failed"
)

// RenderStatus is a poll result from the render provider.
type RenderStatus struct {
	State string `json:"state"`
	URL   string `json:"url,omitempty"`
	Error string `json:"error,omitempty"`
}

// RenderProvider assembles a timeline into the final video asynchronously.
// Submit returns an opaque render ID; completion is observed by polling.
type RenderProvider interface {
	Submit(ctx context.Context, timeline *Timeline) (string, error)
	PollStatus(ctx context.Context, renderID string) (*RenderStatus, error)
}

// ProviderError is the normalized failure type surfaced by every adapter
// once its internal retries are exhausted.
type ProviderError struct {
	Provider string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
