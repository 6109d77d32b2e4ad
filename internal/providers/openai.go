package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	scriptModel = "gpt-5-mini" // best for reasoning and cost efficiency

	// secondsPerScene drives how many scenes a script is broken into:
	// one scene per ~10 seconds of target duration.
	secondsPerScene = 10
)

// OpenAIScriptProvider generates the narration script and scene breakdown
// using OpenAI structured output (JSON mode).
type OpenAIScriptProvider struct {
	client *openai.Client
}

var _ ScriptProvider = (*OpenAIScriptProvider)(nil)

func NewOpenAIScriptProvider(apiKey string) *OpenAIScriptProvider {
	return &OpenAIScriptProvider{
		client: openai.NewClient(apiKey),
	}
}

// SceneCountFor returns how many scenes a video of the given duration gets.
// Minimum one scene regardless of duration.
func SceneCountFor(durationSeconds int) int {
	count := durationSeconds / secondsPerScene
	if count < 1 {
		count = 1
	}
	return count
}

func buildScriptSystemPrompt(sceneCount, durationSeconds int) string {
	return fmt.Sprintf(`You are a short-form video scriptwriter. Produce a narration script for a %d-second video, broken into exactly %d scenes.

Respond with a single JSON object:
{
  "narration": "the full narration text, flowing naturally across scenes",
  "scenes": [
    {"text": "the narration sentence(s) spoken during this scene", "image_prompt": "a vivid, self-contained visual description for an image generator"}
  ]
}

Rules:
- Exactly %d scenes, in narrative order.
- Each image_prompt must stand alone: no references to other scenes, no text overlays, no camera jargon.
- The concatenated scene texts must equal the narration.`, durationSeconds, sceneCount, sceneCount)
}

// Generate produces the script for a topic. Scene count is derived from the
// target duration at a fixed seconds-per-scene ratio.
func (p *OpenAIScriptProvider) Generate(ctx context.Context, topic string, durationSeconds int) (*ScriptResult, error) {
	sceneCount := SceneCountFor(durationSeconds)

	var result ScriptResult
	err := withRetry(ctx, defaultMaxRetries, func() error {
		resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: scriptModel,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: buildScriptSystemPrompt(sceneCount, durationSeconds),
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: fmt.Sprintf("Topic: %s", topic),
				},
			},
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
			Temperature: 1.0,
		})
		if err != nil {
			return fmt.Errorf("openai request failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("no response from openai")
		}

		rawContent := resp.Choices[0].Message.Content
		result = ScriptResult{}
		if err := json.Unmarshal([]byte(rawContent), &result); err != nil {
			log.Printf("[Script] parse failed: %v (raw: %s)", err, truncate(rawContent, 500))
			return fmt.Errorf("failed to parse script: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, &ProviderError{Provider: "openai", Message: "script generation failed", Err: err}
	}

	if len(result.Scenes) == 0 {
		return nil, &ProviderError{Provider: "openai", Message: "script has no scenes"}
	}
	for i, scene := range result.Scenes {
		if scene.Text == "" || scene.ImagePrompt == "" {
			return nil, &ProviderError{
				Provider: "openai",
				Message:  fmt.Sprintf("scene %d is missing text or image_prompt", i),
			}
		}
	}

	// Some models return scenes without the flattened narration. Derive it.
	if result.Narration == "" {
		texts := make([]string, len(result.Scenes))
		for i, scene := range result.Scenes {
			texts[i] = scene.Text
		}
		result.Narration = strings.Join(texts, " ")
	}

	return &result, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
