package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// ElevenLabs text-to-speech adapter
// Model: eleven_flash_v2_5 (Flash v2.5 — fast, 32 languages, ~75ms latency)
// ---------------------------------------------------------------------------

const (
	elevenLabsBaseURL      = "https://api.elevenlabs.io"
	elevenLabsDefaultModel = "eleven_flash_v2_5"
	elevenLabsDefaultVoice = "pNInz6obpgDQGcFmaJgB"
	elevenLabsOutputFormat = "mp3_44100_128"
)

// ElevenLabsVoiceProvider synthesizes narration audio and uploads it to the
// artifact store, returning the public URL.
type ElevenLabsVoiceProvider struct {
	apiKey   string
	client   *http.Client
	uploader ArtifactUploader
}

var _ VoiceProvider = (*ElevenLabsVoiceProvider)(nil)

func NewElevenLabsVoiceProvider(apiKey string, uploader ArtifactUploader) *ElevenLabsVoiceProvider {
	return &ElevenLabsVoiceProvider{
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 90 * time.Second},
		uploader: uploader,
	}
}

type elevenLabsRequest struct {
	Text          string                   `json:"text"`
	ModelID       string                   `json:"model_id"`
	VoiceSettings *elevenLabsVoiceSettings `json:"voice_settings,omitempty"`
	Speed         *float64                 `json:"speed,omitempty"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

// Synthesize converts narration text to speech and returns the audio URL.
// voiceID overrides the default voice when non-empty.
func (p *ElevenLabsVoiceProvider) Synthesize(ctx context.Context, text, voiceID string) (string, error) {
	if voiceID == "" {
		voiceID = elevenLabsDefaultVoice
	}

	speed := 0.85 // Slightly slower for clear narration delivery
	reqBody := elevenLabsRequest{
		Text:    text,
		ModelID: elevenLabsDefaultModel,
		Speed:   &speed,
		VoiceSettings: &elevenLabsVoiceSettings{
			Stability:       0.60,
			SimilarityBoost: 0.80,
			Style:           0.35,
			UseSpeakerBoost: true,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s",
		elevenLabsBaseURL, voiceID, elevenLabsOutputFormat)

	var audioData []byte
	err = withRetry(ctx, defaultMaxRetries, func() error {
		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("xi-api-key", p.apiKey)

		resp, err := p.client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("elevenlabs returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
		}

		// The response body IS the audio file.
		audioData, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read audio response: %w", err)
		}
		if len(audioData) == 0 {
			return fmt.Errorf("elevenlabs returned empty audio")
		}
		return nil
	})
	if err != nil {
		return "", &ProviderError{Provider: "elevenlabs", Message: "speech synthesis failed", Err: err}
	}

	path := fmt.Sprintf("audio/%s.mp3", uuid.New())
	if err := p.uploader.Upload(ctx, path, audioData, "audio/mpeg"); err != nil {
		return "", &ProviderError{Provider: "elevenlabs", Message: "audio upload failed", Err: err}
	}

	log.Printf("[ElevenLabs] speech generated (%d bytes, textLen=%d) → %s", len(audioData), len(text), path)
	return p.uploader.PublicURL(path), nil
}
