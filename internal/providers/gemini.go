package providers

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

const geminiImageModel = "gemini-3-pro-image-preview"

// ArtifactUploader is the slice of the artifact store that adapters need to
// persist generated bytes and hand back a public URL.
type ArtifactUploader interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	PublicURL(path string) string
}

// GeminiImageProvider generates scene images through the Gen AI SDK and
// uploads them to the artifact store, returning the public URL.
type GeminiImageProvider struct {
	apiKey   string
	uploader ArtifactUploader
}

var _ ImageProvider = (*GeminiImageProvider)(nil)

func NewGeminiImageProvider(apiKey string, uploader ArtifactUploader) *GeminiImageProvider {
	return &GeminiImageProvider{
		apiKey:   apiKey,
		uploader: uploader,
	}
}

func buildImagePrompt(basePrompt, stylePreset string) string {
	return fmt.Sprintf(`%s

Visual style: %s. Vertical 9:16 composition, rich detail, no text, no watermarks, no borders.`, basePrompt, stylePreset)
}

// Generate produces a single image and returns its public URL.
func (p *GeminiImageProvider) Generate(ctx context.Context, prompt, stylePreset string) (string, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return "", &ProviderError{Provider: "gemini", Message: "failed to create client", Err: err}
	}

	var imageData []byte
	err = withRetry(ctx, defaultMaxRetries, func() error {
		resp, err := client.Models.GenerateContent(ctx, geminiImageModel,
			genai.Text(buildImagePrompt(prompt, stylePreset)),
			&genai.GenerateContentConfig{
				ResponseModalities: []string{"TEXT", "IMAGE"},
			})
		if err != nil {
			return fmt.Errorf("generate content failed: %w", err)
		}

		imageData = nil
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part.InlineData != nil && len(part.InlineData.Data) > 0 {
					imageData = part.InlineData.Data
					return nil
				}
			}
		}
		return fmt.Errorf("no image data in response")
	})
	if err != nil {
		return "", &ProviderError{Provider: "gemini", Message: "image generation failed", Err: err}
	}

	path := fmt.Sprintf("images/%s.png", uuid.New())
	if err := p.uploader.Upload(ctx, path, imageData, "image/png"); err != nil {
		return "", &ProviderError{Provider: "gemini", Message: "image upload failed", Err: err}
	}

	url := p.uploader.PublicURL(path)
	log.Printf("[Gemini] image generated (%d bytes) → %s", len(imageData), path)
	return url, nil
}
