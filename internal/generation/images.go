package generation

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/spacesedan/hookflow/internal/apperr"
	"github.com/spacesedan/hookflow/internal/cache"
	"github.com/spacesedan/hookflow/internal/models"
)

const maxImagePromptRunes = 900

// ComposeImage renders one branded image for post. model overrides
// cfg.ImageModel when set. The image is returned unsaved and unselected.
func ComposeImage(ctx context.Context, deps Deps, cfg Config, post models.Post, profile models.TenantProfile, model string) (models.Image, error) {
	if strings.TrimSpace(post.Content) == "" {
		return models.Image{}, apperr.Validation("generation.ComposeImage", "post %d has no content", post.ID)
	}
	if model == "" {
		model = cfg.ImageModel
	}

	prompt := buildImagePrompt(post, profile)
	key := cache.Fingerprint("images", prompt, model, cfg.ImageSize)
	url, err := cache.Do(ctx, deps.Memo, key, func(ctx context.Context) (string, error) {
		return withRetry(ctx, cfg, "images", func(ctx context.Context) (string, error) {
			return deps.Generator.GenerateImage(ctx, ImageRequest{Prompt: prompt, Model: model, Size: cfg.ImageSize})
		})
	})
	if err != nil {
		return models.Image{}, fmt.Errorf("compose image for post %d: %w", post.ID, err)
	}
	if url == "" {
		return models.Image{}, apperr.External("generation.ComposeImage", "provider returned no image", nil, false)
	}

	return models.Image{
		PostID:              post.ID,
		TenantID:            post.TenantID,
		Model:               model,
		Prompt:              prompt,
		URL:                 url,
		Size:                cfg.ImageSize,
		QualityScore:        imageQuality(prompt, post),
		BrandAlignmentScore: BrandAlignment(prompt, profile),
		Status:              models.ImageStatusGenerated,
	}, nil
}

func buildImagePrompt(post models.Post, p models.TenantProfile) string {
	var b strings.Builder
	b.WriteString("A clean, professional social media illustration")
	if p.BrandName != "" {
		fmt.Fprintf(&b, " for %s", p.BrandName)
	}
	if p.Tone != "" {
		fmt.Fprintf(&b, " with a %s feel", p.Tone)
	}
	b.WriteString(". No text in the image. Theme: ")
	b.WriteString(firstWords(stripMarkdown(post.Content), 40))
	if len(p.Keywords) > 0 {
		fmt.Fprintf(&b, ". Motifs: %s", strings.Join(p.Keywords, ", "))
	}
	return truncateRunes(b.String(), maxImagePromptRunes)
}

// imageQuality scores how much of the post vocabulary made it into the
// prompt, 0-100.
func imageQuality(prompt string, post models.Post) float64 {
	words := strings.Fields(strings.ToLower(post.Content))
	if len(words) == 0 {
		return 0
	}
	lowerPrompt := strings.ToLower(prompt)
	seen := make(map[string]bool)
	hits, total := 0, 0
	for _, w := range words {
		w = strings.Trim(w, ".,!?:;\"'()#")
		if len(w) < 4 || seen[w] {
			continue
		}
		seen[w] = true
		total++
		if strings.Contains(lowerPrompt, w) {
			hits++
		}
	}
	if total == 0 {
		return 50
	}
	return math.Round(30 + 70*float64(hits)/float64(total))
}
