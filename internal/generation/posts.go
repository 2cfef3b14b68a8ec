package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/spacesedan/hookflow/internal/apperr"
	"github.com/spacesedan/hookflow/internal/cache"
	"github.com/spacesedan/hookflow/internal/models"
)

const (
	postSystemPrompt = "You write platform-native social posts from a marketing hook. Reply with JSON only."
	maxPostHashtags  = 5
)

type postDraft struct {
	Content  string   `json:"content"`
	Hashtags []string `json:"hashtags"`
}

// ComposePosts writes one draft post per hook per platform. A failed hook
// or platform is logged and skipped; the call errors only when nothing
// could be composed.
func ComposePosts(ctx context.Context, deps Deps, cfg Config, hooks []models.Hook, profile models.TenantProfile) ([]models.Post, error) {
	if len(hooks) == 0 {
		return nil, apperr.Validation("generation.ComposePosts", "no hooks to compose from")
	}
	platforms := cfg.Platforms
	if len(platforms) == 0 {
		platforms = profile.DefaultPlatforms
	}
	if len(platforms) == 0 {
		platforms = DefaultConfig().Platforms
	}

	posts := make([]models.Post, 0, len(hooks)*len(platforms))
	var lastErr error
	for _, h := range hooks {
		for _, platform := range platforms {
			post, err := composePost(ctx, deps, cfg, h, platform, profile)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				lastErr = err
				slog.Warn("[PostComposer] Skipping hook",
					slog.Int64("hook_id", h.ID),
					slog.String("platform", platform),
					slog.String("error", err.Error()))
				continue
			}
			posts = append(posts, post)
		}
	}

	if len(posts) == 0 {
		return nil, fmt.Errorf("compose posts: every candidate failed: %w", lastErr)
	}
	if failed := len(hooks)*len(platforms) - len(posts); failed > 0 {
		slog.Info("[PostComposer] Partial results",
			slog.Int("composed", len(posts)),
			slog.Int("failed", failed))
	}

	sort.SliceStable(posts, func(i, j int) bool { return posts[i].PerformanceScore > posts[j].PerformanceScore })
	return posts, nil
}

func composePost(ctx context.Context, deps Deps, cfg Config, h models.Hook, platform string, profile models.TenantProfile) (models.Post, error) {
	key := cache.Fingerprint("posts", h.Text, h.Renderings.LongForm, platform, profileKey(profile), cfg.TextModel)
	draft, err := cache.Do(ctx, deps.Memo, key, func(ctx context.Context) (postDraft, error) {
		return requestPost(ctx, deps.Generator, cfg, h, platform, profile)
	})
	if errors.Is(err, errUnparseable) {
		draft, err = postDraft{Content: h.Renderings.LongForm}, nil
	}
	if err != nil {
		return models.Post{}, err
	}

	content := stripMarkdown(draft.Content)
	if content == "" {
		content = h.Renderings.LongForm
	}

	tags := normalizeHashtags(draft.Hashtags, maxPostHashtags)
	if len(tags) == 0 {
		tags = normalizeHashtags(profile.Keywords, maxPostHashtags)
	}

	post := models.Post{
		HookID:      h.ID,
		BatchID:     h.BatchID,
		TenantID:    h.TenantID,
		Platform:    platform,
		ContentType: h.HookType,
		Content:     truncateRunes(content, platformLimit(platform)),
		Hashtags:    tags,
		Status:      models.PostStatusDraft,
	}
	post.CountCharacters()
	post.PerformanceScore = PerformanceScore(h.Priority, post.Content, platform)
	post.BrandAlignmentScore = BrandAlignment(post.Content+" "+strings.Join(tags, " "), profile)
	return post, nil
}

func requestPost(ctx context.Context, gen Generator, cfg Config, h models.Hook, platform string, profile models.TenantProfile) (postDraft, error) {
	prompt := buildPostPrompt(h, platform, profile)
	draft, err := withRetry(ctx, cfg, "posts", func(ctx context.Context) (postDraft, error) {
		raw, err := gen.CompleteText(ctx, TextRequest{
			System:      postSystemPrompt,
			Prompt:      prompt,
			Model:       cfg.TextModel,
			Temperature: 0.8,
			JSON:        true,
		})
		if err != nil {
			return postDraft{}, err
		}
		var d postDraft
		if err := json.Unmarshal([]byte(cleanResponse(raw)), &d); err != nil {
			return postDraft{}, fmt.Errorf("%w: %v", errUnparseable, err)
		}
		if strings.TrimSpace(d.Content) == "" {
			return postDraft{}, fmt.Errorf("%w: empty content", errUnparseable)
		}
		return d, nil
	})
	if err != nil && !errors.Is(err, errUnparseable) {
		return postDraft{}, fmt.Errorf("compose %s post for hook %d: %w", platform, h.ID, err)
	}
	return draft, err
}

func buildPostPrompt(h models.Hook, platform string, p models.TenantProfile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a %s post of at most %d characters", platform, platformLimit(platform))
	if p.BrandName != "" {
		fmt.Fprintf(&b, " for %s", p.BrandName)
	}
	b.WriteString(".\n")
	if p.Tone != "" {
		fmt.Fprintf(&b, "Tone: %s\n", p.Tone)
	}
	if len(p.ProhibitedTerms) > 0 {
		fmt.Fprintf(&b, "Never use: %s\n", strings.Join(p.ProhibitedTerms, ", "))
	}
	fmt.Fprintf(&b, "Up to %d hashtags.\n", maxPostHashtags)
	b.WriteString(`Return {"content","hashtags":[]}`)
	b.WriteString("\n\nHook: ")
	b.WriteString(h.Text)
	b.WriteString("\nContext: ")
	b.WriteString(h.Renderings.LongForm)
	if h.SourceQuote != "" && h.SourceQuote != h.Text {
		b.WriteString("\nQuote: ")
		b.WriteString(h.SourceQuote)
	}
	return b.String()
}
