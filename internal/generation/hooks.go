package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/spacesedan/hookflow/internal/apperr"
	"github.com/spacesedan/hookflow/internal/cache"
	"github.com/spacesedan/hookflow/internal/models"
)

const (
	hookSystemPrompt = "You extract short, scroll-stopping marketing hooks from source content. Reply with JSON only."
	defaultHookType  = "insight"
	defaultPillar    = "thought_leadership"
	shortFormWords   = 12
	titleWords       = 8
)

var errUnparseable = errors.New("unparseable model reply")

type hookCandidate struct {
	Text          string `json:"text"`
	HookType      string `json:"hook_type"`
	ContentPillar string `json:"content_pillar"`
	SourceQuote   string `json:"source_quote"`
	LongForm      string `json:"long_form"`
	ShortForm     string `json:"short_form"`
	Title         string `json:"title"`
}

type hookResponse struct {
	Hooks []hookCandidate `json:"hooks"`
}

// ExtractHooks returns exactly cfg.HooksPerBatch scored hooks for src,
// sorted by priority. Hooks carry no ids; the caller persists them.
func ExtractHooks(ctx context.Context, deps Deps, cfg Config, src models.ContentSource, profile models.TenantProfile) ([]models.Hook, error) {
	if strings.TrimSpace(src.Content) == "" {
		return nil, apperr.Validation("generation.ExtractHooks", "content source %d is empty", src.ID)
	}
	count := max(cfg.HooksPerBatch, 1)

	key := cache.Fingerprint("hooks", src.Content, profileKey(profile), strconv.Itoa(count), cfg.TextModel)
	candidates, err := cache.Do(ctx, deps.Memo, key, func(ctx context.Context) ([]hookCandidate, error) {
		return requestHooks(ctx, deps.Generator, cfg, src, profile, count)
	})
	if errors.Is(err, errUnparseable) {
		slog.Warn("[HookExtractor] Model reply never parsed, using source sentences",
			slog.Int64("content_source_id", src.ID))
		candidates, err = nil, nil
	}
	if err != nil {
		return nil, err
	}

	hooks := make([]models.Hook, 0, count)
	for _, c := range candidates {
		h, ok := repairHook(c)
		if !ok {
			continue
		}
		h.TenantID = src.TenantID
		scoreHook(&h, profile)
		hooks = append(hooks, h)
	}
	if dropped := len(candidates) - len(hooks); dropped > 0 {
		slog.Warn("[HookExtractor] Discarded unusable candidates",
			slog.Int64("content_source_id", src.ID),
			slog.Int("dropped", dropped))
	}

	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Priority > hooks[j].Priority })

	if len(hooks) > count {
		hooks = hooks[:count]
	}
	if len(hooks) < count {
		missing := count - len(hooks)
		hooks = append(hooks, placeholderHooks(src, profile, missing)...)
		slog.Info("[HookExtractor] Padded hooks from source sentences",
			slog.Int64("content_source_id", src.ID),
			slog.Int("padded", missing))
	}
	return hooks, nil
}

func requestHooks(ctx context.Context, gen Generator, cfg Config, src models.ContentSource, profile models.TenantProfile, count int) ([]hookCandidate, error) {
	prompt := buildHookPrompt(src, profile, count)
	hooks, err := withRetry(ctx, cfg, "hooks", func(ctx context.Context) ([]hookCandidate, error) {
		raw, err := gen.CompleteText(ctx, TextRequest{
			System:      hookSystemPrompt,
			Prompt:      prompt,
			Model:       cfg.TextModel,
			Temperature: 0.7,
			JSON:        true,
		})
		if err != nil {
			return nil, err
		}
		var resp hookResponse
		if err := json.Unmarshal([]byte(cleanResponse(raw)), &resp); err != nil {
			return nil, fmt.Errorf("%w: %v", errUnparseable, err)
		}
		return resp.Hooks, nil
	})
	if err != nil && !errors.Is(err, errUnparseable) {
		return nil, fmt.Errorf("extract hooks for content source %d: %w", src.ID, err)
	}
	return hooks, err
}

func buildHookPrompt(src models.ContentSource, p models.TenantProfile, count int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Extract %d hooks from the %s below", count, src.ContentType)
	if p.BrandName != "" {
		fmt.Fprintf(&b, " for %s", p.BrandName)
	}
	b.WriteString(".\n")
	if p.Tone != "" {
		fmt.Fprintf(&b, "Tone: %s\n", p.Tone)
	}
	if len(p.Pillars) > 0 {
		fmt.Fprintf(&b, "Content pillars: %s\n", strings.Join(p.Pillars, ", "))
	}
	if len(p.Keywords) > 0 {
		fmt.Fprintf(&b, "Keywords: %s\n", strings.Join(p.Keywords, ", "))
	}
	if len(p.ProhibitedTerms) > 0 {
		fmt.Fprintf(&b, "Never use: %s\n", strings.Join(p.ProhibitedTerms, ", "))
	}
	b.WriteString(`Return {"hooks":[{"text","hook_type","content_pillar","source_quote","long_form","short_form","title"}]}`)
	b.WriteString("\n\nTitle: ")
	b.WriteString(src.Title)
	b.WriteString("\n\n")
	b.WriteString(src.Content)
	return b.String()
}

// repairHook fills missing fields from the hook text. Candidates without
// text are unusable.
func repairHook(c hookCandidate) (models.Hook, bool) {
	text := strings.Join(strings.Fields(c.Text), " ")
	if text == "" {
		text = strings.Join(strings.Fields(c.LongForm), " ")
	}
	if text == "" {
		return models.Hook{}, false
	}
	h := models.Hook{
		Text:          text,
		HookType:      orDefault(c.HookType, defaultHookType),
		ContentPillar: orDefault(c.ContentPillar, defaultPillar),
		SourceQuote:   orDefault(c.SourceQuote, text),
		Renderings: models.HookRenderings{
			LongForm:  orDefault(c.LongForm, text),
			ShortForm: orDefault(c.ShortForm, firstWords(text, shortFormWords)),
			Title:     orDefault(c.Title, firstWords(text, titleWords)),
		},
	}
	return h, true
}

// placeholderHooks derives n hooks from source sentences, longest first.
func placeholderHooks(src models.ContentSource, p models.TenantProfile, n int) []models.Hook {
	sentences := splitSentences(src.Content, 5)
	if len(sentences) == 0 {
		sentences = []string{orDefault(strings.TrimSpace(src.Title), "Key takeaway")}
	}
	sort.SliceStable(sentences, func(i, j int) bool { return len(sentences[i]) > len(sentences[j]) })

	pillar := defaultPillar
	if len(p.Pillars) > 0 {
		pillar = p.Pillars[0]
	}

	out := make([]models.Hook, 0, n)
	for i := 0; i < n; i++ {
		s := sentences[i%len(sentences)]
		text := truncateRunes(s, 220)
		h := models.Hook{
			TenantID:      src.TenantID,
			Text:          text,
			HookType:      "placeholder",
			ContentPillar: pillar,
			SourceQuote:   s,
			Renderings: models.HookRenderings{
				LongForm:  s,
				ShortForm: firstWords(text, shortFormWords),
				Title:     firstWords(text, titleWords),
			},
		}
		scoreHook(&h, p)
		out = append(out, h)
	}
	return out
}

func profileKey(p models.TenantProfile) string {
	return strings.Join([]string{
		strconv.FormatInt(p.TenantID, 10),
		p.BrandName,
		p.Tone,
		strings.Join(p.Keywords, ","),
		strings.Join(p.Pillars, ","),
		strings.Join(p.ProhibitedTerms, ","),
	}, "|")
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}
