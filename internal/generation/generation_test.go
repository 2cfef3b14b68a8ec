package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/spacesedan/hookflow/internal/apperr"
	"github.com/spacesedan/hookflow/internal/cache"
	"github.com/spacesedan/hookflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGenerator struct {
	textCalls  atomic.Int32
	imageCalls atomic.Int32
	text       func(n int, req TextRequest) (string, error)
	image      func(n int, req ImageRequest) (string, error)
}

func (f *fakeGenerator) CompleteText(_ context.Context, req TextRequest) (string, error) {
	n := int(f.textCalls.Add(1))
	return f.text(n, req)
}

func (f *fakeGenerator) GenerateImage(_ context.Context, req ImageRequest) (string, error) {
	n := int(f.imageCalls.Add(1))
	return f.image(n, req)
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string][]byte{}
	}
	m.data[key] = value
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = 0
	cfg.CallTimeout = time.Second
	return cfg
}

func testProfile() models.TenantProfile {
	return models.TenantProfile{
		TenantID:        7,
		BrandName:       "Acme",
		Keywords:        []string{"onboarding", "retention", "analytics"},
		Pillars:         []string{"growth"},
		ProhibitedTerms: []string{"cheap"},
		Tone:            "confident",
	}
}

func hooksJSON(n int) string {
	resp := hookResponse{}
	for i := 0; i < n; i++ {
		resp.Hooks = append(resp.Hooks, hookCandidate{
			Text:          fmt.Sprintf("Hook %d: why onboarding beats ads for retention?", i),
			HookType:      "question",
			ContentPillar: "growth",
		})
	}
	b, _ := json.Marshal(resp)
	return "```json\n" + string(b) + "\n```"
}

func source() models.ContentSource {
	return models.ContentSource{
		ID:          1,
		TenantID:    7,
		Title:       "Weekly sync",
		ContentType: models.ContentTypeMeetingTranscript,
		Content: "We reviewed the onboarding funnel this week. Activation improved after the new checklist shipped. " +
			"Retention for the March cohort is up four points compared to February. " +
			"The team agreed that analytics dashboards need clearer ownership going forward.",
	}
}

func TestRelevance(t *testing.T) {
	p := testProfile()

	assert.Equal(t, 9, Relevance("Onboarding drives retention", "Growth", p))
	assert.Equal(t, 3, Relevance("cheap onboarding", "", p))
	assert.Equal(t, 5, Relevance("nothing related", "other", p))
	assert.Equal(t, 1, Relevance("cheap cheap", "", models.TenantProfile{ProhibitedTerms: []string{"cheap", "che", "ch"}}))
	assert.Equal(t, 8, Relevance("onboarding retention analytics everywhere plus more onboarding", "", p))
}

func TestEngagement(t *testing.T) {
	assert.Equal(t, 4, Engagement("The meeting covered the agenda."))
	assert.Equal(t, 10, Engagement("Why do 73% of teams fail at onboarding?"))
	for _, text := range []string{"", "?", "1 2 3 why never secret?!", "I absolutely love this amazing wonderful result"} {
		s := Engagement(text)
		assert.GreaterOrEqual(t, s, 1)
		assert.LessOrEqual(t, s, 10)
	}
}

func TestPriority(t *testing.T) {
	assert.Equal(t, 9, Priority(9, 9))
	assert.Equal(t, 7, Priority(8, 5))
	assert.Equal(t, 1, Priority(1, 1))
}

func TestCleanResponse(t *testing.T) {
	assert.Equal(t, `{"a":1}`, cleanResponse("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, cleanResponse(`Sure! Here you go: {"a":1} Hope it helps`))
	assert.Equal(t, "plain", cleanResponse("plain"))
}

func TestNormalizeHashtags(t *testing.T) {
	got := normalizeHashtags([]string{"growth", "#Growth", " #b2b saas", "", "#", "a", "b", "c", "d"}, 5)
	assert.Equal(t, []string{"#growth", "#b2bsaas", "#a", "#b", "#c"}, got)
}

func TestExtractHooksPadsShortReplies(t *testing.T) {
	gen := &fakeGenerator{text: func(int, TextRequest) (string, error) { return hooksJSON(3), nil }}

	hooks, err := ExtractHooks(context.Background(), Deps{Generator: gen}, testConfig(), source(), testProfile())
	require.NoError(t, err)
	require.Len(t, hooks, 10)

	placeholders := 0
	for i, h := range hooks {
		assert.NotEmpty(t, h.Text)
		assert.NotEmpty(t, h.Renderings.Title)
		assert.Equal(t, int64(7), h.TenantID)
		assert.GreaterOrEqual(t, h.RelevanceScore, 1)
		assert.LessOrEqual(t, h.RelevanceScore, 10)
		assert.GreaterOrEqual(t, h.EngagementScore, 1)
		assert.LessOrEqual(t, h.EngagementScore, 10)
		if h.HookType == "placeholder" {
			placeholders++
		} else if i > 0 {
			assert.GreaterOrEqual(t, hooks[i-1].Priority, h.Priority)
		}
	}
	assert.Equal(t, 7, placeholders)
}

func TestExtractHooksTruncatesAfterSorting(t *testing.T) {
	gen := &fakeGenerator{text: func(int, TextRequest) (string, error) {
		resp := hookResponse{}
		for i := 0; i < 12; i++ {
			resp.Hooks = append(resp.Hooks, hookCandidate{Text: fmt.Sprintf("plain statement number %d", i)})
		}
		resp.Hooks = append(resp.Hooks, hookCandidate{Text: "Why do 73% of onboarding projects fail to lift retention?", ContentPillar: "growth"})
		resp.Hooks = append(resp.Hooks, hookCandidate{Text: "   "})
		b, _ := json.Marshal(resp)
		return string(b), nil
	}}

	hooks, err := ExtractHooks(context.Background(), Deps{Generator: gen}, testConfig(), source(), testProfile())
	require.NoError(t, err)
	require.Len(t, hooks, 10)
	assert.Contains(t, hooks[0].Text, "73%")
	assert.Equal(t, defaultHookType, hooks[1].HookType)
	assert.Equal(t, defaultPillar, hooks[1].ContentPillar)
}

func TestExtractHooksUnparseableReplyFallsBackToSentences(t *testing.T) {
	gen := &fakeGenerator{text: func(int, TextRequest) (string, error) { return "I cannot help with that.", nil }}

	hooks, err := ExtractHooks(context.Background(), Deps{Generator: gen}, testConfig(), source(), testProfile())
	require.NoError(t, err)
	assert.Len(t, hooks, 10)
	assert.Equal(t, int32(3), gen.textCalls.Load())
}

func TestExtractHooksCachesWithinTTL(t *testing.T) {
	gen := &fakeGenerator{text: func(int, TextRequest) (string, error) { return hooksJSON(10), nil }}
	deps := Deps{Generator: gen, Memo: cache.NewMemo(&mapCache{}, time.Hour)}

	first, err := ExtractHooks(context.Background(), deps, testConfig(), source(), testProfile())
	require.NoError(t, err)
	second, err := ExtractHooks(context.Background(), deps, testConfig(), source(), testProfile())
	require.NoError(t, err)

	assert.Equal(t, int32(1), gen.textCalls.Load())
	assert.Equal(t, first, second)
}

func TestExtractHooksRetriesTransientErrors(t *testing.T) {
	gen := &fakeGenerator{text: func(n int, _ TextRequest) (string, error) {
		if n < 3 {
			return "", apperr.External("openai", "502", errors.New("bad gateway"), false)
		}
		return hooksJSON(10), nil
	}}

	hooks, err := ExtractHooks(context.Background(), Deps{Generator: gen}, testConfig(), source(), testProfile())
	require.NoError(t, err)
	assert.Len(t, hooks, 10)
	assert.Equal(t, int32(3), gen.textCalls.Load())
}

func TestExtractHooksDoesNotRetryTerminalErrors(t *testing.T) {
	gen := &fakeGenerator{text: func(int, TextRequest) (string, error) {
		return "", apperr.External("openai", "insufficient_quota", nil, true)
	}}

	_, err := ExtractHooks(context.Background(), Deps{Generator: gen}, testConfig(), source(), testProfile())
	require.Error(t, err)
	assert.True(t, apperr.IsTerminal(err))
	assert.Equal(t, int32(1), gen.textCalls.Load())
}

func TestExtractHooksRejectsEmptyContent(t *testing.T) {
	src := source()
	src.Content = "  "
	_, err := ExtractHooks(context.Background(), Deps{}, testConfig(), src, testProfile())
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func testHooks(n int) []models.Hook {
	hooks := make([]models.Hook, n)
	for i := range hooks {
		hooks[i] = models.Hook{
			ID:         int64(i + 1),
			BatchID:    3,
			TenantID:   7,
			Text:       fmt.Sprintf("Hook %d about onboarding", i),
			HookType:   "insight",
			Priority:   8,
			Renderings: models.HookRenderings{LongForm: "Long form about onboarding and retention."},
		}
	}
	return hooks
}

func TestComposePostsOnePerHookPerPlatform(t *testing.T) {
	long := strings.Repeat("Onboarding is **everything** for retention. ", 20)
	gen := &fakeGenerator{text: func(_ int, req TextRequest) (string, error) {
		d := postDraft{Content: long, Hashtags: []string{"onboarding", "#Retention", "growth", "saas", "b2b", "extra"}}
		b, _ := json.Marshal(d)
		return string(b), nil
	}}
	cfg := testConfig()
	cfg.Platforms = []string{"linkedin", "twitter"}

	posts, err := ComposePosts(context.Background(), Deps{Generator: gen}, cfg, testHooks(2), testProfile())
	require.NoError(t, err)
	require.Len(t, posts, 4)

	for _, p := range posts {
		assert.Equal(t, models.PostStatusDraft, p.Status)
		assert.NotContains(t, p.Content, "**")
		assert.Equal(t, utf8.RuneCountInString(p.Content), p.CharacterCount)
		assert.LessOrEqual(t, p.CharacterCount, models.PlatformLimits[p.Platform])
		assert.Len(t, p.Hashtags, 5)
		assert.GreaterOrEqual(t, p.PerformanceScore, 0.0)
		assert.LessOrEqual(t, p.PerformanceScore, 100.0)
		assert.GreaterOrEqual(t, p.BrandAlignmentScore, 0.0)
		assert.LessOrEqual(t, p.BrandAlignmentScore, 100.0)
	}
}

func TestComposePostsSkipsFailedHooks(t *testing.T) {
	gen := &fakeGenerator{text: func(_ int, req TextRequest) (string, error) {
		if strings.Contains(req.Prompt, "Hook 1 ") {
			return "", apperr.External("openai", "content_policy_violation", nil, true)
		}
		return `{"content":"Onboarding wins.","hashtags":[]}`, nil
	}}

	posts, err := ComposePosts(context.Background(), Deps{Generator: gen}, testConfig(), testHooks(3), testProfile())
	require.NoError(t, err)
	require.Len(t, posts, 2)
	for _, p := range posts {
		assert.NotEqual(t, int64(2), p.HookID)
		assert.Equal(t, []string{"#onboarding", "#retention", "#analytics"}, p.Hashtags)
	}
}

func TestComposePostsFailsWhenNothingComposed(t *testing.T) {
	gen := &fakeGenerator{text: func(int, TextRequest) (string, error) {
		return "", apperr.Unauthorized("openai", "bad key", nil)
	}}

	_, err := ComposePosts(context.Background(), Deps{Generator: gen}, testConfig(), testHooks(2), testProfile())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
}

func TestComposeImage(t *testing.T) {
	gen := &fakeGenerator{image: func(_ int, req ImageRequest) (string, error) {
		assert.Equal(t, "gpt-image-1", req.Model)
		assert.Contains(t, req.Prompt, "Acme")
		return "https://img.example/1.png", nil
	}}
	post := models.Post{ID: 5, TenantID: 7, Content: "Onboarding checklists lift retention by 4 points."}

	img, err := ComposeImage(context.Background(), Deps{Generator: gen}, testConfig(), post, testProfile(), "gpt-image-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), img.PostID)
	assert.Equal(t, "https://img.example/1.png", img.URL)
	assert.Equal(t, models.ImageStatusGenerated, img.Status)
	assert.False(t, img.Selected)
	assert.Greater(t, img.QualityScore, 30.0)
}

func TestComposeImageUsesConfiguredModel(t *testing.T) {
	gen := &fakeGenerator{image: func(_ int, req ImageRequest) (string, error) { return "u", nil }}
	img, err := ComposeImage(context.Background(), Deps{Generator: gen}, testConfig(), models.Post{ID: 1, Content: "x"}, models.TenantProfile{}, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().ImageModel, img.Model)
}
