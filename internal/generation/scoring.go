package generation

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/spacesedan/hookflow/internal/models"
	"github.com/spacesedan/hookflow/internal/sentiment"
)

const (
	minScore = 1
	maxScore = 10
)

var (
	numericClaim = regexp.MustCompile(`\d`)

	emotionalTriggers = []string{
		"secret", "surprising", "mistake", "proven", "breakthrough", "failure", "fail",
		"struggle", "transform", "unlock", "shocking", "finally", "truth", "hidden",
		"myth", "lesson", "never", "always", "why", "instantly",
	}
)

func clamp(v, lo, hi int) int {
	return max(lo, min(hi, v))
}

func countTerms(lowerText string, terms []string) int {
	n := 0
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && strings.Contains(lowerText, t) {
			n++
		}
	}
	return n
}

// Relevance rewards brand keywords and a matching pillar and penalizes
// prohibited terms.
func Relevance(text, pillar string, p models.TenantProfile) int {
	lower := strings.ToLower(text)
	score := 5 + min(3, countTerms(lower, p.Keywords))
	for _, pp := range p.Pillars {
		if pillar != "" && strings.EqualFold(strings.TrimSpace(pp), strings.TrimSpace(pillar)) {
			score += 2
			break
		}
	}
	score -= 3 * countTerms(lower, p.ProhibitedTerms)
	return clamp(score, minScore, maxScore)
}

// Engagement predicts reaction from numbers, questions, trigger words and
// sentiment strength.
func Engagement(text string) int {
	lower := strings.ToLower(text)
	score := 4
	if numericClaim.MatchString(text) {
		score += 2
	}
	if strings.Contains(text, "?") {
		score += 2
	}
	score += min(2, countTerms(lower, emotionalTriggers))
	if sentiment.IsStrong(text) {
		score++
	}
	return clamp(score, minScore, maxScore)
}

func Priority(relevance, engagement int) int {
	return int(math.Round(0.6*float64(relevance) + 0.4*float64(engagement)))
}

func scoreHook(h *models.Hook, p models.TenantProfile) {
	h.RelevanceScore = Relevance(h.Text, h.ContentPillar, p)
	h.EngagementScore = Engagement(h.Text)
	h.Priority = Priority(h.RelevanceScore, h.EngagementScore)
}

// PerformanceScore projects a 0-100 score from the hook priority and how
// well the copy fits the platform length.
func PerformanceScore(priority int, content, platform string) float64 {
	score := float64(priority) * 10
	n := utf8.RuneCountInString(content)
	limit := platformLimit(platform)
	switch {
	case n < 40:
		score -= 15
	case n > limit*9/10:
		score -= 10
	}
	return math.Max(0, math.Min(100, score))
}

// BrandAlignment is the share of brand keywords present, with a penalty per
// prohibited term, on a 0-100 scale.
func BrandAlignment(content string, p models.TenantProfile) float64 {
	lower := strings.ToLower(content)
	score := 50.0
	if len(p.Keywords) > 0 {
		score = 40 + 60*float64(countTerms(lower, p.Keywords))/float64(len(p.Keywords))
	}
	if p.BrandName != "" && strings.Contains(lower, strings.ToLower(p.BrandName)) {
		score += 10
	}
	score -= 25 * float64(countTerms(lower, p.ProhibitedTerms))
	return math.Max(0, math.Min(100, score))
}

func platformLimit(platform string) int {
	if l, ok := models.PlatformLimits[platform]; ok {
		return l
	}
	return models.PlatformLimits["linkedin"]
}
