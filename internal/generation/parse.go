package generation

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/spacesedan/hookflow/internal/sentiment"
)

var (
	fencePattern    = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	sentenceEnd     = regexp.MustCompile(`[.!?]+[\s]+`)
	hashtagStripper = regexp.MustCompile(`[^\p{L}\p{N}_]`)
)

// cleanResponse extracts the JSON object from a model reply that may be
// wrapped in code fences or surrounding prose.
func cleanResponse(raw string) string {
	s := strings.TrimSpace(raw)
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

// splitSentences returns trimmed sentences of at least minWords words.
func splitSentences(text string, minWords int) []string {
	parts := sentenceEnd.Split(strings.TrimSpace(text)+" ", -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Join(strings.Fields(p), " ")
		if len(strings.Fields(p)) >= minWords {
			out = append(out, p)
		}
	}
	return out
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	if limit <= 1 {
		return string([]rune(s)[:max(limit, 0)])
	}
	cut := []rune(s)[:limit-1]
	if i := strings.LastIndexAny(string(cut), " \n"); i > len(string(cut))/2 {
		return strings.TrimSpace(string(cut)[:i]) + "…"
	}
	return string(cut) + "…"
}

func firstWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}

// stripMarkdown removes markup per paragraph so line structure survives.
func stripMarkdown(content string) string {
	paras := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n\n")
	out := make([]string, 0, len(paras))
	for _, p := range paras {
		if t := sentiment.ConvertMarkdownToText(p); t != "" {
			out = append(out, t)
		}
	}
	return strings.Join(out, "\n\n")
}

// normalizeHashtags prefixes, dedupes and caps the tag list.
func normalizeHashtags(tags []string, limit int) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		body := hashtagStripper.ReplaceAllString(strings.TrimPrefix(strings.TrimSpace(t), "#"), "")
		if body == "" {
			continue
		}
		tag := "#" + body
		key := strings.ToLower(tag)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, tag)
		if len(out) == limit {
			break
		}
	}
	return out
}
