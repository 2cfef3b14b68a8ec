package sentiment

import (
	"html"
	"math"
	"regexp"
	"strings"

	"github.com/jonreiter/govader"
	"github.com/russross/blackfriday/v2"
)

var (
	analyzer = govader.NewSentimentIntensityAnalyzer()

	linkPattern = regexp.MustCompile(`\[(.*?)\]\((https?:\/\/[^\s\)]+)\)`)
	urlPattern  = regexp.MustCompile(`https?://\S+|www\.\S+`)
	tagPattern  = regexp.MustCompile(`<[^>]+>`)
)

// StrongThreshold is the |compound| score at which text counts as
// emotionally strong.
const StrongThreshold = 0.5

func RemoveLinks(input string) string {
	input = linkPattern.ReplaceAllString(input, "$1")
	return urlPattern.ReplaceAllString(input, "")
}

// ConvertMarkdownToText renders markdown and strips the resulting markup,
// collapsing whitespace. Generated copy often arrives with bold markers and
// bullet lists that platforms would print literally.
func ConvertMarkdownToText(input string) string {
	input = linkPattern.ReplaceAllString(input, "$1")
	output := blackfriday.Run([]byte(input), blackfriday.WithNoExtensions())
	text := html.UnescapeString(tagPattern.ReplaceAllString(string(output), " "))
	return strings.Join(strings.Fields(text), " ")
}

// Compound returns the VADER compound polarity of text in [-1, 1].
func Compound(text string) float64 {
	plain := RemoveLinks(ConvertMarkdownToText(text))
	return analyzer.PolarityScores(plain).Compound
}

// Intensity is the magnitude of Compound, ignoring direction.
func Intensity(text string) float64 {
	return math.Abs(Compound(text))
}

func IsStrong(text string) bool {
	return Intensity(text) >= StrongThreshold
}
