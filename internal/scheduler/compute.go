// Package scheduler picks the publish time for an approved post.
package scheduler

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/spacesedan/hookflow/internal/models"
)

const (
	HistoryWindow   = 90 * 24 * time.Hour
	MaxPreferredAge = 30 * 24 * time.Hour
	lookahead       = 7 * 24 * time.Hour

	earliestHour  = 6
	latestHour    = 22
	fallbackHour  = 10
	minSamples    = 2
	historyBonus  = 0.3
	maxHistoryMul = 1.5
	contentBonus  = 0.2
	recencyBonus  = 0.2
	windowPrior   = 0.5
	scoreEpsilon  = 1e-9
)

const (
	CategoryAnalytical    = "analytical"
	CategoryInspirational = "inspirational"
	CategoryEducational   = "educational"
	CategoryPromotional   = "promotional"
)

// goodHours is the prior engagement weight of each weekday hour.
var goodHours = map[time.Weekday]map[int]float64{
	time.Monday:    {8: 0.70, 10: 0.80, 12: 0.75, 17: 0.65},
	time.Tuesday:   {8: 0.75, 10: 0.90, 12: 0.80, 14: 0.70, 17: 0.70},
	time.Wednesday: {8: 0.75, 9: 0.85, 12: 0.80, 15: 0.70, 17: 0.65},
	time.Thursday:  {8: 0.70, 10: 0.85, 13: 0.75, 17: 0.70},
	time.Friday:    {9: 0.70, 11: 0.75, 13: 0.65},
}

// contentWindows are inclusive hour ranges where a category performs best.
var contentWindows = map[string][2]int{
	CategoryAnalytical:    {10, 11},
	CategoryInspirational: {7, 9},
	CategoryEducational:   {12, 14},
	CategoryPromotional:   {17, 19},
}

// Input is everything Compute depends on.
type Input struct {
	Now         time.Time
	Location    *time.Location
	History     []models.PerformanceBucket
	ContentType string
	Preferred   *time.Time
}

type Candidate struct {
	At    time.Time
	Score float64
}

// Compute returns the publish time for in. The result is always after Now,
// on a weekday and between 06:00 and 22:00 in Location.
func Compute(in Input) time.Time {
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}
	now := in.Now.In(loc)

	if in.Preferred != nil && PreferredAcceptable(now, *in.Preferred, loc) {
		return *in.Preferred
	}

	ranked := Rank(in)
	if len(ranked) == 0 {
		return Fallback(now, loc)
	}
	return ranked[0].At
}

// PreferredAcceptable reports whether an explicit time can be used as is.
func PreferredAcceptable(now, preferred time.Time, loc *time.Location) bool {
	if !preferred.After(now) || preferred.Sub(now) > MaxPreferredAge {
		return false
	}
	local := preferred.In(loc)
	return isWeekday(local.Weekday()) && local.Hour() >= earliestHour && local.Hour() < latestHour
}

// Rank scores every candidate slot in the next week, best first. Equal
// scores keep chronological order.
func Rank(in Input) []Candidate {
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}
	now := in.Now.In(loc)
	category := Category(in.ContentType)
	stats := newHistoryStats(in.History)

	var out []Candidate
	for day := 0; day <= 7; day++ {
		date := now.AddDate(0, 0, day)
		if !isWeekday(date.Weekday()) {
			continue
		}
		for _, hour := range candidateHours(date.Weekday(), category) {
			at := time.Date(date.Year(), date.Month(), date.Day(), hour, 0, 0, 0, loc)
			if !at.After(now) || at.Sub(now) > lookahead {
				continue
			}
			out = append(out, Candidate{At: at, Score: score(at, now, category, stats)})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if math.Abs(out[i].Score-out[j].Score) > scoreEpsilon {
			return out[i].Score > out[j].Score
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}

func candidateHours(day time.Weekday, category string) []int {
	hours := make([]int, 0, 8)
	for h := range goodHours[day] {
		hours = append(hours, h)
	}
	if w, ok := contentWindows[category]; ok {
		for h := w[0]; h <= w[1]; h++ {
			if _, dup := goodHours[day][h]; !dup {
				hours = append(hours, h)
			}
		}
	}
	sort.Ints(hours)
	return hours
}

func score(at, now time.Time, category string, stats historyStats) float64 {
	s, ok := goodHours[at.Weekday()][at.Hour()]
	if !ok {
		s = windowPrior
	}
	s += stats.bonus(at.Weekday(), at.Hour())
	if w, ok := contentWindows[category]; ok && at.Hour() >= w[0] && at.Hour() <= w[1] {
		s += contentBonus
	}
	if away := at.Sub(now).Hours(); away < 24 {
		s += recencyBonus * (1 - away/24)
	}
	return s
}

// Fallback is 10:00 local on the next weekday after now.
func Fallback(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	for day := 1; ; day++ {
		d := local.AddDate(0, 0, day)
		if isWeekday(d.Weekday()) {
			return time.Date(d.Year(), d.Month(), d.Day(), fallbackHour, 0, 0, 0, loc)
		}
	}
}

// Category maps a free-form content or hook type to a scheduling category.
func Category(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case ct == "":
		return ""
	case containsAny(ct, "analy", "data", "stat", "research", "insight"):
		return CategoryAnalytical
	case containsAny(ct, "inspir", "story", "motivat", "vision"):
		return CategoryInspirational
	case containsAny(ct, "educat", "how", "tip", "lesson", "guide", "tutorial"):
		return CategoryEducational
	case containsAny(ct, "promo", "offer", "launch", "announce", "product"):
		return CategoryPromotional
	}
	return ""
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func isWeekday(d time.Weekday) bool {
	return d != time.Saturday && d != time.Sunday
}

type slot struct {
	day  time.Weekday
	hour int
}

type historyStats struct {
	buckets map[slot]models.PerformanceBucket
	overall float64
}

func newHistoryStats(history []models.PerformanceBucket) historyStats {
	st := historyStats{buckets: make(map[slot]models.PerformanceBucket, len(history))}
	var total float64
	var samples int
	for _, b := range history {
		if b.Samples <= 0 {
			continue
		}
		st.buckets[slot{b.Weekday, b.Hour}] = b
		total += b.AvgScore * float64(b.Samples)
		samples += b.Samples
	}
	if samples > 0 {
		st.overall = total / float64(samples)
	}
	return st
}

// bonus rewards slots that historically beat the tenant average.
func (st historyStats) bonus(day time.Weekday, hour int) float64 {
	b, ok := st.buckets[slot{day, hour}]
	if !ok || b.Samples < minSamples || st.overall <= 0 || b.AvgScore < st.overall {
		return 0
	}
	return historyBonus * math.Min(b.AvgScore/st.overall, maxHistoryMul)
}
