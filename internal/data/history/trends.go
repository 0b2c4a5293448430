package history

import (
	"fmt"
	"math"
	"sort"
	"time"
)

type TrendPoint struct {
	Timestamp time.Time          `json:"timestamp"`
	Scores    map[string]float64 `json:"scores"`
	// Delta holds per-category change against the previous record. Categories
	// absent from the previous record report their full value.
	Delta map[string]float64 `json:"delta"`
	// Growth holds per-category percent change against the previous record.
	// Categories absent from the previous record, and zero previous values,
	// report zero.
	Growth map[string]float64 `json:"growth"`
	// Moving holds the per-category moving average across the trailing window.
	Moving      map[string]float64 `json:"moving"`
	WindowHours float64            `json:"window_hours"`
}

type TrendReport struct {
	Domain    string       `json:"domain"`
	Since     time.Time    `json:"since"`
	Until     time.Time    `json:"until"`
	Window    string       `json:"window"`
	AuditRuns int          `json:"audit_runs"`
	Points    []TrendPoint `json:"points"`
}

// BuildTrendReport computes per-category deltas and windowed moving averages
// over a domain's score records. Records must already be ascending by
// timestamp, which is how HistoryFor returns them.
func BuildTrendReport(domain string, records []ScoreRecord, window time.Duration) (TrendReport, error) {
	if len(records) == 0 {
		return TrendReport{}, fmt.Errorf("no score records available for %q", domain)
	}

	points := make([]TrendPoint, 0, len(records))
	for i, current := range records {
		point := TrendPoint{
			Timestamp:   current.Timestamp,
			Scores:      current.Scores,
			Delta:       make(map[string]float64, len(current.Scores)),
			Growth:      make(map[string]float64, len(current.Scores)),
			Moving:      make(map[string]float64, len(current.Scores)),
			WindowHours: round2(window.Hours()),
		}

		for _, category := range sortedCategories(current.Scores) {
			value := current.Scores[category]
			if i > 0 {
				prev := records[i-1].Scores[category]
				point.Delta[category] = round2(value - prev)
				if prev != 0 {
					point.Growth[category] = round2((value - prev) / prev * 100)
				}
			} else {
				point.Delta[category] = round2(value)
			}
			point.Moving[category] = round2(movingAverage(records, i, category, window))
		}
		points = append(points, point)
	}

	return TrendReport{
		Domain:    domain,
		Since:     records[0].Timestamp,
		Until:     records[len(records)-1].Timestamp,
		Window:    window.String(),
		AuditRuns: len(points),
		Points:    points,
	}, nil
}

func movingAverage(records []ScoreRecord, index int, category string, window time.Duration) float64 {
	if window <= 0 {
		return records[index].Scores[category]
	}

	cutoff := records[index].Timestamp.Add(-window)
	var total float64
	count := 0
	for i := index; i >= 0; i-- {
		if records[i].Timestamp.Before(cutoff) {
			break
		}
		if v, ok := records[i].Scores[category]; ok {
			total += v
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

func sortedCategories(scores map[string]float64) []string {
	out := make([]string, 0, len(scores))
	for category := range scores {
		out = append(out, category)
	}
	sort.Strings(out)
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
