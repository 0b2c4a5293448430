package history

import "time"

// Score categories produced by a site audit. Category keys in a ScoreRecord
// are free-form; these are the ones the dashboard knows how to label.
const (
	CategoryPerformance   = "performance"
	CategorySEO           = "seo"
	CategoryAccessibility = "accessibility"
	CategoryPWA           = "pwa"
)

type ScoreRecord struct {
	ID        string             `json:"id"`
	Domain    string             `json:"domain"`
	Timestamp time.Time          `json:"timestamp"`
	Scores    map[string]float64 `json:"scores"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ValidStatus reports whether s is one of the enumerated session states. Any
// valid status may follow any other; the enum is the only restriction.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether a session in this status will never change again
// on its own. The retention sweeper only removes terminal sessions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type CrawlSession struct {
	ID        string            `json:"id"`
	Domain    string            `json:"domain"`
	Timestamp time.Time         `json:"timestamp"`
	Status    Status            `json:"status"`
	Result    map[string]string `json:"result,omitempty"`
}
