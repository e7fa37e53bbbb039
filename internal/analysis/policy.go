package analysis

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// SchedulingPolicy holds the eligibility windows used to pick pages.
type SchedulingPolicy struct {
	TargetCycleDays int
	RetryGuard      time.Duration
	MaxFailures     int
	FailureCooldown time.Duration
}

// DefaultPolicy returns the production eligibility windows for the given cycle.
func DefaultPolicy(targetCycleDays int) SchedulingPolicy {
	return SchedulingPolicy{
		TargetCycleDays: targetCycleDays,
		RetryGuard:      24 * time.Hour,
		MaxFailures:     5,
		FailureCooldown: 7 * 24 * time.Hour,
	}
}

// StaleBefore is the cutoff below which a successful analysis is considered stale.
func (p SchedulingPolicy) StaleBefore(now time.Time) time.Time {
	return now.AddDate(0, 0, -p.TargetCycleDays)
}

// RetryBefore is the cutoff for the last attempt of a page to be retried.
func (p SchedulingPolicy) RetryBefore(now time.Time) time.Time {
	return now.Add(-p.RetryGuard)
}

// CooldownBefore is the cutoff for the last attempt of a repeatedly failing page.
func (p SchedulingPolicy) CooldownBefore(now time.Time) time.Time {
	return now.Add(-p.FailureCooldown)
}

// Eligible reports whether the page is due for analysis at now.
// SQL-backed stores express the same predicate in their candidate query.
func (p SchedulingPolicy) Eligible(page Page, now time.Time) bool {
	if page.LastAnalyzedAt != nil && !page.LastAnalyzedAt.Before(p.StaleBefore(now)) {
		return false
	}
	if page.LastAttemptedAt != nil && !page.LastAttemptedAt.Before(p.RetryBefore(now)) {
		return false
	}
	if page.FailureCount >= p.MaxFailures {
		return page.LastAttemptedAt == nil || page.LastAttemptedAt.Before(p.CooldownBefore(now))
	}
	return true
}

// DailyBatch sizes the daily workload so every page is covered once per cycle.
// The result is always within [minBatch, maxBatch].
func DailyBatch(totalPages, targetCycleDays, minBatch, maxBatch int) int {
	if targetCycleDays <= 0 {
		targetCycleDays = 1
	}
	batch := int(math.Ceil(float64(totalPages) / float64(targetCycleDays)))
	if batch < minBatch {
		batch = minBatch
	}
	if batch > maxBatch {
		batch = maxBatch
	}
	return batch
}

// StartOfDay returns local midnight of t in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// DateKey formats the calendar day of t in loc as yyyy-mm-dd.
func DateKey(t time.Time, loc *time.Location) string {
	return StartOfDay(t, loc).Format(time.DateOnly)
}

// ScheduledJobID is the deduplication id of the scheduled analysis of a page on a day.
func ScheduledJobID(pageID string, day string) string {
	return fmt.Sprintf("analysis-%s-%s", pageID, day)
}

// NormalizeURL prefixes scheme-less URLs with https://.
func NormalizeURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return trimmed
	}
	return "https://" + trimmed
}
