// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/script-cpu-analyzer/internal/analysis"
)

type analysisKey struct {
	pageID string
	date   string
	tool   analysis.Tool
}

// PageStore keeps pages and daily analyses in maps guarded by a mutex.
type PageStore struct {
	mu       sync.RWMutex
	pages    map[string]analysis.Page
	analyses map[analysisKey]analysis.DailyAnalysis
}

// NewPageStore constructs a PageStore seeded with the given pages.
func NewPageStore(pages ...analysis.Page) *PageStore {
	s := &PageStore{
		pages:    make(map[string]analysis.Page, len(pages)),
		analyses: make(map[analysisKey]analysis.DailyAnalysis),
	}
	for _, p := range pages {
		s.pages[p.ID] = clonePage(p)
	}
	return s
}

// PutPage inserts or replaces a page.
func (s *PageStore) PutPage(page analysis.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[page.ID] = clonePage(page)
}

// CountPages returns the number of pages.
func (s *PageStore) CountPages(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages), nil
}

// CountAnalysesSince counts analyses created at or after since.
func (s *PageStore) CountAnalysesSince(_ context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.analyses {
		if !a.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// SelectCandidates returns eligible pages, never-analyzed first then oldest analysis first.
func (s *PageStore) SelectCandidates(
	_ context.Context,
	policy analysis.SchedulingPolicy,
	now time.Time,
	limit int,
) ([]analysis.Page, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []analysis.Page
	for _, p := range s.pages {
		if policy.Eligible(p, now) {
			out = append(out, clonePage(p))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastAnalyzedAt, out[j].LastAnalyzedAt
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return true
		case b == nil:
			return false
		case a.Equal(*b):
			return out[i].ID < out[j].ID
		default:
			return a.Before(*b)
		}
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetPage returns a copy of the page.
func (s *PageStore) GetPage(_ context.Context, id string) (analysis.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pages[id]
	if !ok {
		return analysis.Page{}, analysis.ErrPageNotFound
	}
	return clonePage(p), nil
}

// RecordSuccess upserts the daily analysis and resets the page failure state atomically.
func (s *PageStore) RecordSuccess(_ context.Context, outcome analysis.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := outcome.Analysis
	page, ok := s.pages[a.PageID]
	if !ok {
		return fmt.Errorf("record success: %w", analysis.ErrPageNotFound)
	}
	key := analysisKey{pageID: a.PageID, date: a.Date.Format(time.DateOnly), tool: a.Tool}
	if existing, found := s.analyses[key]; found {
		a.CreatedAt = existing.CreatedAt
	} else {
		a.CreatedAt = outcome.CompletedAt
	}
	a.UpdatedAt = outcome.CompletedAt
	s.analyses[key] = a

	at := outcome.CompletedAt
	page.LastAnalyzedAt = &at
	page.LastAttemptedAt = &at
	page.FailureCount = 0
	page.LastError = nil
	s.pages[a.PageID] = page
	return nil
}

// RecordFailure increments the failure counter and stores the error.
func (s *PageStore) RecordFailure(_ context.Context, pageID string, errText string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[pageID]
	if !ok {
		return analysis.ErrPageNotFound
	}
	page.FailureCount++
	msg := errText
	page.LastError = &msg
	page.LastAttemptedAt = &at
	s.pages[pageID] = page
	return nil
}

// GetDailyAnalysis returns the stored analysis for the key.
func (s *PageStore) GetDailyAnalysis(
	_ context.Context,
	pageID string,
	date time.Time,
	tool analysis.Tool,
) (analysis.DailyAnalysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.analyses[analysisKey{pageID: pageID, date: date.Format(time.DateOnly), tool: tool}]
	if !ok {
		return analysis.DailyAnalysis{}, analysis.ErrAnalysisNotFound
	}
	return a, nil
}

func clonePage(p analysis.Page) analysis.Page {
	if p.LastAnalyzedAt != nil {
		v := *p.LastAnalyzedAt
		p.LastAnalyzedAt = &v
	}
	if p.LastAttemptedAt != nil {
		v := *p.LastAttemptedAt
		p.LastAttemptedAt = &v
	}
	if p.LastError != nil {
		v := *p.LastError
		p.LastError = &v
	}
	return p
}
