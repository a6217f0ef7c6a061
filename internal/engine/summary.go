package engine

import (
	"errors"
	"fmt"
	"time"
)

// SiteSummary is the outcome of processing a single site.
type SiteSummary struct {
	Site  string
	RunID string

	Requests   int
	Considered int
	Accepted   int
	Downloaded int
	Bytes      int64

	SkippedIgnored int
	SkippedTerms   int
	SkippedSeen    int

	// Failed counts documents whose download failed.
	Failed int
	// Searches is the amount of searches that were run, request and document searches alike.
	Searches int
	// SearchErrors holds every search term that failed.
	SearchErrors []error
	// Err is set when the site could not be processed at all.
	Err error
}

// Errors is the amount of errors encountered while processing the site.
func (s SiteSummary) Errors() int {
	n := s.Failed + len(s.SearchErrors)
	if s.Err != nil {
		n++
	}
	return n
}

// Failure returns why the site could not be processed at all, nil if it was. A site where every
// search failed before finding a single request counts as failed.
func (s SiteSummary) Failure() error {
	if s.Err != nil {
		return s.Err
	}
	if s.Searches > 0 && len(s.SearchErrors) == s.Searches && s.Requests == 0 {
		return fmt.Errorf("site %s: every search failed: %w", s.Site, errors.Join(s.SearchErrors...))
	}
	return nil
}

func (s SiteSummary) Skipped() int {
	return s.SkippedIgnored + s.SkippedTerms + s.SkippedSeen
}

type Summary struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Sites      []SiteSummary
}

func (s Summary) Downloaded() int {
	total := 0
	for _, site := range s.Sites {
		total += site.Downloaded
	}
	return total
}

func (s Summary) Errors() int {
	total := 0
	for _, site := range s.Sites {
		total += site.Errors()
	}
	return total
}

// FailedSites is the amount of sites that could not be processed at all.
func (s Summary) FailedSites() int {
	total := 0
	for _, site := range s.Sites {
		if site.Failure() != nil {
			total++
		}
	}
	return total
}
