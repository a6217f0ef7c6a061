package engine

import (
	"errors"
	"fmt"
)

// AuthenticationError ends the processing of a single site.
type AuthenticationError struct {
	Site string
	Err  error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("site %s: authenticate: %v", e.Site, e.Err)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// SearchError ends a single search term, the next term still runs.
type SearchError struct {
	Site string
	Term string
	Err  error
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("site %s: search '%s': %v", e.Site, e.Term, e.Err)
}

func (e *SearchError) Unwrap() error {
	return e.Err
}

// DownloadError is transient, the document is left unmarked and retried on the next run.
type DownloadError struct {
	Site       string
	DocumentID string
	Err        error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("site %s: download document %s: %v", e.Site, e.DocumentID, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// StoreError is fatal for the whole run.
type StoreError struct {
	Site string
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("site %s: store %s: %v", e.Site, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

var ErrAllSitesFailed = errors.New("every site failed")
