// Package portal defines the boundary between the polling engine and a public records portal.
// Implementations hide authentication, pagination and page parsing from the engine.
package portal

import (
	"context"
	"io"
	"iter"
	"net/http/cookiejar"
	"net/url"
	"time"
)

// Document is a single file attached to a request.
type Document struct {
	// ID is stable and unique within a portal.
	ID        string
	RequestID string
	FileName  string
	URL       string
}

// Request is a public records request found by a search. It is rebuilt on every run.
type Request struct {
	ID          string
	Title       string
	Description string
	State       string
	SubmittedAt time.Time
	Documents   []Document
}

// Session is the authenticated state of a single portal login. It is created by
// Client.Authenticate and must be passed explicitly to every other call.
type Session struct {
	BaseURL *url.URL
	User    string
	Jar     *cookiejar.Jar
	// Token is an implementation specific credential (ex. a csrf token).
	Token string
}

type SearchOptions struct {
	// ClosedOnly restricts the search to requests that have been closed by the agency.
	ClosedOnly bool
}

// Client is the capability the engine needs from a portal.
type Client interface {
	// Authenticate logs into the portal at `baseURL`.
	Authenticate(ctx context.Context, baseURL, user, password string) (Session, error)

	// Search returns a lazy sequence of requests matching `term`, an empty term matches everything.
	// Pages are fetched as the sequence is consumed, every call starts again from the first page.
	// A non-nil error ends the sequence.
	Search(ctx context.Context, session Session, term string, opts SearchOptions) iter.Seq2[Request, error]

	// SearchDocuments returns a lazy sequence of the requests owning a document that matches
	// `term`. Every request is yielded once, with all of its documents. A non-nil error ends the
	// sequence.
	SearchDocuments(ctx context.Context, session Session, term string) iter.Seq2[Request, error]

	// Request fetches a single request and its documents by id.
	Request(ctx context.Context, session Session, requestID string) (Request, error)

	// Download opens the document at `documentURL`. The caller bounds the transfer with ctx and
	// must close the returned body.
	Download(ctx context.Context, session Session, documentURL string) (io.ReadCloser, error)
}
