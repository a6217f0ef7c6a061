package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/url"
	"sync"

	"foiatool/internal/inspect"
	"foiatool/internal/portal"
	"foiatool/internal/store"
)

var errTransport = errors.New("connection reset by peer")

type fakePortal struct {
	authErr error
	// requests by search term, "" is the unfiltered search
	searches map[string][]portal.Request
	// searchErr by search term, the error is yielded after the term's requests
	searchErr map[string]error
	// requests owning a document that matches a document search term
	documentHits map[string][]portal.Request
}

// fakeClient serves fakePortals by base url.
type fakeClient struct {
	mu      sync.Mutex
	portals map[string]*fakePortal
	// files by document url
	files map[string][]byte
	// brokenBodies makes the download of a url fail after writing half of its body, the value
	// is the amount of attempts that fail before the download succeeds (-1 is forever)
	brokenBodies map[string]int
	// blocking makes the body of a url block until the download's context is done
	blocking    map[string]bool
	downloadErr map[string]error

	authenticated    []string
	searched         []string
	documentSearched []string
	downloaded       []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		portals:      map[string]*fakePortal{},
		files:        map[string][]byte{},
		brokenBodies: map[string]int{},
		blocking:     map[string]bool{},
		downloadErr:  map[string]error{},
	}
}

// addRequest registers a request under a search term and serves every one of its documents.
func (c *fakeClient) addRequest(baseURL, term string, request portal.Request) {
	c.serve(baseURL, request)
	p := c.portal(baseURL)
	p.searches[term] = append(p.searches[term], request)
}

// addDocumentHit registers a request found by the document search for term.
func (c *fakeClient) addDocumentHit(baseURL, term string, request portal.Request) {
	c.serve(baseURL, request)
	p := c.portal(baseURL)
	p.documentHits[term] = append(p.documentHits[term], request)
}

func (c *fakeClient) serve(baseURL string, request portal.Request) {
	for i, doc := range request.Documents {
		if doc.URL == "" {
			doc.URL = fmt.Sprintf("%s/documents/%s/download", baseURL, doc.ID)
			request.Documents[i] = doc
		}
		if _, ok := c.files[doc.URL]; !ok {
			c.files[doc.URL] = []byte(fmt.Sprintf("contents of document %s", doc.ID))
		}
	}
}

func (c *fakeClient) portal(baseURL string) *fakePortal {
	p, ok := c.portals[baseURL]
	if !ok {
		p = &fakePortal{
			searches:     map[string][]portal.Request{},
			searchErr:    map[string]error{},
			documentHits: map[string][]portal.Request{},
		}
		c.portals[baseURL] = p
	}
	return p
}

func (c *fakeClient) Authenticate(ctx context.Context, baseURL, user, password string) (portal.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = append(c.authenticated, baseURL)

	p, ok := c.portals[baseURL]
	if !ok {
		return portal.Session{}, fmt.Errorf("no such host: %s", baseURL)
	}
	if p.authErr != nil {
		return portal.Session{}, p.authErr
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return portal.Session{}, err
	}
	return portal.Session{BaseURL: parsed, User: user}, nil
}

func (c *fakeClient) Search(ctx context.Context, session portal.Session, term string, opts portal.SearchOptions) iter.Seq2[portal.Request, error] {
	return func(yield func(portal.Request, error) bool) {
		c.mu.Lock()
		c.searched = append(c.searched, term)
		p := c.portals[session.BaseURL.String()]
		requests := p.searches[term]
		searchErr := p.searchErr[term]
		c.mu.Unlock()

		for _, r := range requests {
			if !yield(r, nil) {
				return
			}
		}
		if searchErr != nil {
			yield(portal.Request{}, searchErr)
		}
	}
}

func (c *fakeClient) SearchDocuments(ctx context.Context, session portal.Session, term string) iter.Seq2[portal.Request, error] {
	return func(yield func(portal.Request, error) bool) {
		c.mu.Lock()
		c.documentSearched = append(c.documentSearched, term)
		requests := c.portals[session.BaseURL.String()].documentHits[term]
		c.mu.Unlock()

		for _, r := range requests {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (c *fakeClient) Request(ctx context.Context, session portal.Session, requestID string) (portal.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, requests := range c.portals[session.BaseURL.String()].searches {
		for _, r := range requests {
			if r.ID == requestID {
				return r, nil
			}
		}
	}
	return portal.Request{}, fmt.Errorf("request %s: 404 Not Found", requestID)
}

// blockingBody stalls like a connection that stopped sending.
type blockingBody struct {
	ctx context.Context
}

func (b blockingBody) Read(p []byte) (int, error) {
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}

type brokenBody struct {
	data []byte
	read int
}

func (b *brokenBody) Read(p []byte) (int, error) {
	half := len(b.data) / 2
	if b.read >= half {
		return 0, errTransport
	}
	n := copy(p, b.data[b.read:half])
	b.read += n
	return n, nil
}

func (c *fakeClient) Download(ctx context.Context, session portal.Session, documentURL string) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.downloaded = append(c.downloaded, documentURL)

	if err := c.downloadErr[documentURL]; err != nil {
		return nil, err
	}
	data, ok := c.files[documentURL]
	if !ok {
		return nil, fmt.Errorf("%s: 404 Not Found", documentURL)
	}
	if c.blocking[documentURL] {
		return io.NopCloser(blockingBody{ctx: ctx}), nil
	}
	if remaining, broken := c.brokenBodies[documentURL]; broken && remaining != 0 {
		if remaining > 0 {
			c.brokenBodies[documentURL] = remaining - 1
		}
		return io.NopCloser(&brokenBody{data: data}), nil
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (c *fakeClient) downloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.downloaded))
	copy(out, c.downloaded)
	return out
}

type seenKey struct {
	portal   string
	document string
}

// memoryStore is a store.Store and store.RunRecorder with injectable failures.
type memoryStore struct {
	mu      sync.Mutex
	seen    map[seenKey]store.SeenMetadata
	order   []seenKey
	runs    map[string]store.Run
	hasErr  error
	markErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		seen: map[seenKey]store.SeenMetadata{},
		runs: map[string]store.Run{},
	}
}

func (s *memoryStore) HasSeen(ctx context.Context, portalID, documentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasErr != nil {
		return false, s.hasErr
	}
	_, ok := s.seen[seenKey{portalID, documentID}]
	return ok, nil
}

func (s *memoryStore) MarkSeen(ctx context.Context, portalID, documentID string, meta store.SeenMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	key := seenKey{portalID, documentID}
	if _, ok := s.seen[key]; ok {
		return nil
	}
	s.seen[key] = meta
	s.order = append(s.order, key)
	return nil
}

func (s *memoryStore) forget(portalID, documentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := seenKey{portalID, documentID}
	delete(s.seen, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *memoryStore) BeginRun(ctx context.Context, run store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *memoryStore) FinishRun(ctx context.Context, run store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("unknown run %s", run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

func (s *memoryStore) entry(portalID, documentID string) (store.SeenMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.seen[seenKey{portalID, documentID}]
	return meta, ok
}

func (s *memoryStore) seenIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, key := range s.order {
		out = append(out, key.portal+"/"+key.document)
	}
	return out
}

type failingInspector struct{}

func (failingInspector) Inspect(path string) (inspect.Result, error) {
	return inspect.Result{}, errors.New("malformed pdf")
}
