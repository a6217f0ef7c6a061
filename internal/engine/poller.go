// poller.go contains the top level loop, it drives a portal client over every configured site and
// hands accepted documents to the download logic in download.go.

package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"foiatool/internal/components/assert"
	"foiatool/internal/components/chrono"
	"foiatool/internal/components/telemetry"
	"foiatool/internal/config"
	"foiatool/internal/inspect"
	"foiatool/internal/portal"
	"foiatool/internal/store"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	report_poller_authenticate = "poller.authenticate"
	report_poller_search       = "poller.search"
	report_poller_download     = "poller.download"
	report_poller_inspect      = "poller.inspect"
	report_poller_store        = "poller.store"
	report_poller_runs         = "poller.runs"
	report_poller_downloaded   = "poller.downloaded"
)

type Options struct {
	Client       portal.Client
	Store        store.Store
	Time         chrono.API
	Tel          telemetry.API
	DownloadPath string
	// Inspector defaults to inspect.NewStandard().
	Inspector inspect.Inspector
	// RetryBackOff creates the backoff used between download retries, it defaults to
	// DefaultRetryBackOff.
	RetryBackOff func() backoff.BackOff
	// Replace holds the previous local path of documents that were forgotten to be downloaded
	// again. The new copy is renamed over the previous one, which stays until it lands.
	Replace map[DocumentKey]string
}

// Poller runs the search, filter, download loop over a list of sites. Sites are processed one at
// a time and documents are downloaded one at a time in the order the portal returns them.
type Poller struct {
	client       portal.Client
	store        store.Store
	time         chrono.API
	tel          telemetry.API
	inspector    inspect.Inspector
	retryBackOff func() backoff.BackOff
	downloadPath string
	replace      map[DocumentKey]string
	filter       Filter

	tracer    trace.Tracer
	downloads metric.Int64Counter
	bytes     metric.Int64Counter
	failures  metric.Int64Counter
}

func NewPoller(opts Options) *Poller {
	assert.NotNil(opts.Client)
	assert.NotNil(opts.Store)
	assert.NotNil(opts.Time)
	assert.NotNil(opts.Tel)
	assert.NotEmptyStr(opts.DownloadPath)

	if opts.Inspector == nil {
		opts.Inspector = inspect.NewStandard()
	}
	if opts.RetryBackOff == nil {
		opts.RetryBackOff = DefaultRetryBackOff
	}

	meter := otel.Meter("foiatool.engine")
	downloads, _ := meter.Int64Counter(
		"foiatool.documents.downloaded",
		metric.WithDescription("documents downloaded"),
	)
	bytes, _ := meter.Int64Counter(
		"foiatool.documents.bytes",
		metric.WithDescription("bytes of documents downloaded"),
		metric.WithUnit("By"),
	)
	failures, _ := meter.Int64Counter(
		"foiatool.documents.failed",
		metric.WithDescription("document downloads that failed"),
	)

	return &Poller{
		client:       opts.Client,
		store:        opts.Store,
		time:         opts.Time,
		tel:          telemetry.NewScopedAPI("engine", opts.Tel),
		inspector:    opts.Inspector,
		retryBackOff: opts.RetryBackOff,
		downloadPath: opts.DownloadPath,
		replace:      opts.Replace,
		filter:       NewFilter(opts.Store),

		tracer:    otel.Tracer("foiatool.engine"),
		downloads: downloads,
		bytes:     bytes,
		failures:  failures,
	}
}

// fatal reports whether err must stop the whole run. Timeouts of individual calls are not fatal,
// only the end of the run's own context is.
func fatal(ctx context.Context, err error) bool {
	var storeErr *StoreError
	return errors.As(err, &storeErr) || ctx.Err() != nil
}

// Run processes every site in order. A site that fails does not stop the sites after it, the
// returned error is non-nil only if the store failed, the context ended or every site failed.
func (p *Poller) Run(ctx context.Context, sites []config.Site) (Summary, error) {
	summary := Summary{StartedAt: p.time.Now()}

	for _, site := range sites {
		err := ctx.Err()
		if err != nil {
			summary.FinishedAt = p.time.Now()
			return summary, err
		}

		siteSummary, err := p.runSite(ctx, site, func(ctx context.Context, session portal.Session, s *siteState) error {
			return p.searchAll(ctx, session, s)
		})
		summary.Sites = append(summary.Sites, siteSummary)
		if err != nil {
			summary.FinishedAt = p.time.Now()
			return summary, err
		}
	}

	summary.FinishedAt = p.time.Now()
	if len(sites) > 0 && summary.FailedSites() == len(sites) {
		var errs []error
		for _, site := range summary.Sites {
			errs = append(errs, site.Failure())
		}
		return summary, fmt.Errorf("%w: %w", ErrAllSitesFailed, errors.Join(errs...))
	}
	return summary, nil
}

// FetchRequest processes the documents of a single request, skipping search.
func (p *Poller) FetchRequest(ctx context.Context, site config.Site, requestID string) (SiteSummary, error) {
	summary, err := p.runSite(ctx, site, func(ctx context.Context, session portal.Session, s *siteState) error {
		request, err := p.client.Request(ctx, session, requestID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("request %s: %w", requestID, err)
		}
		s.summary.Requests++
		return p.processRequest(ctx, session, s, request)
	})
	if err != nil {
		return summary, err
	}
	if summary.Err != nil {
		return summary, summary.Err
	}
	return summary, nil
}

// siteState is everything tracked while processing a single site.
type siteState struct {
	site    config.Site
	rules   siteRules
	summary SiteSummary
	// attempted holds the ids of documents handed to download during this run, so a document
	// that shows up under several terms is attempted once.
	attempted map[string]struct{}
}

type siteFunc func(ctx context.Context, session portal.Session, s *siteState) error

// runSite authenticates against the site then calls fn. A returned error is fatal for the run,
// anything that only affects the site is recorded in the summary.
func (p *Poller) runSite(ctx context.Context, site config.Site, fn siteFunc) (SiteSummary, error) {
	ctx, span := p.tracer.Start(ctx, "site")
	defer span.End()
	span.SetAttributes(
		attribute.String("foiatool.site", site.Name),
		attribute.String("foiatool.url", site.URL),
	)

	s := &siteState{
		site:      site,
		rules:     newSiteRules(site),
		summary:   SiteSummary{Site: site.Name},
		attempted: map[string]struct{}{},
	}

	run, err := p.beginRun(ctx, site)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store")
		return s.summary, err
	}
	s.summary.RunID = run.ID

	err = p.processSite(ctx, s, fn)

	finishErr := p.finishRun(ctx, run, s.summary)
	if err == nil {
		err = finishErr
	}

	if failure := s.summary.Failure(); failure != nil {
		span.RecordError(failure)
		span.SetStatus(codes.Error, "site failed")
	}
	span.SetAttributes(
		attribute.Int("foiatool.downloaded", s.summary.Downloaded),
		attribute.Int("foiatool.errors", s.summary.Errors()),
	)
	p.tel.ReportCount(report_poller_downloaded, int64(s.summary.Downloaded))
	return s.summary, err
}

func (p *Poller) processSite(ctx context.Context, s *siteState, fn siteFunc) error {
	session, err := p.client.Authenticate(ctx, s.site.URL, s.site.User, s.site.Password)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.summary.Err = &AuthenticationError{Site: s.site.Name, Err: err}
		p.tel.ReportWarning(report_poller_authenticate, s.summary.Err)
		return nil
	}

	err = fn(ctx, session, s)
	if err == nil {
		return nil
	}
	if fatal(ctx, err) {
		return err
	}
	s.summary.Err = err
	p.tel.ReportWarning(report_poller_search, err, s.site.Name)
	return nil
}

// searchAll runs every request search term, then the portal's document search for every
// document term. Requests found either way go through the same filter.
func (p *Poller) searchAll(ctx context.Context, session portal.Session, s *siteState) error {
	terms := s.site.SearchTerms
	if len(terms) == 0 {
		terms = []string{""}
	}
	opts := portal.SearchOptions{ClosedOnly: s.site.ClosedOnly()}

	for _, term := range terms {
		err := p.searchTerm(ctx, session, s, term, p.client.Search(ctx, session, term, opts))
		if err != nil {
			return err
		}
	}
	for _, term := range s.rules.terms {
		err := p.searchTerm(ctx, session, s, term, p.client.SearchDocuments(ctx, session, term))
		if err != nil {
			return err
		}
	}
	return nil
}

// searchTerm consumes a single search. A non fatal error ends only this search and is recorded
// in the summary, the returned error is fatal.
func (p *Poller) searchTerm(ctx context.Context, session portal.Session, s *siteState, term string, requests iter.Seq2[portal.Request, error]) error {
	s.summary.Searches++
	err := p.consume(ctx, session, s, term, requests)
	if err == nil {
		return nil
	}
	if fatal(ctx, err) {
		return err
	}
	s.summary.SearchErrors = append(s.summary.SearchErrors, err)
	p.tel.ReportWarning(report_poller_search, err)
	return nil
}

func (p *Poller) consume(ctx context.Context, session portal.Session, s *siteState, term string, requests iter.Seq2[portal.Request, error]) error {
	for request, err := range requests {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &SearchError{Site: s.site.Name, Term: term, Err: err}
		}

		s.summary.Requests++
		err = p.processRequest(ctx, session, s, request)
		if err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (p *Poller) processRequest(ctx context.Context, session portal.Session, s *siteState, request portal.Request) error {
	for _, doc := range request.Documents {
		err := ctx.Err()
		if err != nil {
			return err
		}
		if doc.RequestID == "" {
			doc.RequestID = request.ID
		}

		err = p.processDocument(ctx, session, s, doc)
		if err != nil {
			return err
		}
	}
	return nil
}

// processDocument only returns fatal errors.
func (p *Poller) processDocument(ctx context.Context, session portal.Session, s *siteState, doc portal.Document) error {
	if _, ok := s.attempted[doc.ID]; ok {
		return nil
	}
	s.summary.Considered++

	verdict, err := p.filter.evaluate(ctx, doc, s.rules)
	if err != nil {
		p.tel.ReportBroken(report_poller_store, err, s.site.Name, doc.ID)
		return err
	}
	switch verdict {
	case RejectIgnored:
		s.summary.SkippedIgnored++
	case RejectTerms:
		s.summary.SkippedTerms++
	case RejectSeen:
		s.summary.SkippedSeen++
	}
	if verdict != Accept {
		p.tel.ReportDebug("skipped document", s.site.Name, doc.ID, doc.FileName, verdict.String())
		return nil
	}

	s.summary.Accepted++
	s.attempted[doc.ID] = struct{}{}

	res, err := p.download(ctx, session, s.site, doc)
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return err
	}
	if err != nil {
		s.summary.Failed++
		p.tel.ReportWarning(report_poller_download, err, doc.URL)
		return nil
	}

	s.summary.Downloaded++
	s.summary.Bytes += res.meta.Size
	return nil
}

func (p *Poller) beginRun(ctx context.Context, site config.Site) (store.Run, error) {
	run := store.Run{
		ID:        uuid.NewString(),
		PortalID:  site.Name,
		StartedAt: p.time.Now(),
	}
	recorder, ok := p.store.(store.RunRecorder)
	if !ok {
		return run, nil
	}
	err := recorder.BeginRun(ctx, run)
	if err != nil {
		p.tel.ReportBroken(report_poller_runs, fmt.Errorf("begin: %w", err), site.Name)
		return run, &StoreError{Site: site.Name, Op: "begin run", Err: err}
	}
	return run, nil
}

func (p *Poller) finishRun(ctx context.Context, run store.Run, summary SiteSummary) error {
	recorder, ok := p.store.(store.RunRecorder)
	if !ok {
		return nil
	}
	run.FinishedAt = p.time.Now()
	run.Downloaded = summary.Downloaded
	run.Errors = summary.Errors()

	err := recorder.FinishRun(context.WithoutCancel(ctx), run)
	if err != nil {
		p.tel.ReportBroken(report_poller_runs, fmt.Errorf("finish: %w", err), run.PortalID)
		return &StoreError{Site: run.PortalID, Op: "finish run", Err: err}
	}
	return nil
}
