package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"foiatool/internal/config"
	"foiatool/internal/portal"
	"foiatool/internal/store"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

const tempFilePattern = ".foiatool-*.part"

// DefaultRetryBackOff is the backoff used between retries of a failed download.
func DefaultRetryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	return b
}

type downloadResult struct {
	path string
	meta store.SeenMetadata
}

// writeFile streams body into a temporary file next to target and renames it into place once it
// has been synced. The temporary file never outlives a failure.
func writeFile(body io.Reader, dir, target string) (written int64, err error) {
	tmp, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	written, err = io.Copy(tmp, body)
	if err != nil {
		return written, fmt.Errorf("write: %w", err)
	}
	err = tmp.Sync()
	if err != nil {
		return written, fmt.Errorf("sync: %w", err)
	}
	err = tmp.Close()
	if err != nil {
		return written, fmt.Errorf("close: %w", err)
	}
	err = os.Rename(tmp.Name(), target)
	if err != nil {
		return written, fmt.Errorf("rename: %w", err)
	}

	syncDir(dir)
	return written, nil
}

// syncDir persists the rename, not every platform supports it so errors are ignored.
func syncDir(dir string) {
	f, err := os.Open(dir)
	if err != nil {
		return
	}
	f.Sync()
	f.Close()
}

// attempt makes a single download of the document to target.
func (p *Poller) attempt(ctx context.Context, session portal.Session, site config.Site, doc portal.Document, dir, target string) (int64, error) {
	if timeout := site.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := p.client.Download(ctx, session, doc.URL)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	return writeFile(body, dir, target)
}

// transfer runs attempt with the site's retry policy.
func (p *Poller) transfer(ctx context.Context, session portal.Session, site config.Site, doc portal.Document, dir, target string) (int64, error) {
	if site.DownloadRetries <= 0 {
		return p.attempt(ctx, session, site, doc, dir, target)
	}

	var written int64
	operation := func() error {
		var err error
		written, err = p.attempt(ctx, session, site, doc, dir, target)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(p.retryBackOff(), uint64(site.DownloadRetries)),
		ctx,
	)
	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		p.tel.ReportWarning(
			report_poller_download,
			fmt.Errorf("retrying in %s: %w", wait, err),
			site.Name,
			doc.ID,
		)
	})
	return written, err
}

// download fetches a single accepted document, records it in the store and then waits for the
// site's pacing delay. Only a *StoreError or *DownloadError is returned.
func (p *Poller) download(ctx context.Context, session portal.Session, site config.Site, doc portal.Document) (downloadResult, error) {
	ctx, span := p.tracer.Start(ctx, "download")
	defer span.End()
	span.SetAttributes(
		attribute.String("foiatool.site", site.Name),
		attribute.String("foiatool.document_id", doc.ID),
		attribute.String("foiatool.request_id", doc.RequestID),
	)

	res, err := p.fetch(ctx, session, site, doc)

	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store")
		return downloadResult{}, err
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "download")
		p.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("site", site.Name)))
	} else {
		p.downloads.Add(ctx, 1, metric.WithAttributes(attribute.String("site", site.Name)))
		p.bytes.Add(ctx, res.meta.Size, metric.WithAttributes(attribute.String("site", site.Name)))
	}

	sleepErr := p.time.Sleep(ctx, site.Pacing())
	if sleepErr != nil {
		p.tel.ReportDebug("pacing interrupted", site.Name, sleepErr)
	}
	return res, err
}

func (p *Poller) fetch(ctx context.Context, session portal.Session, site config.Site, doc portal.Document) (downloadResult, error) {
	downloadError := func(err error) error {
		return &DownloadError{Site: site.Name, DocumentID: doc.ID, Err: err}
	}

	dir := destinationDir(p.downloadPath, site, doc)
	err := os.MkdirAll(dir, 0777)
	if err != nil {
		return downloadResult{}, downloadError(err)
	}
	target, err := replacementPath(p.replace, dir, site, doc)
	if err != nil {
		return downloadResult{}, downloadError(err)
	}

	written, err := p.transfer(ctx, session, site, doc, dir, target)
	if err != nil {
		return downloadResult{}, downloadError(err)
	}

	meta := store.SeenMetadata{
		RequestID:    doc.RequestID,
		FileName:     doc.FileName,
		SourceURL:    doc.URL,
		LocalPath:    target,
		Size:         written,
		DownloadedAt: p.time.Now(),
	}
	inspected, err := p.inspector.Inspect(target)
	if err != nil {
		p.tel.ReportWarning(report_poller_inspect, err, site.Name, doc.ID)
	}
	meta.SHA256 = inspected.SHA256
	meta.Pages = inspected.Pages
	if inspected.Size > 0 {
		meta.Size = inspected.Size
	}

	// the file is already in place, a cancellation from here on must not orphan it
	err = p.store.MarkSeen(context.WithoutCancel(ctx), site.Name, doc.ID, meta)
	if err != nil {
		p.tel.ReportBroken(report_poller_store, fmt.Errorf("mark seen: %w", err), site.Name, doc.ID, target)
		return downloadResult{}, &StoreError{Site: site.Name, Op: "mark seen", Err: err}
	}

	p.tel.ReportDebug("downloaded document", site.Name, doc.ID, target, written)
	return downloadResult{path: target, meta: meta}, nil
}
