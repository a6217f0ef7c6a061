// Package sqlite implements every store capability on top of a local sqlite file.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"foiatool/internal/components/telemetry"
	"foiatool/internal/store"
	"foiatool/lib/sqliteutil"
)

//go:embed schema.sql
var Schema string

const (
	report_store_has_seen  = "store.has-seen"
	report_store_mark_seen = "store.mark-seen"
	report_store_runs      = "store.runs"
	report_store_stats     = "store.stats"
	report_store_list_seen = "store.list-seen"
	report_store_forget    = "store.forget"
)

type Store struct {
	db  *sql.DB
	tel telemetry.API
}

var (
	_ store.Store       = Store{}
	_ store.RunRecorder = Store{}
	_ store.Ledger      = Store{}
)

// Open opens (creating if needed) the database at `path`, ":memory:" is accepted.
func Open(path string, tel telemetry.API) (Store, error) {
	db, err := sqliteutil.OpenDB(Schema, path)
	if err != nil {
		return Store{}, fmt.Errorf("sqlite store: %w", err)
	}
	return NewStore(db, tel), nil
}

func NewStore(db *sql.DB, tel telemetry.API) Store {
	return Store{
		db:  db,
		tel: telemetry.NewScopedAPI("sqlite_store", tel),
	}
}

func (s Store) Close() error {
	return s.db.Close()
}

func (s Store) HasSeen(ctx context.Context, portalID, documentID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(
		ctx,
		"select 1 from seen_document where portal_id = ? and document_id = ?",
		portalID, documentID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		s.tel.ReportBroken(report_store_has_seen, err, portalID, documentID)
		return false, fmt.Errorf("has seen %s/%s: %w", portalID, documentID, err)
	}
	return true, nil
}

func (s Store) MarkSeen(ctx context.Context, portalID, documentID string, meta store.SeenMetadata) error {
	_, err := s.db.ExecContext(
		ctx,
		`insert into seen_document(
			portal_id, document_id, request_id, file_name, source_url,
			local_path, size, sha256, pages, downloaded_at
		) values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		on conflict(portal_id, document_id) do nothing`,
		portalID, documentID, meta.RequestID, meta.FileName, meta.SourceURL,
		meta.LocalPath, meta.Size, meta.SHA256, meta.Pages, meta.DownloadedAt.Unix(),
	)
	if err != nil {
		s.tel.ReportBroken(report_store_mark_seen, err, portalID, documentID)
		return fmt.Errorf("mark seen %s/%s: %w", portalID, documentID, err)
	}
	return nil
}

func (s Store) BeginRun(ctx context.Context, run store.Run) error {
	_, err := s.db.ExecContext(
		ctx,
		"insert into scrape_run(id, portal_id, started_at) values (?, ?, ?)",
		run.ID, run.PortalID, run.StartedAt.Unix(),
	)
	if err != nil {
		s.tel.ReportBroken(report_store_runs, fmt.Errorf("begin: %w", err), run.ID)
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

func (s Store) FinishRun(ctx context.Context, run store.Run) error {
	res, err := s.db.ExecContext(
		ctx,
		`update scrape_run set finished_at = ?, downloaded = ?, errors = ?
		where id = ?`,
		run.FinishedAt.Unix(), run.Downloaded, run.Errors, run.ID,
	)
	if err != nil {
		s.tel.ReportBroken(report_store_runs, fmt.Errorf("finish: %w", err), run.ID)
		return fmt.Errorf("finish run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("finish run: unknown run %s", run.ID)
	}
	return nil
}

func (s Store) lastRun(ctx context.Context, portalID string) (*store.Run, error) {
	var (
		run        store.Run
		startedAt  int64
		finishedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(
		ctx,
		`select id, portal_id, started_at, finished_at, downloaded, errors
		from scrape_run where portal_id = ?
		order by started_at desc limit 1`,
		portalID,
	).Scan(&run.ID, &run.PortalID, &startedAt, &finishedAt, &run.Downloaded, &run.Errors)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	run.StartedAt = time.Unix(startedAt, 0)
	if finishedAt.Valid {
		run.FinishedAt = time.Unix(finishedAt.Int64, 0)
	}
	return &run, nil
}

func (s Store) Stats(ctx context.Context) ([]store.PortalStats, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`select portal_id, sum(documents), sum(total_bytes) from (
			select portal_id, count(*) as documents, coalesce(sum(size), 0) as total_bytes
			from seen_document group by portal_id
			union all
			select distinct portal_id, 0, 0 from scrape_run
		) group by portal_id order by portal_id`,
	)
	if err != nil {
		s.tel.ReportBroken(report_store_stats, err)
		return nil, fmt.Errorf("stats: %w", err)
	}

	var out []store.PortalStats
	for rows.Next() {
		var stats store.PortalStats
		err = rows.Scan(&stats.PortalID, &stats.Documents, &stats.TotalBytes)
		if err != nil {
			rows.Close()
			s.tel.ReportBroken(report_store_stats, err)
			return nil, fmt.Errorf("stats: %w", err)
		}
		out = append(out, stats)
	}
	err = rows.Close()
	if err == nil {
		err = rows.Err()
	}
	if err != nil {
		s.tel.ReportBroken(report_store_stats, err)
		return nil, fmt.Errorf("stats: %w", err)
	}

	// the connection pool has a single connection so the rows must be closed before this
	for i := range out {
		out[i].LastRun, err = s.lastRun(ctx, out[i].PortalID)
		if err != nil {
			s.tel.ReportBroken(report_store_stats, fmt.Errorf("last run: %w", err), out[i].PortalID)
			return nil, fmt.Errorf("stats: %w", err)
		}
	}
	return out, nil
}

func (s Store) ListSeen(ctx context.Context, portalID string) ([]store.SeenEntry, error) {
	query := `select portal_id, document_id, request_id, file_name, source_url,
		local_path, size, sha256, pages, downloaded_at
		from seen_document`
	var args []any
	if portalID != "" {
		query += " where portal_id = ?"
		args = append(args, portalID)
	}
	query += " order by portal_id, downloaded_at, document_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.tel.ReportBroken(report_store_list_seen, err, portalID)
		return nil, fmt.Errorf("list seen: %w", err)
	}
	defer rows.Close()

	var out []store.SeenEntry
	for rows.Next() {
		var (
			entry        store.SeenEntry
			downloadedAt int64
		)
		err = rows.Scan(
			&entry.PortalID, &entry.DocumentID, &entry.RequestID, &entry.FileName, &entry.SourceURL,
			&entry.LocalPath, &entry.Size, &entry.SHA256, &entry.Pages, &downloadedAt,
		)
		if err != nil {
			s.tel.ReportBroken(report_store_list_seen, err, portalID)
			return nil, fmt.Errorf("list seen: %w", err)
		}
		entry.DownloadedAt = time.Unix(downloadedAt, 0)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		s.tel.ReportBroken(report_store_list_seen, err, portalID)
		return nil, fmt.Errorf("list seen: %w", err)
	}
	return out, nil
}

func (s Store) Forget(ctx context.Context, portalID string, documentIDs ...string) (int, error) {
	if len(documentIDs) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(documentIDs)), ",")
	args := make([]any, 0, len(documentIDs)+1)
	args = append(args, portalID)
	for _, id := range documentIDs {
		args = append(args, id)
	}

	res, err := s.db.ExecContext(
		ctx,
		fmt.Sprintf("delete from seen_document where portal_id = ? and document_id in (%s)", placeholders),
		args...,
	)
	if err != nil {
		s.tel.ReportBroken(report_store_forget, err, portalID)
		return 0, fmt.Errorf("forget: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("forget: %w", err)
	}
	return int(affected), nil
}
