// Package redis implements a seen document store on redis, for running the tool from several
// machines against the same state.
package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"foiatool/internal/components/telemetry"
	"foiatool/internal/store"

	"github.com/redis/go-redis/v9"
)

const (
	report_store_has_seen  = "store.has-seen"
	report_store_mark_seen = "store.mark-seen"
	report_store_stats     = "store.stats"
	report_store_list_seen = "store.list-seen"
	report_store_forget    = "store.forget"
)

const (
	keyPrefix     = "foiatool:"
	seenPrefix    = keyPrefix + "seen:"
	portalsKey    = keyPrefix + "portals"
	documentsPart = "documents:"

	// markerField is written with HSETNX, whoever sets it first owns the entry.
	markerField = "downloaded_at"
)

func seenKey(portalID, documentID string) string {
	return seenPrefix + portalID + ":" + documentID
}

func portalDocumentsKey(portalID string) string {
	return keyPrefix + documentsPart + portalID
}

type Store struct {
	client *redis.Client
	tel    telemetry.API
}

var (
	_ store.Store  = (*Store)(nil)
	_ store.Ledger = (*Store)(nil)
)

// Open connects to the redis server at `redisURL` (ex. redis://localhost:6379/0).
func Open(ctx context.Context, redisURL string, tel telemetry.API) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis store: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	err = client.Ping(ctx).Err()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("redis store: ping: %w", err)
	}
	return NewStore(client, tel), nil
}

func NewStore(client *redis.Client, tel telemetry.API) *Store {
	return &Store{
		client: client,
		tel:    telemetry.NewScopedAPI("redis_store", tel),
	}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) HasSeen(ctx context.Context, portalID, documentID string) (bool, error) {
	n, err := s.client.Exists(ctx, seenKey(portalID, documentID)).Result()
	if err != nil {
		s.tel.ReportBroken(report_store_has_seen, err, portalID, documentID)
		return false, fmt.Errorf("has seen %s/%s: %w", portalID, documentID, err)
	}
	return n > 0, nil
}

// markSeenScript claims the entry and indexes it in one step. The index is written even when the
// entry already exists, so an entry is never seen without being listed.
//
// KEYS: entry, portal documents, portals. ARGV: portal, document, downloaded at, field value pairs.
var markSeenScript = redis.NewScript(`
local created = redis.call("HSETNX", KEYS[1], "` + markerField + `", ARGV[3])
if created == 1 then
	redis.call("HSET", KEYS[1], unpack(ARGV, 4))
end
redis.call("SADD", KEYS[2], ARGV[2])
redis.call("SADD", KEYS[3], ARGV[1])
return created
`)

func (s *Store) MarkSeen(ctx context.Context, portalID, documentID string, meta store.SeenMetadata) error {
	keys := []string{seenKey(portalID, documentID), portalDocumentsKey(portalID), portalsKey}
	args := []any{
		portalID,
		documentID,
		meta.DownloadedAt.Unix(),
		"request_id", meta.RequestID,
		"file_name", meta.FileName,
		"source_url", meta.SourceURL,
		"local_path", meta.LocalPath,
		"size", meta.Size,
		"sha256", meta.SHA256,
		"pages", meta.Pages,
	}

	err := markSeenScript.Run(ctx, s.client, keys, args...).Err()
	if err != nil {
		s.tel.ReportBroken(report_store_mark_seen, err, portalID, documentID)
		return fmt.Errorf("mark seen %s/%s: %w", portalID, documentID, err)
	}
	return nil
}

func parseEntry(portalID, documentID string, fields map[string]string) store.SeenEntry {
	entry := store.SeenEntry{
		PortalID:   portalID,
		DocumentID: documentID,
	}
	entry.RequestID = fields["request_id"]
	entry.FileName = fields["file_name"]
	entry.SourceURL = fields["source_url"]
	entry.LocalPath = fields["local_path"]
	entry.SHA256 = fields["sha256"]
	entry.Size, _ = strconv.ParseInt(fields["size"], 10, 64)
	entry.Pages, _ = strconv.Atoi(fields["pages"])
	if unix, err := strconv.ParseInt(fields[markerField], 10, 64); err == nil {
		entry.DownloadedAt = time.Unix(unix, 0)
	}
	return entry
}

func (s *Store) portals(ctx context.Context, portalID string) ([]string, error) {
	if portalID != "" {
		return []string{portalID}, nil
	}
	portals, err := s.client.SMembers(ctx, portalsKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(portals)
	return portals, nil
}

func (s *Store) ListSeen(ctx context.Context, portalID string) ([]store.SeenEntry, error) {
	portals, err := s.portals(ctx, portalID)
	if err != nil {
		s.tel.ReportBroken(report_store_list_seen, err, portalID)
		return nil, fmt.Errorf("list seen: %w", err)
	}

	var out []store.SeenEntry
	for _, portal := range portals {
		documentIDs, err := s.client.SMembers(ctx, portalDocumentsKey(portal)).Result()
		if err != nil {
			s.tel.ReportBroken(report_store_list_seen, err, portal)
			return nil, fmt.Errorf("list seen: %w", err)
		}

		var entries []store.SeenEntry
		for _, documentID := range documentIDs {
			fields, err := s.client.HGetAll(ctx, seenKey(portal, documentID)).Result()
			if err != nil {
				s.tel.ReportBroken(report_store_list_seen, err, portal, documentID)
				return nil, fmt.Errorf("list seen: %w", err)
			}
			if len(fields) == 0 {
				continue
			}
			entries = append(entries, parseEntry(portal, documentID, fields))
		}
		sort.Slice(entries, func(i, j int) bool {
			if !entries[i].DownloadedAt.Equal(entries[j].DownloadedAt) {
				return entries[i].DownloadedAt.Before(entries[j].DownloadedAt)
			}
			return strings.Compare(entries[i].DocumentID, entries[j].DocumentID) < 0
		})
		out = append(out, entries...)
	}
	return out, nil
}

// Stats never includes the last run, this store does not record runs.
func (s *Store) Stats(ctx context.Context) ([]store.PortalStats, error) {
	entries, err := s.ListSeen(ctx, "")
	if err != nil {
		s.tel.ReportBroken(report_store_stats, err)
		return nil, fmt.Errorf("stats: %w", err)
	}

	var out []store.PortalStats
	for _, entry := range entries {
		if len(out) == 0 || out[len(out)-1].PortalID != entry.PortalID {
			out = append(out, store.PortalStats{PortalID: entry.PortalID})
		}
		current := &out[len(out)-1]
		current.Documents++
		current.TotalBytes += entry.Size
	}
	return out, nil
}

func (s *Store) Forget(ctx context.Context, portalID string, documentIDs ...string) (int, error) {
	if len(documentIDs) == 0 {
		return 0, nil
	}

	keys := make([]string, len(documentIDs))
	members := make([]any, len(documentIDs))
	for i, id := range documentIDs {
		keys[i] = seenKey(portalID, id)
		members[i] = id
	}

	pipe := s.client.TxPipeline()
	deleted := pipe.Del(ctx, keys...)
	pipe.SRem(ctx, portalDocumentsKey(portalID), members...)
	_, err := pipe.Exec(ctx)
	if err != nil {
		s.tel.ReportBroken(report_store_forget, err, portalID)
		return 0, fmt.Errorf("forget: %w", err)
	}
	return int(deleted.Val()), nil
}


