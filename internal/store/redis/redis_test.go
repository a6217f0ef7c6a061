package redis

import (
	"context"
	"testing"
	"time"

	"foiatool/internal/components/telemetry"
	"foiatool/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	s := NewStore(client, telemetry.NewRecorder())
	t.Cleanup(func() {
		s.Close()
		mr.Close()
	})
	return s, mr
}

func TestOpen(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	s, err := Open(context.Background(), "redis://"+mr.Addr()+"/0", telemetry.NewRecorder())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(context.Background(), "not-a-url", telemetry.NewRecorder())
	require.Error(t, err)
}

func TestSeen(t *testing.T) {
	s, mr := setupTestStore(t)
	ctx := context.Background()

	seen, err := s.HasSeen(ctx, "city", "100")
	require.NoError(t, err)
	require.False(t, seen)

	first := store.SeenMetadata{
		RequestID:    "21-1",
		FileName:     "contract.pdf",
		LocalPath:    "/downloads/city/contract.pdf",
		Size:         2048,
		SHA256:       "abc",
		Pages:        3,
		DownloadedAt: time.Unix(1700000000, 0),
	}
	require.NoError(t, s.MarkSeen(ctx, "city", "100", first))
	require.True(t, mr.Exists("foiatool:seen:city:100"))

	seen, err = s.HasSeen(ctx, "city", "100")
	require.NoError(t, err)
	require.True(t, seen)

	second := first
	second.FileName = "other.pdf"
	second.DownloadedAt = time.Unix(1800000000, 0)
	require.NoError(t, s.MarkSeen(ctx, "city", "100", second))

	entries, err := s.ListSeen(ctx, "city")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "contract.pdf", entries[0].FileName)
	require.Equal(t, int64(2048), entries[0].Size)
	require.Equal(t, 3, entries[0].Pages)
	require.True(t, first.DownloadedAt.Equal(entries[0].DownloadedAt))
}

func TestLedger(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkSeen(ctx, "county", "1", store.SeenMetadata{Size: 5, DownloadedAt: time.Unix(10, 0)}))
	require.NoError(t, s.MarkSeen(ctx, "city", "2", store.SeenMetadata{Size: 20, DownloadedAt: time.Unix(20, 0)}))
	require.NoError(t, s.MarkSeen(ctx, "city", "1", store.SeenMetadata{Size: 10, DownloadedAt: time.Unix(10, 0)}))

	entries, err := s.ListSeen(ctx, "")
	require.NoError(t, err)
	var ids []string
	for _, e := range entries {
		ids = append(ids, e.PortalID+"/"+e.DocumentID)
	}
	require.Equal(t, []string{"city/1", "city/2", "county/1"}, ids)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	require.Equal(t, store.PortalStats{PortalID: "city", Documents: 2, TotalBytes: 30}, stats[0])
	require.Equal(t, store.PortalStats{PortalID: "county", Documents: 1, TotalBytes: 5}, stats[1])

	removed, err := s.Forget(ctx, "city", "1", "404")
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	seen, err := s.HasSeen(ctx, "city", "1")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestMarkSeenRepairsIndex(t *testing.T) {
	s, mr := setupTestStore(t)
	ctx := context.Background()

	// an entry claimed by a writer that never got to index it
	mr.HSet(seenKey("city", "7"), markerField, "1714564800")

	err := s.MarkSeen(ctx, "city", "7", store.SeenMetadata{
		FileName:     "late.pdf",
		DownloadedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	entries, err := s.ListSeen(ctx, "city")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "7", entries[0].DocumentID)
	// the first writer keeps the entry
	require.Equal(t, time.Unix(1714564800, 0), entries[0].DownloadedAt)
	require.Empty(t, entries[0].FileName)

	members, err := mr.SMembers(portalsKey)
	require.NoError(t, err)
	require.Equal(t, []string{"city"}, members)
}

func TestUnavailable(t *testing.T) {
	s, mr := setupTestStore(t)
	mr.Close()

	_, err := s.HasSeen(context.Background(), "city", "1")
	require.Error(t, err)
}
