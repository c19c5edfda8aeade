package session

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// BroadcastRecord is one row of the channel's broadcast archive.
type BroadcastRecord struct {
	ID          string
	Title       string
	Status      string
	Privacy     string
	ScheduledAt time.Time
	ActualStart time.Time
	ActualEnd   time.Time
	WatchURL    string
}

// BroadcastLister pages through the channel's broadcast archive, newest
// first. An empty next token ends the listing.
type BroadcastLister interface {
	ListBroadcasts(ctx context.Context, pageToken string, pageSize int64) ([]BroadcastRecord, string, error)
}

// SyncCatalog pulls the broadcast archive and upserts it into the broadcasts
// table so past sessions stay browsable after the live session moves on.
func SyncCatalog(ctx context.Context, db *sql.DB, lister BroadcastLister, maxCount int) error {
	pageSize := int64(50)
	if maxCount > 0 && int64(maxCount) < pageSize {
		pageSize = int64(maxCount)
	}
	token := ""
	total := 0
	for maxCount == 0 || total < maxCount {
		records, next, err := lister.ListBroadcasts(ctx, token, pageSize)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			break
		}
		for _, r := range records {
			_, _ = db.ExecContext(ctx, `INSERT INTO broadcasts (broadcast_id, title, status, privacy, scheduled_start, actual_start, actual_end, watch_url, created_at, updated_at)
				VALUES ($1,$2,$3,$4,NULLIF($5, '0001-01-01T00:00:00Z'::timestamptz),NULLIF($6, '0001-01-01T00:00:00Z'::timestamptz),NULLIF($7, '0001-01-01T00:00:00Z'::timestamptz),$8,NOW(),NOW())
				ON CONFLICT (broadcast_id) DO UPDATE SET title=EXCLUDED.title, status=EXCLUDED.status, privacy=EXCLUDED.privacy, scheduled_start=EXCLUDED.scheduled_start, actual_start=EXCLUDED.actual_start, actual_end=EXCLUDED.actual_end, updated_at=NOW()`,
				r.ID, r.Title, r.Status, r.Privacy, r.ScheduledAt, r.ActualStart, r.ActualEnd, r.WatchURL)
			total++
			if maxCount > 0 && total >= maxCount {
				break
			}
		}
		if next == "" || (maxCount > 0 && total >= maxCount) {
			break
		}
		token = next
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	slog.Info("broadcast catalog synced", slog.Int("count", total))
	return nil
}

// StartCatalogSyncJob periodically mirrors the broadcast archive.
func StartCatalogSyncJob(ctx context.Context, db *sql.DB, lister BroadcastLister) {
	interval := 6 * time.Hour
	if v := os.Getenv("CATALOG_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		}
	}
	maxCount := 200
	if s := os.Getenv("CATALOG_SYNC_MAX"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			maxCount = n
		}
	}
	slog.Info("catalog sync job starting", slog.Duration("interval", interval), slog.Int("max", maxCount))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	if err := SyncCatalog(ctx, db, lister, maxCount); err != nil {
		slog.Warn("catalog sync", slog.Any("err", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("catalog sync job stopped")
			return
		case <-ticker.C:
			if err := SyncCatalog(ctx, db, lister, maxCount); err != nil {
				slog.Warn("catalog sync", slog.Any("err", err))
			}
		}
	}
}
