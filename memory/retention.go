package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// minRetentionAge is the floor below which rows are never pruned. A message
// that could still reappear on a replayed page must keep its ledger entry,
// or the replay would be answered a second time.
const minRetentionAge = time.Hour

// RetentionPolicy defines which archived chat rows are eligible for pruning.
type RetentionPolicy struct {
	// KeepLastNDays: rows older than this many days are pruned (0 = disabled)
	KeepLastNDays int
	// DryRun: when true, log what would be pruned without deleting
	DryRun bool
	// Interval: how often to run the pruning job
	Interval time.Duration
}

// LoadRetentionPolicy loads retention configuration from environment variables.
func LoadRetentionPolicy() RetentionPolicy {
	policy := RetentionPolicy{
		Interval: 6 * time.Hour,
	}

	if s := os.Getenv("RETENTION_KEEP_DAYS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepLastNDays = n
		}
	}

	if os.Getenv("RETENTION_DRY_RUN") == "1" {
		policy.DryRun = true
	}

	if s := os.Getenv("RETENTION_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			policy.Interval = d
		}
	}

	return policy
}

// StartRetentionJob runs a background job that periodically prunes old chat
// messages and their answered-ledger entries according to the configured
// retention policy. Blocks until ctx is cancelled.
func StartRetentionJob(ctx context.Context, dbc *sql.DB) {
	policy := LoadRetentionPolicy()

	if policy.KeepLastNDays == 0 {
		slog.Info("retention job disabled (no policy configured)")
		return
	}

	slog.Info("retention job starting",
		slog.Int("keep_days", policy.KeepLastNDays),
		slog.Bool("dry_run", policy.DryRun),
		slog.Duration("interval", policy.Interval))

	if err := RunRetention(ctx, dbc, policy); err != nil {
		slog.Warn("retention pruning failed", slog.Any("err", err))
	}

	ticker := time.NewTicker(policy.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention job stopped")
			return
		case <-ticker.C:
			if err := RunRetention(ctx, dbc, policy); err != nil {
				slog.Warn("retention pruning failed", slog.Any("err", err))
			}
		}
	}
}

// RunRetention performs a single pruning cycle. Exposed so the admin API can
// trigger a run on demand.
func RunRetention(ctx context.Context, dbc *sql.DB, policy RetentionPolicy) error {
	if policy.KeepLastNDays <= 0 {
		return nil
	}

	logger := slog.Default().With(
		slog.String("component", "retention"),
		slog.Bool("dry_run", policy.DryRun),
	)

	age := time.Duration(policy.KeepLastNDays) * 24 * time.Hour
	if age < minRetentionAge {
		age = minRetentionAge
	}
	cutoff := time.Now().Add(-age)

	var messagesPruned, answeredPruned int64

	if policy.DryRun {
		if err := dbc.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM chat_messages WHERE published_at < $1`, cutoff).Scan(&messagesPruned); err != nil {
			return fmt.Errorf("count prunable messages: %w", err)
		}
		if err := dbc.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM answered_messages WHERE answered_at < $1`, cutoff).Scan(&answeredPruned); err != nil {
			return fmt.Errorf("count prunable ledger entries: %w", err)
		}
	} else {
		res, err := dbc.ExecContext(ctx, `DELETE FROM chat_messages WHERE published_at < $1`, cutoff)
		if err != nil {
			return fmt.Errorf("prune chat messages: %w", err)
		}
		messagesPruned, _ = res.RowsAffected()

		res, err = dbc.ExecContext(ctx, `DELETE FROM answered_messages WHERE answered_at < $1`, cutoff)
		if err != nil {
			return fmt.Errorf("prune answered ledger: %w", err)
		}
		answeredPruned, _ = res.RowsAffected()
	}

	mode := "prune"
	if policy.DryRun {
		mode = "dry-run"
	}
	logger.Info("retention cycle completed",
		slog.String("mode", mode),
		slog.Time("cutoff", cutoff),
		slog.Int64("messages_pruned", messagesPruned),
		slog.Int64("answered_pruned", answeredPruned))

	return nil
}
