package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const maxInsightBatchSize = 1000

// InsightEvent records one visibility decision outcome for a block, used to
// power the admin insights view.
type InsightEvent struct {
	ID           int64     `json:"id"`
	BlockID      string    `json:"block_id"`
	Event        string    `json:"event"`
	Reason       string    `json:"reason"`
	BlockName    string    `json:"block_name"`
	PostID       int       `json:"post_id"`
	PostType     string    `json:"post_type"`
	IsPreview    bool      `json:"is_preview"`
	UsesFallback bool      `json:"uses_fallback"`
	CreatedAt    time.Time `json:"created_at"`
}

// InsightSummary aggregates insight events per block and outcome.
type InsightSummary struct {
	BlockID string `json:"block_id"`
	Event   string `json:"event"`
	Count   int64  `json:"count"`
}

// InsertInsightEvents writes a batch of insight events. The batch is written
// with a single multi-row insert; an empty batch is a no-op.
func (r *PostgresRepository) InsertInsightEvents(ctx context.Context, events []InsightEvent) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(events))
	for _, e := range events {
		rows = append(rows, []any{e.BlockID, e.Event, e.Reason, e.BlockName, e.PostID, e.PostType, e.IsPreview, e.UsesFallback})
	}

	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"insight_events"},
		[]string{"block_id", "event", "reason", "block_name", "post_id", "post_type", "is_preview", "uses_fallback"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("insert insight events: %w", err)
	}
	return nil
}

// ListRecentInsightEvents returns the newest insight events, newest first.
// A non-positive or oversized limit falls back to maxInsightBatchSize.
func (r *PostgresRepository) ListRecentInsightEvents(ctx context.Context, limit int) ([]InsightEvent, error) {
	if limit <= 0 || limit > maxInsightBatchSize {
		limit = maxInsightBatchSize
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, block_id, event, reason, block_name, post_id, post_type, is_preview, uses_fallback, created_at
		FROM insight_events
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent insight events: %w", err)
	}
	defer rows.Close()

	events := make([]InsightEvent, 0)
	for rows.Next() {
		var e InsightEvent
		if err := rows.Scan(&e.ID, &e.BlockID, &e.Event, &e.Reason, &e.BlockName, &e.PostID, &e.PostType, &e.IsPreview, &e.UsesFallback, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan insight event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recent insight events rows: %w", err)
	}

	return events, nil
}

// SummarizeInsights aggregates insight counts per block and event since the
// given time, ordered by count descending.
func (r *PostgresRepository) SummarizeInsights(ctx context.Context, since time.Time) ([]InsightSummary, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT block_id, event, COUNT(*) AS count
		FROM insight_events
		WHERE created_at >= $1
		GROUP BY block_id, event
		ORDER BY count DESC, block_id, event
	`, since)
	if err != nil {
		return nil, fmt.Errorf("summarize insights: %w", err)
	}
	defer rows.Close()

	summaries := make([]InsightSummary, 0)
	for rows.Next() {
		var s InsightSummary
		if err := rows.Scan(&s.BlockID, &s.Event, &s.Count); err != nil {
			return nil, fmt.Errorf("scan insight summary: %w", err)
		}
		summaries = append(summaries, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("summarize insights rows: %w", err)
	}

	return summaries, nil
}

// PruneInsightEvents deletes insight events older than the cutoff and returns
// the number of rows removed.
func (r *PostgresRepository) PruneInsightEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM insight_events WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune insight events: %w", err)
	}
	return commandTag.RowsAffected(), nil
}
