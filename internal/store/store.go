// Package store keeps the history of sync runs and connectivity changes in
// PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pwnlink/agent/internal/model"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

var ErrSyncRunNotFound = errors.New("sync run not found")

type Store struct {
	pool *pgxpool.Pool
}

type SyncRunQuery struct {
	Statuses []model.SyncRunStatus
	Since    time.Time
	Page     int
	PageSize int
	SortDir  string
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) InsertSyncRun(ctx context.Context, run model.SyncRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_run(id, status, remote_dir, max_count, downloaded, total, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, run.ID, string(run.Status), run.RemoteDir, run.MaxCount, run.Downloaded, run.Total, run.Error, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert sync run %s: %w", run.ID, err)
	}
	return nil
}

// FinishSyncRun stores the terminal state of a run started with InsertSyncRun.
func (s *Store) FinishSyncRun(ctx context.Context, run model.SyncRun) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_run
		SET status = $2, downloaded = $3, total = $4, error = $5, finished_at = $6
		WHERE id = $1
	`, run.ID, string(run.Status), run.Downloaded, run.Total, run.Error, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("finish sync run %s: %w", run.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSyncRunNotFound
	}
	return nil
}

func (s *Store) GetSyncRun(ctx context.Context, id string) (model.SyncRun, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id::text, status, remote_dir, max_count, downloaded, total, error, started_at, finished_at
		FROM sync_run
		WHERE id = $1
	`, id)
	run, err := scanSyncRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SyncRun{}, ErrSyncRunNotFound
	}
	return run, err
}

// ListSyncRuns returns one page of runs and the total matching count.
func (s *Store) ListSyncRuns(ctx context.Context, query SyncRunQuery) ([]model.SyncRun, int64, error) {
	query = NormalizeSyncRunQuery(query)
	whereClause, args := buildSyncRunWhereClause(query)

	var total int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM sync_run"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sync runs: %w", err)
	}

	itemsQuery := fmt.Sprintf(`
		SELECT id::text, status, remote_dir, max_count, downloaded, total, error, started_at, finished_at
		FROM sync_run%s
		ORDER BY %s
		LIMIT $%d OFFSET $%d
	`, whereClause, syncRunOrderClause(query.SortDir), len(args)+1, len(args)+2)
	itemsArgs := append(append([]any{}, args...), query.PageSize, (query.Page-1)*query.PageSize)

	rows, err := s.pool.Query(ctx, itemsQuery, itemsArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sync runs: %w", err)
	}
	defer rows.Close()

	runs := []model.SyncRun{}
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

func (s *Store) RecordConnectivityEvent(ctx context.Context, event model.ConnectivityEvent) error {
	ports := make([]int32, 0, len(event.Ports))
	for _, p := range event.Ports {
		ports = append(ports, int32(p))
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO connectivity_event(reachable, latency_ms, open_ports, ts)
		VALUES ($1, $2, $3, $4)
	`, event.Reachable, event.LatencyMs, ports, event.Timestamp)
	if err != nil {
		return fmt.Errorf("insert connectivity event: %w", err)
	}
	return nil
}

// ListConnectivityEvents returns events between start and end, newest first.
func (s *Store) ListConnectivityEvents(ctx context.Context, start, end time.Time, limit int) ([]model.ConnectivityEvent, error) {
	if limit < 1 || limit > maxPageSize {
		limit = maxPageSize
	}
	rows, err := s.pool.Query(ctx, `
		SELECT reachable, latency_ms, open_ports, ts
		FROM connectivity_event
		WHERE ts BETWEEN $1 AND $2
		ORDER BY ts DESC
		LIMIT $3
	`, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("list connectivity events: %w", err)
	}
	defer rows.Close()

	events := []model.ConnectivityEvent{}
	for rows.Next() {
		var (
			event model.ConnectivityEvent
			ports []int32
		)
		if err := rows.Scan(&event.Reachable, &event.LatencyMs, &ports, &event.Timestamp); err != nil {
			return nil, err
		}
		event.Ports = make([]int, 0, len(ports))
		for _, p := range ports {
			event.Ports = append(event.Ports, int(p))
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanSyncRun(row pgx.Row) (model.SyncRun, error) {
	var (
		run    model.SyncRun
		status string
	)
	if err := row.Scan(&run.ID, &status, &run.RemoteDir, &run.MaxCount, &run.Downloaded, &run.Total, &run.Error, &run.StartedAt, &run.FinishedAt); err != nil {
		return model.SyncRun{}, err
	}
	run.Status = model.SyncRunStatus(status)
	return run, nil
}

func NormalizeSyncRunQuery(query SyncRunQuery) SyncRunQuery {
	if query.Page < 1 {
		query.Page = 1
	}
	if query.PageSize < 1 {
		query.PageSize = defaultPageSize
	}
	if query.PageSize > maxPageSize {
		query.PageSize = maxPageSize
	}
	query.SortDir = strings.ToLower(strings.TrimSpace(query.SortDir))
	if query.SortDir != "asc" {
		query.SortDir = "desc"
	}
	return query
}

func buildSyncRunWhereClause(query SyncRunQuery) (string, []any) {
	var clause strings.Builder
	clause.WriteString(" WHERE 1=1")

	args := []any{}
	if len(query.Statuses) > 0 {
		statuses := make([]string, len(query.Statuses))
		for i, status := range query.Statuses {
			statuses[i] = string(status)
		}
		clause.WriteString(fmt.Sprintf(" AND status = ANY($%d)", len(args)+1))
		args = append(args, statuses)
	}
	if !query.Since.IsZero() {
		clause.WriteString(fmt.Sprintf(" AND started_at >= $%d", len(args)+1))
		args = append(args, query.Since)
	}
	return clause.String(), args
}

func syncRunOrderClause(sortDir string) string {
	if sortDir == "asc" {
		return "started_at ASC, id ASC"
	}
	return "started_at DESC, id DESC"
}
