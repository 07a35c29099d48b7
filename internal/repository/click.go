package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/comparisonguide/clicktrack/internal/model"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/oklog/ulid/v2"
)

// Common errors for click repository operations.
var (
	ErrClickNotFound     = errors.New("click not found")
	ErrClickExists       = errors.New("click id already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// List paging defaults.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000

	DefaultRecentWindow = 5 * time.Minute
	DefaultRecentLimit  = 50
)

const clickColumns = `
	id, click_id, source, provider_id, status, ip_address, user_agent, referrer,
	request_url, params, provider_url, forwarded_at, metadata, created_at, updated_at`

// ClickFilter narrows List results. Empty fields do not filter.
type ClickFilter struct {
	Source        string
	ProviderID    string
	Statuses      []model.ClickStatus
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// ListOptions controls paging for List.
type ListOptions struct {
	Limit  int
	Offset int
}

// Normalize clamps the options to the accepted range.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// ClickRepository provides database access for tracked clicks.
type ClickRepository struct {
	repo    *Repository
	now     func() time.Time
	timeout time.Duration
}

// NewClickRepository creates a new ClickRepository.
func NewClickRepository(repo *Repository) *ClickRepository {
	return &ClickRepository{repo: repo, now: time.Now, timeout: queryTimeout}
}

// bound caps ctx at the query timeout. DeleteOlderThan is left to its
// caller's deadline since a purge may run long.
func (r *ClickRepository) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

// Create inserts a click and returns the stored row.
func (r *ClickRepository) Create(ctx context.Context, click *model.Click) (*model.Click, error) {
	if click.ClickID == "" {
		return nil, fmt.Errorf("create click: click id is required")
	}
	click.ApplyDefaults()
	if !click.Status.IsValid() {
		return nil, fmt.Errorf("create click: %w: %q", model.ErrInvalidStatus, click.Status)
	}

	params, err := json.Marshal(click.Params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	metadata, err := json.Marshal(click.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	ctx, cancel := r.bound(ctx)
	defer cancel()

	query := `
		INSERT INTO clicks (
			id, click_id, source, provider_id, status, ip_address, user_agent, referrer,
			request_url, params, provider_url, forwarded_at, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
		RETURNING` + clickColumns

	row := r.repo.pool.QueryRow(ctx, query,
		ulid.Make().String(),
		click.ClickID,
		click.Source,
		click.ProviderID,
		string(click.Status),
		click.IPAddress,
		click.UserAgent,
		click.Referrer,
		click.RequestURL,
		params,
		click.ProviderURL,
		click.ForwardedAt,
		metadata,
	)

	stored, err := scanClick(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, ErrClickExists
		}
		return nil, persistenceError("create click", err)
	}
	return stored, nil
}

// Get returns the click with the given external id.
func (r *ClickRepository) Get(ctx context.Context, clickID string) (*model.Click, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	query := `SELECT` + clickColumns + ` FROM clicks WHERE click_id = $1`

	click, err := scanClick(r.repo.pool.QueryRow(ctx, query, clickID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClickNotFound
		}
		return nil, persistenceError("get click", err)
	}
	return click, nil
}

// Update applies a partial update inside a transaction. The current row is
// locked so the status check and the write see the same state.
func (r *ClickRepository) Update(ctx context.Context, clickID string, update model.ClickUpdate) (*model.Click, error) {
	if err := update.Normalize(r.now()); err != nil {
		return nil, err
	}

	ctx, cancel := r.bound(ctx)
	defer cancel()

	tx, err := r.repo.pool.Begin(ctx)
	if err != nil {
		return nil, persistenceError("begin update", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM clicks WHERE click_id = $1 FOR UPDATE`, clickID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClickNotFound
		}
		return nil, persistenceError("lock click", err)
	}

	if update.Status != nil && !model.ClickStatus(current).CanTransitionTo(*update.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, *update.Status)
	}

	sets := []string{"updated_at = NOW()"}
	args := []any{clickID}
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}

	if update.Status != nil {
		add("status = $%d", string(*update.Status))
	}
	if update.ProviderURL != nil {
		add("provider_url = $%d", *update.ProviderURL)
	}
	if update.ForwardedAt != nil {
		add("forwarded_at = $%d", *update.ForwardedAt)
	}
	if update.Metadata != nil {
		metadata, err := json.Marshal(update.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		add("metadata = metadata || $%d::jsonb", metadata)
	}

	query := `UPDATE clicks SET ` + strings.Join(sets, ", ") + ` WHERE click_id = $1 RETURNING` + clickColumns

	click, err := scanClick(tx.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, persistenceError("update click", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, persistenceError("commit update", err)
	}
	return click, nil
}

// List returns clicks matching filter, newest first.
func (r *ClickRepository) List(ctx context.Context, filter ClickFilter, opts ListOptions) ([]*model.Click, error) {
	opts = opts.Normalize()

	query := `SELECT` + clickColumns + ` FROM clicks WHERE TRUE`
	var args []any
	argIndex := 1

	if filter.Source != "" {
		query += fmt.Sprintf(" AND source = $%d", argIndex)
		args = append(args, filter.Source)
		argIndex++
	}

	if filter.ProviderID != "" {
		query += fmt.Sprintf(" AND provider_id = $%d", argIndex)
		args = append(args, filter.ProviderID)
		argIndex++
	}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			if !s.IsValid() {
				return nil, fmt.Errorf("list clicks: %w: %q", model.ErrInvalidStatus, s)
			}
			statuses[i] = string(s)
		}
		query += fmt.Sprintf(" AND status = ANY($%d)", argIndex)
		args = append(args, pq.Array(statuses))
		argIndex++
	}

	if filter.CreatedAfter != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIndex)
		args = append(args, *filter.CreatedAfter)
		argIndex++
	}

	if filter.CreatedBefore != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIndex)
		args = append(args, *filter.CreatedBefore)
		argIndex++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
	args = append(args, opts.Limit, opts.Offset)

	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.query(ctx, "list clicks", query, args...)
}

// Recent returns clicks created within window, newest first.
func (r *ClickRepository) Recent(ctx context.Context, window time.Duration, limit int) ([]*model.Click, error) {
	if window <= 0 {
		window = DefaultRecentWindow
	}
	if limit <= 0 || limit > MaxListLimit {
		limit = DefaultRecentLimit
	}

	query := `SELECT` + clickColumns + `
		FROM clicks
		WHERE created_at >= $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.query(ctx, "recent clicks", query, r.now().Add(-window), limit)
}

// Stats aggregates clicks created within timeframe, optionally for one provider.
// Unknown timeframes fall back to 24h.
func (r *ClickRepository) Stats(ctx context.Context, timeframe, providerID string) (*model.ClickStats, error) {
	name, window := model.ResolveTimeframe(timeframe)
	since := r.now().Add(-window)

	where := "created_at >= $1"
	args := []any{since}
	if providerID != "" {
		where += " AND provider_id = $2"
		args = append(args, providerID)
	}

	ctx, cancel := r.bound(ctx)
	defer cancel()

	stats := &model.ClickStats{
		Timeframe:         name,
		ProviderBreakdown: []model.ProviderCount{},
		SourceBreakdown:   []model.SourceCount{},
	}

	totals := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'received'),
			COUNT(*) FILTER (WHERE status = 'intermediate'),
			COUNT(*) FILTER (WHERE status = 'forwarded'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM clicks
		WHERE ` + where

	err := r.repo.pool.QueryRow(ctx, totals, args...).Scan(
		&stats.Total,
		&stats.Received,
		&stats.Intermediate,
		&stats.Forwarded,
		&stats.Failed,
	)
	if err != nil {
		return nil, persistenceError("click totals", err)
	}
	stats.SuccessRate = successRate(stats.Forwarded, stats.Total)

	rows, err := r.repo.pool.Query(ctx, `
		SELECT provider_id, COUNT(*) AS n FROM clicks
		WHERE `+where+` GROUP BY provider_id ORDER BY n DESC, provider_id`, args...)
	if err != nil {
		return nil, persistenceError("provider breakdown", err)
	}
	for rows.Next() {
		var pc model.ProviderCount
		if err := rows.Scan(&pc.ProviderID, &pc.Count); err != nil {
			rows.Close()
			return nil, persistenceError("scan provider breakdown", err)
		}
		stats.ProviderBreakdown = append(stats.ProviderBreakdown, pc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, persistenceError("provider breakdown", err)
	}

	rows, err = r.repo.pool.Query(ctx, `
		SELECT source, COUNT(*) AS n FROM clicks
		WHERE `+where+` GROUP BY source ORDER BY n DESC, source`, args...)
	if err != nil {
		return nil, persistenceError("source breakdown", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sc model.SourceCount
		if err := rows.Scan(&sc.Source, &sc.Count); err != nil {
			return nil, persistenceError("scan source breakdown", err)
		}
		stats.SourceBreakdown = append(stats.SourceBreakdown, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError("source breakdown", err)
	}

	return stats, nil
}

// DeleteOlderThan removes clicks created more than days days ago and returns
// the number of rows deleted.
func (r *ClickRepository) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("delete old clicks: days must be positive, got %d", days)
	}
	cutoff := r.now().AddDate(0, 0, -days)

	result, err := r.repo.pool.Exec(ctx, `DELETE FROM clicks WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, persistenceError("delete old clicks", err)
	}
	return result.RowsAffected(), nil
}

func (r *ClickRepository) query(ctx context.Context, op, query string, args ...any) ([]*model.Click, error) {
	rows, err := r.repo.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, persistenceError(op, err)
	}
	defer rows.Close()

	clicks := make([]*model.Click, 0)
	for rows.Next() {
		click, err := scanClick(rows)
		if err != nil {
			return nil, persistenceError(op, err)
		}
		clicks = append(clicks, click)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError(op, err)
	}
	return clicks, nil
}

// scanClick scans a single row into a Click model.
func scanClick(row pgx.Row) (*model.Click, error) {
	var (
		click    model.Click
		status   string
		params   []byte
		metadata []byte
	)
	err := row.Scan(
		&click.ID,
		&click.ClickID,
		&click.Source,
		&click.ProviderID,
		&status,
		&click.IPAddress,
		&click.UserAgent,
		&click.Referrer,
		&click.RequestURL,
		&params,
		&click.ProviderURL,
		&click.ForwardedAt,
		&metadata,
		&click.CreatedAt,
		&click.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	click.Status = model.ClickStatus(status)
	if err := decodeJSONMap(params, &click.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if err := decodeJSONMap(metadata, &click.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &click, nil
}

func decodeJSONMap(data []byte, dst *map[string]any) error {
	*dst = map[string]any{}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// successRate returns forwarded/total as a percentage rounded to two places.
func successRate(forwarded, total int64) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(forwarded)/float64(total)*10000) / 100
}
