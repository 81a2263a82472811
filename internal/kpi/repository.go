package kpi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lodgeboard/kpi-engine/internal/period"
	"github.com/lodgeboard/kpi-engine/internal/platform/db"
)

// Querier is the subset of pgx used by the repositories.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SnapshotRepository persists snapshots in the reporting database.
type SnapshotRepository struct {
	conn Querier
	txs  db.TxStarter
}

// NewSnapshotRepository constructs a repository over a pool.
func NewSnapshotRepository(pool *pgxpool.Pool) *SnapshotRepository {
	return &SnapshotRepository{conn: pool, txs: pool}
}

var _ Store = (*SnapshotRepository)(nil)

const upsertSnapshotSQL = `INSERT INTO kpi_snapshots (company_id, kpi, period, created_date, dimension_key, value, count, total_all_value, total_count, range_start, range_end, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())
ON CONFLICT (company_id, kpi, period, created_date, dimension_key) DO UPDATE SET
	value=EXCLUDED.value,
	count=EXCLUDED.count,
	total_all_value=EXCLUDED.total_all_value,
	total_count=EXCLUDED.total_count,
	range_start=EXCLUDED.range_start,
	range_end=EXCLUDED.range_end,
	updated_at=NOW()
RETURNING id, created_date, updated_at`

// Upsert inserts or replaces a snapshot in a single statement.
func (r *SnapshotRepository) Upsert(ctx context.Context, row AggregateRow) (AggregateRow, error) {
	if r == nil || r.conn == nil {
		return AggregateRow{}, &PersistenceError{Key: row.Key(), Err: errors.New("repository not initialised")}
	}
	return upsertRow(ctx, r.conn, row)
}

func upsertRow(ctx context.Context, q Querier, row AggregateRow) (AggregateRow, error) {
	key := row.Key()
	err := q.QueryRow(ctx, upsertSnapshotSQL,
		row.CompanyID, string(row.KPI), string(row.Period), key.CreatedDate, row.DimensionKey,
		row.Value, row.Count, row.TotalAllValue, row.TotalCount, row.RangeStart, row.RangeEnd,
	).Scan(&row.ID, &row.CreatedDate, &row.UpdatedAt)
	if err != nil {
		return AggregateRow{}, &PersistenceError{Key: key, Err: err}
	}
	return row, nil
}

// UpsertAll upserts rows inside one transaction.
func (r *SnapshotRepository) UpsertAll(ctx context.Context, rows []AggregateRow) ([]AggregateRow, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	if r == nil || r.txs == nil {
		return nil, &PersistenceError{Key: rows[0].Key(), Err: errors.New("repository not initialised")}
	}
	out := make([]AggregateRow, 0, len(rows))
	err := db.WithTx(ctx, r.txs, func(tx pgx.Tx) error {
		for _, row := range rows {
			saved, err := upsertRow(ctx, tx, row)
			if err != nil {
				return err
			}
			out = append(out, saved)
		}
		return nil
	})
	if err != nil {
		var perr *PersistenceError
		if errors.As(err, &perr) {
			return nil, err
		}
		return nil, &PersistenceError{Key: rows[0].Key(), Err: err}
	}
	return out, nil
}

const defaultSnapshotLimit = 500

// List returns persisted snapshots, newest first.
func (r *SnapshotRepository) List(ctx context.Context, filter SnapshotFilter) ([]AggregateRow, error) {
	if r == nil || r.conn == nil {
		return nil, errors.New("kpi: repository not initialised")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultSnapshotLimit
	}
	rows, err := r.conn.Query(ctx, `SELECT id, company_id, kpi, period, created_date, dimension_key, value, count, total_all_value, total_count, range_start, range_end, updated_at
FROM kpi_snapshots
WHERE company_id=$1 AND ($2='' OR kpi=$2) AND ($3='' OR period=$3)
	AND created_date BETWEEN COALESCE($4::date, '-infinity') AND COALESCE($5::date, 'infinity')
ORDER BY created_date DESC, period ASC, dimension_key ASC
LIMIT $6`, filter.CompanyID, string(filter.KPI), string(filter.Period), nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, fmt.Errorf("kpi: list snapshots: %w", err)
	}
	defer rows.Close()

	out := []AggregateRow{}
	for rows.Next() {
		var (
			row       AggregateRow
			kind, tag string
		)
		if err := rows.Scan(&row.ID, &row.CompanyID, &kind, &tag, &row.CreatedDate, &row.DimensionKey,
			&row.Value, &row.Count, &row.TotalAllValue, &row.TotalCount, &row.RangeStart, &row.RangeEnd, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("kpi: scan snapshot: %w", err)
		}
		row.KPI = Kind(kind)
		row.Period = period.Tag(tag)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kpi: list snapshots: %w", err)
	}
	return out, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
