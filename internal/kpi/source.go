package kpi

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lodgeboard/kpi-engine/internal/period"
)

// PostgresSource reads operational records from a tenant database.
type PostgresSource struct {
	conn Querier
}

// NewPostgresSource wraps a tenant's operational pool.
func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{conn: pool}
}

var _ Source = (*PostgresSource)(nil)

var errSourceNotInitialised = errors.New("kpi: source not initialised")

// Bookings loads bookings whose service date falls in rng. The exclusion
// predicates are pushed down to the query.
func (s *PostgresSource) Bookings(ctx context.Context, companyID int64, rng period.Range, ex Exclusions) ([]Booking, error) {
	if s == nil || s.conn == nil {
		return nil, errSourceNotInitialised
	}
	rows, err := s.conn.Query(ctx, `SELECT id, COALESCE(suite_category, ''), COALESCE(channel, ''), date_service, price_rental, price_total, canceled
FROM bookings
WHERE company_id=$1 AND date_service BETWEEN $2 AND $3
	AND (NOT $4::boolean OR NOT canceled)
	AND (NOT $5::boolean OR price_rental IS NOT NULL)
ORDER BY date_service ASC, id ASC`, companyID, rng.Start, rng.End, ex.ExcludeCanceled, ex.RequireRentalPrice)
	if err != nil {
		return nil, fmt.Errorf("query bookings: %w", err)
	}
	defer rows.Close()

	out := []Booking{}
	for rows.Next() {
		var b Booking
		if err := rows.Scan(&b.ID, &b.SuiteCategory, &b.Channel, &b.DateService, &b.PriceRental, &b.PriceTotal, &b.Canceled); err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Cleanings loads housekeeping records in rng.
func (s *PostgresSource) Cleanings(ctx context.Context, companyID int64, rng period.Range) ([]Cleaning, error) {
	if s == nil || s.conn == nil {
		return nil, errSourceNotInitialised
	}
	rows, err := s.conn.Query(ctx, `SELECT id, COALESCE(suite_category, ''), date_service
FROM cleanings
WHERE company_id=$1 AND date_service BETWEEN $2 AND $3
ORDER BY date_service ASC, id ASC`, companyID, rng.Start, rng.End)
	if err != nil {
		return nil, fmt.Errorf("query cleanings: %w", err)
	}
	defer rows.Close()

	out := []Cleaning{}
	for rows.Next() {
		var c Cleaning
		if err := rows.Scan(&c.ID, &c.SuiteCategory, &c.DateService); err != nil {
			return nil, fmt.Errorf("scan cleaning: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RestaurantSales loads point-of-sale records in rng.
func (s *PostgresSource) RestaurantSales(ctx context.Context, companyID int64, rng period.Range) ([]RestaurantSale, error) {
	if s == nil || s.conn == nil {
		return nil, errSourceNotInitialised
	}
	rows, err := s.conn.Query(ctx, `SELECT id, COALESCE(product_category, ''), date_service, amount
FROM restaurant_sales
WHERE company_id=$1 AND date_service BETWEEN $2 AND $3
ORDER BY date_service ASC, id ASC`, companyID, rng.Start, rng.End)
	if err != nil {
		return nil, fmt.Errorf("query restaurant sales: %w", err)
	}
	defer rows.Close()

	out := []RestaurantSale{}
	for rows.Next() {
		var sale RestaurantSale
		if err := rows.Scan(&sale.ID, &sale.ProductCategory, &sale.DateService, &sale.Amount); err != nil {
			return nil, fmt.Errorf("scan restaurant sale: %w", err)
		}
		out = append(out, sale)
	}
	return out, rows.Err()
}

// SuiteInventory counts active suites per category.
func (s *PostgresSource) SuiteInventory(ctx context.Context, companyID int64) ([]SuiteCategory, error) {
	if s == nil || s.conn == nil {
		return nil, errSourceNotInitialised
	}
	rows, err := s.conn.Query(ctx, `SELECT COALESCE(category, ''), COUNT(*)
FROM suites
WHERE company_id=$1 AND active
GROUP BY category
ORDER BY category ASC`, companyID)
	if err != nil {
		return nil, fmt.Errorf("query suites: %w", err)
	}
	defer rows.Close()

	out := []SuiteCategory{}
	for rows.Next() {
		var c SuiteCategory
		if err := rows.Scan(&c.Name, &c.Suites); err != nil {
			return nil, fmt.Errorf("scan suite category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
