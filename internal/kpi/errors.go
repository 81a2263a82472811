package kpi

import (
	"errors"
	"fmt"

	"github.com/lodgeboard/kpi-engine/internal/period"
)

var (
	// ErrNoData indicates no qualifying records in the range. It is distinct
	// from a zero valued aggregate.
	ErrNoData = errors.New("kpi: no data for range")
	// ErrUnknownKind indicates an unsupported KPI name.
	ErrUnknownKind = errors.New("kpi: unknown kpi")
	// ErrUnknownDimension indicates an unsupported or incompatible dimension.
	ErrUnknownDimension = errors.New("kpi: unknown dimension")
	// ErrUnknownTenant indicates a company id with no configuration.
	ErrUnknownTenant = errors.New("kpi: unknown tenant")
)

// ComputeError wraps unexpected aggregation failures with their scope.
type ComputeError struct {
	CompanyID int64
	KPI       Kind
	Range     period.Range
	Err       error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("kpi: compute %s for company %d over %s: %v", e.KPI, e.CompanyID, e.Range.Token(), e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }

// PersistenceError wraps reporting store failures.
type PersistenceError struct {
	Key NaturalKey
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("kpi: persist snapshot %s: %v", e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsInput reports whether err was caused by caller input.
func IsInput(err error) bool {
	return period.IsValidation(err) ||
		errors.Is(err, ErrUnknownKind) ||
		errors.Is(err, ErrUnknownDimension) ||
		errors.Is(err, ErrUnknownTenant)
}
