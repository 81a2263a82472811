package period

import "errors"

var (
	// ErrInvalidFormat indicates a date that does not match DD/MM/YYYY.
	ErrInvalidFormat = errors.New("period: date must match DD/MM/YYYY")
	// ErrInvalidDate indicates well-formed components that are not a calendar date.
	ErrInvalidDate = errors.New("period: date does not exist")
	// ErrRangeInverted indicates a start date after the end date.
	ErrRangeInverted = errors.New("period: start date is after end date")
	// ErrMissingPeriod indicates the period parameter is required but absent.
	ErrMissingPeriod = errors.New("period: period is required")
	// ErrUnknownPeriod indicates an unsupported period tag.
	ErrUnknownPeriod = errors.New("period: unknown period")
	// ErrMissingRange indicates a custom period without both dates.
	ErrMissingRange = errors.New("period: start and end dates are required")
)

// IsValidation reports whether err was caused by caller input.
func IsValidation(err error) bool {
	for _, target := range []error{ErrInvalidFormat, ErrInvalidDate, ErrRangeInverted, ErrMissingPeriod, ErrUnknownPeriod, ErrMissingRange} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
