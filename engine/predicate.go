package engine

import (
	"fmt"

	"cipherhealth/faults"
	"cipherhealth/settings"
)

// Kind selects which conjunction of encrypted comparisons a query evaluates.
type Kind int

const (
	// RangeEquality matches minAge <= age <= maxAge AND diagnosis == code.
	// Matching records fold their biomarker into the sum accumulator.
	RangeEquality Kind = iota + 1
	// EqualityThreshold matches diagnosis == code AND outcome >= minOutcome.
	// Only the count accumulator is meaningful; the sum stays Enc(0).
	EqualityThreshold
)

// Predicate carries the plaintext parameters of a query. The encrypted
// fields it compares against are never visible here.
type Predicate struct {
	Kind       Kind   `json:"kind"`
	MinAge     uint64 `json:"min_age,omitempty"`
	MaxAge     uint64 `json:"max_age,omitempty"`
	Diagnosis  uint64 `json:"diagnosis"`
	MinOutcome uint64 `json:"min_outcome,omitempty"`
}

// Validate rejects parameters outside the representable plaintext domain
// before any homomorphic work is spent on them.
func (p Predicate) Validate() error {
	switch p.Kind {
	case RangeEquality:
		maxAge := settings.MaxFieldValue(settings.AgeWidth)
		if p.MinAge > maxAge || p.MaxAge > maxAge {
			return fmt.Errorf("%w: age bound exceeds %d", faults.ErrInvalidParameter, maxAge)
		}
		if p.MinAge > p.MaxAge {
			return fmt.Errorf("%w: minAge %d > maxAge %d", faults.ErrInvalidParameter, p.MinAge, p.MaxAge)
		}
		if p.Diagnosis > settings.MaxFieldValue(settings.DiagnosisWidth) {
			return fmt.Errorf("%w: diagnosis code exceeds %d", faults.ErrInvalidParameter, settings.MaxFieldValue(settings.DiagnosisWidth))
		}
	case EqualityThreshold:
		if p.Diagnosis > settings.MaxFieldValue(settings.DiagnosisWidth) {
			return fmt.Errorf("%w: diagnosis code exceeds %d", faults.ErrInvalidParameter, settings.MaxFieldValue(settings.DiagnosisWidth))
		}
		if p.MinOutcome > settings.MaxOutcome {
			return fmt.Errorf("%w: outcome threshold exceeds %d", faults.ErrInvalidParameter, settings.MaxOutcome)
		}
	default:
		return fmt.Errorf("%w: unknown predicate kind %d", faults.ErrInvalidParameter, p.Kind)
	}
	return nil
}
