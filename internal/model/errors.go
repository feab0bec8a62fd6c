package model

import "errors"

// Error taxonomy. Package-specific errors wrap one of these roots so callers
// can classify a failure with errors.Is.
var (
	// ErrStructuralViolation means a mutation would break a structural rule of
	// the account (negative liquidity, too many positions or currencies).
	ErrStructuralViolation = errors.New("ledger: structural violation")

	// ErrEncodingViolation means a value does not fit its persisted encoding
	// (notional width, inexact maturity, malformed record).
	ErrEncodingViolation = errors.New("ledger: encoding violation")

	// ErrInvalidPosition is returned for caller input that can never be valid.
	ErrInvalidPosition = errors.New("ledger: invalid position")

	// ErrSettlementRequired is returned when an account with matured positions
	// is mutated before it has been settled.
	ErrSettlementRequired = errors.New("ledger: account must be settled first")
)
