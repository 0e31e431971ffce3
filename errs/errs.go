// Package errs defines the error taxonomy shared across the protocol. Every
// failure surfaced by the ledger, pools, or liquidation engine wraps exactly
// one of these kinds so callers can classify without string matching.
package errs

import "errors"

var (
	// Validation covers malformed input: asset mismatches, empty or
	// non-positive amounts, duplicate registrations.
	Validation = errors.New("validation error")
	// State covers operations against entities in the wrong lifecycle
	// state: missing loans, already-terminal loans, duplicate open loans.
	State = errors.New("state error")
	// Policy covers violations of protocol risk rules: LTV exceeded,
	// under-collateralised top-ups, overpayments, liens.
	Policy = errors.New("policy violation")
	// Liquidity covers insufficient pool custody.
	Liquidity = errors.New("liquidity error")
	// Unauthorized covers privileged calls made without a valid capability
	// credential.
	Unauthorized = errors.New("unauthorized")
)
