// Package postgres implements the persistence contracts over PostgreSQL
// with sqlx. Claim operations are single-statement compare-and-set updates
// guarded by FOR UPDATE SKIP LOCKED, so concurrent workers never
// double-claim; idempotency windows are partial unique indexes.
package postgres

import (
	"errors"

	"github.com/lib/pq"
)

// uniqueViolation reports whether err is a unique-constraint violation on
// the named constraint. An empty name matches any unique violation.
func uniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// jsonParam renders a raw JSON payload as a parameter for a jsonb column.
// lib/pq sends []byte as bytea, which jsonb columns reject, so payloads
// travel as text; empty payloads become the empty object.
func jsonParam(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
