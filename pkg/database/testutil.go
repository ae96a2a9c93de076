package database

import (
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v4"
)

// NewMockPool returns a pgxmock pool usable wherever a DBTX is accepted.
// The pool is closed when the test ends; checking ExpectationsWereMet is
// left to the test.
func NewMockPool(tb testing.TB) pgxmock.PgxPoolIface {
	tb.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		tb.Fatalf("create pgxmock pool: %v", err)
	}
	tb.Cleanup(mock.Close)
	return mock
}
