package querytest

import (
	"database/sql"
	"fmt"
	"strings"
	"testing"
)

// Querier is satisfied by both *sql.DB and *sql.Tx
type Querier interface {
	QueryRow(query string, args ...any) *sql.Row
}

// AssertCount executes a SQL statement with the form 'SELECT COUNT(*) FROM ...' and
// fails the test with a descriptive error message if the result value returned is not
// equal to wantCount
func AssertCount(t *testing.T, q Querier, wantCount int, query string, args ...any) {
	t.Helper()
	var count int
	err := q.QueryRow(query, args...).Scan(&count)
	if err == nil && count != wantCount {
		err = fmt.Errorf("expected count of %d; got %d", wantCount, count)
	}
	if err != nil {
		logQuery(t, query, args)
		t.Fatal(err)
	}
}

// AssertValue executes a query that selects a single column from a single row, and
// fails the test if the value scanned does not equal want
func AssertValue[T comparable](t *testing.T, q Querier, want T, query string, args ...any) {
	t.Helper()
	var got T
	err := q.QueryRow(query, args...).Scan(&got)
	if err == nil && got != want {
		err = fmt.Errorf("expected %v; got %v", want, got)
	}
	if err != nil {
		logQuery(t, query, args)
		t.Fatal(err)
	}
}

func logQuery(t *testing.T, query string, args []any) {
	t.Logf("With query:")
	for _, line := range strings.Split(strings.TrimSpace(query), "\n") {
		t.Logf("  %s", strings.TrimSpace(line))
	}
	if len(args) > 0 {
		t.Logf("With args:")
		for i, value := range args {
			t.Logf(" $%d: %v", i+1, value)
		}
	}
}
