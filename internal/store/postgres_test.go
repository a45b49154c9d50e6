package store

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestPostgresUniqueViolation(t *testing.T) {
	wrapped := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	if !isPostgresUniqueViolation(wrapped) {
		t.Fatalf("expected unique violation")
	}
	if isPostgresUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatalf("foreign key violation reported as unique")
	}
	if isPostgresUniqueViolation(errors.New("boom")) {
		t.Fatalf("plain error reported as unique")
	}
}

func TestPostgresSchemaIsIdempotent(t *testing.T) {
	for _, stmt := range postgresSchema {
		if !strings.Contains(stmt, "IF NOT EXISTS") {
			t.Fatalf("schema statement is not idempotent: %s", stmt)
		}
	}
	if len(postgresSchema) != len(sqliteSchema) {
		t.Fatalf("backends disagree on schema: %d vs %d statements", len(postgresSchema), len(sqliteSchema))
	}
}

func TestQueriesUsePositionalPlaceholders(t *testing.T) {
	for _, q := range []string{insertExecutionQuery, upsertPropertyQuery, insertContextQuery, insertEventQuery} {
		if strings.Contains(q, "?") {
			t.Fatalf("query uses driver-specific placeholder: %s", q)
		}
		if !strings.Contains(q, "$1") {
			t.Fatalf("query has no $1 placeholder: %s", q)
		}
	}
}
