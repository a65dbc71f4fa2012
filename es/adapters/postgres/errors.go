package postgres

import (
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/internal/sqlutil"
)

// IsUniqueViolation checks if an error is a PostgreSQL unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" // unique_violation
	}
	return false
}

// IsRetryable reports whether err is a transient conflict that a caller can retry:
// serialization failures, deadlocks and lock timeouts.
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available
		return true
	default:
		return false
	}
}

// matchClause returns a predicate matching column against an id pattern, or "" when
// the pattern matches everything.
func matchClause(column string, kind es.IDKind, body string, args *sqlutil.Args) string {
	switch kind {
	case es.KindAll:
		return ""
	case es.KindPrefix:
		p := args.Add(body)
		return fmt.Sprintf("left(%s, length(%s::text)) = %s::text", column, p, p)
	case es.KindSuffix:
		p := args.Add(body)
		return fmt.Sprintf("right(%s, length(%s::text)) = %s::text", column, p, p)
	default:
		return fmt.Sprintf("%s = %s", column, args.Add(body))
	}
}
