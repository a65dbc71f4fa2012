package mysql

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/getpup/pupstream/es"
	"github.com/getpup/pupstream/internal/sqlutil"
)

// IsUniqueViolation checks if an error is a MySQL duplicate key error.
func IsUniqueViolation(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062 // ER_DUP_ENTRY
	}
	return false
}

// IsRetryable reports whether err is a transient conflict that a caller can retry:
// deadlocks and lock wait timeouts.
func IsRetryable(err error) bool {
	var mysqlErr *mysql.MySQLError
	if !errors.As(err, &mysqlErr) {
		return false
	}
	switch mysqlErr.Number {
	case 1213, // ER_LOCK_DEADLOCK
		1205: // ER_LOCK_WAIT_TIMEOUT
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
		return fmt.Sprintf("LEFT(%s, CHAR_LENGTH(%s)) = %s", column, args.Add(body), args.Add(body))
	case es.KindSuffix:
		return fmt.Sprintf("RIGHT(%s, CHAR_LENGTH(%s)) = %s", column, args.Add(body), args.Add(body))
	default:
		return fmt.Sprintf("%s = %s", column, args.Add(body))
	}
}

// uuidBytes converts ids to the BINARY(16) column format.
func uuidBytes(id uuid.UUID) []byte {
	b := id
	return b[:]
}

func nullUUIDBytes(id uuid.NullUUID) any {
	if !id.Valid {
		return nil
	}
	return uuidBytes(id.UUID)
}
