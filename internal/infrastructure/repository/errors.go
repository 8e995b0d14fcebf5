package repository

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned by lookup methods when no row matches.
var ErrNotFound = errors.New("record not found")

// IsDuplicateKeyViolation reports whether err is a unique constraint
// violation. The pool hands back pgconn errors even through database/sql,
// but string matching covers errors wrapped by drivers that do not.
func IsDuplicateKeyViolation(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	return strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "violates unique constraint")
}

// IsForeignKeyViolation reports whether err is a foreign key constraint
// violation.
func IsForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}

	return strings.Contains(err.Error(), "foreign key") ||
		strings.Contains(err.Error(), "violates foreign key constraint")
}
