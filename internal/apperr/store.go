package apperr

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/lib/pq"
)

const storeService = "store"

// FromStore translates database/sql and lib/pq failures into infrastructure
// errors. Errors that are already classified, and errors that did not come
// from the store, are returned unchanged.
func FromStore(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		e := Infrastructure(storeService, "PG_"+code, pqErr.Message, retryableSQLState(code), err)
		e.WithDetail("sqlstate", code)
		if pqErr.Constraint != "" {
			e.WithDetail("constraint", pqErr.Constraint)
		}
		return e
	}

	switch {
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone):
		return Infrastructure(storeService, CodeConnectionLost, "connection lost", true, err)
	case errors.Is(err, sql.ErrTxDone):
		return Infrastructure(storeService, CodeStoreFailure, "transaction already finished", false, err)
	case errors.Is(err, context.DeadlineExceeded):
		return Infrastructure(storeService, CodeStoreFailure, "store call timed out", true, err)
	case errors.Is(err, context.Canceled):
		return Infrastructure(storeService, CodeStoreFailure, "store call cancelled", true, err)
	}

	return err
}

// retryableSQLState reports whether a failed statement may succeed when the
// whole transaction is replayed.
func retryableSQLState(code string) bool {
	switch code {
	case "55P03", "53300", "57P01", "57014":
		return true
	}
	switch {
	case strings.HasPrefix(code, "40"), strings.HasPrefix(code, "08"):
		return true
	}
	return false
}

// IsUniqueViolation reports whether err is a Postgres unique constraint failure.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
