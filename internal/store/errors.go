package store

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// Error classes reported for failed cache writes.
const (
	WriteErrorClassConnection = "connection"
	WriteErrorClassTimeout    = "timeout"
	WriteErrorClassContention = "contention"
	WriteErrorClassConstraint = "constraint"
	WriteErrorClassUnknown    = "unknown"
)

// ClassifyWriteError maps a cache write error to one of the error classes.
// Postgres errors are classified by SQLSTATE; everything else falls back to
// Go error types and finally to the driver's message text.
func ClassifyWriteError(err error) string {
	if err == nil {
		return WriteErrorClassUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return WriteErrorClassTimeout
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}

	// net.Error can be both; timeout wins.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return WriteErrorClassTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return WriteErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return WriteErrorClassConnection
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection refused", "broken pipe", "no such host"):
		return WriteErrorClassConnection
	case containsAny(msg, "timeout", "deadline exceeded"):
		return WriteErrorClassTimeout
	case isSQLiteBusyMessage(msg):
		return WriteErrorClassContention
	case containsAny(msg, "unique constraint", "constraint failed", "duplicate key"):
		return WriteErrorClassConstraint
	}
	return WriteErrorClassUnknown
}

func classifySQLState(code string) string {
	switch {
	case strings.HasPrefix(code, "08"):
		return WriteErrorClassConnection
	case code == "57014":
		return WriteErrorClassTimeout
	case code == "40001" || code == "40P01" || code == "55P03":
		return WriteErrorClassContention
	case strings.HasPrefix(code, "23"):
		return WriteErrorClassConstraint
	default:
		return WriteErrorClassUnknown
	}
}

func isSQLiteBusyMessage(msg string) bool {
	return containsAny(msg, "sqlite_busy", "database is locked")
}

func containsAny(msg string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
