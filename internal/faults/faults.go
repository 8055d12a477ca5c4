// Package faults defines the error taxonomy shared by the transfer engine.
//
// Scope decides propagation: row-scoped errors (TransformError,
// RowWriteError) are recorded and skipped, page-scoped errors (LookupError)
// stop the page, and ConnectivityError stops the job.
package faults

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// Detail is one entry of a transfer result's error list
type Detail struct {
	Context string `json:"context"`
	Message string `json:"message"`
}

func (d Detail) String() string {
	return d.Context + ": " + d.Message
}

// ConnectivityError reports that the source, destination or checkpoint
// store could not be reached.
type ConnectivityError struct {
	Target string
	Err    error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s unreachable: %v", e.Target, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// LookupError reports a failed bulk dimension lookup
type LookupError struct {
	Dimension string
	Keys      int
	Err       error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup %s (%d keys): %v", e.Dimension, e.Keys, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// TransformError reports one fact row that could not be mapped
type TransformError struct {
	RowID int64
	Field string
	Err   error
}

func (e *TransformError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("transform row %d: %v", e.RowID, e.Err)
	}
	return fmt.Sprintf("transform row %d field %s: %v", e.RowID, e.Field, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// ChunkWriteError reports a failed bulk write of one chunk
type ChunkWriteError struct {
	Table   string
	FirstID int64
	LastID  int64
	Size    int
	Err     error
}

func (e *ChunkWriteError) Error() string {
	return fmt.Sprintf("write chunk %s[%d..%d] (%d rows): %v", e.Table, e.FirstID, e.LastID, e.Size, e.Err)
}

func (e *ChunkWriteError) Unwrap() error { return e.Err }

// RowWriteError reports a record that still failed after row-level retry
type RowWriteError struct {
	Table string
	RowID int64
	Err   error
}

func (e *RowWriteError) Error() string {
	return fmt.Sprintf("write row %s[%d]: %v", e.Table, e.RowID, e.Err)
}

func (e *RowWriteError) Unwrap() error { return e.Err }

// Describe converts an error into a summary detail
func Describe(err error) Detail {
	var (
		conn   *ConnectivityError
		lookup *LookupError
		tr     *TransformError
		chunk  *ChunkWriteError
		row    *RowWriteError
	)

	switch {
	case errors.As(err, &tr):
		ctx := fmt.Sprintf("row %d", tr.RowID)
		if tr.Field != "" {
			ctx += " field " + tr.Field
		}
		return Detail{Context: ctx, Message: tr.Err.Error()}
	case errors.As(err, &row):
		return Detail{Context: fmt.Sprintf("write %s row %d", row.Table, row.RowID), Message: row.Err.Error()}
	case errors.As(err, &chunk):
		return Detail{Context: fmt.Sprintf("write %s rows %d..%d", chunk.Table, chunk.FirstID, chunk.LastID), Message: chunk.Err.Error()}
	case errors.As(err, &lookup):
		return Detail{Context: "lookup " + lookup.Dimension, Message: lookup.Err.Error()}
	case errors.As(err, &conn):
		return Detail{Context: conn.Target, Message: conn.Err.Error()}
	case err == nil:
		return Detail{}
	default:
		return Detail{Context: "engine", Message: err.Error()}
	}
}

// IsRetryable reports whether err is a timeout or a transient fault worth
// retrying at the same granularity.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "temporary") ||
		strings.Contains(errStr, "too many connections") ||
		strings.Contains(errStr, "deadlock") ||
		// HTTP 5xx from ClickHouse or the object store
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout")
}
