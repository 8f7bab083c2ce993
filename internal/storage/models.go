package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Analysis is one stored analysis run: the request flags plus the final
// report, serialized as it was returned to the caller.
type Analysis struct {
	ID         string
	CreatedAt  time.Time
	Deep       bool
	Degraded   bool
	ReportJSON string
}
