package models

import (
	"time"

	"cloud.google.com/go/civil"
)

// Status is the terminal state of an ingestion run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusNoData  Status = "no_data"
	StatusError   Status = "error"
)

// IngestionResult is the outcome of one pipeline run for one date. Every
// branch of the pipeline returns this shape.
type IngestionResult struct {
	Status   Status        `json:"status"`
	Message  string        `json:"message"`
	Date     string        `json:"date"`
	Count    *int          `json:"count,omitempty"` // success and no_data only
	RunID    string        `json:"run_id,omitempty"`
	Duration time.Duration `json:"-"`
}

// NewResult builds a result for date without a count.
func NewResult(status Status, date civil.Date, message string) IngestionResult {
	return IngestionResult{Status: status, Date: date.String(), Message: message}
}

// NewCountedResult builds a result carrying a record count.
func NewCountedResult(status Status, date civil.Date, message string, count int) IngestionResult {
	r := NewResult(status, date, message)
	r.Count = &count
	return r
}
