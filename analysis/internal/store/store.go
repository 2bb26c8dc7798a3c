// Package store is the data access layer for analysis jobs, staged
// findings, and the audit trail.
//
// The store receives an already-opened *sql.DB (dbopen applies the
// pragmas and Schema). Job status/progress writes are single UPDATE
// statements so a concurrent status read always reflects the most
// recently completed transition.
package store

import "database/sql"

// Store wraps the analysis database.
type Store struct {
	DB *sql.DB
}

// New creates a Store from an already-opened database connection.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Status is a job lifecycle state. Transitions are forward-only; the four
// terminal states are never left.
type Status string

const (
	StatusCreated          Status = "CREATED"
	StatusRunning          Status = "RUNNING"
	StatusCompleted        Status = "COMPLETED"
	StatusDegradedComplete Status = "DEGRADED_COMPLETE"
	StatusFailed           Status = "FAILED"
	StatusCancelled        Status = "CANCELLED"
)

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDegradedComplete, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// FindingKind classifies a staged finding.
type FindingKind string

const (
	FindingKeyword     FindingKind = "keyword"
	FindingCompetitor  FindingKind = "competitor"
	FindingOpportunity FindingKind = "opportunity"
)
