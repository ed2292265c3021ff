// Package jobs tracks broker jobs through their status lifecycle and runs
// them on a worker pool.
//
// Lifecycle:
//
//	waiting ──claim──▶ running ──▶ finished
//	   ▲                  │  ├───▶ invalid
//	   │                  │  └───▶ failed ──claim──▶ running
//	   └──── reset ───────┘ (from finished, invalid, failed)
//
// A running job is owned by the Tracker that claimed it, which keeps the
// claim alive with heartbeats. A job's dependents become ready once every
// prerequisite is finished and every validation prerequisite finished
// without errors.
package jobs

import (
	"time"
)

// Type is the kind of work a job performs.
type Type string

const (
	TypeFileUpload Type = "file_upload"
	TypeValidation Type = "validation"
	TypeGeneration Type = "generation"
)

// Status is the current state of a job
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusInvalid  Status = "invalid"
	StatusFailed   Status = "failed"
)

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusWaiting, StatusRunning, StatusFinished, StatusInvalid, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition happens without a reset.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusInvalid
}

// Job is one unit of broker work on a submission.
type Job struct {
	ID               int64      `json:"job_id"`
	SubmissionID     int64      `json:"submission_id"`
	Type             Type       `json:"job_type"`
	Status           Status     `json:"job_status"`
	FileType         string     `json:"file_type,omitempty"`
	Filename         string     `json:"filename,omitempty"`
	NumberOfRows     int        `json:"number_of_rows"`
	NumberOfErrors   int        `json:"number_of_errors"`
	NumberOfWarnings int        `json:"number_of_warnings"`
	Ready            bool       `json:"ready"`
	Error            string     `json:"error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	ClaimedBy        string     `json:"claimed_by,omitempty"`
	HeartbeatAt      *time.Time `json:"heartbeat_at,omitempty"`
}

// Clean reports whether the job counts as a satisfied prerequisite.
func (j *Job) Clean() bool {
	if j.Status != StatusFinished {
		return false
	}
	return j.Type != TypeValidation || j.NumberOfErrors == 0
}

// Duration returns how long the job ran, or zero if it has not finished.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}
