package model

import "time"

type JobKind string

const (
	JobKindCrop   JobKind = "crop"
	JobKindExport JobKind = "export"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is a point-in-time snapshot; the lifecycle manager owns the live state.
// Exactly one of Crop/Export is set, matching Kind.
type Job struct {
	ID              string     `json:"job_id"`
	Kind            JobKind    `json:"kind"`
	Status          JobStatus  `json:"status"`
	Progress        float64    `json:"progress"`
	Message         string     `json:"message"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	Error           string     `json:"error_message,omitempty"`
	ErrorDetails    []string   `json:"error_details,omitempty"`

	Crop   *CropOutcome  `json:"crop,omitempty"`
	Export *ExportResult `json:"export,omitempty"`
}

// Clone returns a copy that shares no mutable slices with j.
func (j Job) Clone() Job {
	cp := j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	cp.ErrorDetails = append([]string(nil), j.ErrorDetails...)
	cp.Crop = j.Crop.clone()
	cp.Export = j.Export.clone()
	return cp
}
