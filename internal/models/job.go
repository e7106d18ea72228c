package models

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus is the per-rendition transcode state machine:
// QUEUED -> PROCESSING -> COMPLETED | FAILED.
type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

func ParseJobStatus(value string) (JobStatus, error) {
	switch JobStatus(strings.ToUpper(strings.TrimSpace(value))) {
	case JobQueued:
		return JobQueued, nil
	case JobProcessing:
		return JobProcessing, nil
	case JobCompleted:
		return JobCompleted, nil
	case JobFailed:
		return JobFailed, nil
	default:
		return "", fmt.Errorf("unknown job status %q", value)
	}
}

func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed:
		return true
	case JobQueued, JobProcessing:
		return false
	default:
		return false
	}
}

// TranscodeJob is one (asset, rendition) unit of work.
type TranscodeJob struct {
	ID          string     `json:"id"`
	AssetID     string     `json:"assetId"`
	Rendition   Rendition  `json:"rendition"`
	Status      JobStatus  `json:"status"`
	WorkerID    string     `json:"workerId,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	RetryCount  int        `json:"retryCount"`
	Error       string     `json:"error,omitempty"`
	OutputKey   string     `json:"outputKey,omitempty"`
	OutputSize  int64      `json:"outputSize"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// WorkMessage is the queue payload referencing a persisted job.
type WorkMessage struct {
	JobID     string    `json:"jobId"`
	AssetID   string    `json:"assetId"`
	Rendition Rendition `json:"rendition"`
	SourceKey string    `json:"sourceKey"`
	TraceID   string    `json:"traceId,omitempty"`
	SpanID    string    `json:"spanId,omitempty"`
}

// Validate rejects messages that cannot reference a job.
func (m WorkMessage) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return fmt.Errorf("work message job id is required")
	}
	if strings.TrimSpace(m.AssetID) == "" {
		return fmt.Errorf("work message asset id is required")
	}
	if !m.Rendition.Valid() {
		return fmt.Errorf("work message rendition %q is invalid", m.Rendition)
	}
	return nil
}
