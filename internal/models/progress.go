package models

import "time"

// RenditionProgress is one row of a ProgressSummary.
type RenditionProgress struct {
	Rendition Rendition `json:"quality"`
	Status    JobStatus `json:"status"`
	WorkerID  string    `json:"workerId,omitempty"`
}

// ProgressSummary is a derived view over the jobs of one asset. Percent is
// nil when the asset has no jobs.
type ProgressSummary struct {
	AssetID        string              `json:"assetId"`
	Renditions     []RenditionProgress `json:"qualities"`
	CompletedCount int                 `json:"completedCount"`
	TotalCount     int                 `json:"totalCount"`
	Percent        *int                `json:"overallProgress,omitempty"`
}

// SummarizeJobs aggregates job rows into a ProgressSummary. Rows are emitted
// in the order given.
func SummarizeJobs(assetID string, jobs []TranscodeJob) ProgressSummary {
	summary := ProgressSummary{
		AssetID:    assetID,
		Renditions: make([]RenditionProgress, 0, len(jobs)),
		TotalCount: len(jobs),
	}
	for _, job := range jobs {
		summary.Renditions = append(summary.Renditions, RenditionProgress{
			Rendition: job.Rendition,
			Status:    job.Status,
			WorkerID:  job.WorkerID,
		})
		if job.Status == JobCompleted {
			summary.CompletedCount++
		}
	}
	if summary.TotalCount > 0 {
		percent := summary.CompletedCount * 100 / summary.TotalCount
		summary.Percent = &percent
	}
	return summary
}

// Stage names the pipeline phase carried by a progress update.
type Stage string

const (
	StageUploading      Stage = "UPLOADING"
	StageUploadComplete Stage = "UPLOAD_COMPLETE"
	StageTranscoding    Stage = "TRANSCODING"
	StageGeneratingHLS  Stage = "GENERATING_HLS"
	StageReady          Stage = "READY"
	StageFailed         Stage = "FAILED"
)

// ProgressUpdate is the payload broadcast to progress subscribers.
type ProgressUpdate struct {
	AssetID   string           `json:"videoId"`
	Stage     Stage            `json:"status"`
	Message   string           `json:"message"`
	Percent   *int             `json:"progress,omitempty"`
	Summary   *ProgressSummary `json:"transcodeProgress,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}
