package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// UploadStatus tracks a chunked upload session.
type UploadStatus string

const (
	UploadInProgress UploadStatus = "IN_PROGRESS"
	UploadCompleted  UploadStatus = "COMPLETED"
)

func ParseUploadStatus(value string) (UploadStatus, error) {
	switch UploadStatus(strings.ToUpper(strings.TrimSpace(value))) {
	case UploadInProgress:
		return UploadInProgress, nil
	case UploadCompleted:
		return UploadCompleted, nil
	default:
		return "", fmt.Errorf("unknown upload status %q", value)
	}
}

// UploadSession records which chunks of a resumable upload have arrived.
// ReceivedChunks is kept sorted and free of duplicates.
type UploadSession struct {
	ID             string       `json:"id"`
	Filename       string       `json:"filename"`
	TotalSize      int64        `json:"totalSize"`
	ChunkSize      int64        `json:"chunkSize"`
	TotalChunks    int          `json:"totalChunks"`
	ReceivedChunks []int        `json:"receivedChunks"`
	Status         UploadStatus `json:"status"`
	CreatedAt      time.Time    `json:"createdAt"`
	ExpiresAt      time.Time    `json:"expiresAt"`
}

// TotalChunksFor returns ceil(totalSize/chunkSize).
func TotalChunksFor(totalSize, chunkSize int64) int {
	if totalSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((totalSize + chunkSize - 1) / chunkSize)
}

// HasChunk reports whether the index has already been admitted.
func (s UploadSession) HasChunk(index int) bool {
	i := sort.SearchInts(s.ReceivedChunks, index)
	return i < len(s.ReceivedChunks) && s.ReceivedChunks[i] == index
}

// AddChunk records an admitted index. It returns false when the index was
// already present, leaving the set unchanged.
func (s *UploadSession) AddChunk(index int) bool {
	i := sort.SearchInts(s.ReceivedChunks, index)
	if i < len(s.ReceivedChunks) && s.ReceivedChunks[i] == index {
		return false
	}
	s.ReceivedChunks = append(s.ReceivedChunks, 0)
	copy(s.ReceivedChunks[i+1:], s.ReceivedChunks[i:])
	s.ReceivedChunks[i] = index
	return true
}

func (s UploadSession) ChunkCount() int {
	return len(s.ReceivedChunks)
}

// IsComplete reports whether every chunk index has been admitted.
func (s UploadSession) IsComplete() bool {
	return s.TotalChunks > 0 && len(s.ReceivedChunks) == s.TotalChunks
}

// MissingChunks lists indices not yet admitted, ascending.
func (s UploadSession) MissingChunks() []int {
	missing := make([]int, 0, s.TotalChunks-len(s.ReceivedChunks))
	for i := 0; i < s.TotalChunks; i++ {
		if !s.HasChunk(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

// ProgressPercent returns the admitted share of chunks in percent.
func (s UploadSession) ProgressPercent() float64 {
	if s.TotalChunks == 0 {
		return 0
	}
	return float64(len(s.ReceivedChunks)) / float64(s.TotalChunks) * 100
}

func (s UploadSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Clone returns a deep copy safe to hand across goroutines.
func (s UploadSession) Clone() UploadSession {
	clone := s
	if s.ReceivedChunks != nil {
		clone.ReceivedChunks = append([]int(nil), s.ReceivedChunks...)
	}
	return clone
}

// UploadProgress is the read-only projection returned to uploaders.
type UploadProgress struct {
	UploadID       string       `json:"uploadId"`
	UploadedChunks int          `json:"uploadedChunks"`
	TotalChunks    int          `json:"totalChunks"`
	ChunkSize      int64        `json:"chunkSize"`
	Progress       float64      `json:"progress"`
	Status         UploadStatus `json:"status"`
	MissingChunks  []int        `json:"missingChunks,omitempty"`
}

// Progress projects the session into an UploadProgress value.
func (s UploadSession) Progress() UploadProgress {
	progress := UploadProgress{
		UploadID:       s.ID,
		UploadedChunks: len(s.ReceivedChunks),
		TotalChunks:    s.TotalChunks,
		ChunkSize:      s.ChunkSize,
		Progress:       s.ProgressPercent(),
		Status:         s.Status,
	}
	if s.Status == UploadInProgress {
		progress.MissingChunks = s.MissingChunks()
	}
	return progress
}
