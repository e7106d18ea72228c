package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aym-n/pixl/internal/models"
)

// MemoryRepository keeps every record in process memory. It backs tests and
// single-process development runs.
type MemoryRepository struct {
	mu        sync.RWMutex
	sessions  map[string]models.UploadSession
	assets    map[string]models.Asset
	jobs      map[string]models.TranscodeJob
	jobOrder  map[string][]string
	jobByPair map[string]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions:  make(map[string]models.UploadSession),
		assets:    make(map[string]models.Asset),
		jobs:      make(map[string]models.TranscodeJob),
		jobOrder:  make(map[string][]string),
		jobByPair: make(map[string]string),
	}
}

func (r *MemoryRepository) Ping(context.Context) error  { return nil }
func (r *MemoryRepository) Close(context.Context) error { return nil }

func (r *MemoryRepository) CreateSession(_ context.Context, session models.UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[session.ID]; exists {
		return ErrConflict
	}
	r.sessions[session.ID] = session.Clone()
	return nil
}

func (r *MemoryRepository) GetSession(_ context.Context, id string) (models.UploadSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[id]
	if !ok {
		return models.UploadSession{}, ErrNotFound
	}
	return session.Clone(), nil
}

func (r *MemoryRepository) AddChunk(_ context.Context, id string, index int) (models.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return models.UploadSession{}, ErrNotFound
	}
	session = session.Clone()
	session.AddChunk(index)
	r.sessions[id] = session
	return session.Clone(), nil
}

func (r *MemoryRepository) MarkSessionCompleted(_ context.Context, id string) (models.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return models.UploadSession{}, ErrNotFound
	}
	session = session.Clone()
	session.Status = models.UploadCompleted
	r.sessions[id] = session
	return session.Clone(), nil
}

func (r *MemoryRepository) ListExpiredSessions(_ context.Context, now time.Time, limit int) ([]models.UploadSession, error) {
	limit = clampLimit(limit, defaultListLimit)
	r.mu.RLock()
	defer r.mu.RUnlock()
	expired := make([]models.UploadSession, 0)
	for _, session := range r.sessions {
		if session.Status == models.UploadInProgress && session.Expired(now) {
			expired = append(expired, session.Clone())
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (r *MemoryRepository) DeleteSession(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(r.sessions, id)
	return nil
}

func (r *MemoryRepository) CreateAsset(_ context.Context, asset models.Asset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.assets[asset.ID]; exists {
		return ErrConflict
	}
	r.assets[asset.ID] = asset
	return nil
}

func (r *MemoryRepository) GetAsset(_ context.Context, id string) (models.Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	asset, ok := r.assets[id]
	if !ok {
		return models.Asset{}, ErrNotFound
	}
	return asset, nil
}

func (r *MemoryRepository) UpdateAsset(_ context.Context, id string, fn AssetMutation) (models.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	asset, ok := r.assets[id]
	if !ok {
		return models.Asset{}, ErrNotFound
	}
	if err := fn(&asset); err != nil {
		return models.Asset{}, err
	}
	asset.ID = id
	r.assets[id] = asset
	return asset, nil
}

func (r *MemoryRepository) ListAssets(_ context.Context, limit int) ([]models.Asset, error) {
	limit = clampLimit(limit, defaultListLimit)
	r.mu.RLock()
	defer r.mu.RUnlock()
	assets := make([]models.Asset, 0, len(r.assets))
	for _, asset := range r.assets {
		assets = append(assets, asset)
	}
	sortAssetsNewestFirst(assets)
	if len(assets) > limit {
		assets = assets[:limit]
	}
	return assets, nil
}

func (r *MemoryRepository) IncrementViews(_ context.Context, id string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	asset, ok := r.assets[id]
	if !ok {
		return 0, ErrNotFound
	}
	asset.ViewCount++
	r.assets[id] = asset
	return asset.ViewCount, nil
}

func (r *MemoryRepository) DeleteAsset(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.assets[id]; !ok {
		return ErrNotFound
	}
	delete(r.assets, id)
	return nil
}

func (r *MemoryRepository) CreateJob(_ context.Context, job models.TranscodeJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return ErrConflict
	}
	pair := jobPairKey(job.AssetID, job.Rendition)
	if _, exists := r.jobByPair[pair]; exists {
		return ErrConflict
	}
	r.jobs[job.ID] = job
	r.jobByPair[pair] = job.ID
	r.jobOrder[job.AssetID] = append(r.jobOrder[job.AssetID], job.ID)
	return nil
}

func (r *MemoryRepository) GetJob(_ context.Context, id string) (models.TranscodeJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return models.TranscodeJob{}, ErrNotFound
	}
	return job, nil
}

func (r *MemoryRepository) UpdateJob(_ context.Context, id string, fn JobMutation) (models.TranscodeJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return models.TranscodeJob{}, ErrNotFound
	}
	if err := fn(&job); err != nil {
		return models.TranscodeJob{}, err
	}
	stored := r.jobs[id]
	job.ID, job.AssetID, job.Rendition, job.CreatedAt = stored.ID, stored.AssetID, stored.Rendition, stored.CreatedAt
	r.jobs[id] = job
	return job, nil
}

func (r *MemoryRepository) ListJobsByAsset(_ context.Context, assetID string) ([]models.TranscodeJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.jobOrder[assetID]
	jobs := make([]models.TranscodeJob, 0, len(ids))
	for _, id := range ids {
		jobs = append(jobs, r.jobs[id])
	}
	return jobs, nil
}

func (r *MemoryRepository) CountJobsByStatus(_ context.Context, status models.JobStatus) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, job := range r.jobs {
		if job.Status == status {
			count++
		}
	}
	return count, nil
}

func jobPairKey(assetID string, rendition models.Rendition) string {
	return assetID + "/" + string(rendition)
}

func sortAssetsNewestFirst(assets []models.Asset) {
	sort.Slice(assets, func(i, j int) bool {
		if assets[i].CreatedAt.Equal(assets[j].CreatedAt) {
			return assets[i].ID > assets[j].ID
		}
		return assets[i].CreatedAt.After(assets[j].CreatedAt)
	})
}
