package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/aym-n/pixl/internal/models"
)

// Key layout:
//
//	session/<id>                          JSON UploadSession
//	asset/<id>                            JSON Asset
//	job/<id>                              JSON TranscodeJob
//	jobidx/<assetId>/<createdNanos>/<id>  empty, orders jobs per asset
//	jobpair/<assetId>/<rendition>         job id, enforces one job per pair
const (
	prefixSession = "session/"
	prefixAsset   = "asset/"
	prefixJob     = "job/"
	prefixJobIdx  = "jobidx/"
	prefixJobPair = "jobpair/"
)

// PebbleRepository is an embedded single-node record store. Writes are
// serialised by one mutex so read-modify-write updates stay atomic.
type PebbleRepository struct {
	mu sync.Mutex
	db *pebble.DB
}

type PebbleOption func(*pebble.Options)

// WithPebbleFS overrides the filesystem, e.g. vfs.NewMem() in tests.
func WithPebbleFS(fs vfs.FS) PebbleOption {
	return func(opts *pebble.Options) {
		opts.FS = fs
	}
}

func NewPebbleRepository(dir string, opts ...PebbleOption) (*PebbleRepository, error) {
	options := &pebble.Options{}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}
	db, err := pebble.Open(dir, options)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	return &PebbleRepository{db: db}, nil
}

func (r *PebbleRepository) Ping(context.Context) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("pebble store not open")
	}
	return nil
}

func (r *PebbleRepository) Close(context.Context) error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *PebbleRepository) getJSON(key string, dest any) error {
	data, closer, err := r.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(data, dest)
}

func (r *PebbleRepository) exists(key string) (bool, error) {
	_, closer, err := r.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

func setJSON(batch *pebble.Batch, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return batch.Set([]byte(key), data, nil)
}

func (r *PebbleRepository) putJSON(key string, value any) error {
	batch := r.db.NewBatch()
	defer batch.Close()
	if err := setJSON(batch, key, value); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// scanPrefix calls fn for every value under prefix in key order.
func (r *PebbleRepository) scanPrefix(prefix string, fn func(key, value []byte) error) error {
	iter, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound([]byte(prefix)),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func prefixUpperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (r *PebbleRepository) CreateSession(_ context.Context, session models.UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := prefixSession + session.ID
	if found, err := r.exists(key); err != nil {
		return err
	} else if found {
		return ErrConflict
	}
	return r.putJSON(key, session)
}

func (r *PebbleRepository) GetSession(_ context.Context, id string) (models.UploadSession, error) {
	var session models.UploadSession
	if err := r.getJSON(prefixSession+id, &session); err != nil {
		return models.UploadSession{}, err
	}
	return session, nil
}

func (r *PebbleRepository) updateSession(id string, fn func(*models.UploadSession)) (models.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var session models.UploadSession
	if err := r.getJSON(prefixSession+id, &session); err != nil {
		return models.UploadSession{}, err
	}
	fn(&session)
	if err := r.putJSON(prefixSession+id, session); err != nil {
		return models.UploadSession{}, err
	}
	return session, nil
}

func (r *PebbleRepository) AddChunk(_ context.Context, id string, index int) (models.UploadSession, error) {
	return r.updateSession(id, func(session *models.UploadSession) {
		session.AddChunk(index)
	})
}

func (r *PebbleRepository) MarkSessionCompleted(_ context.Context, id string) (models.UploadSession, error) {
	return r.updateSession(id, func(session *models.UploadSession) {
		session.Status = models.UploadCompleted
	})
}

func (r *PebbleRepository) ListExpiredSessions(_ context.Context, now time.Time, limit int) ([]models.UploadSession, error) {
	limit = clampLimit(limit, defaultListLimit)
	expired := make([]models.UploadSession, 0)
	err := r.scanPrefix(prefixSession, func(_, value []byte) error {
		var session models.UploadSession
		if err := json.Unmarshal(value, &session); err != nil {
			return err
		}
		if session.Status == models.UploadInProgress && session.Expired(now) {
			expired = append(expired, session)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (r *PebbleRepository) deleteKey(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if found, err := r.exists(key); err != nil {
		return err
	} else if !found {
		return ErrNotFound
	}
	return r.db.Delete([]byte(key), pebble.Sync)
}

func (r *PebbleRepository) DeleteSession(_ context.Context, id string) error {
	return r.deleteKey(prefixSession + id)
}

func (r *PebbleRepository) CreateAsset(_ context.Context, asset models.Asset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := prefixAsset + asset.ID
	if found, err := r.exists(key); err != nil {
		return err
	} else if found {
		return ErrConflict
	}
	return r.putJSON(key, asset)
}

func (r *PebbleRepository) GetAsset(_ context.Context, id string) (models.Asset, error) {
	var asset models.Asset
	if err := r.getJSON(prefixAsset+id, &asset); err != nil {
		return models.Asset{}, err
	}
	return asset, nil
}

func (r *PebbleRepository) UpdateAsset(_ context.Context, id string, fn AssetMutation) (models.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var asset models.Asset
	if err := r.getJSON(prefixAsset+id, &asset); err != nil {
		return models.Asset{}, err
	}
	if err := fn(&asset); err != nil {
		return models.Asset{}, err
	}
	asset.ID = id
	if err := r.putJSON(prefixAsset+id, asset); err != nil {
		return models.Asset{}, err
	}
	return asset, nil
}

func (r *PebbleRepository) ListAssets(_ context.Context, limit int) ([]models.Asset, error) {
	limit = clampLimit(limit, defaultListLimit)
	assets := make([]models.Asset, 0)
	err := r.scanPrefix(prefixAsset, func(_, value []byte) error {
		var asset models.Asset
		if err := json.Unmarshal(value, &asset); err != nil {
			return err
		}
		assets = append(assets, asset)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortAssetsNewestFirst(assets)
	if len(assets) > limit {
		assets = assets[:limit]
	}
	return assets, nil
}

func (r *PebbleRepository) IncrementViews(ctx context.Context, id string) (int64, error) {
	asset, err := r.UpdateAsset(ctx, id, func(asset *models.Asset) error {
		asset.ViewCount++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return asset.ViewCount, nil
}

func (r *PebbleRepository) DeleteAsset(_ context.Context, id string) error {
	return r.deleteKey(prefixAsset + id)
}

func jobIndexKey(job models.TranscodeJob) string {
	return fmt.Sprintf("%s%s/%020d/%s", prefixJobIdx, job.AssetID, job.CreatedAt.UnixNano(), job.ID)
}

func (r *PebbleRepository) CreateJob(_ context.Context, job models.TranscodeJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pairKey := prefixJobPair + jobPairKey(job.AssetID, job.Rendition)
	for _, key := range []string{prefixJob + job.ID, pairKey} {
		if found, err := r.exists(key); err != nil {
			return err
		} else if found {
			return ErrConflict
		}
	}
	batch := r.db.NewBatch()
	defer batch.Close()
	if err := setJSON(batch, prefixJob+job.ID, job); err != nil {
		return err
	}
	if err := batch.Set([]byte(jobIndexKey(job)), nil, nil); err != nil {
		return err
	}
	if err := batch.Set([]byte(pairKey), []byte(job.ID), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (r *PebbleRepository) GetJob(_ context.Context, id string) (models.TranscodeJob, error) {
	var job models.TranscodeJob
	if err := r.getJSON(prefixJob+id, &job); err != nil {
		return models.TranscodeJob{}, err
	}
	return job, nil
}

func (r *PebbleRepository) UpdateJob(_ context.Context, id string, fn JobMutation) (models.TranscodeJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var job models.TranscodeJob
	if err := r.getJSON(prefixJob+id, &job); err != nil {
		return models.TranscodeJob{}, err
	}
	identity := job
	if err := fn(&job); err != nil {
		return models.TranscodeJob{}, err
	}
	job.ID, job.AssetID, job.Rendition, job.CreatedAt = identity.ID, identity.AssetID, identity.Rendition, identity.CreatedAt
	if err := r.putJSON(prefixJob+id, job); err != nil {
		return models.TranscodeJob{}, err
	}
	return job, nil
}

func (r *PebbleRepository) ListJobsByAsset(_ context.Context, assetID string) ([]models.TranscodeJob, error) {
	var ids []string
	err := r.scanPrefix(prefixJobIdx+assetID+"/", func(key, _ []byte) error {
		idx := bytes.LastIndexByte(key, '/')
		ids = append(ids, string(key[idx+1:]))
		return nil
	})
	if err != nil {
		return nil, err
	}
	jobs := make([]models.TranscodeJob, 0, len(ids))
	for _, id := range ids {
		var job models.TranscodeJob
		if err := r.getJSON(prefixJob+id, &job); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *PebbleRepository) CountJobsByStatus(_ context.Context, status models.JobStatus) (int, error) {
	count := 0
	err := r.scanPrefix(prefixJob, func(_, value []byte) error {
		var job models.TranscodeJob
		if err := json.Unmarshal(value, &job); err != nil {
			return err
		}
		if job.Status == status {
			count++
		}
		return nil
	})
	return count, err
}
