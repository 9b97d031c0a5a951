package gorm

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	domainsub "github.com/lyqingye/fetchd/internal/domain/subscription"
	domaintask "github.com/lyqingye/fetchd/internal/domain/task"
	domaintorrent "github.com/lyqingye/fetchd/internal/domain/torrent"
	apperrors "github.com/lyqingye/fetchd/pkg/errors"
)

// FetchStore is the GORM-backed implementation of the actor's Store,
// the reconciler's ReconcilerStore, and the scheduler's superset Store
// — every persistence seam the engine needs, backed by four tables:
// torrent_download_tasks, torrents, subscriptions and
// episode_download_tasks.
type FetchStore struct {
	db *gorm.DB
}

// NewFetchStore builds a FetchStore over db.
func NewFetchStore(db *gorm.DB) *FetchStore {
	return &FetchStore{db: db}
}

// ResourceForTask resolves the resource a task was created with (or
// most recently retargeted to by manual fallback), for handing to an
// adapter's AddTask.
func (s *FetchStore) ResourceForTask(ctx context.Context, infoHash string) (domaintorrent.Resource, error) {
	var model TorrentDownloadTaskModel
	if err := s.db.WithContext(ctx).First(&model, "info_hash = ?", infoHash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domaintorrent.Resource{}, apperrors.New(apperrors.ErrorTypeResourceNotFound, "no task row for "+infoHash)
		}
		return domaintorrent.Resource{}, err
	}
	return model.resource()
}

// SetTaskResource upserts only the Resource* columns, leaving every
// other column as-is (or default-zero on first insert).
func (s *FetchStore) SetTaskResource(ctx context.Context, infoHash string, resource domaintorrent.Resource) error {
	return s.transact(func(tx *FetchStore) error {
		var model TorrentDownloadTaskModel
		if err := tx.db.WithContext(ctx).FirstOrInit(&model, "info_hash = ?", infoHash).Error; err != nil {
			return err
		}
		model.setResource(resource)
		return tx.db.WithContext(ctx).Save(&model).Error
	})
}

// SaveTask upserts every task-owned column, preserving whatever
// resource was already recorded for this info hash.
func (s *FetchStore) SaveTask(ctx context.Context, t *domaintask.Task) error {
	return s.transact(func(tx *FetchStore) error {
		var model TorrentDownloadTaskModel
		if err := tx.db.WithContext(ctx).FirstOrInit(&model, "info_hash = ?", t.InfoHash()).Error; err != nil {
			return err
		}
		model.applyTask(t)
		return tx.db.WithContext(ctx).Save(&model).Error
	})
}

// LoadTask loads a single task by info hash.
func (s *FetchStore) LoadTask(ctx context.Context, infoHash string) (*domaintask.Task, error) {
	var model TorrentDownloadTaskModel
	if err := s.db.WithContext(ctx).First(&model, "info_hash = ?", infoHash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.New(apperrors.ErrorTypeTaskNotFound, "task not found: "+infoHash)
		}
		return nil, err
	}
	return model.toDomain(), nil
}

// DeleteTask removes a task row outright, used once an Episode Task
// has consumed its terminal result and no longer needs it retained.
func (s *FetchStore) DeleteTask(ctx context.Context, infoHash string) error {
	return s.db.WithContext(ctx).Delete(&TorrentDownloadTaskModel{}, "info_hash = ?", infoHash).Error
}

// ActiveTasks returns every task whose status is still one the
// reconciler and cache care about (Pending, Downloading, Paused).
func (s *FetchStore) ActiveTasks(ctx context.Context) ([]*domaintask.Task, error) {
	var models []TorrentDownloadTaskModel
	statuses := []string{string(domaintask.StatusPending), string(domaintask.StatusDownloading), string(domaintask.StatusPaused)}
	if err := s.db.WithContext(ctx).Where("status IN ?", statuses).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*domaintask.Task, len(models))
	for i := range models {
		out[i] = models[i].toDomain()
	}
	return out, nil
}

// RetryingTasksDueForRetry returns every Retrying task whose
// next_retry_at has elapsed.
func (s *FetchStore) RetryingTasksDueForRetry(ctx context.Context, now time.Time) ([]*domaintask.Task, error) {
	var models []TorrentDownloadTaskModel
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", string(domaintask.StatusRetrying), now).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]*domaintask.Task, len(models))
	for i := range models {
		out[i] = models[i].toDomain()
	}
	return out, nil
}

// SaveTorrentRecord upserts a cached search result by info hash.
func (s *FetchStore) SaveTorrentRecord(ctx context.Context, rec domaintorrent.Record) error {
	return s.transact(func(tx *FetchStore) error {
		model := fromTorrentRecord(rec)
		model.CreatedAt = time.Now()
		var existing TorrentRecordModel
		err := tx.db.WithContext(ctx).First(&existing, "info_hash = ?", rec.InfoHash).Error
		switch {
		case err == nil:
			model.CreatedAt = existing.CreatedAt
		case errors.Is(err, gorm.ErrRecordNotFound):
			// first sighting, keep model.CreatedAt = now
		default:
			return err
		}
		return tx.db.WithContext(ctx).Save(model).Error
	})
}

// CandidatesForBangumi lists every cached torrent record for bangumiID,
// each still carrying its raw parsed episode number exactly as the
// external parser reported it. The caller (SubscriptionWorker) applies
// the subscription's episode-numbering correction before matching a
// candidate to an Episode Task, since that correction is
// per-subscription, not a property the store can apply on its own.
func (s *FetchStore) CandidatesForBangumi(ctx context.Context, bangumiID int64) ([]domaintorrent.Record, error) {
	var models []TorrentRecordModel
	if err := s.db.WithContext(ctx).Where("bangumi_id = ?", bangumiID).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domaintorrent.Record, 0, len(models))
	for i := range models {
		rec, err := models[i].toDomain()
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// SaveSubscription upserts sub by ID.
func (s *FetchStore) SaveSubscription(ctx context.Context, sub *domainsub.Subscription) error {
	return s.db.WithContext(ctx).Save(fromSubscription(sub)).Error
}

// Subscriptions lists every subscription, paused or not — the
// Supervisor itself filters by Paused when deciding whether to spawn
// a worker.
func (s *FetchStore) Subscriptions(ctx context.Context) ([]*domainsub.Subscription, error) {
	var models []SubscriptionModel
	if err := s.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*domainsub.Subscription, len(models))
	for i := range models {
		out[i] = models[i].toDomain()
	}
	return out, nil
}

// SaveEpisodeTask upserts et by ID.
func (s *FetchStore) SaveEpisodeTask(ctx context.Context, et *domainsub.EpisodeTask) error {
	return s.db.WithContext(ctx).Save(fromEpisodeTask(et)).Error
}

// EpisodeTaskByID loads a single episode task by its primary key.
func (s *FetchStore) EpisodeTaskByID(ctx context.Context, id string) (*domainsub.EpisodeTask, error) {
	var model EpisodeDownloadTaskModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.New(apperrors.ErrorTypeTaskNotFound, "episode task not found: "+id)
		}
		return nil, err
	}
	return model.toDomain(), nil
}

// EpisodeTasks lists every episode task belonging to subscriptionID.
func (s *FetchStore) EpisodeTasks(ctx context.Context, subscriptionID string) ([]*domainsub.EpisodeTask, error) {
	var models []EpisodeDownloadTaskModel
	if err := s.db.WithContext(ctx).Where("subscription_id = ?", subscriptionID).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*domainsub.EpisodeTask, len(models))
	for i := range models {
		out[i] = models[i].toDomain()
	}
	return out, nil
}
