package gorm

import (
	"strings"
	"time"

	domainsub "github.com/lyqingye/fetchd/internal/domain/subscription"
	domaintask "github.com/lyqingye/fetchd/internal/domain/task"
	domaintorrent "github.com/lyqingye/fetchd/internal/domain/torrent"
	apperrors "github.com/lyqingye/fetchd/pkg/errors"
)

// TorrentDownloadTaskModel is the row backing one TorrentDownloadTask,
// keyed by its natural info_hash primary key. The Resource* columns
// are written once by SetTaskResource and read back by ResourceForTask;
// SaveTask never touches them.
type TorrentDownloadTaskModel struct {
	InfoHash        string `gorm:"column:info_hash;primaryKey"`
	EpisodeTaskID   string `gorm:"column:episode_task_id;index"`
	Status          string `gorm:"column:status;not null"`
	DownloaderChain string `gorm:"column:downloader_chain"`
	AllowFallback   bool   `gorm:"column:allow_fallback;not null"`
	Dir             string `gorm:"column:dir"`
	ErrMsg          string `gorm:"column:err_msg"`
	RetryCount      int    `gorm:"column:retry_count;not null;default:0"`
	NextRetryAt     *time.Time `gorm:"column:next_retry_at;index"`
	Result          string `gorm:"column:result"`
	Tid             string `gorm:"column:tid"`
	Context         string `gorm:"column:context"`

	ResourceKind        string `gorm:"column:resource_kind"`
	ResourceMagnet      string `gorm:"column:resource_magnet"`
	ResourceTorrentURL  string `gorm:"column:resource_torrent_url"`
	ResourceTorrentFile []byte `gorm:"column:resource_torrent_file"`

	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (TorrentDownloadTaskModel) TableName() string { return "torrent_download_tasks" }

// applyTask overwrites every task-owned column (not the Resource*
// columns) from t.
func (m *TorrentDownloadTaskModel) applyTask(t *domaintask.Task) {
	m.InfoHash = t.InfoHash()
	m.EpisodeTaskID = t.EpisodeTaskID()
	m.Status = string(t.Status())
	m.DownloaderChain = t.DownloaderChainString()
	m.AllowFallback = t.AllowFallback()
	m.Dir = t.Dir()
	m.ErrMsg = t.ErrMsg()
	m.RetryCount = t.RetryCount()
	m.NextRetryAt = t.NextRetryAt()
	m.Result = t.Result()
	m.Tid = t.Tid()
	m.Context = t.Context()
	m.CreatedAt = t.CreatedAt()
	m.UpdatedAt = t.UpdatedAt()
}

func (m *TorrentDownloadTaskModel) toDomain() *domaintask.Task {
	var chain []string
	if m.DownloaderChain != "" {
		chain = strings.Split(m.DownloaderChain, ",")
	}
	return domaintask.Hydrate(
		m.InfoHash, m.EpisodeTaskID, domaintask.Status(m.Status), chain, m.AllowFallback, m.Dir,
		m.ErrMsg, m.RetryCount, m.NextRetryAt, m.Result, m.Tid, m.Context, m.CreatedAt, m.UpdatedAt,
	)
}

func (m *TorrentDownloadTaskModel) resource() (domaintorrent.Resource, error) {
	switch domaintorrent.Kind(m.ResourceKind) {
	case domaintorrent.KindMagnet:
		return domaintorrent.NewMagnetResource(m.ResourceMagnet)
	case domaintorrent.KindTorrentURL:
		return domaintorrent.NewTorrentURLResource(m.ResourceTorrentURL, m.InfoHash)
	case domaintorrent.KindTorrentFile:
		return domaintorrent.NewTorrentFileResource(m.InfoHash, m.ResourceTorrentFile)
	default:
		return domaintorrent.Resource{}, apperrors.New(apperrors.ErrorTypeResourceNotFound, "no resource recorded for task "+m.InfoHash)
	}
}

func (m *TorrentDownloadTaskModel) setResource(r domaintorrent.Resource) {
	m.InfoHash = r.InfoHash()
	m.ResourceKind = string(r.Kind())
	switch r.Kind() {
	case domaintorrent.KindMagnet:
		m.ResourceMagnet = r.Magnet()
	case domaintorrent.KindTorrentURL:
		m.ResourceTorrentURL = r.TorrentURL()
	case domaintorrent.KindTorrentFile:
		m.ResourceTorrentFile = r.TorrentFile()
	}
}

// TorrentRecordModel is the row backing one cached search result,
// flattening Attributes into the row since it is never queried on its
// own.
type TorrentRecordModel struct {
	InfoHash     string    `gorm:"column:info_hash;primaryKey"`
	BangumiID    int64     `gorm:"column:bangumi_id;index:idx_torrent_bangumi_episode"`
	Title        string    `gorm:"column:title"`
	SizeBytes    int64     `gorm:"column:size_bytes"`
	PubDate      time.Time `gorm:"column:pub_date"`
	ReleaseGroup string    `gorm:"column:release_group"`
	Resolution   int       `gorm:"column:resolution"`
	Languages    string    `gorm:"column:languages"` // comma-joined language tags
	Episode      int       `gorm:"column:episode;index:idx_torrent_bangumi_episode"`
	IsBatch      bool      `gorm:"column:is_batch"`

	ResourceKind        string `gorm:"column:resource_kind"`
	ResourceMagnet      string `gorm:"column:resource_magnet"`
	ResourceTorrentURL  string `gorm:"column:resource_torrent_url"`
	ResourceTorrentFile []byte `gorm:"column:resource_torrent_file"`

	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (TorrentRecordModel) TableName() string { return "torrents" }

func fromTorrentRecord(rec domaintorrent.Record) *TorrentRecordModel {
	m := &TorrentRecordModel{
		InfoHash:     rec.InfoHash,
		BangumiID:    rec.BangumiID,
		Title:        rec.Title,
		SizeBytes:    rec.SizeBytes,
		PubDate:      rec.PubDate,
		ReleaseGroup: rec.ReleaseGroup,
		Resolution:   int(rec.Attributes.Resolution),
		Languages:    strings.Join(rec.Attributes.Languages, ","),
		Episode:      rec.Attributes.Episode,
		IsBatch:      rec.Attributes.IsBatch,
	}
	m.ResourceKind = string(rec.Resource.Kind())
	switch rec.Resource.Kind() {
	case domaintorrent.KindMagnet:
		m.ResourceMagnet = rec.Resource.Magnet()
	case domaintorrent.KindTorrentURL:
		m.ResourceTorrentURL = rec.Resource.TorrentURL()
	case domaintorrent.KindTorrentFile:
		m.ResourceTorrentFile = rec.Resource.TorrentFile()
	}
	return m
}

func (m *TorrentRecordModel) toDomain() (domaintorrent.Record, error) {
	var resource domaintorrent.Resource
	var err error
	switch domaintorrent.Kind(m.ResourceKind) {
	case domaintorrent.KindMagnet:
		resource, err = domaintorrent.NewMagnetResource(m.ResourceMagnet)
	case domaintorrent.KindTorrentURL:
		resource, err = domaintorrent.NewTorrentURLResource(m.ResourceTorrentURL, m.InfoHash)
	case domaintorrent.KindTorrentFile:
		resource, err = domaintorrent.NewTorrentFileResource(m.InfoHash, m.ResourceTorrentFile)
	}
	if err != nil {
		return domaintorrent.Record{}, err
	}
	var langs []string
	if m.Languages != "" {
		langs = strings.Split(m.Languages, ",")
	}
	return domaintorrent.Record{
		InfoHash:     m.InfoHash,
		BangumiID:    m.BangumiID,
		Title:        m.Title,
		Resource:     resource,
		SizeBytes:    m.SizeBytes,
		PubDate:      m.PubDate,
		ReleaseGroup: m.ReleaseGroup,
		Attributes: domaintorrent.Attributes{
			Resolution:   domaintorrent.Resolution(m.Resolution),
			Languages:    langs,
			ReleaseGroup: m.ReleaseGroup,
			Episode:      m.Episode,
			IsBatch:      m.IsBatch,
		},
	}, nil
}

// SubscriptionModel is the row backing one Subscription.
type SubscriptionModel struct {
	ID                           string `gorm:"column:id;primaryKey"`
	BangumiID                    int64  `gorm:"column:bangumi_id;uniqueIndex"`
	StartEpisodeNumber           int    `gorm:"column:start_episode_number"`
	FilterResolutions            string `gorm:"column:filter_resolutions"`
	FilterLanguages              string `gorm:"column:filter_languages"`
	FilterReleaseGroups          string `gorm:"column:filter_release_groups"`
	DownloadDir                  string `gorm:"column:download_dir"`
	CollectInterval              int64  `gorm:"column:collect_interval_ns"`
	MetadataInterval             int64  `gorm:"column:metadata_interval_ns"`
	EnforceReleaseAfterBroadcast bool   `gorm:"column:enforce_release_after_broadcast"`
	PreferredDownloader          string `gorm:"column:preferred_downloader"`
	AllowFallback                bool   `gorm:"column:allow_fallback"`
	Paused                       bool   `gorm:"column:paused"`

	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (SubscriptionModel) TableName() string { return "subscriptions" }

func fromSubscription(s *domainsub.Subscription) *SubscriptionModel {
	return &SubscriptionModel{
		ID:                           s.ID,
		BangumiID:                    s.BangumiID,
		StartEpisodeNumber:           s.StartEpisodeNumber,
		FilterResolutions:            s.Filter.Resolutions,
		FilterLanguages:              s.Filter.Languages,
		FilterReleaseGroups:          s.Filter.ReleaseGroups,
		DownloadDir:                  s.DownloadDir,
		CollectInterval:              int64(s.CollectInterval),
		MetadataInterval:             int64(s.MetadataInterval),
		EnforceReleaseAfterBroadcast: s.EnforceReleaseAfterBroadcast,
		PreferredDownloader:          s.PreferredDownloader,
		AllowFallback:                s.AllowFallback,
		Paused:                       s.Paused,
		CreatedAt:                    s.CreatedAt,
		UpdatedAt:                    s.UpdatedAt,
	}
}

func (m *SubscriptionModel) toDomain() *domainsub.Subscription {
	return &domainsub.Subscription{
		ID:                 m.ID,
		BangumiID:          m.BangumiID,
		StartEpisodeNumber: m.StartEpisodeNumber,
		Filter: domaintorrent.Filter{
			Resolutions:   m.FilterResolutions,
			Languages:     m.FilterLanguages,
			ReleaseGroups: m.FilterReleaseGroups,
		},
		DownloadDir:                  m.DownloadDir,
		CollectInterval:              time.Duration(m.CollectInterval),
		MetadataInterval:             time.Duration(m.MetadataInterval),
		EnforceReleaseAfterBroadcast: m.EnforceReleaseAfterBroadcast,
		PreferredDownloader:          m.PreferredDownloader,
		AllowFallback:                m.AllowFallback,
		Paused:                       m.Paused,
		CreatedAt:                    m.CreatedAt,
		UpdatedAt:                    m.UpdatedAt,
	}
}

// EpisodeDownloadTaskModel is the row backing one Episode Task.
type EpisodeDownloadTaskModel struct {
	ID             string    `gorm:"column:id;primaryKey"`
	SubscriptionID string    `gorm:"column:subscription_id;index"`
	EpisodeNumber  int       `gorm:"column:episode_number"`
	Status         string    `gorm:"column:status"`
	ActiveInfoHash string    `gorm:"column:active_info_hash"`
	AirDate        time.Time `gorm:"column:air_date"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
	UpdatedAt      time.Time `gorm:"column:updated_at;not null"`
}

func (EpisodeDownloadTaskModel) TableName() string { return "episode_download_tasks" }

func fromEpisodeTask(et *domainsub.EpisodeTask) *EpisodeDownloadTaskModel {
	return &EpisodeDownloadTaskModel{
		ID:             et.ID,
		SubscriptionID: et.SubscriptionID,
		EpisodeNumber:  et.EpisodeNumber,
		Status:         string(et.Status),
		ActiveInfoHash: et.ActiveInfoHash,
		AirDate:        et.AirDate,
		CreatedAt:      et.CreatedAt,
		UpdatedAt:      et.UpdatedAt,
	}
}

func (m *EpisodeDownloadTaskModel) toDomain() *domainsub.EpisodeTask {
	return &domainsub.EpisodeTask{
		ID:             m.ID,
		SubscriptionID: m.SubscriptionID,
		EpisodeNumber:  m.EpisodeNumber,
		Status:         domainsub.EpisodeStatus(m.Status),
		ActiveInfoHash: m.ActiveInfoHash,
		AirDate:        m.AirDate,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}
