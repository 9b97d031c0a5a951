package gorm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	domainsub "github.com/lyqingye/fetchd/internal/domain/subscription"
	domaintask "github.com/lyqingye/fetchd/internal/domain/task"
	domaintorrent "github.com/lyqingye/fetchd/internal/domain/torrent"
	apperrors "github.com/lyqingye/fetchd/pkg/errors"
)

const testHash = "e93a1a84df5f95b0a350ef4c25b91c2c88adce4b"

type FetchStoreSuite struct {
	suite.Suite
	store *FetchStore
	ctx   context.Context
}

func TestFetchStoreSuite(t *testing.T) {
	suite.Run(t, new(FetchStoreSuite))
}

func (s *FetchStoreSuite) SetupTest() {
	s.store = NewFetchStore(NewTestDB(s.T()))
	s.ctx = context.Background()
}

func (s *FetchStoreSuite) magnetResource() domaintorrent.Resource {
	r, err := domaintorrent.NewMagnetResource("magnet:?xt=urn:btih:" + testHash)
	require.NoError(s.T(), err)
	return r
}

func (s *FetchStoreSuite) TestSaveAndLoadTaskRoundTrip() {
	tk, err := domaintask.New(testHash, "sub-1-ep3", "Frieren", true)
	require.NoError(s.T(), err)
	tk.AssignDownloader("qbittorrent")
	tk.AssignDownloader("transmission")
	tk.SetTidAndContext(testHash, "ctx-blob")
	tk.SetStatus(domaintask.StatusDownloading)

	require.NoError(s.T(), s.store.SaveTask(s.ctx, tk))

	loaded, err := s.store.LoadTask(s.ctx, testHash)
	require.NoError(s.T(), err)
	s.Equal(testHash, loaded.InfoHash())
	s.Equal("sub-1-ep3", loaded.EpisodeTaskID())
	s.Equal("Frieren", loaded.Dir())
	s.Equal(domaintask.StatusDownloading, loaded.Status())
	s.Equal([]string{"qbittorrent", "transmission"}, loaded.DownloaderChain())
	s.Equal("transmission", loaded.Downloader())
	s.Equal("ctx-blob", loaded.Context())
	s.True(loaded.AllowFallback())
}

func (s *FetchStoreSuite) TestSaveTaskIsAnUpsert() {
	tk, err := domaintask.New(testHash, "ep", "", false)
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.store.SaveTask(s.ctx, tk))

	tk.SetStatus(domaintask.StatusFailed)
	tk.SetError("boom")
	require.NoError(s.T(), s.store.SaveTask(s.ctx, tk))

	loaded, err := s.store.LoadTask(s.ctx, testHash)
	require.NoError(s.T(), err)
	s.Equal(domaintask.StatusFailed, loaded.Status())
	s.Equal("boom", loaded.ErrMsg())

	var count int64
	require.NoError(s.T(), s.store.db.Model(&TorrentDownloadTaskModel{}).Count(&count).Error)
	s.EqualValues(1, count, "upsert must never duplicate the row")
}

// The resource columns written by SetTaskResource must survive a later
// SaveTask, and reconstruct into a Resource of the same kind carrying
// the same info hash.
func (s *FetchStoreSuite) TestResourceRoundTripSurvivesTaskSaves() {
	resource := s.magnetResource()
	require.NoError(s.T(), s.store.SetTaskResource(s.ctx, testHash, resource))

	tk, err := domaintask.New(testHash, "ep", "", false)
	require.NoError(s.T(), err)
	tk.SetStatus(domaintask.StatusRetrying)
	require.NoError(s.T(), s.store.SaveTask(s.ctx, tk))

	got, err := s.store.ResourceForTask(s.ctx, testHash)
	require.NoError(s.T(), err)
	s.Equal(domaintorrent.KindMagnet, got.Kind())
	s.Equal(testHash, got.InfoHash())
	s.Equal(resource.Magnet(), got.Magnet())
}

func (s *FetchStoreSuite) TestResourceForTaskMissing() {
	_, err := s.store.ResourceForTask(s.ctx, testHash)
	require.Error(s.T(), err)
	var appErr *apperrors.AppError
	require.ErrorAs(s.T(), err, &appErr)
	s.Equal(apperrors.ErrorTypeResourceNotFound, appErr.Type)
}

func (s *FetchStoreSuite) TestLoadTaskMissing() {
	_, err := s.store.LoadTask(s.ctx, testHash)
	require.Error(s.T(), err)
	var appErr *apperrors.AppError
	require.ErrorAs(s.T(), err, &appErr)
	s.Equal(apperrors.ErrorTypeTaskNotFound, appErr.Type)
}

func (s *FetchStoreSuite) TestActiveTasksFiltersTerminalStates() {
	statuses := map[string]domaintask.Status{
		"a93a1a84df5f95b0a350ef4c25b91c2c88adce4b": domaintask.StatusPending,
		"b93a1a84df5f95b0a350ef4c25b91c2c88adce4b": domaintask.StatusDownloading,
		"c93a1a84df5f95b0a350ef4c25b91c2c88adce4b": domaintask.StatusPaused,
		"d93a1a84df5f95b0a350ef4c25b91c2c88adce4b": domaintask.StatusCompleted,
		"e93a1a84df5f95b0a350ef4c25b91c2c88adce4b": domaintask.StatusFailed,
		"f93a1a84df5f95b0a350ef4c25b91c2c88adce4b": domaintask.StatusRetrying,
	}
	for hash, status := range statuses {
		tk, err := domaintask.New(hash, "ep", "", false)
		require.NoError(s.T(), err)
		tk.SetStatus(status)
		require.NoError(s.T(), s.store.SaveTask(s.ctx, tk))
	}

	active, err := s.store.ActiveTasks(s.ctx)
	require.NoError(s.T(), err)
	s.Len(active, 3)
	for _, tk := range active {
		s.True(tk.Status().IsActive(), "unexpected status %s", tk.Status())
	}
}

func (s *FetchStoreSuite) TestRetryingTasksDueForRetry() {
	due, err := domaintask.New("a93a1a84df5f95b0a350ef4c25b91c2c88adce4b", "ep", "", false)
	require.NoError(s.T(), err)
	due.SetStatus(domaintask.StatusRetrying)
	due.ScheduleRetryAt(time.Now().Add(-time.Minute))
	require.NoError(s.T(), s.store.SaveTask(s.ctx, due))

	notYet, err := domaintask.New("b93a1a84df5f95b0a350ef4c25b91c2c88adce4b", "ep", "", false)
	require.NoError(s.T(), err)
	notYet.SetStatus(domaintask.StatusRetrying)
	notYet.ScheduleRetryAt(time.Now().Add(time.Hour))
	require.NoError(s.T(), s.store.SaveTask(s.ctx, notYet))

	failed, err := domaintask.New("c93a1a84df5f95b0a350ef4c25b91c2c88adce4b", "ep", "", false)
	require.NoError(s.T(), err)
	failed.SetStatus(domaintask.StatusFailed)
	require.NoError(s.T(), s.store.SaveTask(s.ctx, failed))

	got, err := s.store.RetryingTasksDueForRetry(s.ctx, time.Now())
	require.NoError(s.T(), err)
	require.Len(s.T(), got, 1)
	s.Equal(due.InfoHash(), got[0].InfoHash())
}

func (s *FetchStoreSuite) TestSubscriptionRoundTrip() {
	sub, err := domainsub.New("sub-42", 42, 13, domaintorrent.Filter{
		Resolutions: "1080p,2160p",
		Languages:   "CHS,CHT",
	}, "Frieren S2", true, "qbittorrent", true)
	require.NoError(s.T(), err)
	sub.CollectInterval = 10 * time.Minute
	sub.MetadataInterval = 12 * time.Hour

	require.NoError(s.T(), s.store.SaveSubscription(s.ctx, sub))

	subs, err := s.store.Subscriptions(s.ctx)
	require.NoError(s.T(), err)
	require.Len(s.T(), subs, 1)
	got := subs[0]
	s.Equal(int64(42), got.BangumiID)
	s.Equal(13, got.StartEpisodeNumber)
	s.Equal("1080p,2160p", got.Filter.Resolutions)
	s.Equal("Frieren S2", got.DownloadDir)
	s.Equal(10*time.Minute, got.CollectInterval)
	s.Equal(12*time.Hour, got.MetadataInterval)
	s.True(got.EnforceReleaseAfterBroadcast)
	s.Equal("qbittorrent", got.PreferredDownloader)
}

func (s *FetchStoreSuite) TestEpisodeTasksScopedToSubscription() {
	for _, id := range []string{"sub-1-ep1", "sub-1-ep2"} {
		et, err := domainsub.NewEpisodeTask(id, "sub-1", 1, time.Time{})
		require.NoError(s.T(), err)
		require.NoError(s.T(), s.store.SaveEpisodeTask(s.ctx, et))
	}
	other, err := domainsub.NewEpisodeTask("sub-2-ep1", "sub-2", 1, time.Time{})
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.store.SaveEpisodeTask(s.ctx, other))

	got, err := s.store.EpisodeTasks(s.ctx, "sub-1")
	require.NoError(s.T(), err)
	s.Len(got, 2)

	one, err := s.store.EpisodeTaskByID(s.ctx, "sub-1-ep2")
	require.NoError(s.T(), err)
	s.Equal("sub-1", one.SubscriptionID)

	_, err = s.store.EpisodeTaskByID(s.ctx, "sub-9-ep1")
	var appErr *apperrors.AppError
	require.ErrorAs(s.T(), err, &appErr)
	s.Equal(apperrors.ErrorTypeTaskNotFound, appErr.Type)
}

func (s *FetchStoreSuite) TestCandidatesForBangumiKeepsRawEpisodeNumbers() {
	resource := s.magnetResource()
	rec := domaintorrent.Record{
		InfoHash:  testHash,
		BangumiID: 42,
		Title:     "[Group] Frieren S2 - 05 [1080p][CHS]",
		Resource:  resource,
		SizeBytes: 700 * 1024 * 1024,
		PubDate:   time.Now(),
		Attributes: domaintorrent.Attributes{
			Resolution: domaintorrent.Resolution1080p,
			Languages:  []string{"CHS"},
			Episode:    5,
		},
	}
	require.NoError(s.T(), s.store.SaveTorrentRecord(s.ctx, rec))

	got, err := s.store.CandidatesForBangumi(s.ctx, 42)
	require.NoError(s.T(), err)
	require.Len(s.T(), got, 1)
	s.Equal(5, got[0].Attributes.Episode, "the store hands back the raw parsed number; correction is the worker's job")
	s.Equal(domaintorrent.KindMagnet, got[0].Resource.Kind())

	none, err := s.store.CandidatesForBangumi(s.ctx, 99)
	require.NoError(s.T(), err)
	s.Empty(none)
}

func (s *FetchStoreSuite) TestSaveTorrentRecordPreservesFirstSeenTime() {
	resource := s.magnetResource()
	rec := domaintorrent.Record{
		InfoHash:  testHash,
		BangumiID: 42,
		Title:     "first sighting",
		Resource:  resource,
		SizeBytes: 1,
		PubDate:   time.Now(),
	}
	require.NoError(s.T(), s.store.SaveTorrentRecord(s.ctx, rec))

	var first TorrentRecordModel
	require.NoError(s.T(), s.store.db.First(&first, "info_hash = ?", testHash).Error)

	rec.Title = "re-crawled"
	require.NoError(s.T(), s.store.SaveTorrentRecord(s.ctx, rec))

	var second TorrentRecordModel
	require.NoError(s.T(), s.store.db.First(&second, "info_hash = ?", testHash).Error)
	s.Equal("re-crawled", second.Title)
	s.True(second.CreatedAt.Equal(first.CreatedAt))
}
