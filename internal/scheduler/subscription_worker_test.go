package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	domainsub "github.com/lyqingye/fetchd/internal/domain/subscription"
	domaintask "github.com/lyqingye/fetchd/internal/domain/task"
	"github.com/lyqingye/fetchd/internal/domain/torrent"
	"github.com/lyqingye/fetchd/internal/infrastructure/adapters"
	persistence "github.com/lyqingye/fetchd/internal/infrastructure/persistence/gorm"
	taskactor "github.com/lyqingye/fetchd/internal/task"
)

type fakeSearchProvider struct {
	records []torrent.Record
	err     error
}

func (f *fakeSearchProvider) Search(ctx context.Context, bangumiID int64) ([]torrent.Record, error) {
	return f.records, f.err
}

type fakeMetadataProvider struct {
	refreshed []int64
	err       error
}

func (f *fakeMetadataProvider) Refresh(ctx context.Context, bangumiID int64) error {
	f.refreshed = append(f.refreshed, bangumiID)
	return f.err
}

func magnetRecord(t *testing.T, hash string, bangumiID int64, episode int, sizeBytes int64, pub time.Time) torrent.Record {
	t.Helper()
	r, err := torrent.NewMagnetResource("magnet:?xt=urn:btih:" + hash)
	require.NoError(t, err)
	return torrent.Record{
		InfoHash:  hash,
		BangumiID: bangumiID,
		Title:     "candidate " + hash[:8],
		Resource:  r,
		SizeBytes: sizeBytes,
		PubDate:   pub,
		Attributes: torrent.Attributes{
			Resolution: torrent.Resolution1080p,
			Episode:    episode,
		},
	}
}

type SubscriptionWorkerSuite struct {
	suite.Suite
	ctx     context.Context
	store   *persistence.FetchStore
	adapter *fakeAdapter
	manager *TaskManager
}

func TestSubscriptionWorkerSuite(t *testing.T) {
	suite.Run(t, new(SubscriptionWorkerSuite))
}

func (s *SubscriptionWorkerSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = persistence.NewFetchStore(persistence.NewTestDB(s.T()))
	s.adapter = &fakeAdapter{name: "primary", priority: 10, cfg: domaintask.Config{MaxRetryCount: 1, RetryMinInterval: time.Second, RetryMaxInterval: time.Minute}}
	registry := adapters.NewRegistry(s.adapter)
	actor := taskactor.NewActor(s.store, registry, nil, zap.NewNop())
	s.manager = NewTaskManager(s.store, actor, registry, nil, zap.NewNop())
}

func (s *SubscriptionWorkerSuite) newWorker(sub *domainsub.Subscription, search SearchProvider) *SubscriptionWorker {
	return NewSubscriptionWorker(sub, s.store, s.manager, search, nil, DefaultWorkerConfig, zap.NewNop())
}

func (s *SubscriptionWorkerSuite) newWorkerWithMetadata(sub *domainsub.Subscription, search SearchProvider, metadata MetadataProvider) *SubscriptionWorker {
	return NewSubscriptionWorker(sub, s.store, s.manager, search, metadata, DefaultWorkerConfig, zap.NewNop())
}

func (s *SubscriptionWorkerSuite) seedEpisode(subID string, number int, airDate time.Time) *domainsub.EpisodeTask {
	et, err := domainsub.NewEpisodeTask(newEpisodeTaskID(subID)(number), subID, number, airDate)
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.store.SaveEpisodeTask(s.ctx, et))
	return et
}

// A collector pass over a late-start season: the subscription starts at
// episode 13 and the release group numbers the season from 1, so a
// parsed episode 1 must land in slot 13. The episode is left bound in
// Ready — Downloading arrives through the task-update broadcast, not
// from the collector itself.
func (s *SubscriptionWorkerSuite) TestCollectAppliesEpisodeNumberCorrection() {
	sub, err := domainsub.New("sub-42", 42, 13, torrent.Filter{}, "Frieren S2", false, "", true)
	require.NoError(s.T(), err)
	s.seedEpisode(sub.ID, 13, time.Time{})

	search := &fakeSearchProvider{records: []torrent.Record{
		magnetRecord(s.T(), hashA, 42, 1, 700*1024*1024, time.Now()),
	}}
	w := s.newWorker(sub, search)

	w.collectOnce(s.ctx)

	episodes, err := s.store.EpisodeTasks(s.ctx, sub.ID)
	require.NoError(s.T(), err)
	require.Len(s.T(), episodes, 1)
	s.Equal(domainsub.EpisodeReady, episodes[0].Status)
	s.Equal(hashA, episodes[0].ActiveInfoHash)
	s.Equal([]string{hashA}, s.adapter.added)
	s.Equal([]string{"Frieren S2"}, s.adapter.addedDirs, "tasks land in the subscription's download dir")
}

// A candidate whose effective episode matches no missing slot starts
// nothing.
func (s *SubscriptionWorkerSuite) TestCollectIgnoresUnmatchedEpisodes() {
	sub, err := domainsub.New("sub-42", 42, 1, torrent.Filter{}, "", false, "", true)
	require.NoError(s.T(), err)
	s.seedEpisode(sub.ID, 3, time.Time{})

	search := &fakeSearchProvider{records: []torrent.Record{
		magnetRecord(s.T(), hashA, 42, 7, 700*1024*1024, time.Now()),
	}}
	w := s.newWorker(sub, search)

	w.collectOnce(s.ctx)

	episodes, err := s.store.EpisodeTasks(s.ctx, sub.ID)
	require.NoError(s.T(), err)
	s.Equal(domainsub.EpisodeMissing, episodes[0].Status)
	s.Empty(s.adapter.added)
}

// With enforce_release_after_broadcast set, a candidate published
// before the episode aired is a mislabel and must be skipped; once a
// correctly-dated candidate appears it is selected.
func (s *SubscriptionWorkerSuite) TestCollectEnforcesReleaseAfterBroadcast() {
	air := time.Now().Add(-24 * time.Hour)
	sub, err := domainsub.New("sub-42", 42, 1, torrent.Filter{}, "", true, "", true)
	require.NoError(s.T(), err)
	s.seedEpisode(sub.ID, 1, air)

	early := magnetRecord(s.T(), hashA, 42, 1, 700*1024*1024, air.Add(-48*time.Hour))
	w := s.newWorker(sub, &fakeSearchProvider{records: []torrent.Record{early}})
	w.collectOnce(s.ctx)

	episodes, err := s.store.EpisodeTasks(s.ctx, sub.ID)
	require.NoError(s.T(), err)
	s.Equal(domainsub.EpisodeMissing, episodes[0].Status, "pre-air release must be skipped")

	onTime := magnetRecord(s.T(), hashB, 42, 1, 700*1024*1024, air.Add(time.Hour))
	w2 := s.newWorker(sub, &fakeSearchProvider{records: []torrent.Record{onTime}})
	w2.collectOnce(s.ctx)

	episodes, err = s.store.EpisodeTasks(s.ctx, sub.ID)
	require.NoError(s.T(), err)
	s.Equal(domainsub.EpisodeReady, episodes[0].Status)
	s.Equal(hashB, episodes[0].ActiveInfoHash)
}

// An unknown air date disables the filter rather than rejecting every
// candidate, so a bangumi without broadcast metadata can still be
// fetched.
func (s *SubscriptionWorkerSuite) TestCollectSkipsBroadcastFilterWithoutAirDate() {
	sub, err := domainsub.New("sub-42", 42, 1, torrent.Filter{}, "", true, "", true)
	require.NoError(s.T(), err)
	s.seedEpisode(sub.ID, 1, time.Time{})

	old := magnetRecord(s.T(), hashA, 42, 1, 700*1024*1024, time.Now().Add(-365*24*time.Hour))
	w := s.newWorker(sub, &fakeSearchProvider{records: []torrent.Record{old}})
	w.collectOnce(s.ctx)

	episodes, err := s.store.EpisodeTasks(s.ctx, sub.ID)
	require.NoError(s.T(), err)
	s.Equal(domainsub.EpisodeReady, episodes[0].Status)
}

// A collect pass asks the metadata service to refresh the bangumi
// before searching; a nil provider just skips the step.
func (s *SubscriptionWorkerSuite) TestCollectRefreshesMetadataFirst() {
	sub, err := domainsub.New("sub-42", 42, 1, torrent.Filter{}, "", false, "", true)
	require.NoError(s.T(), err)

	metadata := &fakeMetadataProvider{}
	w := s.newWorkerWithMetadata(sub, &fakeSearchProvider{}, metadata)
	w.collectOnce(s.ctx)

	s.Equal([]int64{42}, metadata.refreshed)

	// A refresh failure must not abort the pass.
	failing := &fakeMetadataProvider{err: assertError("metadata service down")}
	s.seedEpisode(sub.ID, 1, time.Time{})
	search := &fakeSearchProvider{records: []torrent.Record{
		magnetRecord(s.T(), hashA, 42, 1, 700*1024*1024, time.Now()),
	}}
	w2 := s.newWorkerWithMetadata(sub, search, failing)
	w2.collectOnce(s.ctx)

	episodes, err := s.store.EpisodeTasks(s.ctx, sub.ID)
	require.NoError(s.T(), err)
	s.Equal(domainsub.EpisodeReady, episodes[0].Status)
}

// The standalone refresher pass only refreshes; no selection happens.
func (s *SubscriptionWorkerSuite) TestMetadataRefreshDoesNotSelect() {
	sub, err := domainsub.New("sub-42", 42, 1, torrent.Filter{}, "", false, "", true)
	require.NoError(s.T(), err)
	s.seedEpisode(sub.ID, 1, time.Time{})

	metadata := &fakeMetadataProvider{}
	w := s.newWorkerWithMetadata(sub, &fakeSearchProvider{}, metadata)
	w.refreshMetadata(s.ctx)

	s.Equal([]int64{42}, metadata.refreshed)
	episodes, err := s.store.EpisodeTasks(s.ctx, sub.ID)
	require.NoError(s.T(), err)
	s.Equal(domainsub.EpisodeMissing, episodes[0].Status)
	s.Empty(s.adapter.added)
}

// Worker interval overrides: a subscription carrying its own cadence
// wins over the engine default.
func (s *SubscriptionWorkerSuite) TestWorkerConfigOverrides() {
	sub, err := domainsub.New("sub-42", 42, 1, torrent.Filter{}, "", false, "", true)
	require.NoError(s.T(), err)
	sub.CollectInterval = 5 * time.Minute

	w := s.newWorker(sub, &fakeSearchProvider{})
	s.Equal(5*time.Minute, w.cfg.CollectInterval)
	s.Equal(DefaultWorkerConfig.MetadataInterval, w.cfg.MetadataInterval)
}
