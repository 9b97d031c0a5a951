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
	"github.com/lyqingye/fetchd/pkg/events"
	pkglogger "github.com/lyqingye/fetchd/pkg/logger"
)

const (
	hashA = "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2"
	hashB = "b1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2"
)

// fakeAdapter is an in-memory task.Adapter that records every call, so
// scheduler-level tests can run the real actor, store and registry with
// no downloader process behind them.
type fakeAdapter struct {
	name      string
	priority  int
	addErr    error
	added     []string
	addedDirs []string
	cancelled []string
	removed   []string
	remote    []domaintask.RemoteTask
	cfg       domaintask.Config
}

func (f *fakeAdapter) Name() string              { return f.name }
func (f *fakeAdapter) Priority() int             { return f.priority }
func (f *fakeAdapter) Config() domaintask.Config { return f.cfg }

func (f *fakeAdapter) SupportsResourceType(kind torrent.Kind) bool { return true }
func (f *fakeAdapter) RecommendedResourceType() torrent.Kind       { return torrent.KindMagnet }

func (f *fakeAdapter) AddTask(ctx context.Context, resource torrent.Resource, dir string) (string, string, error) {
	if f.addErr != nil {
		return "", "", f.addErr
	}
	f.added = append(f.added, resource.InfoHash())
	f.addedDirs = append(f.addedDirs, dir)
	return resource.InfoHash(), "", nil
}

func (f *fakeAdapter) Pause(ctx context.Context, tid string) error  { return nil }
func (f *fakeAdapter) Resume(ctx context.Context, tid string) error { return nil }

func (f *fakeAdapter) Cancel(ctx context.Context, tid string) error {
	f.cancelled = append(f.cancelled, tid)
	return nil
}

func (f *fakeAdapter) Remove(ctx context.Context, tid string, alsoRemoveFiles bool) error {
	f.removed = append(f.removed, tid)
	return nil
}

func (f *fakeAdapter) ListTasks(ctx context.Context, tids []string) ([]domaintask.RemoteTask, error) {
	return f.remote, nil
}

func (f *fakeAdapter) ListFiles(ctx context.Context, tid string, opaqueContext string) ([]domaintask.FileEntry, error) {
	return nil, nil
}

func (f *fakeAdapter) DlFile(ctx context.Context, fileID string, userAgent string) (domaintask.DlFileResult, error) {
	return domaintask.DlFileResult{}, nil
}

type TaskManagerSuite struct {
	suite.Suite
	ctx      context.Context
	store    *persistence.FetchStore
	primary  *fakeAdapter
	backup   *fakeAdapter
	manager  *TaskManager
	resource torrent.Resource
}

func TestTaskManagerSuite(t *testing.T) {
	suite.Run(t, new(TaskManagerSuite))
}

func (s *TaskManagerSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = persistence.NewFetchStore(persistence.NewTestDB(s.T()))
	s.primary = &fakeAdapter{name: "primary", priority: 20, cfg: domaintask.Config{MaxRetryCount: 2, RetryMinInterval: time.Second, RetryMaxInterval: time.Minute}}
	s.backup = &fakeAdapter{name: "backup", priority: 10, cfg: domaintask.Config{MaxRetryCount: 1, RetryMinInterval: time.Second, RetryMaxInterval: time.Minute}}
	registry := adapters.NewRegistry(s.primary, s.backup)
	actor := taskactor.NewActor(s.store, registry, nil, zap.NewNop())
	s.manager = NewTaskManager(s.store, actor, registry, nil, zap.NewNop())

	r, err := torrent.NewMagnetResource("magnet:?xt=urn:btih:" + hashA)
	require.NoError(s.T(), err)
	s.resource = r
}

func (s *TaskManagerSuite) TestCreateTaskStartsOnHighestPriorityAdapter() {
	t, err := s.manager.CreateTask(s.ctx, s.resource, "sub-1-ep1", "Frieren", true, "")
	require.NoError(s.T(), err)

	s.Equal(domaintask.StatusDownloading, t.Status())
	s.Equal("primary", t.Downloader())
	s.Equal([]string{hashA}, s.primary.added)
	s.Equal([]string{"Frieren"}, s.primary.addedDirs)

	persisted, err := s.store.LoadTask(s.ctx, hashA)
	require.NoError(s.T(), err)
	s.Equal(domaintask.StatusDownloading, persisted.Status())
}

func (s *TaskManagerSuite) TestCreateTaskHonorsPreferredDownloader() {
	t, err := s.manager.CreateTask(s.ctx, s.resource, "sub-1-ep1", "", true, "backup")
	require.NoError(s.T(), err)

	s.Equal("backup", t.Downloader())
	s.Empty(s.primary.added)
	s.Equal([]string{hashA}, s.backup.added)
}

func (s *TaskManagerSuite) TestCreateTaskIgnoresUnknownPreferredDownloader() {
	t, err := s.manager.CreateTask(s.ctx, s.resource, "sub-1-ep1", "", true, "no-such-adapter")
	require.NoError(s.T(), err)
	s.Equal("primary", t.Downloader())
}

// ManualSelect (operator replaces an in-flight torrent) must rebind
// the episode to the replacement in Ready, cancel the previous
// binding's task on its adapter, and create and start a fresh task.
func (s *TaskManagerSuite) TestManualSelectCancelsPriorAndRebinds() {
	_, err := s.manager.CreateTask(s.ctx, s.resource, "sub-1-ep1", "Frieren", true, "")
	require.NoError(s.T(), err)

	et, err := domainsub.NewEpisodeTask("sub-1-ep1", "sub-1", 1, time.Time{})
	require.NoError(s.T(), err)
	et.MarkReady(hashA)
	et.MarkDownloading()
	require.NoError(s.T(), s.store.SaveEpisodeTask(s.ctx, et))

	replacement, err := torrent.NewMagnetResource("magnet:?xt=urn:btih:" + hashB)
	require.NoError(s.T(), err)

	t2, err := s.manager.ManualSelect(s.ctx, et, replacement, "Frieren", true, "")
	require.NoError(s.T(), err)

	s.Contains(s.primary.cancelled, hashA, "prior in-flight task must be cancelled")
	s.Equal(hashB, t2.InfoHash())
	s.Equal(domaintask.StatusDownloading, t2.Status())
	s.Equal(hashB, et.ActiveInfoHash)
	s.Equal(domainsub.EpisodeReady, et.Status, "the rebind lands in Ready; Downloading arrives via broadcast")

	prior, err := s.store.LoadTask(s.ctx, hashA)
	require.NoError(s.T(), err)
	s.Equal(domaintask.StatusCancelled, prior.Status())
}

// The retry tick must pick up exactly the Retrying tasks whose
// next_retry_at has elapsed and drive them back through Pending into
// Downloading on the same adapter.
func (s *TaskManagerSuite) TestRetryTickResubmitsDueTasks() {
	s.primary.addErr = assertError("tracker down")
	_, err := s.manager.CreateTask(s.ctx, s.resource, "sub-1-ep1", "", false, "")
	require.NoError(s.T(), err)

	loaded, err := s.store.LoadTask(s.ctx, hashA)
	require.NoError(s.T(), err)
	require.Equal(s.T(), domaintask.StatusRetrying, loaded.Status())

	// Force the schedule into the past, then heal the adapter.
	loaded.ScheduleRetryAt(time.Now().Add(-time.Second))
	require.NoError(s.T(), s.store.SaveTask(s.ctx, loaded))
	s.primary.addErr = nil

	s.manager.RetryTick(s.ctx)

	after, err := s.store.LoadTask(s.ctx, hashA)
	require.NoError(s.T(), err)
	s.Equal(domaintask.StatusDownloading, after.Status())
	s.Equal("primary", after.Downloader())
	s.Equal([]string{hashA}, s.primary.added)
}

func (s *TaskManagerSuite) TestRetryTickSkipsFutureSchedules() {
	s.primary.addErr = assertError("tracker down")
	_, err := s.manager.CreateTask(s.ctx, s.resource, "sub-1-ep1", "", false, "")
	require.NoError(s.T(), err)
	s.primary.addErr = nil

	s.manager.RetryTick(s.ctx)

	after, err := s.store.LoadTask(s.ctx, hashA)
	require.NoError(s.T(), err)
	s.Equal(domaintask.StatusRetrying, after.Status(), "a retry scheduled in the future must not fire yet")
	s.Empty(s.primary.added)
}

func (s *TaskManagerSuite) TestMetricsCountsNonTerminalTasks() {
	_, err := s.manager.CreateTask(s.ctx, s.resource, "sub-1-ep1", "", true, "")
	require.NoError(s.T(), err)

	m := s.manager.Metrics()
	s.Equal(1, m.ByStatus[domaintask.StatusDownloading])
	s.Equal(1, m.ByAdapter["primary"])

	require.NoError(s.T(), s.manager.Dispatch(s.ctx, hashA, taskactor.Event{Kind: taskactor.EventCancel}))
	m = s.manager.Metrics()
	s.Zero(m.ByStatus[domaintask.StatusDownloading])
	s.Zero(m.ByAdapter["primary"], "terminal tasks leave the in-flight metrics")
}

// seedBoundEpisode persists an episode task bound to infoHash in the
// given status.
func (s *TaskManagerSuite) seedBoundEpisode(id, infoHash string, status domainsub.EpisodeStatus) *domainsub.EpisodeTask {
	et, err := domainsub.NewEpisodeTask(id, "sub-1", 1, time.Time{})
	require.NoError(s.T(), err)
	et.MarkReady(infoHash)
	et.Status = status
	require.NoError(s.T(), s.store.SaveEpisodeTask(s.ctx, et))
	return et
}

// updatedEvent persists a task in the given status and returns the
// Updated event its transition would have broadcast.
func (s *TaskManagerSuite) updatedEvent(infoHash, episodeTaskID string, status domaintask.Status) *domaintask.Updated {
	tk, err := domaintask.New(infoHash, episodeTaskID, "", true)
	require.NoError(s.T(), err)
	tk.SetStatus(status)
	require.NoError(s.T(), s.store.SaveTask(s.ctx, tk))
	return domaintask.NewUpdated(tk)
}

func (s *TaskManagerSuite) loadEpisode(id string) *domainsub.EpisodeTask {
	et, err := s.store.EpisodeTaskByID(s.ctx, id)
	require.NoError(s.T(), err)
	return et
}

func (s *TaskManagerSuite) TestTaskUpdatedCompletedMarksEpisodeDownloaded() {
	s.seedBoundEpisode("sub-1-ep1", hashA, domainsub.EpisodeDownloading)
	upd := s.updatedEvent(hashA, "sub-1-ep1", domaintask.StatusCompleted)

	require.NoError(s.T(), s.manager.onTaskUpdated(s.ctx, upd))

	et := s.loadEpisode("sub-1-ep1")
	s.Equal(domainsub.EpisodeDownloaded, et.Status)
	s.Equal(hashA, et.ActiveInfoHash)
}

// A terminally Failed task frees its episode back to Missing so the
// next collector pass may reselect.
func (s *TaskManagerSuite) TestTaskUpdatedTerminalFailureFreesEpisode() {
	s.seedBoundEpisode("sub-1-ep1", hashA, domainsub.EpisodeDownloading)
	upd := s.updatedEvent(hashA, "sub-1-ep1", domaintask.StatusFailed)

	require.NoError(s.T(), s.manager.onTaskUpdated(s.ctx, upd))

	et := s.loadEpisode("sub-1-ep1")
	s.Equal(domainsub.EpisodeMissing, et.Status)
	s.Empty(et.ActiveInfoHash)
}

// A Failed broadcast for a task that has already been re-pended by
// fallback is transient, not terminal; the episode must not be freed.
func (s *TaskManagerSuite) TestTaskUpdatedTransientFailureIsIgnored() {
	s.seedBoundEpisode("sub-1-ep1", hashA, domainsub.EpisodeDownloading)
	upd := s.updatedEvent(hashA, "sub-1-ep1", domaintask.StatusFailed)
	// The task has moved on by the time the broadcast is handled.
	moved, err := s.store.LoadTask(s.ctx, hashA)
	require.NoError(s.T(), err)
	moved.SetStatus(domaintask.StatusPending)
	require.NoError(s.T(), s.store.SaveTask(s.ctx, moved))

	require.NoError(s.T(), s.manager.onTaskUpdated(s.ctx, upd))

	et := s.loadEpisode("sub-1-ep1")
	s.Equal(domainsub.EpisodeDownloading, et.Status)
	s.Equal(hashA, et.ActiveInfoHash)
}

// Events for a hash the episode is no longer bound to (a replaced
// binding) are ignored entirely.
func (s *TaskManagerSuite) TestTaskUpdatedStaleBindingIsIgnored() {
	s.seedBoundEpisode("sub-1-ep1", hashB, domainsub.EpisodeReady)
	upd := s.updatedEvent(hashA, "sub-1-ep1", domaintask.StatusCancelled)

	require.NoError(s.T(), s.manager.onTaskUpdated(s.ctx, upd))

	et := s.loadEpisode("sub-1-ep1")
	s.Equal(domainsub.EpisodeReady, et.Status)
	s.Equal(hashB, et.ActiveInfoHash)
}

// Downloading only advances an episode out of Ready or Retrying; a
// stale Downloading event must never regress a Downloaded episode.
func (s *TaskManagerSuite) TestTaskUpdatedDownloadingNeverRegresses() {
	s.seedBoundEpisode("sub-1-ep1", hashA, domainsub.EpisodeDownloaded)
	upd := s.updatedEvent(hashA, "sub-1-ep1", domaintask.StatusDownloading)

	require.NoError(s.T(), s.manager.onTaskUpdated(s.ctx, upd))
	s.Equal(domainsub.EpisodeDownloaded, s.loadEpisode("sub-1-ep1").Status)

	s.seedBoundEpisode("sub-1-ep2", hashB, domainsub.EpisodeReady)
	upd2 := s.updatedEvent(hashB, "sub-1-ep2", domaintask.StatusDownloading)

	require.NoError(s.T(), s.manager.onTaskUpdated(s.ctx, upd2))
	s.Equal(domainsub.EpisodeDownloading, s.loadEpisode("sub-1-ep2").Status)
}

func (s *TaskManagerSuite) TestTaskUpdatedRetryingIsMirrored() {
	s.seedBoundEpisode("sub-1-ep1", hashA, domainsub.EpisodeDownloading)
	upd := s.updatedEvent(hashA, "sub-1-ep1", domaintask.StatusRetrying)

	require.NoError(s.T(), s.manager.onTaskUpdated(s.ctx, upd))
	s.Equal(domainsub.EpisodeRetrying, s.loadEpisode("sub-1-ep1").Status)
}

// End to end over the bus: a manager built with a live event bus
// subscribes itself, and the Downloading broadcast from a freshly
// created task advances the bound episode out of Ready.
func (s *TaskManagerSuite) TestTaskUpdatedSubscriptionOverBus() {
	bus := events.NewInMemoryEventBus(pkglogger.NewNoop())
	registry := adapters.NewRegistry(s.primary)
	actor := taskactor.NewActor(s.store, registry, bus, zap.NewNop())
	manager := NewTaskManager(s.store, actor, registry, bus, zap.NewNop())

	et, err := domainsub.NewEpisodeTask("sub-1-ep1", "sub-1", 1, time.Time{})
	require.NoError(s.T(), err)
	et.MarkReady(hashA)
	require.NoError(s.T(), s.store.SaveEpisodeTask(s.ctx, et))

	_, err = manager.CreateTask(s.ctx, s.resource, "sub-1-ep1", "", true, "")
	require.NoError(s.T(), err)

	// Stop drains every in-flight asynchronous publish.
	require.NoError(s.T(), bus.Stop())

	got, err := s.store.EpisodeTaskByID(s.ctx, "sub-1-ep1")
	require.NoError(s.T(), err)
	s.Equal(domainsub.EpisodeDownloading, got.Status)
}

type assertError string

func (e assertError) Error() string { return string(e) }
