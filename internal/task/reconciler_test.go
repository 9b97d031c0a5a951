package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	domaintask "github.com/lyqingye/fetchd/internal/domain/task"
	"github.com/lyqingye/fetchd/internal/domain/torrent"
)

type fakeReconcilerStore struct {
	tasks []*domaintask.Task
}

func (s *fakeReconcilerStore) ActiveTasks(ctx context.Context) ([]*domaintask.Task, error) {
	return s.tasks, nil
}

type ReconcilerSuite struct {
	suite.Suite
	resource torrent.Resource
}

func TestReconcilerSuite(t *testing.T) {
	suite.Run(t, new(ReconcilerSuite))
}

func (s *ReconcilerSuite) SetupTest() {
	r, err := torrent.NewMagnetResource("magnet:?xt=urn:btih:a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2")
	require.NoError(s.T(), err)
	s.resource = r
}

func (s *ReconcilerSuite) newTask(status domaintask.Status, downloader string) *domaintask.Task {
	tk, err := domaintask.New(s.resource.InfoHash(), "ep-1", "Foo", false)
	require.NoError(s.T(), err)
	if downloader != "" {
		tk.AssignDownloader(downloader)
		tk.SetTidAndContext(s.resource.InfoHash(), "")
	}
	tk.SetStatus(status)
	return tk
}

func (s *ReconcilerSuite) run(adapter *fakeAdapter, tasks ...*domaintask.Task) {
	store := newFakeStore(s.resource)
	registry := newFakeRegistry(adapter)
	actor := NewActor(store, registry, nil, zap.NewNop())
	rec := NewReconciler(&fakeReconcilerStore{tasks: tasks}, registry, actor, zap.NewNop())
	require.NoError(s.T(), rec.Run(context.Background()))
}

// Remote completed while local still thinks Downloading: the run must
// end with the task Completed, carrying the remote result path.
func (s *ReconcilerSuite) TestRemoteCompletedFinishesTask() {
	adapter := &fakeAdapter{name: "a", priority: 10, remote: []domaintask.RemoteTask{
		{Tid: s.resource.InfoHash(), Status: domaintask.RemoteStatusCompleted, Result: "/downloads/Foo"},
	}}
	tk := s.newTask(domaintask.StatusDownloading, "a")

	s.run(adapter, tk)

	s.Equal(domaintask.StatusCompleted, tk.Status())
	s.Equal("/downloads/Foo", tk.Result())
}

// Remote paused while local thinks Downloading (scenario: operator
// paused it in the downloader UI): local adopts Paused, and no pause
// call goes back out to the adapter.
func (s *ReconcilerSuite) TestRemotePausedDriftIsAdopted() {
	adapter := &fakeAdapter{name: "a", priority: 10, remote: []domaintask.RemoteTask{
		{Tid: s.resource.InfoHash(), Status: domaintask.RemoteStatusPaused},
	}}
	tk := s.newTask(domaintask.StatusDownloading, "a")

	s.run(adapter, tk)

	s.Equal(domaintask.StatusPaused, tk.Status())
	s.Empty(adapter.paused)
}

// A Downloading task the adapter has no record of is left alone: the
// gap may be a transient listing hiccup, and a task that is genuinely
// gone must not burn a retry slot over it.
func (s *ReconcilerSuite) TestMissingRemoteTaskIsLeftAlone() {
	adapter := &fakeAdapter{name: "a", priority: 10, cfg: domaintask.Config{MaxRetryCount: 0}}
	tk := s.newTask(domaintask.StatusDownloading, "a")

	s.run(adapter, tk)

	s.Equal(domaintask.StatusDownloading, tk.Status())
	s.Empty(tk.ErrMsg())
	s.Zero(tk.RetryCount())
}

// A Pending task missing remotely is the expected not-yet-submitted
// state, never a failure.
func (s *ReconcilerSuite) TestPendingMissingRemoteIsNoOp() {
	adapter := &fakeAdapter{name: "a", priority: 10}
	tk := s.newTask(domaintask.StatusPending, "a")

	s.run(adapter, tk)

	s.Equal(domaintask.StatusPending, tk.Status())
}

// A task whose status matches the remote view but hasn't moved for
// longer than the adapter's download timeout is failed with "download
// timeout".
func (s *ReconcilerSuite) TestStaleMatchingTaskTimesOut() {
	adapter := &fakeAdapter{
		name: "a", priority: 10,
		cfg: domaintask.Config{DownloadTimeout: time.Nanosecond, MaxRetryCount: 0},
		remote: []domaintask.RemoteTask{
			{Tid: "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2", Status: domaintask.RemoteStatusDownloading},
		},
	}
	tk := s.newTask(domaintask.StatusDownloading, "a")
	time.Sleep(time.Millisecond)

	s.run(adapter, tk)

	s.Equal(domaintask.StatusFailed, tk.Status())
	s.Equal("download timeout", tk.ErrMsg())
}

// A task never assigned to any downloader is skipped entirely: there
// is nothing remote to reconcile it against.
func (s *ReconcilerSuite) TestUnassignedTaskIsSkipped() {
	adapter := &fakeAdapter{name: "a", priority: 10}
	tk := s.newTask(domaintask.StatusPending, "")

	s.run(adapter, tk)

	s.Equal(domaintask.StatusPending, tk.Status())
}

// Remote failed injects fail-action; with retries left the task lands
// in Retrying with the remote error recorded.
func (s *ReconcilerSuite) TestRemoteFailedSchedulesRetry() {
	adapter := &fakeAdapter{
		name: "a", priority: 10,
		cfg: domaintask.Config{MaxRetryCount: 3, RetryMinInterval: 30 * time.Second, RetryMaxInterval: time.Hour},
		remote: []domaintask.RemoteTask{
			{Tid: "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2", Status: domaintask.RemoteStatusFailed, ErrMsg: "tracker unreachable"},
		},
	}
	tk := s.newTask(domaintask.StatusDownloading, "a")

	s.run(adapter, tk)

	s.Equal(domaintask.StatusRetrying, tk.Status())
	s.Equal(1, tk.RetryCount())
	s.Equal("tracker unreachable", tk.ErrMsg())
	s.NotNil(tk.NextRetryAt())
}
