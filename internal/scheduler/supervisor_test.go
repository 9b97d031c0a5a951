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

type SupervisorSuite struct {
	suite.Suite
	ctx        context.Context
	store      *persistence.FetchStore
	adapter    *fakeAdapter
	manager    *TaskManager
	supervisor *Supervisor
}

func TestSupervisorSuite(t *testing.T) {
	suite.Run(t, new(SupervisorSuite))
}

func (s *SupervisorSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = persistence.NewFetchStore(persistence.NewTestDB(s.T()))
	s.adapter = &fakeAdapter{name: "primary", priority: 10, cfg: domaintask.Config{MaxRetryCount: 2, RetryMinInterval: time.Second, RetryMaxInterval: time.Minute}}
	registry := adapters.NewRegistry(s.adapter)
	actor := taskactor.NewActor(s.store, registry, nil, zap.NewNop())
	s.manager = NewTaskManager(s.store, actor, registry, nil, zap.NewNop())
	s.supervisor = NewSupervisor(s.store, s.manager, nil, &fakeSearchProvider{}, nil, nil, nil, DefaultSupervisorConfig, zap.NewNop())
}

func (s *SupervisorSuite) seed(episodeNumber int, bind string) *domainsub.Subscription {
	sub, err := domainsub.New("sub-42", 42, 1, torrent.Filter{}, "", false, "", true)
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.store.SaveSubscription(s.ctx, sub))

	et, err := domainsub.NewEpisodeTask(newEpisodeTaskID(sub.ID)(episodeNumber), sub.ID, episodeNumber, time.Time{})
	require.NoError(s.T(), err)
	if bind != "" {
		et.MarkReady(bind)
		et.MarkDownloading()
	}
	require.NoError(s.T(), s.store.SaveEpisodeTask(s.ctx, et))
	return sub
}

// A forced retry marks the episode Retrying before the task is driven.
func (s *SupervisorSuite) TestRetryMarksEpisodeRetrying() {
	sub := s.seed(1, hashA)

	// Park the bound task in Retrying so an operator has something to
	// force.
	s.adapter.addErr = assertError("tracker down")
	r, err := torrent.NewMagnetResource("magnet:?xt=urn:btih:" + hashA)
	require.NoError(s.T(), err)
	_, err = s.manager.CreateTask(s.ctx, r, newEpisodeTaskID(sub.ID)(1), "", false, "")
	require.NoError(s.T(), err)
	s.adapter.addErr = nil

	require.NoError(s.T(), s.supervisor.Retry(s.ctx, 42, 1))

	et, err := s.store.EpisodeTaskByID(s.ctx, newEpisodeTaskID(sub.ID)(1))
	require.NoError(s.T(), err)
	s.Equal(domainsub.EpisodeRetrying, et.Status)

	task, err := s.store.LoadTask(s.ctx, hashA)
	require.NoError(s.T(), err)
	s.Equal(domaintask.StatusDownloading, task.Status(), "the forced retry resubmits the task")
}

// A retry that cannot be dispatched at all surfaces as a Failed
// episode rather than a stuck Retrying one.
func (s *SupervisorSuite) TestRetryDispatchFailureMarksEpisodeFailed() {
	sub := s.seed(1, hashB) // bound hash has no task row behind it

	err := s.supervisor.Retry(s.ctx, 42, 1)
	require.Error(s.T(), err)

	et, lookupErr := s.store.EpisodeTaskByID(s.ctx, newEpisodeTaskID(sub.ID)(1))
	require.NoError(s.T(), lookupErr)
	s.Equal(domainsub.EpisodeFailed, et.Status)
}

func (s *SupervisorSuite) TestRetryWithoutBindingErrors() {
	s.seed(1, "")
	s.Error(s.supervisor.Retry(s.ctx, 42, 1))
}
