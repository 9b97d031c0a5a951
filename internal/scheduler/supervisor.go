package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	domainsub "github.com/lyqingye/fetchd/internal/domain/subscription"
	domaintask "github.com/lyqingye/fetchd/internal/domain/task"
	"github.com/lyqingye/fetchd/internal/domain/torrent"
	taskactor "github.com/lyqingye/fetchd/internal/task"
	apperrors "github.com/lyqingye/fetchd/pkg/errors"
	"github.com/lyqingye/fetchd/pkg/interfaces"
)

// SupervisorConfig tunes the Supervisor's own background ticks: retry
// scanning and cross-adapter reconciliation, both global rather than
// per-subscription since neither needs subscription-scoped context.
type SupervisorConfig struct {
	RetryTickInterval time.Duration
	ReconcileInterval time.Duration

	// Worker carries the engine-wide defaults for every subscription
	// worker's loop intervals; per-subscription overrides apply on top.
	Worker WorkerConfig
}

// DefaultSupervisorConfig is a general-purpose polling cadence:
// frequent enough that a failed task isn't stuck for long, infrequent
// enough not to hammer every adapter every few seconds.
var DefaultSupervisorConfig = SupervisorConfig{
	RetryTickInterval: 30 * time.Second,
	ReconcileInterval: time.Minute,
	Worker:            DefaultWorkerConfig,
}

// Supervisor owns the set of running SubscriptionWorkers plus the two
// engine-wide background loops (retry tick, reconciliation). It is the
// engine's single top-level lifecycle root: Start brings everything
// up, Stop tears everything down in reverse order.
type Supervisor struct {
	store      Store
	manager    *TaskManager
	reconciler *taskactor.Reconciler
	search     SearchProvider
	metadata   MetadataProvider
	lister     EpisodeLister
	notifier   interfaces.EventBus
	cfg        SupervisorConfig
	log        *zap.Logger

	mu      sync.Mutex
	workers map[string]*SubscriptionWorker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor builds a Supervisor. Call Start once, from the
// process's main goroutine, after TaskManager.LoadCache has run.
// metadata, lister and notifier may all be nil: a nil metadata
// provider idles every worker's refresher loop, a nil lister skips
// episode bootstrap (Subscribe then expects episode tasks to already
// exist, or never to — the engine still functions, just without the
// convenience of auto-discovering a bangumi's episode count), and a
// nil notifier silently drops outward notifications.
func NewSupervisor(store Store, manager *TaskManager, reconciler *taskactor.Reconciler, search SearchProvider, metadata MetadataProvider, lister EpisodeLister, notifier interfaces.EventBus, cfg SupervisorConfig, log *zap.Logger) *Supervisor {
	// Unset intervals fall back to the defaults; a zero interval would
	// panic time.NewTicker.
	if cfg.RetryTickInterval <= 0 {
		cfg.RetryTickInterval = DefaultSupervisorConfig.RetryTickInterval
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultSupervisorConfig.ReconcileInterval
	}
	if cfg.Worker.CollectInterval <= 0 {
		cfg.Worker.CollectInterval = DefaultWorkerConfig.CollectInterval
	}
	if cfg.Worker.MetadataInterval <= 0 {
		cfg.Worker.MetadataInterval = DefaultWorkerConfig.MetadataInterval
	}
	return &Supervisor{
		store:      store,
		manager:    manager,
		reconciler: reconciler,
		search:     search,
		metadata:   metadata,
		lister:     lister,
		notifier:   notifier,
		cfg:        cfg,
		log:        log.Named("supervisor"),
		workers:    make(map[string]*SubscriptionWorker),
	}
}

// Start loads every non-paused subscription from the store, spawns a
// worker for each, and starts the global retry/reconcile loops.
func (s *Supervisor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	subs, err := s.store.Subscriptions(ctx)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if sub.Paused {
			continue
		}
		s.spawnWorker(ctx, sub)
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.runRetryTick(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.runReconcile(ctx)
	}()
	return nil
}

// Stop cancels the global loops and every running worker, and waits
// for all of them to exit.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	workers := make([]*SubscriptionWorker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()
	for _, w := range workers {
		w.Stop()
	}
	s.wg.Wait()
}

// Subscribe upserts sub, persists it, bootstraps its episode tasks (on
// first subscribe, when a lister is wired), and (re)spawns its worker —
// covering both a brand new subscription and resuming a paused one.
func (s *Supervisor) Subscribe(ctx context.Context, sub *domainsub.Subscription) error {
	sub.Resume()
	if err := s.store.SaveSubscription(ctx, sub); err != nil {
		return err
	}
	if s.lister != nil {
		existing, err := s.store.EpisodeTasks(ctx, sub.ID)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			if err := BootstrapEpisodes(ctx, sub, s.lister, s.store, newEpisodeTaskID(sub.ID)); err != nil {
				s.log.Warn("bootstrap episodes failed", zap.Int64("bangumi_id", sub.BangumiID), zap.Error(err))
			}
		}
	}
	publish(ctx, s.notifier, domainsub.NewSubscribed(sub))
	s.spawnWorker(ctx, sub)
	return nil
}

// Unsubscribe pauses sub and stops its worker; existing episode and
// download tasks are left exactly as they are.
func (s *Supervisor) Unsubscribe(ctx context.Context, sub *domainsub.Subscription) error {
	sub.Pause()
	if err := s.store.SaveSubscription(ctx, sub); err != nil {
		return err
	}
	publish(ctx, s.notifier, domainsub.NewUnsubscribed(sub))
	s.mu.Lock()
	w, ok := s.workers[sub.ID]
	delete(s.workers, sub.ID)
	s.mu.Unlock()
	if ok {
		w.Stop()
	}
	return nil
}

// newEpisodeTaskID returns a deterministic episode task ID generator
// for subscriptionID using the "{subscription}-ep{n}" scheme, so the
// same episode always maps to the same episode task row ID.
func newEpisodeTaskID(subscriptionID string) func(int) string {
	return func(episodeNumber int) string {
		return fmt.Sprintf("%s-ep%d", subscriptionID, episodeNumber)
	}
}

// ManualSelect resolves the Episode Task for (bangumiID, episodeNumber)
// and hands it to the Task Manager's operator-override path.
func (s *Supervisor) ManualSelect(ctx context.Context, bangumiID int64, episodeNumber int, resource torrent.Resource) (*domaintask.Task, error) {
	sub, err := s.findSubscription(ctx, bangumiID)
	if err != nil {
		return nil, err
	}
	et, err := s.findEpisodeTask(ctx, sub.ID, episodeNumber)
	if err != nil {
		return nil, err
	}
	return s.manager.ManualSelect(ctx, et, resource, sub.DownloadDir, sub.AllowFallback, sub.PreferredDownloader)
}

// Retry resolves the Episode Task's currently bound info hash, marks
// the episode Retrying, and forces a retry of its task. A retry that
// cannot even be dispatched leaves the episode marked Failed so the
// operator sees the outcome rather than a stuck Retrying.
func (s *Supervisor) Retry(ctx context.Context, bangumiID int64, episodeNumber int) error {
	sub, err := s.findSubscription(ctx, bangumiID)
	if err != nil {
		return err
	}
	et, err := s.findEpisodeTask(ctx, sub.ID, episodeNumber)
	if err != nil {
		return err
	}
	if et.ActiveInfoHash == "" {
		return apperrors.New(apperrors.ErrorTypeTaskNotFound, "episode has no active task to retry")
	}
	et.MarkRetrying()
	if err := s.store.SaveEpisodeTask(ctx, et); err != nil {
		return err
	}
	if err := s.manager.Retry(ctx, et.ActiveInfoHash); err != nil {
		et.MarkFailed()
		if saveErr := s.store.SaveEpisodeTask(ctx, et); saveErr != nil {
			s.log.Warn("save episode task failed", zap.Int("episode", episodeNumber), zap.Error(saveErr))
		}
		return err
	}
	return nil
}

// Metrics reports in-flight task counts by status and adapter.
func (s *Supervisor) Metrics() Metrics {
	return s.manager.Metrics()
}

func (s *Supervisor) findSubscription(ctx context.Context, bangumiID int64) (*domainsub.Subscription, error) {
	subs, err := s.store.Subscriptions(ctx)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if sub.BangumiID == bangumiID {
			return sub, nil
		}
	}
	return nil, apperrors.New(apperrors.ErrorTypeResourceNotFound, "no subscription for bangumi")
}

func (s *Supervisor) findEpisodeTask(ctx context.Context, subscriptionID string, episodeNumber int) (*domainsub.EpisodeTask, error) {
	episodes, err := s.store.EpisodeTasks(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	for _, et := range episodes {
		if et.EpisodeNumber == episodeNumber {
			return et, nil
		}
	}
	return nil, apperrors.New(apperrors.ErrorTypeResourceNotFound, "no episode task for that episode number")
}

func (s *Supervisor) spawnWorker(ctx context.Context, sub *domainsub.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.workers[sub.ID]; ok {
		existing.Stop()
	}
	w := NewSubscriptionWorker(sub, s.store, s.manager, s.search, s.metadata, s.cfg.Worker, s.log)
	w.Spawn(ctx)
	s.workers[sub.ID] = w
}

func (s *Supervisor) runRetryTick(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RetryTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.manager.RetryTick(ctx)
		}
	}
}

func (s *Supervisor) runReconcile(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.reconciler.Run(ctx); err != nil {
				s.log.Warn("reconcile pass failed", zap.Error(err))
			}
		}
	}
}
