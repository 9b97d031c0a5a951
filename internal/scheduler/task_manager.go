// Package scheduler assembles the task actor and reconciler into the
// running engine: the Task Manager (task lifecycle entry points plus
// the in-memory non-terminal task cache), the Subscription Worker (the
// collector/metadata-refresher loop pair spawned per subscription), and the
// Supervisor that starts and stops a worker per active subscription.
package scheduler

import (
	"context"
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

// Store is the full persistence surface the Task Manager needs, a
// superset of the actor's own Store and ReconcilerStore interfaces so
// a single GORM-backed implementation can satisfy all three.
type Store interface {
	taskactor.Store
	taskactor.ReconcilerStore

	SaveTorrentRecord(ctx context.Context, rec torrent.Record) error
	// CandidatesForBangumi lists every cached torrent record for
	// bangumiID with its raw (uncorrected) parsed episode number; the
	// caller applies the subscription's episode-numbering correction
	// (Subscription.EffectiveEpisode) before matching to an Episode Task.
	CandidatesForBangumi(ctx context.Context, bangumiID int64) ([]torrent.Record, error)

	LoadTask(ctx context.Context, infoHash string) (*domaintask.Task, error)
	// RetryingTasksDueForRetry returns every task in StatusRetrying whose
	// NextRetryAt has elapsed — the auto-retry tick's candidate set.
	// Failed tasks are terminal and never picked up here; only an
	// operator-issued retry re-enters one of those.
	RetryingTasksDueForRetry(ctx context.Context, now time.Time) ([]*domaintask.Task, error)
	DeleteTask(ctx context.Context, infoHash string) error

	SaveSubscription(ctx context.Context, s *domainsub.Subscription) error
	Subscriptions(ctx context.Context) ([]*domainsub.Subscription, error)

	SaveEpisodeTask(ctx context.Context, et *domainsub.EpisodeTask) error
	EpisodeTasks(ctx context.Context, subscriptionID string) ([]*domainsub.EpisodeTask, error)
	EpisodeTaskByID(ctx context.Context, id string) (*domainsub.EpisodeTask, error)
}

// TaskManager is the engine's single entry point for creating and
// driving Torrent Download Tasks. It layers an in-memory cache of
// every non-terminal task over the Store, which Dispatch reads before
// falling back to the Store and which Metrics counts; the retry tick
// and the reconciler query the Store directly. The Store remains the
// source of truth and every mutation is persisted through the actor
// before the cache is updated.
type TaskManager struct {
	store    Store
	actor    *taskactor.Actor
	adapters taskactor.Registry
	notifier interfaces.EventBus
	log      *zap.Logger
	mu       sync.RWMutex
	cache    map[string]*domaintask.Task
}

// NewTaskManager builds a TaskManager and subscribes it to the actor's
// TaskUpdated broadcast, which is how episode state follows each bound
// task's transitions. notifier may be nil (no subscription, no outward
// notifications — episode bookkeeping then only advances through the
// synchronous paths). Call LoadCache once at startup before serving
// any traffic.
func NewTaskManager(store Store, actor *taskactor.Actor, adapters taskactor.Registry, notifier interfaces.EventBus, log *zap.Logger) *TaskManager {
	m := &TaskManager{
		store:    store,
		actor:    actor,
		adapters: adapters,
		notifier: notifier,
		log:      log.Named("task-manager"),
		cache:    make(map[string]*domaintask.Task),
	}
	if notifier != nil {
		if err := notifier.Subscribe("TaskUpdated", taskUpdatedHandler{m}); err != nil {
			m.log.Warn("subscribe to task updates failed", zap.Error(err))
		}
	}
	return m
}

// taskUpdatedHandler adapts the TaskManager's episode bookkeeping onto
// the bus's EventHandler shape.
type taskUpdatedHandler struct {
	m *TaskManager
}

func (h taskUpdatedHandler) EventType() string { return "TaskUpdated" }

func (h taskUpdatedHandler) Handle(ctx context.Context, event interfaces.Event) error {
	upd, ok := event.(taskactor.TaskUpdated)
	if !ok {
		return nil
	}
	return h.m.onTaskUpdated(ctx, upd.Updated)
}

// onTaskUpdated keeps the Episode Task bound to a torrent task aligned
// with that task's lifecycle: Downloaded on completion (with an
// outward notification), back to Missing on terminal failure or
// cancellation so the next collector pass may reselect, Retrying and
// Downloading mirrored through. Events for a hash the episode is no
// longer bound to (a replaced binding) are ignored.
func (m *TaskManager) onTaskUpdated(ctx context.Context, upd *domaintask.Updated) error {
	if upd.EpisodeTaskID == "" {
		return nil
	}
	et, err := m.store.EpisodeTaskByID(ctx, upd.EpisodeTaskID)
	if err != nil {
		if apperrors.IsTaskNotFound(err) {
			return nil
		}
		return err
	}
	if et.ActiveInfoHash != upd.InfoHash {
		return nil
	}

	// Broadcast delivery is asynchronous and not strictly ordered, so
	// every arm below must tolerate stale events: never regress a
	// Downloaded episode, and never treat the transient Failed that
	// precedes a fallback hand-off as terminal.
	switch upd.Status {
	case domaintask.StatusDownloading:
		if et.Status != domainsub.EpisodeReady && et.Status != domainsub.EpisodeRetrying {
			return nil
		}
		et.MarkDownloading()
	case domaintask.StatusRetrying:
		if et.Status == domainsub.EpisodeDownloaded {
			return nil
		}
		et.MarkRetrying()
	case domaintask.StatusCompleted:
		et.MarkDownloaded()
	case domaintask.StatusFailed:
		if cur, err := m.store.LoadTask(ctx, upd.InfoHash); err == nil && cur.Status() != domaintask.StatusFailed {
			// The task has already moved on — fallback re-pended it.
			return nil
		}
		et.Reset()
	case domaintask.StatusCancelled:
		et.Reset()
	default:
		return nil
	}
	if err := m.store.SaveEpisodeTask(ctx, et); err != nil {
		return err
	}
	if upd.Status == domaintask.StatusCompleted {
		publish(ctx, m.notifier, domainsub.NewEpisodeDownloaded(et))
	}
	return nil
}

// LoadCache populates the in-memory cache from every currently active
// task in the store; it should run once before the supervisor starts
// any subscription workers.
func (m *TaskManager) LoadCache(ctx context.Context) error {
	active, err := m.store.ActiveTasks(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range active {
		m.cache[t.InfoHash()] = t
	}
	return nil
}

// CreateTask persists a brand new Torrent Download Task for resource,
// landing its content in dir (relative to the chosen adapter's own
// root), and immediately drives it with Start, matching act_start being
// the natural entry point for a freshly selected candidate.
// allowFallback mirrors the owning subscription's allow_fallback flag.
// preferredDownloader, when non-empty and registered, pre-assigns the
// task to that adapter; otherwise the actor picks the highest priority
// adapter itself on the first Start.
func (m *TaskManager) CreateTask(ctx context.Context, resource torrent.Resource, episodeTaskID, dir string, allowFallback bool, preferredDownloader string) (*domaintask.Task, error) {
	t, err := domaintask.New(resource.InfoHash(), episodeTaskID, dir, allowFallback)
	if err != nil {
		return nil, err
	}
	if preferredDownloader != "" {
		if adapter, ok := m.adapters.Adapter(preferredDownloader); ok && adapter.SupportsResourceType(resource.Kind()) {
			t.AssignDownloader(preferredDownloader)
		}
	}
	if err := m.store.SetTaskResource(ctx, t.InfoHash(), resource); err != nil {
		return nil, err
	}
	if err := m.store.SaveTask(ctx, t); err != nil {
		return nil, err
	}
	m.put(t)
	publish(ctx, m.notifier, domaintask.NewCreated(t))

	if err := m.actor.Drive(ctx, t, taskactor.Event{Kind: taskactor.EventStart}); err != nil {
		return nil, err
	}
	m.reindex(t)
	return t, nil
}

// Dispatch drives the task identified by infoHash with ev, preferring
// the in-memory cache and falling back to the store for a task that
// has gone terminal and been evicted (e.g. a late reconciliation
// event arriving after completion).
func (m *TaskManager) Dispatch(ctx context.Context, infoHash string, ev taskactor.Event) error {
	t, ok := m.get(infoHash)
	if !ok {
		loaded, err := m.store.LoadTask(ctx, infoHash)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrorTypeTaskNotFound, "task not found: "+infoHash, err)
		}
		t = loaded
	}
	if err := m.actor.Drive(ctx, t, ev); err != nil {
		return err
	}
	m.reindex(t)
	return nil
}

// RetryTick scans the store for Retrying tasks whose NextRetryAt has
// elapsed and drives each with EventRetry, entering retry-action and
// (on success) the re-entrant Retrying→Pending→Downloading chain.
func (m *TaskManager) RetryTick(ctx context.Context) {
	due, err := m.store.RetryingTasksDueForRetry(ctx, time.Now())
	if err != nil {
		m.log.Warn("list tasks due for retry failed", zap.Error(err))
		return
	}
	for _, t := range due {
		if err := m.actor.Drive(ctx, t, taskactor.Event{Kind: taskactor.EventRetry}); err != nil {
			m.log.Warn("drive retry failed", zap.String("info_hash", t.InfoHash()), zap.Error(err))
			continue
		}
		m.reindex(t)
	}
}

// ManualSelect is the operator override: it rebinds et to the chosen
// resource in Ready, cancels any task still in flight for the prior
// binding, then creates a fresh Torrent Download Task and drives it.
// Rebinding first means the prior task's Cancelled broadcast finds the
// episode already pointing elsewhere and leaves it alone; the episode
// reaches Downloading through the new task's own broadcast. CreateTask
// always starts a brand new task at retry_count 0, so the prior
// binding's retry history does not carry over.
func (m *TaskManager) ManualSelect(ctx context.Context, et *domainsub.EpisodeTask, resource torrent.Resource, dir string, allowFallback bool, preferredDownloader string) (*domaintask.Task, error) {
	prior := et.ActiveInfoHash
	et.MarkReady(resource.InfoHash())
	if err := m.store.SaveEpisodeTask(ctx, et); err != nil {
		return nil, err
	}
	if prior != "" {
		if err := m.Dispatch(ctx, prior, taskactor.Event{Kind: taskactor.EventCancel}); err != nil {
			m.log.Warn("cancel prior task on manual select failed", zap.String("info_hash", prior), zap.Error(err))
		}
	}
	return m.CreateTask(ctx, resource, et.ID, dir, allowFallback, preferredDownloader)
}

// Retry forces an operator-initiated retry of a terminal Failed task,
// the same retry path the auto-retry tick drives from Retrying.
// Entering it from either state never changes which adapter owns the
// task.
func (m *TaskManager) Retry(ctx context.Context, infoHash string) error {
	return m.Dispatch(ctx, infoHash, taskactor.Event{Kind: taskactor.EventRetry})
}

// Metrics reports counts of in-flight (non-terminal) tasks by status
// and by owning adapter. Terminal tasks are evicted from the cache as
// they complete, so this reports queue depth rather than historical
// totals.
type Metrics struct {
	ByStatus  map[domaintask.Status]int
	ByAdapter map[string]int
}

func (m *TaskManager) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := Metrics{ByStatus: make(map[domaintask.Status]int), ByAdapter: make(map[string]int)}
	for _, t := range m.cache {
		out.ByStatus[t.Status()]++
		if d := t.Downloader(); d != "" {
			out.ByAdapter[d]++
		}
	}
	return out
}

func (m *TaskManager) get(infoHash string) (*domaintask.Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.cache[infoHash]
	return t, ok
}

func (m *TaskManager) put(t *domaintask.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[t.InfoHash()] = t
}

// reindex updates (or evicts from) the cache after a transition,
// keeping it scoped to non-terminal tasks.
func (m *TaskManager) reindex(t *domaintask.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Status().IsTerminal() {
		delete(m.cache, t.InfoHash())
		return
	}
	m.cache[t.InfoHash()] = t
}
