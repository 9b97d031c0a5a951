package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	domaintask "github.com/lyqingye/fetchd/internal/domain/task"
	"github.com/lyqingye/fetchd/internal/domain/torrent"
	apperrors "github.com/lyqingye/fetchd/pkg/errors"
	"github.com/lyqingye/fetchd/pkg/interfaces"
)

// EventKind enumerates the events the actor can be driven with. Only
// Sync carries adapter-observed remote state; the rest are simple
// triggers.
type EventKind int

const (
	EventStart EventKind = iota
	EventFail
	EventCancel
	EventPause
	EventResume
	EventComplete
	EventRetry
	EventSync
	EventFallback
	EventRemove
)

// Event is a single input to the actor's Drive loop.
type Event struct {
	Kind     EventKind
	ErrMsg   string                  // EventFail, EventSync(failed)
	Result   string                  // EventComplete, EventSync(completed)
	Remote   domaintask.RemoteStatus // EventSync
	Resource *torrent.Resource       // EventFallback: caller-selected resource to retry with
}

// Store is the persistence seam the actor needs: load the resource
// behind a task (for (re)submission to an adapter) and persist the
// task's mutated state after every transition.
type Store interface {
	ResourceForTask(ctx context.Context, infoHash string) (torrent.Resource, error)
	SaveTask(ctx context.Context, t *domaintask.Task) error
	// SetTaskResource overrides the resource AddTask will be called
	// with on the next Start, used by the manual fallback path to
	// point a task at a caller-selected alternative.
	SetTaskResource(ctx context.Context, infoHash string, resource torrent.Resource) error
}

// Registry resolves adapters by name and lists them in fallback
// priority order (highest Priority() first).
type Registry interface {
	Adapter(name string) (domaintask.Adapter, bool)
	ByPriority() []domaintask.Adapter
}

// Actor drives a single Task through its lifecycle. It holds no
// per-task state of its own beyond a lock per info hash — every Drive
// call is given the task to mutate, so an Actor is safe to share
// across many concurrent tasks.
type Actor struct {
	store     Store
	adapters  Registry
	publisher interfaces.EventBus
	log       *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewActor builds an Actor wired to store, adapters and an outward
// event bus used to broadcast TaskUpdated after every transition.
func NewActor(store Store, adapters Registry, publisher interfaces.EventBus, log *zap.Logger) *Actor {
	return &Actor{
		store:     store,
		adapters:  adapters,
		publisher: publisher,
		log:       log.Named("task-actor"),
		locks:     make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing transitions for one info hash.
// Locks are never reclaimed; the universe of hashes a deployment sees
// is small enough that leaking a mutex per torrent is cheaper than
// refcounting them.
func (a *Actor) lockFor(infoHash string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[infoHash]
	if !ok {
		l = &sync.Mutex{}
		a.locks[infoHash] = l
	}
	return l
}

// Drive applies ev to t, looping internally while an action schedules
// a follow-up event (the re-entrant Retry→Pending→Start and
// Failed→Fallback→Pending→Start chains),
// persisting the task and broadcasting TaskUpdated after every
// transition actually applied. Drives against the same info hash are
// serialized: the reconciler, retry tick and external commands all run
// on their own goroutines, and two interleaved transitions for one
// torrent would race both the adapter and the store row.
func (a *Actor) Drive(ctx context.Context, t *domaintask.Task, ev Event) error {
	l := a.lockFor(t.InfoHash())
	l.Lock()
	defer l.Unlock()

	for {
		next, err := a.step(ctx, t, ev)
		if err != nil {
			return err
		}
		if saveErr := a.store.SaveTask(ctx, t); saveErr != nil {
			return fmt.Errorf("persist task %s: %w", t.InfoHash(), saveErr)
		}
		a.broadcast(ctx, t)
		if next == nil {
			return nil
		}
		ev = *next
	}
}

// step applies a single event against t's current status and returns
// an optional follow-up event the caller's loop should apply next.
func (a *Actor) step(ctx context.Context, t *domaintask.Task, ev Event) (*Event, error) {
	status := t.Status()

	// Remove is valid from every state and always wins.
	if ev.Kind == EventRemove {
		return nil, a.actRemove(ctx, t)
	}

	switch status {
	case domaintask.StatusPending:
		switch ev.Kind {
		case EventStart:
			return a.actStart(ctx, t)
		case EventCancel:
			return nil, a.actCancel(ctx, t)
		case EventFail:
			return a.actFail(ctx, t, ev.ErrMsg)
		case EventComplete:
			return nil, a.actComplete(ctx, t, ev.Result)
		case EventSync:
			return a.actSync(ctx, t, ev)
		}
	case domaintask.StatusDownloading:
		switch ev.Kind {
		case EventPause:
			return nil, a.actPause(ctx, t)
		case EventCancel:
			return nil, a.actCancel(ctx, t)
		case EventComplete:
			return nil, a.actComplete(ctx, t, ev.Result)
		case EventFail:
			return a.actFail(ctx, t, ev.ErrMsg)
		case EventSync:
			return a.actSync(ctx, t, ev)
		}
	case domaintask.StatusPaused:
		switch ev.Kind {
		case EventResume:
			return a.actResume(ctx, t)
		case EventCancel:
			return nil, a.actCancel(ctx, t)
		case EventSync:
			return a.actSync(ctx, t, ev)
		}
	case domaintask.StatusFailed:
		switch ev.Kind {
		case EventRetry:
			// An operator-forced retry on an already terminal task
			// re-enters the same retry-action a Retrying task's
			// auto-retry tick would have used.
			return a.actRetry(ctx, t)
		case EventFallback:
			return a.actFallback(ctx, t, ev.Resource)
		case EventSync:
			return a.actSync(ctx, t, ev)
		}
	case domaintask.StatusRetrying:
		switch ev.Kind {
		case EventRetry:
			return a.actRetry(ctx, t)
		case EventCancel:
			return nil, a.actCancel(ctx, t)
		case EventPause:
			return nil, a.actPause(ctx, t)
		case EventSync:
			return a.actSync(ctx, t, ev)
		}
	case domaintask.StatusCompleted, domaintask.StatusCancelled:
		if ev.Kind == EventSync {
			return a.actSync(ctx, t, ev)
		}
		// Terminal states otherwise ignore everything but Remove,
		// handled above.
		a.log.Warn("ignoring event against terminal task",
			zap.String("info_hash", t.InfoHash()), zap.String("status", string(status)))
		return nil, nil
	}

	a.log.Warn("no transition for event in current status",
		zap.String("info_hash", t.InfoHash()), zap.String("status", string(status)), zap.Int("event", int(ev.Kind)))
	return nil, nil
}

// actStart hands the task to its currently-assigned adapter (or the
// highest priority adapter if none assigned yet) via AddTask.
func (a *Actor) actStart(ctx context.Context, t *domaintask.Task) (*Event, error) {
	adapter, err := a.currentOrFirstAdapter(t)
	if err != nil {
		return a.actFail(ctx, t, err.Error())
	}

	resource, err := a.store.ResourceForTask(ctx, t.InfoHash())
	if err != nil {
		return a.actFail(ctx, t, fmt.Sprintf("resolve resource: %v", err))
	}

	if t.Downloader() != adapter.Name() {
		t.AssignDownloader(adapter.Name())
	}

	tid, ctxBlob, err := adapter.AddTask(ctx, resource, t.Dir())
	if err != nil {
		a.log.Warn("adapter add task failed", zap.String("info_hash", t.InfoHash()), zap.String("adapter", adapter.Name()), zap.Error(err))
		return a.actFail(ctx, t, err.Error())
	}
	if tid == "" {
		tid = t.InfoHash()
	}
	t.SetTidAndContext(tid, ctxBlob)
	t.SetStatus(domaintask.StatusDownloading)
	t.ClearError()
	t.ClearRetrySchedule()
	return nil, nil
}

// tidOrHash returns t's adapter-side task id, falling back to its info
// hash for adapters that were never given an explicit tid (or whose
// task never got past Pending before this action ran).
func tidOrHash(t *domaintask.Task) string {
	if tid := t.Tid(); tid != "" {
		return tid
	}
	return t.InfoHash()
}

// actFail is the shared failure path: best-effort tear down the
// remote task, then either bound the task into a terminal Failed (and,
// if the subscription allows it, immediately chain into Fallback) or
// schedule it for an automatic retry on the same adapter. The
// scheduled-retry branch deliberately does NOT chain into the next
// event itself — it persists Retrying with nextRetryAt in the future
// and waits for the retry tick to actually drive it, which is the only
// way the computed backoff delay is observed rather than
// short-circuited.
func (a *Actor) actFail(ctx context.Context, t *domaintask.Task, errMsg string) (*Event, error) {
	if name := t.Downloader(); name != "" {
		if adapter, ok := a.adapters.Adapter(name); ok {
			if err := adapter.Remove(ctx, tidOrHash(t), true); err != nil {
				a.log.Warn("best-effort remove before fail failed", zap.String("info_hash", t.InfoHash()), zap.Error(err))
			}
		}
	}

	cfg, ok := a.currentAdapterConfig(t)
	if !ok || t.RetryCount() >= cfg.MaxRetryCount {
		t.SetStatus(domaintask.StatusFailed)
		t.SetError(errMsg)
		t.ClearRetrySchedule()
		if t.AllowFallback() {
			return &Event{Kind: EventFallback}, nil
		}
		return nil, nil
	}

	t.IncrementRetry()
	t.SetStatus(domaintask.StatusRetrying)
	t.SetError(errMsg)
	t.ScheduleRetryAt(NextRetryAt(time.Now(), t.RetryCount(), cfg.RetryMinInterval, cfg.RetryMaxInterval))
	return nil, nil
}

func (a *Actor) actCancel(ctx context.Context, t *domaintask.Task) error {
	if name := t.Downloader(); name != "" {
		if adapter, ok := a.adapters.Adapter(name); ok {
			if err := adapter.Cancel(ctx, tidOrHash(t)); err != nil && !apperrors.IsAdapterTransient(err) {
				a.log.Warn("adapter cancel failed", zap.String("info_hash", t.InfoHash()), zap.Error(err))
			}
		}
	}
	t.SetStatus(domaintask.StatusCancelled)
	return nil
}

func (a *Actor) actPause(ctx context.Context, t *domaintask.Task) error {
	adapter, ok := a.adapters.Adapter(t.Downloader())
	if !ok {
		return apperrors.New(apperrors.ErrorTypeDownloaderNotFound, "downloader not found: "+t.Downloader())
	}
	if err := adapter.Pause(ctx, tidOrHash(t)); err != nil {
		return err
	}
	t.SetStatus(domaintask.StatusPaused)
	return nil
}

func (a *Actor) actResume(ctx context.Context, t *domaintask.Task) (*Event, error) {
	adapter, ok := a.adapters.Adapter(t.Downloader())
	if !ok {
		return a.actFail(ctx, t, "downloader not found: "+t.Downloader())
	}
	if err := adapter.Resume(ctx, tidOrHash(t)); err != nil {
		return a.actFail(ctx, t, err.Error())
	}
	t.SetStatus(domaintask.StatusDownloading)
	return nil, nil
}

// actComplete records a finished download: if the adapter that
// finished the task wants finished tasks cleared out of its own task
// list, best-effort remove it (without touching the downloaded data)
// before recording Completed.
func (a *Actor) actComplete(ctx context.Context, t *domaintask.Task, result string) error {
	if cfg, ok := a.currentAdapterConfig(t); ok && cfg.DeleteTaskOnCompletion {
		if adapter, ok := a.adapters.Adapter(t.Downloader()); ok {
			if err := adapter.Remove(ctx, tidOrHash(t), false); err != nil {
				a.log.Warn("best-effort remove after completion failed", zap.String("info_hash", t.InfoHash()), zap.Error(err))
			}
		}
	}
	t.SetStatus(domaintask.StatusCompleted)
	t.SetResult(result)
	return nil
}

// currentAdapterConfig resolves the Config of the adapter currently
// assigned to t, or ok=false if t has no assigned adapter or the
// adapter is no longer registered.
func (a *Actor) currentAdapterConfig(t *domaintask.Task) (domaintask.Config, bool) {
	name := t.Downloader()
	if name == "" {
		return domaintask.Config{}, false
	}
	adapter, ok := a.adapters.Adapter(name)
	if !ok {
		return domaintask.Config{}, false
	}
	return adapter.Config(), true
}

// actRetry best-effort tears down the remote task on the CURRENT
// adapter — retrying never changes which adapter owns the task, that
// is fallback-action's job — then hands control back to Pending+Start
// so AddTask resubmits through the same path a first attempt would.
// Reachable either from Retrying (the auto-retry tick, once
// nextRetryAt has elapsed) or directly from Failed (an operator-forced
// retry command, which bypasses the normal retry-count bound).
func (a *Actor) actRetry(ctx context.Context, t *domaintask.Task) (*Event, error) {
	if name := t.Downloader(); name != "" {
		if adapter, ok := a.adapters.Adapter(name); ok {
			if err := adapter.Remove(ctx, tidOrHash(t), true); err != nil {
				a.log.Warn("best-effort remove before retry failed", zap.String("info_hash", t.InfoHash()), zap.Error(err))
			}
		}
	}
	t.SetStatus(domaintask.StatusPending)
	t.ClearRetrySchedule()
	return &Event{Kind: EventStart}, nil
}

// actFallback finds the highest priority adapter not yet present in
// the task's downloader history, appends it, and hands control back to
// Pending+Start. The automatic path (no explicit resource, chained
// directly from actFail once retries are exhausted) resets retry_count
// to 0 — a fresh adapter gets a fresh retry budget. A caller supplying
// an explicit resource is the operator's manual-selection path; there
// the counter is preserved, treating a manual override as distinct
// from an exhausted-retry fallback.
func (a *Actor) actFallback(ctx context.Context, t *domaintask.Task, resource *torrent.Resource) (*Event, error) {
	if resource != nil {
		if err := a.store.SetTaskResource(ctx, t.InfoHash(), *resource); err != nil {
			return a.actFail(ctx, t, fmt.Sprintf("set fallback resource: %v", err))
		}
	}
	adapter, err := a.nextFallbackAdapter(t)
	if err != nil {
		t.SetStatus(domaintask.StatusFailed)
		t.SetError(err.Error())
		return nil, nil
	}
	t.AssignDownloader(adapter.Name())
	if resource == nil {
		t.ResetRetryCount()
	}
	t.SetStatus(domaintask.StatusPending)
	return &Event{Kind: EventStart}, nil
}

// actSync reconciles a task against an adapter-observed remote status.
// Terminal remote statuses are translated into the ordinary event that
// produces the same effect as if the engine itself had observed the
// transition; Downloading/Paused drift is adopted directly — the
// remote side already IS in that state, so no adapter call is made,
// only the local record catches up.
func (a *Actor) actSync(ctx context.Context, t *domaintask.Task, ev Event) (*Event, error) {
	switch ev.Remote {
	case domaintask.RemoteStatusCompleted:
		return &Event{Kind: EventComplete, Result: ev.Result}, nil
	case domaintask.RemoteStatusCancelled:
		return &Event{Kind: EventCancel}, nil
	case domaintask.RemoteStatusFailed:
		return &Event{Kind: EventFail, ErrMsg: ev.ErrMsg}, nil
	case domaintask.RemoteStatusDownloading:
		t.SetStatus(domaintask.StatusDownloading)
		return nil, nil
	case domaintask.RemoteStatusPaused:
		t.SetStatus(domaintask.StatusPaused)
		return nil, nil
	default:
		a.log.Warn("unhandled remote status in sync", zap.String("info_hash", t.InfoHash()), zap.String("remote", string(ev.Remote)))
		return nil, nil
	}
}

// actRemove tears the task down on its adapter (data included) and
// records Cancelled — removal is a cancellation whose cleanup also
// takes the downloaded files with it.
func (a *Actor) actRemove(ctx context.Context, t *domaintask.Task) error {
	if name := t.Downloader(); name != "" {
		if adapter, ok := a.adapters.Adapter(name); ok {
			if err := adapter.Remove(ctx, tidOrHash(t), true); err != nil {
				a.log.Warn("adapter remove failed", zap.String("info_hash", t.InfoHash()), zap.Error(err))
			}
		}
	}
	t.SetStatus(domaintask.StatusCancelled)
	return nil
}

func (a *Actor) currentOrFirstAdapter(t *domaintask.Task) (domaintask.Adapter, error) {
	if name := t.Downloader(); name != "" {
		if adapter, ok := a.adapters.Adapter(name); ok {
			return adapter, nil
		}
	}
	list := a.adapters.ByPriority()
	if len(list) == 0 {
		return nil, apperrors.New(apperrors.ErrorTypeDownloaderNotFound, "no adapters registered")
	}
	return list[0], nil
}

// nextFallbackAdapter returns the highest-priority adapter that is not
// already in t's downloader chain. Once every registered adapter has
// been tried there is no next adapter to fall back to, and the task
// must terminate Failed rather than recycle an adapter that already
// exhausted its retries.
func (a *Actor) nextFallbackAdapter(t *domaintask.Task) (domaintask.Adapter, error) {
	tried := make(map[string]bool)
	for _, name := range t.DownloaderChain() {
		tried[name] = true
	}
	list := a.adapters.ByPriority()
	for _, adapter := range list {
		if !tried[adapter.Name()] {
			return adapter, nil
		}
	}
	return nil, apperrors.New(apperrors.ErrorTypeDownloaderNotFound, "no untried downloader remains for fallback")
}

func (a *Actor) broadcast(ctx context.Context, t *domaintask.Task) {
	if a.publisher == nil {
		return
	}
	a.publisher.PublishAsync(ctx, TaskUpdated{domaintask.NewUpdated(t)})
}

// TaskUpdated is the bus-facing envelope of a task's Updated domain
// event. It narrows the uuid/time.Time event identity down to the
// string/int64 shape pkg/interfaces.Event requires while keeping the
// full payload accessible to in-process subscribers (the Task Manager
// type-asserts it back to reach EpisodeTaskID and Status).
type TaskUpdated struct {
	*domaintask.Updated
}

func (e TaskUpdated) Timestamp() int64    { return e.Updated.CreatedAt().Unix() }
func (e TaskUpdated) AggregateID() string { return e.Updated.BaseEvent.AggregateID().String() }
