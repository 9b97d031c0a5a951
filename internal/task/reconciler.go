package task

import (
	"context"
	"time"

	"go.uber.org/zap"

	domaintask "github.com/lyqingye/fetchd/internal/domain/task"
)

// ReconcilerStore is the slice of the store the reconciler needs: the
// current set of tasks whose status is still considered active.
type ReconcilerStore interface {
	ActiveTasks(ctx context.Context) ([]*domaintask.Task, error)
}

// Reconciler (the "syncer") periodically cross-checks every active
// task against the adapter that owns it, since an adapter's own
// background processing can move a task to a terminal state (or lose
// track of it entirely) without the engine observing it directly.
type Reconciler struct {
	store    ReconcilerStore
	adapters Registry
	actor    *Actor
	log      *zap.Logger
}

// NewReconciler builds a Reconciler.
func NewReconciler(store ReconcilerStore, adapters Registry, actor *Actor, log *zap.Logger) *Reconciler {
	return &Reconciler{store: store, adapters: adapters, actor: actor, log: log.Named("reconciler")}
}

// Run performs one reconciliation pass.
func (r *Reconciler) Run(ctx context.Context) error {
	tasks, err := r.store.ActiveTasks(ctx)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	groups := groupByDownloader(tasks)
	for downloaderName, group := range groups {
		r.reconcileGroup(ctx, downloaderName, group)
	}
	return nil
}

// groupByDownloader buckets tasks by the last segment of their
// downloader chain — the adapter currently owning them. A task that
// has never been assigned a downloader (still Pending, not yet
// started) has no group and is skipped; there is nothing remote to
// reconcile against.
func groupByDownloader(tasks []*domaintask.Task) map[string][]*domaintask.Task {
	groups := make(map[string][]*domaintask.Task)
	for _, t := range tasks {
		name := t.Downloader()
		if name == "" {
			continue
		}
		groups[name] = append(groups[name], t)
	}
	return groups
}

func (r *Reconciler) reconcileGroup(ctx context.Context, downloaderName string, group []*domaintask.Task) {
	adapter, ok := r.adapters.Adapter(downloaderName)
	if !ok {
		r.log.Warn("reconciling against unknown downloader", zap.String("downloader", downloaderName))
		return
	}

	tids := make([]string, 0, len(group))
	for _, t := range group {
		if t.Tid() != "" {
			tids = append(tids, t.Tid())
		}
	}

	remote, err := adapter.ListTasks(ctx, tids)
	if err != nil {
		r.log.Warn("list_tasks failed", zap.String("downloader", downloaderName), zap.Error(err))
		return
	}
	remoteByTid := make(map[string]domaintask.RemoteTask, len(remote))
	for _, rt := range remote {
		remoteByTid[rt.Tid] = rt
	}

	timeout := adapter.Config().DownloadTimeout

	for _, t := range group {
		rt, found := remoteByTid[t.Tid()]
		switch {
		case found:
			r.reconcileOne(ctx, t, rt, timeout)
		case t.Status() == domaintask.StatusPending:
			// Not yet submitted to the adapter from its point of view;
			// expected, not a mismatch.
		default:
			// The adapter has no record of a task the engine considers
			// live. That can be a transient listing gap as easily as a
			// genuinely lost task, so it is synthesized as Pending and
			// left alone rather than failed.
			r.reconcileOne(ctx, t, domaintask.RemoteTask{
				Tid:    t.Tid(),
				Status: domaintask.RemoteStatusPending,
				ErrMsg: "task missing on downloader",
			}, timeout)
		}
	}
}

func (r *Reconciler) reconcileOne(ctx context.Context, t *domaintask.Task, rt domaintask.RemoteTask, timeout time.Duration) {
	mismatch := remoteStatusMismatch(t.Status(), rt.Status)
	if !mismatch {
		if timeout > 0 && time.Since(t.UpdatedAt()) > timeout {
			if err := r.actor.Drive(ctx, t, Event{Kind: EventFail, ErrMsg: "download timeout"}); err != nil {
				r.log.Warn("drive timeout failure failed", zap.String("info_hash", t.InfoHash()), zap.Error(err))
			}
		}
		return
	}

	var ev Event
	switch rt.Status {
	case domaintask.RemoteStatusCompleted:
		ev = Event{Kind: EventComplete, Result: rt.Result}
	case domaintask.RemoteStatusCancelled:
		ev = Event{Kind: EventCancel}
	case domaintask.RemoteStatusFailed:
		ev = Event{Kind: EventFail, ErrMsg: rt.ErrMsg}
	case domaintask.RemoteStatusPaused, domaintask.RemoteStatusDownloading:
		ev = Event{Kind: EventSync, Remote: rt.Status}
	case domaintask.RemoteStatusPending:
		// Synthesized for a task missing from the adapter's listing;
		// nothing to act on.
		r.log.Debug("task missing on downloader, ignoring", zap.String("info_hash", t.InfoHash()), zap.String("downloader", t.Downloader()))
		return
	default:
		r.log.Warn("unhandled remote status", zap.String("info_hash", t.InfoHash()), zap.String("remote", string(rt.Status)))
		return
	}

	if err := r.actor.Drive(ctx, t, ev); err != nil {
		r.log.Warn("drive reconciliation event failed", zap.String("info_hash", t.InfoHash()), zap.Error(err))
	}
}

// remoteStatusMismatch reports whether the adapter's reported status
// disagrees with what the engine's own state machine thinks, i.e.
// whether reconciliation needs to act at all.
func remoteStatusMismatch(local domaintask.Status, remote domaintask.RemoteStatus) bool {
	switch remote {
	case domaintask.RemoteStatusDownloading:
		return local != domaintask.StatusDownloading
	case domaintask.RemoteStatusPaused:
		return local != domaintask.StatusPaused
	default:
		// Completed, Cancelled and Failed are always a mismatch while
		// local is still an active status — that is the entire reason
		// reconciliation exists for them.
		return true
	}
}
