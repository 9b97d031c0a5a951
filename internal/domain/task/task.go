// Package task holds the TorrentDownloadTask aggregate — the unit the
// engine drives through its download lifecycle — along with the
// Adapter interface downloaders must implement and the domain events
// a task emits as it moves between states.
package task

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/lyqingye/fetchd/pkg/errors"
)

// Status is one of the seven states in the task's lifecycle state
// machine (see the actor package for the transition table).
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusRetrying    Status = "retrying"
	StatusFailed      Status = "failed"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
)

// IsTerminal reports whether a task in this status will never move
// again without external re-subscription (Completed, Cancelled).
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// IsActive reports whether a task in this status is one the
// reconciler should reconcile against a live downloader.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusDownloading || s == StatusPaused
}

// Task is the aggregate tracking a single torrent through its
// download lifecycle. InfoHash is its natural primary key.
type Task struct {
	infoHash        string
	episodeTaskID   string
	status          Status
	downloaderChain []string // every adapter name tried, in order; current = last
	allowFallback   bool
	dir             string // relative directory the content lands in, under each adapter's own root
	errMsg          string
	retryCount      int
	nextRetryAt     *time.Time
	result          string
	tid             string // adapter-side task id; may equal infoHash for adapters that key by hash
	context         string // opaque blob an adapter may use to recall file listings; never parsed by the core
	createdAt       time.Time
	updatedAt       time.Time
}

// New creates a brand new task in StatusPending, not yet assigned to
// any downloader. allowFallback mirrors the owning subscription's
// allow_fallback flag: whether the actor may hand the task to a
// different adapter once the current one exhausts its retries. Retry
// timing is not a task-level property — it comes from whichever
// adapter's Config currently owns the task.
func New(infoHash, episodeTaskID, dir string, allowFallback bool) (*Task, error) {
	if infoHash == "" {
		return nil, apperrors.BadRequest("info hash is required")
	}
	now := time.Now()
	return &Task{
		infoHash:      infoHash,
		episodeTaskID: episodeTaskID,
		status:        StatusPending,
		allowFallback: allowFallback,
		dir:           dir,
		createdAt:     now,
		updatedAt:     now,
	}, nil
}

// Hydrate reconstructs a Task from persisted fields exactly as stored,
// bypassing the lifecycle validation New's sibling mutators apply —
// used only by the store when loading a row back into memory.
func Hydrate(infoHash, episodeTaskID string, status Status, downloaderChain []string, allowFallback bool, dir string, errMsg string, retryCount int, nextRetryAt *time.Time, result, tid, context string, createdAt, updatedAt time.Time) *Task {
	return &Task{
		infoHash:        infoHash,
		episodeTaskID:   episodeTaskID,
		status:          status,
		downloaderChain: downloaderChain,
		allowFallback:   allowFallback,
		dir:             dir,
		errMsg:          errMsg,
		retryCount:      retryCount,
		nextRetryAt:     nextRetryAt,
		result:          result,
		tid:             tid,
		context:         context,
		createdAt:       createdAt,
		updatedAt:       updatedAt,
	}
}

// AllowFallback reports whether the actor may hand this task to a
// different adapter once the current one's retries are exhausted.
func (t *Task) AllowFallback() bool { return t.allowFallback }

func (t *Task) InfoHash() string        { return t.infoHash }
func (t *Task) EpisodeTaskID() string   { return t.episodeTaskID }
func (t *Task) Dir() string             { return t.dir }
func (t *Task) Status() Status          { return t.status }
func (t *Task) ErrMsg() string          { return t.errMsg }
func (t *Task) RetryCount() int         { return t.retryCount }
func (t *Task) NextRetryAt() *time.Time { return t.nextRetryAt }
func (t *Task) Result() string          { return t.result }
func (t *Task) CreatedAt() time.Time    { return t.createdAt }
func (t *Task) UpdatedAt() time.Time    { return t.updatedAt }

// Tid returns the adapter-side task identifier, or "" if the task has
// never been successfully submitted to an adapter yet.
func (t *Task) Tid() string { return t.tid }

// Context returns the opaque adapter-owned blob (e.g. a cached file
// listing) to be passed back unchanged on a later ListFiles call.
func (t *Task) Context() string { return t.context }

// SetTidAndContext records what AddTask returned on a successful
// submission.
func (t *Task) SetTidAndContext(tid, context string) {
	t.tid = tid
	t.context = context
	t.Touch()
}

// DownloaderChain returns every adapter name the task has been handed
// to, in the order they were tried.
func (t *Task) DownloaderChain() []string {
	out := make([]string, len(t.downloaderChain))
	copy(out, t.downloaderChain)
	return out
}

// Downloader returns the adapter currently (or most recently) owning
// this task — the last entry of the chain — or "" if the task has
// never been assigned.
func (t *Task) Downloader() string {
	if len(t.downloaderChain) == 0 {
		return ""
	}
	return t.downloaderChain[len(t.downloaderChain)-1]
}

// DownloaderChainString renders the chain the way it is persisted: a
// single comma-joined text column.
func (t *Task) DownloaderChainString() string {
	return strings.Join(t.downloaderChain, ",")
}

// AssignDownloader appends a new adapter name to the chain, making it
// the task's current downloader. Called by the actor when handing a
// task to an adapter for the first time or after a fallback.
func (t *Task) AssignDownloader(name string) {
	t.downloaderChain = append(t.downloaderChain, name)
	t.Touch()
}

// Touch bumps UpdatedAt without changing anything else; used when an
// adapter sync confirms the task is still progressing normally.
func (t *Task) Touch() { t.updatedAt = time.Now() }

// SetStatus is the single place status is mutated so every transition
// passes through one choke point for future instrumentation. It is
// exported for the actor package, which owns transition legality.
func (t *Task) SetStatus(s Status) {
	t.status = s
	t.Touch()
}

// SetError records the task's last error message.
func (t *Task) SetError(msg string) {
	t.errMsg = msg
	t.Touch()
}

// ClearError clears the task's last error message, e.g. on a
// successful (re)start.
func (t *Task) ClearError() {
	t.errMsg = ""
	t.Touch()
}

// SetResult records the final file/directory path once a task
// completes.
func (t *Task) SetResult(result string) {
	t.result = result
	t.Touch()
}

// IncrementRetry bumps the retry counter ahead of an automatic retry
// attempt.
func (t *Task) IncrementRetry() {
	t.retryCount++
	t.Touch()
}

// ResetRetryCount zeroes the retry counter, used by fallback-action
// once a task is hand over to a fresh adapter.
func (t *Task) ResetRetryCount() {
	t.retryCount = 0
	t.Touch()
}

// ScheduleRetryAt records when the next automatic retry attempt is due.
func (t *Task) ScheduleRetryAt(at time.Time) {
	t.nextRetryAt = &at
	t.Touch()
}

// ClearRetrySchedule clears any pending retry schedule, e.g. once a
// retry attempt has actually been made.
func (t *Task) ClearRetrySchedule() {
	t.nextRetryAt = nil
	t.Touch()
}

// String renders a compact identity for logs.
func (t *Task) String() string {
	return fmt.Sprintf("task{hash=%s status=%s downloader=%s retry=%d}", t.infoHash, t.status, t.Downloader(), t.retryCount)
}
