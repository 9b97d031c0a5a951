package task

import (
	"context"
	"time"

	"github.com/lyqingye/fetchd/internal/domain/torrent"
)

// RemoteStatus is the status an Adapter reports back for a task it is
// currently driving, as distinct from Status: an adapter never reports
// Retrying — that state is owned by the engine's own state machine,
// not the remote downloader. RemoteStatusPending is likewise never
// reported by an adapter; the reconciler synthesizes it for a task the
// adapter has no record of, which may simply be a transient gap in the
// downloader's listing.
type RemoteStatus string

const (
	RemoteStatusPending     RemoteStatus = "pending"
	RemoteStatusDownloading RemoteStatus = "downloading"
	RemoteStatusPaused      RemoteStatus = "paused"
	RemoteStatusCompleted   RemoteStatus = "completed"
	RemoteStatusFailed      RemoteStatus = "failed"
	RemoteStatusCancelled   RemoteStatus = "cancelled"
)

// RemoteTask is one entry of an Adapter's ListTasks response.
type RemoteTask struct {
	Tid      string
	Status   RemoteStatus
	ErrMsg   string
	Result   string // final file/directory path, set once Status == RemoteStatusCompleted
}

// AccessType discriminates how a caller should follow the URL returned
// by DlFile: a plain HTTP redirect the caller's client will chase on
// its own, or a URL the engine must fetch itself and forward the bytes
// of (e.g. a signed internal path only reachable from the adapter's
// own network).
type AccessType string

const (
	AccessRedirect AccessType = "redirect"
	AccessForward  AccessType = "forward"
)

// FileEntry is one entry of an Adapter's ListFiles response.
type FileEntry struct {
	FileID   string
	FileName string
	FileSize int64
	IsDir    bool
}

// DlFileResult is an Adapter's response to DlFile: a URL and how the
// caller must treat it.
type DlFileResult struct {
	URL        string
	AccessType AccessType
}

// Config exposes an adapter's tuning knobs to the retry/backoff and
// reconciler logic, which are adapter-specific because different
// downloader kinds resolve at very different speeds (an embedded
// BitTorrent client vs. a cloud offline-download service).
type Config struct {
	// Priority ranks this adapter against every other registered
	// adapter for fallback-action's highest-priority-untried pick;
	// higher wins. Operator-configured per deployment rather than
	// hardcoded, since which backend should be tried first is a
	// deployment choice, not a property of the adapter's code.
	Priority int

	RetryMinInterval time.Duration
	RetryMaxInterval time.Duration
	DownloadTimeout  time.Duration

	// MaxRetryCount bounds how many times the actor retries a task on
	// this adapter before it gives up and either falls back to the
	// next adapter or terminates the task in Failed.
	MaxRetryCount int

	// DeleteTaskOnCompletion tells the actor to best-effort remove the
	// remote task (without deleting downloaded files) once it reports
	// Completed, for adapters that otherwise keep finished tasks
	// cluttering their own task list indefinitely.
	DeleteTaskOnCompletion bool

	// DownloadDir is the adapter-side root every task's relative dir is
	// resolved under: a local data directory for the embedded client, a
	// daemon-side save path for qBittorrent/Transmission, a storage
	// path for alist.
	DownloadDir string
}

// Adapter is the seam between the task actor and a concrete downloader
// backend (a local BitTorrent client, a qBittorrent/Transmission
// instance, a cloud offline-download service, …). Every method must be
// safe to call concurrently and must treat "task already in the
// requested state" as success, not an error — the actor may replay a
// transition after a crash.
type Adapter interface {
	// Name uniquely identifies this adapter instance; it is the value
	// recorded in a Task's downloader chain.
	Name() string

	// Priority ranks this adapter against the others in the engine's
	// adapter registry; when a task needs to fall back to a different
	// downloader, the adapter with the highest priority that has not
	// yet been tried for that task is chosen next.
	Priority() int

	// Config returns this adapter's tuning knobs.
	Config() Config

	// AddTask hands resource to the downloader, landing its content in
	// dir (a relative directory under the adapter's own DownloadDir
	// root; "" for the root itself). It must return an
	// UNSUPPORTED_RESOURCE error if it cannot add the given
	// Resource.Kind(). On success it returns the adapter-side task id
	// (tid) future calls must address this task by — which may simply
	// be resource.InfoHash() for adapters that key by hash — plus an
	// opaque context blob (may be "") the core persists and passes back
	// unchanged on ListFiles.
	AddTask(ctx context.Context, resource torrent.Resource, dir string) (tid string, opaqueContext string, err error)

	// Pause, Resume, Cancel drive the remote task's lifecycle. Remove
	// tears down the remote task and, when alsoRemoveFiles is true, the
	// downloaded data with it; the actor passes false for its
	// best-effort post-completion cleanup and true for fail/retry/
	// remove-action. All four address the task by the tid AddTask
	// returned.
	Pause(ctx context.Context, tid string) error
	Resume(ctx context.Context, tid string) error
	Cancel(ctx context.Context, tid string) error
	Remove(ctx context.Context, tid string, alsoRemoveFiles bool) error

	// ListTasks returns the adapter's current view of the given tids. A
	// tid the adapter has no record of is simply omitted from the
	// result, not an error.
	ListTasks(ctx context.Context, tids []string) ([]RemoteTask, error)

	// ListFiles enumerates the files of a completed (or in-progress)
	// task. opaqueContext is the blob AddTask may have returned, passed
	// back unchanged — the core never parses it.
	ListFiles(ctx context.Context, tid string, opaqueContext string) ([]FileEntry, error)

	// DlFile resolves a direct download URL for one file previously
	// returned by ListFiles, to be presented to a client identifying
	// itself with userAgent.
	DlFile(ctx context.Context, fileID string, userAgent string) (DlFileResult, error)

	// SupportsResourceType reports whether AddTask can accept a
	// resource of this kind.
	SupportsResourceType(kind torrent.Kind) bool

	// RecommendedResourceType is the resource Kind this adapter
	// resolves most cheaply/reliably; the Task Manager prefers
	// reconstructing a Resource of this kind when more than one
	// representation of a torrent is available.
	RecommendedResourceType() torrent.Kind
}
