package subscription

import (
	"time"

	apperrors "github.com/lyqingye/fetchd/pkg/errors"
)

// EpisodeStatus tracks the lifecycle of an episode independent of any
// particular torrent attempt — an episode can cycle through several
// Torrent Download Tasks (across retries and fallbacks) before it is
// Downloaded.
type EpisodeStatus string

const (
	// EpisodeMissing has no resource selected yet; the collector loop
	// has not found a qualifying candidate.
	EpisodeMissing EpisodeStatus = "missing"
	// EpisodeReady has a torrent selected and bound, but its download
	// has not been confirmed started yet.
	EpisodeReady EpisodeStatus = "ready"
	// EpisodeDownloading has a Torrent Download Task in flight.
	EpisodeDownloading EpisodeStatus = "downloading"
	// EpisodeDownloaded has a completed, available file.
	EpisodeDownloaded EpisodeStatus = "downloaded"
	// EpisodeFailed records a failure surfaced to the operator, e.g. a
	// forced retry that could not even be dispatched.
	EpisodeFailed EpisodeStatus = "failed"
	// EpisodeRetrying has its bound torrent task in a retry cycle.
	EpisodeRetrying EpisodeStatus = "retrying"
)

// EpisodeTask is the per-episode work item a Subscription Worker
// maintains: at most one active Torrent Download Task's info hash at a
// time, tracked so the worker knows whether an episode still needs a
// search or already has something in flight.
type EpisodeTask struct {
	ID             string
	SubscriptionID string
	EpisodeNumber  int
	Status         EpisodeStatus
	ActiveInfoHash string // "" when Status == EpisodeMissing
	// AirDate is the episode's known broadcast date, zero if unknown.
	// The collector only consults it when the owning subscription has
	// EnforceReleaseAfterBroadcast set.
	AirDate   time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewEpisodeTask creates a Missing episode task awaiting its first
// candidate search.
func NewEpisodeTask(id, subscriptionID string, episodeNumber int, airDate time.Time) (*EpisodeTask, error) {
	if id == "" || subscriptionID == "" {
		return nil, apperrors.BadRequest("episode task id and subscription id are required")
	}
	now := time.Now()
	return &EpisodeTask{
		ID:             id,
		SubscriptionID: subscriptionID,
		EpisodeNumber:  episodeNumber,
		Status:         EpisodeMissing,
		AirDate:        airDate,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// MarkReady binds a selected torrent's info hash to this episode and
// marks it Ready — selected, not yet confirmed downloading.
func (e *EpisodeTask) MarkReady(infoHash string) {
	e.ActiveInfoHash = infoHash
	e.Status = EpisodeReady
	e.UpdatedAt = time.Now()
}

// MarkDownloading records that the bound task's download is underway.
func (e *EpisodeTask) MarkDownloading() {
	e.Status = EpisodeDownloading
	e.UpdatedAt = time.Now()
}

// MarkDownloaded marks the episode fulfilled once its active task completes.
func (e *EpisodeTask) MarkDownloaded() {
	e.Status = EpisodeDownloaded
	e.UpdatedAt = time.Now()
}

// MarkRetrying records that the bound task is in a retry cycle,
// automatic or operator-forced.
func (e *EpisodeTask) MarkRetrying() {
	e.Status = EpisodeRetrying
	e.UpdatedAt = time.Now()
}

// MarkFailed surfaces a failure to the operator without freeing the
// episode for reselection.
func (e *EpisodeTask) MarkFailed() {
	e.Status = EpisodeFailed
	e.UpdatedAt = time.Now()
}

// Reset clears the active task and returns the episode to Missing, so
// the collector loop will search for a new candidate on its next tick
// (e.g. after the active task was cancelled or permanently failed and
// no more adapters remain to fall back to).
func (e *EpisodeTask) Reset() {
	e.ActiveInfoHash = ""
	e.Status = EpisodeMissing
	e.UpdatedAt = time.Now()
}
