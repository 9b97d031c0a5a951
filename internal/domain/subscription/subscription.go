// Package subscription holds the Subscription and Episode Task
// aggregates: what a user wants followed, and the per-episode work
// items a Subscription Worker spawns to fulfil it.
package subscription

import (
	"time"

	"github.com/lyqingye/fetchd/internal/domain/torrent"
	apperrors "github.com/lyqingye/fetchd/pkg/errors"
)

// Subscription describes an ongoing follow of a bangumi: which
// episodes to fetch, the resource filter to apply when selecting among
// candidate torrents, the episode-numbering correction to apply to
// releases whose episode numbering does not start at 1 for this
// particular season, and how its Torrent Download Tasks should behave
// on failure (AllowFallback, PreferredDownloader).
type Subscription struct {
	ID                 string
	BangumiID          int64
	StartEpisodeNumber int
	Filter             torrent.Filter

	// DownloadDir is the relative directory (under each adapter's own
	// root) every task this subscription creates lands its content in,
	// typically the bangumi's name. "" drops content directly in the
	// adapter root.
	DownloadDir string

	// CollectInterval and MetadataInterval override the worker's default
	// loop cadences for this subscription; zero means use the engine
	// default.
	CollectInterval  time.Duration
	MetadataInterval time.Duration

	// EnforceReleaseAfterBroadcast, when true, rejects any candidate
	// torrent whose PubDate precedes the episode's known air date —
	// guards against stale or mislabeled releases surfacing ahead of an
	// episode's actual broadcast.
	EnforceReleaseAfterBroadcast bool

	// PreferredDownloader, when non-empty, is tried before the
	// priority-ordered adapter chain for every new task this
	// subscription creates; it does not change the fallback chain once
	// that first attempt fails.
	PreferredDownloader string

	// AllowFallback mirrors onto every Torrent Download Task this
	// subscription creates: whether fail-action may hand an
	// exhausted task to the next adapter instead of terminating it.
	AllowFallback bool

	Paused    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// New validates and constructs a Subscription. StartEpisodeNumber of 0
// means "not yet known"; Supervisor.Subscribe resolves it to the
// bangumi's lowest known episode number on first bootstrap when an
// episode lister is wired (see scheduler.BootstrapEpisodes).
func New(id string, bangumiID int64, startEpisodeNumber int, filter torrent.Filter, downloadDir string, enforceReleaseAfterBroadcast bool, preferredDownloader string, allowFallback bool) (*Subscription, error) {
	if id == "" {
		return nil, apperrors.BadRequest("subscription id is required")
	}
	if bangumiID <= 0 {
		return nil, apperrors.BadRequest("bangumi id must be positive")
	}
	now := time.Now()
	return &Subscription{
		ID:                           id,
		BangumiID:                    bangumiID,
		StartEpisodeNumber:           startEpisodeNumber,
		Filter:                       filter,
		DownloadDir:                  downloadDir,
		EnforceReleaseAfterBroadcast: enforceReleaseAfterBroadcast,
		PreferredDownloader:          preferredDownloader,
		AllowFallback:                allowFallback,
		CreatedAt:                    now,
		UpdatedAt:                    now,
	}, nil
}

// EffectiveEpisode applies the episode-number correction rule: when
// this season's numbering continues from a prior one
// (StartEpisodeNumber > 1) and the torrent's parsed episode number is
// below it, the parsed number is treated as continuing the prior
// season and is offset back into this subscription's own numbering.
func (s *Subscription) EffectiveEpisode(parsedEpisode int) int {
	if s.StartEpisodeNumber > 1 && parsedEpisode < s.StartEpisodeNumber {
		return parsedEpisode + s.StartEpisodeNumber - 1
	}
	return parsedEpisode
}

// Pause marks the subscription paused; the Supervisor stops its
// Subscription Worker but leaves existing tasks alone.
func (s *Subscription) Pause() {
	s.Paused = true
	s.UpdatedAt = time.Now()
}

// Resume un-pauses the subscription so the Supervisor (re)spawns its
// worker.
func (s *Subscription) Resume() {
	s.Paused = false
	s.UpdatedAt = time.Now()
}
