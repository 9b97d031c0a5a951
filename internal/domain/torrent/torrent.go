package torrent

import "time"

// Record is the cached metadata describing a torrent as returned by a
// search provider, keyed by its info hash. It is stored so the engine
// never needs to re-resolve a magnet or re-parse a release name once a
// torrent has been seen.
type Record struct {
	InfoHash     string
	BangumiID    int64
	Title        string
	Resource     Resource
	SizeBytes    int64
	PubDate      time.Time
	ReleaseGroup string
	Attributes   Attributes
}

// Resolution is the parsed video resolution of a release, ordered from
// lowest to highest quality for ranking purposes.
type Resolution int

const (
	ResolutionUnknown Resolution = iota
	ResolutionSD
	Resolution720p
	Resolution1080p
	Resolution1440p
	Resolution2160p
)

// rank mirrors the ordering above; higher is preferred.
func (r Resolution) rank() int { return int(r) }

// Attributes are the release attributes extracted from a torrent's
// display name by the (external) filename parser. Episode is the raw
// parsed episode number before any subscription-specific offset
// correction is applied.
type Attributes struct {
	Resolution   Resolution
	Languages    []string // subtitle/dub language tags, e.g. "CHS", "JPN"
	ReleaseGroup string
	Episode      int
	IsBatch      bool // release bundles multiple episodes (e.g. a season pack)
}
